// Package watch re-verifies module files in a directory tree as they are
// created or rewritten.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/loader"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

// DefaultDebounce is the quiet period after the last change to a file
// before it is verified.
const DefaultDebounce = 200 * time.Millisecond

// Result is the outcome of verifying one file. Err is set when the file
// could not be loaded; Verdict is set otherwise.
type Result struct {
	Path    string
	File    *loader.File
	Verdict *verifier.Verdict
	Err     error
}

// Handler receives results in the order files were verified.
type Handler func(Result)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithDependencies sets the modules files are linked against.
func WithDependencies(deps linker.Resolver) Option {
	return func(w *Watcher) { w.deps = deps }
}

// Watcher watches one directory tree.
type Watcher struct {
	root     string
	verifier *verifier.Verifier
	deps     linker.Resolver
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// New creates a watcher over root.
func New(root string, v *verifier.Verifier, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watch root must be a directory")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, verifier: v, deps: linker.NewModules(), debounce: DefaultDebounce, fw: fw}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// addTree watches dir and its subdirectories and returns the module files
// found in them.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fw.Add(path)
		}
		if loader.IsModuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Run verifies every module file under the root, then re-verifies files as
// they change until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.fw.Close()
	files, err := w.addTree(w.root)
	if err != nil {
		return err
	}
	log.Infof("watching %s (%d module files)", w.root, len(files))
	if err := w.verifyAll(ctx, files, handle); err != nil {
		return err
	}

	pending := make(map[string]bool)
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			log.Tracef("event %s", ev)
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					added, err := w.addTree(ev.Name)
					if err != nil {
						log.Warnf("watch %s: %v", ev.Name, err)
					}
					for _, f := range added {
						pending[f] = true
					}
				} else if loader.IsModuleFile(ev.Name) {
					pending[ev.Name] = true
				}
			}
			if len(pending) > 0 {
				fire = time.After(w.debounce)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Errorf("watcher error: %v", err)

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]bool)
			if err := w.verifyAll(ctx, paths, handle); err != nil {
				return err
			}
		}
	}
}

// Close stops a running watcher.
func (w *Watcher) Close() error { return w.fw.Close() }

func (w *Watcher) verifyAll(ctx context.Context, paths []string, handle Handler) error {
	sort.Strings(paths)
	for _, p := range paths {
		res := Result{Path: p}
		res.File, res.Err = loader.LoadFile(p)
		if res.Err == nil {
			verdict, err := w.verifier.VerifyModule(ctx, res.File.Module, w.deps)
			if err != nil {
				return err
			}
			res.Verdict = verdict
			log.Debugf("%s: accepted=%v", p, verdict.Accepted)
		} else {
			log.Debugf("%s: %v", p, res.Err)
		}
		handle(res)
	}
	return nil
}
