package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cli"
	"github.com/orizon-lang/bcverify/internal/loader"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

// bundleManifest lists the modules of a publish bundle. Paths are relative
// to the manifest file.
type bundleManifest struct {
	Modules []struct {
		Path         string                `json:"path"`
		Version      registry.Version      `json:"version"`
		Dependencies []registry.Dependency `json:"dependencies,omitempty"`
	} `json:"modules"`
}

func cmdPublish(ctx context.Context, e *env, args []string) int {
	fs := e.flags("publish")
	storeDir := fs.String("store", "", "file registry directory")
	version := fs.String("version", "", "version of the module given as argument")
	manifest := fs.String("manifest", "", "JSON manifest listing a bundle")
	var deps listFlag
	fs.Var(&deps, "dep", "dependency constraint <address>::<name>@<constraint> (repeatable)")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *storeDir == "" || (*manifest == "") == (fs.NArg() == 0) {
		fs.Usage()
		return cli.ExitUsage
	}

	var subs []registry.Submission
	var err error
	if *manifest != "" {
		subs, err = readManifest(*manifest)
	} else {
		subs, err = argSubmissions(ctx, fs.Args(), registry.Version(*version), deps)
	}
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}

	store, err := registry.OpenFileStore(*storeDir)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitFailure
	}
	v, err := verifier.New(e.cfg)
	if err != nil {
		e.log.Error("%v", err)
		return cli.ExitUsage
	}
	res, err := registry.New(store, v).Publish(ctx, subs)
	if err != nil {
		var conflict *registry.ConflictError
		var cycle *registry.CycleError
		switch {
		case errors.As(err, &conflict), errors.As(err, &cycle), errors.Is(err, registry.ErrVersionExists):
			e.log.Error("publish refused: %v", err)
			return cli.ExitRejected
		}
		e.log.Error("%v", err)
		return cli.ExitFailure
	}

	if *jsonOut {
		if err := writeJSON(e.stdout, res); err != nil {
			e.log.Error("%v", err)
			return cli.ExitFailure
		}
	} else {
		printBundle(e.stdout, res.Bundle, nil)
		for _, name := range sortedKeys(res.Resolution) {
			fmt.Fprintf(e.stdout, "resolved %s@%s\n", name, res.Resolution[name])
		}
		for _, name := range sortedKeys(res.Published) {
			fmt.Fprintf(e.stdout, "published %s as %s\n", name, res.Published[name])
		}
	}
	if !res.Bundle.Accepted {
		return cli.ExitRejected
	}
	return cli.ExitOK
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseDependency parses "<address>::<name>@<constraint>". The constraint
// is optional.
func parseDependency(s string) (registry.Dependency, error) {
	id, constraint, _ := strings.Cut(s, "@")
	mid, err := bc.ParseModuleID(id)
	if err != nil {
		return registry.Dependency{}, err
	}
	return registry.Dependency{Module: mid, Constraint: constraint}, nil
}

// argSubmissions builds submissions for module files given on the command
// line. They all share version and deps.
func argSubmissions(ctx context.Context, paths []string, version registry.Version, deps []string) ([]registry.Submission, error) {
	if version == "" {
		return nil, errors.New("-version is required without -manifest")
	}
	var parsed []registry.Dependency
	for _, d := range deps {
		dep, err := parseDependency(d)
		if err != nil {
			return nil, fmt.Errorf("-dep %q: %w", d, err)
		}
		parsed = append(parsed, dep)
	}
	files, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}
	subs := make([]registry.Submission, len(files))
	for i, f := range files {
		subs[i] = registry.Submission{Module: f.Module, Version: version, Dependencies: parsed}
	}
	return subs, nil
}

func readManifest(path string) ([]registry.Submission, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bm bundleManifest
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(bm.Modules) == 0 {
		return nil, fmt.Errorf("%s lists no modules", path)
	}
	dir := filepath.Dir(path)
	subs := make([]registry.Submission, len(bm.Modules))
	for i, entry := range bm.Modules {
		p := entry.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		f, err := loader.LoadFile(p)
		if err != nil {
			return nil, err
		}
		subs[i] = registry.Submission{Module: f.Module, Version: entry.Version, Dependencies: entry.Dependencies}
	}
	return subs, nil
}
