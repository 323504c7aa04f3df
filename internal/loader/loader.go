// Package loader reads compiled module files from disk.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// File extensions of module files.
const (
	ExtJSON   = ".json"
	ExtBinary = ".mvb"
)

// MaxFileSize bounds the size of a single module file.
const MaxFileSize = 64 << 20

// ErrTooLarge is returned for files above MaxFileSize.
var ErrTooLarge = errors.New("module file too large")

// File is a decoded module file.
type File struct {
	Path     string
	Encoding bc.Encoding
	Hash     bc.Hash
	Module   *bc.Module
}

// IsModuleFile reports whether path has a module file extension.
func IsModuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtJSON, ExtBinary:
		return true
	}
	return false
}

// LoadFile reads and decodes one module file. The extension selects the
// decoder; other extensions are detected from the content.
func LoadFile(path string) (*File, error) {
	data, release, err := readFile(path)
	if err != nil {
		return nil, err
	}
	defer release()

	enc := bc.DetectEncoding(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtJSON:
		enc = bc.EncodingJSON
	case ExtBinary:
		enc = bc.EncodingCBOR
	}

	var m *bc.Module
	switch enc {
	case bc.EncodingJSON:
		m, err = bc.DecodeJSON(data)
	case bc.EncodingCBOR:
		m, err = bc.DecodeCBOR(data)
	default:
		m, err = bc.Decode(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	hash, err := bc.ContentHash(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Tracef("loaded %s (%s, %d bytes)", path, enc, len(data))
	return &File{Path: path, Encoding: enc, Hash: hash, Module: m}, nil
}

// Load loads every path. Directories are walked recursively for module
// files; files named explicitly are loaded whatever their extension. The
// result is sorted by path.
func Load(ctx context.Context, paths ...string) ([]*File, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsModuleFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)

	out := make([]*File, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	log.Debugf("loaded %d module files", len(out))
	return out, nil
}

// Modules returns the modules of files in order.
func Modules(files []*File) []*bc.Module {
	out := make([]*bc.Module, len(files))
	for i, f := range files {
		out[i] = f.Module
	}
	return out
}

// Write encodes m into path, choosing the encoding from the extension.
func Write(path string, m *bc.Module) error {
	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(path)) == ExtBinary {
		data, err = bc.EncodeCBOR(m)
	} else {
		data, err = bc.EncodeJSON(m)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readPlain reads the whole file into memory.
func readPlain(path string) ([]byte, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}
