package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	semver "github.com/Masterminds/semver/v3"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// FileStore is a filesystem-backed Store. Each record is stored as JSON
// under baseDir/records/<id>.json and index.json lists module versions for
// inspection; the in-memory index is rebuilt from the records on open.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
	ix      index
}

type indexEntry struct {
	Module       bc.ModuleID  `json:"module"`
	Version      Version      `json:"version"`
	ID           ContentID    `json:"id"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// OpenFileStore loads or initializes a store at baseDir.
func OpenFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("baseDir required")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "records"), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{baseDir: baseDir, ix: newIndex()}
	err := filepath.WalkDir(filepath.Join(baseDir, "records"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		present, err := s.ix.admit(rec)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !present {
			s.ix.add(rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("opened file store %s with %d records", baseDir, len(s.ix.records))
	if err := s.persistIndex(); err != nil {
		log.Warnf("failed to write index for %s: %v", baseDir, err)
	}
	return s, nil
}

func (s *FileStore) recordPath(id ContentID) string {
	return filepath.Join(s.baseDir, "records", string(id)+".json")
}

// Put writes rec if absent and updates the index.
func (s *FileStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	present, err := s.ix.admit(rec)
	if err != nil || present {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.recordPath(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.recordPath(rec.ID)); err != nil {
		return err
	}
	s.ix.add(rec)
	if err := s.persistIndexLocked(); err != nil {
		log.Warnf("failed to write index for %s: %v", s.baseDir, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id ContentID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ix.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) Find(ctx context.Context, module bc.ModuleID, constraint *semver.Constraints) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ix.find(module, constraint)
}

func (s *FileStore) List(ctx context.Context, module bc.ModuleID) ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Manifest(nil), s.ix.versions[module.Canonical()]...), nil
}

func (s *FileStore) All(ctx context.Context) ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ix.all(), nil
}

func (s *FileStore) persistIndex() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistIndexLocked()
}

// persistIndexLocked writes index.json describing module@version -> id.
func (s *FileStore) persistIndexLocked() error {
	all := s.ix.all()
	entries := make([]indexEntry, 0, len(all))
	for _, m := range all {
		entries = append(entries, indexEntry{
			Module:       m.Module,
			Version:      m.Version,
			ID:           s.ix.rev[versionKey(m.Module, m.Version)],
			Dependencies: m.Dependencies,
		})
	}
	b, err := json.MarshalIndent(struct {
		Entries []indexEntry `json:"entries"`
	}{entries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.baseDir, "index.json"), b, 0o644)
}
