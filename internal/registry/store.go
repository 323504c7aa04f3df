package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync"

	semver "github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/sha3"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// ContentID is a content identifier computed from a module's encoded bytes.
type ContentID string

// ComputeContentID calculates the sha3-256 content identifier of data.
func ComputeContentID(data []byte) ContentID {
	sum := sha3.Sum256(data)
	return ContentID("bcm1-" + hex.EncodeToString(sum[:]))
}

// Version is a semantic version string.
type Version string

// Dependency declares a constraint on another published module.
type Dependency struct {
	Module     bc.ModuleID `json:"module"`
	Constraint string      `json:"constraint,omitempty"` // e.g. ">=1.2.0, <2.0.0"
}

// Manifest describes one published version of a module.
type Manifest struct {
	Module       bc.ModuleID  `json:"module"`
	Version      Version      `json:"version"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Record is a stored module. Data is the deterministic CBOR encoding and
// Fingerprint identifies the configuration the module was accepted under.
type Record struct {
	ID          ContentID `json:"id"`
	Manifest    Manifest  `json:"manifest"`
	Fingerprint string    `json:"fingerprint"`
	Data        []byte    `json:"data"`
}

// Module decodes the record's module.
func (r Record) Module() (*bc.Module, error) { return bc.DecodeCBOR(r.Data) }

// Store holds accepted modules. Implementations must be safe for concurrent
// use.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id ContentID) (Record, error)
	// Find returns the highest version of module satisfying constraint.
	// A nil constraint matches every version.
	Find(ctx context.Context, module bc.ModuleID, constraint *semver.Constraints) (Record, error)
	// List returns the manifests of module in ascending version order.
	List(ctx context.Context, module bc.ModuleID) ([]Manifest, error)
	// All returns every manifest sorted by module then version.
	All(ctx context.Context) ([]Manifest, error)
}

var (
	// ErrNotFound is returned when a record or module cannot be found.
	ErrNotFound = errors.New("not found")
	// ErrVersionExists is returned when a module version is already
	// published with different content.
	ErrVersionExists = errors.New("version already published")
)

func versionKey(id bc.ModuleID, v Version) string { return id.Canonical().String() + "@" + string(v) }

// versionList is a helper slice for sorting manifests by version.
type versionList []Manifest

func (vl versionList) Len() int      { return len(vl) }
func (vl versionList) Swap(i, j int) { vl[i], vl[j] = vl[j], vl[i] }
func (vl versionList) Less(i, j int) bool {
	return mustSemver(vl[i].Version).LessThan(mustSemver(vl[j].Version))
}

func sortManifests(ms []Manifest) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i].Module.Canonical().String(), ms[j].Module.Canonical().String()
		if a != b {
			return a < b
		}
		return mustSemver(ms[i].Version).LessThan(mustSemver(ms[j].Version))
	})
}

// pick returns the highest manifest in list satisfying constraint.
func pick(list []Manifest, constraint *semver.Constraints) (Manifest, bool) {
	bestIdx := -1
	var bestVer *semver.Version
	for i := range list {
		sv := mustSemver(list[i].Version)
		if constraint != nil && !constraint.Check(sv) {
			continue
		}
		if bestIdx == -1 || sv.GreaterThan(bestVer) {
			bestIdx, bestVer = i, sv
		}
	}
	if bestIdx < 0 {
		return Manifest{}, false
	}
	return list[bestIdx], true
}

// index is the name index shared by the store implementations. Callers
// hold the owning store's lock.
type index struct {
	records  map[ContentID]Record
	versions map[bc.ModuleID][]Manifest
	rev      map[string]ContentID // module@version -> content id
}

func newIndex() index {
	return index{
		records:  make(map[ContentID]Record),
		versions: make(map[bc.ModuleID][]Manifest),
		rev:      make(map[string]ContentID),
	}
}

// admit checks that rec may be added. It reports whether the record is
// already present.
func (ix *index) admit(rec Record) (bool, error) {
	if rec.ID == "" || rec.ID != ComputeContentID(rec.Data) {
		return false, errors.New("record id does not match its content")
	}
	if _, err := semver.NewVersion(string(rec.Manifest.Version)); err != nil {
		return false, err
	}
	if id, ok := ix.rev[versionKey(rec.Manifest.Module, rec.Manifest.Version)]; ok {
		if id != rec.ID {
			return false, ErrVersionExists
		}
		return true, nil
	}
	return false, nil
}

func (ix *index) add(rec Record) {
	module := rec.Manifest.Module.Canonical()
	rec.Manifest.Module = module
	ix.records[rec.ID] = rec
	ix.versions[module] = append(ix.versions[module], rec.Manifest)
	sort.Sort(versionList(ix.versions[module]))
	ix.rev[versionKey(module, rec.Manifest.Version)] = rec.ID
}

func (ix *index) find(module bc.ModuleID, constraint *semver.Constraints) (Record, error) {
	m, ok := pick(ix.versions[module.Canonical()], constraint)
	if !ok {
		return Record{}, ErrNotFound
	}
	return ix.records[ix.rev[versionKey(m.Module, m.Version)]], nil
}

func (ix *index) all() []Manifest {
	out := make([]Manifest, 0, len(ix.records))
	for _, vers := range ix.versions {
		out = append(out, vers...)
	}
	sortManifests(out)
	return out
}

// InMemoryStore is a thread-safe content-addressed store.
type InMemoryStore struct {
	mu sync.RWMutex
	ix index
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{ix: newIndex()}
}

// Put adds rec. Putting an identical record twice is a no-op.
func (s *InMemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	present, err := s.ix.admit(rec)
	if err != nil || present {
		return err
	}
	s.ix.add(rec)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id ContentID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ix.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Find(ctx context.Context, module bc.ModuleID, constraint *semver.Constraints) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ix.find(module, constraint)
}

func (s *InMemoryStore) List(ctx context.Context, module bc.ModuleID) ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Manifest(nil), s.ix.versions[module.Canonical()]...), nil
}

func (s *InMemoryStore) All(ctx context.Context) ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ix.all(), nil
}
