// Package registry stores verified modules by content id and version and
// implements the publish path: resolve dependency versions, verify the
// bundle against them, and store only what was accepted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	semver "github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

// Submission is one module offered for publishing.
type Submission struct {
	Module       *bc.Module
	Version      Version
	Dependencies []Dependency
}

// PublishResult reports the outcome of a publish request.
type PublishResult struct {
	Bundle *verifier.BundleResult `json:"bundle"`
	// Resolution pins the external dependency versions the bundle was
	// verified against.
	Resolution map[string]Version `json:"resolution,omitempty"`
	// Published maps each stored module to its content id. It is empty
	// unless the whole bundle was accepted.
	Published map[string]ContentID `json:"published,omitempty"`
}

// Registry publishes modules into a Store.
type Registry struct {
	store    Store
	verifier *verifier.Verifier
	// mu serializes publishes so resolution and storage see one state.
	mu sync.Mutex
}

// New returns a registry over store using v for verification.
func New(store Store, v *verifier.Verifier) *Registry {
	return &Registry{store: store, verifier: v}
}

// Store returns the underlying store.
func (r *Registry) Store() Store { return r.store }

// Publish verifies subs as one bundle and stores them if every module is
// accepted. Imports of modules outside the bundle are resolved against the
// store, using the declared constraint or any version when none is
// declared. A rejection is reported in the result, not as an error.
func (r *Registry) Publish(ctx context.Context, subs []Submission) (*PublishResult, error) {
	if len(subs) == 0 {
		return nil, errors.New("empty bundle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inBundle := make(map[bc.ModuleID]bool, len(subs))
	modules := make([]*bc.Module, len(subs))
	for i, s := range subs {
		if s.Module == nil {
			return nil, fmt.Errorf("submission %d has no module", i)
		}
		if int(s.Module.SelfHandle) >= len(s.Module.ModuleHandles) {
			return nil, fmt.Errorf("submission %d has no self handle", i)
		}
		if _, err := semver.NewVersion(string(s.Version)); err != nil {
			return nil, fmt.Errorf("%s: invalid version %q: %w", s.Module.SelfID(), s.Version, err)
		}
		inBundle[s.Module.SelfID().Canonical()] = true
		modules[i] = s.Module
	}

	reqs := requirements(subs, inBundle)
	all, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	resolution, err := NewResolver(IndexOf(all), ResolveOptions{PreferHigher: true}).Resolve(reqs)
	if err != nil {
		return nil, err
	}
	deps, err := r.fetch(ctx, resolution)
	if err != nil {
		return nil, err
	}

	bundle, err := r.verifier.VerifyBundle(ctx, modules, deps)
	if err != nil {
		return nil, err
	}
	res := &PublishResult{Bundle: bundle, Resolution: make(map[string]Version, len(resolution))}
	for id, v := range resolution {
		res.Resolution[id.String()] = v
	}
	if !bundle.Accepted {
		log.Infof("publish of %d modules rejected", len(subs))
		return res, nil
	}

	fingerprint := r.verifier.Config().Fingerprint()
	res.Published = make(map[string]ContentID, len(subs))
	for _, s := range subs {
		data, err := bc.EncodeCBOR(s.Module)
		if err != nil {
			return nil, err
		}
		rec := Record{
			ID:          ComputeContentID(data),
			Manifest:    Manifest{Module: s.Module.SelfID().Canonical(), Version: s.Version, Dependencies: s.Dependencies},
			Fingerprint: fingerprint,
			Data:        data,
		}
		if err := r.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("store %s@%s: %w", rec.Manifest.Module, s.Version, err)
		}
		res.Published[rec.Manifest.Module.String()] = rec.ID
		log.Infof("published %s@%s as %s", rec.Manifest.Module, s.Version, rec.ID)
	}
	return res, nil
}

// requirements collects constraints on modules outside the bundle. An
// import without a declared constraint accepts any version.
func requirements(subs []Submission, inBundle map[bc.ModuleID]bool) []Requirement {
	var reqs []Requirement
	declared := make(map[bc.ModuleID]bool)
	for _, s := range subs {
		for _, d := range s.Dependencies {
			id := d.Module.Canonical()
			if inBundle[id] {
				continue
			}
			declared[id] = true
			reqs = append(reqs, Requirement{Module: id, Constraint: d.Constraint})
		}
	}
	for _, s := range subs {
		for _, id := range s.Module.Dependencies() {
			id = id.Canonical()
			if inBundle[id] || declared[id] {
				continue
			}
			declared[id] = true
			reqs = append(reqs, Requirement{Module: id})
		}
	}
	return reqs
}

// fetch loads the pinned versions concurrently.
func (r *Registry) fetch(ctx context.Context, res Resolution) (linker.Modules, error) {
	ids := make([]bc.ModuleID, 0, len(res))
	for id := range res {
		ids = append(ids, id)
	}
	out := make([]*bc.Module, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			c, err := semver.NewConstraint("= " + string(res[id]))
			if err != nil {
				return err
			}
			rec, err := r.store.Find(gctx, id, c)
			if err != nil {
				return fmt.Errorf("fetch %s@%s: %w", id, res[id], err)
			}
			m, err := rec.Module()
			if err != nil {
				return fmt.Errorf("decode %s: %w", rec.ID, err)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return linker.NewModules(out...), nil
}

// Latest returns the highest published version of every module, for
// verifying against the current registry state.
func (r *Registry) Latest(ctx context.Context) (linker.Modules, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	res := make(Resolution)
	for id, versions := range IndexOf(all) {
		m, _ := pick(versions, nil)
		res[id] = m.Version
	}
	return r.fetch(ctx, res)
}
