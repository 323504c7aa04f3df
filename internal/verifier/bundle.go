package verifier

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/bcverify/internal/bounds"
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/depgraph"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/linker"
)

// BundleResult is the outcome of verifying a set of modules together.
type BundleResult struct {
	// Levels is the verification order. Modules of one level were verified
	// concurrently.
	Levels [][]bc.ModuleID `json:"levels"`
	// Verdicts holds one verdict per module, in Levels order, followed by
	// the verdicts of structurally malformed modules, which are not part of
	// any level.
	Verdicts []*Verdict `json:"verdicts"`
	// Diagnostics are bundle-level failures such as dependency cycles.
	Diagnostics verrors.List `json:"diagnostics,omitempty"`
	Accepted    bool         `json:"accepted"`
}

// Verdict returns the verdict of id.
func (b *BundleResult) Verdict(id bc.ModuleID) (*Verdict, bool) {
	for _, v := range b.Verdicts {
		if v.Module == id {
			return v, true
		}
	}
	return nil, false
}

// layered resolves bundle modules accepted so far before falling back to
// modules outside the bundle. Bundle modules that were rejected never
// resolve.
type layered struct {
	accepted linker.Modules
	rejected map[bc.ModuleID]bool
	external linker.Resolver
}

func (l layered) Lookup(id bc.ModuleID) (*bc.Module, bool) {
	if m, ok := l.accepted.Lookup(id); ok {
		return m, true
	}
	if l.rejected[id.Canonical()] {
		return nil, false
	}
	if l.external == nil {
		return nil, false
	}
	return l.external.Lookup(id)
}

// VerifyBundle verifies ms in dependency order. Each module links against
// the bundle modules accepted before it and against external. A module whose
// in-bundle dependency was rejected fails with MissingDependency.
func (v *Verifier) VerifyBundle(ctx context.Context, ms []*bc.Module, external linker.Resolver) (*BundleResult, error) {
	res := &BundleResult{}
	deps := layered{accepted: linker.NewModules(), rejected: make(map[bc.ModuleID]bool), external: external}

	// The graph needs valid handles, so malformed modules are rejected
	// before it is built.
	wellFormed := make([]*bc.Module, 0, len(ms))
	var malformed []*Verdict
	for _, m := range ms {
		err := guard(PassBounds, verrors.ModuleLevel(), func() *verrors.VerificationError { return bounds.Check(m, v.cfg) })
		if err == nil {
			wellFormed = append(wellFormed, m)
			continue
		}
		verdict := &Verdict{Module: moduleID(m)}
		verdict.Diagnostics.Add(err)
		malformed = append(malformed, verdict)
		deps.rejected[verdict.Module.Canonical()] = true
	}

	g, err := depgraph.New(wellFormed)
	if err != nil {
		var dup *depgraph.DuplicateError
		if errors.As(err, &dup) {
			res.Diagnostics.Add(verrors.Duplicate(verrors.ModuleLevel(), "module", dup.ID.String()))
			return res, nil
		}
		return nil, err
	}
	levels, err := g.Levels()
	if err != nil {
		var cycle *depgraph.CycleError
		if errors.As(err, &cycle) {
			res.Diagnostics.Add(verrors.New(verrors.DependencyCycle, verrors.ModuleLevel(), "%v", cycle))
			return res, nil
		}
		return nil, err
	}
	res.Levels = levels

	res.Accepted = len(malformed) == 0
	for i, level := range levels {
		verdicts := make([]*Verdict, len(level))
		eg, ectx := errgroup.WithContext(ctx)
		if v.cfg.Parallelism > 0 {
			eg.SetLimit(v.cfg.Parallelism)
		}
		for j, id := range level {
			m, _ := g.Module(id)
			eg.Go(func() error {
				verdict, err := v.VerifyModule(ectx, m, deps)
				if err != nil {
					return err
				}
				verdicts[j] = verdict
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		var accepted int
		for j, verdict := range verdicts {
			res.Verdicts = append(res.Verdicts, verdict)
			if verdict.Accepted {
				m, _ := g.Module(level[j])
				deps.accepted.Add(m)
				accepted++
			} else {
				deps.rejected[level[j].Canonical()] = true
				res.Accepted = false
			}
		}
		log.Debugf("bundle level %d: %d of %d modules accepted", i, accepted, len(level))
	}
	res.Verdicts = append(res.Verdicts, malformed...)
	return res, nil
}
