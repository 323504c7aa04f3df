// Package verifier is the driver: it runs the verification passes over a
// module in their fixed order, aggregates diagnostics into a verdict, and
// verifies bundles of interdependent modules level by level.
package verifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/bcverify/internal/acquires"
	"github.com/orizon-lang/bcverify/internal/bounds"
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cfg"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/linker"
	"github.com/orizon-lang/bcverify/internal/refsafety"
	"github.com/orizon-lang/bcverify/internal/typecheck"
)

// Pass names, in execution order.
const (
	PassBounds    = "bounds"
	PassLink      = "link"
	PassSignature = "signatures"
	PassCFG       = "cfg"
	PassType      = "typecheck"
	PassRef       = "refsafety"
	PassAcquires  = "acquires"
)

var passOrder = []string{PassBounds, PassLink, PassSignature, PassCFG, PassType, PassRef, PassAcquires}

// PassTiming is the total time spent in one pass.
type PassTiming struct {
	Pass     string        `json:"pass"`
	Duration time.Duration `json:"duration_ns"`
}

// Stats summarizes the work done for one module.
type Stats struct {
	Functions    int          `json:"functions"`
	Blocks       int          `json:"blocks"`
	Instructions int          `json:"instructions"`
	Passes       []PassTiming `json:"passes"`
}

// Verdict is the outcome of verifying one module.
type Verdict struct {
	Module      bc.ModuleID  `json:"module"`
	Accepted    bool         `json:"accepted"`
	Diagnostics verrors.List `json:"diagnostics"`
	Stats       Stats        `json:"stats"`
}

// Option adjusts a Verifier.
type Option func(*Verifier)

// WithoutLinking skips dependency compatibility checks. Verdicts produced
// this way are not sufficient for publishing.
func WithoutLinking() Option {
	return func(v *Verifier) { v.skipLink = true }
}

// Verifier runs the passes under one configuration. It holds no state
// between calls and is safe for concurrent use.
type Verifier struct {
	cfg      config.Config
	skipLink bool
}

// New returns a verifier for c.
func New(c config.Config, opts ...Option) (*Verifier, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	v := &Verifier{cfg: c}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Config returns the configuration the verifier runs under.
func (v *Verifier) Config() config.Config { return v.cfg }

// run accumulates the diagnostics and timings of one module.
type run struct {
	mu     sync.Mutex
	diags  verrors.List
	timing map[string]time.Duration
	stats  Stats
}

func (r *run) add(err *verrors.VerificationError) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.diags.Add(err)
	r.mu.Unlock()
}

func (r *run) addAll(l verrors.List) {
	r.mu.Lock()
	r.diags = append(r.diags, l...)
	r.mu.Unlock()
}

func (r *run) timed(pass string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	r.mu.Lock()
	r.timing[pass] += d
	r.mu.Unlock()
}

// guard runs a pass and converts a panic into an InternalVerifierFault.
func guard(pass string, loc verrors.Location, fn func() *verrors.VerificationError) (err *verrors.VerificationError) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("%s pass panicked at %s: %v\n%s", pass, loc, p, debug.Stack())
			err = verrors.New(verrors.InternalVerifierFault, loc, "%s pass failed internally: %v", pass, p)
		}
	}()
	return fn()
}

// VerifyModule verifies m against the dependencies deps provides. The error
// return is reserved for cancellation; every verification failure, internal
// faults included, is reported as a rejecting diagnostic.
func (v *Verifier) VerifyModule(ctx context.Context, m *bc.Module, deps linker.Resolver) (*Verdict, error) {
	r := &run{timing: make(map[string]time.Duration)}
	if err := v.verify(ctx, m, deps, r); err != nil {
		return nil, err
	}

	for i := range r.diags {
		loc := &r.diags[i].Location
		if loc.Function >= 0 && loc.Name == "" && loc.Function < len(m.FunctionDefs) && int(m.FunctionDefs[loc.Function].Function) < len(m.FunctionHandles) {
			loc.Name = m.FunctionName(bc.FunctionDefinitionIndex(loc.Function))
		}
	}
	r.diags.Sort()
	for _, p := range passOrder {
		if d, ok := r.timing[p]; ok {
			r.stats.Passes = append(r.stats.Passes, PassTiming{Pass: p, Duration: d})
		}
	}

	verdict := &Verdict{
		Module:      moduleID(m),
		Accepted:    !r.diags.HasErrors(),
		Diagnostics: r.diags,
		Stats:       r.stats,
	}
	log.Debugf("module %s: accepted=%v diagnostics=%d", verdict.Module, verdict.Accepted, len(verdict.Diagnostics))
	for _, t := range verdict.Stats.Passes {
		log.Tracef("module %s: pass %s took %v", verdict.Module, t.Pass, t.Duration)
	}
	return verdict, nil
}

// moduleID tolerates modules whose self handle is out of range.
func moduleID(m *bc.Module) bc.ModuleID {
	if int(m.SelfHandle) < len(m.ModuleHandles) {
		return m.SelfID()
	}
	return bc.ModuleID{}
}

func (v *Verifier) verify(ctx context.Context, m *bc.Module, deps linker.Resolver, r *run) error {
	module := verrors.ModuleLevel()

	var structural *verrors.VerificationError
	r.timed(PassBounds, func() {
		structural = guard(PassBounds, module, func() *verrors.VerificationError { return bounds.Check(m, v.cfg) })
	})
	if structural != nil {
		r.add(structural)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !v.skipLink {
		r.timed(PassLink, func() {
			r.add(guard(PassLink, module, func() *verrors.VerificationError {
				for _, err := range linker.Check(m, deps) {
					r.add(err)
				}
				return nil
			}))
		})
	}

	var signatureErrs verrors.List
	r.timed(PassSignature, func() {
		r.add(guard(PassSignature, module, func() *verrors.VerificationError {
			signatureErrs = typecheck.CheckModule(m, v.cfg)
			return nil
		}))
	})
	r.addAll(signatureErrs)
	if signatureErrs.HasErrors() {
		return nil
	}

	r.stats.Functions = len(m.FunctionDefs)
	g, gctx := errgroup.WithContext(ctx)
	if v.cfg.Parallelism > 0 {
		g.SetLimit(v.cfg.Parallelism)
	}
	for i := range m.FunctionDefs {
		fn := bc.FunctionDefinitionIndex(i)
		g.Go(func() error { return v.verifyFunction(gctx, m, fn, r) })
	}
	return g.Wait()
}

// verifyFunction runs the per-function passes in order, stopping at the
// first failing one.
func (v *Verifier) verifyFunction(ctx context.Context, m *bc.Module, fn bc.FunctionDefinitionIndex, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := verrors.Location{Function: int(fn), Offset: verrors.NoOffset}
	fd := m.FunctionDef(fn)

	if fd.Code != nil {
		var g *cfg.Graph
		var verr *verrors.VerificationError
		r.timed(PassCFG, func() {
			verr = guard(PassCFG, loc, func() *verrors.VerificationError {
				var err *verrors.VerificationError
				g, err = cfg.Build(int(fn), fd.Code, v.cfg)
				return err
			})
		})
		if verr != nil {
			r.add(verr)
			return nil
		}
		r.mu.Lock()
		r.stats.Blocks += g.NumBlocks()
		r.stats.Instructions += len(fd.Code.Code)
		if v.cfg.ReportUnreachableCode {
			for _, b := range g.Unreachable() {
				blk := g.Block(b)
				r.diags.Warn(verrors.UnreachableCode, verrors.Location{Function: int(fn), Offset: blk.Start},
					"instructions %d..%d are unreachable", blk.Start, blk.End)
			}
		}
		r.mu.Unlock()

		var cerr error
		for _, pass := range []struct {
			name  string
			check func(context.Context, *bc.Module, bc.FunctionDefinitionIndex, *cfg.Graph, config.Config) (*verrors.VerificationError, error)
		}{
			{PassType, typecheck.CheckFunction},
			{PassRef, refsafety.CheckFunction},
		} {
			r.timed(pass.name, func() {
				verr = guard(pass.name, loc, func() *verrors.VerificationError {
					var err *verrors.VerificationError
					err, cerr = pass.check(ctx, m, fn, g, v.cfg)
					return err
				})
			})
			if cerr != nil {
				return cerr
			}
			if verr != nil {
				r.add(verr)
				return nil
			}
		}
	}

	r.timed(PassAcquires, func() {
		r.add(guard(PassAcquires, loc, func() *verrors.VerificationError {
			return acquires.CheckFunction(m, fn, v.cfg)
		}))
	})
	return nil
}
