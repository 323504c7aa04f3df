package typecheck

import (
	"context"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cfg"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// availability of a local slot. Joining two different states yields
// maybeAvailable, which may not be read but still has to be dropped.
type availability uint8

const (
	available availability = iota
	unavailable
	maybeAvailable
)

func (a availability) String() string {
	switch a {
	case available:
		return "available"
	case unavailable:
		return "unavailable"
	default:
		return "maybe-available"
	}
}

// state is the abstract machine state at a program point.
type state struct {
	stack  []bc.SignatureToken
	locals []availability
}

func (s *state) clone() *state {
	return &state{
		stack:  append([]bc.SignatureToken(nil), s.stack...),
		locals: append([]availability(nil), s.locals...),
	}
}

// join merges incoming into s. Stacks must be identical; local slots that
// disagree become maybeAvailable.
func (s *state) join(incoming *state, loc verrors.Location) (bool, *verrors.VerificationError) {
	if len(s.stack) != len(incoming.stack) {
		return false, verrors.New(verrors.StackHeightMismatch, loc,
			"stack height %d meets stack height %d at a join", len(s.stack), len(incoming.stack))
	}
	for i := range s.stack {
		if !s.stack[i].Equal(incoming.stack[i]) {
			return false, verrors.New(verrors.TypeMismatchAtJoin, loc,
				"stack slot %d holds %s on one path and %s on another", i, s.stack[i], incoming.stack[i])
		}
	}
	changed := false
	for i := range s.locals {
		if s.locals[i] != incoming.locals[i] && s.locals[i] != maybeAvailable {
			s.locals[i] = maybeAvailable
			changed = true
		}
	}
	return changed, nil
}

// function holds what the interpreter needs about one definition.
type function struct {
	m          *bc.Module
	c          config.Config
	index      int
	name       string
	def        *bc.FunctionDefinition
	handle     *bc.FunctionHandle
	typeParams []bc.AbilitySet
	localTypes bc.Signature
	returns    bc.Signature
}

func (f *function) at(off int) verrors.Location {
	return verrors.Location{Function: f.index, Offset: off, Name: f.name}
}

// CheckFunction abstractly interprets the body of function definition fn over
// its control-flow graph and returns the first type or ability violation.
// The error return is reserved for cancellation.
func CheckFunction(ctx context.Context, m *bc.Module, fn bc.FunctionDefinitionIndex, g *cfg.Graph, c config.Config) (*verrors.VerificationError, error) {
	fd := m.FunctionDef(fn)
	if fd.Code == nil {
		return nil, nil
	}
	fh := m.FunctionHandle(fd.Function)
	f := &function{
		m:          m,
		c:          c,
		index:      int(fn),
		name:       fh.Name,
		def:        fd,
		handle:     fh,
		typeParams: fh.TypeParameters,
		localTypes: m.LocalsOf(fd),
		returns:    m.Signature(fh.Return),
	}

	numParams := len(m.Signature(fh.Parameters))
	entry := &state{locals: make([]availability, len(f.localTypes))}
	for i := range entry.locals {
		if i >= numParams {
			entry.locals[i] = unavailable
		}
	}

	states := make([]*state, g.NumBlocks())
	states[cfg.Entry] = entry
	visits := make([]int, g.NumBlocks())
	work := cfg.NewWorklist(g)
	work.Push(cfg.Entry)
	for {
		id, ok := work.Pop()
		if !ok {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block := g.Block(id)
		visits[id]++
		if c.MaxFixpointIterationsPerBlock > 0 && visits[id] > c.MaxFixpointIterationsPerBlock {
			return verrors.New(verrors.FixpointLimitExceeded, f.at(block.Start),
				"block %d analyzed %d times without reaching a fixed point", id, visits[id]), nil
		}
		st := states[id].clone()
		for off := block.Start; off <= block.End; off++ {
			if verr := f.step(st, off, fd.Code.Code[off]); verr != nil {
				return verr, nil
			}
		}
		for _, succ := range block.Successors {
			if states[succ] == nil {
				states[succ] = st.clone()
				work.Push(succ)
				continue
			}
			changed, verr := states[succ].join(st, f.at(g.Block(succ).Start))
			if verr != nil {
				return verr, nil
			}
			if changed {
				work.Push(succ)
			}
		}
	}
}

// ====== Stack helpers ======

func (f *function) pop(st *state, off int, in bc.Instruction) (bc.SignatureToken, *verrors.VerificationError) {
	if len(st.stack) == 0 {
		return bc.SignatureToken{}, verrors.New(verrors.StackUnderflow, f.at(off), "%s on an empty stack", in.Op)
	}
	t := st.stack[len(st.stack)-1]
	st.stack = st.stack[:len(st.stack)-1]
	return t, nil
}

func (f *function) push(st *state, off int, t bc.SignatureToken) *verrors.VerificationError {
	if f.c.MaxTypeDepth > 0 && t.Depth() > f.c.MaxTypeDepth {
		return verrors.New(verrors.TypeTooDeep, f.at(off), "type %s has depth %d over the limit of %d", t, t.Depth(), f.c.MaxTypeDepth)
	}
	st.stack = append(st.stack, t)
	return nil
}

// popExpect pops a value and requires it to equal want.
func (f *function) popExpect(st *state, off int, in bc.Instruction, want bc.SignatureToken) *verrors.VerificationError {
	got, err := f.pop(st, off, in)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects %s, got %s", in.Op, want, got)
	}
	return nil
}

// popArgs pops len(want) values, the last of which is on top of the stack.
func (f *function) popArgs(st *state, off int, in bc.Instruction, want bc.Signature) *verrors.VerificationError {
	for i := len(want) - 1; i >= 0; i-- {
		if err := f.popExpect(st, off, in, want[i]); err != nil {
			return err
		}
	}
	return nil
}

// popRef pops a reference and returns it; mutable requires &mut.
func (f *function) popRef(st *state, off int, in bc.Instruction, mutable bool) (bc.SignatureToken, *verrors.VerificationError) {
	t, err := f.pop(st, off, in)
	if err != nil {
		return t, err
	}
	if !t.IsReference() {
		return t, verrors.New(verrors.TypeMismatch, f.at(off), "%s expects a reference, got %s", in.Op, t)
	}
	if mutable && !t.IsMutableReference() {
		return t, verrors.New(verrors.ImmutableReferenceWrite, f.at(off), "%s expects a mutable reference, got %s", in.Op, t)
	}
	return t, nil
}

func (f *function) abilities(off int, t bc.SignatureToken) (bc.AbilitySet, *verrors.VerificationError) {
	as, err := f.m.AbilitiesOf(t, f.typeParams)
	if err != nil {
		return 0, verrors.New(verrors.InvalidSignatureToken, f.at(off), "%v", err)
	}
	return as, nil
}

func (f *function) require(off int, t bc.SignatureToken, a bc.Ability, code verrors.StatusCode, what string) *verrors.VerificationError {
	as, err := f.abilities(off, t)
	if err != nil {
		return err
	}
	if !as.Has(a) {
		return verrors.New(code, f.at(off), "%s of type %s without %s", what, t, a).WithContext("abilities", as.String())
	}
	return nil
}

func (f *function) local(st *state, off int, in bc.Instruction) (int, *verrors.VerificationError) {
	i := int(in.Arg)
	if st.locals[i] != available {
		return i, verrors.New(verrors.UseOfMovedValue, f.at(off), "%s of local %d which is %s", in.Op, i, st.locals[i])
	}
	return i, nil
}
