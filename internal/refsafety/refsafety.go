package refsafety

import (
	"context"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/cfg"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

type function struct {
	m      *bc.Module
	index  int
	name   string
	def    *bc.FunctionDefinition
	locals bc.Signature
}

func (f *function) at(off int) verrors.Location {
	return verrors.Location{Function: f.index, Offset: off, Name: f.name}
}

// CheckFunction runs the borrow analysis over one function definition. The
// function must already have passed the type checker. The error return is
// reserved for cancellation.
func CheckFunction(ctx context.Context, m *bc.Module, fn bc.FunctionDefinitionIndex, g *cfg.Graph, c config.Config) (*verrors.VerificationError, error) {
	fd := m.FunctionDef(fn)
	if fd.Code == nil {
		return nil, nil
	}
	fh := m.FunctionHandle(fd.Function)
	f := &function{m: m, index: int(fn), name: fh.Name, def: fd, locals: m.LocalsOf(fd)}

	entry := &state{locals: make([]refID, len(f.locals)), refs: make(map[refID]*refInfo)}
	for i, t := range m.Signature(fh.Parameters) {
		if t.IsReference() {
			entry.locals[i] = entry.newRef(t.IsMutableReference(), pathSet{{{kind: labelParam, index: uint32(i)}}}, nil)
		}
	}
	entry.canonicalize()

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
		st.canonicalize()
		for _, succ := range block.Successors {
			if states[succ] == nil {
				states[succ] = st.clone()
				work.Push(succ)
				continue
			}
			if !states[succ].join(st) {
				continue
			}
			if verr := states[succ].checkAliasing(f.at(g.Block(succ).Start)); verr != nil {
				return verr, nil
			}
			work.Push(succ)
		}
	}
}

// ====== Stack helpers ======

func (f *function) pop(st *state, off int) (refID, *verrors.VerificationError) {
	if len(st.stack) == 0 {
		return noRef, verrors.New(verrors.InternalVerifierFault, f.at(off), "borrow analysis popped an empty stack")
	}
	v := st.stack[len(st.stack)-1]
	st.stack = st.stack[:len(st.stack)-1]
	return v, nil
}

// popN discards n non-reference values.
func (f *function) popN(st *state, off int, n int) *verrors.VerificationError {
	for i := 0; i < n; i++ {
		v, err := f.pop(st, off)
		if err != nil {
			return err
		}
		st.release(v)
	}
	return nil
}

func (f *function) popRef(st *state, off int, in bc.Instruction) (refID, *verrors.VerificationError) {
	v, err := f.pop(st, off)
	if err != nil {
		return noRef, err
	}
	if v == noRef {
		return noRef, verrors.New(verrors.InternalVerifierFault, f.at(off), "%s found no reference on the stack", in.Op)
	}
	return v, nil
}

func (st *state) pushValues(n int) {
	for i := 0; i < n; i++ {
		st.stack = append(st.stack, noRef)
	}
}

// ====== Operand resolution ======

func (f *function) fieldLabel(in bc.Instruction) label {
	fh := bc.FieldHandleIndex(in.Arg)
	if in.Op == bc.OpMutBorrowFieldGeneric || in.Op == bc.OpImmBorrowFieldGeneric {
		fh = f.m.FieldInstantiations[in.Arg].Handle
	}
	h := f.m.FieldHandles[fh]
	return label{kind: labelField, index: uint32(h.Owner)<<16 | uint32(h.Field)}
}

func (f *function) structDef(in bc.Instruction) bc.StructDefinitionIndex {
	if in.Op.Operand() == bc.OperandStructDefInstantiation {
		return f.m.StructDefInstantiations[in.Arg].Def
	}
	return bc.StructDefinitionIndex(in.Arg)
}

func globalLabel(sd bc.StructDefinitionIndex) label {
	return label{kind: labelGlobal, index: uint32(sd)}
}

// variant resolves a variant operand to its tag and field count.
func (f *function) variant(in bc.Instruction) (bc.VariantTag, int) {
	var ed bc.EnumDefinitionIndex
	var tag bc.VariantTag
	if in.Op.Operand() == bc.OperandVariantInstantiationHandle {
		vh := f.m.VariantInstantiationHandles[in.Arg]
		ed, tag = f.m.EnumDefInstantiations[vh.Enum].Def, vh.Variant
	} else {
		vh := f.m.VariantHandles[in.Arg]
		ed, tag = vh.Enum, vh.Variant
	}
	return tag, len(f.m.EnumDef(ed).Variants[tag].Fields)
}

func (f *function) callee(in bc.Instruction) bc.FunctionHandleIndex {
	if in.Op == bc.OpCallGeneric {
		return f.m.FunctionInstantiations[in.Arg].Handle
	}
	return bc.FunctionHandleIndex(in.Arg)
}

func (f *function) packedFields(in bc.Instruction) int {
	return len(f.m.StructDef(f.structDef(in)).Fields)
}
