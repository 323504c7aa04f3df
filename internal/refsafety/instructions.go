package refsafety

import (
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// step applies one instruction to st.
func (f *function) step(st *state, off int, in bc.Instruction) *verrors.VerificationError {
	loc := f.at(off)
	switch in.Op {
	case bc.OpNop, bc.OpBranch:
		return nil

	case bc.OpPop, bc.OpBrTrue, bc.OpBrFalse, bc.OpAbort:
		return f.popN(st, off, 1)

	case bc.OpLdU8, bc.OpLdU16, bc.OpLdU32, bc.OpLdU64, bc.OpLdU128, bc.OpLdU256,
		bc.OpLdConst, bc.OpLdTrue, bc.OpLdFalse:
		st.pushValues(1)
		return nil

	case bc.OpCastU8, bc.OpCastU16, bc.OpCastU32, bc.OpCastU64, bc.OpCastU128, bc.OpCastU256,
		bc.OpNot:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpAdd, bc.OpSub, bc.OpMul, bc.OpMod, bc.OpDiv, bc.OpBitOr, bc.OpBitAnd, bc.OpXor,
		bc.OpOr, bc.OpAnd, bc.OpLt, bc.OpGt, bc.OpLe, bc.OpGe, bc.OpShl, bc.OpShr:
		if err := f.popN(st, off, 2); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpEq, bc.OpNeq:
		for i := 0; i < 2; i++ {
			v, err := f.pop(st, off)
			if err != nil {
				return err
			}
			if v != noRef {
				if err := st.checkRead(loc, v, "comparison"); err != nil {
					return err
				}
				st.release(v)
			}
		}
		st.pushValues(1)
		return nil

	case bc.OpCopyLoc:
		return f.copyLoc(st, loc, int(in.Arg))
	case bc.OpMoveLoc:
		return f.moveLoc(st, loc, int(in.Arg))
	case bc.OpStLoc:
		return f.stLoc(st, off, int(in.Arg))

	case bc.OpMutBorrowLoc, bc.OpImmBorrowLoc:
		id := st.newRef(in.Op == bc.OpMutBorrowLoc, pathSet{{{kind: labelLocal, index: in.Arg}}}, nil)
		if err := st.checkBorrow(loc, id); err != nil {
			return err
		}
		st.stack = append(st.stack, id)
		return nil

	case bc.OpMutBorrowField, bc.OpMutBorrowFieldGeneric, bc.OpImmBorrowField, bc.OpImmBorrowFieldGeneric:
		mutable := in.Op == bc.OpMutBorrowField || in.Op == bc.OpMutBorrowFieldGeneric
		return f.borrowChild(st, off, in, mutable, f.fieldLabel(in))

	case bc.OpReadRef:
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, p, "read"); err != nil {
			return err
		}
		st.release(p)
		st.pushValues(1)
		return nil

	case bc.OpWriteRef:
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		if err := st.checkWrite(loc, p, "write"); err != nil {
			return err
		}
		st.release(p)
		return nil

	case bc.OpFreezeRef:
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, p, "freeze"); err != nil {
			return err
		}
		r := st.refs[p]
		anc := make(map[refID]bool, len(r.ancestors))
		for a := range r.ancestors {
			anc[a] = true
		}
		frozen := st.newRef(false, r.paths, anc)
		st.release(p)
		st.stack = append(st.stack, frozen)
		return nil

	case bc.OpCall, bc.OpCallGeneric:
		return f.call(st, off, in)

	case bc.OpPack, bc.OpPackGeneric:
		if err := f.popN(st, off, f.packedFields(in)); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpUnpack, bc.OpUnpackGeneric:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		st.pushValues(f.packedFields(in))
		return nil

	case bc.OpPackVariant, bc.OpPackVariantGeneric:
		_, n := f.variant(in)
		if err := f.popN(st, off, n); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpUnpackVariant, bc.OpUnpackVariantGeneric:
		_, n := f.variant(in)
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		st.pushValues(n)
		return nil

	case bc.OpUnpackVariantImmRef, bc.OpUnpackVariantMutRef,
		bc.OpUnpackVariantGenericImmRef, bc.OpUnpackVariantGenericMutRef:
		mutable := in.Op == bc.OpUnpackVariantMutRef || in.Op == bc.OpUnpackVariantGenericMutRef
		tag, n := f.variant(in)
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, p, "variant unpack"); err != nil {
			return err
		}
		fields := make([]refID, n)
		for i := range fields {
			l := label{kind: labelVariant, index: uint32(tag)<<16 | uint32(i)}
			fields[i] = st.derive(p, mutable, st.refs[p].paths.extend(l))
			if err := st.checkBorrow(loc, fields[i]); err != nil {
				return err
			}
		}
		st.release(p)
		st.stack = append(st.stack, fields...)
		return nil

	case bc.OpVariantSwitch:
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, p, "variant switch"); err != nil {
			return err
		}
		st.release(p)
		return nil

	case bc.OpExists, bc.OpExistsGeneric:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpMutBorrowGlobal, bc.OpMutBorrowGlobalGeneric, bc.OpImmBorrowGlobal, bc.OpImmBorrowGlobalGeneric:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		mutable := in.Op == bc.OpMutBorrowGlobal || in.Op == bc.OpMutBorrowGlobalGeneric
		id := st.newRef(mutable, pathSet{{globalLabel(f.structDef(in))}}, nil)
		if err := st.checkBorrow(loc, id); err != nil {
			return err
		}
		st.stack = append(st.stack, id)
		return nil

	case bc.OpMoveFrom, bc.OpMoveFromGeneric:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		sd := f.structDef(in)
		if st.borrowedAt(globalLabel(sd), false) {
			return verrors.New(verrors.DanglingReference, loc, "%s of %s while it is borrowed", in.Op, f.m.DatatypeName(f.m.StructDef(sd).Handle))
		}
		st.pushValues(1)
		return nil

	case bc.OpMoveTo, bc.OpMoveToGeneric:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		signer, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, signer, "signer"); err != nil {
			return err
		}
		st.release(signer)
		return nil

	case bc.OpVecPack:
		if err := f.popN(st, off, int(in.Value)); err != nil {
			return err
		}
		st.pushValues(1)
		return nil

	case bc.OpVecUnpack:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		st.pushValues(int(in.Value))
		return nil

	case bc.OpVecLen:
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkRead(loc, p, "vector length"); err != nil {
			return err
		}
		st.release(p)
		st.pushValues(1)
		return nil

	case bc.OpVecImmBorrow, bc.OpVecMutBorrow:
		if err := f.popN(st, off, 1); err != nil {
			return err
		}
		return f.borrowChild(st, off, in, in.Op == bc.OpVecMutBorrow, label{kind: labelElem})

	case bc.OpVecPushBack, bc.OpVecPopBack, bc.OpVecSwap:
		operands := map[bc.Opcode]int{bc.OpVecPushBack: 1, bc.OpVecPopBack: 0, bc.OpVecSwap: 2}[in.Op]
		if err := f.popN(st, off, operands); err != nil {
			return err
		}
		p, err := f.popRef(st, off, in)
		if err != nil {
			return err
		}
		if err := st.checkWrite(loc, p, in.Op.String()); err != nil {
			return err
		}
		st.release(p)
		if in.Op == bc.OpVecPopBack {
			st.pushValues(1)
		}
		return nil

	case bc.OpRet:
		return f.ret(st, loc)
	}
	return verrors.New(verrors.InternalVerifierFault, loc, "borrow analysis has no rule for %s", in.Op)
}

// borrowChild pops a reference and pushes a borrow of the part of it selected by l.
func (f *function) borrowChild(st *state, off int, in bc.Instruction, mutable bool, l label) *verrors.VerificationError {
	p, err := f.popRef(st, off, in)
	if err != nil {
		return err
	}
	child := st.derive(p, mutable, st.refs[p].paths.extend(l))
	if err := st.checkBorrow(f.at(off), child); err != nil {
		return err
	}
	st.release(p)
	st.stack = append(st.stack, child)
	return nil
}

func (f *function) copyLoc(st *state, loc verrors.Location, i int) *verrors.VerificationError {
	if id := st.locals[i]; id != noRef {
		r := st.refs[id]
		st.stack = append(st.stack, st.derive(id, r.mutable, r.paths))
		return nil
	}
	if st.borrowedAt(label{kind: labelLocal, index: uint32(i)}, true) {
		return verrors.New(verrors.AliasedMutableBorrow, loc, "copy of local %d while it is mutably borrowed", i)
	}
	st.pushValues(1)
	return nil
}

func (f *function) moveLoc(st *state, loc verrors.Location, i int) *verrors.VerificationError {
	if id := st.locals[i]; id != noRef {
		st.locals[i] = noRef
		st.stack = append(st.stack, id)
		return nil
	}
	if st.borrowedAt(label{kind: labelLocal, index: uint32(i)}, false) {
		return verrors.New(verrors.DanglingReference, loc, "move of local %d while it is borrowed", i)
	}
	st.pushValues(1)
	return nil
}

func (f *function) stLoc(st *state, off int, i int) *verrors.VerificationError {
	v, err := f.pop(st, off)
	if err != nil {
		return err
	}
	if old := st.locals[i]; old != noRef {
		st.release(old)
	} else if !f.locals[i].IsReference() && st.borrowedAt(label{kind: labelLocal, index: uint32(i)}, false) {
		return verrors.New(verrors.DanglingReference, f.at(off), "store to local %d while it is borrowed", i)
	}
	st.locals[i] = v
	return nil
}

// call checks reference arguments, reentrant acquisition, and derives the
// returned references from the arguments they may point into.
func (f *function) call(st *state, off int, in bc.Instruction) *verrors.VerificationError {
	loc := f.at(off)
	fh := f.m.FunctionHandle(f.callee(in))
	params := f.m.Signature(fh.Parameters)
	if len(st.stack) < len(params) {
		return verrors.New(verrors.InternalVerifierFault, loc, "borrow analysis found %d arguments for %d parameters", len(st.stack), len(params))
	}
	args := append([]refID(nil), st.stack[len(st.stack)-len(params):]...)
	st.stack = st.stack[:len(st.stack)-len(params)]

	var allPaths, mutPaths pathSet
	ancestors := make(map[refID]bool)
	for _, a := range args {
		if a == noRef {
			continue
		}
		r := st.refs[a]
		var err *verrors.VerificationError
		if r.mutable {
			err = st.checkWrite(loc, a, "mutable argument")
			mutPaths = mutPaths.union(r.paths)
		} else {
			err = st.checkRead(loc, a, "argument")
		}
		if err != nil {
			return err
		}
		allPaths = allPaths.union(r.paths)
		for k := range r.ancestors {
			ancestors[k] = true
		}
	}

	if f.m.IsSelf(fh.Module) {
		if fd, ok := f.m.FindFunctionDef(f.callee(in)); ok {
			for _, sd := range f.m.FunctionDef(fd).Acquires {
				if st.borrowedAt(globalLabel(sd), false) {
					return verrors.New(verrors.ReentrantAcquire, loc, "call to %s acquires %s while it is borrowed",
						fh.Name, f.m.DatatypeName(f.m.StructDef(sd).Handle))
				}
			}
		}
	}

	for _, a := range args {
		st.release(a)
	}
	for k := range ancestors {
		if _, live := st.refs[k]; !live {
			delete(ancestors, k)
		}
	}
	for i, t := range f.m.Signature(fh.Return) {
		if !t.IsReference() {
			st.pushValues(1)
			continue
		}
		src := allPaths
		if t.IsMutableReference() {
			src = mutPaths
		}
		anc := make(map[refID]bool, len(ancestors))
		for k := range ancestors {
			anc[k] = true
		}
		st.stack = append(st.stack, st.newRef(t.IsMutableReference(), src.extend(label{kind: labelResult, index: uint32(i)}), anc))
	}
	return nil
}

// ret releases the frame and checks the returned references: none may point
// into a local or global, and a returned mutable reference may not overlap
// any other returned reference.
func (f *function) ret(st *state, loc verrors.Location) *verrors.VerificationError {
	for i, id := range st.locals {
		st.release(id)
		st.locals[i] = noRef
	}
	for i, id := range st.stack {
		if id == noRef {
			continue
		}
		for _, p := range st.refs[id].paths {
			if k := p.root().kind; k == labelLocal || k == labelGlobal {
				return verrors.New(verrors.ReferenceEscapesScope, loc, "return value %d refers to %s", i, p.key())
			}
		}
		for j, other := range st.stack[i+1:] {
			if other == noRef {
				continue
			}
			a, b := st.refs[id], st.refs[other]
			if (a.mutable || b.mutable) && a.paths.overlaps(b.paths) {
				return verrors.New(verrors.AliasedMutableBorrow, loc, "return values %d and %d may alias", i, i+1+j)
			}
		}
	}
	return nil
}
