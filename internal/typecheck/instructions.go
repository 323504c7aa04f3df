package typecheck

import (
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// step applies the stack effect of one instruction.
func (f *function) step(st *state, off int, in bc.Instruction) *verrors.VerificationError {
	m := f.m
	switch in.Op {
	case bc.OpNop, bc.OpBranch:
		return nil

	case bc.OpPop:
		t, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		return f.require(off, t, bc.AbilityDrop, verrors.UnusedValueWithoutDrop, "pop of a value")

	case bc.OpRet:
		return f.ret(st, off)

	case bc.OpBrTrue, bc.OpBrFalse:
		return f.popExpect(st, off, in, bc.Bool)

	case bc.OpAbort:
		return f.popExpect(st, off, in, bc.U64)

	// ====== Constants and casts ======

	case bc.OpLdU8, bc.OpCastU8:
		return f.load(st, off, in, bc.U8)
	case bc.OpLdU16, bc.OpCastU16:
		return f.load(st, off, in, bc.U16)
	case bc.OpLdU32, bc.OpCastU32:
		return f.load(st, off, in, bc.U32)
	case bc.OpLdU64, bc.OpCastU64:
		return f.load(st, off, in, bc.U64)
	case bc.OpLdU128, bc.OpCastU128:
		return f.load(st, off, in, bc.U128)
	case bc.OpLdU256, bc.OpCastU256:
		return f.load(st, off, in, bc.U256)
	case bc.OpLdTrue, bc.OpLdFalse:
		return f.push(st, off, bc.Bool)
	case bc.OpLdConst:
		return f.push(st, off, m.Constants[in.Arg].Type)

	// ====== Locals ======

	case bc.OpCopyLoc:
		i, err := f.local(st, off, in)
		if err != nil {
			return err
		}
		t := f.localTypes[i]
		if err := f.require(off, t, bc.AbilityCopy, verrors.MissingCopyAbility, "copy of local"); err != nil {
			return err
		}
		return f.push(st, off, t)

	case bc.OpMoveLoc:
		i, err := f.local(st, off, in)
		if err != nil {
			return err
		}
		st.locals[i] = unavailable
		return f.push(st, off, f.localTypes[i])

	case bc.OpStLoc:
		i := int(in.Arg)
		want := f.localTypes[i]
		if err := f.popExpect(st, off, in, want); err != nil {
			return err
		}
		if st.locals[i] != unavailable {
			if err := f.require(off, want, bc.AbilityDrop, verrors.UnusedValueWithoutDrop, "overwrite of local"); err != nil {
				return err
			}
		}
		st.locals[i] = available
		return nil

	case bc.OpMutBorrowLoc, bc.OpImmBorrowLoc:
		i, err := f.local(st, off, in)
		if err != nil {
			return err
		}
		t := f.localTypes[i]
		if t.IsReference() {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s of local %d which already holds reference %s", in.Op, i, t)
		}
		if in.Op == bc.OpMutBorrowLoc {
			return f.push(st, off, bc.MutRefOf(t))
		}
		return f.push(st, off, bc.RefOf(t))

	// ====== References ======

	case bc.OpMutBorrowField, bc.OpMutBorrowFieldGeneric, bc.OpImmBorrowField, bc.OpImmBorrowFieldGeneric:
		owner, field, err := f.fieldOperand(off, in)
		if err != nil {
			return err
		}
		mutable := in.Op == bc.OpMutBorrowField || in.Op == bc.OpMutBorrowFieldGeneric
		r, err := f.popRef(st, off, in, mutable)
		if err != nil {
			return err
		}
		if !r.Inner().Equal(owner) {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects a reference to %s, got %s", in.Op, owner, r)
		}
		if mutable {
			return f.push(st, off, bc.MutRefOf(field))
		}
		return f.push(st, off, bc.RefOf(field))

	case bc.OpReadRef:
		r, err := f.popRef(st, off, in, false)
		if err != nil {
			return err
		}
		if err := f.require(off, r.Inner(), bc.AbilityCopy, verrors.MissingCopyAbility, "read through reference"); err != nil {
			return err
		}
		return f.push(st, off, r.Inner())

	case bc.OpWriteRef:
		r, err := f.popRef(st, off, in, true)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, r.Inner()); err != nil {
			return err
		}
		return f.require(off, r.Inner(), bc.AbilityDrop, verrors.UnusedValueWithoutDrop, "write over a value")

	case bc.OpFreezeRef:
		t, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		if !t.IsMutableReference() {
			return verrors.New(verrors.TypeMismatch, f.at(off), "FreezeRef expects a mutable reference, got %s", t)
		}
		return f.push(st, off, bc.RefOf(t.Inner()))

	// ====== Calls and datatypes ======

	case bc.OpCall, bc.OpCallGeneric:
		params, returns, err := f.callOperand(off, in)
		if err != nil {
			return err
		}
		if err := f.popArgs(st, off, in, params); err != nil {
			return err
		}
		for _, t := range returns {
			if err := f.push(st, off, t); err != nil {
				return err
			}
		}
		return nil

	case bc.OpPack, bc.OpPackGeneric:
		ty, fields, err := f.structValue(off, in)
		if err != nil {
			return err
		}
		if err := f.popArgs(st, off, in, fields); err != nil {
			return err
		}
		return f.push(st, off, ty)

	case bc.OpUnpack, bc.OpUnpackGeneric:
		ty, fields, err := f.structValue(off, in)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, ty); err != nil {
			return err
		}
		return f.pushAll(st, off, fields)

	case bc.OpPackVariant, bc.OpPackVariantGeneric:
		ty, fields, err := f.variantOperand(off, in)
		if err != nil {
			return err
		}
		if err := f.popArgs(st, off, in, fields); err != nil {
			return err
		}
		return f.push(st, off, ty)

	case bc.OpUnpackVariant, bc.OpUnpackVariantGeneric:
		ty, fields, err := f.variantOperand(off, in)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, ty); err != nil {
			return err
		}
		return f.pushAll(st, off, fields)

	case bc.OpUnpackVariantImmRef, bc.OpUnpackVariantGenericImmRef,
		bc.OpUnpackVariantMutRef, bc.OpUnpackVariantGenericMutRef:
		ty, fields, err := f.variantOperand(off, in)
		if err != nil {
			return err
		}
		mutable := in.Op == bc.OpUnpackVariantMutRef || in.Op == bc.OpUnpackVariantGenericMutRef
		r, err := f.popRef(st, off, in, mutable)
		if err != nil {
			return err
		}
		if !r.Inner().Equal(ty) {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects a reference to %s, got %s", in.Op, ty, r)
		}
		for _, t := range fields {
			rt := bc.RefOf(t)
			if mutable {
				rt = bc.MutRefOf(t)
			}
			if err := f.push(st, off, rt); err != nil {
				return err
			}
		}
		return nil

	case bc.OpVariantSwitch:
		jt := f.def.Code.JumpTables[in.Arg]
		head := m.EnumDef(jt.HeadEnum).Handle
		r, err := f.popRef(st, off, in, false)
		if err != nil {
			return err
		}
		if inner := r.Inner(); !inner.IsDatatype() || inner.Handle != head {
			return verrors.New(verrors.TypeMismatch, f.at(off), "VariantSwitch over %s expects a reference to %s", r, m.DatatypeName(head))
		}
		return nil

	// ====== Arithmetic ======

	case bc.OpAdd, bc.OpSub, bc.OpMul, bc.OpMod, bc.OpDiv, bc.OpBitOr, bc.OpBitAnd, bc.OpXor:
		return f.binary(st, off, in, func(t bc.SignatureToken) bool { return t.IsInteger() }, nil)
	case bc.OpLt, bc.OpGt, bc.OpLe, bc.OpGe:
		return f.binary(st, off, in, func(t bc.SignatureToken) bool { return t.IsInteger() }, &bc.Bool)
	case bc.OpOr, bc.OpAnd:
		return f.binary(st, off, in, func(t bc.SignatureToken) bool { return t.Kind == bc.TokBool }, nil)
	case bc.OpShl, bc.OpShr:
		if err := f.popExpect(st, off, in, bc.U8); err != nil {
			return err
		}
		t, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		if !t.IsInteger() {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects an integer, got %s", in.Op, t)
		}
		return f.push(st, off, t)
	case bc.OpNot:
		if err := f.popExpect(st, off, in, bc.Bool); err != nil {
			return err
		}
		return f.push(st, off, bc.Bool)
	case bc.OpEq, bc.OpNeq:
		b, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		a, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		if !a.Equal(b) {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s compares %s with %s", in.Op, a, b)
		}
		if err := f.require(off, a, bc.AbilityDrop, verrors.UnusedValueWithoutDrop, "comparison consuming a value"); err != nil {
			return err
		}
		return f.push(st, off, bc.Bool)

	// ====== Global storage ======

	case bc.OpExists, bc.OpExistsGeneric:
		if _, err := f.global(off, in); err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, bc.Address); err != nil {
			return err
		}
		return f.push(st, off, bc.Bool)

	case bc.OpMutBorrowGlobal, bc.OpMutBorrowGlobalGeneric, bc.OpImmBorrowGlobal, bc.OpImmBorrowGlobalGeneric:
		ty, err := f.global(off, in)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, bc.Address); err != nil {
			return err
		}
		if in.Op == bc.OpMutBorrowGlobal || in.Op == bc.OpMutBorrowGlobalGeneric {
			return f.push(st, off, bc.MutRefOf(ty))
		}
		return f.push(st, off, bc.RefOf(ty))

	case bc.OpMoveFrom, bc.OpMoveFromGeneric:
		ty, err := f.global(off, in)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, bc.Address); err != nil {
			return err
		}
		return f.push(st, off, ty)

	case bc.OpMoveTo, bc.OpMoveToGeneric:
		ty, err := f.global(off, in)
		if err != nil {
			return err
		}
		if err := f.popExpect(st, off, in, ty); err != nil {
			return err
		}
		return f.popExpect(st, off, in, bc.RefOf(bc.Signer))

	// ====== Vectors ======

	case bc.OpVecPack:
		elem := f.vectorElem(in)
		for i := uint64(0); i < in.Value; i++ {
			if err := f.popExpect(st, off, in, elem); err != nil {
				return err
			}
		}
		return f.push(st, off, bc.VectorOf(elem))

	case bc.OpVecUnpack:
		elem := f.vectorElem(in)
		if err := f.popExpect(st, off, in, bc.VectorOf(elem)); err != nil {
			return err
		}
		for i := uint64(0); i < in.Value; i++ {
			if err := f.push(st, off, elem); err != nil {
				return err
			}
		}
		return nil

	case bc.OpVecLen:
		if err := f.popVectorRef(st, off, in, false); err != nil {
			return err
		}
		return f.push(st, off, bc.U64)

	case bc.OpVecImmBorrow, bc.OpVecMutBorrow:
		mutable := in.Op == bc.OpVecMutBorrow
		if err := f.popExpect(st, off, in, bc.U64); err != nil {
			return err
		}
		if err := f.popVectorRef(st, off, in, mutable); err != nil {
			return err
		}
		if mutable {
			return f.push(st, off, bc.MutRefOf(f.vectorElem(in)))
		}
		return f.push(st, off, bc.RefOf(f.vectorElem(in)))

	case bc.OpVecPushBack:
		if err := f.popExpect(st, off, in, f.vectorElem(in)); err != nil {
			return err
		}
		return f.popVectorRef(st, off, in, true)

	case bc.OpVecPopBack:
		if err := f.popVectorRef(st, off, in, true); err != nil {
			return err
		}
		return f.push(st, off, f.vectorElem(in))

	case bc.OpVecSwap:
		for i := 0; i < 2; i++ {
			if err := f.popExpect(st, off, in, bc.U64); err != nil {
				return err
			}
		}
		return f.popVectorRef(st, off, in, true)
	}
	return verrors.New(verrors.InternalVerifierFault, f.at(off), "no typing rule for %s", in.Op)
}

// load handles constant loads and casts, which consume an integer first.
func (f *function) load(st *state, off int, in bc.Instruction, to bc.SignatureToken) *verrors.VerificationError {
	if in.Op.Operand() == bc.OperandNone {
		t, err := f.pop(st, off, in)
		if err != nil {
			return err
		}
		if !t.IsInteger() {
			return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects an integer, got %s", in.Op, t)
		}
	}
	return f.push(st, off, to)
}

// binary pops two equal operands accepted by ok and pushes result, or the
// operand type when result is nil.
func (f *function) binary(st *state, off int, in bc.Instruction, ok func(bc.SignatureToken) bool, result *bc.SignatureToken) *verrors.VerificationError {
	b, err := f.pop(st, off, in)
	if err != nil {
		return err
	}
	a, err := f.pop(st, off, in)
	if err != nil {
		return err
	}
	if !ok(a) || !a.Equal(b) {
		return verrors.New(verrors.TypeMismatch, f.at(off), "%s cannot combine %s and %s", in.Op, a, b)
	}
	if result != nil {
		return f.push(st, off, *result)
	}
	return f.push(st, off, a)
}

func (f *function) pushAll(st *state, off int, ts bc.Signature) *verrors.VerificationError {
	for _, t := range ts {
		if err := f.push(st, off, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *function) ret(st *state, off int) *verrors.VerificationError {
	if len(st.stack) != len(f.returns) {
		return verrors.New(verrors.ReturnTypeMismatch, f.at(off), "returns %d values, declared %d", len(st.stack), len(f.returns))
	}
	for i, want := range f.returns {
		if !st.stack[i].Equal(want) {
			return verrors.New(verrors.ReturnTypeMismatch, f.at(off), "return value %d has type %s, declared %s", i, st.stack[i], want)
		}
	}
	st.stack = st.stack[:0]
	for i, a := range st.locals {
		if a == unavailable {
			continue
		}
		if err := f.require(off, f.localTypes[i], bc.AbilityDrop, verrors.UnusedValueWithoutDrop, "local still holding a value at return"); err != nil {
			return err.WithContext("local", i)
		}
	}
	return nil
}

// ====== Operand resolution ======

func (f *function) plain(off int, in bc.Instruction, h bc.DatatypeHandleIndex) *verrors.VerificationError {
	if n := len(f.m.DatatypeHandle(h).TypeParameters); n > 0 {
		return verrors.New(verrors.GenericArityMismatch, f.at(off), "%s on generic %s needs the generic form", in.Op, f.m.DatatypeName(h))
	}
	return nil
}

// structOperand resolves the struct definition and type arguments of a
// struct or struct-instantiation operand.
func (f *function) structOperand(off int, in bc.Instruction) (bc.StructDefinitionIndex, bc.Signature, *verrors.VerificationError) {
	m := f.m
	if in.Op.Operand() == bc.OperandStructDef {
		sd := bc.StructDefinitionIndex(in.Arg)
		return sd, nil, f.plain(off, in, m.StructDef(sd).Handle)
	}
	si := m.StructDefInstantiations[in.Arg]
	return si.Def, m.Signature(si.TypeParameters), nil
}

// structValue returns the struct type and instantiated field types.
func (f *function) structValue(off int, in bc.Instruction) (bc.SignatureToken, bc.Signature, *verrors.VerificationError) {
	sd, args, err := f.structOperand(off, in)
	if err != nil {
		return bc.SignatureToken{}, nil, err
	}
	def := f.m.StructDef(sd)
	if def.Native {
		return bc.SignatureToken{}, nil, verrors.New(verrors.TypeMismatch, f.at(off), "%s of native struct %s", in.Op, f.m.DatatypeName(def.Handle))
	}
	fields := make(bc.Signature, len(def.Fields))
	for i, fd := range def.Fields {
		fields[i] = fd.Type.Instantiate(args)
	}
	return bc.DatatypeOf(def.Handle, args...), fields, nil
}

func (f *function) global(off int, in bc.Instruction) (bc.SignatureToken, *verrors.VerificationError) {
	sd, args, err := f.structOperand(off, in)
	if err != nil {
		return bc.SignatureToken{}, err
	}
	ty := bc.DatatypeOf(f.m.StructDef(sd).Handle, args...)
	if err := f.require(off, ty, bc.AbilityKey, verrors.MissingKeyAbility, in.Op.String()); err != nil {
		return ty, err
	}
	return ty, nil
}

func (f *function) fieldOperand(off int, in bc.Instruction) (bc.SignatureToken, bc.SignatureToken, *verrors.VerificationError) {
	m := f.m
	if in.Op.Operand() == bc.OperandFieldHandle {
		sd, ft := m.FieldOwnerAndType(bc.FieldHandleIndex(in.Arg))
		h := m.StructDef(sd).Handle
		if err := f.plain(off, in, h); err != nil {
			return bc.SignatureToken{}, bc.SignatureToken{}, err
		}
		return bc.DatatypeOf(h), ft, nil
	}
	fi := m.FieldInstantiations[in.Arg]
	sd, ft := m.FieldOwnerAndType(fi.Handle)
	args := m.Signature(fi.TypeParameters)
	return bc.DatatypeOf(m.StructDef(sd).Handle, args...), ft.Instantiate(args), nil
}

func (f *function) variantOperand(off int, in bc.Instruction) (bc.SignatureToken, bc.Signature, *verrors.VerificationError) {
	m := f.m
	var (
		ed   *bc.EnumDefinition
		tag  bc.VariantTag
		args bc.Signature
	)
	if in.Op.Operand() == bc.OperandVariantHandle {
		vh := m.VariantHandles[in.Arg]
		ed, tag = m.EnumDef(vh.Enum), vh.Variant
		if err := f.plain(off, in, ed.Handle); err != nil {
			return bc.SignatureToken{}, nil, err
		}
	} else {
		vih := m.VariantInstantiationHandles[in.Arg]
		ei := m.EnumDefInstantiations[vih.Enum]
		ed, tag, args = m.EnumDef(ei.Def), vih.Variant, m.Signature(ei.TypeParameters)
	}
	variant := ed.Variants[tag]
	fields := make(bc.Signature, len(variant.Fields))
	for i, fd := range variant.Fields {
		fields[i] = fd.Type.Instantiate(args)
	}
	return bc.DatatypeOf(ed.Handle, args...), fields, nil
}

func (f *function) callOperand(off int, in bc.Instruction) (bc.Signature, bc.Signature, *verrors.VerificationError) {
	m := f.m
	if in.Op == bc.OpCall {
		fh := m.FunctionHandle(bc.FunctionHandleIndex(in.Arg))
		if len(fh.TypeParameters) > 0 {
			return nil, nil, verrors.New(verrors.GenericArityMismatch, f.at(off), "Call of generic function %s needs CallGeneric", fh.Name)
		}
		return m.Signature(fh.Parameters), m.Signature(fh.Return), nil
	}
	fi := m.FunctionInstantiations[in.Arg]
	fh := m.FunctionHandle(fi.Handle)
	args := m.Signature(fi.TypeParameters)
	return m.Signature(fh.Parameters).Instantiate(args), m.Signature(fh.Return).Instantiate(args), nil
}

func (f *function) vectorElem(in bc.Instruction) bc.SignatureToken {
	return f.m.Signature(bc.SignatureIndex(in.Arg))[0]
}

func (f *function) popVectorRef(st *state, off int, in bc.Instruction, mutable bool) *verrors.VerificationError {
	r, err := f.popRef(st, off, in, mutable)
	if err != nil {
		return err
	}
	if want := bc.VectorOf(f.vectorElem(in)); !r.Inner().Equal(want) {
		return verrors.New(verrors.TypeMismatch, f.at(off), "%s expects a reference to %s, got %s", in.Op, want, r)
	}
	return nil
}
