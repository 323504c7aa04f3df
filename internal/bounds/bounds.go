// Package bounds checks that every table index in a module is in range, that
// generic arities agree with their declarations and that no declaration
// duplicates a name. Later passes index into the tables without re-checking,
// so this pass must succeed before any other runs.
package bounds

import (
	"fmt"
	"math/big"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// Check validates m and returns the first violation found.
func Check(m *bc.Module, c config.Config) *verrors.VerificationError {
	ch := &checker{m: m, c: c}
	for _, step := range []func() *verrors.VerificationError{
		ch.moduleHandles,
		ch.datatypeHandles,
		ch.functionHandles,
		ch.friends,
		ch.signatures,
		ch.constants,
		ch.structDefs,
		ch.enumDefs,
		ch.fieldHandles,
		ch.instantiations,
		ch.variantHandles,
		ch.functionDefs,
		ch.selfDeclarations,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

type checker struct {
	m *bc.Module
	c config.Config
}

func module() verrors.Location { return verrors.ModuleLevel() }

func inRange(loc verrors.Location, kind string, i, n int) *verrors.VerificationError {
	if i < 0 || i >= n {
		return verrors.OutOfBounds(loc, kind, i, n)
	}
	return nil
}

// ====== Handles ======

func (ch *checker) moduleHandles() *verrors.VerificationError {
	m := ch.m
	if err := inRange(module(), "self module handle", int(m.SelfHandle), len(m.ModuleHandles)); err != nil {
		return err
	}
	seen := make(map[bc.ModuleID]bool, len(m.ModuleHandles))
	for _, h := range m.ModuleHandles {
		if h.Name == "" {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "module handle with empty name")
		}
		id := h.ID()
		if seen[id] {
			return verrors.Duplicate(module(), "module handle", id.String())
		}
		seen[id] = true
	}
	return nil
}

func (ch *checker) datatypeHandles() *verrors.VerificationError {
	m := ch.m
	type key struct {
		mod  bc.ModuleID
		name string
	}
	seen := make(map[key]bool, len(m.DatatypeHandles))
	for i, h := range m.DatatypeHandles {
		if err := inRange(module(), "module handle", int(h.Module), len(m.ModuleHandles)); err != nil {
			return err.WithContext("datatype_handle", i)
		}
		if !h.Abilities.Valid() {
			return verrors.New(verrors.InvalidSignatureToken, module(), "datatype %s has unknown ability bits %d", h.Name, h.Abilities)
		}
		for _, p := range h.TypeParameters {
			if !p.Constraints.Valid() {
				return verrors.New(verrors.InvalidSignatureToken, module(), "datatype %s has unknown constraint bits", h.Name)
			}
		}
		k := key{m.ModuleIDOf(h.Module), h.Name}
		if seen[k] {
			return verrors.Duplicate(module(), "datatype handle", fmt.Sprintf("%s::%s", k.mod, k.name))
		}
		seen[k] = true
	}
	return nil
}

func (ch *checker) functionHandles() *verrors.VerificationError {
	m := ch.m
	type key struct {
		mod  bc.ModuleID
		name string
	}
	seen := make(map[key]bool, len(m.FunctionHandles))
	for i, h := range m.FunctionHandles {
		if err := inRange(module(), "module handle", int(h.Module), len(m.ModuleHandles)); err != nil {
			return err.WithContext("function_handle", i)
		}
		if err := inRange(module(), "signature", int(h.Parameters), len(m.Signatures)); err != nil {
			return err.WithContext("function_handle", i)
		}
		if err := inRange(module(), "signature", int(h.Return), len(m.Signatures)); err != nil {
			return err.WithContext("function_handle", i)
		}
		for _, tp := range h.TypeParameters {
			if !tp.Valid() {
				return verrors.New(verrors.InvalidSignatureToken, module(), "function %s has unknown constraint bits", h.Name)
			}
		}
		k := key{m.ModuleIDOf(h.Module), h.Name}
		if seen[k] {
			return verrors.Duplicate(module(), "function handle", fmt.Sprintf("%s::%s", k.mod, k.name))
		}
		seen[k] = true
	}
	return nil
}

func (ch *checker) friends() *verrors.VerificationError {
	seen := make(map[bc.ModuleID]bool, len(ch.m.FriendDecls))
	for _, f := range ch.m.FriendDecls {
		id := f.ID()
		if seen[id] {
			return verrors.Duplicate(module(), "friend declaration", id.String())
		}
		seen[id] = true
	}
	return nil
}

// ====== Signatures ======

// token checks handle indices and datatype arities of t. Type parameter
// indices are checked against numTypeParams unless it is negative.
func (ch *checker) token(loc verrors.Location, t bc.SignatureToken, numTypeParams int) *verrors.VerificationError {
	switch t.Kind {
	case bc.TokBool, bc.TokU8, bc.TokU16, bc.TokU32, bc.TokU64, bc.TokU128, bc.TokU256,
		bc.TokAddress, bc.TokSigner:
		return nil
	case bc.TokVector, bc.TokReference, bc.TokMutableReference:
		if t.Elem == nil {
			return verrors.New(verrors.InvalidSignatureToken, loc, "%s token without element type", t.Kind)
		}
		return ch.token(loc, *t.Elem, numTypeParams)
	case bc.TokDatatype, bc.TokDatatypeInstantiation:
		if err := inRange(loc, "datatype handle", int(t.Handle), len(ch.m.DatatypeHandles)); err != nil {
			return err
		}
		want := len(ch.m.DatatypeHandles[t.Handle].TypeParameters)
		got := len(t.TypeArgs)
		if t.Kind == bc.TokDatatypeInstantiation && got == 0 {
			return verrors.New(verrors.GenericArityMismatch, loc, "instantiation of %s without type arguments", ch.m.DatatypeName(t.Handle))
		}
		if want != got {
			return verrors.New(verrors.GenericArityMismatch, loc, "%s expects %d type arguments, got %d",
				ch.m.DatatypeName(t.Handle), want, got)
		}
		for _, a := range t.TypeArgs {
			if err := ch.token(loc, a, numTypeParams); err != nil {
				return err
			}
		}
		return nil
	case bc.TokTypeParameter:
		if numTypeParams >= 0 {
			return inRange(loc, "type parameter", int(t.Param), numTypeParams)
		}
		return nil
	default:
		return verrors.New(verrors.InvalidSignatureToken, loc, "unknown token kind %d", t.Kind)
	}
}

func (ch *checker) signature(loc verrors.Location, s bc.SignatureIndex, numTypeParams int) *verrors.VerificationError {
	if err := inRange(loc, "signature", int(s), len(ch.m.Signatures)); err != nil {
		return err
	}
	for _, t := range ch.m.Signatures[s] {
		if err := ch.token(loc, t, numTypeParams); err != nil {
			return err
		}
	}
	return nil
}

func (ch *checker) signatures() *verrors.VerificationError {
	for i := range ch.m.Signatures {
		if err := ch.signature(module(), bc.SignatureIndex(i), -1); err != nil {
			return err.WithContext("signature", i)
		}
	}
	for i, h := range ch.m.FunctionHandles {
		n := len(h.TypeParameters)
		if err := ch.signature(module(), h.Parameters, n); err != nil {
			return err.WithContext("function_handle", i)
		}
		if err := ch.signature(module(), h.Return, n); err != nil {
			return err.WithContext("function_handle", i)
		}
	}
	return nil
}

func (ch *checker) constants() *verrors.VerificationError {
	for i, k := range ch.m.Constants {
		if err := ch.token(module(), k.Type, 0); err != nil {
			return err.WithContext("constant", i)
		}
	}
	return nil
}

// ====== Definitions ======

func (ch *checker) fields(loc verrors.Location, owner string, fields []bc.FieldDefinition, numTypeParams int) *verrors.VerificationError {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		if names[f.Name] {
			return verrors.Duplicate(loc, "field", owner+"."+f.Name)
		}
		names[f.Name] = true
		if err := ch.token(loc, f.Type, numTypeParams); err != nil {
			return err
		}
	}
	return nil
}

func (ch *checker) structDefs() *verrors.VerificationError {
	m := ch.m
	defined := make(map[bc.DatatypeHandleIndex]bool, len(m.StructDefs))
	for i, sd := range m.StructDefs {
		if err := inRange(module(), "datatype handle", int(sd.Handle), len(m.DatatypeHandles)); err != nil {
			return err.WithContext("struct_def", i)
		}
		h := m.DatatypeHandles[sd.Handle]
		if !m.IsSelf(h.Module) {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "struct %s defined for foreign module %s", h.Name, m.ModuleIDOf(h.Module))
		}
		if defined[sd.Handle] {
			return verrors.Duplicate(module(), "datatype definition", h.Name)
		}
		defined[sd.Handle] = true
		if sd.Native && len(sd.Fields) > 0 {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "native struct %s declares fields", h.Name)
		}
		if err := ch.fields(module(), h.Name, sd.Fields, len(h.TypeParameters)); err != nil {
			return err
		}
	}
	return nil
}

func (ch *checker) enumDefs() *verrors.VerificationError {
	m := ch.m
	defined := make(map[bc.DatatypeHandleIndex]bool, len(m.EnumDefs))
	for _, sd := range m.StructDefs {
		defined[sd.Handle] = true
	}
	for i, ed := range m.EnumDefs {
		if err := inRange(module(), "datatype handle", int(ed.Handle), len(m.DatatypeHandles)); err != nil {
			return err.WithContext("enum_def", i)
		}
		h := m.DatatypeHandles[ed.Handle]
		if !m.IsSelf(h.Module) {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "enum %s defined for foreign module %s", h.Name, m.ModuleIDOf(h.Module))
		}
		if defined[ed.Handle] {
			return verrors.Duplicate(module(), "datatype definition", h.Name)
		}
		defined[ed.Handle] = true
		if len(ed.Variants) == 0 {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "enum %s has no variants", h.Name)
		}
		names := make(map[string]bool, len(ed.Variants))
		for _, v := range ed.Variants {
			if names[v.Name] {
				return verrors.Duplicate(module(), "variant", h.Name+"::"+v.Name)
			}
			names[v.Name] = true
			if err := ch.fields(module(), h.Name+"::"+v.Name, v.Fields, len(h.TypeParameters)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ch *checker) fieldHandles() *verrors.VerificationError {
	m := ch.m
	for i, fh := range m.FieldHandles {
		if err := inRange(module(), "struct definition", int(fh.Owner), len(m.StructDefs)); err != nil {
			return err.WithContext("field_handle", i)
		}
		sd := m.StructDefs[fh.Owner]
		if err := inRange(module(), "field", int(fh.Field), len(sd.Fields)); err != nil {
			return err.WithContext("field_handle", i)
		}
	}
	return nil
}

func (ch *checker) arity(kind, name string, want int, sig bc.SignatureIndex) *verrors.VerificationError {
	if err := inRange(module(), "signature", int(sig), len(ch.m.Signatures)); err != nil {
		return err
	}
	got := len(ch.m.Signatures[sig])
	if want == 0 || got != want {
		return verrors.New(verrors.GenericArityMismatch, module(), "%s %s expects %d type arguments, got %d", kind, name, want, got)
	}
	return nil
}

func (ch *checker) instantiations() *verrors.VerificationError {
	m := ch.m
	for i, si := range m.StructDefInstantiations {
		if err := inRange(module(), "struct definition", int(si.Def), len(m.StructDefs)); err != nil {
			return err.WithContext("struct_instantiation", i)
		}
		h := m.DatatypeHandles[m.StructDefs[si.Def].Handle]
		if err := ch.arity("struct", h.Name, len(h.TypeParameters), si.TypeParameters); err != nil {
			return err
		}
	}
	for i, ei := range m.EnumDefInstantiations {
		if err := inRange(module(), "enum definition", int(ei.Def), len(m.EnumDefs)); err != nil {
			return err.WithContext("enum_instantiation", i)
		}
		h := m.DatatypeHandles[m.EnumDefs[ei.Def].Handle]
		if err := ch.arity("enum", h.Name, len(h.TypeParameters), ei.TypeParameters); err != nil {
			return err
		}
	}
	for i, fi := range m.FunctionInstantiations {
		if err := inRange(module(), "function handle", int(fi.Handle), len(m.FunctionHandles)); err != nil {
			return err.WithContext("function_instantiation", i)
		}
		h := m.FunctionHandles[fi.Handle]
		if err := ch.arity("function", h.Name, len(h.TypeParameters), fi.TypeParameters); err != nil {
			return err
		}
	}
	for i, fi := range m.FieldInstantiations {
		if err := inRange(module(), "field handle", int(fi.Handle), len(m.FieldHandles)); err != nil {
			return err.WithContext("field_instantiation", i)
		}
		owner := m.FieldHandles[fi.Handle].Owner
		h := m.DatatypeHandles[m.StructDefs[owner].Handle]
		if err := ch.arity("struct", h.Name, len(h.TypeParameters), fi.TypeParameters); err != nil {
			return err
		}
	}
	return nil
}

func (ch *checker) variantHandles() *verrors.VerificationError {
	m := ch.m
	for i, vh := range m.VariantHandles {
		if err := inRange(module(), "enum definition", int(vh.Enum), len(m.EnumDefs)); err != nil {
			return err.WithContext("variant_handle", i)
		}
		if err := inRange(module(), "variant", int(vh.Variant), len(m.EnumDefs[vh.Enum].Variants)); err != nil {
			return err.WithContext("variant_handle", i)
		}
	}
	for i, vh := range m.VariantInstantiationHandles {
		if err := inRange(module(), "enum instantiation", int(vh.Enum), len(m.EnumDefInstantiations)); err != nil {
			return err.WithContext("variant_instantiation_handle", i)
		}
		def := m.EnumDefInstantiations[vh.Enum].Def
		if err := inRange(module(), "variant", int(vh.Variant), len(m.EnumDefs[def].Variants)); err != nil {
			return err.WithContext("variant_instantiation_handle", i)
		}
	}
	return nil
}

// ====== Function bodies ======

func (ch *checker) functionDefs() *verrors.VerificationError {
	m := ch.m
	if ch.c.MaxFunctionDefinitions > 0 && len(m.FunctionDefs) > ch.c.MaxFunctionDefinitions {
		return verrors.New(verrors.TooManyFunctions, module(), "%d function definitions exceed the limit of %d",
			len(m.FunctionDefs), ch.c.MaxFunctionDefinitions)
	}
	defined := make(map[bc.FunctionHandleIndex]bool, len(m.FunctionDefs))
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		loc := verrors.At(i, verrors.NoOffset)
		if err := inRange(loc, "function handle", int(fd.Function), len(m.FunctionHandles)); err != nil {
			return err
		}
		fh := m.FunctionHandles[fd.Function]
		loc.Name = fh.Name
		if !m.IsSelf(fh.Module) {
			return verrors.New(verrors.InvalidDeclarationModule, loc, "function %s defined for foreign module %s", fh.Name, m.ModuleIDOf(fh.Module))
		}
		if defined[fd.Function] {
			return verrors.Duplicate(loc, "function definition", fh.Name)
		}
		defined[fd.Function] = true
		if fd.Visibility > bc.VisibilityFriend {
			return verrors.New(verrors.InvalidDeclarationModule, loc, "unknown visibility %d", fd.Visibility)
		}
		for _, a := range fd.Acquires {
			if err := inRange(loc, "struct definition", int(a), len(m.StructDefs)); err != nil {
				return err
			}
		}
		if fd.Code == nil {
			continue
		}
		if err := ch.signature(loc, fd.Code.Locals, len(fh.TypeParameters)); err != nil {
			return err
		}
		numLocals := len(m.Signatures[fh.Parameters]) + len(m.Signatures[fd.Code.Locals])
		if ch.c.MaxLocals > 0 && numLocals > ch.c.MaxLocals {
			return verrors.New(verrors.TooManyLocals, loc, "%d locals exceed the limit of %d", numLocals, ch.c.MaxLocals)
		}
		if err := ch.jumpTables(loc, fd.Code); err != nil {
			return err
		}
		for off, in := range fd.Code.Code {
			if err := ch.instruction(verrors.Location{Function: i, Offset: off, Name: fh.Name}, in, numLocals, len(fh.TypeParameters), len(fd.Code.JumpTables)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ch *checker) jumpTables(loc verrors.Location, code *bc.CodeUnit) *verrors.VerificationError {
	for i, jt := range code.JumpTables {
		if err := inRange(loc, "enum definition", int(jt.HeadEnum), len(ch.m.EnumDefs)); err != nil {
			return err.WithContext("jump_table", i)
		}
		want := len(ch.m.EnumDefs[jt.HeadEnum].Variants)
		if len(jt.Targets) != want {
			return verrors.New(verrors.InvalidJumpTable, loc, "jump table %d has %d targets for %d variants", i, len(jt.Targets), want)
		}
	}
	return nil
}

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxU256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func (ch *checker) instruction(loc verrors.Location, in bc.Instruction, numLocals, numTypeParams, numJumpTables int) *verrors.VerificationError {
	m := ch.m
	if !in.Op.Valid() {
		return verrors.New(verrors.InvalidSignatureToken, loc, "unknown opcode %d", uint8(in.Op))
	}
	arg := int(in.Arg)
	switch in.Op.Operand() {
	case bc.OperandNone, bc.OperandCodeOffset:
		// Branch targets are checked by the control-flow graph builder.
		return nil
	case bc.OperandLocal:
		return inRange(loc, "local", arg, numLocals)
	case bc.OperandConstant:
		return inRange(loc, "constant", arg, len(m.Constants))
	case bc.OperandFunctionHandle:
		return inRange(loc, "function handle", arg, len(m.FunctionHandles))
	case bc.OperandFunctionInstantiation:
		if err := inRange(loc, "function instantiation", arg, len(m.FunctionInstantiations)); err != nil {
			return err
		}
		return ch.signature(loc, m.FunctionInstantiations[arg].TypeParameters, numTypeParams)
	case bc.OperandStructDef:
		return inRange(loc, "struct definition", arg, len(m.StructDefs))
	case bc.OperandStructDefInstantiation:
		if err := inRange(loc, "struct instantiation", arg, len(m.StructDefInstantiations)); err != nil {
			return err
		}
		return ch.signature(loc, m.StructDefInstantiations[arg].TypeParameters, numTypeParams)
	case bc.OperandFieldHandle:
		return inRange(loc, "field handle", arg, len(m.FieldHandles))
	case bc.OperandFieldInstantiation:
		if err := inRange(loc, "field instantiation", arg, len(m.FieldInstantiations)); err != nil {
			return err
		}
		return ch.signature(loc, m.FieldInstantiations[arg].TypeParameters, numTypeParams)
	case bc.OperandSignature:
		if err := ch.signature(loc, bc.SignatureIndex(arg), numTypeParams); err != nil {
			return err
		}
		if n := len(m.Signatures[arg]); n != 1 {
			return verrors.New(verrors.GenericArityMismatch, loc, "%s expects one element type, got %d", in.Op, n)
		}
		if (in.Op == bc.OpVecPack || in.Op == bc.OpVecUnpack) && ch.c.MaxPushSize > 0 && in.Value > uint64(ch.c.MaxPushSize) {
			return verrors.OutOfBounds(loc, "vector element count", int(min(in.Value, 1<<31)), ch.c.MaxPushSize+1)
		}
		return nil
	case bc.OperandVariantHandle:
		return inRange(loc, "variant handle", arg, len(m.VariantHandles))
	case bc.OperandVariantInstantiationHandle:
		if err := inRange(loc, "variant instantiation handle", arg, len(m.VariantInstantiationHandles)); err != nil {
			return err
		}
		ei := m.VariantInstantiationHandles[arg].Enum
		return ch.signature(loc, m.EnumDefInstantiations[ei].TypeParameters, numTypeParams)
	case bc.OperandJumpTable:
		return inRange(loc, "jump table", arg, numJumpTables)
	case bc.OperandImmediate:
		var limit uint64
		switch in.Op {
		case bc.OpLdU8:
			limit = 1<<8 - 1
		case bc.OpLdU16:
			limit = 1<<16 - 1
		case bc.OpLdU32:
			limit = 1<<32 - 1
		default:
			return nil
		}
		if in.Value > limit {
			return verrors.New(verrors.InvalidConstantType, loc, "%s immediate %d does not fit", in.Op, in.Value)
		}
		return nil
	case bc.OperandWideImmediate:
		v, ok := new(big.Int).SetString(in.Wide, 10)
		limit := maxU128
		if in.Op == bc.OpLdU256 {
			limit = maxU256
		}
		if !ok || v.Sign() < 0 || v.Cmp(limit) > 0 {
			return verrors.New(verrors.InvalidConstantType, loc, "%s immediate %q does not fit", in.Op, in.Wide)
		}
		return nil
	}
	return nil
}

// selfDeclarations requires every handle of this module to have a definition.
func (ch *checker) selfDeclarations() *verrors.VerificationError {
	m := ch.m
	defined := make(map[bc.DatatypeHandleIndex]bool)
	for _, sd := range m.StructDefs {
		defined[sd.Handle] = true
	}
	for _, ed := range m.EnumDefs {
		defined[ed.Handle] = true
	}
	for i, h := range m.DatatypeHandles {
		if m.IsSelf(h.Module) && !defined[bc.DatatypeHandleIndex(i)] {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "datatype %s of this module has no definition", h.Name)
		}
	}
	fdefined := make(map[bc.FunctionHandleIndex]bool)
	for _, fd := range m.FunctionDefs {
		fdefined[fd.Function] = true
	}
	for i, h := range m.FunctionHandles {
		if m.IsSelf(h.Module) && !fdefined[bc.FunctionHandleIndex(i)] {
			return verrors.New(verrors.InvalidDeclarationModule, module(), "function %s of this module has no definition", h.Name)
		}
	}
	return nil
}
