// Package typecheck implements the type and ability checks: module-level
// signature and declaration checks, and the per-function abstract
// interpreter over the operand stack and local availability.
package typecheck

import (
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// CheckModule runs the declaration-level checks over a bounds-checked module
// and returns every violation found.
func CheckModule(m *bc.Module, c config.Config) verrors.List {
	mc := &moduleChecker{m: m, c: c}
	mc.signatures()
	mc.constants()
	mc.datatypes()
	mc.entryFunctions()
	mc.operandInstantiations()
	if len(mc.diags) == 0 {
		mc.recursiveDatatypes()
		mc.instantiationLoops()
	}
	return mc.diags
}

type moduleChecker struct {
	m     *bc.Module
	c     config.Config
	diags verrors.List
}

func (mc *moduleChecker) add(err *verrors.VerificationError) { mc.diags.Add(err) }

// ====== Signature tokens ======

// tokenPosition says where a token occurs, which decides whether references
// may appear at its top level.
type tokenPosition int

const (
	positionValue     tokenPosition = iota // fields, constants, type arguments
	positionSignature                      // parameters, returns, locals
)

// validToken rejects references nested below the top level, references in
// value positions and tokens deeper than the configured limit.
func (mc *moduleChecker) validToken(loc verrors.Location, t bc.SignatureToken, pos tokenPosition) *verrors.VerificationError {
	if mc.c.MaxTypeDepth > 0 && t.Depth() > mc.c.MaxTypeDepth {
		return verrors.New(verrors.TypeTooDeep, loc, "type %s has depth %d over the limit of %d", t, t.Depth(), mc.c.MaxTypeDepth)
	}
	top := t
	if t.IsReference() {
		if pos != positionSignature {
			return verrors.New(verrors.InvalidSignatureToken, loc, "reference type %s not allowed here", t)
		}
		top = t.Inner()
	}
	var bad *bc.SignatureToken
	top.Walk(func(x bc.SignatureToken) bool {
		if x.IsReference() {
			bad = &x
			return false
		}
		return bad == nil
	})
	if bad != nil {
		return verrors.New(verrors.InvalidSignatureToken, loc, "nested reference %s in %s", *bad, t)
	}
	return nil
}

func (mc *moduleChecker) signatures() {
	m := mc.m
	for i, fh := range m.FunctionHandles {
		loc := verrors.ModuleLevel()
		for _, s := range []bc.SignatureIndex{fh.Parameters, fh.Return} {
			for _, t := range m.Signatures[s] {
				if err := mc.validToken(loc, t, positionSignature); err != nil {
					mc.add(err.WithContext("function_handle", i))
				}
				if err := mc.instantiationConstraints(loc, t, fh.TypeParameters); err != nil {
					mc.add(err)
				}
			}
		}
	}
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		if fd.Code == nil {
			continue
		}
		loc := verrors.Location{Function: i, Offset: verrors.NoOffset, Name: m.FunctionName(bc.FunctionDefinitionIndex(i))}
		tps := m.FunctionHandles[fd.Function].TypeParameters
		for _, t := range m.Signatures[fd.Code.Locals] {
			if err := mc.validToken(loc, t, positionSignature); err != nil {
				mc.add(err)
			}
			if err := mc.instantiationConstraints(loc, t, tps); err != nil {
				mc.add(err)
			}
		}
	}
}

// constants accept primitives and (nested) vectors of primitives only.
func (mc *moduleChecker) constants() {
	widths := map[bc.TokenKind]int{
		bc.TokBool: 1, bc.TokU8: 1, bc.TokU16: 2, bc.TokU32: 4,
		bc.TokU64: 8, bc.TokU128: 16, bc.TokU256: 32,
	}
	for i, k := range mc.m.Constants {
		base := k.Type
		for base.Kind == bc.TokVector {
			base = base.Inner()
		}
		if !base.IsPrimitive() {
			mc.add(verrors.New(verrors.InvalidConstantType, verrors.ModuleLevel(), "constant %d has non-constant type %s", i, k.Type))
			continue
		}
		if w, ok := widths[k.Type.Kind]; ok && len(k.Data) != w {
			mc.add(verrors.New(verrors.InvalidConstantType, verrors.ModuleLevel(), "constant %d of type %s has %d bytes, want %d", i, k.Type, len(k.Data), w))
		}
	}
}

// ====== Datatype declarations ======

func (mc *moduleChecker) datatypes() {
	m := mc.m
	for _, sd := range m.StructDefs {
		mc.datatypeFields(sd.Handle, sd.Fields)
	}
	for _, ed := range m.EnumDefs {
		for _, v := range ed.Variants {
			mc.datatypeFields(ed.Handle, v.Fields)
		}
	}
}

// datatypeFields checks the fields of one struct or variant. Every field must
// hold the abilities required by the declared abilities of its container;
// non-phantom type parameters are assumed to hold every ability since the
// container's abilities are recomputed per instantiation.
func (mc *moduleChecker) datatypeFields(h bc.DatatypeHandleIndex, fields []bc.FieldDefinition) {
	m := mc.m
	dh := m.DatatypeHandle(h)
	loc := verrors.Location{Function: verrors.NoFunction, Offset: verrors.NoOffset, Name: dh.Name}
	assumed := make([]bc.AbilitySet, len(dh.TypeParameters))
	constraints := make([]bc.AbilitySet, len(dh.TypeParameters))
	for i, p := range dh.TypeParameters {
		constraints[i] = p.Constraints
		if p.IsPhantom {
			assumed[i] = p.Constraints
		} else {
			assumed[i] = bc.AllAbilities
		}
	}
	for _, f := range fields {
		if err := mc.validToken(loc, f.Type, positionValue); err != nil {
			mc.add(err)
			continue
		}
		if err := mc.instantiationConstraints(loc, f.Type, constraints); err != nil {
			mc.add(err)
			continue
		}
		if err := phantomPositions(loc, m, f.Type, dh); err != nil {
			mc.add(err)
			continue
		}
		have, err := m.AbilitiesOf(f.Type, assumed)
		if err != nil {
			mc.add(verrors.New(verrors.InvalidSignatureToken, loc, "field %s: %v", f.Name, err))
			continue
		}
		for _, a := range dh.Abilities.List() {
			need := a.Requires()
			if !have.Has(need) {
				mc.add(verrors.New(verrors.FieldMissingAbility, loc,
					"field %s of type %s lacks %s required by %s on %s", f.Name, f.Type, need, a, dh.Name).
					WithContext("field", f.Name))
			}
		}
	}
}

// phantomPositions rejects a phantom type parameter used as a field type or as
// a non-phantom argument of another datatype.
func phantomPositions(loc verrors.Location, m *bc.Module, t bc.SignatureToken, dh *bc.DatatypeHandle) *verrors.VerificationError {
	var walk func(t bc.SignatureToken, phantomOK bool) *verrors.VerificationError
	walk = func(t bc.SignatureToken, phantomOK bool) *verrors.VerificationError {
		switch t.Kind {
		case bc.TokTypeParameter:
			if int(t.Param) < len(dh.TypeParameters) && dh.TypeParameters[t.Param].IsPhantom && !phantomOK {
				return verrors.New(verrors.InvalidSignatureToken, loc, "phantom type parameter T%d used in a non-phantom position of %s", t.Param, dh.Name)
			}
		case bc.TokVector, bc.TokReference, bc.TokMutableReference:
			return walk(t.Inner(), false)
		case bc.TokDatatypeInstantiation:
			inner := m.DatatypeHandle(t.Handle)
			for i, a := range t.TypeArgs {
				ok := i < len(inner.TypeParameters) && inner.TypeParameters[i].IsPhantom
				if err := walk(a, ok); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(t, false)
}

// instantiationConstraints checks that every datatype instantiation inside t
// satisfies the constraints of the instantiated datatype's parameters.
func (mc *moduleChecker) instantiationConstraints(loc verrors.Location, t bc.SignatureToken, typeParams []bc.AbilitySet) *verrors.VerificationError {
	return checkInstantiations(mc.m, loc, t, typeParams)
}

func checkInstantiations(m *bc.Module, loc verrors.Location, t bc.SignatureToken, typeParams []bc.AbilitySet) *verrors.VerificationError {
	var out *verrors.VerificationError
	t.Walk(func(x bc.SignatureToken) bool {
		if out != nil {
			return false
		}
		if x.Kind != bc.TokDatatypeInstantiation {
			return true
		}
		dh := m.DatatypeHandle(x.Handle)
		constraints := make([]bc.AbilitySet, len(dh.TypeParameters))
		for i, p := range dh.TypeParameters {
			constraints[i] = p.Constraints
		}
		out = satisfies(m, loc, dh.Name, x.TypeArgs, constraints, typeParams)
		return out == nil
	})
	return out
}

// satisfies checks each type argument against the constraint of its parameter.
func satisfies(m *bc.Module, loc verrors.Location, what string, args []bc.SignatureToken, constraints, typeParams []bc.AbilitySet) *verrors.VerificationError {
	for i, a := range args {
		if i >= len(constraints) {
			break
		}
		have, err := m.AbilitiesOf(a, typeParams)
		if err != nil {
			return verrors.New(verrors.InvalidSignatureToken, loc, "type argument %d of %s: %v", i, what, err)
		}
		if !constraints[i].IsSubsetOf(have) {
			return verrors.New(verrors.AbilityConstraintViolated, loc,
				"type argument %s of %s has %s but parameter %d requires %s", a, what, have, i, constraints[i]).
				WithContext("missing", constraints[i].Difference(have).String())
		}
	}
	return nil
}

// ====== Functions ======

// entryFunctions rejects entry functions that return references.
func (mc *moduleChecker) entryFunctions() {
	m := mc.m
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		if !fd.IsEntry {
			continue
		}
		fh := m.FunctionHandle(fd.Function)
		for _, t := range m.Signatures[fh.Return] {
			if t.IsReference() {
				mc.add(verrors.New(verrors.InvalidEntryFunction, verrors.Location{Function: i, Offset: verrors.NoOffset, Name: fh.Name},
					"entry function %s returns reference %s", fh.Name, t))
			}
		}
	}
}

// operandInstantiations checks the type arguments used by the instructions
// of every body against the parameter constraints they instantiate. Generic
// bodies are checked once against their own parameter bounds, so a call site
// passing a type argument that lacks a required ability is rejected here.
func (mc *moduleChecker) operandInstantiations() {
	m := mc.m
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		if fd.Code == nil {
			continue
		}
		tps := m.FunctionHandles[fd.Function].TypeParameters
		name := m.FunctionName(bc.FunctionDefinitionIndex(i))
		for off, in := range fd.Code.Code {
			loc := verrors.Location{Function: i, Offset: off, Name: name}
			if err := mc.operandInstantiation(loc, in, tps); err != nil {
				mc.add(err)
				break
			}
		}
	}
}

func (mc *moduleChecker) operandInstantiation(loc verrors.Location, in bc.Instruction, tps []bc.AbilitySet) *verrors.VerificationError {
	m := mc.m
	var (
		what        string
		args        bc.Signature
		constraints []bc.AbilitySet
	)
	datatype := func(h bc.DatatypeHandleIndex, sig bc.SignatureIndex) {
		dh := m.DatatypeHandle(h)
		what = dh.Name
		args = m.Signatures[sig]
		constraints = make([]bc.AbilitySet, len(dh.TypeParameters))
		for i, p := range dh.TypeParameters {
			constraints[i] = p.Constraints
		}
	}
	switch in.Op.Operand() {
	case bc.OperandFunctionInstantiation:
		fi := m.FunctionInstantiations[in.Arg]
		fh := m.FunctionHandle(fi.Handle)
		what, args, constraints = fh.Name, m.Signatures[fi.TypeParameters], fh.TypeParameters
	case bc.OperandStructDefInstantiation:
		si := m.StructDefInstantiations[in.Arg]
		datatype(m.StructDef(si.Def).Handle, si.TypeParameters)
	case bc.OperandFieldInstantiation:
		fi := m.FieldInstantiations[in.Arg]
		datatype(m.StructDef(m.FieldHandles[fi.Handle].Owner).Handle, fi.TypeParameters)
	case bc.OperandVariantInstantiationHandle:
		ei := m.EnumDefInstantiations[m.VariantInstantiationHandles[in.Arg].Enum]
		datatype(m.EnumDef(ei.Def).Handle, ei.TypeParameters)
	case bc.OperandSignature:
		args = m.Signatures[in.Arg]
	default:
		return nil
	}
	for _, a := range args {
		if err := mc.validToken(loc, a, positionValue); err != nil {
			return err
		}
		if err := checkInstantiations(m, loc, a, tps); err != nil {
			return err
		}
	}
	if constraints == nil {
		return nil
	}
	return satisfies(m, loc, what, args, constraints, tps)
}
