// Package bctest builds small compiled modules for tests.
package bctest

import (
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// ModuleBuilder assembles a module table by table. Signatures are interned so
// equal signatures share an index; index 0 is always the empty signature.
type ModuleBuilder struct {
	m *bc.Module
}

// NewModule starts a module named name at addr.
func NewModule(addr, name string) *ModuleBuilder {
	return &ModuleBuilder{m: &bc.Module{
		Version:       1,
		SelfHandle:    0,
		ModuleHandles: []bc.ModuleHandle{{Address: bc.AccountAddress(addr), Name: name}},
		Signatures:    []bc.Signature{{}},
	}}
}

// Build returns the assembled module.
func (b *ModuleBuilder) Build() *bc.Module { return b.m }

// Raw gives direct access for tests that need malformed tables.
func (b *ModuleBuilder) Raw() *bc.Module { return b.m }

// Import adds a module handle.
func (b *ModuleBuilder) Import(addr, name string) bc.ModuleHandleIndex {
	id := bc.ModuleHandle{Address: bc.AccountAddress(addr), Name: name}.ID()
	for i, h := range b.m.ModuleHandles {
		if h.ID() == id {
			return bc.ModuleHandleIndex(i)
		}
	}
	b.m.ModuleHandles = append(b.m.ModuleHandles, bc.ModuleHandle{Address: bc.AccountAddress(addr), Name: name})
	return bc.ModuleHandleIndex(len(b.m.ModuleHandles) - 1)
}

// Friend declares a friend module.
func (b *ModuleBuilder) Friend(addr, name string) {
	b.m.FriendDecls = append(b.m.FriendDecls, bc.ModuleHandle{Address: bc.AccountAddress(addr), Name: name})
}

// Sig interns a signature.
func (b *ModuleBuilder) Sig(tokens ...bc.SignatureToken) bc.SignatureIndex {
	s := bc.Signature(tokens)
	for i, existing := range b.m.Signatures {
		if existing.Equal(s) {
			return bc.SignatureIndex(i)
		}
	}
	b.m.Signatures = append(b.m.Signatures, s)
	return bc.SignatureIndex(len(b.m.Signatures) - 1)
}

// Field is shorthand for a field definition.
func Field(name string, t bc.SignatureToken) bc.FieldDefinition {
	return bc.FieldDefinition{Name: name, Type: t}
}

// Variant is shorthand for a variant definition.
func Variant(name string, fields ...bc.FieldDefinition) bc.VariantDefinition {
	return bc.VariantDefinition{Name: name, Fields: fields}
}

// Struct declares a non-generic struct in this module.
func (b *ModuleBuilder) Struct(name string, abilities bc.AbilitySet, fields ...bc.FieldDefinition) (bc.StructDefinitionIndex, bc.DatatypeHandleIndex) {
	return b.GenericStruct(name, abilities, nil, fields...)
}

// GenericStruct declares a struct with type parameters.
func (b *ModuleBuilder) GenericStruct(name string, abilities bc.AbilitySet, params []bc.DatatypeTypeParameter, fields ...bc.FieldDefinition) (bc.StructDefinitionIndex, bc.DatatypeHandleIndex) {
	h := b.datatypeHandle(b.m.SelfHandle, name, abilities, params)
	b.m.StructDefs = append(b.m.StructDefs, bc.StructDefinition{Handle: h, Fields: fields})
	return bc.StructDefinitionIndex(len(b.m.StructDefs) - 1), h
}

// Enum declares a non-generic enum in this module.
func (b *ModuleBuilder) Enum(name string, abilities bc.AbilitySet, variants ...bc.VariantDefinition) (bc.EnumDefinitionIndex, bc.DatatypeHandleIndex) {
	return b.GenericEnum(name, abilities, nil, variants...)
}

// GenericEnum declares an enum with type parameters.
func (b *ModuleBuilder) GenericEnum(name string, abilities bc.AbilitySet, params []bc.DatatypeTypeParameter, variants ...bc.VariantDefinition) (bc.EnumDefinitionIndex, bc.DatatypeHandleIndex) {
	h := b.datatypeHandle(b.m.SelfHandle, name, abilities, params)
	b.m.EnumDefs = append(b.m.EnumDefs, bc.EnumDefinition{Handle: h, Variants: variants})
	return bc.EnumDefinitionIndex(len(b.m.EnumDefs) - 1), h
}

// ImportDatatype adds a handle to a datatype declared in module mh.
func (b *ModuleBuilder) ImportDatatype(mh bc.ModuleHandleIndex, name string, abilities bc.AbilitySet, params ...bc.DatatypeTypeParameter) bc.DatatypeHandleIndex {
	return b.datatypeHandle(mh, name, abilities, params)
}

func (b *ModuleBuilder) datatypeHandle(mh bc.ModuleHandleIndex, name string, abilities bc.AbilitySet, params []bc.DatatypeTypeParameter) bc.DatatypeHandleIndex {
	b.m.DatatypeHandles = append(b.m.DatatypeHandles, bc.DatatypeHandle{
		Module:         mh,
		Name:           name,
		Abilities:      abilities,
		TypeParameters: params,
	})
	return bc.DatatypeHandleIndex(len(b.m.DatatypeHandles) - 1)
}

// FieldHandle adds a handle to field idx of struct sd.
func (b *ModuleBuilder) FieldHandle(sd bc.StructDefinitionIndex, idx int) bc.FieldHandleIndex {
	b.m.FieldHandles = append(b.m.FieldHandles, bc.FieldHandle{Owner: sd, Field: bc.MemberCount(idx)})
	return bc.FieldHandleIndex(len(b.m.FieldHandles) - 1)
}

// FieldInst adds a generic field instantiation.
func (b *ModuleBuilder) FieldInst(fh bc.FieldHandleIndex, args ...bc.SignatureToken) bc.FieldInstantiationIndex {
	b.m.FieldInstantiations = append(b.m.FieldInstantiations, bc.FieldInstantiation{Handle: fh, TypeParameters: b.Sig(args...)})
	return bc.FieldInstantiationIndex(len(b.m.FieldInstantiations) - 1)
}

// StructInst adds a generic struct instantiation.
func (b *ModuleBuilder) StructInst(sd bc.StructDefinitionIndex, args ...bc.SignatureToken) bc.StructDefInstantiationIndex {
	b.m.StructDefInstantiations = append(b.m.StructDefInstantiations, bc.StructDefInstantiation{Def: sd, TypeParameters: b.Sig(args...)})
	return bc.StructDefInstantiationIndex(len(b.m.StructDefInstantiations) - 1)
}

// EnumInst adds a generic enum instantiation.
func (b *ModuleBuilder) EnumInst(ed bc.EnumDefinitionIndex, args ...bc.SignatureToken) bc.EnumDefInstantiationIndex {
	b.m.EnumDefInstantiations = append(b.m.EnumDefInstantiations, bc.EnumDefInstantiation{Def: ed, TypeParameters: b.Sig(args...)})
	return bc.EnumDefInstantiationIndex(len(b.m.EnumDefInstantiations) - 1)
}

// VariantHandle adds a handle to variant tag of enum ed.
func (b *ModuleBuilder) VariantHandle(ed bc.EnumDefinitionIndex, tag int) bc.VariantHandleIndex {
	b.m.VariantHandles = append(b.m.VariantHandles, bc.VariantHandle{Enum: ed, Variant: bc.VariantTag(tag)})
	return bc.VariantHandleIndex(len(b.m.VariantHandles) - 1)
}

// VariantInst adds a handle to variant tag of a generic enum instantiation.
func (b *ModuleBuilder) VariantInst(ei bc.EnumDefInstantiationIndex, tag int) bc.VariantInstantiationHandleIndex {
	b.m.VariantInstantiationHandles = append(b.m.VariantInstantiationHandles, bc.VariantInstantiationHandle{Enum: ei, Variant: bc.VariantTag(tag)})
	return bc.VariantInstantiationHandleIndex(len(b.m.VariantInstantiationHandles) - 1)
}

// Constant adds a constant pool entry.
func (b *ModuleBuilder) Constant(t bc.SignatureToken, data []byte) bc.ConstantPoolIndex {
	b.m.Constants = append(b.m.Constants, bc.Constant{Type: t, Data: data})
	return bc.ConstantPoolIndex(len(b.m.Constants) - 1)
}

// Fn describes a function definition.
type Fn struct {
	Name       string
	Params     []bc.SignatureToken
	Returns    []bc.SignatureToken
	Locals     []bc.SignatureToken
	TypeParams []bc.AbilitySet
	Visibility bc.Visibility
	Entry      bool
	Native     bool
	Acquires   []bc.StructDefinitionIndex
	Code       []bc.Instruction
	JumpTables []bc.VariantJumpTable
}

// Func declares a function in this module and returns its definition and
// handle indices.
func (b *ModuleBuilder) Func(f Fn) (bc.FunctionDefinitionIndex, bc.FunctionHandleIndex) {
	fh := b.functionHandle(b.m.SelfHandle, f.Name, f.Params, f.Returns, f.TypeParams)
	def := bc.FunctionDefinition{
		Function:   fh,
		Visibility: f.Visibility,
		IsEntry:    f.Entry,
		Acquires:   f.Acquires,
	}
	if !f.Native {
		def.Code = &bc.CodeUnit{Locals: b.Sig(f.Locals...), Code: f.Code, JumpTables: f.JumpTables}
	}
	b.m.FunctionDefs = append(b.m.FunctionDefs, def)
	return bc.FunctionDefinitionIndex(len(b.m.FunctionDefs) - 1), fh
}

// DeclareFunc adds a handle for a function of this module whose definition is
// supplied later with Define; it lets bodies call functions declared after them.
func (b *ModuleBuilder) DeclareFunc(name string, params, returns []bc.SignatureToken, typeParams ...bc.AbilitySet) bc.FunctionHandleIndex {
	return b.functionHandle(b.m.SelfHandle, name, params, returns, typeParams)
}

// Define attaches a definition to a handle created by DeclareFunc.
func (b *ModuleBuilder) Define(fh bc.FunctionHandleIndex, f Fn) bc.FunctionDefinitionIndex {
	def := bc.FunctionDefinition{Function: fh, Visibility: f.Visibility, IsEntry: f.Entry, Acquires: f.Acquires}
	if !f.Native {
		def.Code = &bc.CodeUnit{Locals: b.Sig(f.Locals...), Code: f.Code, JumpTables: f.JumpTables}
	}
	b.m.FunctionDefs = append(b.m.FunctionDefs, def)
	return bc.FunctionDefinitionIndex(len(b.m.FunctionDefs) - 1)
}

// ImportFunc adds a handle to a function declared in module mh.
func (b *ModuleBuilder) ImportFunc(mh bc.ModuleHandleIndex, name string, params, returns []bc.SignatureToken, typeParams ...bc.AbilitySet) bc.FunctionHandleIndex {
	return b.functionHandle(mh, name, params, returns, typeParams)
}

// FuncInst adds a generic function instantiation.
func (b *ModuleBuilder) FuncInst(fh bc.FunctionHandleIndex, args ...bc.SignatureToken) bc.FunctionInstantiationIndex {
	b.m.FunctionInstantiations = append(b.m.FunctionInstantiations, bc.FunctionInstantiation{Handle: fh, TypeParameters: b.Sig(args...)})
	return bc.FunctionInstantiationIndex(len(b.m.FunctionInstantiations) - 1)
}

func (b *ModuleBuilder) functionHandle(mh bc.ModuleHandleIndex, name string, params, returns []bc.SignatureToken, typeParams []bc.AbilitySet) bc.FunctionHandleIndex {
	b.m.FunctionHandles = append(b.m.FunctionHandles, bc.FunctionHandle{
		Module:         mh,
		Name:           name,
		Parameters:     b.Sig(params...),
		Return:         b.Sig(returns...),
		TypeParameters: typeParams,
	})
	return bc.FunctionHandleIndex(len(b.m.FunctionHandles) - 1)
}

// Instruction shorthands used by tests.

func Op(op bc.Opcode) bc.Instruction           { return bc.Op0(op) }
func Arg(op bc.Opcode, arg int) bc.Instruction { return bc.I(op, uint32(arg)) }
func LdU64(v uint64) bc.Instruction            { return bc.Instruction{Op: bc.OpLdU64, Value: v} }
func LdU8(v uint8) bc.Instruction              { return bc.Instruction{Op: bc.OpLdU8, Value: uint64(v)} }
func VecPack(sig bc.SignatureIndex, n int) bc.Instruction {
	return bc.Instruction{Op: bc.OpVecPack, Arg: uint32(sig), Value: uint64(n)}
}
func VecUnpack(sig bc.SignatureIndex, n int) bc.Instruction {
	return bc.Instruction{Op: bc.OpVecUnpack, Arg: uint32(sig), Value: uint64(n)}
}
