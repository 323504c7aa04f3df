// Package bytecode defines the in-memory form of a compiled module as handed to
// the verifier by the deserializer: handle and definition tables, signature
// tokens, abilities and instruction sequences.
package bytecode

import (
	"fmt"
	"strings"
)

// Table indices. The deserializer guarantees they fit their width; the bounds
// checker guarantees they are in range of their table.
type (
	ModuleHandleIndex               uint16
	DatatypeHandleIndex             uint16
	FunctionHandleIndex             uint16
	FieldHandleIndex                uint16
	FieldInstantiationIndex         uint16
	StructDefinitionIndex           uint16
	StructDefInstantiationIndex     uint16
	EnumDefinitionIndex             uint16
	EnumDefInstantiationIndex       uint16
	VariantHandleIndex              uint16
	VariantInstantiationHandleIndex uint16
	FunctionInstantiationIndex      uint16
	FunctionDefinitionIndex         uint16
	SignatureIndex                  uint16
	ConstantPoolIndex               uint16
	VariantJumpTableIndex           uint16
	TypeParameterIndex              uint16
	LocalIndex                      uint8
	CodeOffset                      uint16
	MemberCount                     uint16
	VariantTag                      uint16
)

// AccountAddress is the hex form of an on-chain address, e.g. "0x1".
type AccountAddress string

// Normalize lowercases the address and strips redundant leading zeros.
func (a AccountAddress) Normalize() AccountAddress {
	s := strings.ToLower(strings.TrimSpace(string(a)))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return AccountAddress("0x" + s)
}

// ModuleID identifies a published module.
type ModuleID struct {
	Address AccountAddress `json:"address"`
	Name    string         `json:"name"`
}

func (id ModuleID) String() string { return fmt.Sprintf("%s::%s", id.Address.Normalize(), id.Name) }

// Canonical returns the id with a normalized address.
func (id ModuleID) Canonical() ModuleID {
	return ModuleID{Address: id.Address.Normalize(), Name: id.Name}
}

// ParseModuleID parses "<address>::<name>".
func ParseModuleID(s string) (ModuleID, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ModuleID{}, fmt.Errorf("invalid module id %q", s)
	}
	return ModuleID{Address: AccountAddress(parts[0]).Normalize(), Name: parts[1]}, nil
}

// ModuleHandle names a module referenced by this one (including itself).
type ModuleHandle struct {
	Address AccountAddress `json:"address"`
	Name    string         `json:"name"`
}

// ID returns the canonical module id of the handle.
func (h ModuleHandle) ID() ModuleID {
	return ModuleID{Address: h.Address.Normalize(), Name: h.Name}
}

// DatatypeTypeParameter is a type parameter of a struct or enum.
type DatatypeTypeParameter struct {
	Constraints AbilitySet `json:"constraints"`
	IsPhantom   bool       `json:"is_phantom,omitempty"`
}

// DatatypeHandle refers to a struct or enum, local or imported, together with
// the abilities and type parameters this module was compiled against.
type DatatypeHandle struct {
	Module         ModuleHandleIndex       `json:"module"`
	Name           string                  `json:"name"`
	Abilities      AbilitySet              `json:"abilities"`
	TypeParameters []DatatypeTypeParameter `json:"type_parameters,omitempty"`
}

// Phantoms returns the phantom flag of each type parameter.
func (h *DatatypeHandle) Phantoms() []bool {
	out := make([]bool, len(h.TypeParameters))
	for i, p := range h.TypeParameters {
		out[i] = p.IsPhantom
	}
	return out
}

// FunctionHandle refers to a function, local or imported.
type FunctionHandle struct {
	Module         ModuleHandleIndex `json:"module"`
	Name           string            `json:"name"`
	Parameters     SignatureIndex    `json:"parameters"`
	Return         SignatureIndex    `json:"return"`
	TypeParameters []AbilitySet      `json:"type_parameters,omitempty"`
}

// FieldHandle selects a field of a struct defined in this module.
type FieldHandle struct {
	Owner StructDefinitionIndex `json:"owner"`
	Field MemberCount           `json:"field"`
}

// FieldInstantiation is a field handle used at a generic struct instantiation.
type FieldInstantiation struct {
	Handle         FieldHandleIndex `json:"handle"`
	TypeParameters SignatureIndex   `json:"type_parameters"`
}

// StructDefInstantiation is a generic struct instantiated with type arguments.
type StructDefInstantiation struct {
	Def            StructDefinitionIndex `json:"def"`
	TypeParameters SignatureIndex        `json:"type_parameters"`
}

// FunctionInstantiation is a generic function instantiated with type arguments.
type FunctionInstantiation struct {
	Handle         FunctionHandleIndex `json:"handle"`
	TypeParameters SignatureIndex      `json:"type_parameters"`
}

// EnumDefInstantiation is a generic enum instantiated with type arguments.
type EnumDefInstantiation struct {
	Def            EnumDefinitionIndex `json:"def"`
	TypeParameters SignatureIndex      `json:"type_parameters"`
}

// VariantHandle selects one variant of an enum defined in this module.
type VariantHandle struct {
	Enum    EnumDefinitionIndex `json:"enum"`
	Variant VariantTag          `json:"variant"`
}

// VariantInstantiationHandle selects one variant of a generic enum instantiation.
type VariantInstantiationHandle struct {
	Enum    EnumDefInstantiationIndex `json:"enum"`
	Variant VariantTag                `json:"variant"`
}

// Constant is an entry of the constant pool.
type Constant struct {
	Type SignatureToken `json:"type"`
	Data []byte         `json:"data"`
}

// FieldDefinition is a named field of a struct or enum variant.
type FieldDefinition struct {
	Name string         `json:"name"`
	Type SignatureToken `json:"type"`
}

// StructDefinition declares a struct of this module. Native structs carry no fields.
type StructDefinition struct {
	Handle DatatypeHandleIndex `json:"handle"`
	Native bool                `json:"native,omitempty"`
	Fields []FieldDefinition   `json:"fields,omitempty"`
}

// VariantDefinition is one variant of an enum.
type VariantDefinition struct {
	Name   string            `json:"name"`
	Fields []FieldDefinition `json:"fields,omitempty"`
}

// EnumDefinition declares an enum of this module.
type EnumDefinition struct {
	Handle   DatatypeHandleIndex `json:"handle"`
	Variants []VariantDefinition `json:"variants"`
}

// Visibility of a function definition.
type Visibility uint8

const (
	VisibilityPrivate Visibility = iota
	VisibilityPublic
	VisibilityFriend
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPrivate:
		return "private"
	case VisibilityPublic:
		return "public"
	case VisibilityFriend:
		return "friend"
	default:
		return fmt.Sprintf("visibility(%d)", uint8(v))
	}
}

func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Visibility) UnmarshalText(b []byte) error {
	switch string(b) {
	case "private", "":
		*v = VisibilityPrivate
	case "public":
		*v = VisibilityPublic
	case "friend":
		*v = VisibilityFriend
	default:
		return fmt.Errorf("unknown visibility %q", string(b))
	}
	return nil
}

// VariantJumpTable maps each variant tag of HeadEnum to a code offset.
type VariantJumpTable struct {
	HeadEnum EnumDefinitionIndex `json:"head_enum"`
	Targets  []CodeOffset        `json:"targets"`
}

// CodeUnit is the body of a function. Locals excludes the parameters, which
// occupy the first local slots.
type CodeUnit struct {
	Locals     SignatureIndex     `json:"locals"`
	Code       []Instruction      `json:"code"`
	JumpTables []VariantJumpTable `json:"jump_tables,omitempty"`
}

// FunctionDefinition declares a function of this module. A nil Code marks a
// native function.
type FunctionDefinition struct {
	Function   FunctionHandleIndex     `json:"function"`
	Visibility Visibility              `json:"visibility"`
	IsEntry    bool                    `json:"is_entry,omitempty"`
	Acquires   []StructDefinitionIndex `json:"acquires,omitempty"`
	Code       *CodeUnit               `json:"code,omitempty"`
}

// IsNative reports whether the function has no bytecode body.
func (f *FunctionDefinition) IsNative() bool { return f.Code == nil }

// Module is a compiled module.
type Module struct {
	Version    uint32            `json:"version"`
	SelfHandle ModuleHandleIndex `json:"self_handle"`

	ModuleHandles   []ModuleHandle   `json:"module_handles"`
	DatatypeHandles []DatatypeHandle `json:"datatype_handles,omitempty"`
	FunctionHandles []FunctionHandle `json:"function_handles,omitempty"`
	FieldHandles    []FieldHandle    `json:"field_handles,omitempty"`
	FriendDecls     []ModuleHandle   `json:"friend_decls,omitempty"`

	StructDefInstantiations     []StructDefInstantiation     `json:"struct_def_instantiations,omitempty"`
	FunctionInstantiations      []FunctionInstantiation      `json:"function_instantiations,omitempty"`
	FieldInstantiations         []FieldInstantiation         `json:"field_instantiations,omitempty"`
	EnumDefInstantiations       []EnumDefInstantiation       `json:"enum_def_instantiations,omitempty"`
	VariantHandles              []VariantHandle              `json:"variant_handles,omitempty"`
	VariantInstantiationHandles []VariantInstantiationHandle `json:"variant_instantiation_handles,omitempty"`

	Signatures []Signature `json:"signatures"`
	Constants  []Constant  `json:"constants,omitempty"`

	StructDefs   []StructDefinition   `json:"struct_defs,omitempty"`
	EnumDefs     []EnumDefinition     `json:"enum_defs,omitempty"`
	FunctionDefs []FunctionDefinition `json:"function_defs,omitempty"`
}

// ====== Accessors ======
// Accessors assume the module passed the bounds checker.

// SelfID returns the identity of the module.
func (m *Module) SelfID() ModuleID { return m.ModuleHandles[m.SelfHandle].ID() }

// ModuleIDOf returns the identity of the module named by handle h.
func (m *Module) ModuleIDOf(h ModuleHandleIndex) ModuleID { return m.ModuleHandles[h].ID() }

// IsSelf reports whether handle h names this module.
func (m *Module) IsSelf(h ModuleHandleIndex) bool {
	return h == m.SelfHandle || m.ModuleHandles[h].ID() == m.SelfID()
}

// Dependencies returns the distinct modules this one imports, in handle order.
func (m *Module) Dependencies() []ModuleID {
	self := m.SelfID()
	seen := make(map[ModuleID]bool)
	out := make([]ModuleID, 0, len(m.ModuleHandles))
	for _, h := range m.ModuleHandles {
		id := h.ID()
		if id == self || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (m *Module) Signature(i SignatureIndex) Signature { return m.Signatures[i] }

func (m *Module) DatatypeHandle(i DatatypeHandleIndex) *DatatypeHandle {
	return &m.DatatypeHandles[i]
}

func (m *Module) FunctionHandle(i FunctionHandleIndex) *FunctionHandle {
	return &m.FunctionHandles[i]
}

func (m *Module) StructDef(i StructDefinitionIndex) *StructDefinition { return &m.StructDefs[i] }

func (m *Module) EnumDef(i EnumDefinitionIndex) *EnumDefinition { return &m.EnumDefs[i] }

func (m *Module) FunctionDef(i FunctionDefinitionIndex) *FunctionDefinition {
	return &m.FunctionDefs[i]
}

// FunctionName returns the name of the i-th function definition.
func (m *Module) FunctionName(i FunctionDefinitionIndex) string {
	return m.FunctionHandles[m.FunctionDefs[i].Function].Name
}

// DatatypeName returns "<module>::<name>" for handle h.
func (m *Module) DatatypeName(h DatatypeHandleIndex) string {
	dh := m.DatatypeHandles[h]
	return fmt.Sprintf("%s::%s", m.ModuleHandles[dh.Module].Name, dh.Name)
}

// StructType returns the type of struct definition sd with its own type
// parameters as arguments.
func (m *Module) StructType(sd StructDefinitionIndex) SignatureToken {
	h := m.StructDefs[sd].Handle
	return m.datatypeWithFormals(h)
}

// EnumType returns the type of enum definition ed with its own type parameters
// as arguments.
func (m *Module) EnumType(ed EnumDefinitionIndex) SignatureToken {
	return m.datatypeWithFormals(m.EnumDefs[ed].Handle)
}

func (m *Module) datatypeWithFormals(h DatatypeHandleIndex) SignatureToken {
	n := len(m.DatatypeHandles[h].TypeParameters)
	if n == 0 {
		return DatatypeOf(h)
	}
	args := make([]SignatureToken, n)
	for i := range args {
		args[i] = TypeParam(TypeParameterIndex(i))
	}
	return DatatypeOf(h, args...)
}

// FieldOwnerAndType resolves a field handle to its struct definition and the
// declared (uninstantiated) field type.
func (m *Module) FieldOwnerAndType(fh FieldHandleIndex) (StructDefinitionIndex, SignatureToken) {
	h := m.FieldHandles[fh]
	return h.Owner, m.StructDefs[h.Owner].Fields[h.Field].Type
}

// LocalsOf returns parameters followed by declared locals of a function.
func (m *Module) LocalsOf(fd *FunctionDefinition) Signature {
	fh := m.FunctionHandles[fd.Function]
	params := m.Signatures[fh.Parameters]
	out := make(Signature, 0, len(params)+8)
	out = append(out, params...)
	if fd.Code != nil {
		out = append(out, m.Signatures[fd.Code.Locals]...)
	}
	return out
}

// FindStructDef returns the definition index whose handle is h.
func (m *Module) FindStructDef(h DatatypeHandleIndex) (StructDefinitionIndex, bool) {
	for i := range m.StructDefs {
		if m.StructDefs[i].Handle == h {
			return StructDefinitionIndex(i), true
		}
	}
	return 0, false
}

// FindEnumDef returns the definition index whose handle is h.
func (m *Module) FindEnumDef(h DatatypeHandleIndex) (EnumDefinitionIndex, bool) {
	for i := range m.EnumDefs {
		if m.EnumDefs[i].Handle == h {
			return EnumDefinitionIndex(i), true
		}
	}
	return 0, false
}

// FindFunctionDef returns the definition index whose handle is fh.
func (m *Module) FindFunctionDef(fh FunctionHandleIndex) (FunctionDefinitionIndex, bool) {
	for i := range m.FunctionDefs {
		if m.FunctionDefs[i].Function == fh {
			return FunctionDefinitionIndex(i), true
		}
	}
	return 0, false
}

// FindFunction returns the definition named name.
func (m *Module) FindFunction(name string) (FunctionDefinitionIndex, bool) {
	for i := range m.FunctionDefs {
		if m.FunctionHandles[m.FunctionDefs[i].Function].Name == name {
			return FunctionDefinitionIndex(i), true
		}
	}
	return 0, false
}

// AbilitiesOf computes the abilities of t, where typeParams holds the
// constraints of the enclosing function's or datatype's type parameters.
func (m *Module) AbilitiesOf(t SignatureToken, typeParams []AbilitySet) (AbilitySet, error) {
	switch t.Kind {
	case TokBool, TokU8, TokU16, TokU32, TokU64, TokU128, TokU256, TokAddress:
		return Primitives, nil
	case TokSigner:
		return SignerAbilities, nil
	case TokReference, TokMutableReference:
		return References, nil
	case TokVector:
		inner, err := m.AbilitiesOf(*t.Elem, typeParams)
		if err != nil {
			return 0, err
		}
		return inner.Intersect(VectorAbilities), nil
	case TokTypeParameter:
		if int(t.Param) >= len(typeParams) {
			return 0, fmt.Errorf("type parameter %d out of range (%d)", t.Param, len(typeParams))
		}
		return typeParams[t.Param], nil
	case TokDatatype:
		if int(t.Handle) >= len(m.DatatypeHandles) {
			return 0, fmt.Errorf("datatype handle %d out of range", t.Handle)
		}
		return m.DatatypeHandles[t.Handle].Abilities, nil
	case TokDatatypeInstantiation:
		if int(t.Handle) >= len(m.DatatypeHandles) {
			return 0, fmt.Errorf("datatype handle %d out of range", t.Handle)
		}
		dh := &m.DatatypeHandles[t.Handle]
		args := make([]AbilitySet, len(t.TypeArgs))
		for i, a := range t.TypeArgs {
			as, err := m.AbilitiesOf(a, typeParams)
			if err != nil {
				return 0, err
			}
			args[i] = as
		}
		return PolymorphicAbilities(dh.Abilities, dh.Phantoms(), args), nil
	default:
		return 0, fmt.Errorf("invalid token kind %s", t.Kind)
	}
}
