package bytecode

import "fmt"

// Opcode identifies a bytecode instruction.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpPop
	OpRet
	OpBrTrue
	OpBrFalse
	OpBranch
	OpLdU8
	OpLdU16
	OpLdU32
	OpLdU64
	OpLdU128
	OpLdU256
	OpCastU8
	OpCastU16
	OpCastU32
	OpCastU64
	OpCastU128
	OpCastU256
	OpLdConst
	OpLdTrue
	OpLdFalse
	OpCopyLoc
	OpMoveLoc
	OpStLoc
	OpMutBorrowLoc
	OpImmBorrowLoc
	OpMutBorrowField
	OpMutBorrowFieldGeneric
	OpImmBorrowField
	OpImmBorrowFieldGeneric
	OpCall
	OpCallGeneric
	OpPack
	OpPackGeneric
	OpUnpack
	OpUnpackGeneric
	OpReadRef
	OpWriteRef
	OpFreezeRef
	OpAdd
	OpSub
	OpMul
	OpMod
	OpDiv
	OpBitOr
	OpBitAnd
	OpXor
	OpOr
	OpAnd
	OpNot
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLe
	OpGe
	OpShl
	OpShr
	OpAbort
	OpExists
	OpExistsGeneric
	OpMutBorrowGlobal
	OpMutBorrowGlobalGeneric
	OpImmBorrowGlobal
	OpImmBorrowGlobalGeneric
	OpMoveFrom
	OpMoveFromGeneric
	OpMoveTo
	OpMoveToGeneric
	OpVecPack
	OpVecLen
	OpVecImmBorrow
	OpVecMutBorrow
	OpVecPushBack
	OpVecPopBack
	OpVecUnpack
	OpVecSwap
	OpPackVariant
	OpPackVariantGeneric
	OpUnpackVariant
	OpUnpackVariantImmRef
	OpUnpackVariantMutRef
	OpUnpackVariantGeneric
	OpUnpackVariantGenericImmRef
	OpUnpackVariantGenericMutRef
	OpVariantSwitch

	numOpcodes
)

// OperandKind says which table, if any, an instruction's Arg indexes.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandLocal
	OperandConstant
	OperandCodeOffset
	OperandFunctionHandle
	OperandFunctionInstantiation
	OperandStructDef
	OperandStructDefInstantiation
	OperandFieldHandle
	OperandFieldInstantiation
	OperandSignature
	OperandVariantHandle
	OperandVariantInstantiationHandle
	OperandJumpTable
	OperandImmediate
	OperandWideImmediate
)

func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandLocal:
		return "local"
	case OperandConstant:
		return "constant"
	case OperandCodeOffset:
		return "code offset"
	case OperandFunctionHandle:
		return "function handle"
	case OperandFunctionInstantiation:
		return "function instantiation"
	case OperandStructDef:
		return "struct definition"
	case OperandStructDefInstantiation:
		return "struct instantiation"
	case OperandFieldHandle:
		return "field handle"
	case OperandFieldInstantiation:
		return "field instantiation"
	case OperandSignature:
		return "signature"
	case OperandVariantHandle:
		return "variant handle"
	case OperandVariantInstantiationHandle:
		return "variant instantiation handle"
	case OperandJumpTable:
		return "jump table"
	case OperandImmediate:
		return "immediate"
	case OperandWideImmediate:
		return "wide immediate"
	default:
		return "operand?"
	}
}

type opInfo struct {
	name    string
	operand OperandKind
}

var opTable = [numOpcodes]opInfo{
	OpNop:                        {"Nop", OperandNone},
	OpPop:                        {"Pop", OperandNone},
	OpRet:                        {"Ret", OperandNone},
	OpBrTrue:                     {"BrTrue", OperandCodeOffset},
	OpBrFalse:                    {"BrFalse", OperandCodeOffset},
	OpBranch:                     {"Branch", OperandCodeOffset},
	OpLdU8:                       {"LdU8", OperandImmediate},
	OpLdU16:                      {"LdU16", OperandImmediate},
	OpLdU32:                      {"LdU32", OperandImmediate},
	OpLdU64:                      {"LdU64", OperandImmediate},
	OpLdU128:                     {"LdU128", OperandWideImmediate},
	OpLdU256:                     {"LdU256", OperandWideImmediate},
	OpCastU8:                     {"CastU8", OperandNone},
	OpCastU16:                    {"CastU16", OperandNone},
	OpCastU32:                    {"CastU32", OperandNone},
	OpCastU64:                    {"CastU64", OperandNone},
	OpCastU128:                   {"CastU128", OperandNone},
	OpCastU256:                   {"CastU256", OperandNone},
	OpLdConst:                    {"LdConst", OperandConstant},
	OpLdTrue:                     {"LdTrue", OperandNone},
	OpLdFalse:                    {"LdFalse", OperandNone},
	OpCopyLoc:                    {"CopyLoc", OperandLocal},
	OpMoveLoc:                    {"MoveLoc", OperandLocal},
	OpStLoc:                      {"StLoc", OperandLocal},
	OpMutBorrowLoc:               {"MutBorrowLoc", OperandLocal},
	OpImmBorrowLoc:               {"ImmBorrowLoc", OperandLocal},
	OpMutBorrowField:             {"MutBorrowField", OperandFieldHandle},
	OpMutBorrowFieldGeneric:      {"MutBorrowFieldGeneric", OperandFieldInstantiation},
	OpImmBorrowField:             {"ImmBorrowField", OperandFieldHandle},
	OpImmBorrowFieldGeneric:      {"ImmBorrowFieldGeneric", OperandFieldInstantiation},
	OpCall:                       {"Call", OperandFunctionHandle},
	OpCallGeneric:                {"CallGeneric", OperandFunctionInstantiation},
	OpPack:                       {"Pack", OperandStructDef},
	OpPackGeneric:                {"PackGeneric", OperandStructDefInstantiation},
	OpUnpack:                     {"Unpack", OperandStructDef},
	OpUnpackGeneric:              {"UnpackGeneric", OperandStructDefInstantiation},
	OpReadRef:                    {"ReadRef", OperandNone},
	OpWriteRef:                   {"WriteRef", OperandNone},
	OpFreezeRef:                  {"FreezeRef", OperandNone},
	OpAdd:                        {"Add", OperandNone},
	OpSub:                        {"Sub", OperandNone},
	OpMul:                        {"Mul", OperandNone},
	OpMod:                        {"Mod", OperandNone},
	OpDiv:                        {"Div", OperandNone},
	OpBitOr:                      {"BitOr", OperandNone},
	OpBitAnd:                     {"BitAnd", OperandNone},
	OpXor:                        {"Xor", OperandNone},
	OpOr:                         {"Or", OperandNone},
	OpAnd:                        {"And", OperandNone},
	OpNot:                        {"Not", OperandNone},
	OpEq:                         {"Eq", OperandNone},
	OpNeq:                        {"Neq", OperandNone},
	OpLt:                         {"Lt", OperandNone},
	OpGt:                         {"Gt", OperandNone},
	OpLe:                         {"Le", OperandNone},
	OpGe:                         {"Ge", OperandNone},
	OpShl:                        {"Shl", OperandNone},
	OpShr:                        {"Shr", OperandNone},
	OpAbort:                      {"Abort", OperandNone},
	OpExists:                     {"Exists", OperandStructDef},
	OpExistsGeneric:              {"ExistsGeneric", OperandStructDefInstantiation},
	OpMutBorrowGlobal:            {"MutBorrowGlobal", OperandStructDef},
	OpMutBorrowGlobalGeneric:     {"MutBorrowGlobalGeneric", OperandStructDefInstantiation},
	OpImmBorrowGlobal:            {"ImmBorrowGlobal", OperandStructDef},
	OpImmBorrowGlobalGeneric:     {"ImmBorrowGlobalGeneric", OperandStructDefInstantiation},
	OpMoveFrom:                   {"MoveFrom", OperandStructDef},
	OpMoveFromGeneric:            {"MoveFromGeneric", OperandStructDefInstantiation},
	OpMoveTo:                     {"MoveTo", OperandStructDef},
	OpMoveToGeneric:              {"MoveToGeneric", OperandStructDefInstantiation},
	OpVecPack:                    {"VecPack", OperandSignature},
	OpVecLen:                     {"VecLen", OperandSignature},
	OpVecImmBorrow:               {"VecImmBorrow", OperandSignature},
	OpVecMutBorrow:               {"VecMutBorrow", OperandSignature},
	OpVecPushBack:                {"VecPushBack", OperandSignature},
	OpVecPopBack:                 {"VecPopBack", OperandSignature},
	OpVecUnpack:                  {"VecUnpack", OperandSignature},
	OpVecSwap:                    {"VecSwap", OperandSignature},
	OpPackVariant:                {"PackVariant", OperandVariantHandle},
	OpPackVariantGeneric:         {"PackVariantGeneric", OperandVariantInstantiationHandle},
	OpUnpackVariant:              {"UnpackVariant", OperandVariantHandle},
	OpUnpackVariantImmRef:        {"UnpackVariantImmRef", OperandVariantHandle},
	OpUnpackVariantMutRef:        {"UnpackVariantMutRef", OperandVariantHandle},
	OpUnpackVariantGeneric:       {"UnpackVariantGeneric", OperandVariantInstantiationHandle},
	OpUnpackVariantGenericImmRef: {"UnpackVariantGenericImmRef", OperandVariantInstantiationHandle},
	OpUnpackVariantGenericMutRef: {"UnpackVariantGenericMutRef", OperandVariantInstantiationHandle},
	OpVariantSwitch:              {"VariantSwitch", OperandJumpTable},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for i, info := range opTable {
		m[info.name] = Opcode(i)
	}
	return m
}()

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool { return op < numOpcodes }

func (op Opcode) String() string {
	if op.Valid() {
		return opTable[op].name
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Operand returns the kind of table the instruction argument indexes.
func (op Opcode) Operand() OperandKind {
	if !op.Valid() {
		return OperandNone
	}
	return opTable[op].operand
}

func (op Opcode) MarshalText() ([]byte, error) { return []byte(op.String()), nil }

func (op *Opcode) UnmarshalText(b []byte) error {
	o, ok := opByName[string(b)]
	if !ok {
		return fmt.Errorf("unknown opcode %q", string(b))
	}
	*op = o
	return nil
}

// IsUnconditionalBranch reports instructions that never fall through.
func (op Opcode) IsUnconditionalBranch() bool {
	switch op {
	case OpRet, OpAbort, OpBranch, OpVariantSwitch:
		return true
	}
	return false
}

// IsConditionalBranch reports instructions that may jump or fall through.
func (op Opcode) IsConditionalBranch() bool {
	return op == OpBrTrue || op == OpBrFalse
}

// IsBranch reports any instruction that transfers control to an offset.
func (op Opcode) IsBranch() bool {
	return op == OpBranch || op.IsConditionalBranch() || op == OpVariantSwitch
}

// IsExit reports instructions that leave the function.
func (op Opcode) IsExit() bool { return op == OpRet || op == OpAbort }

// IsGlobalAccess reports instructions that touch global storage.
func (op Opcode) IsGlobalAccess() bool {
	switch op {
	case OpExists, OpExistsGeneric, OpMutBorrowGlobal, OpMutBorrowGlobalGeneric,
		OpImmBorrowGlobal, OpImmBorrowGlobalGeneric, OpMoveFrom, OpMoveFromGeneric,
		OpMoveTo, OpMoveToGeneric:
		return true
	}
	return false
}

// Instruction is one bytecode instruction. Arg holds the table index, local
// index or branch target selected by the opcode's operand kind. Value holds
// small immediates and the element count of VecPack/VecUnpack. Wide holds the
// decimal literal of LdU128/LdU256.
type Instruction struct {
	Op    Opcode `json:"op"`
	Arg   uint32 `json:"arg,omitempty"`
	Value uint64 `json:"value,omitempty"`
	Wide  string `json:"wide,omitempty"`
}

// I builds an instruction with an argument.
func I(op Opcode, arg uint32) Instruction { return Instruction{Op: op, Arg: arg} }

// Op0 builds an instruction without operands.
func Op0(op Opcode) Instruction { return Instruction{Op: op} }

func (in Instruction) String() string {
	switch in.Op.Operand() {
	case OperandNone:
		return in.Op.String()
	case OperandImmediate:
		return fmt.Sprintf("%s(%d)", in.Op, in.Value)
	case OperandWideImmediate:
		return fmt.Sprintf("%s(%s)", in.Op, in.Wide)
	case OperandSignature:
		if in.Op == OpVecPack || in.Op == OpVecUnpack {
			return fmt.Sprintf("%s(%d, %d)", in.Op, in.Arg, in.Value)
		}
		return fmt.Sprintf("%s(%d)", in.Op, in.Arg)
	default:
		return fmt.Sprintf("%s(%d)", in.Op, in.Arg)
	}
}
