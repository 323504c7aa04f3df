package bounds

import (
	"testing"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

func wellFormed() *bctest.ModuleBuilder {
	b := bctest.NewModule("0x1", "coin")
	sd, _ := b.Struct("Coin", bc.Abilities(bc.AbilityStore, bc.AbilityKey), bctest.Field("value", bc.U64))
	b.FieldHandle(sd, 0)
	b.Func(bctest.Fn{
		Name:   "zero",
		Params: []bc.SignatureToken{bc.U64},
		Code:   []bc.Instruction{bctest.Arg(bc.OpMoveLoc, 0), bctest.Op(bc.OpPop), bctest.Op(bc.OpRet)},
	})
	return b
}

func TestWellFormedModulePasses(t *testing.T) {
	if err := Check(wellFormed().Build(), config.Default()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestBoundsViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *bctest.ModuleBuilder)
		want   verrors.StatusCode
	}{
		{"self handle", func(b *bctest.ModuleBuilder) { b.Raw().SelfHandle = 9 }, verrors.IndexOutOfBounds},
		{"local index", func(b *bctest.ModuleBuilder) {
			b.Raw().FunctionDefs[0].Code.Code[0] = bctest.Arg(bc.OpMoveLoc, 3)
		}, verrors.IndexOutOfBounds},
		{"constant index", func(b *bctest.ModuleBuilder) {
			b.Raw().FunctionDefs[0].Code.Code[0] = bctest.Arg(bc.OpLdConst, 0)
		}, verrors.IndexOutOfBounds},
		{"field index", func(b *bctest.ModuleBuilder) { b.Raw().FieldHandles[0].Field = 4 }, verrors.IndexOutOfBounds},
		{"datatype handle in signature", func(b *bctest.ModuleBuilder) {
			b.Sig(bc.DatatypeOf(42))
		}, verrors.IndexOutOfBounds},
		{"acquires index", func(b *bctest.ModuleBuilder) {
			b.Raw().FunctionDefs[0].Acquires = []bc.StructDefinitionIndex{3}
		}, verrors.IndexOutOfBounds},
		{"duplicate field", func(b *bctest.ModuleBuilder) {
			b.Struct("Pair", bc.EmptyAbilities, bctest.Field("x", bc.U8), bctest.Field("x", bc.U8))
		}, verrors.DuplicateDefinition},
		{"duplicate struct", func(b *bctest.ModuleBuilder) {
			b.Struct("Coin", bc.EmptyAbilities)
		}, verrors.DuplicateDefinition},
		{"duplicate variant", func(b *bctest.ModuleBuilder) {
			b.Enum("Color", bc.EmptyAbilities, bctest.Variant("Red"), bctest.Variant("Red"))
		}, verrors.DuplicateDefinition},
		{"duplicate function", func(b *bctest.ModuleBuilder) {
			b.Func(bctest.Fn{Name: "zero", Code: []bc.Instruction{bctest.Op(bc.OpRet)}})
		}, verrors.DuplicateDefinition},
		{"duplicate friend", func(b *bctest.ModuleBuilder) {
			b.Friend("0x1", "a")
			b.Friend("0x01", "a")
		}, verrors.DuplicateDefinition},
		{"generic arity", func(b *bctest.ModuleBuilder) {
			_, h := b.GenericStruct("Box", bc.EmptyAbilities, []bc.DatatypeTypeParameter{{}}, bctest.Field("v", bc.TypeParam(0)))
			b.Sig(bc.DatatypeOf(h, bc.U8, bc.U8))
		}, verrors.GenericArityMismatch},
		{"non generic instantiation", func(b *bctest.ModuleBuilder) {
			b.StructInst(0, bc.U8)
		}, verrors.GenericArityMismatch},
		{"foreign definition", func(b *bctest.ModuleBuilder) {
			other := b.Import("0x2", "other")
			h := b.ImportDatatype(other, "Thing", bc.EmptyAbilities)
			b.Raw().StructDefs = append(b.Raw().StructDefs, bc.StructDefinition{Handle: h})
		}, verrors.InvalidDeclarationModule},
		{"undefined local handle", func(b *bctest.ModuleBuilder) {
			b.DeclareFunc("later", nil, nil)
		}, verrors.InvalidDeclarationModule},
		{"jump table arity", func(b *bctest.ModuleBuilder) {
			ed, _ := b.Enum("Color", bc.Abilities(bc.AbilityDrop), bctest.Variant("Red"), bctest.Variant("Blue"))
			b.Raw().FunctionDefs[0].Code.JumpTables = []bc.VariantJumpTable{{HeadEnum: ed, Targets: []bc.CodeOffset{0}}}
		}, verrors.InvalidJumpTable},
		{"u8 immediate", func(b *bctest.ModuleBuilder) {
			b.Raw().FunctionDefs[0].Code.Code[0] = bc.Instruction{Op: bc.OpLdU8, Value: 300}
		}, verrors.InvalidConstantType},
		{"u128 immediate", func(b *bctest.ModuleBuilder) {
			b.Raw().FunctionDefs[0].Code.Code[0] = bc.Instruction{Op: bc.OpLdU128, Wide: "340282366920938463463374607431768211456"}
		}, verrors.InvalidConstantType},
		{"vector signature arity", func(b *bctest.ModuleBuilder) {
			s := b.Sig(bc.U8, bc.U8)
			b.Raw().FunctionDefs[0].Code.Code[0] = bctest.Arg(bc.OpVecLen, int(s))
		}, verrors.GenericArityMismatch},
		{"type parameter outside function", func(b *bctest.ModuleBuilder) {
			s := b.Sig(bc.TypeParam(0))
			b.Raw().FunctionDefs[0].Code.Code[0] = bctest.Arg(bc.OpVecLen, int(s))
		}, verrors.IndexOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wellFormed()
			tt.mutate(b)
			err := Check(b.Build(), config.Default())
			if err == nil {
				t.Fatalf("expected %s, got nil", tt.want)
			}
			if err.Code != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, err.Code, err)
			}
		})
	}
}

func TestResourceLimits(t *testing.T) {
	c := config.Default()
	c.MaxFunctionDefinitions = 0
	c.MaxLocals = 0
	if err := Check(wellFormed().Build(), c); err != nil {
		t.Fatalf("expected zero limits to be ignored, got %v", err)
	}

	c = config.Default()
	c.MaxFunctionDefinitions = 1
	b := wellFormed()
	b.Func(bctest.Fn{Name: "other", Code: []bc.Instruction{bctest.Op(bc.OpRet)}})
	if err := Check(b.Build(), c); err == nil || err.Code != verrors.TooManyFunctions {
		t.Errorf("expected TooManyFunctions, got %v", err)
	}

	c = config.Default()
	c.MaxLocals = 2
	b = wellFormed()
	b.Func(bctest.Fn{
		Name:   "wide",
		Params: []bc.SignatureToken{bc.U8, bc.U8},
		Locals: []bc.SignatureToken{bc.U8},
		Code:   []bc.Instruction{bctest.Op(bc.OpRet)},
	})
	if err := Check(b.Build(), c); err == nil || err.Code != verrors.TooManyLocals {
		t.Errorf("expected TooManyLocals, got %v", err)
	}
}
