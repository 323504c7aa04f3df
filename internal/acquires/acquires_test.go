package acquires

import (
	"testing"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

func protocol(t *testing.T, v uint64) config.Config {
	t.Helper()
	c, err := config.ForProtocol(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func resourceModule() (*bctest.ModuleBuilder, bc.StructDefinitionIndex) {
	b := bctest.NewModule("0x1", "bank")
	sd, _ := b.Struct("Balance", bc.Abilities(bc.AbilityKey), bctest.Field("v", bc.U64))
	return b, sd
}

func borrowAndDrop(sd bc.StructDefinitionIndex) []bc.Instruction {
	return []bc.Instruction{
		bctest.Arg(bc.OpMoveLoc, 0),
		bctest.Arg(bc.OpImmBorrowGlobal, int(sd)),
		bctest.Op(bc.OpPop),
		bctest.Op(bc.OpRet),
	}
}

func TestDeclaredAccessAccepted(t *testing.T) {
	b, sd := resourceModule()
	fn, _ := b.Func(bctest.Fn{
		Name:     "peek",
		Params:   []bc.SignatureToken{bc.Address},
		Acquires: []bc.StructDefinitionIndex{sd},
		Code:     borrowAndDrop(sd),
	})
	for v := uint64(1); v <= config.LatestProtocolVersion; v++ {
		if err := CheckFunction(b.Build(), fn, protocol(t, v)); err != nil {
			t.Errorf("protocol %d: expected acceptance, got %v", v, err)
		}
	}
}

func TestUndeclaredAccess(t *testing.T) {
	b, sd := resourceModule()
	fn, _ := b.Func(bctest.Fn{
		Name:   "peek",
		Params: []bc.SignatureToken{bc.Address},
		Code:   borrowAndDrop(sd),
	})
	err := CheckFunction(b.Build(), fn, protocol(t, 3))
	if err == nil || err.Code != verrors.MissingAcquires {
		t.Fatalf("expected MissingAcquires, got %v", err)
	}
	if err.Location.Offset != 1 {
		t.Errorf("expected offset 1, got %d", err.Location.Offset)
	}
}

func TestUnusedDeclarationDependsOnPolicy(t *testing.T) {
	b, sd := resourceModule()
	fn, _ := b.Func(bctest.Fn{
		Name:     "noop",
		Acquires: []bc.StructDefinitionIndex{sd},
		Code:     []bc.Instruction{bctest.Op(bc.OpRet)},
	})
	m := b.Build()

	err := CheckFunction(m, fn, protocol(t, 1))
	if err == nil || err.Code != verrors.ExtraneousAcquires {
		t.Fatalf("expected ExtraneousAcquires under strict policy, got %v", err)
	}
	if err := CheckFunction(m, fn, protocol(t, 2)); err != nil {
		t.Errorf("expected acceptance under may-touch policy, got %v", err)
	}
}

func TestTransitiveCallAccess(t *testing.T) {
	b, sd := resourceModule()
	_, take := b.Func(bctest.Fn{
		Name:     "take",
		Params:   []bc.SignatureToken{bc.Address},
		Acquires: []bc.StructDefinitionIndex{sd},
		Code:     borrowAndDrop(sd),
	})
	fn, _ := b.Func(bctest.Fn{
		Name:   "outer",
		Params: []bc.SignatureToken{bc.Address},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpCall, int(take)),
			bctest.Op(bc.OpRet),
		},
	})
	m := b.Build()

	err := CheckFunction(m, fn, protocol(t, 2))
	if err == nil || err.Code != verrors.MissingAcquires {
		t.Fatalf("expected MissingAcquires with transitive policy, got %v", err)
	}
	if err := CheckFunction(m, fn, protocol(t, 3)); err != nil {
		t.Errorf("expected acceptance with direct-only policy, got %v", err)
	}
}

func TestMoveToCounting(t *testing.T) {
	b, sd := resourceModule()
	fn, _ := b.Func(bctest.Fn{
		Name:   "publish",
		Params: []bc.SignatureToken{bc.RefOf(bc.Signer)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.LdU64(0),
			bctest.Arg(bc.OpPack, int(sd)),
			bctest.Arg(bc.OpMoveTo, int(sd)),
			bctest.Op(bc.OpRet),
		},
	})
	m := b.Build()
	c := protocol(t, 3)
	if err := CheckFunction(m, fn, c); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	c.Acquires.CountMoveTo = true
	if err := CheckFunction(m, fn, c); err == nil || err.Code != verrors.MissingAcquires {
		t.Fatalf("expected MissingAcquires when move_to counts, got %v", err)
	}
}

func TestInvalidDeclarations(t *testing.T) {
	b, sd := resourceModule()
	plain, _ := b.Struct("Plain", bc.Abilities(bc.AbilityDrop), bctest.Field("v", bc.U64))
	dup, _ := b.Func(bctest.Fn{
		Name:     "dup",
		Acquires: []bc.StructDefinitionIndex{sd, sd},
		Native:   true,
	})
	nokey, _ := b.Func(bctest.Fn{
		Name:     "nokey",
		Acquires: []bc.StructDefinitionIndex{plain},
		Native:   true,
	})
	m := b.Build()
	c := protocol(t, 1)
	for _, fn := range []bc.FunctionDefinitionIndex{dup, nokey} {
		if err := CheckFunction(m, fn, c); err == nil || err.Code != verrors.InvalidAcquires {
			t.Errorf("%s: expected InvalidAcquires, got %v", m.FunctionName(fn), err)
		}
	}
	if got := len(Check(m, c)); got != 2 {
		t.Errorf("expected 2 violations, got %d", got)
	}
}

func TestAccessesOrder(t *testing.T) {
	b, sd := resourceModule()
	fn, _ := b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.Address},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpExists, int(sd)),
			bctest.Op(bc.OpPop),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMoveFrom, int(sd)),
			bctest.Arg(bc.OpUnpack, int(sd)),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	got := Accesses(b.Build(), fn, config.AcquiresPolicy{Mode: config.AcquiresStrict})
	if len(got) != 1 || got[0].Offset != 4 {
		t.Fatalf("expected a single access at offset 4, got %+v", got)
	}
}
