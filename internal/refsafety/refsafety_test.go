package refsafety

import (
	"context"
	"testing"

	"github.com/orizon-lang/bcverify/internal/bounds"
	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/cfg"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/typecheck"
)

// checkFn requires the named function to be well typed and returns the
// result of the borrow analysis.
func checkFn(t *testing.T, m *bc.Module, name string) *verrors.VerificationError {
	t.Helper()
	c := config.Default()
	if err := bounds.Check(m, c); err != nil {
		t.Fatalf("bounds check failed: %v", err)
	}
	fn, ok := m.FindFunction(name)
	if !ok {
		t.Fatalf("function %s not found", name)
	}
	g, verr := cfg.Build(int(fn), m.FunctionDef(fn).Code, c)
	if verr != nil {
		t.Fatalf("cfg build failed: %v", verr)
	}
	verr, err := typecheck.CheckFunction(context.Background(), m, fn, g, c)
	if err != nil || verr != nil {
		t.Fatalf("type check failed: %v %v", verr, err)
	}
	verr, err = CheckFunction(context.Background(), m, fn, g, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return verr
}

func expectCode(t *testing.T, got *verrors.VerificationError, want verrors.StatusCode, offset int) {
	t.Helper()
	if got == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got.Code != want {
		t.Fatalf("expected %s, got %s (%v)", want, got.Code, got)
	}
	if got.Location.Offset != offset {
		t.Errorf("expected offset %d, got %d", offset, got.Location.Offset)
	}
}

func expectAccepted(t *testing.T, got *verrors.VerificationError) {
	t.Helper()
	if got != nil {
		t.Fatalf("expected acceptance, got %v", got)
	}
}

func pairStruct(b *bctest.ModuleBuilder) (bc.SignatureToken, bc.FieldHandleIndex, bc.FieldHandleIndex) {
	sd, h := b.Struct("Pair", bc.Abilities(bc.AbilityCopy, bc.AbilityDrop),
		bctest.Field("a", bc.U64), bctest.Field("b", bc.U64))
	return bc.DatatypeOf(h), b.FieldHandle(sd, 0), b.FieldHandle(sd, 1)
}

func TestMoveOfBorrowedLocal(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64},
		Locals: []bc.SignatureToken{bc.RefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpImmBorrowLoc, 0),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Op(bc.OpPop),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpReadRef),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 2)
}

func TestReturnBorrowOfLocal(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:    "f",
		Params:  []bc.SignatureToken{bc.U64},
		Returns: []bc.SignatureToken{bc.RefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpImmBorrowLoc, 0),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.ReferenceEscapesScope, 1)
}

func TestReturnDisjointFieldsOfParameter(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	pair, fa, fb := pairStruct(b)
	b.Func(bctest.Fn{
		Name:    "split",
		Params:  []bc.SignatureToken{bc.MutRefOf(pair)},
		Returns: []bc.SignatureToken{bc.MutRefOf(bc.U64), bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fa)),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fb)),
			bctest.Op(bc.OpRet),
		},
	})
	expectAccepted(t, checkFn(t, b.Build(), "split"))
}

func TestReturnSameFieldTwice(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	pair, fa, _ := pairStruct(b)
	b.Func(bctest.Fn{
		Name:    "f",
		Params:  []bc.SignatureToken{bc.MutRefOf(pair)},
		Returns: []bc.SignatureToken{bc.MutRefOf(bc.U64), bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fa)),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fa)),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.AliasedMutableBorrow, 3)
}

func TestSharedBorrowsAccepted(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpImmBorrowLoc, 0),
			bctest.Arg(bc.OpImmBorrowLoc, 0),
			bctest.Op(bc.OpReadRef),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpReadRef),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectAccepted(t, checkFn(t, b.Build(), "f"))
}

func TestSecondMutableBorrowOfLocal(t *testing.T) {
	tests := []struct {
		name   string
		second bc.Opcode
	}{
		{"mutable", bc.OpMutBorrowLoc},
		{"immutable", bc.OpImmBorrowLoc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bctest.NewModule("0x1", "m")
			b.Func(bctest.Fn{
				Name:   "f",
				Params: []bc.SignatureToken{bc.U64},
				Code: []bc.Instruction{
					bctest.Arg(bc.OpMutBorrowLoc, 0),
					bctest.Arg(tt.second, 0),
					bctest.Op(bc.OpPop),
					bctest.Op(bc.OpPop),
					bctest.Op(bc.OpRet),
				},
			})
			expectCode(t, checkFn(t, b.Build(), "f"), verrors.AliasedMutableBorrow, 1)
		})
	}
}

func TestWriteWhileFrozenCopyIsLive(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64},
		Locals: []bc.SignatureToken{bc.MutRefOf(bc.U64), bc.RefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMutBorrowLoc, 0),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpCopyLoc, 1),
			bctest.Op(bc.OpFreezeRef),
			bctest.Arg(bc.OpStLoc, 2),
			bctest.LdU64(5),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpWriteRef),
			bctest.Arg(bc.OpMoveLoc, 2),
			bctest.Op(bc.OpReadRef),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 7)
}

func TestFieldReborrowAccepted(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	pair, fa, fb := pairStruct(b)
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.MutRefOf(pair)},
		Locals: []bc.SignatureToken{bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fa)),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpImmBorrowField, int(fb)),
			bctest.Op(bc.OpReadRef),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpWriteRef),
			bctest.LdU64(1),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMutBorrowField, int(fb)),
			bctest.Op(bc.OpWriteRef),
			bctest.Op(bc.OpRet),
		},
	})
	expectAccepted(t, checkFn(t, b.Build(), "f"))
}

// The loop swaps two mutable references. Each path keeps them disjoint, but
// after the back edge each may point at either local.
func TestLoopSwappingMutableReferences(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Locals: []bc.SignatureToken{bc.U64, bc.U64, bc.MutRefOf(bc.U64), bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.LdU64(1),
			bctest.Arg(bc.OpStLoc, 0),
			bctest.LdU64(2),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpMutBorrowLoc, 0),
			bctest.Arg(bc.OpStLoc, 2),
			bctest.Arg(bc.OpMutBorrowLoc, 1),
			bctest.Arg(bc.OpStLoc, 3),
			bctest.Op(bc.OpLdTrue), // loop head
			bctest.Arg(bc.OpBrFalse, 15),
			bctest.Arg(bc.OpMoveLoc, 2),
			bctest.Arg(bc.OpMoveLoc, 3),
			bctest.Arg(bc.OpStLoc, 2),
			bctest.Arg(bc.OpStLoc, 3),
			bctest.Arg(bc.OpBranch, 8),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.AliasedMutableBorrow, 8)
}

func TestLoopReleasingBorrowAccepted(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64, bc.Bool},
		Code: []bc.Instruction{
			bctest.LdU64(1),
			bctest.Arg(bc.OpMutBorrowLoc, 0),
			bctest.Op(bc.OpWriteRef),
			bctest.Arg(bc.OpCopyLoc, 1),
			bctest.Arg(bc.OpBrTrue, 0),
			bctest.Op(bc.OpRet),
		},
	})
	expectAccepted(t, checkFn(t, b.Build(), "f"))
}

func TestBorrowLiveOnOnePathIsDropped(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64, bc.Bool},
		Locals: []bc.SignatureToken{bc.RefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Arg(bc.OpBrTrue, 4),
			bctest.Arg(bc.OpImmBorrowLoc, 0),
			bctest.Arg(bc.OpStLoc, 2),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectAccepted(t, checkFn(t, b.Build(), "f"))
}

func globalModule() (*bctest.ModuleBuilder, bc.StructDefinitionIndex) {
	b := bctest.NewModule("0x1", "m")
	sd, _ := b.Struct("Balance", bc.Abilities(bc.AbilityKey), bctest.Field("v", bc.U64))
	return b, sd
}

func TestTwoMutableBorrowsOfSameResource(t *testing.T) {
	b, sd := globalModule()
	b.Func(bctest.Fn{
		Name:     "f",
		Params:   []bc.SignatureToken{bc.Address, bc.Address},
		Acquires: []bc.StructDefinitionIndex{sd},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMutBorrowGlobal, int(sd)),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Arg(bc.OpMutBorrowGlobal, int(sd)),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.AliasedMutableBorrow, 3)
}

func TestMoveFromWhileBorrowed(t *testing.T) {
	b, sd := globalModule()
	b.Func(bctest.Fn{
		Name:     "f",
		Params:   []bc.SignatureToken{bc.Address},
		Locals:   []bc.SignatureToken{bc.RefOf(bc.DatatypeOf(b.Raw().StructDefs[sd].Handle))},
		Acquires: []bc.StructDefinitionIndex{sd},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpImmBorrowGlobal, int(sd)),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpMoveFrom, int(sd)),
			bctest.Arg(bc.OpUnpack, int(sd)),
			bctest.Op(bc.OpPop),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 4)
}

func TestReentrantAcquire(t *testing.T) {
	b, sd := globalModule()
	_, take := b.Func(bctest.Fn{
		Name:     "take",
		Params:   []bc.SignatureToken{bc.Address},
		Acquires: []bc.StructDefinitionIndex{sd},
		Native:   true,
	})
	b.Func(bctest.Fn{
		Name:     "f",
		Params:   []bc.SignatureToken{bc.Address},
		Acquires: []bc.StructDefinitionIndex{sd},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.Arg(bc.OpImmBorrowGlobal, int(sd)),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Arg(bc.OpCall, int(take)),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.ReentrantAcquire, 3)
}

func TestVectorPushWhileElementBorrowed(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	elem := b.Sig(bc.U64)
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.MutRefOf(bc.VectorOf(bc.U64))},
		Locals: []bc.SignatureToken{bc.RefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpCopyLoc, 0),
			bctest.LdU64(0),
			bctest.Arg(bc.OpVecImmBorrow, int(elem)),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.LdU64(7),
			bctest.Arg(bc.OpVecPushBack, int(elem)),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpReadRef),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 6)
}

func TestCallWithCopiedMutableReference(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	_, both := b.Func(bctest.Fn{
		Name:   "both",
		Params: []bc.SignatureToken{bc.MutRefOf(bc.U64), bc.MutRefOf(bc.U64)},
		Native: true,
	})
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64},
		Locals: []bc.SignatureToken{bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMutBorrowLoc, 0),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpCopyLoc, 1),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Arg(bc.OpCall, int(both)),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 4)
}

func TestCallResultBorrowsFromArgument(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	_, id := b.Func(bctest.Fn{
		Name:    "id",
		Params:  []bc.SignatureToken{bc.MutRefOf(bc.U64)},
		Returns: []bc.SignatureToken{bc.MutRefOf(bc.U64)},
		Native:  true,
	})
	b.Func(bctest.Fn{
		Name:   "f",
		Params: []bc.SignatureToken{bc.U64},
		Locals: []bc.SignatureToken{bc.MutRefOf(bc.U64)},
		Code: []bc.Instruction{
			bctest.Arg(bc.OpMutBorrowLoc, 0),
			bctest.Arg(bc.OpCall, int(id)),
			bctest.Arg(bc.OpStLoc, 1),
			bctest.Arg(bc.OpMoveLoc, 0),
			bctest.Op(bc.OpPop),
			bctest.Arg(bc.OpMoveLoc, 1),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	expectCode(t, checkFn(t, b.Build(), "f"), verrors.DanglingReference, 3)
}

func TestPathOverlap(t *testing.T) {
	l0 := label{kind: labelLocal}
	fa := label{kind: labelField, index: 0}
	fb := label{kind: labelField, index: 1}
	elem := label{kind: labelElem}
	tests := []struct {
		name string
		p, q path
		want bool
	}{
		{"prefix", path{l0}, path{l0, fa}, true},
		{"siblings", path{l0, fa}, path{l0, fb}, false},
		{"elements", path{l0, elem, fa}, path{l0, elem}, true},
		{"roots", path{l0}, path{{kind: labelLocal, index: 1}}, false},
	}
	for _, tt := range tests {
		if got := tt.p.overlaps(tt.q); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestPathSetCollapsesToRoots(t *testing.T) {
	var s pathSet
	for i := 0; i <= maxPathsPerRef; i++ {
		s = s.union(pathSet{{{kind: labelParam}, {kind: labelField, index: uint32(i)}}})
	}
	if len(s) != 1 || len(s[0]) != 1 {
		t.Fatalf("expected a single root path, got %d paths", len(s))
	}
}
