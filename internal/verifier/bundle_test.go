package verifier

import (
	"context"
	"testing"

	"github.com/davecgh/go-spew/spew"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/linker"
)

func id(name string) bc.ModuleID { return bc.ModuleID{Address: "0x1", Name: name} }

func TestBundleOrder(t *testing.T) {
	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{user("wallet"), user("market"), coin()}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance, got %s", spew.Sdump(res))
	}
	if len(res.Levels) != 2 || len(res.Levels[0]) != 1 || res.Levels[0][0].Name != "coin" {
		t.Fatalf("expected coin alone in the first level, got %v", res.Levels)
	}
	if len(res.Verdicts) != 3 || res.Verdicts[1].Module.Name != "market" || res.Verdicts[2].Module.Name != "wallet" {
		t.Errorf("expected verdicts in level order, got %s", spew.Sdump(res.Verdicts))
	}
}

func TestBundleRejectedDependency(t *testing.T) {
	b := bctest.NewModule("0x1", "coin")
	b.Func(bctest.Fn{
		Name:       "zero",
		Returns:    []bc.SignatureToken{bc.U64},
		Visibility: bc.VisibilityPublic,
		Code:       []bc.Instruction{bctest.Op(bc.OpRet)},
	})
	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{b.Build(), user("wallet")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	wallet, ok := res.Verdict(id("wallet"))
	if !ok {
		t.Fatal("expected a verdict for wallet")
	}
	if wallet.Accepted || wallet.Diagnostics[0].Code != verrors.MissingDependency {
		t.Errorf("expected MissingDependency, got %s", spew.Sdump(wallet.Diagnostics))
	}
}

func TestBundleExternalDependency(t *testing.T) {
	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{user("wallet")}, linker.NewModules(coin()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance, got %s", spew.Sdump(res))
	}
}

func TestBundleCycle(t *testing.T) {
	a := bctest.NewModule("0x1", "a")
	a.Import("0x1", "b")
	b := bctest.NewModule("0x1", "b")
	b.Import("0x1", "a")
	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{a.Build(), b.Build()}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted || len(res.Diagnostics) != 1 || res.Diagnostics[0].Code != verrors.DependencyCycle {
		t.Fatalf("expected DependencyCycle, got %s", spew.Sdump(res))
	}
}

func TestBundleDuplicate(t *testing.T) {
	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{coin(), coin()}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted || len(res.Diagnostics) != 1 || res.Diagnostics[0].Code != verrors.DuplicateDefinition {
		t.Fatalf("expected DuplicateDefinition, got %s", spew.Sdump(res))
	}
}

func TestBundleMalformedModule(t *testing.T) {
	b := bctest.NewModule("0x1", "coin")
	b.Func(bctest.Fn{Name: "zero", Code: []bc.Instruction{bctest.Op(bc.OpRet)}})
	broken := b.Build()
	broken.FunctionHandles[0].Parameters = 99

	res, err := newVerifier(t).VerifyBundle(context.Background(), []*bc.Module{broken, user("wallet")}, linker.NewModules(coin()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted || len(res.Verdicts) != 2 {
		t.Fatalf("expected two rejected verdicts, got %s", spew.Sdump(res))
	}
	if c := res.Verdicts[1]; c.Module.Name != "coin" || c.Diagnostics[0].Code != verrors.IndexOutOfBounds {
		t.Errorf("expected IndexOutOfBounds for coin, got %s", spew.Sdump(c))
	}
	// The external coin must not stand in for the rejected bundle one.
	if w := res.Verdicts[0]; w.Accepted || w.Diagnostics[0].Code != verrors.MissingDependency {
		t.Errorf("expected MissingDependency for wallet, got %s", spew.Sdump(w))
	}
}
