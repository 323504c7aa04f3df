package registry

import (
	"context"
	"testing"

	"github.com/davecgh/go-spew/spew"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/verifier"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	v, err := verifier.New(config.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return New(NewInMemoryStore(), v)
}

// coin returns 0x1::coin whose zero function returns value.
func coin(value uint64) *bc.Module {
	b := bctest.NewModule("0x1", "coin")
	b.Func(bctest.Fn{
		Name:       "zero",
		Returns:    []bc.SignatureToken{bc.U64},
		Visibility: bc.VisibilityPublic,
		Code:       []bc.Instruction{bctest.LdU64(value), bctest.Op(bc.OpRet)},
	})
	return b.Build()
}

// wallet imports coin::zero with the given return type.
func wallet(ret bc.SignatureToken) *bc.Module {
	b := bctest.NewModule("0x1", "wallet")
	mh := b.Import("0x1", "coin")
	zero := b.ImportFunc(mh, "zero", nil, []bc.SignatureToken{ret})
	b.Func(bctest.Fn{
		Name:    "run",
		Returns: []bc.SignatureToken{ret},
		Code:    []bc.Instruction{bctest.Arg(bc.OpCall, int(zero)), bctest.Op(bc.OpRet)},
	})
	return b.Build()
}

func TestPublishAndDepend(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	res, err := r.Publish(ctx, []Submission{{Module: coin(0), Version: "1.0.0"}})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !res.Bundle.Accepted || len(res.Published) != 1 {
		t.Fatalf("expected coin to be published, got %s", spew.Sdump(res))
	}
	if _, err := r.Publish(ctx, []Submission{{Module: coin(1), Version: "1.1.0"}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	res, err = r.Publish(ctx, []Submission{{
		Module:       wallet(bc.U64),
		Version:      "0.1.0",
		Dependencies: []Dependency{{Module: mid("coin"), Constraint: "~1.0.0"}},
	}})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !res.Bundle.Accepted {
		t.Fatalf("expected wallet to be accepted, got %s", spew.Sdump(res.Bundle))
	}
	if res.Resolution["0x1::coin"] != "1.0.0" {
		t.Errorf("expected coin pinned to 1.0.0, got %v", res.Resolution)
	}

	latest, err := r.Latest(ctx)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if len(latest) != 2 {
		t.Errorf("expected 2 modules, got %d", len(latest))
	}
}

func TestPublishRejectsIncompatibleImport(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	if _, err := r.Publish(ctx, []Submission{{Module: coin(0), Version: "1.0.0"}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	res, err := r.Publish(ctx, []Submission{{Module: wallet(bc.Bool), Version: "0.1.0"}})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if res.Bundle.Accepted || len(res.Published) != 0 {
		t.Fatalf("expected rejection, got %s", spew.Sdump(res))
	}
	v, _ := res.Bundle.Verdict(mid("wallet"))
	if v == nil || v.Diagnostics.Errors()[0].Code != verrors.ImportSignatureMismatch {
		t.Errorf("expected ImportSignatureMismatch, got %s", spew.Sdump(v))
	}
	if all, _ := r.Store().All(ctx); len(all) != 1 {
		t.Errorf("expected only coin to be stored, got %v", all)
	}
}

func TestPublishBundle(t *testing.T) {
	r := newRegistry(t)
	res, err := r.Publish(context.Background(), []Submission{
		{Module: wallet(bc.U64), Version: "0.1.0"},
		{Module: coin(0), Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !res.Bundle.Accepted || len(res.Published) != 2 {
		t.Fatalf("expected both modules published, got %s", spew.Sdump(res))
	}
}

func TestPublishUnresolvedDependency(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Publish(context.Background(), []Submission{{Module: wallet(bc.U64), Version: "0.1.0"}}); err == nil {
		t.Fatal("expected a resolution error")
	}
}

func TestPublishInvalidVersion(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Publish(context.Background(), []Submission{{Module: coin(0), Version: "latest"}}); err == nil {
		t.Fatal("expected an invalid version error")
	}
}
