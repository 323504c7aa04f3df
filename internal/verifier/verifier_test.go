package verifier

import (
	"context"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
	"github.com/orizon-lang/bcverify/internal/linker"
)

func newVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	v, err := New(config.Default(), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func verify(t *testing.T, v *Verifier, m *bc.Module, deps linker.Resolver) *Verdict {
	t.Helper()
	verdict, err := v.VerifyModule(context.Background(), m, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return verdict
}

// coin defines 0x1::coin with a native constructor and an identity function.
func coin() *bc.Module {
	b := bctest.NewModule("0x1", "coin")
	b.Func(bctest.Fn{
		Name:       "zero",
		Returns:    []bc.SignatureToken{bc.U64},
		Visibility: bc.VisibilityPublic,
		Code:       []bc.Instruction{bctest.LdU64(0), bctest.Op(bc.OpRet)},
	})
	return b.Build()
}

// user defines a module at addr importing 0x1::coin and calling zero.
func user(name string) *bc.Module {
	b := bctest.NewModule("0x1", name)
	mh := b.Import("0x1", "coin")
	zero := b.ImportFunc(mh, "zero", nil, []bc.SignatureToken{bc.U64})
	b.Func(bctest.Fn{
		Name:    "run",
		Returns: []bc.SignatureToken{bc.U64},
		Code:    []bc.Instruction{bctest.Arg(bc.OpCall, int(zero)), bctest.Op(bc.OpRet)},
	})
	return b.Build()
}

func codes(l verrors.List) []verrors.StatusCode {
	out := make([]verrors.StatusCode, len(l))
	for i, d := range l {
		out[i] = d.Code
	}
	return out
}

func TestAccepted(t *testing.T) {
	verdict := verify(t, newVerifier(t), coin(), linker.NewModules())
	if !verdict.Accepted {
		t.Fatalf("expected acceptance, got %s", spew.Sdump(verdict.Diagnostics))
	}
	if verdict.Stats.Functions != 1 || verdict.Stats.Instructions != 2 {
		t.Errorf("unexpected stats: %s", spew.Sdump(verdict.Stats))
	}
	if len(verdict.Stats.Passes) == 0 || verdict.Stats.Passes[0].Pass != PassBounds {
		t.Errorf("expected pass timings to start with %s, got %v", PassBounds, verdict.Stats.Passes)
	}
}

func TestFailuresAggregatedPerFunction(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{Name: "ok", Code: []bc.Instruction{bctest.Op(bc.OpRet)}})
	b.Func(bctest.Fn{
		Name:    "missing_result",
		Returns: []bc.SignatureToken{bc.U64},
		Code:    []bc.Instruction{bctest.Op(bc.OpRet)},
	})
	b.Func(bctest.Fn{
		Name: "extra_value",
		Code: []bc.Instruction{bctest.LdU64(1), bctest.Op(bc.OpRet)},
	})
	verdict := verify(t, newVerifier(t), b.Build(), linker.NewModules())
	if verdict.Accepted {
		t.Fatal("expected rejection")
	}
	errs := verdict.Diagnostics.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %s", spew.Sdump(errs))
	}
	if errs[0].Location.Name != "missing_result" || errs[1].Location.Name != "extra_value" {
		t.Errorf("expected errors in function order, got %s and %s", errs[0].Location.Name, errs[1].Location.Name)
	}
}

func TestUnreachableCodeWarns(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name: "f",
		Code: []bc.Instruction{
			bctest.Op(bc.OpRet),
			bctest.LdU64(1),
			bctest.Op(bc.OpPop),
			bctest.Op(bc.OpRet),
		},
	})
	m := b.Build()

	verdict := verify(t, newVerifier(t), m, linker.NewModules())
	if !verdict.Accepted {
		t.Fatalf("expected acceptance, got %s", spew.Sdump(verdict.Diagnostics))
	}
	if got := codes(verdict.Diagnostics); !reflect.DeepEqual(got, []verrors.StatusCode{verrors.UnreachableCode}) {
		t.Fatalf("expected one UnreachableCode warning, got %v", got)
	}
	if off := verdict.Diagnostics[0].Location.Offset; off != 1 {
		t.Errorf("expected offset 1, got %d", off)
	}

	c := config.Default()
	c.ReportUnreachableCode = false
	quiet, err := New(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict := verify(t, quiet, m, linker.NewModules()); len(verdict.Diagnostics) != 0 {
		t.Errorf("expected no diagnostics, got %s", spew.Sdump(verdict.Diagnostics))
	}
}

func TestStructuralFailureStopsVerification(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	b.Func(bctest.Fn{
		Name:    "f",
		Returns: []bc.SignatureToken{bc.U64},
		Code:    []bc.Instruction{bctest.Op(bc.OpRet)},
	})
	m := b.Raw()
	m.FunctionHandles[0].Parameters = 99

	verdict := verify(t, newVerifier(t), m, linker.NewModules())
	if verdict.Accepted {
		t.Fatal("expected rejection")
	}
	if len(verdict.Diagnostics) != 1 || verdict.Diagnostics[0].Code != verrors.IndexOutOfBounds {
		t.Fatalf("expected a single IndexOutOfBounds, got %s", spew.Sdump(verdict.Diagnostics))
	}
	if len(verdict.Stats.Passes) != 1 {
		t.Errorf("expected only the bounds pass to run, got %v", verdict.Stats.Passes)
	}
}

func TestLinking(t *testing.T) {
	verdict := verify(t, newVerifier(t), user("wallet"), linker.NewModules())
	if verdict.Accepted || verdict.Diagnostics[0].Code != verrors.MissingDependency {
		t.Fatalf("expected MissingDependency, got %s", spew.Sdump(verdict.Diagnostics))
	}

	verdict = verify(t, newVerifier(t), user("wallet"), linker.NewModules(coin()))
	if !verdict.Accepted {
		t.Fatalf("expected acceptance, got %s", spew.Sdump(verdict.Diagnostics))
	}

	verdict = verify(t, newVerifier(t, WithoutLinking()), user("wallet"), nil)
	if !verdict.Accepted {
		t.Fatalf("expected acceptance without linking, got %s", spew.Sdump(verdict.Diagnostics))
	}
}

func TestParallelismDoesNotChangeVerdict(t *testing.T) {
	b := bctest.NewModule("0x1", "m")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		b.Func(bctest.Fn{
			Name:    name,
			Returns: []bc.SignatureToken{bc.U64},
			Code:    []bc.Instruction{bctest.Op(bc.OpRet)},
		})
	}
	m := b.Build()

	serial := verify(t, newVerifier(t), m, linker.NewModules())
	c := config.Default()
	c.Parallelism = 8
	v, err := New(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parallel := verify(t, v, m, linker.NewModules())
	if !reflect.DeepEqual(serial.Diagnostics, parallel.Diagnostics) {
		t.Fatalf("expected identical diagnostics:\n%s\n%s", spew.Sdump(serial.Diagnostics), spew.Sdump(parallel.Diagnostics))
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newVerifier(t).VerifyModule(ctx, coin(), linker.NewModules()); err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestInvalidConfig(t *testing.T) {
	c := config.Default()
	c.MaxBasicBlocks = 0
	if _, err := New(c); err == nil {
		t.Fatal("expected an error")
	}
}
