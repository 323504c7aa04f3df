package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
)

func module(name string) *bc.Module {
	b := bctest.NewModule("0x1", name)
	b.Func(bctest.Fn{Name: "f", Code: []bc.Instruction{bctest.Op(bc.OpRet)}})
	return b.Build()
}

func TestRoundTripBothEncodings(t *testing.T) {
	dir := t.TempDir()
	m := module("coin")
	jsonPath := filepath.Join(dir, "coin.json")
	binPath := filepath.Join(dir, "coin.mvb")
	for _, p := range []string{jsonPath, binPath} {
		if err := Write(p, m); err != nil {
			t.Fatalf("write %s failed: %v", p, err)
		}
	}

	j, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	b, err := LoadFile(binPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if j.Encoding != bc.EncodingJSON || b.Encoding != bc.EncodingCBOR {
		t.Errorf("expected json and cbor, got %s and %s", j.Encoding, b.Encoding)
	}
	if j.Hash != b.Hash {
		t.Errorf("expected equal content hashes, got %s and %s", j.Hash, b.Hash)
	}
	if got := b.Module.SelfID().Name; got != "coin" {
		t.Errorf("expected coin, got %s", got)
	}
}

func TestDetectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "coin.mvb")
	if err := Write(src, module("coin")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, _ := os.ReadFile(src)
	dst := filepath.Join(dir, "coin.bin")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f, err := LoadFile(dst)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if f.Encoding != bc.EncodingCBOR {
		t.Errorf("expected cbor, got %s", f.Encoding)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	for path, name := range map[string]string{
		"vault.json":        "vault",
		"nested/coin.mvb":   "coin",
		"nested/event.json": "event",
	} {
		if err := Write(filepath.Join(dir, path), module(name)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	var got []string
	for _, m := range Modules(files) {
		got = append(got, m.SelfID().Name)
	}
	want := []string{"coin", "event", "vault"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(empty); !errors.Is(err, bc.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`{"self_handle": "x"}`), 0o644); err == nil {
		if _, err := LoadFile(garbage); err == nil {
			t.Error("expected a decode error")
		}
	}

	if _, err := Load(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing path")
	}
}
