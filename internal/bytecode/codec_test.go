package bytecode_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
)

func sample() *bc.Module {
	b := bctest.NewModule("0x01", "coin")
	b.Struct("Coin", bc.Abilities(bc.AbilityKey, bc.AbilityStore), bctest.Field("value", bc.U64))
	b.Func(bctest.Fn{
		Name:       "zero",
		Returns:    []bc.SignatureToken{bc.U64},
		Visibility: bc.VisibilityPublic,
		Code:       []bc.Instruction{bctest.LdU64(0), bctest.Op(bc.OpRet)},
	})
	return b.Build()
}

func TestEncodingsAgree(t *testing.T) {
	m := sample()
	js, err := bc.EncodeJSON(m)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := bc.EncodeCBOR(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := bc.DetectEncoding(js); got != bc.EncodingJSON {
		t.Errorf("expected json, got %s", got)
	}
	if got := bc.DetectEncoding(cb); got != bc.EncodingCBOR {
		t.Errorf("expected cbor, got %s", got)
	}

	fromJSON, err := bc.Decode(js)
	if err != nil {
		t.Fatal(err)
	}
	fromCBOR, err := bc.Decode(cb)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := bc.ContentHash(m)
	for _, got := range []*bc.Module{fromJSON, fromCBOR} {
		if h, _ := bc.ContentHash(got); h != want {
			t.Errorf("expected content hash %s, got %s for %s", want, h, spew.Sdump(got))
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := bc.Decode([]byte("  \n")); !errors.Is(err, bc.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := bc.Decode([]byte("module coin")); err == nil {
		t.Error("expected an error for unknown encodings")
	}
	if _, err := bc.Decode([]byte(`{"no_such_field": 1}`)); err == nil {
		t.Error("expected unknown JSON fields to be rejected")
	}
}

func TestAbilitySetJSON(t *testing.T) {
	s := bc.Abilities(bc.AbilityCopy, bc.AbilityDrop)
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `["copy","drop"]` {
		t.Errorf("expected [\"copy\",\"drop\"], got %s", b)
	}
	var back bc.AbilitySet
	if err := json.Unmarshal(b, &back); err != nil || back != s {
		t.Errorf("expected %s, got %s (%v)", s, back, err)
	}
	if err := json.Unmarshal([]byte(`["fly"]`), &back); err == nil {
		t.Error("expected an unknown ability to be rejected")
	}
}

func TestModuleID(t *testing.T) {
	id, err := bc.ParseModuleID("0x0001::coin")
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "0x1::coin" {
		t.Errorf("expected 0x1::coin, got %s", id)
	}
	if sample().SelfID().Canonical() != id {
		t.Errorf("expected the canonical self id to equal %s", id)
	}
	for _, bad := range []string{"coin", "::coin", "0x1::", "a::b::c"} {
		if _, err := bc.ParseModuleID(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
