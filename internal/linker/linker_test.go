package linker

import (
	"testing"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/bytecode/bctest"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

var coinAbilities = bc.Abilities(bc.AbilityStore)

// coinModule defines 0x1::coin with a Coin struct and one function of each
// visibility.
func coinModule(friends ...string) *bc.Module {
	b := bctest.NewModule("0x1", "coin")
	for _, f := range friends {
		b.Friend("0x1", f)
	}
	_, h := b.Struct("Coin", coinAbilities, bctest.Field("value", bc.U64))
	coin := bc.DatatypeOf(h)
	b.Func(bctest.Fn{
		Name:       "value",
		Params:     []bc.SignatureToken{bc.RefOf(coin)},
		Returns:    []bc.SignatureToken{bc.U64},
		Visibility: bc.VisibilityPublic,
		Native:     true,
	})
	b.Func(bctest.Fn{
		Name:       "mint",
		Params:     []bc.SignatureToken{bc.U64},
		Returns:    []bc.SignatureToken{coin},
		Visibility: bc.VisibilityFriend,
		Native:     true,
	})
	b.Func(bctest.Fn{
		Name:    "burn",
		Params:  []bc.SignatureToken{coin},
		Returns: []bc.SignatureToken{},
		Native:  true,
	})
	return b.Build()
}

type importSpec struct {
	abilities bc.AbilitySet
	fn        string
	params    []bc.SignatureToken
	returns   []bc.SignatureToken
}

// wallet builds 0x1::wallet importing Coin and one function of coin. Coin
// appears in the function signature as the placeholder coinToken.
var coinToken = bc.SignatureToken{Kind: bc.TokInvalid}

func wallet(spec importSpec) *bc.Module {
	b := bctest.NewModule("0x1", "wallet")
	mh := b.Import("0x1", "coin")
	h := b.ImportDatatype(mh, "Coin", spec.abilities)
	subst := func(ts []bc.SignatureToken) []bc.SignatureToken {
		out := make([]bc.SignatureToken, len(ts))
		for i, t := range ts {
			switch {
			case t.Kind == bc.TokInvalid:
				out[i] = bc.DatatypeOf(h)
			case t.Kind == bc.TokReference && t.Inner().Kind == bc.TokInvalid:
				out[i] = bc.RefOf(bc.DatatypeOf(h))
			default:
				out[i] = t
			}
		}
		return out
	}
	if spec.fn != "" {
		b.ImportFunc(mh, spec.fn, subst(spec.params), subst(spec.returns))
	}
	return b.Build()
}

func codes(errs []*verrors.VerificationError) []verrors.StatusCode {
	out := make([]verrors.StatusCode, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestImports(t *testing.T) {
	valueSig := importSpec{
		abilities: coinAbilities,
		fn:        "value",
		params:    []bc.SignatureToken{bc.RefOf(coinToken)},
		returns:   []bc.SignatureToken{bc.U64},
	}
	tests := []struct {
		name    string
		friends []string
		spec    importSpec
		want    []verrors.StatusCode
	}{
		{"compatible", nil, valueSig, nil},
		{"ability widened", nil, importSpec{abilities: bc.EmptyAbilities}, []verrors.StatusCode{verrors.AbilityWidened}},
		{"ability narrowed", nil, importSpec{abilities: bc.Abilities(bc.AbilityStore, bc.AbilityDrop)}, []verrors.StatusCode{verrors.AbilityNarrowed}},
		{"parameter mismatch", nil, importSpec{
			abilities: coinAbilities,
			fn:        "value",
			params:    []bc.SignatureToken{bc.RefOf(bc.U64)},
			returns:   []bc.SignatureToken{bc.U64},
		}, []verrors.StatusCode{verrors.ImportSignatureMismatch}},
		{"private function", nil, importSpec{
			abilities: coinAbilities,
			fn:        "burn",
			params:    []bc.SignatureToken{coinToken},
		}, []verrors.StatusCode{verrors.VisibilityViolation}},
		{"friend function without friendship", nil, importSpec{
			abilities: coinAbilities,
			fn:        "mint",
			params:    []bc.SignatureToken{bc.U64},
			returns:   []bc.SignatureToken{coinToken},
		}, []verrors.StatusCode{verrors.VisibilityViolation}},
		{"friend function", []string{"wallet"}, importSpec{
			abilities: coinAbilities,
			fn:        "mint",
			params:    []bc.SignatureToken{bc.U64},
			returns:   []bc.SignatureToken{coinToken},
		}, nil},
		{"undefined function", nil, importSpec{abilities: coinAbilities, fn: "split"}, []verrors.StatusCode{verrors.MissingDependency}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := codes(Check(wallet(tt.spec), NewModules(coinModule(tt.friends...))))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestMissingDependency(t *testing.T) {
	errs := Check(wallet(importSpec{abilities: coinAbilities}), NewModules())
	if len(errs) != 1 || errs[0].Code != verrors.MissingDependency {
		t.Fatalf("expected a single MissingDependency, got %v", codes(errs))
	}
}

func TestFriendDeclarations(t *testing.T) {
	b := bctest.NewModule("0x1", "coin")
	b.Friend("0x1", "coin")
	b.Friend("0x2", "wallet")
	b.Friend("0x1", "wallet")
	b.Friend("0x01", "wallet")
	errs := Check(b.Build(), NewModules())
	if len(errs) != 3 {
		t.Fatalf("expected 3 violations, got %v", codes(errs))
	}
	for _, e := range errs {
		if e.Code != verrors.InvalidFriendDeclaration {
			t.Errorf("expected InvalidFriendDeclaration, got %s", e.Code)
		}
	}
}

func TestLookupCanonicalizesAddress(t *testing.T) {
	ms := NewModules(coinModule())
	if _, ok := ms.Lookup(bc.ModuleID{Address: "0x0001", Name: "coin"}); !ok {
		t.Error("expected lookup by padded address to succeed")
	}
}
