package bytecode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Ability is one capability a type may hold.
type Ability uint8

const (
	AbilityCopy  Ability = 1 << iota // value may be duplicated
	AbilityDrop                      // value may be discarded
	AbilityStore                     // value may be nested in storage
	AbilityKey                       // value may be a top-level global resource
)

func (a Ability) String() string {
	switch a {
	case AbilityCopy:
		return "copy"
	case AbilityDrop:
		return "drop"
	case AbilityStore:
		return "store"
	case AbilityKey:
		return "key"
	default:
		return fmt.Sprintf("ability(%d)", uint8(a))
	}
}

// Requires returns the ability every non-phantom type argument must hold for
// a generic instantiation to keep a.
func (a Ability) Requires() Ability {
	switch a {
	case AbilityKey:
		return AbilityStore
	default:
		return a
	}
}

var allAbilities = [...]Ability{AbilityCopy, AbilityDrop, AbilityStore, AbilityKey}

// AbilitySet is a bit set of abilities.
type AbilitySet uint8

const (
	EmptyAbilities AbilitySet = 0
	AllAbilities   AbilitySet = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore | AbilityKey)
	// Primitives is the set held by integers, bool and address.
	Primitives AbilitySet = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore)
	// References is the set held by immutable and mutable references.
	References AbilitySet = AbilitySet(AbilityCopy | AbilityDrop)
	// SignerAbilities is the set held by signer.
	SignerAbilities AbilitySet = AbilitySet(AbilityDrop)
	// VectorAbilities bounds what a vector may hold before looking at its element.
	VectorAbilities AbilitySet = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore)
)

// Abilities builds a set from individual abilities.
func Abilities(as ...Ability) AbilitySet {
	var s AbilitySet
	for _, a := range as {
		s |= AbilitySet(a)
	}
	return s
}

func (s AbilitySet) Has(a Ability) bool { return s&AbilitySet(a) != 0 }

// IsSubsetOf reports whether every ability in s is also in o.
func (s AbilitySet) IsSubsetOf(o AbilitySet) bool { return s&o == s }

func (s AbilitySet) Union(o AbilitySet) AbilitySet     { return s | o }
func (s AbilitySet) Intersect(o AbilitySet) AbilitySet { return s & o }
func (s AbilitySet) Difference(o AbilitySet) AbilitySet {
	return s &^ o
}

// Valid reports whether the set only contains known abilities.
func (s AbilitySet) Valid() bool { return s&^AllAbilities == 0 }

// List returns the abilities in declaration order.
func (s AbilitySet) List() []Ability {
	out := make([]Ability, 0, 4)
	for _, a := range allAbilities {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s AbilitySet) String() string {
	if s == EmptyAbilities {
		return "{}"
	}
	parts := make([]string, 0, 4)
	for _, a := range s.List() {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, "+")
}

// MarshalJSON encodes the set as a list of ability names.
func (s AbilitySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 4)
	for _, a := range s.List() {
		names = append(names, a.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts a list of ability names.
func (s *AbilitySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	var out AbilitySet
	for _, n := range names {
		a, err := ParseAbility(n)
		if err != nil {
			return err
		}
		out |= AbilitySet(a)
	}
	*s = out
	return nil
}

// ParseAbility converts an ability name.
func ParseAbility(name string) (Ability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "copy":
		return AbilityCopy, nil
	case "drop":
		return AbilityDrop, nil
	case "store":
		return AbilityStore, nil
	case "key":
		return AbilityKey, nil
	default:
		return 0, fmt.Errorf("unknown ability %q", name)
	}
}

// PolymorphicAbilities computes the abilities of a generic datatype
// instantiation: a declared ability survives only if every non-phantom type
// argument holds the ability it requires.
func PolymorphicAbilities(declared AbilitySet, phantoms []bool, args []AbilitySet) AbilitySet {
	out := declared
	for _, a := range declared.List() {
		need := a.Requires()
		for i, arg := range args {
			if i < len(phantoms) && phantoms[i] {
				continue
			}
			if !arg.Has(need) {
				out &^= AbilitySet(a)
				break
			}
		}
	}
	return out
}
