package bytecode

import (
	"fmt"
	"strings"
)

// TokenKind tags a SignatureToken.
type TokenKind uint8

const (
	TokInvalid TokenKind = iota
	TokBool
	TokU8
	TokU16
	TokU32
	TokU64
	TokU128
	TokU256
	TokAddress
	TokSigner
	TokVector
	TokDatatype
	TokDatatypeInstantiation
	TokReference
	TokMutableReference
	TokTypeParameter
)

var tokenKindNames = [...]string{
	TokInvalid:               "invalid",
	TokBool:                  "bool",
	TokU8:                    "u8",
	TokU16:                   "u16",
	TokU32:                   "u32",
	TokU64:                   "u64",
	TokU128:                  "u128",
	TokU256:                  "u256",
	TokAddress:               "address",
	TokSigner:                "signer",
	TokVector:                "vector",
	TokDatatype:              "datatype",
	TokDatatypeInstantiation: "datatype_inst",
	TokReference:             "ref",
	TokMutableReference:      "mut_ref",
	TokTypeParameter:         "type_param",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return fmt.Sprintf("token(%d)", uint8(k))
}

func (k TokenKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *TokenKind) UnmarshalText(b []byte) error {
	for i, n := range tokenKindNames {
		if n == string(b) {
			*k = TokenKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown token kind %q", string(b))
}

// SignatureToken is a type as it appears in signatures and on the abstract
// operand stack. Equality is structural.
type SignatureToken struct {
	Kind     TokenKind           `json:"kind"`
	Elem     *SignatureToken     `json:"elem,omitempty"`
	Handle   DatatypeHandleIndex `json:"handle,omitempty"`
	TypeArgs []SignatureToken    `json:"type_args,omitempty"`
	Param    TypeParameterIndex  `json:"param,omitempty"`
}

var (
	Bool    = SignatureToken{Kind: TokBool}
	U8      = SignatureToken{Kind: TokU8}
	U16     = SignatureToken{Kind: TokU16}
	U32     = SignatureToken{Kind: TokU32}
	U64     = SignatureToken{Kind: TokU64}
	U128    = SignatureToken{Kind: TokU128}
	U256    = SignatureToken{Kind: TokU256}
	Address = SignatureToken{Kind: TokAddress}
	Signer  = SignatureToken{Kind: TokSigner}
)

// VectorOf returns vector<t>.
func VectorOf(t SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokVector, Elem: &t}
}

// RefOf returns &t.
func RefOf(t SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokReference, Elem: &t}
}

// MutRefOf returns &mut t.
func MutRefOf(t SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokMutableReference, Elem: &t}
}

// DatatypeOf returns the datatype at handle h, instantiated with args if any.
func DatatypeOf(h DatatypeHandleIndex, args ...SignatureToken) SignatureToken {
	if len(args) == 0 {
		return SignatureToken{Kind: TokDatatype, Handle: h}
	}
	return SignatureToken{Kind: TokDatatypeInstantiation, Handle: h, TypeArgs: append([]SignatureToken(nil), args...)}
}

// TypeParam returns the type parameter at index i.
func TypeParam(i TypeParameterIndex) SignatureToken {
	return SignatureToken{Kind: TokTypeParameter, Param: i}
}

func (t SignatureToken) IsReference() bool {
	return t.Kind == TokReference || t.Kind == TokMutableReference
}

func (t SignatureToken) IsMutableReference() bool { return t.Kind == TokMutableReference }

func (t SignatureToken) IsInteger() bool {
	switch t.Kind {
	case TokU8, TokU16, TokU32, TokU64, TokU128, TokU256:
		return true
	}
	return false
}

// IsPrimitive reports integers, bool and address.
func (t SignatureToken) IsPrimitive() bool {
	return t.IsInteger() || t.Kind == TokBool || t.Kind == TokAddress
}

func (t SignatureToken) IsDatatype() bool {
	return t.Kind == TokDatatype || t.Kind == TokDatatypeInstantiation
}

// Inner returns the referenced or element type. It panics for tokens without
// one; callers check the kind first.
func (t SignatureToken) Inner() SignatureToken {
	if t.Elem == nil {
		panic(fmt.Sprintf("token %s has no inner type", t.Kind))
	}
	return *t.Elem
}

// Equal compares two tokens structurally.
func (t SignatureToken) Equal(o SignatureToken) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TokVector, TokReference, TokMutableReference:
		if t.Elem == nil || o.Elem == nil {
			return t.Elem == o.Elem
		}
		return t.Elem.Equal(*o.Elem)
	case TokDatatype:
		return t.Handle == o.Handle
	case TokDatatypeInstantiation:
		if t.Handle != o.Handle || len(t.TypeArgs) != len(o.TypeArgs) {
			return false
		}
		for i := range t.TypeArgs {
			if !t.TypeArgs[i].Equal(o.TypeArgs[i]) {
				return false
			}
		}
		return true
	case TokTypeParameter:
		return t.Param == o.Param
	default:
		return true
	}
}

// Depth is the nesting depth of the token; primitives have depth 1.
func (t SignatureToken) Depth() int {
	switch t.Kind {
	case TokVector, TokReference, TokMutableReference:
		if t.Elem == nil {
			return 1
		}
		return 1 + t.Elem.Depth()
	case TokDatatypeInstantiation:
		d := 0
		for _, a := range t.TypeArgs {
			if ad := a.Depth(); ad > d {
				d = ad
			}
		}
		return 1 + d
	default:
		return 1
	}
}

// Size counts the nodes of the token tree.
func (t SignatureToken) Size() int {
	n := 1
	if t.Elem != nil {
		n += t.Elem.Size()
	}
	for _, a := range t.TypeArgs {
		n += a.Size()
	}
	return n
}

// Instantiate substitutes type parameters with args. Parameters beyond len(args)
// are left in place.
func (t SignatureToken) Instantiate(args []SignatureToken) SignatureToken {
	if len(args) == 0 {
		return t
	}
	switch t.Kind {
	case TokTypeParameter:
		if int(t.Param) < len(args) {
			return args[t.Param]
		}
		return t
	case TokVector, TokReference, TokMutableReference:
		inner := t.Elem.Instantiate(args)
		return SignatureToken{Kind: t.Kind, Elem: &inner}
	case TokDatatypeInstantiation:
		out := make([]SignatureToken, len(t.TypeArgs))
		for i, a := range t.TypeArgs {
			out[i] = a.Instantiate(args)
		}
		return SignatureToken{Kind: t.Kind, Handle: t.Handle, TypeArgs: out}
	default:
		return t
	}
}

// Walk visits t and every nested token in preorder. Returning false stops the
// descent below the current token.
func (t SignatureToken) Walk(fn func(SignatureToken) bool) {
	if !fn(t) {
		return
	}
	if t.Elem != nil {
		t.Elem.Walk(fn)
	}
	for _, a := range t.TypeArgs {
		a.Walk(fn)
	}
}

// ContainsTypeParameter reports whether t mentions any type parameter.
func (t SignatureToken) ContainsTypeParameter() bool {
	found := false
	t.Walk(func(x SignatureToken) bool {
		if x.Kind == TokTypeParameter {
			found = true
		}
		return !found
	})
	return found
}

func (t SignatureToken) String() string {
	switch t.Kind {
	case TokVector:
		return "vector<" + elemString(t.Elem) + ">"
	case TokReference:
		return "&" + elemString(t.Elem)
	case TokMutableReference:
		return "&mut " + elemString(t.Elem)
	case TokDatatype:
		return fmt.Sprintf("D%d", t.Handle)
	case TokDatatypeInstantiation:
		parts := make([]string, len(t.TypeArgs))
		for i, a := range t.TypeArgs {
			parts[i] = a.String()
		}
		return fmt.Sprintf("D%d<%s>", t.Handle, strings.Join(parts, ", "))
	case TokTypeParameter:
		return fmt.Sprintf("T%d", t.Param)
	default:
		return t.Kind.String()
	}
}

func elemString(e *SignatureToken) string {
	if e == nil {
		return "?"
	}
	return e.String()
}

// Signature is a list of tokens: parameters, returns, locals or type arguments.
type Signature []SignatureToken

// Equal compares two signatures element-wise.
func (s Signature) Equal(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Instantiate substitutes type parameters in every token.
func (s Signature) Instantiate(args []SignatureToken) Signature {
	if len(args) == 0 {
		return s
	}
	out := make(Signature, len(s))
	for i, t := range s {
		out[i] = t.Instantiate(args)
	}
	return out
}

func (s Signature) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
