package bytecode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// Encoding of a serialized module.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingJSON
	EncodingCBOR
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}

// maxNestedLevels bounds decoder recursion on adversarial input.
const maxNestedLevels = 64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding gives every module a single byte form, which
	// the content hash depends on.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:   maxNestedLevels,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrEmptyInput is returned when decoding zero bytes.
var ErrEmptyInput = errors.New("empty module input")

// DetectEncoding guesses the encoding from the first significant byte.
func DetectEncoding(data []byte) Encoding {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return EncodingUnknown
	}
	if trimmed[0] == '{' {
		return EncodingJSON
	}
	// CBOR major type 5 (map)
	if trimmed[0]>>5 == 5 {
		return EncodingCBOR
	}
	return EncodingUnknown
}

// Decode parses a module in either supported encoding.
func Decode(data []byte) (*Module, error) {
	switch DetectEncoding(data) {
	case EncodingJSON:
		return DecodeJSON(data)
	case EncodingCBOR:
		return DecodeCBOR(data)
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, ErrEmptyInput
		}
		return nil, fmt.Errorf("unrecognized module encoding")
	}
}

// DecodeJSON parses the JSON form of a module.
func DecodeJSON(data []byte) (*Module, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Module
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode json module: %w", err)
	}
	return &m, nil
}

// DecodeCBOR parses the binary form of a module.
func DecodeCBOR(data []byte) (*Module, error) {
	var m Module
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode cbor module: %w", err)
	}
	return &m, nil
}

// EncodeJSON renders the module as indented JSON.
func EncodeJSON(m *Module) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// EncodeCBOR renders the module in deterministic CBOR.
func EncodeCBOR(m *Module) ([]byte, error) {
	return encMode.Marshal(m)
}

// Hash is a module content hash.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// ContentHash returns the sha3-256 digest of the module's deterministic
// CBOR form. Two modules with equal tables hash equally regardless of the
// encoding they were loaded from.
func ContentHash(m *Module) (Hash, error) {
	b, err := EncodeCBOR(m)
	if err != nil {
		return Hash{}, err
	}
	return Hash(sha3.Sum256(b)), nil
}
