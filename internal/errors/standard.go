// Package errors provides the stable status codes and diagnostic values
// produced by the bytecode verifier.
package errors

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Category groups status codes by the pass family that reports them.
type Category string

const (
	CategoryStructural    Category = "STRUCTURAL"
	CategoryType          Category = "TYPE"
	CategoryReference     Category = "REFERENCE"
	CategoryAcquires      Category = "ACQUIRES"
	CategoryResourceLimit Category = "RESOURCE_LIMIT"
	CategoryLinking       Category = "LINKING"
	CategoryInternal      Category = "INTERNAL"
)

// Severity of a diagnostic. Only SeverityError rejects a module.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// StatusCode is a stable identifier for one violation kind. The numeric values
// are part of the verifier's external contract and must never be reordered.
type StatusCode uint16

const (
	// Structural
	IndexOutOfBounds StatusCode = 1000 + iota
	DuplicateDefinition
	GenericArityMismatch
	InvalidDeclarationModule
	MalformedControlFlow
	EmptyCodeUnit
	InvalidJumpTable
	UnreachableCode
)

const (
	// Type and ability
	StackUnderflow StatusCode = 2000 + iota
	StackHeightMismatch
	TypeMismatchAtJoin
	TypeMismatch
	UnusedValueWithoutDrop
	UseOfMovedValue
	MissingCopyAbility
	MissingKeyAbility
	AbilityConstraintViolated
	FieldMissingAbility
	InvalidSignatureToken
	RecursiveDatatype
	InvalidConstantType
	ReturnTypeMismatch
	ImmutableReferenceWrite
	InvalidEntryFunction
)

const (
	// Reference safety
	DanglingReference StatusCode = 3000 + iota
	AliasedMutableBorrow
	ReferenceEscapesScope
)

const (
	// Acquires
	MissingAcquires StatusCode = 4000 + iota
	ExtraneousAcquires
	ReentrantAcquire
	InvalidAcquires
)

const (
	// Resource limits
	LoopNestingTooDeep StatusCode = 5000 + iota
	TooManyBasicBlocks
	TooManyFunctions
	TypeTooDeep
	InstantiationLoop
	FixpointLimitExceeded
	TooManyLocals
)

const (
	// Linking
	MissingDependency StatusCode = 6000 + iota
	DependencyCycle
	AbilityWidened
	AbilityNarrowed
	ImportSignatureMismatch
	VisibilityViolation
	InvalidFriendDeclaration
)

const (
	InternalVerifierFault StatusCode = 9000
)

var codeNames = map[StatusCode]string{
	IndexOutOfBounds:          "IndexOutOfBounds",
	DuplicateDefinition:       "DuplicateDefinition",
	GenericArityMismatch:      "GenericArityMismatch",
	InvalidDeclarationModule:  "InvalidDeclarationModule",
	MalformedControlFlow:      "MalformedControlFlow",
	EmptyCodeUnit:             "EmptyCodeUnit",
	InvalidJumpTable:          "InvalidJumpTable",
	UnreachableCode:           "UnreachableCode",
	StackUnderflow:            "StackUnderflow",
	StackHeightMismatch:       "StackHeightMismatch",
	TypeMismatchAtJoin:        "TypeMismatchAtJoin",
	TypeMismatch:              "TypeMismatch",
	UnusedValueWithoutDrop:    "UnusedValueWithoutDrop",
	UseOfMovedValue:           "UseOfMovedValue",
	MissingCopyAbility:        "MissingCopyAbility",
	MissingKeyAbility:         "MissingKeyAbility",
	AbilityConstraintViolated: "AbilityConstraintViolated",
	FieldMissingAbility:       "FieldMissingAbility",
	InvalidSignatureToken:     "InvalidSignatureToken",
	RecursiveDatatype:         "RecursiveDatatype",
	InvalidConstantType:       "InvalidConstantType",
	ReturnTypeMismatch:        "ReturnTypeMismatch",
	ImmutableReferenceWrite:   "ImmutableReferenceWrite",
	InvalidEntryFunction:      "InvalidEntryFunction",
	DanglingReference:         "DanglingReference",
	AliasedMutableBorrow:      "AliasedMutableBorrow",
	ReferenceEscapesScope:     "ReferenceEscapesScope",
	MissingAcquires:           "MissingAcquires",
	ExtraneousAcquires:        "ExtraneousAcquires",
	ReentrantAcquire:          "ReentrantAcquire",
	InvalidAcquires:           "InvalidAcquires",
	LoopNestingTooDeep:        "LoopNestingTooDeep",
	TooManyBasicBlocks:        "TooManyBasicBlocks",
	TooManyFunctions:          "TooManyFunctions",
	TypeTooDeep:               "TypeTooDeep",
	InstantiationLoop:         "InstantiationLoop",
	FixpointLimitExceeded:     "FixpointLimitExceeded",
	TooManyLocals:             "TooManyLocals",
	MissingDependency:         "MissingDependency",
	DependencyCycle:           "DependencyCycle",
	AbilityWidened:            "AbilityWidened",
	AbilityNarrowed:           "AbilityNarrowed",
	ImportSignatureMismatch:   "ImportSignatureMismatch",
	VisibilityViolation:       "VisibilityViolation",
	InvalidFriendDeclaration:  "InvalidFriendDeclaration",
	InternalVerifierFault:     "InternalVerifierFault",
}

func (c StatusCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("StatusCode(%d)", uint16(c))
}

// MarshalText encodes the code by name so JSON diagnostics stay readable.
func (c StatusCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText accepts a code name.
func (c *StatusCode) UnmarshalText(b []byte) error {
	s := string(b)
	for code, name := range codeNames {
		if name == s {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown status code %q", s)
}

// Category returns the family a code belongs to.
func (c StatusCode) Category() Category {
	switch {
	case c >= 1000 && c < 2000:
		return CategoryStructural
	case c >= 2000 && c < 3000:
		return CategoryType
	case c >= 3000 && c < 4000:
		return CategoryReference
	case c >= 4000 && c < 5000:
		return CategoryAcquires
	case c >= 5000 && c < 6000:
		return CategoryResourceLimit
	case c >= 6000 && c < 7000:
		return CategoryLinking
	default:
		return CategoryInternal
	}
}

// NoFunction marks a diagnostic that is not attached to a function body.
const NoFunction = -1

// NoOffset marks a diagnostic that is not attached to an instruction.
const NoOffset = -1

// Location pins a diagnostic to a function definition and code offset.
type Location struct {
	Function int    `json:"function"`
	Offset   int    `json:"offset"`
	Name     string `json:"name,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.Function == NoFunction:
		return "<module>"
	case l.Offset == NoOffset && l.Name != "":
		return l.Name
	case l.Offset == NoOffset:
		return fmt.Sprintf("fn#%d", l.Function)
	case l.Name != "":
		return fmt.Sprintf("%s@%d", l.Name, l.Offset)
	default:
		return fmt.Sprintf("fn#%d@%d", l.Function, l.Offset)
	}
}

// Diagnostic is one finding reported by a verification pass.
type Diagnostic struct {
	Code     StatusCode `json:"code"`
	Severity Severity   `json:"severity"`
	Location Location   `json:"location"`
	Message  string     `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s[%s] %s: %s", d.Severity, d.Code, d.Location, d.Message)
}

// IsError reports whether the diagnostic rejects the module.
func (d Diagnostic) IsError() bool { return d.Severity == SeverityError }

// VerificationError is the error form of a diagnostic, used by passes that fail
// fast. It keeps the category/code/message/context shape used across the
// toolchain and records the Go caller that raised it.
type VerificationError struct {
	Category Category
	Code     StatusCode
	Location Location
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *VerificationError) Error() string {
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Code, e.Location, e.Message)
}

// Diagnostic converts the error into its reported form.
func (e *VerificationError) Diagnostic() Diagnostic {
	return Diagnostic{Code: e.Code, Severity: SeverityError, Location: e.Location, Message: e.Message}
}

// New creates a VerificationError for code at loc.
func New(code StatusCode, loc Location, format string, args ...interface{}) *VerificationError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &VerificationError{
		Category: code.Category(),
		Code:     code,
		Location: loc,
		Message:  fmt.Sprintf(format, args...),
		Caller:   caller,
	}
}

// WithContext attaches a key/value pair for structured reporting.
func (e *VerificationError) WithContext(key string, value interface{}) *VerificationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// At returns a location inside function fn.
func At(fn, offset int) Location { return Location{Function: fn, Offset: offset} }

// ModuleLevel is the location of module-wide findings.
func ModuleLevel() Location { return Location{Function: NoFunction, Offset: NoOffset} }

// Common constructors

func OutOfBounds(loc Location, kind string, index, length int) *VerificationError {
	return New(IndexOutOfBounds, loc, "%s index %d out of bounds for length %d", kind, index, length).
		WithContext("kind", kind).WithContext("index", index).WithContext("length", length)
}

func Duplicate(loc Location, kind, name string) *VerificationError {
	return New(DuplicateDefinition, loc, "duplicate %s %q", kind, name).
		WithContext("kind", kind).WithContext("name", name)
}

// List accumulates diagnostics for one module.
type List []Diagnostic

// Add appends a diagnostic built from a VerificationError.
func (l *List) Add(err *VerificationError) {
	if err == nil {
		return
	}
	*l = append(*l, err.Diagnostic())
}

// Warn appends a warning-level diagnostic.
func (l *List) Warn(code StatusCode, loc Location, format string, args ...interface{}) {
	*l = append(*l, Diagnostic{Code: code, Severity: SeverityWarning, Location: loc, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any diagnostic rejects the module.
func (l List) HasErrors() bool {
	for _, d := range l {
		if d.IsError() {
			return true
		}
	}
	return false
}

// Errors returns only the rejecting diagnostics.
func (l List) Errors() List {
	out := make(List, 0, len(l))
	for _, d := range l {
		if d.IsError() {
			out = append(out, d)
		}
	}
	return out
}

// Sort orders diagnostics by function, offset, code and message so that
// repeated runs report identical lists.
func (l List) Sort() {
	sort.SliceStable(l, func(i, j int) bool {
		a, b := l[i], l[j]
		if a.Location.Function != b.Location.Function {
			return a.Location.Function < b.Location.Function
		}
		if a.Location.Offset != b.Location.Offset {
			return a.Location.Offset < b.Location.Offset
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}

func (l List) String() string {
	var b strings.Builder
	for _, d := range l {
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	return b.String()
}
