// Package acquires checks that every function declares the global resource
// types its body accesses. How strictly the declaration must match, and which
// accesses count, is a per-protocol policy (see config.AcquiresPolicy).
//
// Reentrant acquisition, a call that acquires a resource while the caller
// still holds a borrow of it, needs borrow information and is reported by
// the reference-safety checker.
package acquires

import (
	"sort"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// Access is one instruction touching a global resource type.
type Access struct {
	Resource bc.StructDefinitionIndex
	Offset   int
	// Callee is set when the access is inherited from a same-module call.
	Callee string
}

// Accesses returns the global resource accesses of a function body under
// policy p, in code order. Natives have none.
func Accesses(m *bc.Module, fn bc.FunctionDefinitionIndex, p config.AcquiresPolicy) []Access {
	fd := m.FunctionDef(fn)
	if fd.Code == nil {
		return nil
	}
	var out []Access
	for off, in := range fd.Code.Code {
		switch in.Op {
		case bc.OpMutBorrowGlobal, bc.OpImmBorrowGlobal, bc.OpMoveFrom:
			out = append(out, Access{Resource: bc.StructDefinitionIndex(in.Arg), Offset: off})
		case bc.OpMutBorrowGlobalGeneric, bc.OpImmBorrowGlobalGeneric, bc.OpMoveFromGeneric:
			out = append(out, Access{Resource: m.StructDefInstantiations[in.Arg].Def, Offset: off})
		case bc.OpMoveTo:
			if p.CountMoveTo {
				out = append(out, Access{Resource: bc.StructDefinitionIndex(in.Arg), Offset: off})
			}
		case bc.OpMoveToGeneric:
			if p.CountMoveTo {
				out = append(out, Access{Resource: m.StructDefInstantiations[in.Arg].Def, Offset: off})
			}
		case bc.OpCall, bc.OpCallGeneric:
			if !p.Transitive {
				continue
			}
			fh := bc.FunctionHandleIndex(in.Arg)
			if in.Op == bc.OpCallGeneric {
				fh = m.FunctionInstantiations[in.Arg].Handle
			}
			if !m.IsSelf(m.FunctionHandle(fh).Module) {
				continue
			}
			callee, ok := m.FindFunctionDef(fh)
			if !ok {
				continue
			}
			for _, r := range m.FunctionDef(callee).Acquires {
				out = append(out, Access{Resource: r, Offset: off, Callee: m.FunctionHandle(fh).Name})
			}
		}
	}
	return out
}

// CheckFunction validates the acquires declaration of one function.
func CheckFunction(m *bc.Module, fn bc.FunctionDefinitionIndex, c config.Config) *verrors.VerificationError {
	fd := m.FunctionDef(fn)
	name := m.FunctionName(fn)
	fnLoc := verrors.Location{Function: int(fn), Offset: verrors.NoOffset, Name: name}

	declared := make(map[bc.StructDefinitionIndex]bool, len(fd.Acquires))
	for _, r := range fd.Acquires {
		rname := m.DatatypeName(m.StructDef(r).Handle)
		if declared[r] {
			return verrors.New(verrors.InvalidAcquires, fnLoc, "%s is declared acquired twice", rname)
		}
		declared[r] = true
		if !m.DatatypeHandle(m.StructDef(r).Handle).Abilities.Has(bc.AbilityKey) {
			return verrors.New(verrors.InvalidAcquires, fnLoc, "acquired type %s lacks key", rname)
		}
	}

	touched := make(map[bc.StructDefinitionIndex]bool)
	for _, a := range Accesses(m, fn, c.Acquires) {
		touched[a.Resource] = true
		if declared[a.Resource] {
			continue
		}
		rname := m.DatatypeName(m.StructDef(a.Resource).Handle)
		loc := verrors.Location{Function: int(fn), Offset: a.Offset, Name: name}
		if a.Callee != "" {
			return verrors.New(verrors.MissingAcquires, loc, "call to %s acquires %s which is not declared", a.Callee, rname)
		}
		return verrors.New(verrors.MissingAcquires, loc, "access to %s which is not declared", rname)
	}

	if c.Acquires.Mode != config.AcquiresStrict || fd.Code == nil {
		return nil
	}
	for _, r := range fd.Acquires {
		if !touched[r] {
			return verrors.New(verrors.ExtraneousAcquires, fnLoc, "%s is declared acquired but never accessed",
				m.DatatypeName(m.StructDef(r).Handle)).WithContext("mode", string(c.Acquires.Mode))
		}
	}
	return nil
}

// Check validates every function definition of m and returns the violations
// ordered by function index.
func Check(m *bc.Module, c config.Config) []*verrors.VerificationError {
	var out []*verrors.VerificationError
	for i := range m.FunctionDefs {
		if err := CheckFunction(m, bc.FunctionDefinitionIndex(i), c); err != nil {
			out = append(out, err)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Location.Function < out[j].Location.Function })
	return out
}
