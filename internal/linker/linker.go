// Package linker checks a module's imports against the interfaces of the
// already-accepted modules it depends on.
package linker

import (
	"fmt"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// Resolver looks up accepted modules by identity.
type Resolver interface {
	Lookup(id bc.ModuleID) (*bc.Module, bool)
}

// Modules is a Resolver over an in-memory set keyed by canonical id.
type Modules map[bc.ModuleID]*bc.Module

// NewModules indexes ms by their canonical self id.
func NewModules(ms ...*bc.Module) Modules {
	out := make(Modules, len(ms))
	for _, m := range ms {
		out.Add(m)
	}
	return out
}

// Add indexes m, replacing any module with the same id.
func (ms Modules) Add(m *bc.Module) { ms[m.SelfID().Canonical()] = m }

func (ms Modules) Lookup(id bc.ModuleID) (*bc.Module, bool) {
	m, ok := ms[id.Canonical()]
	return m, ok
}

// Check validates friend declarations, imported datatypes and imported
// functions of m. Violations are returned in declaration order.
func Check(m *bc.Module, deps Resolver) []*verrors.VerificationError {
	l := &linker{m: m, deps: deps}
	l.friends()
	l.modules()
	l.datatypes()
	l.functions()
	return l.errs
}

type linker struct {
	m       *bc.Module
	deps    Resolver
	errs    []*verrors.VerificationError
	missing map[bc.ModuleID]bool
}

func (l *linker) fail(code verrors.StatusCode, format string, args ...interface{}) {
	l.errs = append(l.errs, verrors.New(code, verrors.ModuleLevel(), format, args...))
}

func (l *linker) friends() {
	self := l.m.SelfID()
	seen := make(map[bc.ModuleID]bool)
	for _, f := range l.m.FriendDecls {
		id := f.ID()
		switch {
		case id == self:
			l.fail(verrors.InvalidFriendDeclaration, "module %s declares itself a friend", self)
		case id.Address != self.Address:
			l.fail(verrors.InvalidFriendDeclaration, "friend %s is not at address %s", id, self.Address)
		case seen[id]:
			l.fail(verrors.InvalidFriendDeclaration, "friend %s declared twice", id)
		}
		seen[id] = true
	}
}

func (l *linker) modules() {
	l.missing = make(map[bc.ModuleID]bool)
	for _, id := range l.m.Dependencies() {
		if _, ok := l.deps.Lookup(id); !ok {
			l.missing[id] = true
			l.fail(verrors.MissingDependency, "dependency %s is not available", id)
		}
	}
}

// dependency returns the module declaring handle mh, or nil when it is self
// or missing.
func (l *linker) dependency(mh bc.ModuleHandleIndex) *bc.Module {
	if l.m.IsSelf(mh) {
		return nil
	}
	id := l.m.ModuleIDOf(mh)
	if l.missing[id] {
		return nil
	}
	dep, _ := l.deps.Lookup(id)
	return dep
}

// datatypeIn finds the handle of the datatype defined in dep under name.
func datatypeIn(dep *bc.Module, name string) (*bc.DatatypeHandle, bool) {
	for _, sd := range dep.StructDefs {
		if h := dep.DatatypeHandle(sd.Handle); h.Name == name {
			return h, true
		}
	}
	for _, ed := range dep.EnumDefs {
		if h := dep.DatatypeHandle(ed.Handle); h.Name == name {
			return h, true
		}
	}
	return nil, false
}

func (l *linker) datatypes() {
	for i := range l.m.DatatypeHandles {
		local := l.m.DatatypeHandle(bc.DatatypeHandleIndex(i))
		dep := l.dependency(local.Module)
		if dep == nil {
			continue
		}
		name := l.m.DatatypeName(bc.DatatypeHandleIndex(i))
		def, ok := datatypeIn(dep, local.Name)
		if !ok {
			l.fail(verrors.MissingDependency, "datatype %s is not defined by %s", name, dep.SelfID())
			continue
		}
		if widened := def.Abilities.Difference(local.Abilities); widened != 0 {
			l.fail(verrors.AbilityWidened, "datatype %s gained %s", name, widened)
		}
		if narrowed := local.Abilities.Difference(def.Abilities); narrowed != 0 {
			l.fail(verrors.AbilityNarrowed, "datatype %s lost %s", name, narrowed)
		}
		if len(local.TypeParameters) != len(def.TypeParameters) {
			l.fail(verrors.ImportSignatureMismatch, "datatype %s has %d type parameters, imported with %d",
				name, len(def.TypeParameters), len(local.TypeParameters))
			continue
		}
		for j, p := range def.TypeParameters {
			lp := local.TypeParameters[j]
			if p.IsPhantom != lp.IsPhantom {
				l.fail(verrors.ImportSignatureMismatch, "datatype %s type parameter %d phantom mismatch", name, j)
			}
			if !p.Constraints.IsSubsetOf(lp.Constraints) {
				l.fail(verrors.ImportSignatureMismatch, "datatype %s type parameter %d requires %s, imported with %s",
					name, j, p.Constraints, lp.Constraints)
			}
		}
	}
}

func functionIn(dep *bc.Module, name string) (*bc.FunctionDefinition, bool) {
	fd, ok := dep.FindFunction(name)
	if !ok {
		return nil, false
	}
	return dep.FunctionDef(fd), true
}

func (l *linker) functions() {
	self := l.m.SelfID()
	for i := range l.m.FunctionHandles {
		local := l.m.FunctionHandle(bc.FunctionHandleIndex(i))
		dep := l.dependency(local.Module)
		if dep == nil {
			continue
		}
		name := fmt.Sprintf("%s::%s", dep.SelfID(), local.Name)
		def, ok := functionIn(dep, local.Name)
		if !ok {
			l.fail(verrors.MissingDependency, "function %s is not defined", name)
			continue
		}
		switch def.Visibility {
		case bc.VisibilityPublic:
		case bc.VisibilityFriend:
			if !isFriend(dep, self) {
				l.fail(verrors.VisibilityViolation, "function %s is visible only to friends of %s", name, dep.SelfID())
			}
		default:
			l.fail(verrors.VisibilityViolation, "function %s is private", name)
		}

		defHandle := dep.FunctionHandle(def.Function)
		if len(defHandle.TypeParameters) != len(local.TypeParameters) {
			l.fail(verrors.ImportSignatureMismatch, "function %s has %d type parameters, imported with %d",
				name, len(defHandle.TypeParameters), len(local.TypeParameters))
			continue
		}
		for j, c := range defHandle.TypeParameters {
			if !c.IsSubsetOf(local.TypeParameters[j]) {
				l.fail(verrors.ImportSignatureMismatch, "function %s type parameter %d requires %s, imported with %s",
					name, j, c, local.TypeParameters[j])
			}
		}
		if !l.sameSignature(l.m.Signature(local.Parameters), dep, dep.Signature(defHandle.Parameters)) {
			l.fail(verrors.ImportSignatureMismatch, "function %s parameters %s do not match %s",
				name, l.m.Signature(local.Parameters), dep.Signature(defHandle.Parameters))
		}
		if !l.sameSignature(l.m.Signature(local.Return), dep, dep.Signature(defHandle.Return)) {
			l.fail(verrors.ImportSignatureMismatch, "function %s returns %s, imported as %s",
				name, dep.Signature(defHandle.Return), l.m.Signature(local.Return))
		}
	}
}

func isFriend(dep *bc.Module, id bc.ModuleID) bool {
	for _, f := range dep.FriendDecls {
		if f.ID() == id {
			return true
		}
	}
	return false
}

func (l *linker) sameSignature(a bc.Signature, dep *bc.Module, b bc.Signature) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameToken(l.m, a[i], dep, b[i]) {
			return false
		}
	}
	return true
}

// sameToken compares tokens of two modules, resolving datatype handles to
// their declaring module and name.
func sameToken(ma *bc.Module, a bc.SignatureToken, mb *bc.Module, b bc.SignatureToken) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case bc.TokVector, bc.TokReference, bc.TokMutableReference:
		return sameToken(ma, a.Inner(), mb, b.Inner())
	case bc.TokTypeParameter:
		return a.Param == b.Param
	case bc.TokDatatype, bc.TokDatatypeInstantiation:
		ha, hb := ma.DatatypeHandle(a.Handle), mb.DatatypeHandle(b.Handle)
		if ha.Name != hb.Name || ma.ModuleIDOf(ha.Module) != mb.ModuleIDOf(hb.Module) {
			return false
		}
		if len(a.TypeArgs) != len(b.TypeArgs) {
			return false
		}
		for i := range a.TypeArgs {
			if !sameToken(ma, a.TypeArgs[i], mb, b.TypeArgs[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
