// Package refsafety implements the reference-safety (borrow) checker: an
// abstract interpreter, independent of types, that tracks which storage
// locations each live reference may point into.
package refsafety

import (
	"sort"
	"strconv"
	"strings"

	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// ====== Locations ======

type labelKind uint8

const (
	labelLocal   labelKind = iota // root: a local of the frame
	labelGlobal                   // root: a global resource type
	labelParam                    // root: a reference parameter
	labelField                    // struct field
	labelVariant                  // enum variant field
	labelElem                     // some vector element
	labelResult                   // i-th reference returned by a call
)

type label struct {
	kind  labelKind
	index uint32
}

func (l label) String() string {
	switch l.kind {
	case labelLocal:
		return "loc" + strconv.Itoa(int(l.index))
	case labelGlobal:
		return "global" + strconv.Itoa(int(l.index))
	case labelParam:
		return "param" + strconv.Itoa(int(l.index))
	case labelField:
		return "f" + strconv.Itoa(int(l.index))
	case labelVariant:
		return "v" + strconv.Itoa(int(l.index))
	case labelElem:
		return "[*]"
	default:
		return "ret" + strconv.Itoa(int(l.index))
	}
}

// path is an access path; path[0] is always a root label. A reference with
// path p may point anywhere at or below p.
type path []label

const (
	maxPathLen     = 16
	maxPathsPerRef = 32
)

func (p path) extend(l label) path {
	if len(p) >= maxPathLen {
		return p
	}
	out := make(path, len(p), len(p)+1)
	copy(out, p)
	return append(out, l)
}

func (p path) key() string {
	var sb strings.Builder
	for i, l := range p {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(l.String())
	}
	return sb.String()
}

// overlaps reports whether two paths may denote overlapping storage: one is
// a prefix of the other, with vector elements matching any element.
func (p path) overlaps(q path) bool {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if p[i] == q[i] || (p[i].kind == labelElem && q[i].kind == labelElem) {
			continue
		}
		return false
	}
	return true
}

func (p path) root() label { return p[0] }

// pathSet is a small deduplicated set of paths.
type pathSet []path

func (s pathSet) extend(l label) pathSet {
	out := make(pathSet, 0, len(s))
	for _, p := range s {
		out = append(out, p.extend(l))
	}
	return out.normalize()
}

func (s pathSet) union(o pathSet) pathSet {
	out := make(pathSet, 0, len(s)+len(o))
	out = append(out, s...)
	out = append(out, o...)
	return out.normalize()
}

// normalize sorts and deduplicates the set and collapses it to its roots when
// it grows past the limit.
func (s pathSet) normalize() pathSet {
	if len(s) > maxPathsPerRef {
		roots := make(pathSet, 0, len(s))
		for _, p := range s {
			roots = append(roots, path{p.root()})
		}
		s = roots
	}
	sort.Slice(s, func(i, j int) bool { return s[i].key() < s[j].key() })
	out := s[:0]
	var last string
	for i, p := range s {
		k := p.key()
		if i > 0 && k == last {
			continue
		}
		out = append(out, p)
		last = k
	}
	return out
}

func (s pathSet) overlaps(o pathSet) bool {
	for _, p := range s {
		for _, q := range o {
			if p.overlaps(q) {
				return true
			}
		}
	}
	return false
}

func (s pathSet) rootedAt(l label) bool {
	for _, p := range s {
		if p.root() == l {
			return true
		}
	}
	return false
}

func (s pathSet) equal(o pathSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].key() != o[i].key() {
			return false
		}
	}
	return true
}

// ====== References ======

// refID names a live reference. Zero marks a slot without a reference.
type refID int

const noRef refID = 0

type refInfo struct {
	mutable bool
	paths   pathSet
	// ancestors are the live references this one was derived from. A
	// reference never conflicts with its ancestors, but while it lives they
	// may not be written through.
	ancestors map[refID]bool
}

func (r *refInfo) clone() *refInfo {
	anc := make(map[refID]bool, len(r.ancestors))
	for k := range r.ancestors {
		anc[k] = true
	}
	return &refInfo{mutable: r.mutable, paths: append(pathSet(nil), r.paths...), ancestors: anc}
}

// state is the abstract state at a program point. Every live reference sits
// in exactly one local or stack slot.
type state struct {
	locals []refID
	stack  []refID
	refs   map[refID]*refInfo
	next   refID
}

func (s *state) clone() *state {
	out := &state{
		locals: append([]refID(nil), s.locals...),
		stack:  append([]refID(nil), s.stack...),
		refs:   make(map[refID]*refInfo, len(s.refs)),
		next:   s.next,
	}
	for id, r := range s.refs {
		out.refs[id] = r.clone()
	}
	return out
}

func (s *state) newRef(mutable bool, paths pathSet, ancestors map[refID]bool) refID {
	s.next++
	id := s.next
	if ancestors == nil {
		ancestors = make(map[refID]bool)
	}
	s.refs[id] = &refInfo{mutable: mutable, paths: paths, ancestors: ancestors}
	return id
}

// derive creates a reference borrowed from parent.
func (s *state) derive(parent refID, mutable bool, paths pathSet) refID {
	p := s.refs[parent]
	anc := make(map[refID]bool, len(p.ancestors)+1)
	for k := range p.ancestors {
		anc[k] = true
	}
	anc[parent] = true
	return s.newRef(mutable, paths, anc)
}

func (s *state) release(id refID) {
	if id == noRef {
		return
	}
	delete(s.refs, id)
	for _, r := range s.refs {
		delete(r.ancestors, id)
	}
}

// related reports whether one reference was derived from the other.
func (s *state) related(a, b refID) bool {
	return s.refs[a].ancestors[b] || s.refs[b].ancestors[a]
}

func (s *state) sortedIDs() []refID {
	ids := make([]refID, 0, len(s.refs))
	for id := range s.refs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// borrowedAt reports a live reference rooted at l; mutableOnly restricts the
// search to mutable references.
func (s *state) borrowedAt(l label, mutableOnly bool) bool {
	for _, r := range s.refs {
		if mutableOnly && !r.mutable {
			continue
		}
		if r.paths.rootedAt(l) {
			return true
		}
	}
	return false
}

// ====== Canonical form and join ======

// canonicalize renumbers references by the slot holding them so that states
// reached along different paths can be compared.
func (s *state) canonicalize() {
	rename := make(map[refID]refID, len(s.refs))
	for i, id := range s.locals {
		if id != noRef {
			rename[id] = refID(i + 1)
		}
	}
	for i, id := range s.stack {
		if id != noRef {
			rename[id] = refID(len(s.locals) + i + 1)
		}
	}
	refs := make(map[refID]*refInfo, len(rename))
	for old, nid := range rename {
		r := s.refs[old]
		anc := make(map[refID]bool, len(r.ancestors))
		for a := range r.ancestors {
			if na, ok := rename[a]; ok {
				anc[na] = true
			}
		}
		r.ancestors = anc
		refs[nid] = r
	}
	for i, id := range s.locals {
		if id != noRef {
			s.locals[i] = rename[id]
		}
	}
	for i, id := range s.stack {
		if id != noRef {
			s.stack[i] = rename[id]
		}
	}
	s.refs = refs
	s.next = refID(len(s.locals) + len(s.stack) + 1)
}

// join merges incoming into s; both must be canonical. A reference survives
// only if it is live on both paths. Its locations are the union and its
// ancestors the intersection of the incoming ones.
func (s *state) join(in *state) bool {
	changed := false
	keep := func(slot *refID, other refID) {
		if *slot == noRef {
			return
		}
		if other == noRef {
			s.release(*slot)
			*slot = noRef
			changed = true
		}
	}
	for i := range s.locals {
		keep(&s.locals[i], in.locals[i])
	}
	for i := range s.stack {
		if i < len(in.stack) {
			keep(&s.stack[i], in.stack[i])
		}
	}
	for id, r := range s.refs {
		o, ok := in.refs[id]
		if !ok {
			continue
		}
		merged := r.paths.union(o.paths)
		if !merged.equal(r.paths) {
			r.paths = merged
			changed = true
		}
		for a := range r.ancestors {
			if !o.ancestors[a] {
				delete(r.ancestors, a)
				changed = true
			}
		}
	}
	return changed
}

// ====== Safety rules ======

// checkBorrow validates a freshly created reference against every other live
// reference: a mutable borrow may not overlap any unrelated reference and an
// immutable one may not overlap an unrelated mutable reference.
func (s *state) checkBorrow(loc verrors.Location, id refID) *verrors.VerificationError {
	n := s.refs[id]
	for _, q := range s.sortedIDs() {
		if q == id || n.ancestors[q] {
			continue
		}
		r := s.refs[q]
		if (n.mutable || r.mutable) && n.paths.overlaps(r.paths) {
			return verrors.New(verrors.AliasedMutableBorrow, loc, "borrow of %s overlaps live reference to %s",
				describe(n.paths), describe(r.paths))
		}
	}
	return nil
}

// checkWrite requires that nothing but ancestors of id overlaps it.
func (s *state) checkWrite(loc verrors.Location, id refID, what string) *verrors.VerificationError {
	n := s.refs[id]
	for _, q := range s.sortedIDs() {
		if q == id || n.ancestors[q] {
			continue
		}
		r := s.refs[q]
		if !n.paths.overlaps(r.paths) {
			continue
		}
		if r.ancestors[id] {
			return verrors.New(verrors.DanglingReference, loc, "%s through %s while %s is borrowed from it",
				what, describe(n.paths), describe(r.paths))
		}
		return verrors.New(verrors.AliasedMutableBorrow, loc, "%s through %s while %s is live",
			what, describe(n.paths), describe(r.paths))
	}
	return nil
}

// checkRead requires that no mutable reference other than an ancestor of id
// overlaps it.
func (s *state) checkRead(loc verrors.Location, id refID, what string) *verrors.VerificationError {
	n := s.refs[id]
	for _, q := range s.sortedIDs() {
		if q == id || n.ancestors[q] {
			continue
		}
		r := s.refs[q]
		if r.mutable && n.paths.overlaps(r.paths) {
			return verrors.New(verrors.AliasedMutableBorrow, loc, "%s through %s while mutable %s is live",
				what, describe(n.paths), describe(r.paths))
		}
	}
	return nil
}

// checkAliasing re-validates every pair of live references after a join,
// where unioned locations can make unrelated mutable references overlap.
func (s *state) checkAliasing(loc verrors.Location) *verrors.VerificationError {
	ids := s.sortedIDs()
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			ra, rb := s.refs[a], s.refs[b]
			if !ra.mutable && !rb.mutable {
				continue
			}
			if s.related(a, b) {
				continue
			}
			if ra.paths.overlaps(rb.paths) {
				return verrors.New(verrors.AliasedMutableBorrow, loc, "references to %s and %s may alias after the join",
					describe(ra.paths), describe(rb.paths))
			}
		}
	}
	return nil
}

func describe(ps pathSet) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.key()
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
