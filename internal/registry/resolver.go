package registry

import (
	"fmt"
	"sort"
	"strings"

	semver "github.com/Masterminds/semver/v3"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// Index lists all published versions per module.
type Index map[bc.ModuleID][]Manifest

// IndexOf groups manifests by module.
func IndexOf(ms []Manifest) Index {
	idx := make(Index)
	for _, m := range ms {
		id := m.Module.Canonical()
		idx[id] = append(idx[id], m)
	}
	return idx
}

// Requirement describes a root constraint for resolution.
type Requirement struct {
	Module     bc.ModuleID
	Constraint string
}

// Resolution is the final mapping of module -> pinned version.
type Resolution map[bc.ModuleID]Version

// ResolveOptions controls resolution behavior.
type ResolveOptions struct {
	// PreferHigher picks the highest satisfying versions; otherwise lowest.
	PreferHigher bool
	// MaxDepth guards against runaway recursion; 0 means unlimited.
	MaxDepth int
}

// ConflictError indicates that constraints cannot be satisfied.
type ConflictError struct {
	Module bc.ModuleID
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolution conflict for %s: %s", e.Module, e.Reason)
}

// CycleError indicates a dependency cycle among published versions.
type CycleError struct {
	Stack []bc.ModuleID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, p := range e.Stack {
		parts[i] = p.String()
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

// Resolver performs version constraint resolution with backtracking.
type Resolver struct {
	index Index
	opts  ResolveOptions
}

// NewResolver constructs a resolver over a given index.
func NewResolver(index Index, opts ResolveOptions) *Resolver {
	return &Resolver{index: index, opts: opts}
}

// Resolve computes a version assignment satisfying all requirements and
// the dependencies of the chosen versions.
func (r *Resolver) Resolve(reqs []Requirement) (Resolution, error) {
	// Multiple constraints on one module are AND-joined.
	merged := make(map[bc.ModuleID]*semver.Constraints)
	for _, q := range reqs {
		id := q.Module.Canonical()
		c, err := parseConstraint(q.Constraint)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		if ex, ok := merged[id]; ok {
			cc, err := semver.NewConstraint(ex.String() + ", " + c.String())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", id, err)
			}
			merged[id] = cc
		} else {
			merged[id] = c
		}
	}

	roots := make([]bc.ModuleID, 0, len(merged))
	for id := range merged {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })

	result := make(Resolution)
	var stack []bc.ModuleID
	for _, root := range roots {
		if err := r.selectVersion(root, merged[root], result, &stack); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// selectVersion chooses a version for id that satisfies con plus its
// transitive dependencies. stack holds the modules being resolved.
func (r *Resolver) selectVersion(id bc.ModuleID, con *semver.Constraints, out Resolution, stack *[]bc.ModuleID) error {
	if r.opts.MaxDepth > 0 && len(*stack) > r.opts.MaxDepth {
		return &ConflictError{Module: id, Reason: "max depth exceeded"}
	}
	for i, s := range *stack {
		if s == id {
			cycle := append(append([]bc.ModuleID(nil), (*stack)[i:]...), id)
			return &CycleError{Stack: cycle}
		}
	}
	if v, ok := out[id]; ok {
		if !con.Check(mustSemver(v)) {
			return &ConflictError{Module: id, Reason: fmt.Sprintf("pinned %s violates %s", v, con)}
		}
		return nil
	}

	candidates := append([]Manifest(nil), r.index[id]...)
	if len(candidates) == 0 {
		return &ConflictError{Module: id, Reason: "no published versions"}
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi := mustSemver(candidates[i].Version)
		vj := mustSemver(candidates[j].Version)
		if r.opts.PreferHigher {
			return vi.GreaterThan(vj)
		}
		return vi.LessThan(vj)
	})

	*stack = append(*stack, id)
	defer func() { *stack = (*stack)[:len(*stack)-1] }()

	var cycle error
	for _, m := range candidates {
		if !con.Check(mustSemver(m.Version)) {
			continue
		}
		// Tentatively pin, then undo every pin made below on failure.
		snapshot := make(Resolution, len(out))
		for k, v := range out {
			snapshot[k] = v
		}
		out[id] = m.Version
		ok := true
		for _, d := range m.Dependencies {
			dc, err := parseConstraint(d.Constraint)
			if err == nil {
				err = r.selectVersion(d.Module.Canonical(), dc, out, stack)
			}
			if err != nil {
				if _, isCycle := err.(*CycleError); isCycle {
					cycle = err
				}
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
		for k := range out {
			delete(out, k)
		}
		for k, v := range snapshot {
			out[k] = v
		}
	}
	if cycle != nil {
		return cycle
	}
	return &ConflictError{Module: id, Reason: fmt.Sprintf("no candidate satisfies %s", con)}
}

func parseConstraint(expr string) (*semver.Constraints, error) {
	if strings.TrimSpace(expr) == "" {
		return semver.NewConstraint(">=0.0.0")
	}
	return semver.NewConstraint(expr)
}

// mustSemver parses a version already validated on admission.
func mustSemver(v Version) *semver.Version {
	sv, err := semver.NewVersion(string(v))
	if err != nil {
		panic(err)
	}
	return sv
}
