// Package depgraph orders a bundle of modules by their dependencies so that
// every module is verified after the modules it imports.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
)

// ErrCycle is matched by every *CycleError.
var ErrCycle = errors.New("dependency cycle")

// CycleError indicates a dependency cycle among bundle modules.
type CycleError struct {
	Stack []bc.ModuleID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, id := range e.Stack {
		parts[i] = id.String()
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// DuplicateError reports two bundle modules with the same identity.
type DuplicateError struct {
	ID bc.ModuleID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("module %s appears more than once", e.ID)
}

// Graph is the dependency graph of a bundle. Edges to modules outside the
// bundle are recorded as external dependencies.
type Graph struct {
	ids      []bc.ModuleID // sorted
	modules  map[bc.ModuleID]*bc.Module
	deps     map[bc.ModuleID][]bc.ModuleID
	external map[bc.ModuleID][]bc.ModuleID
}

// New builds the graph of ms.
func New(ms []*bc.Module) (*Graph, error) {
	g := &Graph{
		modules:  make(map[bc.ModuleID]*bc.Module, len(ms)),
		deps:     make(map[bc.ModuleID][]bc.ModuleID, len(ms)),
		external: make(map[bc.ModuleID][]bc.ModuleID),
	}
	for _, m := range ms {
		id := m.SelfID()
		if _, dup := g.modules[id]; dup {
			return nil, &DuplicateError{ID: id}
		}
		g.modules[id] = m
		g.ids = append(g.ids, id)
	}
	sortIDs(g.ids)
	for _, id := range g.ids {
		for _, dep := range g.modules[id].Dependencies() {
			if _, inBundle := g.modules[dep]; inBundle {
				g.deps[id] = append(g.deps[id], dep)
			} else {
				g.external[id] = append(g.external[id], dep)
			}
		}
		sortIDs(g.deps[id])
		sortIDs(g.external[id])
	}
	return g, nil
}

func sortIDs(ids []bc.ModuleID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// Module returns the bundle module with identity id.
func (g *Graph) Module(id bc.ModuleID) (*bc.Module, bool) {
	m, ok := g.modules[id]
	return m, ok
}

// IDs returns the bundle modules in sorted order.
func (g *Graph) IDs() []bc.ModuleID { return append([]bc.ModuleID(nil), g.ids...) }

// Dependencies returns the in-bundle dependencies of id.
func (g *Graph) Dependencies(id bc.ModuleID) []bc.ModuleID { return g.deps[id] }

// External returns the dependencies of id that the bundle does not provide.
func (g *Graph) External(id bc.ModuleID) []bc.ModuleID { return g.external[id] }

// Levels partitions the bundle into levels: every module depends only on
// modules of earlier levels. Within a level modules are sorted, so the
// result is a pure function of the bundle.
func (g *Graph) Levels() ([][]bc.ModuleID, error) {
	indeg := make(map[bc.ModuleID]int, len(g.ids))
	dependents := make(map[bc.ModuleID][]bc.ModuleID)
	for _, id := range g.ids {
		indeg[id] = len(g.deps[id])
		for _, d := range g.deps[id] {
			dependents[d] = append(dependents[d], id)
		}
	}
	var levels [][]bc.ModuleID
	var ready []bc.ModuleID
	for _, id := range g.ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	placed := 0
	for len(ready) > 0 {
		sortIDs(ready)
		levels = append(levels, ready)
		placed += len(ready)
		var next []bc.ModuleID
		for _, id := range ready {
			for _, d := range dependents[id] {
				indeg[d]--
				if indeg[d] == 0 {
					next = append(next, d)
				}
			}
		}
		ready = next
	}
	if placed != len(g.ids) {
		return nil, &CycleError{Stack: g.findCycle(indeg)}
	}
	return levels, nil
}

// Order returns the modules flattened level by level.
func (g *Graph) Order() ([]bc.ModuleID, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	out := make([]bc.ModuleID, 0, len(g.ids))
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// findCycle walks dependency edges among the unplaced modules, starting at
// the smallest one, until a module repeats.
func (g *Graph) findCycle(indeg map[bc.ModuleID]int) []bc.ModuleID {
	var start bc.ModuleID
	for _, id := range g.ids {
		if indeg[id] > 0 {
			start = id
			break
		}
	}
	pos := make(map[bc.ModuleID]int)
	var path []bc.ModuleID
	for cur := start; ; {
		if i, seen := pos[cur]; seen {
			return append(path[i:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, d := range g.deps[cur] {
			if indeg[d] > 0 {
				cur = d
				break
			}
		}
	}
}
