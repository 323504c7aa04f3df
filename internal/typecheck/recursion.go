package typecheck

import (
	"sort"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// recursiveDatatypes rejects datatypes of this module that contain
// themselves by value, directly or through other local datatypes. Kahn's
// algorithm leaves exactly the datatypes on or behind a cycle.
func (mc *moduleChecker) recursiveDatatypes() {
	m := mc.m
	local := make(map[bc.DatatypeHandleIndex][][]bc.FieldDefinition)
	for _, sd := range m.StructDefs {
		local[sd.Handle] = append(local[sd.Handle], sd.Fields)
	}
	for _, ed := range m.EnumDefs {
		for _, v := range ed.Variants {
			local[ed.Handle] = append(local[ed.Handle], v.Fields)
		}
	}

	// edges[x] lists the local datatypes containing x; outdeg[h] counts the
	// distinct local datatypes h contains.
	edges := make(map[bc.DatatypeHandleIndex][]bc.DatatypeHandleIndex, len(local))
	outdeg := make(map[bc.DatatypeHandleIndex]int, len(local))
	for h, groups := range local {
		seen := make(map[bc.DatatypeHandleIndex]bool)
		for _, fields := range groups {
			for _, f := range fields {
				f.Type.Walk(func(x bc.SignatureToken) bool {
					if x.IsDatatype() {
						if _, ok := local[x.Handle]; ok && !seen[x.Handle] {
							seen[x.Handle] = true
							edges[x.Handle] = append(edges[x.Handle], h)
							outdeg[h]++
						}
					}
					return true
				})
			}
		}
		if _, ok := outdeg[h]; !ok {
			outdeg[h] = 0
		}
	}

	// Peel datatypes that contain nothing unresolved.
	var ready []bc.DatatypeHandleIndex
	for h, d := range outdeg {
		if d == 0 {
			ready = append(ready, h)
		}
	}
	for len(ready) > 0 {
		h := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		for _, container := range edges[h] {
			outdeg[container]--
			if outdeg[container] == 0 {
				ready = append(ready, container)
			}
		}
	}

	var cyclic []bc.DatatypeHandleIndex
	for h, d := range outdeg {
		if d > 0 {
			cyclic = append(cyclic, h)
		}
	}
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })
	for _, h := range cyclic {
		mc.add(verrors.New(verrors.RecursiveDatatype, verrors.Location{Function: verrors.NoFunction, Offset: verrors.NoOffset, Name: m.DatatypeHandle(h).Name},
			"datatype %s contains itself", m.DatatypeName(h)))
	}
}

// typeParamNode is one type parameter of one local function definition.
type typeParamNode struct {
	fn    bc.FunctionDefinitionIndex
	param int
}

// instEdge records that a generic call passes a type built from a caller's
// parameter to a callee's parameter. grows is set unless the argument is the
// caller's parameter itself.
type instEdge struct {
	to    typeParamNode
	grows bool
	at    verrors.Location
}

// instantiationLoops rejects generic call cycles among local functions that
// wrap a type parameter in a larger type on each round, and bounds the number
// of wrapping steps along acyclic call chains.
func (mc *moduleChecker) instantiationLoops() {
	m := mc.m
	graph := make(map[typeParamNode][]instEdge)
	var nodes []typeParamNode
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		caller := bc.FunctionDefinitionIndex(i)
		for p := range m.FunctionHandles[fd.Function].TypeParameters {
			nodes = append(nodes, typeParamNode{caller, p})
		}
		if fd.Code == nil {
			continue
		}
		for off, in := range fd.Code.Code {
			if in.Op != bc.OpCallGeneric {
				continue
			}
			fi := m.FunctionInstantiations[in.Arg]
			callee, ok := m.FindFunctionDef(fi.Handle)
			if !ok {
				continue
			}
			loc := verrors.Location{Function: i, Offset: off, Name: m.FunctionName(caller)}
			for j, arg := range m.Signatures[fi.TypeParameters] {
				to := typeParamNode{callee, j}
				arg.Walk(func(x bc.SignatureToken) bool {
					if x.Kind == bc.TokTypeParameter {
						from := typeParamNode{caller, int(x.Param)}
						graph[from] = append(graph[from], instEdge{to: to, grows: arg.Kind != bc.TokTypeParameter, at: loc})
					}
					return true
				})
			}
		}
	}

	for _, from := range nodes {
		for _, e := range graph[from] {
			if e.grows && reaches(graph, e.to, from) {
				mc.add(verrors.New(verrors.InstantiationLoop, e.at,
					"type parameter %d of %s is instantiated with a growing type in a recursive call cycle",
					from.param, m.FunctionName(from.fn)))
				return
			}
		}
	}

	limit := mc.c.MaxTypeInstantiationDepth
	if limit <= 0 {
		return
	}
	// Longest growing chain; with no growing cycles left, len(nodes) rounds of
	// relaxation reach the fixed point.
	depth := make(map[typeParamNode]int, len(nodes))
	for round := 0; round <= len(nodes); round++ {
		changed := false
		for _, from := range nodes {
			for _, e := range graph[from] {
				d := depth[from]
				if e.grows {
					d++
				}
				if d > depth[e.to] {
					depth[e.to] = d
					changed = true
					if d > limit {
						mc.add(verrors.New(verrors.TypeTooDeep, e.at,
							"generic calls nest type arguments %d levels deep, over the limit of %d", d, limit))
						return
					}
				}
			}
		}
		if !changed {
			return
		}
	}
}

func reaches(graph map[typeParamNode][]instEdge, from, target typeParamNode) bool {
	seen := map[typeParamNode]bool{from: true}
	work := []typeParamNode{from}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if n == target {
			return true
		}
		for _, e := range graph[n] {
			if !seen[e.to] {
				seen[e.to] = true
				work = append(work, e.to)
			}
		}
	}
	return false
}
