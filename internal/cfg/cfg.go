// Package cfg partitions a function body into basic blocks and derives the
// control-flow graph traversed by the abstract interpreters.
package cfg

import (
	"fmt"
	"sort"
	"strings"

	bc "github.com/orizon-lang/bcverify/internal/bytecode"
	"github.com/orizon-lang/bcverify/internal/config"
	verrors "github.com/orizon-lang/bcverify/internal/errors"
)

// BlockID indexes Graph.Blocks. Blocks are numbered in code offset order, so
// the entry block is always 0.
type BlockID int

// Entry is the id of the entry block.
const Entry BlockID = 0

// Block is a maximal straight-line run of instructions [Start, End].
type Block struct {
	ID           BlockID
	Start        int
	End          int
	Successors   []BlockID
	Predecessors []BlockID
}

// Len returns the number of instructions in the block.
func (b *Block) Len() int { return b.End - b.Start + 1 }

// Graph is the control-flow graph of one function.
type Graph struct {
	Blocks []*Block

	byStart   map[int]BlockID
	reachable []bool
	rpo       []BlockID
	rpoIndex  []int
	backEdges map[edge]bool
	loopDepth []int
	loopHeads []bool
}

type edge struct{ from, to BlockID }

// ====== Construction ======

// Build constructs the graph of code, the body of function definition fn.
// It fails with MalformedControlFlow, EmptyCodeUnit, TooManyBasicBlocks or
// LoopNestingTooDeep.
func Build(fn int, code *bc.CodeUnit, c config.Config) (*Graph, *verrors.VerificationError) {
	if code == nil || len(code.Code) == 0 {
		return nil, verrors.New(verrors.EmptyCodeUnit, verrors.At(fn, verrors.NoOffset), "function body has no instructions")
	}
	n := len(code.Code)
	if last := code.Code[n-1].Op; !last.IsUnconditionalBranch() {
		return nil, verrors.New(verrors.MalformedControlFlow, verrors.At(fn, n-1),
			"control falls through the end of the function after %s", last)
	}

	leaders := map[int]bool{0: true}
	for off, in := range code.Code {
		targets, err := branchTargets(fn, off, in, code)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			leaders[t] = true
		}
		if (in.Op.IsBranch() || in.Op.IsExit()) && off+1 < n {
			leaders[off+1] = true
		}
	}
	if c.MaxBasicBlocks > 0 && len(leaders) > c.MaxBasicBlocks {
		return nil, verrors.New(verrors.TooManyBasicBlocks, verrors.At(fn, verrors.NoOffset),
			"%d basic blocks exceed the limit of %d", len(leaders), c.MaxBasicBlocks)
	}

	starts := make([]int, 0, len(leaders))
	for off := range leaders {
		starts = append(starts, off)
	}
	sort.Ints(starts)

	g := &Graph{
		Blocks:  make([]*Block, len(starts)),
		byStart: make(map[int]BlockID, len(starts)),
	}
	for i, start := range starts {
		end := n - 1
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		g.Blocks[i] = &Block{ID: BlockID(i), Start: start, End: end}
		g.byStart[start] = BlockID(i)
	}

	for _, b := range g.Blocks {
		last := code.Code[b.End]
		targets, _ := branchTargets(fn, b.End, last, code)
		var succ []int
		switch {
		case last.Op.IsExit():
		case last.Op == bc.OpBranch || last.Op == bc.OpVariantSwitch:
			succ = targets
		case last.Op.IsConditionalBranch():
			succ = append(targets, b.End+1)
		default:
			succ = []int{b.End + 1}
		}
		seen := make(map[BlockID]bool, len(succ))
		for _, off := range succ {
			id := g.byStart[off]
			if seen[id] {
				continue
			}
			seen[id] = true
			b.Successors = append(b.Successors, id)
			g.Blocks[id].Predecessors = append(g.Blocks[id].Predecessors, b.ID)
		}
	}

	g.traverse()
	if err := g.computeLoops(fn); err != nil {
		return nil, err
	}
	if c.MaxLoopDepth > 0 {
		for _, b := range g.Blocks {
			if d := g.loopDepth[b.ID]; d > c.MaxLoopDepth {
				return nil, verrors.New(verrors.LoopNestingTooDeep, verrors.At(fn, b.Start),
					"loop nesting depth %d exceeds the limit of %d", d, c.MaxLoopDepth)
			}
		}
	}
	return g, nil
}

// branchTargets returns the explicit jump targets of in.
func branchTargets(fn, off int, in bc.Instruction, code *bc.CodeUnit) ([]int, *verrors.VerificationError) {
	n := len(code.Code)
	switch {
	case in.Op == bc.OpBranch || in.Op.IsConditionalBranch():
		if int(in.Arg) >= n {
			return nil, verrors.New(verrors.MalformedControlFlow, verrors.At(fn, off),
				"branch target %d outside code of length %d", in.Arg, n)
		}
		return []int{int(in.Arg)}, nil
	case in.Op == bc.OpVariantSwitch:
		if int(in.Arg) >= len(code.JumpTables) {
			return nil, verrors.New(verrors.MalformedControlFlow, verrors.At(fn, off),
				"jump table %d not declared (%d tables)", in.Arg, len(code.JumpTables))
		}
		jt := code.JumpTables[in.Arg]
		out := make([]int, 0, len(jt.Targets))
		for _, t := range jt.Targets {
			if int(t) >= n {
				return nil, verrors.New(verrors.MalformedControlFlow, verrors.At(fn, off),
					"jump table %d target %d outside code of length %d", in.Arg, t, n)
			}
			out = append(out, int(t))
		}
		return out, nil
	}
	return nil, nil
}

// traverse computes reachability and a reverse postorder with an explicit
// stack. Back edges are edges into a block still on the DFS stack.
func (g *Graph) traverse() {
	nb := len(g.Blocks)
	g.reachable = make([]bool, nb)
	g.backEdges = make(map[edge]bool)
	onStack := make([]bool, nb)
	post := make([]BlockID, 0, nb)

	type frame struct {
		id   BlockID
		next int
	}
	stack := []frame{{id: Entry}}
	g.reachable[Entry] = true
	onStack[Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := g.Blocks[top.id].Successors
		if top.next < len(succ) {
			s := succ[top.next]
			top.next++
			switch {
			case onStack[s]:
				g.backEdges[edge{top.id, s}] = true
			case !g.reachable[s]:
				g.reachable[s] = true
				onStack[s] = true
				stack = append(stack, frame{id: s})
			}
			continue
		}
		onStack[top.id] = false
		post = append(post, top.id)
		stack = stack[:len(stack)-1]
	}

	g.rpo = make([]BlockID, len(post))
	g.rpoIndex = make([]int, nb)
	for i := range g.rpoIndex {
		g.rpoIndex[i] = -1
	}
	for i, id := range post {
		pos := len(post) - 1 - i
		g.rpo[pos] = id
		g.rpoIndex[id] = pos
	}
}

// computeLoops collects the natural loop of each back edge and derives the
// nesting depth of every block. A back edge whose head does not dominate its
// tail makes the graph irreducible and is rejected.
func (g *Graph) computeLoops(fn int) *verrors.VerificationError {
	nb := len(g.Blocks)
	g.loopDepth = make([]int, nb)
	g.loopHeads = make([]bool, nb)

	heads := make(map[BlockID]map[BlockID]bool)
	for _, e := range g.sortedBackEdges() {
		body, ok := heads[e.to]
		if !ok {
			body = map[BlockID]bool{e.to: true}
			heads[e.to] = body
		}
		work := []BlockID{e.from}
		for len(work) > 0 {
			id := work[len(work)-1]
			work = work[:len(work)-1]
			if body[id] {
				continue
			}
			if id == Entry {
				return verrors.New(verrors.MalformedControlFlow, verrors.At(fn, g.Blocks[e.from].End),
					"irreducible loop: block %d is entered without passing its head %d", e.from, e.to)
			}
			body[id] = true
			for _, p := range g.Blocks[id].Predecessors {
				if g.reachable[p] {
					work = append(work, p)
				}
			}
		}
	}
	for head, body := range heads {
		g.loopHeads[head] = true
		for id := range body {
			g.loopDepth[id]++
		}
	}
	return nil
}

func (g *Graph) sortedBackEdges() []edge {
	out := make([]edge, 0, len(g.backEdges))
	for e := range g.backEdges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].to != out[j].to {
			return out[i].to < out[j].to
		}
		return out[i].from < out[j].from
	})
	return out
}

// ====== Queries ======

// BlockAt returns the block starting at offset off.
func (g *Graph) BlockAt(off int) (BlockID, bool) {
	id, ok := g.byStart[off]
	return id, ok
}

// Block returns the block with the given id.
func (g *Graph) Block(id BlockID) *Block { return g.Blocks[id] }

// NumBlocks returns the number of blocks, reachable or not.
func (g *Graph) NumBlocks() int { return len(g.Blocks) }

// ReversePostorder returns the reachable blocks in reverse postorder: every
// block appears after all of its predecessors except those reaching it
// through a back edge.
func (g *Graph) ReversePostorder() []BlockID { return append([]BlockID(nil), g.rpo...) }

// Order returns the position of id in the reverse postorder, or -1 when the
// block is unreachable.
func (g *Graph) Order(id BlockID) int { return g.rpoIndex[id] }

// Reachable reports whether id is reachable from the entry block.
func (g *Graph) Reachable(id BlockID) bool { return g.reachable[id] }

// Unreachable returns the blocks that cannot be reached from the entry.
func (g *Graph) Unreachable() []BlockID {
	var out []BlockID
	for _, b := range g.Blocks {
		if !g.reachable[b.ID] {
			out = append(out, b.ID)
		}
	}
	return out
}

// IsBackEdge reports whether from -> to closes a loop.
func (g *Graph) IsBackEdge(from, to BlockID) bool { return g.backEdges[edge{from, to}] }

// IsLoopHead reports whether id is the target of a back edge.
func (g *Graph) IsLoopHead(id BlockID) bool { return g.loopHeads[id] }

// LoopDepth returns the number of loops containing id.
func (g *Graph) LoopDepth(id BlockID) int { return g.loopDepth[id] }

// MaxLoopDepth returns the deepest loop nesting in the graph.
func (g *Graph) MaxLoopDepth() int {
	d := 0
	for _, x := range g.loopDepth {
		if x > d {
			d = x
		}
	}
	return d
}

// Exits returns the reachable blocks that end the function.
func (g *Graph) Exits() []BlockID {
	var out []BlockID
	for _, b := range g.Blocks {
		if g.reachable[b.ID] && len(b.Successors) == 0 {
			out = append(out, b.ID)
		}
	}
	return out
}

// Render prints the graph with its instructions for the inspect shell.
func (g *Graph) Render(code []bc.Instruction) string {
	var sb strings.Builder
	for _, b := range g.Blocks {
		fmt.Fprintf(&sb, "B%d [%d..%d]", b.ID, b.Start, b.End)
		if !g.reachable[b.ID] {
			sb.WriteString(" unreachable")
		}
		if g.loopHeads[b.ID] {
			sb.WriteString(" loop-head")
		}
		if d := g.loopDepth[b.ID]; d > 0 {
			fmt.Fprintf(&sb, " depth=%d", d)
		}
		sb.WriteString(" ->")
		for _, s := range b.Successors {
			fmt.Fprintf(&sb, " B%d", s)
			if g.IsBackEdge(b.ID, s) {
				sb.WriteString("(back)")
			}
		}
		sb.WriteByte('\n')
		for off := b.Start; off <= b.End && off < len(code); off++ {
			fmt.Fprintf(&sb, "  %4d: %s\n", off, code[off])
		}
	}
	return sb.String()
}
