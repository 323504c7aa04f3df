package cfg

import "container/heap"

// Worklist hands out pending blocks lowest reverse-postorder position first,
// so a block is revisited only after its forward predecessors settle. A block
// already pending is not queued twice.
type Worklist struct {
	g       *Graph
	pending []bool
	h       blockHeap
}

// NewWorklist returns an empty worklist over the reachable blocks of g.
func NewWorklist(g *Graph) *Worklist {
	return &Worklist{g: g, pending: make([]bool, len(g.Blocks)), h: blockHeap{g: g}}
}

// Push queues id unless it is already pending or unreachable.
func (w *Worklist) Push(id BlockID) {
	if w.pending[id] || !w.g.reachable[id] {
		return
	}
	w.pending[id] = true
	heap.Push(&w.h, id)
}

// Pop removes the pending block that comes first in reverse postorder.
func (w *Worklist) Pop() (BlockID, bool) {
	if w.h.Len() == 0 {
		return 0, false
	}
	id := heap.Pop(&w.h).(BlockID)
	w.pending[id] = false
	return id, true
}

// Len returns the number of pending blocks.
func (w *Worklist) Len() int { return w.h.Len() }

type blockHeap struct {
	g   *Graph
	ids []BlockID
}

func (h blockHeap) Len() int { return len(h.ids) }
func (h blockHeap) Less(i, j int) bool {
	return h.g.rpoIndex[h.ids[i]] < h.g.rpoIndex[h.ids[j]]
}
func (h blockHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *blockHeap) Push(x any) { h.ids = append(h.ids, x.(BlockID)) }
func (h *blockHeap) Pop() any {
	old := h.ids
	x := old[len(old)-1]
	h.ids = old[:len(old)-1]
	return x
}
