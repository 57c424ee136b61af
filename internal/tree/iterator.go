package tree

// Iterator is a stateful, restartable cursor over a fixed set of node ids.
// Iteration order is ascending node id, which by construction is breadth-
// first, stage-ordered enumeration. Iterators over the same tree are
// independent; Reset rewinds without reallocating the id sequence.
type Iterator struct {
	ids []int
	pos int
}

// Next advances the cursor and returns the next node id; ok is false once
// the sequence is exhausted.
func (it *Iterator) Next() (id int, ok bool) {
	if it.pos >= len(it.ids) {
		return 0, false
	}
	id = it.ids[it.pos]
	it.pos++
	return id, true
}

// HasNext reports whether another id remains.
func (it *Iterator) HasNext() bool { return it.pos < len(it.ids) }

// Reset rewinds the cursor to the start.
func (it *Iterator) Reset() { it.pos = 0 }

// Len returns the total number of ids the iterator ranges over.
func (it *Iterator) Len() int { return len(it.ids) }

// NodesAtStage returns an iterator over the nodes at stage k. A stage beyond
// the horizon yields an empty iterator.
func (t *Tree) NodesAtStage(k int) *Iterator {
	if k < 0 || k >= len(t.stages) {
		return &Iterator{}
	}
	return &Iterator{ids: t.stages[k]}
}

// NonleafNodes returns an iterator over all nodes with at least one child.
func (t *Tree) NonleafNodes() *Iterator { return &Iterator{ids: t.nonleaf} }

// LeafNodes returns an iterator over all childless nodes.
func (t *Tree) LeafNodes() *Iterator { return &Iterator{ids: t.leaves} }

// AllNodes returns an iterator over every node in the tree.
func (t *Tree) AllNodes() *Iterator {
	ids := make([]int, len(t.parent))
	for i := range ids {
		ids[i] = i
	}
	return &Iterator{ids: ids}
}
