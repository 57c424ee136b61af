package tree

import (
	"fmt"
	"math"
)

// Builder assembles a scenario tree node by node in breadth-first order.
// The factories in internal/treegen drive it; it is exported so tests and
// callers with bespoke topologies can construct trees directly.
//
// Node 0 (the root) exists implicitly. AddNode appends a child under an
// existing parent and returns the new node's id; ids are assigned
// sequentially, so adding stage by stage yields the breadth-first, stage-
// ordered numbering the iterators rely on.
type Builder struct {
	parent   []int
	condProb []float64
	values   [][]float64
}

// NewBuilder starts a tree with a lone root node.
func NewBuilder() *Builder {
	return &Builder{
		parent:   []int{-1},
		condProb: []float64{1},
		values:   [][]float64{nil},
	}
}

// SetRootValue attaches a realized process value to the root.
func (b *Builder) SetRootValue(value []float64) *Builder {
	b.values[0] = append([]float64(nil), value...)
	return b
}

// AddNode appends a child of parent with the given conditional probability
// and optional value (nil allowed), returning the new node id.
func (b *Builder) AddNode(parent int, condProb float64, value []float64) (int, error) {
	if parent < 0 || parent >= len(b.parent) {
		return 0, fmt.Errorf("%w: parent %d", ErrInvalidNodeID, parent)
	}
	id := len(b.parent)
	b.parent = append(b.parent, parent)
	b.condProb = append(b.condProb, condProb)
	if value != nil {
		value = append([]float64(nil), value...)
	}
	b.values = append(b.values, value)
	return id, nil
}

// NumNodes returns the number of nodes added so far (including the root).
func (b *Builder) NumNodes() int { return len(b.parent) }

// Build freezes the topology, computes stages and unconditional
// probabilities, and validates the result.
func (b *Builder) Build() (*Tree, error) {
	n := len(b.parent)
	t := &Tree{
		parent:   append([]int(nil), b.parent...),
		condProb: append([]float64(nil), b.condProb...),
		children: make([][]int, n),
		stage:    make([]int, n),
		prob:     make([]float64, n),
		values:   make([][]float64, n),
		data:     make([]any, n),
	}
	copy(t.values, b.values)

	t.prob[0] = 1
	maxStage := 0
	for id := 1; id < n; id++ {
		p := t.parent[id]
		if p < 0 || p >= id {
			return nil, fmt.Errorf("%w: node %d has parent %d", ErrInvalidNodeID, id, p)
		}
		t.children[p] = append(t.children[p], id)
		t.stage[id] = t.stage[p] + 1
		t.prob[id] = t.prob[p] * t.condProb[id]
		if t.stage[id] > maxStage {
			maxStage = t.stage[id]
		}
	}

	t.stages = make([][]int, maxStage+1)
	for id := 0; id < n; id++ {
		t.stages[t.stage[id]] = append(t.stages[t.stage[id]], id)
		if len(t.children[id]) == 0 {
			t.leaves = append(t.leaves, id)
		} else {
			t.nonleaf = append(t.nonleaf, id)
		}
	}

	memoSize := n
	if memoSize > pathMemoSize {
		memoSize = pathMemoSize
	}
	memo, err := newPathMemo(memoSize)
	if err != nil {
		return nil, err
	}
	t.pathMemo = memo

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// CheckDistribution verifies that probs is a probability distribution:
// nonnegative entries summing to one within tolerance.
func CheckDistribution(probs []float64) error {
	if len(probs) == 0 {
		return fmt.Errorf("empty distribution")
	}
	sum := 0.0
	for i, p := range probs {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("entry %d is %g", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > probTol {
		return fmt.Errorf("entries sum to %g", sum)
	}
	return nil
}
