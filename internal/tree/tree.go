// Package tree implements the scenario-tree data structure used to pose
// multistage stochastic control problems.
//
// A scenario tree encodes a finite-horizon discrete stochastic process: each
// node is a possible state-of-the-world at a stage, each edge carries the
// conditional probability of the child given its parent. Nodes are stored in
// an arena indexed by contiguous integer id, assigned breadth-first so that
// ascending id order is also stage order. Topology is immutable once a tree
// is built; only node values and payload maps may change afterwards.
package tree

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fagan2888/risk-averse/internal/cache"
)

// Error kinds surfaced by tree operations. Callers test with errors.Is.
var (
	ErrInvalidNodeID = errors.New("invalid node id")
	ErrUnmappedValue = errors.New("no data mapped for node value")
)

// probTol is the tolerance for probability consistency checks.
const probTol = 1e-9

// pathMemoSize bounds the ancestor-path memo per tree.
const pathMemoSize = 4096

// Tree is a scenario tree. The zero value is not usable; use a Builder or one
// of the treegen factories.
type Tree struct {
	parent   []int
	children [][]int
	stage    []int
	condProb []float64
	prob     []float64

	values [][]float64 // per-node realized process value, nil when unset
	data   []any       // per-node payload, nil when unset

	valueData map[string]any // value -> shared payload

	stages   [][]int // node ids per stage
	leaves   []int
	nonleaf  []int
	pathMemo *cache.Memo[int, []int]
}

// NumNodes returns the number of nodes in the tree.
func (t *Tree) NumNodes() int { return len(t.parent) }

// NumStages returns the number of stages (horizon + 1); the root is stage 0.
func (t *Tree) NumStages() int { return len(t.stages) }

// Horizon returns the maximum stage index over all nodes.
func (t *Tree) Horizon() int { return len(t.stages) - 1 }

// Root returns the root node id.
func (t *Tree) Root() int { return 0 }

func (t *Tree) checkID(id int) error {
	if id < 0 || id >= len(t.parent) {
		return fmt.Errorf("%w: %d (tree has %d nodes)", ErrInvalidNodeID, id, len(t.parent))
	}
	return nil
}

// StageOf returns the stage index of node id.
func (t *Tree) StageOf(id int) (int, error) {
	if err := t.checkID(id); err != nil {
		return 0, err
	}
	return t.stage[id], nil
}

// ParentOf returns the parent id of node id; ok is false for the root.
func (t *Tree) ParentOf(id int) (parent int, ok bool, err error) {
	if err := t.checkID(id); err != nil {
		return 0, false, err
	}
	if t.parent[id] < 0 {
		return 0, false, nil
	}
	return t.parent[id], true, nil
}

// ChildrenOf returns the ordered child ids of node id. The returned slice is
// owned by the tree and must not be mutated.
func (t *Tree) ChildrenOf(id int) ([]int, error) {
	if err := t.checkID(id); err != nil {
		return nil, err
	}
	return t.children[id], nil
}

// IsLeaf reports whether node id has no children.
func (t *Tree) IsLeaf(id int) (bool, error) {
	if err := t.checkID(id); err != nil {
		return false, err
	}
	return len(t.children[id]) == 0, nil
}

// CondProbOfNode returns the conditional probability of reaching node id from
// its parent. The root has conditional probability 1.
func (t *Tree) CondProbOfNode(id int) (float64, error) {
	if err := t.checkID(id); err != nil {
		return 0, err
	}
	return t.condProb[id], nil
}

// Probability returns the unconditional probability of reaching node id from
// the root.
func (t *Tree) Probability(id int) (float64, error) {
	if err := t.checkID(id); err != nil {
		return 0, err
	}
	return t.prob[id], nil
}

// CondProbOfChildren returns the conditional probability vector of the
// children of node id, in child order.
func (t *Tree) CondProbOfChildren(id int) ([]float64, error) {
	if err := t.checkID(id); err != nil {
		return nil, err
	}
	probs := make([]float64, len(t.children[id]))
	for i, c := range t.children[id] {
		probs[i] = t.condProb[c]
	}
	return probs, nil
}

// ValueOfNode returns the realized process value at node id, or nil when the
// node carries no value.
func (t *Tree) ValueOfNode(id int) ([]float64, error) {
	if err := t.checkID(id); err != nil {
		return nil, err
	}
	return t.values[id], nil
}

// SetValueAtNode attaches a realized process value to node id.
func (t *Tree) SetValueAtNode(id int, value []float64) error {
	if err := t.checkID(id); err != nil {
		return err
	}
	t.values[id] = append([]float64(nil), value...)
	return nil
}

// SetDataAtNode attaches a payload directly to node id, overriding any
// value-mapped payload for that node.
func (t *Tree) SetDataAtNode(id int, payload any) error {
	if err := t.checkID(id); err != nil {
		return err
	}
	t.data[id] = payload
	return nil
}

// MapValuesToData registers a shared payload per process value, so that all
// nodes realizing the same value resolve to the same payload without
// duplicating storage. values must be pairwise distinct and data must have
// the same length.
func (t *Tree) MapValuesToData(values [][]float64, data []any) error {
	if len(values) != len(data) {
		return fmt.Errorf("value-data mapping: %d values but %d payloads", len(values), len(data))
	}
	m := make(map[string]any, len(values))
	for i, v := range values {
		k := valueKey(v)
		if _, dup := m[k]; dup {
			return fmt.Errorf("value-data mapping: duplicate value %v", v)
		}
		m[k] = data[i]
	}
	t.valueData = m
	return nil
}

// DataOfNode resolves the payload for node id: a directly attached payload
// wins, otherwise the node's value is looked up in the value-to-data map.
func (t *Tree) DataOfNode(id int) (any, error) {
	if err := t.checkID(id); err != nil {
		return nil, err
	}
	if t.data[id] != nil {
		return t.data[id], nil
	}
	if t.values[id] != nil && t.valueData != nil {
		if payload, ok := t.valueData[valueKey(t.values[id])]; ok {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("%w: node %d (value %v)", ErrUnmappedValue, id, t.values[id])
}

// AncestorPath returns the node ids on the path from the root to node id,
// inclusive on both ends. Paths are memoized; the tree's topology never
// changes, so entries stay valid for the tree's lifetime.
func (t *Tree) AncestorPath(id int) ([]int, error) {
	if err := t.checkID(id); err != nil {
		return nil, err
	}
	return t.pathMemo.GetOrCompute(id, func() ([]int, error) {
		path := make([]int, 0, t.stage[id]+1)
		for n := id; n >= 0; n = t.parent[n] {
			path = append(path, n)
		}
		// reverse to root-first order
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		return path, nil
	})
}

// Validate checks the structural invariants of the tree: stage indices grow
// by exactly one from parent to child, children's conditional probabilities
// sum to one at every non-leaf node, and each non-leaf node's unconditional
// probability equals the sum of its children's (Kolmogorov consistency).
func (t *Tree) Validate() error {
	if len(t.parent) == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	if t.parent[0] != -1 || t.stage[0] != 0 {
		return fmt.Errorf("node 0 is not a root")
	}
	if math.Abs(t.prob[0]-1) > probTol {
		return fmt.Errorf("root probability %g != 1", t.prob[0])
	}
	for id := range t.parent {
		if id > 0 {
			p := t.parent[id]
			if p < 0 || p >= len(t.parent) {
				return fmt.Errorf("node %d has invalid parent %d", id, p)
			}
			if t.stage[id] != t.stage[p]+1 {
				return fmt.Errorf("node %d at stage %d but parent %d at stage %d", id, t.stage[id], p, t.stage[p])
			}
		}
		if len(t.children[id]) == 0 {
			continue
		}
		var condSum, probSum float64
		for _, c := range t.children[id] {
			condSum += t.condProb[c]
			probSum += t.prob[c]
		}
		if math.Abs(condSum-1) > probTol {
			return fmt.Errorf("children of node %d have conditional probabilities summing to %g", id, condSum)
		}
		if math.Abs(probSum-t.prob[id]) > probTol {
			return fmt.Errorf("children of node %d have total probability %g but node has %g", id, probSum, t.prob[id])
		}
	}
	return nil
}

// Stats summarizes a tree for display.
type Stats struct {
	Nodes     int `json:"nodes"`
	Leaves    int `json:"leaves"`
	Stages    int `json:"stages"`
	MaxDegree int `json:"max_degree"`
}

// Stats returns node, leaf, and stage counts plus the maximum branching degree.
func (t *Tree) Stats() Stats {
	maxDeg := 0
	for _, c := range t.children {
		if len(c) > maxDeg {
			maxDeg = len(c)
		}
	}
	return Stats{
		Nodes:     len(t.parent),
		Leaves:    len(t.leaves),
		Stages:    len(t.stages),
		MaxDegree: maxDeg,
	}
}

// String renders a one-line summary.
func (t *Tree) String() string {
	s := t.Stats()
	return fmt.Sprintf("scenario tree: %d nodes, %d leaves, %d stages", s.Nodes, s.Leaves, s.Stages)
}

func newPathMemo(size int) (*cache.Memo[int, []int], error) {
	return cache.NewMemo[int, []int](size)
}

// valueKey canonicalizes a value vector into a map key.
func valueKey(v []float64) string {
	var sb strings.Builder
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	return sb.String()
}
