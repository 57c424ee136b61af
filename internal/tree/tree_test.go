package tree

import (
	"errors"
	"math"
	"testing"
)

// buildBinary builds a two-stage binary tree:
//
//	0 -> {1 (0.6), 2 (0.4)}; 1 -> {3 (0.6), 4 (0.4)}; 2 -> {5 (0.6), 6 (0.4)}
func buildBinary(t *testing.T) *Tree {
	t.Helper()
	b := NewBuilder()
	for _, parent := range []int{0, 0, 1, 1, 2, 2} {
		p := 0.6
		if (b.NumNodes())%2 == 0 {
			p = 0.4
		}
		if _, err := b.AddNode(parent, p, []float64{float64(b.NumNodes() % 2)}); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}
	tr, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return tr
}

func TestTree_TopologyAndProbabilities(t *testing.T) {
	tr := buildBinary(t)

	if tr.NumNodes() != 7 {
		t.Fatalf("NumNodes() = %d, want 7", tr.NumNodes())
	}
	if tr.Horizon() != 2 {
		t.Errorf("Horizon() = %d, want 2", tr.Horizon())
	}

	// Leaf unconditional probabilities: {0.36, 0.24, 0.24, 0.16}
	want := map[int]float64{3: 0.36, 4: 0.24, 5: 0.24, 6: 0.16}
	for id, exp := range want {
		p, err := tr.Probability(id)
		if err != nil {
			t.Fatalf("Probability(%d) failed: %v", id, err)
		}
		if math.Abs(p-exp) > 1e-12 {
			t.Errorf("Probability(%d) = %g, want %g", id, p, exp)
		}
	}

	// Stage probabilities sum to one at every stage
	for k := 0; k < tr.NumStages(); k++ {
		sum := 0.0
		it := tr.NodesAtStage(k)
		for id, ok := it.Next(); ok; id, ok = it.Next() {
			p, _ := tr.Probability(id)
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("stage %d probabilities sum to %g", k, sum)
		}
	}

	if err := tr.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestTree_InvalidNodeID(t *testing.T) {
	tr := buildBinary(t)

	for _, id := range []int{-1, 7, 100} {
		if _, err := tr.Probability(id); !errors.Is(err, ErrInvalidNodeID) {
			t.Errorf("Probability(%d) error = %v, want ErrInvalidNodeID", id, err)
		}
		if _, err := tr.AncestorPath(id); !errors.Is(err, ErrInvalidNodeID) {
			t.Errorf("AncestorPath(%d) error = %v, want ErrInvalidNodeID", id, err)
		}
	}
}

func TestTree_AncestorPathRoundTrip(t *testing.T) {
	tr := buildBinary(t)

	it := tr.LeafNodes()
	for leaf, ok := it.Next(); ok; leaf, ok = it.Next() {
		path, err := tr.AncestorPath(leaf)
		if err != nil {
			t.Fatalf("AncestorPath(%d) failed: %v", leaf, err)
		}
		if path[0] != 0 || path[len(path)-1] != leaf {
			t.Fatalf("AncestorPath(%d) = %v, want root-first ending at leaf", leaf, path)
		}

		// Replaying conditional probabilities along the path reproduces the
		// leaf's unconditional probability.
		replayed := 1.0
		for _, id := range path {
			cp, _ := tr.CondProbOfNode(id)
			replayed *= cp
		}
		p, _ := tr.Probability(leaf)
		if math.Abs(replayed-p) > 1e-12 {
			t.Errorf("leaf %d: replayed probability %g != %g", leaf, replayed, p)
		}
	}

	// Memoized second lookup returns the identical path.
	p1, _ := tr.AncestorPath(6)
	p2, _ := tr.AncestorPath(6)
	if len(p1) != len(p2) {
		t.Fatalf("memoized path differs: %v vs %v", p1, p2)
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("memoized path differs: %v vs %v", p1, p2)
		}
	}
}

func TestTree_Iterators(t *testing.T) {
	tr := buildBinary(t)

	leaves := tr.LeafNodes()
	if leaves.Len() != 4 {
		t.Errorf("LeafNodes().Len() = %d, want 4", leaves.Len())
	}
	nonleaf := tr.NonleafNodes()
	if nonleaf.Len() != 3 {
		t.Errorf("NonleafNodes().Len() = %d, want 3", nonleaf.Len())
	}

	// Two simultaneous iterators over the same tree do not interfere.
	a, b := tr.AllNodes(), tr.AllNodes()
	a.Next()
	a.Next()
	if id, ok := b.Next(); !ok || id != 0 {
		t.Errorf("second iterator disturbed: got (%d, %v), want (0, true)", id, ok)
	}

	// Reset rewinds without losing the sequence.
	a.Reset()
	if id, ok := a.Next(); !ok || id != 0 {
		t.Errorf("Reset did not rewind: got (%d, %v)", id, ok)
	}

	// Ascending id order.
	all := tr.AllNodes()
	prev := -1
	for id, ok := all.Next(); ok; id, ok = all.Next() {
		if id <= prev {
			t.Fatalf("iteration order not ascending: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestTree_ValueDataMapping(t *testing.T) {
	tr := buildBinary(t)

	type dyn struct{ tag string }
	err := tr.MapValuesToData(
		[][]float64{{0}, {1}},
		[]any{&dyn{"zero"}, &dyn{"one"}},
	)
	if err != nil {
		t.Fatalf("MapValuesToData failed: %v", err)
	}

	d, err := tr.DataOfNode(1)
	if err != nil {
		t.Fatalf("DataOfNode(1) failed: %v", err)
	}
	if d.(*dyn).tag != "one" {
		t.Errorf("DataOfNode(1) = %q, want %q", d.(*dyn).tag, "one")
	}

	// Nodes realizing the same value share one payload.
	d3, _ := tr.DataOfNode(3)
	d5, _ := tr.DataOfNode(5)
	if d3 != d5 {
		t.Error("nodes with equal values should share the mapped payload")
	}

	// Direct payload wins over the value map.
	override := &dyn{"direct"}
	if err := tr.SetDataAtNode(1, override); err != nil {
		t.Fatalf("SetDataAtNode failed: %v", err)
	}
	d, _ = tr.DataOfNode(1)
	if d != any(override) {
		t.Error("direct payload should override value mapping")
	}

	// Root has no value and no payload.
	if _, err := tr.DataOfNode(0); !errors.Is(err, ErrUnmappedValue) {
		t.Errorf("DataOfNode(0) error = %v, want ErrUnmappedValue", err)
	}

	// Duplicate values rejected, and not as a lookup failure.
	err = tr.MapValuesToData([][]float64{{1}, {1}}, []any{1, 2})
	if err == nil {
		t.Error("duplicate mapping was accepted")
	} else if errors.Is(err, ErrUnmappedValue) {
		t.Errorf("duplicate mapping error = %v, should not be ErrUnmappedValue", err)
	}

	// Length mismatch rejected, and not as a lookup failure.
	err = tr.MapValuesToData([][]float64{{1}}, []any{1, 2})
	if err == nil {
		t.Error("length mismatch was accepted")
	} else if errors.Is(err, ErrUnmappedValue) {
		t.Errorf("length mismatch error = %v, should not be ErrUnmappedValue", err)
	}
}

func TestTree_SetValueAtNode(t *testing.T) {
	tr := buildBinary(t)

	if err := tr.SetValueAtNode(0, []float64{7, 8}); err != nil {
		t.Fatalf("SetValueAtNode failed: %v", err)
	}
	v, err := tr.ValueOfNode(0)
	if err != nil {
		t.Fatalf("ValueOfNode failed: %v", err)
	}
	if len(v) != 2 || v[0] != 7 || v[1] != 8 {
		t.Errorf("ValueOfNode(0) = %v, want [7 8]", v)
	}

	if err := tr.SetValueAtNode(99, []float64{1}); !errors.Is(err, ErrInvalidNodeID) {
		t.Errorf("SetValueAtNode(99) error = %v, want ErrInvalidNodeID", err)
	}
}

func TestTree_Stats(t *testing.T) {
	tr := buildBinary(t)
	s := tr.Stats()
	if s.Nodes != 7 || s.Leaves != 4 || s.Stages != 3 || s.MaxDegree != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}
