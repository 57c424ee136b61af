// Package treegen generates scenario trees from stochastic process
// descriptions: finite i.i.d. distributions, Markov chains, or empirical
// sample paths. Every factory returns a topologically validated tree with
// breadth-first node numbering.
package treegen

import (
	"errors"
	"fmt"

	"github.com/fagan2888/risk-averse/internal/tree"
)

// Error kinds surfaced by the factories. Callers test with errors.Is.
var (
	ErrInvalidDistribution = errors.New("invalid probability distribution")
	ErrInvalidHorizon      = errors.New("invalid horizon")
)

// Options configures tree generation.
//
// BranchingHorizon is the stage at which branching stops: nodes at stages
// >= BranchingHorizon continue as a single deterministic scenario, keeping
// tree size bounded. Zero stops branching right at the root; nil branches
// over the whole horizon.
type Options struct {
	HorizonLength    int   // number of stages, >= 1
	BranchingHorizon *int  // 0 .. HorizonLength, nil = HorizonLength
	DimValue         int   // dimensionality of per-node values, default 1
	Ni               []int // per-stage representative counts (FromData only)
}

// Branching returns a pointer to k, for setting Options.BranchingHorizon
// inline.
func Branching(k int) *int { return &k }

// normalized applies defaults and validates ranges.
func (o Options) normalized() (Options, error) {
	if o.HorizonLength < 1 {
		return o, fmt.Errorf("%w: horizonLength %d < 1", ErrInvalidHorizon, o.HorizonLength)
	}
	if o.BranchingHorizon == nil {
		o.BranchingHorizon = Branching(o.HorizonLength)
	}
	if *o.BranchingHorizon < 0 || *o.BranchingHorizon > o.HorizonLength {
		return o, fmt.Errorf("%w: branchingHorizon %d not in [0, %d]", ErrInvalidHorizon, *o.BranchingHorizon, o.HorizonLength)
	}
	if o.DimValue == 0 {
		o.DimValue = 1
	}
	if o.DimValue < 1 {
		return o, fmt.Errorf("%w: dimValue %d < 1", ErrInvalidHorizon, o.DimValue)
	}
	return o, nil
}

// FromIID builds a scenario tree for an i.i.d. process over a finite set of
// values {0, .., m-1} with probability masses probDist. Nodes at stages below
// the branching horizon branch into every value with positive mass; beyond
// it each node continues deterministically with its most recent value.
func FromIID(probDist []float64, opts Options) (*tree.Tree, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	if err := tree.CheckDistribution(probDist); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDistribution, err)
	}

	b := tree.NewBuilder()
	branching := *opts.BranchingHorizon

	type layerNode struct {
		id    int
		value []float64
	}
	frontier := []layerNode{{id: 0}}

	for k := 0; k < opts.HorizonLength; k++ {
		next := make([]layerNode, 0, len(frontier))
		for _, node := range frontier {
			if k < branching {
				for j, p := range probDist {
					if p <= 0 {
						continue
					}
					v := []float64{float64(j)}
					id, err := b.AddNode(node.id, p, v)
					if err != nil {
						return nil, err
					}
					next = append(next, layerNode{id: id, value: v})
				}
			} else {
				// Single-scenario continuation: copy the parent's value.
				id, err := b.AddNode(node.id, 1, node.value)
				if err != nil {
					return nil, err
				}
				next = append(next, layerNode{id: id, value: node.value})
			}
		}
		frontier = next
	}
	return b.Build()
}

// FromMarkov builds a scenario tree for a Markov chain with the given initial
// distribution and row-stochastic transition matrix. The root's children are
// the states with nonzero initial probability; deeper generations branch into
// states reachable with nonzero transition probability. Beyond the branching
// horizon a node is frozen in its most recent state with probability 1; the
// root always realizes the initial state first, since it has no prior state
// to freeze.
func FromMarkov(initial []float64, transition [][]float64, opts Options) (*tree.Tree, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	if err := tree.CheckDistribution(initial); err != nil {
		return nil, fmt.Errorf("%w: initial distribution: %v", ErrInvalidDistribution, err)
	}
	m := len(initial)
	if len(transition) != m {
		return nil, fmt.Errorf("%w: transition matrix has %d rows for %d states", ErrInvalidDistribution, len(transition), m)
	}
	for i, row := range transition {
		if len(row) != m {
			return nil, fmt.Errorf("%w: transition row %d has %d entries for %d states", ErrInvalidDistribution, i, len(row), m)
		}
		if err := tree.CheckDistribution(row); err != nil {
			return nil, fmt.Errorf("%w: transition row %d: %v", ErrInvalidDistribution, i, err)
		}
	}

	b := tree.NewBuilder()
	branching := *opts.BranchingHorizon

	type layerNode struct {
		id    int
		state int
	}
	frontier := []layerNode{{id: 0, state: -1}}

	for k := 0; k < opts.HorizonLength; k++ {
		next := make([]layerNode, 0, len(frontier))
		for _, node := range frontier {
			switch {
			case node.state < 0:
				// Root branches according to the initial distribution.
				for j, p := range initial {
					if p <= 0 {
						continue
					}
					id, err := b.AddNode(node.id, p, []float64{float64(j)})
					if err != nil {
						return nil, err
					}
					next = append(next, layerNode{id: id, state: j})
				}
			case k < branching:
				for j, p := range transition[node.state] {
					if p <= 0 {
						continue
					}
					id, err := b.AddNode(node.id, p, []float64{float64(j)})
					if err != nil {
						return nil, err
					}
					next = append(next, layerNode{id: id, state: j})
				}
			default:
				// Frozen continuation in the current state.
				id, err := b.AddNode(node.id, 1, []float64{float64(node.state)})
				if err != nil {
					return nil, err
				}
				next = append(next, layerNode{id: id, state: node.state})
			}
		}
		frontier = next
	}
	return b.Build()
}
