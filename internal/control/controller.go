// Package control assembles and solves risk-averse optimal control problems
// over scenario trees.
//
// The problem follows the nested (time-consistent) recursion
//
//	costToGo(i) = stageCost(x_i, u_i) + Risk_i( costToGo(children of i) )
//
// with terminal quadratic cost at the leaves, linear dynamics selected per
// child through the tree's value-to-data map, and box input bounds. The
// recursion is not solved node by node: every risk measure's dual envelope
// is lifted into one top-level convex conic program (auxiliary multipliers
// and epigraph scalars become decision variables), which is handed to the
// generic solver interface in a single solve. Smooth entropic risk
// constraints are refined by supporting hyperplanes around repeated solves.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fagan2888/risk-averse/internal/risk"
	"github.com/fagan2888/risk-averse/internal/solver"
	"github.com/fagan2888/risk-averse/internal/tree"
)

// ErrIncompleteSpecification reports a builder with a missing or
// inconsistent field; the message names the offending field.
var ErrIncompleteSpecification = errors.New("incomplete controller specification")

// ErrSolveFailure mirrors the solver's failure sentinel so callers depending
// on this package alone can classify solve errors.
var ErrSolveFailure = solver.ErrSolveFailure

// Dynamics carries the matrices of one linear mode x⁺ = Ax + Bu. Attach
// instances to tree nodes directly or through Tree.MapValuesToData so that
// all nodes realizing the same process value share one mode.
type Dynamics struct {
	A [][]float64
	B [][]float64
}

// Builder accumulates the problem specification through chained setters and
// freezes it with MakeController.
type Builder struct {
	tree       *tree.Tree
	riskFn     risk.Parametric
	umin, umax []float64
	q, r, qn   [][]float64
	backend    solver.Interface
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// SetScenarioTree sets the scenario tree the problem is posed over.
func (b *Builder) SetScenarioTree(t *tree.Tree) *Builder {
	b.tree = t
	return b
}

// SetInputBounds sets elementwise bounds umin ≤ u ≤ umax at every non-leaf
// node.
func (b *Builder) SetInputBounds(umin, umax []float64) *Builder {
	b.umin = umin
	b.umax = umax
	return b
}

// SetParametricRiskCost sets the risk family bound per node to the node's
// children's conditional probabilities.
func (b *Builder) SetParametricRiskCost(fn risk.Parametric) *Builder {
	b.riskFn = fn
	return b
}

// SetStageCost sets the per-node stage cost xᵀQx + uᵀRu.
func (b *Builder) SetStageCost(Q, R [][]float64) *Builder {
	b.q = Q
	b.r = R
	return b
}

// SetTerminalCostMatrix sets the quadratic terminal cost xᵀQNx at the leaves.
func (b *Builder) SetTerminalCostMatrix(QN [][]float64) *Builder {
	b.qn = QN
	return b
}

// SetSolver substitutes the convex solver backend.
func (b *Builder) SetSolver(s solver.Interface) *Builder {
	b.backend = s
	return b
}

const (
	liftPoly = iota
	liftEVaR
)

// lift is the dual representation of one node's risk measure inside the
// assembled program.
type lift struct {
	kind int
	// polyhedral envelope { q ≥ 0, Σq = 1, Cq ≤ d }
	C [][]float64
	d []float64
	// entropic measure, refined by supporting hyperplanes
	ev *risk.EVaR
	p  []float64
}

// Controller is a frozen problem ready to solve for arbitrary initial
// states. It is immutable after MakeController.
type Controller struct {
	tr     *tree.Tree
	nx, nu int

	umin, umax []float64
	fq, fr, fn [][]float64 // factors: xᵀQx = ‖fq·x‖² etc.

	dyn     []*Dynamics // by node id, nil at root
	nonleaf []int
	uPos    map[int]int // node id -> nonleaf position
	lifts   []lift      // by nonleaf position

	// variable layout
	numVars  int
	riskOff  []int // by nonleaf position
	hasEVaR  bool
	backend  solver.Interface

	// entropic refinement policy
	RefineMaxIter int
	RefineTol     float64
}

const (
	refineMaxIterDefault = 60
	refineTolDefault     = 1e-6
)

// MakeController validates the specification, resolves per-node dynamics
// through the tree, builds every node's risk lift, and freezes the variable
// layout of the convex program. It fails with ErrIncompleteSpecification
// naming the first missing field.
func (b *Builder) MakeController() (*Controller, error) {
	switch {
	case b.tree == nil:
		return nil, fmt.Errorf("%w: scenarioTree not set", ErrIncompleteSpecification)
	case b.riskFn == nil:
		return nil, fmt.Errorf("%w: parametricRiskCost not set", ErrIncompleteSpecification)
	case b.umin == nil || b.umax == nil:
		return nil, fmt.Errorf("%w: inputBounds not set", ErrIncompleteSpecification)
	case b.q == nil || b.r == nil:
		return nil, fmt.Errorf("%w: stageCost not set", ErrIncompleteSpecification)
	case b.qn == nil:
		return nil, fmt.Errorf("%w: terminalCostMatrix not set", ErrIncompleteSpecification)
	}

	nx := len(b.qn)
	nu := len(b.umin)
	if len(b.umax) != nu {
		return nil, fmt.Errorf("%w: inputBounds dimensions differ (%d vs %d)", ErrIncompleteSpecification, nu, len(b.umax))
	}
	for j := 0; j < nu; j++ {
		if b.umin[j] > b.umax[j] {
			return nil, fmt.Errorf("%w: inputBounds empty in component %d", ErrIncompleteSpecification, j)
		}
	}

	fq, err := psdFactor(b.q, nx, "stageCost Q")
	if err != nil {
		return nil, err
	}
	fr, err := psdFactor(b.r, nu, "stageCost R")
	if err != nil {
		return nil, err
	}
	fn, err := psdFactor(b.qn, nx, "terminalCostMatrix")
	if err != nil {
		return nil, err
	}

	c := &Controller{
		tr:            b.tree,
		nx:            nx,
		nu:            nu,
		umin:          append([]float64(nil), b.umin...),
		umax:          append([]float64(nil), b.umax...),
		fq:            fq,
		fr:            fr,
		fn:            fn,
		backend:       b.backend,
		RefineMaxIter: refineMaxIterDefault,
		RefineTol:     refineTolDefault,
	}
	if c.backend == nil {
		c.backend = solver.NewADMM()
	}

	// Resolve dynamics for every non-root node through the value map.
	V := b.tree.NumNodes()
	c.dyn = make([]*Dynamics, V)
	for id := 1; id < V; id++ {
		payload, err := b.tree.DataOfNode(id)
		if err != nil {
			return nil, fmt.Errorf("dynamics for node %d: %w", id, err)
		}
		d, ok := payload.(*Dynamics)
		if !ok {
			return nil, fmt.Errorf("%w: node %d payload is %T, want *control.Dynamics", ErrIncompleteSpecification, id, payload)
		}
		if err := checkDynDims(d, nx, nu); err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		c.dyn[id] = d
	}

	// Build each non-leaf node's risk lift.
	it := b.tree.NonleafNodes()
	c.uPos = make(map[int]int, it.Len())
	for id, ok := it.Next(); ok; id, ok = it.Next() {
		probs, err := b.tree.CondProbOfChildren(id)
		if err != nil {
			return nil, err
		}
		m, err := b.riskFn(probs)
		if err != nil {
			return nil, fmt.Errorf("risk measure at node %d: %w", id, err)
		}
		lf, err := liftOf(m)
		if err != nil {
			return nil, fmt.Errorf("risk measure at node %d: %w", id, err)
		}
		c.uPos[id] = len(c.nonleaf)
		c.nonleaf = append(c.nonleaf, id)
		c.lifts = append(c.lifts, lf)
		if lf.kind == liftEVaR {
			c.hasEVaR = true
		}
	}

	// Freeze the variable layout: states, inputs, cost-to-go epigraphs,
	// stage-cost epigraphs, then per-node risk duals.
	U := len(c.nonleaf)
	off := V*nx + U*nu + V + U
	c.riskOff = make([]int, U)
	for k, lf := range c.lifts {
		c.riskOff[k] = off
		switch lf.kind {
		case liftPoly:
			off += 1 + len(lf.d) // λ and η
		case liftEVaR:
			off++ // τ
		}
	}
	c.numVars = off
	return c, nil
}

func liftOf(m risk.Measure) (lift, error) {
	switch rm := m.(type) {
	case *risk.AVaR:
		p := rm.Probabilities()
		n := len(p)
		C := make([][]float64, n)
		d := make([]float64, n)
		for i := 0; i < n; i++ {
			C[i] = make([]float64, n)
			C[i][i] = 1
			d[i] = p[i] / rm.Alpha()
		}
		return lift{kind: liftPoly, C: C, d: d}, nil
	case *risk.Polyhedral:
		C, d := rm.Envelope()
		return lift{kind: liftPoly, C: C, d: d}, nil
	case *risk.EVaR:
		return lift{kind: liftEVaR, ev: rm, p: rm.Probabilities()}, nil
	default:
		return lift{}, fmt.Errorf("%w: unsupported risk measure %T", ErrIncompleteSpecification, m)
	}
}

func checkDynDims(d *Dynamics, nx, nu int) error {
	if len(d.A) != nx {
		return fmt.Errorf("%w: A has %d rows, want %d", ErrIncompleteSpecification, len(d.A), nx)
	}
	for _, row := range d.A {
		if len(row) != nx {
			return fmt.Errorf("%w: A is not %d×%d", ErrIncompleteSpecification, nx, nx)
		}
	}
	if len(d.B) != nx {
		return fmt.Errorf("%w: B has %d rows, want %d", ErrIncompleteSpecification, len(d.B), nx)
	}
	for _, row := range d.B {
		if len(row) != nu {
			return fmt.Errorf("%w: B is not %d×%d", ErrIncompleteSpecification, nx, nu)
		}
	}
	return nil
}

// psdFactor returns an upper-triangular factor F with xᵀMx = ‖Fx‖², using a
// semidefinite-tolerant Cholesky: zero pivots are allowed, negative ones are
// rejected.
func psdFactor(M [][]float64, n int, what string) ([][]float64, error) {
	if len(M) != n {
		return nil, fmt.Errorf("%w: %s is %d×?, want %d×%d", ErrIncompleteSpecification, what, len(M), n, n)
	}
	for _, row := range M {
		if len(row) != n {
			return nil, fmt.Errorf("%w: %s is not %d×%d", ErrIncompleteSpecification, what, n, n)
		}
	}
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		sum := M[j][j]
		for k := 0; k < j; k++ {
			sum -= L[j][k] * L[j][k]
		}
		switch {
		case sum < -1e-9:
			return nil, fmt.Errorf("%w: %s is not positive semidefinite", ErrIncompleteSpecification, what)
		case sum < 1e-12:
			L[j][j] = 0
		default:
			L[j][j] = math.Sqrt(sum)
		}
		for i := j + 1; i < n; i++ {
			s := M[i][j]
			for k := 0; k < j; k++ {
				s -= L[i][k] * L[j][k]
			}
			if L[j][j] == 0 {
				if math.Abs(s) > 1e-9 {
					return nil, fmt.Errorf("%w: %s is not positive semidefinite", ErrIncompleteSpecification, what)
				}
				continue
			}
			L[i][j] = s / L[j][j]
		}
	}
	// F = Lᵀ
	F := make([][]float64, n)
	for i := range F {
		F[i] = make([]float64, n)
		for j := i; j < n; j++ {
			F[i][j] = L[j][i]
		}
	}
	return F, nil
}

// Solution holds the optimal trajectory: one state vector per node, one
// input vector per non-leaf node (nil at leaves), and the optimal nested
// risk-averse objective. It is immutable once returned.
type Solution struct {
	States    [][]float64
	Inputs    [][]float64
	Objective float64

	// solve diagnostics
	Iterations  int // backend iterations of the accepted solve
	Refinements int // hyperplane rounds before acceptance
}

// Control fixes the root state to x0, solves the assembled program, and
// unpacks the optimal trajectory. Solve failures propagate ErrSolveFailure
// with the backend's diagnostic; no partial Solution is returned.
func (c *Controller) Control(ctx context.Context, x0 []float64) (*Solution, error) {
	if len(x0) != c.nx {
		return nil, fmt.Errorf("%w: x0 has %d entries, want %d", ErrIncompleteSpecification, len(x0), c.nx)
	}

	var cutRows [][]float64
	var cutB []float64

	for round := 0; round <= c.RefineMaxIter; round++ {
		prob := c.buildProgram(x0, cutRows, cutB)
		res, err := c.backend.Solve(ctx, prob)
		if err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
		if !c.hasEVaR {
			return c.unpack(res, round), nil
		}

		maxViol := 0.0
		for k, lf := range c.lifts {
			if lf.kind != liftEVaR {
				continue
			}
			children, _ := c.tr.ChildrenOf(c.nonleaf[k])
			sBar := make([]float64, len(children))
			for j, cid := range children {
				sBar[j] = res.X[c.sOff(cid)]
			}
			value, tOpt, err := lf.ev.Minimize(sBar)
			if err != nil {
				return nil, fmt.Errorf("%w: entropic refinement: %v", ErrSolveFailure, err)
			}
			viol := value - res.X[c.riskOff[k]]
			if viol > maxViol {
				maxViol = viol
			}
			if viol > c.RefineTol && !math.IsInf(tOpt, 1) {
				row, rhs := c.entropicCut(k, children, sBar, value, tOpt)
				cutRows = append(cutRows, row)
				cutB = append(cutB, rhs)
			}
		}
		if maxViol <= c.RefineTol {
			return c.unpack(res, round), nil
		}
	}
	return nil, fmt.Errorf("%w: entropic refinement exceeded %d rounds", ErrSolveFailure, c.RefineMaxIter)
}

func (c *Controller) unpack(res *solver.Result, rounds int) *Solution {
	V := c.tr.NumNodes()
	sol := &Solution{
		States:      make([][]float64, V),
		Inputs:      make([][]float64, V),
		Objective:   res.Objective,
		Iterations:  res.Iterations,
		Refinements: rounds,
	}
	for id := 0; id < V; id++ {
		x := make([]float64, c.nx)
		copy(x, res.X[c.xOff(id):c.xOff(id)+c.nx])
		sol.States[id] = x
		if k, ok := c.uPos[id]; ok {
			u := make([]float64, c.nu)
			copy(u, res.X[c.uOffPos(k):c.uOffPos(k)+c.nu])
			sol.Inputs[id] = u
		}
	}
	return sol
}
