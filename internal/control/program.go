package control

import (
	"math"

	"github.com/fagan2888/risk-averse/internal/solver"
)

// Variable layout of the assembled program, in order:
//
//	x_i  state per node            (V blocks of nx)
//	u_i  input per non-leaf node   (U blocks of nu)
//	s_i  cost-to-go epigraph per node
//	e_i  stage-cost epigraph per non-leaf node
//	risk duals per non-leaf node   (λ,η for polyhedral; τ for entropic)
//
// The objective minimizes s_root; every constraint is written in the
// solver's Az + slack = b form with the slack in the matching cone slot.

func (c *Controller) xOff(id int) int { return id * c.nx }

func (c *Controller) uOffPos(k int) int {
	return c.tr.NumNodes()*c.nx + k*c.nu
}

func (c *Controller) sOff(id int) int {
	return c.tr.NumNodes()*c.nx + len(c.nonleaf)*c.nu + id
}

func (c *Controller) eOffPos(k int) int {
	return c.tr.NumNodes()*(c.nx+1) + len(c.nonleaf)*c.nu + k
}

// rowSet accumulates constraint rows of one cone section. Rows use the
// convention slack = b − a·z, so an inequality Σa_j z_j + β ≥ 0 is stored
// with negated coefficients and rhs β.
type rowSet struct {
	a [][]float64
	b []float64
	n int
}

func (rs *rowSet) add() []float64 {
	row := make([]float64, rs.n)
	rs.a = append(rs.a, row)
	rs.b = append(rs.b, 0)
	return row
}

func (rs *rowSet) setRHS(v float64) { rs.b[len(rs.b)-1] = v }

// buildProgram assembles the full conic program for initial state x0, with
// any accumulated supporting-hyperplane rows appended to the inequality
// section.
func (c *Controller) buildProgram(x0 []float64, cutRows [][]float64, cutB []float64) *solver.Problem {
	V := c.tr.NumNodes()
	eq := &rowSet{n: c.numVars}
	ineq := &rowSet{n: c.numVars}
	soc := &rowSet{n: c.numVars}
	var socDims []int

	// Root state pinned to x0.
	for d := 0; d < c.nx; d++ {
		row := eq.add()
		row[c.xOff(0)+d] = 1
		eq.setRHS(x0[d])
	}

	// Dynamics: x_child = A·x_parent + B·u_parent, per non-root node.
	for id := 1; id < V; id++ {
		pid, _, _ := c.tr.ParentOf(id)
		kp := c.uPos[pid]
		dyn := c.dyn[id]
		for r := 0; r < c.nx; r++ {
			row := eq.add()
			row[c.xOff(id)+r] = 1
			for j := 0; j < c.nx; j++ {
				row[c.xOff(pid)+j] -= dyn.A[r][j]
			}
			for j := 0; j < c.nu; j++ {
				row[c.uOffPos(kp)+j] -= dyn.B[r][j]
			}
		}
	}

	// Input box bounds at every non-leaf node.
	for k := range c.nonleaf {
		for j := 0; j < c.nu; j++ {
			row := ineq.add() // u_j − umin_j ≥ 0
			row[c.uOffPos(k)+j] = -1
			ineq.setRHS(-c.umin[j])

			row = ineq.add() // umax_j − u_j ≥ 0
			row[c.uOffPos(k)+j] = 1
			ineq.setRHS(c.umax[j])
		}
	}

	// Risk lifts.
	for k, lf := range c.lifts {
		id := c.nonleaf[k]
		children, _ := c.tr.ChildrenOf(id)
		switch lf.kind {
		case liftPoly:
			c.addPolyLift(ineq, k, children, lf)
		case liftEVaR:
			c.addEntropicLift(ineq, k, children, lf)
		}
	}

	// Accumulated supporting hyperplanes.
	for i, row := range cutRows {
		r := ineq.add()
		copy(r, row)
		ineq.setRHS(cutB[i])
	}

	// Stage-cost epigraphs at non-leaf nodes:
	// ‖(2·fq·x, 2·fr·u, e−1)‖ ≤ e+1  ⇔  xᵀQx + uᵀRu ≤ e.
	for k := range c.nonleaf {
		id := c.nonleaf[k]
		socDims = append(socDims, 2+c.nx+c.nu)

		row := soc.add() // e + 1
		row[c.eOffPos(k)] = -1
		soc.setRHS(1)
		for r := 0; r < c.nx; r++ {
			row = soc.add()
			for j := 0; j < c.nx; j++ {
				row[c.xOff(id)+j] = -2 * c.fq[r][j]
			}
		}
		for r := 0; r < c.nu; r++ {
			row = soc.add()
			for j := 0; j < c.nu; j++ {
				row[c.uOffPos(k)+j] = -2 * c.fr[r][j]
			}
		}
		row = soc.add() // e − 1
		row[c.eOffPos(k)] = -1
		soc.setRHS(-1)
	}

	// Terminal cost at leaves: xᵀQN·x ≤ s_i, same rotated-cone encoding.
	it := c.tr.LeafNodes()
	for id, ok := it.Next(); ok; id, ok = it.Next() {
		socDims = append(socDims, 2+c.nx)

		row := soc.add()
		row[c.sOff(id)] = -1
		soc.setRHS(1)
		for r := 0; r < c.nx; r++ {
			row = soc.add()
			for j := 0; j < c.nx; j++ {
				row[c.xOff(id)+j] = -2 * c.fn[r][j]
			}
		}
		row = soc.add()
		row[c.sOff(id)] = -1
		soc.setRHS(-1)
	}

	// Assemble. Cone order is zero, nonneg, SOC.
	rows := len(eq.a) + len(ineq.a) + len(soc.a)
	A := make([][]float64, 0, rows)
	b := make([]float64, 0, rows)
	A = append(A, eq.a...)
	b = append(b, eq.b...)
	A = append(A, ineq.a...)
	b = append(b, ineq.b...)
	A = append(A, soc.a...)
	b = append(b, soc.b...)

	cost := make([]float64, c.numVars)
	cost[c.sOff(0)] = 1

	return &solver.Problem{
		C: cost,
		A: A,
		B: b,
		K: solver.Cone{Zero: len(eq.a), Nonneg: len(ineq.a), SOC: socDims},
	}
}

// addPolyLift writes the dual feasibility rows of a polyhedral envelope
// { q ≥ 0, Σq = 1, Cq ≤ d } at non-leaf position k. With multipliers λ (free)
// and η ≥ 0, strong LP duality gives
//
//	λ + (Cᵀη)_j ≥ s_child_j   for every child j
//	s_i ≥ e_i + λ + dᵀη
func (c *Controller) addPolyLift(ineq *rowSet, k int, children []int, lf lift) {
	lam := c.riskOff[k]
	eta := c.riskOff[k] + 1
	m := len(lf.d)

	for j, cid := range children {
		row := ineq.add() // λ + Σ_r C[r][j]·η_r − s_child ≥ 0
		row[lam] = -1
		for r := 0; r < m; r++ {
			row[eta+r] -= lf.C[r][j]
		}
		row[c.sOff(cid)] = 1
	}

	row := ineq.add() // s_i − e_i − λ − dᵀη ≥ 0
	row[c.sOff(c.nonleaf[k])] = -1
	row[c.eOffPos(k)] = 1
	row[lam] = 1
	for r := 0; r < m; r++ {
		row[eta+r] = lf.d[r]
	}

	for r := 0; r < m; r++ {
		row := ineq.add() // η_r ≥ 0
		row[eta+r] = -1
	}
}

// addEntropicLift writes the epigraph scaffolding of an entropic measure at
// non-leaf position k: τ bounds the children's risk, and the expectation row
// τ ≥ Σp_j·s_child_j is a valid lower bound that keeps the relaxation tight
// before any hyperplanes accumulate.
func (c *Controller) addEntropicLift(ineq *rowSet, k int, children []int, lf lift) {
	tau := c.riskOff[k]

	row := ineq.add() // s_i − e_i − τ ≥ 0
	row[c.sOff(c.nonleaf[k])] = -1
	row[c.eOffPos(k)] = 1
	row[tau] = 1

	row = ineq.add() // τ − Σ p_j·s_child_j ≥ 0
	row[tau] = -1
	for j, cid := range children {
		row[c.sOff(cid)] = lf.p[j]
	}
}

// entropicCut builds a supporting hyperplane of the partially minimized
// h(s) = min_{t>0} { t·LSE(s/t, p) − t·log α } at sBar, where tBar is the
// minimizer and value = h(sBar). The dual parameter is minimized out, so by
// Danskin's theorem the subgradient of h is the softmax weight vector at
// (sBar, tBar) and the cut involves only τ and the children's scalars:
//
//	τ ≥ h(sBar) + w·(s − sBar)
func (c *Controller) entropicCut(k int, children []int, sBar []float64, value, tBar float64) ([]float64, float64) {
	lf := c.lifts[k]
	n := len(sBar)

	// Softmax weights, max-subtracted for stability.
	m := sBar[0] / tBar
	for _, v := range sBar[1:] {
		if v/tBar > m {
			m = v / tBar
		}
	}
	w := make([]float64, n)
	var sum float64
	for j := 0; j < n; j++ {
		w[j] = lf.p[j] * math.Exp(sBar[j]/tBar-m)
		sum += w[j]
	}
	for j := range w {
		w[j] /= sum
	}

	var ws float64
	for j := 0; j < n; j++ {
		ws += w[j] * sBar[j]
	}

	// τ − Σ w_j·s_child_j − (h(sBar) − wᵀsBar) ≥ 0
	row := make([]float64, c.numVars)
	row[c.riskOff[k]] = -1
	for j, cid := range children {
		row[c.sOff(cid)] = w[j]
	}
	return row, ws - value
}
