package solver

import (
	"context"
	"fmt"
	"math"
)

// ADMM is the default backend: alternating-direction method of multipliers
// with cone projections, in the style of OSQP/SCS. Equality rows carry a
// heavier penalty weight so they converge to machine-level residuals.
//
// The x-update linear system (P + σI + AᵀRA) x = rhs is factored once per
// solve with a dense Cholesky decomposition; problems assembled over
// scenario trees are small enough that dense factorization dominates
// nothing.
type ADMM struct {
	MaxIter  int     // iteration budget, default 100000
	Eps      float64 // absolute residual tolerance, default 1e-8
	Rho      float64 // penalty for inequality and SOC rows, default 1
	RhoEq    float64 // penalty for zero-cone rows, default 1000
	Sigma    float64 // x-update regularization, default 1e-6
	CheckCtx int     // context poll interval in iterations, default 4096
}

// NewADMM returns a backend with default parameters.
func NewADMM() *ADMM { return &ADMM{} }

func (s *ADMM) defaults() ADMM {
	out := *s
	if out.MaxIter <= 0 {
		out.MaxIter = 100000
	}
	if out.Eps <= 0 {
		out.Eps = 1e-8
	}
	if out.Rho <= 0 {
		out.Rho = 1
	}
	if out.RhoEq <= 0 {
		out.RhoEq = 1000
	}
	if out.Sigma <= 0 {
		out.Sigma = 1e-6
	}
	if out.CheckCtx <= 0 {
		out.CheckCtx = 4096
	}
	return out
}

// Solve runs ADMM until both primal and dual residuals fall below Eps, the
// iteration budget runs out (ErrSolveFailure, status "max_iterations"), or
// the iterates break down numerically (status "numerical_error").
func (s *ADMM) Solve(ctx context.Context, prob *Problem) (*Result, error) {
	if err := prob.Validate(); err != nil {
		return nil, err
	}
	cfg := s.defaults()
	n, m := prob.Dims()

	// Per-row penalty: heavy on equality rows.
	rho := make([]float64, m)
	for i := 0; i < m; i++ {
		if i < prob.K.Zero {
			rho[i] = cfg.RhoEq
		} else {
			rho[i] = cfg.Rho
		}
	}

	// M = P + σI + AᵀRA, factored once.
	M := make([][]float64, n)
	for i := range M {
		M[i] = make([]float64, n)
		if prob.P != nil {
			copy(M[i], prob.P[i])
		}
		M[i][i] += cfg.Sigma
	}
	for r := 0; r < m; r++ {
		row := prob.A[r]
		w := rho[r]
		for i := 0; i < n; i++ {
			if row[i] == 0 {
				continue
			}
			wi := w * row[i]
			for j := 0; j <= i; j++ {
				M[i][j] += wi * row[j]
			}
		}
	}
	// Mirror the lower triangle.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			M[i][j] = M[j][i]
		}
	}
	chol, err := cholesky(M)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolveFailure, err)
	}

	x := make([]float64, n)
	z := make([]float64, m)
	u := make([]float64, m) // scaled dual
	copy(z, prob.B)

	ax := make([]float64, m)
	v := make([]float64, m)
	rhs := make([]float64, n)
	zPrev := make([]float64, m)
	dual := make([]float64, n)

	for iter := 1; iter <= cfg.MaxIter; iter++ {
		if iter%cfg.CheckCtx == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSolveFailure, err)
			}
		}

		// x-update: (P + σI + AᵀRA) x = σx − c + AᵀR(z − u)
		for i := 0; i < n; i++ {
			rhs[i] = cfg.Sigma*x[i] - prob.C[i]
		}
		for r := 0; r < m; r++ {
			w := rho[r] * (z[r] - u[r])
			if w == 0 {
				continue
			}
			row := prob.A[r]
			for i := 0; i < n; i++ {
				rhs[i] += w * row[i]
			}
		}
		chol.solve(rhs, x)

		// z-update: project b − (Ax + u) onto K, then z = b − s.
		matVec(prob.A, x, ax)
		copy(zPrev, z)
		for r := 0; r < m; r++ {
			v[r] = prob.B[r] - (ax[r] + u[r])
		}
		projectCone(v, prob.K)
		for r := 0; r < m; r++ {
			z[r] = prob.B[r] - v[r]
		}

		// dual update
		for r := 0; r < m; r++ {
			u[r] += ax[r] - z[r]
		}

		if iter%25 != 0 {
			continue
		}

		// primal residual: ‖Ax − z‖∞
		pri := 0.0
		for r := 0; r < m; r++ {
			if d := math.Abs(ax[r] - z[r]); d > pri {
				pri = d
			}
		}
		// dual residual: ‖AᵀR(z − zPrev)‖∞
		for i := range dual {
			dual[i] = 0
		}
		for r := 0; r < m; r++ {
			w := rho[r] * (z[r] - zPrev[r])
			if w == 0 {
				continue
			}
			row := prob.A[r]
			for i := 0; i < n; i++ {
				dual[i] += w * row[i]
			}
		}
		dua := 0.0
		for i := 0; i < n; i++ {
			if d := math.Abs(dual[i]); d > dua {
				dua = d
			}
		}

		if math.IsNaN(pri) || math.IsInf(pri, 0) {
			return nil, fmt.Errorf("%w: numerical_error at iteration %d", ErrSolveFailure, iter)
		}
		if pri < cfg.Eps && dua < cfg.Eps {
			return &Result{
				X:          append([]float64(nil), x...),
				Objective:  objective(prob, x),
				Iterations: iter,
				Status:     "solved",
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: max_iterations (%d) without reaching tolerance %g", ErrSolveFailure, cfg.MaxIter, cfg.Eps)
}

func objective(prob *Problem, x []float64) float64 {
	obj := 0.0
	for i, ci := range prob.C {
		obj += ci * x[i]
	}
	if prob.P != nil {
		for i, row := range prob.P {
			for j, pij := range row {
				obj += 0.5 * x[i] * pij * x[j]
			}
		}
	}
	return obj
}

func matVec(A [][]float64, x, out []float64) {
	for r, row := range A {
		sum := 0.0
		for i, a := range row {
			if a != 0 {
				sum += a * x[i]
			}
		}
		out[r] = sum
	}
}

// cholFactor holds a dense lower-triangular Cholesky factor.
type cholFactor struct {
	L [][]float64
}

func cholesky(M [][]float64) (*cholFactor, error) {
	n := len(M)
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := M[i][j]
			for k := 0; k < j; k++ {
				sum -= L[i][k] * L[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, fmt.Errorf("matrix not positive definite at pivot %d", i)
				}
				L[i][i] = math.Sqrt(sum)
			} else {
				L[i][j] = sum / L[j][j]
			}
		}
	}
	return &cholFactor{L: L}, nil
}

// solve solves L Lᵀ x = rhs in place into x.
func (c *cholFactor) solve(rhs, x []float64) {
	n := len(c.L)
	// forward substitution: L y = rhs
	y := x // reuse
	for i := 0; i < n; i++ {
		sum := rhs[i]
		for k := 0; k < i; k++ {
			sum -= c.L[i][k] * y[k]
		}
		y[i] = sum / c.L[i][i]
	}
	// back substitution: Lᵀ x = y
	for i := n - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < n; k++ {
			sum -= c.L[k][i] * x[k]
		}
		x[i] = sum / c.L[i][i]
	}
}
