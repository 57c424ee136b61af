package risk

import (
	"fmt"
	"math"
)

// EVaR is the Entropic Value-at-Risk at level alpha over probability space p,
// defined through relative-entropy duality as
//
//	EVaR(Z) = inf_{t>0} { t·log( Σ_i p_i·exp(Z_i/t) ) − t·log α }.
//
// The objective is convex in t; evaluation minimizes it by bracketing plus
// golden-section search with a numerically stable log-sum-exp. EVaR
// dominates AVaR at the same level.
type EVaR struct {
	p     []float64
	alpha float64

	// MaxIter bounds the total bracketing + golden-section iterations;
	// exhaustion surfaces ErrNonConvergence.
	MaxIter int
	// Tol is the relative width tolerance on the t bracket.
	Tol float64
}

const (
	evarDefaultMaxIter = 500
	evarDefaultTol     = 1e-10
	evarTMin           = 1e-12
)

// golden ratio complement for section search
var invPhi = (math.Sqrt(5) - 1) / 2

// NewEVaR validates the probability space and level and returns the measure.
func NewEVaR(p []float64, alpha float64) (*EVaR, error) {
	if err := checkSpace(p); err != nil {
		return nil, err
	}
	if err := checkAlpha(alpha); err != nil {
		return nil, err
	}
	return &EVaR{
		p:       append([]float64(nil), p...),
		alpha:   alpha,
		MaxIter: evarDefaultMaxIter,
		Tol:     evarDefaultTol,
	}, nil
}

// Probabilities returns the underlying probability vector.
func (e *EVaR) Probabilities() []float64 { return e.p }

// Alpha returns the risk level.
func (e *EVaR) Alpha() float64 { return e.alpha }

// Risk evaluates EVaR(Z).
func (e *EVaR) Risk(Z []float64) (float64, error) {
	v, _, err := e.Minimize(Z)
	return v, err
}

// Minimize evaluates EVaR(Z) and also returns the minimizing dual parameter
// t. The controller uses the minimizer to place supporting hyperplanes of
// the risk epigraph. For α = 1 the infimum is the expectation, attained only
// in the t → ∞ limit, and tOpt is +Inf.
func (e *EVaR) Minimize(Z []float64) (value, tOpt float64, err error) {
	if err := checkDims(e.p, Z); err != nil {
		return 0, 0, err
	}
	if e.alpha == 1 {
		return expectation(e.p, Z), math.Inf(1), nil
	}
	// A degenerate (constant) Z makes the objective monotone in t with
	// infimum at t → 0.
	if maxOf(Z) == minOf(Z) {
		return Z[0], evarTMin, nil
	}

	phi := func(t float64) float64 {
		return t*LogSumExp(Z, e.p, t) - t*math.Log(e.alpha)
	}

	budget := e.MaxIter
	if budget <= 0 {
		budget = evarDefaultMaxIter
	}
	tol := e.Tol
	if tol <= 0 {
		tol = evarDefaultTol
	}

	// Bracket the minimizer: φ(t) → max(Z) as t → 0⁺ and grows like
	// E[Z] + t·log(1/α) for large t, so doubling from 1 finds an upper end
	// past the minimum.
	lo := evarTMin
	hi := 1.0
	iters := 0
	for phi(2*hi) < phi(hi) {
		hi *= 2
		iters++
		if iters >= budget {
			return 0, 0, fmt.Errorf("%w: bracketing exceeded %d iterations", ErrNonConvergence, budget)
		}
	}
	hi *= 2

	// Golden-section search on [lo, hi].
	a, b := lo, hi
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := phi(c), phi(d)
	for b-a > tol*(1+b) {
		iters++
		if iters >= budget {
			return 0, 0, fmt.Errorf("%w: golden-section exceeded %d iterations", ErrNonConvergence, budget)
		}
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = phi(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = phi(d)
		}
	}
	t := (a + b) / 2
	return phi(t), t, nil
}

// LogSumExp computes log Σ_i p_i·exp(Z_i/t) with the max subtracted before
// exponentiating, so large Z_i/t cannot overflow.
func LogSumExp(Z, p []float64, t float64) float64 {
	m := Z[0] / t
	for _, z := range Z[1:] {
		if z/t > m {
			m = z / t
		}
	}
	sum := 0.0
	for i, z := range Z {
		sum += p[i] * math.Exp(z/t-m)
	}
	return math.Log(sum) + m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
