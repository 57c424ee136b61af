// Package risk implements conic risk measures over finite probability
// spaces: Average Value-at-Risk, Entropic Value-at-Risk, and generic
// polyhedral risk via the dual risk-envelope representation
//
//	risk(Z) = max { q·Z : q in Envelope(p, params) }.
//
// Measures are values over (p, parameters); the Parametric type binds a risk
// "shape" (e.g. AVaR at level alpha) to different probability vectors, one
// per scenario-tree node, without re-specifying the level.
package risk

import (
	"errors"
	"fmt"

	"github.com/fagan2888/risk-averse/internal/tree"
)

// Error kinds surfaced by risk evaluation. Callers test with errors.Is.
var (
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrNonConvergence      = errors.New("risk solver did not converge")
	ErrInvalidAlpha        = errors.New("alpha must satisfy 0 < alpha <= 1")
	ErrInvalidDistribution = errors.New("invalid probability distribution")
)

// Measure evaluates a scalar risk value for a random variable given by its
// value vector Z over the measure's probability space.
type Measure interface {
	// Risk returns the risk of Z; len(Z) must equal the number of outcomes.
	Risk(Z []float64) (float64, error)
	// Probabilities returns the underlying probability vector.
	Probabilities() []float64
}

// Parametric is a pure function binding a risk shape to a probability
// vector: the controller calls it once per non-leaf node with the node's
// children's conditional probabilities.
type Parametric func(p []float64) (Measure, error)

// AVaRFamily returns the parametric family "AVaR at level alpha".
func AVaRFamily(alpha float64) Parametric {
	return func(p []float64) (Measure, error) { return NewAVaR(p, alpha) }
}

// EVaRFamily returns the parametric family "EVaR at level alpha".
func EVaRFamily(alpha float64) Parametric {
	return func(p []float64) (Measure, error) { return NewEVaR(p, alpha) }
}

// checkSpace validates a probability vector for use as a risk-measure base
// space: strictly positive entries summing to one.
func checkSpace(p []float64) error {
	if err := tree.CheckDistribution(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDistribution, err)
	}
	for i, pi := range p {
		if pi <= 0 {
			return fmt.Errorf("%w: outcome %d has zero mass", ErrInvalidDistribution, i)
		}
	}
	return nil
}

func checkAlpha(alpha float64) error {
	if !(alpha > 0 && alpha <= 1) {
		return fmt.Errorf("%w: got %g", ErrInvalidAlpha, alpha)
	}
	return nil
}

func checkDims(p, Z []float64) error {
	if len(Z) != len(p) {
		return fmt.Errorf("%w: Z has %d entries for %d outcomes", ErrDimensionMismatch, len(Z), len(p))
	}
	return nil
}

// expectation computes sum_i p_i Z_i.
func expectation(p, Z []float64) float64 {
	e := 0.0
	for i, pi := range p {
		e += pi * Z[i]
	}
	return e
}
