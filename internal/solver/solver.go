// Package solver exposes a generic convex conic-program interface and a
// default first-order backend.
//
// Problems are posed in the standard embedded form
//
//	minimize   ½ xᵀPx + cᵀx
//	subject to Ax + s = b,  s ∈ K
//
// where K is a product of a zero cone (equalities), the nonnegative orthant
// (inequalities), and second-order cones, in that row order. The controller
// and the polyhedral risk measures consume the package purely through the
// Interface, so an external solver can be substituted without touching them.
package solver

import (
	"context"
	"errors"
	"fmt"
)

// ErrSolveFailure is wrapped around every failed solve, carrying the
// backend's diagnostic status.
var ErrSolveFailure = errors.New("convex solve failed")

// Cone describes the product cone K by row counts, in fixed row order:
// Zero equality rows first, Nonneg inequality rows second, then the
// second-order cone blocks.
type Cone struct {
	Zero   int
	Nonneg int
	SOC    []int
}

// Rows returns the total number of constraint rows the cone spans.
func (k Cone) Rows() int {
	n := k.Zero + k.Nonneg
	for _, d := range k.SOC {
		n += d
	}
	return n
}

// Problem is an immutable convex conic program.
type Problem struct {
	P [][]float64 // n×n PSD quadratic term, nil for linear objectives
	C []float64   // n linear term
	A [][]float64 // m×n constraint matrix
	B []float64   // m right-hand side
	K Cone
}

// Dims returns (variables, rows).
func (p *Problem) Dims() (n, m int) { return len(p.C), len(p.B) }

// Validate checks structural consistency of the program.
func (p *Problem) Validate() error {
	n, m := p.Dims()
	if n == 0 {
		return fmt.Errorf("%w: no decision variables", ErrSolveFailure)
	}
	if len(p.A) != m {
		return fmt.Errorf("%w: A has %d rows, b has %d", ErrSolveFailure, len(p.A), m)
	}
	for i, row := range p.A {
		if len(row) != n {
			return fmt.Errorf("%w: A row %d has %d columns, want %d", ErrSolveFailure, i, len(row), n)
		}
	}
	if p.P != nil {
		if len(p.P) != n {
			return fmt.Errorf("%w: P is %d×?, want %d×%d", ErrSolveFailure, len(p.P), n, n)
		}
		for i, row := range p.P {
			if len(row) != n {
				return fmt.Errorf("%w: P row %d has %d columns, want %d", ErrSolveFailure, i, len(row), n)
			}
		}
	}
	if p.K.Rows() != m {
		return fmt.Errorf("%w: cone spans %d rows, b has %d", ErrSolveFailure, p.K.Rows(), m)
	}
	return nil
}

// Result is the outcome of a successful solve.
type Result struct {
	X          []float64 // optimal decision vector
	Objective  float64   // ½xᵀPx + cᵀx at X
	Iterations int
	Status     string
}

// Interface is the generic solve entry point. Implementations must not
// return a partial Result alongside an error.
type Interface interface {
	Solve(ctx context.Context, prob *Problem) (*Result, error)
}
