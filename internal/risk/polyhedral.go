package risk

import (
	"context"
	"fmt"

	"github.com/fagan2888/risk-averse/internal/solver"
)

// Polyhedral is a generic conic risk measure with envelope
//
//	{ q : q ≥ 0, Σq = 1, Cq ≤ d },
//
// evaluated as the support function risk(Z) = max { q·Z } over the envelope
// via the generic convex-solver interface.
type Polyhedral struct {
	p       []float64
	C       [][]float64
	d       []float64
	backend solver.Interface
}

// NewPolyhedral validates the envelope shape and returns the measure.
func NewPolyhedral(p []float64, C [][]float64, d []float64) (*Polyhedral, error) {
	if err := checkSpace(p); err != nil {
		return nil, err
	}
	if len(C) != len(d) {
		return nil, fmt.Errorf("%w: C has %d rows, d has %d", ErrDimensionMismatch, len(C), len(d))
	}
	for i, row := range C {
		if len(row) != len(p) {
			return nil, fmt.Errorf("%w: C row %d has %d columns for %d outcomes", ErrDimensionMismatch, i, len(row), len(p))
		}
	}
	return &Polyhedral{
		p:       append([]float64(nil), p...),
		C:       C,
		d:       d,
		backend: solver.NewADMM(),
	}, nil
}

// WithBackend substitutes the convex solver used for evaluation.
func (m *Polyhedral) WithBackend(b solver.Interface) *Polyhedral {
	m.backend = b
	return m
}

// Probabilities returns the underlying probability vector.
func (m *Polyhedral) Probabilities() []float64 { return m.p }

// Envelope returns the inequality part (C, d) of the risk envelope. The
// controller lifts it into the dual feasibility constraints of the assembled
// program.
func (m *Polyhedral) Envelope() (C [][]float64, d []float64) { return m.C, m.d }

// Risk solves the envelope linear program max { q·Z : q in envelope }.
func (m *Polyhedral) Risk(Z []float64) (float64, error) {
	if err := checkDims(m.p, Z); err != nil {
		return 0, err
	}
	n := len(Z)

	rows := 1 + n + len(m.C)
	A := make([][]float64, 0, rows)
	b := make([]float64, 0, rows)

	// Σq = 1 (zero cone)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	A = append(A, ones)
	b = append(b, 1)

	// q ≥ 0
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		row[i] = -1
		A = append(A, row)
		b = append(b, 0)
	}

	// Cq ≤ d
	for i, crow := range m.C {
		A = append(A, append([]float64(nil), crow...))
		b = append(b, m.d[i])
	}

	// maximize q·Z  ⇔  minimize −Z·q
	c := make([]float64, n)
	for i := range c {
		c[i] = -Z[i]
	}

	res, err := m.backend.Solve(context.Background(), &solver.Problem{
		C: c,
		A: A,
		B: b,
		K: solver.Cone{Zero: 1, Nonneg: n + len(m.C)},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: envelope LP: %v", ErrNonConvergence, err)
	}
	return -res.Objective, nil
}
