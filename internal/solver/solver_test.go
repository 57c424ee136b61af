package solver

import (
	"context"
	"errors"
	"math"
	"testing"
)

func solveOrFail(t *testing.T, prob *Problem) *Result {
	t.Helper()
	res, err := NewADMM().Solve(context.Background(), prob)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	return res
}

// min (x-3)² expanded: P = [2], c = [-6], unconstrained except x ≤ 2.
func TestADMM_BoundConstrainedQuadratic(t *testing.T) {
	prob := &Problem{
		P: [][]float64{{2}},
		C: []float64{-6},
		A: [][]float64{{1}}, // x + s = 2, s ≥ 0  ⇒  x ≤ 2
		B: []float64{2},
		K: Cone{Nonneg: 1},
	}
	res := solveOrFail(t, prob)
	if math.Abs(res.X[0]-2) > 1e-5 {
		t.Errorf("x = %g, want 2", res.X[0])
	}
	// objective ½·2·x² − 6x at x=2: 4 − 12 = −8
	if math.Abs(res.Objective-(-8)) > 1e-4 {
		t.Errorf("objective = %g, want -8", res.Objective)
	}
}

// Tiny LP: max x1 + 2x2 s.t. x1 + x2 = 1, x ≥ 0. Optimum at (0, 1), value 2.
func TestADMM_EqualityLP(t *testing.T) {
	prob := &Problem{
		C: []float64{-1, -2},
		A: [][]float64{
			{1, 1},   // equality row
			{-1, 0},  // -x1 + s = 0 ⇒ x1 ≥ 0
			{0, -1},  // x2 ≥ 0
		},
		B: []float64{1, 0, 0},
		K: Cone{Zero: 1, Nonneg: 2},
	}
	res := solveOrFail(t, prob)
	if math.Abs(res.X[0]) > 1e-5 || math.Abs(res.X[1]-1) > 1e-5 {
		t.Errorf("x = %v, want (0, 1)", res.X)
	}
	if math.Abs(res.X[0]+res.X[1]-1) > 1e-6 {
		t.Errorf("equality violated: x1 + x2 = %g", res.X[0]+res.X[1])
	}
}

// SOC epigraph: min e s.t. x = (3, 4) fixed, ‖x‖ ≤ e. Optimum e = 5.
func TestADMM_SecondOrderCone(t *testing.T) {
	// variables: x1, x2, e
	prob := &Problem{
		C: []float64{0, 0, 1},
		A: [][]float64{
			{1, 0, 0}, // x1 = 3
			{0, 1, 0}, // x2 = 4
			// SOC block (e, x1, x2): s = b − Az with s ∈ SOC means
			// rows encode s0 = e, s1 = x1, s2 = x2.
			{0, 0, -1},
			{-1, 0, 0},
			{0, -1, 0},
		},
		B: []float64{3, 4, 0, 0, 0},
		K: Cone{Zero: 2, SOC: []int{3}},
	}
	res := solveOrFail(t, prob)
	if math.Abs(res.X[2]-5) > 1e-4 {
		t.Errorf("e = %g, want 5", res.X[2])
	}
}

// AVaR dual LP solved generically: uniform p over 4 outcomes, α = 0.5.
// max q·Z s.t. 0 ≤ q ≤ p/α, Σq = 1 with Z = (1,2,3,4): top half gets all
// mass: q = (0, 0, 0.5, 0.5), value 3.5.
func TestADMM_AVaRDualLP(t *testing.T) {
	Z := []float64{1, 2, 3, 4}
	n := len(Z)
	cap := 0.25 / 0.5 // p_i / α

	A := make([][]float64, 0, 1+2*n)
	B := make([]float64, 0, 1+2*n)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	A = append(A, ones)
	B = append(B, 1)
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		row[i] = -1
		A = append(A, row) // q_i ≥ 0
		B = append(B, 0)
	}
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		row[i] = 1
		A = append(A, row) // q_i ≤ cap
		B = append(B, cap)
	}
	c := make([]float64, n)
	for i := range c {
		c[i] = -Z[i] // maximize q·Z
	}
	prob := &Problem{C: c, A: A, B: B, K: Cone{Zero: 1, Nonneg: 2 * n}}

	res := solveOrFail(t, prob)
	if math.Abs(-res.Objective-3.5) > 1e-4 {
		t.Errorf("AVaR dual value = %g, want 3.5", -res.Objective)
	}
}

func TestADMM_MaxIterationsFailure(t *testing.T) {
	s := &ADMM{MaxIter: 10}
	prob := &Problem{
		C: []float64{-1, -2},
		A: [][]float64{{1, 1}, {-1, 0}, {0, -1}},
		B: []float64{1, 0, 0},
		K: Cone{Zero: 1, Nonneg: 2},
	}
	_, err := s.Solve(context.Background(), prob)
	if !errors.Is(err, ErrSolveFailure) {
		t.Errorf("error = %v, want ErrSolveFailure", err)
	}
}

func TestADMM_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &ADMM{CheckCtx: 1}
	prob := &Problem{
		C: []float64{-1},
		A: [][]float64{{1}},
		B: []float64{1},
		K: Cone{Nonneg: 1},
	}
	if _, err := s.Solve(ctx, prob); !errors.Is(err, ErrSolveFailure) {
		t.Errorf("error = %v, want ErrSolveFailure on cancelled context", err)
	}
}

func TestProblem_Validate(t *testing.T) {
	bad := &Problem{
		C: []float64{1},
		A: [][]float64{{1, 2}},
		B: []float64{1},
		K: Cone{Nonneg: 1},
	}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for ragged A")
	}

	mismatch := &Problem{
		C: []float64{1},
		A: [][]float64{{1}},
		B: []float64{1},
		K: Cone{Nonneg: 2},
	}
	if err := mismatch.Validate(); err == nil {
		t.Error("expected validation error for cone/row mismatch")
	}
}

func TestProjectSOC(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{"inside", []float64{5, 3, 4}, []float64{5, 3, 4}},
		{"polar", []float64{-5, 3, 4}, []float64{0, 0, 0}},
		{"boundary projection", []float64{0, 3, 4}, []float64{2.5, 1.5, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := append([]float64(nil), tt.in...)
			projectSOC(got)
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("projectSOC(%v) = %v, want %v", tt.in, got, tt.want)
					break
				}
			}
		})
	}
}
