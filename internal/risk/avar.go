package risk

import (
	"fmt"
	"sort"
)

// AVaR is the Average Value-at-Risk at level alpha over probability space p.
//
// Its risk envelope is { q : 0 ≤ q ≤ p/α, Σq = 1 }; at α = 1 the envelope
// collapses to {p} and the measure reduces to the expectation, while α → 0
// concentrates all mass on the worst outcome.
type AVaR struct {
	p     []float64
	alpha float64
}

// NewAVaR validates the probability space and level and returns the measure.
func NewAVaR(p []float64, alpha float64) (*AVaR, error) {
	if err := checkSpace(p); err != nil {
		return nil, err
	}
	if err := checkAlpha(alpha); err != nil {
		return nil, err
	}
	return &AVaR{p: append([]float64(nil), p...), alpha: alpha}, nil
}

// Probabilities returns the underlying probability vector.
func (a *AVaR) Probabilities() []float64 { return a.p }

// Alpha returns the risk level.
func (a *AVaR) Alpha() float64 { return a.alpha }

// Risk evaluates AVaR by the closed-form order-statistics rule: walk the
// outcomes in descending Z order, assigning each the capped weight p_i/α
// until total weight one is spent. This is the exact optimum of the dual
// envelope linear program (the LP path is exercised in tests via
// AsPolyhedral).
func (a *AVaR) Risk(Z []float64) (float64, error) {
	if err := checkDims(a.p, Z); err != nil {
		return 0, err
	}

	order := make([]int, len(Z))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return Z[order[i]] > Z[order[j]] })

	remaining := 1.0
	value := 0.0
	for _, i := range order {
		if remaining <= 0 {
			break
		}
		w := a.p[i] / a.alpha
		if w > remaining {
			w = remaining
		}
		value += w * Z[i]
		remaining -= w
	}
	return value, nil
}

// AsPolyhedral returns the same measure expressed through the generic
// polyhedral envelope { q ≥ 0, Σq = 1, Iq ≤ p/α }, evaluated by linear
// programming instead of the closed form.
func (a *AVaR) AsPolyhedral() *Polyhedral {
	n := len(a.p)
	C := make([][]float64, n)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		C[i] = make([]float64, n)
		C[i][i] = 1
		d[i] = a.p[i] / a.alpha
	}
	poly, err := NewPolyhedral(a.p, C, d)
	if err != nil {
		// The AVaR envelope is always well formed once NewAVaR accepted it.
		panic(fmt.Sprintf("risk: AVaR envelope rejected: %v", err))
	}
	return poly
}
