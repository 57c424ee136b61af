package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/fagan2888/risk-averse/internal/tree"
)

// RiskRequest asks for a one-shot static risk evaluation of a discrete
// random variable z under probabilities p.
type RiskRequest struct {
	Kind  string    `json:"kind"` // "avar" or "evar"
	Alpha float64   `json:"alpha"`
	P     []float64 `json:"p"`
	Z     []float64 `json:"z"`
}

// RiskResponse carries the risk value and whether it was served from cache.
type RiskResponse struct {
	Risk   float64 `json:"risk"`
	Cached bool    `json:"cached"`
}

// TreeSpec describes a scenario tree in arena form: entry i of Parents and
// CondProb describes node i+1 (the root is implicit). Values are optional
// unless dynamics are attached through the value map.
type TreeSpec struct {
	Parents  []int       `json:"parents"`
	CondProb []float64   `json:"cond_prob"`
	Values   [][]float64 `json:"values,omitempty"`
	Root     []float64   `json:"root_value,omitempty"`
}

// DynamicsSpec carries one linear mode x⁺ = Ax + Bu.
type DynamicsSpec struct {
	A [][]float64 `json:"A"`
	B [][]float64 `json:"B"`
}

// SolveRequest describes a full risk-averse control problem. The single
// dynamics mode applies along every edge of the tree.
type SolveRequest struct {
	Tree     TreeSpec     `json:"tree"`
	Dynamics DynamicsSpec `json:"dynamics"`
	RiskKind string       `json:"risk_kind"` // "avar" or "evar"
	Alpha    float64      `json:"alpha"`
	Q        [][]float64  `json:"Q"`
	R        [][]float64  `json:"R"`
	QN       [][]float64  `json:"QN"`
	UMin     []float64    `json:"u_min"`
	UMax     []float64    `json:"u_max"`
	X0       []float64    `json:"x0"`
}

// SolveResponse carries the optimal trajectory and solve diagnostics.
type SolveResponse struct {
	Objective   float64     `json:"objective"`
	States      [][]float64 `json:"states"`
	Inputs      [][]float64 `json:"inputs"`
	Iterations  int         `json:"iterations"`
	Refinements int         `json:"refinements"`
}

// ErrorResponse is the JSON error envelope of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Validate performs basic structural validation
func (r *RiskRequest) Validate() error {
	switch r.Kind {
	case "avar", "evar":
	default:
		return fmt.Errorf("kind must be avar or evar, got %q", r.Kind)
	}
	if r.Alpha <= 0 || r.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got %g", r.Alpha)
	}
	if len(r.P) == 0 {
		return fmt.Errorf("p cannot be empty")
	}
	if len(r.P) != len(r.Z) {
		return fmt.Errorf("p and z lengths differ: %d vs %d", len(r.P), len(r.Z))
	}
	return nil
}

// Digest computes the canonical cache key of a risk request:
// sha256 over kind, alpha, and both vectors in order.
func (r *RiskRequest) Digest() string {
	var sb strings.Builder
	sb.WriteString(r.Kind)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(r.Alpha, 'g', -1, 64))
	for _, v := range r.P {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	sb.WriteByte('#')
	for _, v := range r.Z {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// Validate performs basic structural validation
func (r *SolveRequest) Validate() error {
	switch r.RiskKind {
	case "avar", "evar":
	default:
		return fmt.Errorf("risk_kind must be avar or evar, got %q", r.RiskKind)
	}
	if r.Alpha <= 0 || r.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got %g", r.Alpha)
	}
	if len(r.Tree.Parents) == 0 {
		return fmt.Errorf("tree cannot be empty")
	}
	if len(r.Tree.Parents) != len(r.Tree.CondProb) {
		return fmt.Errorf("tree parents and cond_prob lengths differ: %d vs %d",
			len(r.Tree.Parents), len(r.Tree.CondProb))
	}
	if len(r.Tree.Values) != 0 && len(r.Tree.Values) != len(r.Tree.Parents) {
		return fmt.Errorf("tree values length %d does not match %d nodes",
			len(r.Tree.Values), len(r.Tree.Parents))
	}
	if len(r.X0) == 0 {
		return fmt.Errorf("x0 cannot be empty")
	}
	if len(r.UMin) == 0 || len(r.UMin) != len(r.UMax) {
		return fmt.Errorf("u_min and u_max must be nonempty and equally sized")
	}
	if len(r.Q) == 0 || len(r.R) == 0 || len(r.QN) == 0 {
		return fmt.Errorf("Q, R and QN are required")
	}
	return nil
}

// BuildTree materializes the spec into a scenario tree.
func (s *TreeSpec) BuildTree() (*tree.Tree, error) {
	b := tree.NewBuilder()
	if s.Root != nil {
		b.SetRootValue(s.Root)
	}
	for i, parent := range s.Parents {
		var value []float64
		if len(s.Values) > 0 {
			value = s.Values[i]
		}
		if _, err := b.AddNode(parent, s.CondProb[i], value); err != nil {
			return nil, fmt.Errorf("tree node %d: %w", i+1, err)
		}
	}
	return b.Build()
}
