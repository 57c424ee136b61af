package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fagan2888/risk-averse/internal/api"
	"github.com/fagan2888/risk-averse/internal/cache"
	"github.com/fagan2888/risk-averse/internal/metrics"
	"golang.org/x/time/rate"
)

var testMetrics = metrics.New() // promauto registers globally, create once

func newTestServer(t *testing.T) *Server {
	t.Helper()
	memo, err := cache.NewMemo[string, float64](64)
	if err != nil {
		t.Fatalf("NewMemo: %v", err)
	}
	return &Server{
		riskMemo:   memo,
		metrics:    testMetrics,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		solveLimit: 30 * time.Second,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleRisk(t *testing.T) {
	srv := newTestServer(t)
	body := `{"kind":"avar","alpha":1,"p":[0.25,0.25,0.25,0.25],"z":[1,2,3,4]}`

	rec := postJSON(t, srv.handleRisk, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp api.RiskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if math.Abs(resp.Risk-2.5) > 1e-9 {
		t.Errorf("risk = %g, want 2.5", resp.Risk)
	}
	if resp.Cached {
		t.Error("first evaluation marked cached")
	}

	// Identical request must come from the memo.
	rec = postJSON(t, srv.handleRisk, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Cached {
		t.Error("repeat evaluation not served from cache")
	}
}

func TestHandleRisk_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad kind", `{"kind":"var","alpha":0.5,"p":[1],"z":[1]}`},
		{"bad alpha", `{"kind":"avar","alpha":0,"p":[1],"z":[1]}`},
		{"length mismatch", `{"kind":"avar","alpha":0.5,"p":[0.5,0.5],"z":[1]}`},
		{"bad distribution", `{"kind":"avar","alpha":0.5,"p":[0.9,0.9],"z":[1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, srv.handleRisk, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
			var resp api.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("error envelope: %v", err)
			}
			if resp.Error == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestHandleRisk_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/risk", nil)
	rec := httptest.NewRecorder()
	srv.handleRisk(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleRisk_RateLimited(t *testing.T) {
	srv := newTestServer(t)
	srv.limiter = rate.NewLimiter(rate.Limit(0), 0)
	rec := postJSON(t, srv.handleRisk, `{"kind":"avar","alpha":1,"p":[1],"z":[1]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestHandleSolve(t *testing.T) {
	srv := newTestServer(t)
	req := api.SolveRequest{
		Tree: api.TreeSpec{
			Parents:  []int{0, 0},
			CondProb: []float64{0.6, 0.4},
		},
		Dynamics: api.DynamicsSpec{
			A: [][]float64{{1, 0}, {0, 1}},
			B: [][]float64{{1, 0}, {0, 1}},
		},
		RiskKind: "avar",
		Alpha:    0.5,
		Q:        [][]float64{{1, 0}, {0, 1}},
		R:        [][]float64{{1, 0}, {0, 1}},
		QN:       [][]float64{{1, 0}, {0, 1}},
		UMin:     []float64{-1, -1},
		UMax:     []float64{1, 1},
		X0:       []float64{0.5, -0.5},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := postJSON(t, srv.handleSolve, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp api.SolveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.States) != 3 {
		t.Fatalf("states = %d nodes, want 3", len(resp.States))
	}
	for d, v := range req.X0 {
		if math.Abs(resp.States[0][d]-v) > 1e-5 {
			t.Errorf("root state component %d = %g, want %g", d, resp.States[0][d], v)
		}
	}
	if resp.Inputs[0] == nil || resp.Inputs[1] != nil || resp.Inputs[2] != nil {
		t.Error("inputs present on wrong nodes")
	}
	if math.IsNaN(resp.Objective) || resp.Objective < 0 {
		t.Errorf("objective = %g", resp.Objective)
	}
}

func TestHandleSolve_RejectsBadTopology(t *testing.T) {
	srv := newTestServer(t)
	body := `{"tree":{"parents":[5],"cond_prob":[1]},` +
		`"dynamics":{"A":[[1]],"B":[[1]]},"risk_kind":"avar","alpha":0.5,` +
		`"Q":[[1]],"R":[[1]],"QN":[[1]],"u_min":[-1],"u_max":[1],"x0":[0]}`
	rec := postJSON(t, srv.handleSolve, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
	}
}

func TestMetricsHandlerAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.metricsAuth.enabled = true
	srv.metricsAuth.user = "ops"
	srv.metricsAuth.password = "secret"

	handler := srv.metricsHandler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}
