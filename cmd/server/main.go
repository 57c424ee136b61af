package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fagan2888/risk-averse/internal/api"
	"github.com/fagan2888/risk-averse/internal/cache"
	"github.com/fagan2888/risk-averse/internal/control"
	"github.com/fagan2888/risk-averse/internal/metrics"
	"github.com/fagan2888/risk-averse/internal/risk"
	"github.com/fagan2888/risk-averse/pkg/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	riskMemo    *cache.Memo[string, float64]
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	solveLimit  time.Duration
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Risk evaluation memo
	memoSize := getEnvInt("RISK_MEMO_SIZE", 4096)
	riskMemo, err := cache.NewMemo[string, float64](memoSize)
	if err != nil {
		log.Fatalf("Failed to create risk memo: %v", err)
	}

	// Setup metrics
	m := metrics.New()

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	// Optional tracing
	var tracerShutdown func()
	if getEnv("OTEL_ENABLED", "") != "" {
		cfg := otel.DefaultConfig("risk-averse")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tp, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		tracerShutdown = func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				log.Printf("Tracer shutdown error: %v", err)
			}
		}
	}

	// Create server
	srv := &Server{
		riskMemo:   riskMemo,
		metrics:    m,
		limiter:    limiter,
		solveLimit: time.Duration(getEnvInt("SOLVE_TIMEOUT_SEC", 60)) * time.Second,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/risk", srv.handleRisk)
	mux.HandleFunc("/v1/solve", srv.handleSolve)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/healthz", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if tracerShutdown != nil {
		tracerShutdown()
	}

	log.Println("Server stopped")
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		respondError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	s.metrics.RiskEvaluations.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req api.RiskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.metrics.RiskEvaluationsByKind.WithLabelValues(req.Kind).Inc()

	key := req.Digest()
	if value, ok := s.riskMemo.Get(key); ok {
		s.metrics.CacheHits.Inc()
		respondJSON(w, http.StatusOK, api.RiskResponse{Risk: value, Cached: true})
		return
	}

	measure, err := buildMeasure(req.Kind, req.P, req.Alpha)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	value, err := measure.Risk(req.Z)
	if err != nil {
		if errors.Is(err, risk.ErrNonConvergence) {
			s.metrics.RiskNonConvergence.Inc()
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.riskMemo.Set(key, value)
	respondJSON(w, http.StatusOK, api.RiskResponse{Risk: value, Cached: false})
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		respondError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	s.metrics.SolveRequests.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20)) // 4MB limit
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req api.SolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "server", "solve")
	defer span.End()

	tr, err := req.Tree.BuildTree()
	if err != nil {
		otel.RecordError(span, err, "tree build failed")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.TreesGeneratedByKind.WithLabelValues("arena").Inc()
	span.SetAttributes(otel.TreeAttributes("arena", tr.NumNodes(), tr.NumStages(), tr.Horizon())...)

	dyn := &control.Dynamics{A: req.Dynamics.A, B: req.Dynamics.B}
	for id := 1; id < tr.NumNodes(); id++ {
		if err := tr.SetDataAtNode(id, dyn); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var family risk.Parametric
	switch req.RiskKind {
	case "avar":
		family = risk.AVaRFamily(req.Alpha)
	case "evar":
		family = risk.EVaRFamily(req.Alpha)
	}

	ctrl, err := control.NewBuilder().
		SetScenarioTree(tr).
		SetInputBounds(req.UMin, req.UMax).
		SetParametricRiskCost(family).
		SetStageCost(req.Q, req.R).
		SetTerminalCostMatrix(req.QN).
		MakeController()
	if err != nil {
		otel.RecordError(span, err, "controller build failed")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	solveCtx, cancel := context.WithTimeout(ctx, s.solveLimit)
	defer cancel()

	start := time.Now()
	sol, err := ctrl.Control(solveCtx, req.X0)
	s.metrics.SolveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("Solve failed: %v", err)
		s.metrics.SolveFailures.Inc()
		otel.RecordError(span, err, "solve failed")
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.metrics.SolveIterations.Observe(float64(sol.Iterations))
	s.metrics.RefineRounds.Observe(float64(sol.Refinements))
	span.SetAttributes(otel.SolveAttributes("solved", sol.Iterations, sol.Objective)...)

	respondJSON(w, http.StatusOK, api.SolveResponse{
		Objective:   sol.Objective,
		States:      sol.States,
		Inputs:      sol.Inputs,
		Iterations:  sol.Iterations,
		Refinements: sol.Refinements,
	})
}

func buildMeasure(kind string, p []float64, alpha float64) (risk.Measure, error) {
	switch kind {
	case "evar":
		return risk.NewEVaR(p, alpha)
	default:
		return risk.NewAVaR(p, alpha)
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, api.ErrorResponse{Error: msg})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
