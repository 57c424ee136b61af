package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service
type Metrics struct {
	// Request counters
	RiskEvaluations prometheus.Counter
	SolveRequests   prometheus.Counter
	CacheHits       prometheus.Counter

	// Failure counters
	RiskNonConvergence prometheus.Counter
	SolveFailures      prometheus.Counter

	// Labeled counters
	TreesGeneratedByKind   *prometheus.CounterVec
	RiskEvaluationsByKind  *prometheus.CounterVec

	// Solve quality
	SolveDuration   prometheus.Histogram
	SolveIterations prometheus.Histogram
	RefineRounds    prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		RiskEvaluations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rao_risk_evaluations_total",
			Help: "Total number of risk evaluation requests received",
		}),
		SolveRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rao_solve_requests_total",
			Help: "Total number of control solve requests received",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rao_cache_hits_total",
			Help: "Number of requests answered from the result cache",
		}),
		RiskNonConvergence: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rao_risk_nonconvergence_total",
			Help: "Number of risk evaluations that exhausted their iteration budget",
		}),
		SolveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rao_solve_failures_total",
			Help: "Number of control solves that failed",
		}),
		TreesGeneratedByKind: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rao_trees_generated_total",
				Help: "Number of scenario trees generated per factory kind",
			},
			[]string{"kind"},
		),
		RiskEvaluationsByKind: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rao_risk_evaluations_by_kind_total",
				Help: "Number of risk evaluations per measure kind",
			},
			[]string{"kind"},
		),
		SolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rao_solve_duration_seconds",
			Help:    "Wall-clock duration of control solves",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		SolveIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rao_solve_iterations",
			Help:    "Solver iterations of the final accepted solve",
			Buckets: prometheus.ExponentialBuckets(25, 2, 12),
		}),
		RefineRounds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rao_refine_rounds",
			Help:    "Hyperplane refinement rounds per entropic solve",
			Buckets: prometheus.LinearBuckets(1, 5, 12),
		}),
	}
}
