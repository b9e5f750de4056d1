// Package metrics exports engine and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/debt-engine/expenses"
	"github.com/warp/debt-engine/ledger"
)

var _ expenses.Observer = (*Recorder)(nil)

// Recorder implements expenses.Observer and records HTTP traffic.
type Recorder struct {
	registry *prometheus.Registry

	paymentsAllocated prometheus.Counter
	amountApplied     prometheus.Counter
	amountAbsorbed    prometheus.Counter
	purchasesTouched  prometheus.Histogram
	reconciliations   prometheus.Counter
	balancesRewritten prometheus.Counter
	driftDetected     prometheus.Counter
	conflictRetries   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewRecorder registers all collectors on a fresh registry, plus the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		paymentsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "payments_allocated_total",
			Help: "Payments run through the allocator.",
		}),
		amountApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "amount_applied_total",
			Help: "Sum of payment amounts applied to purchases.",
		}),
		amountAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "amount_absorbed_total",
			Help: "Sum of overpayment amounts that no purchase needed.",
		}),
		purchasesTouched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "debt_engine", Name: "allocation_purchases",
			Help:    "Purchases touched by one allocation.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "reconciliations_total",
			Help: "Completed reconciliation runs.",
		}),
		balancesRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "balances_rewritten_total",
			Help: "Purchase balances changed by reconciliation.",
		}),
		driftDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "drift_detected_total",
			Help: "Consistency checks that found stored balances out of date.",
		}),
		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "conflict_retries_total",
			Help: "Runs retried after a concurrent modification.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "debt_engine", Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "debt_engine", Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.paymentsAllocated, r.amountApplied, r.amountAbsorbed, r.purchasesTouched,
		r.reconciliations, r.balancesRewritten, r.driftDetected, r.conflictRetries,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) PaymentAllocated(res ledger.AllocationResult) {
	r.paymentsAllocated.Inc()
	r.amountApplied.Add(res.TotalApplied.Decimal().InexactFloat64())
	r.amountAbsorbed.Add(res.Absorbed.Decimal().InexactFloat64())
	r.purchasesTouched.Observe(float64(len(res.Allocations)))
}

func (r *Recorder) Reconciled(res ledger.ReconcileResult) {
	r.reconciliations.Inc()
	r.balancesRewritten.Add(float64(res.Updated()))
}

func (r *Recorder) DriftDetected(ledger.DriftReport) {
	r.driftDetected.Inc()
}

func (r *Recorder) ConflictRetried(op string) {
	r.conflictRetries.WithLabelValues(op).Inc()
}

// ObserveHTTP records one finished request. route is the matched pattern,
// not the raw path, to keep label cardinality bounded.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
