package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fintrack/internal/core"
)

// Metrics tracks obligation registrations, settlements and sweep runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ObligationsCreated prometheus.Counter
	Settlements        *prometheus.CounterVec
	SettlementFailures *prometheus.CounterVec
	SweepRuns          prometheus.Counter
	SweepSkipped       prometheus.Counter
	SweepDuration      prometheus.Histogram
	SettleDuration     prometheus.Histogram

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RateLimitedHits prometheus.Counter
}

// New registers every metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObligationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "fintrack_obligations_created_total",
			Help: "Total number of recurring obligations registered",
		}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fintrack_settlements_total",
			Help: "Settlements committed, by origin (auto or manual)",
		}, []string{"origin"}),
		SettlementFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fintrack_settlement_failures_total",
			Help: "Settlements that failed, by origin",
		}, []string{"origin"}),
		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "fintrack_sweep_runs_total",
			Help: "Total number of batch settlement sweeps started",
		}),
		SweepSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fintrack_sweep_skipped_total",
			Help: "Due obligations a sweep found already settled by a concurrent writer",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fintrack_sweep_duration_seconds",
			Help:    "Duration of a full batch settlement sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		SettleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fintrack_settle_duration_seconds",
			Help:    "Duration of a single settlement transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fintrack_http_requests_total",
			Help: "HTTP requests served, by method, route pattern and status code",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fintrack_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimitedHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "fintrack_rate_limited_requests_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
	}
}

func (m *Metrics) IncrementObligationCreated() {
	if m == nil {
		return
	}
	m.ObligationsCreated.Inc()
}

// ObserveSettlement records the outcome of one settlement attempt started at start.
func (m *Metrics) ObserveSettlement(origin core.Origin, start time.Time, err error) {
	if m == nil {
		return
	}
	m.SettleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.SettlementFailures.WithLabelValues(origin.String()).Inc()
		return
	}
	m.Settlements.WithLabelValues(origin.String()).Inc()
}

func (m *Metrics) IncrementSweepSkipped() {
	if m == nil {
		return
	}
	m.SweepSkipped.Inc()
}

// ObserveSweep records a finished sweep. Call with time.Now() taken at the start.
func (m *Metrics) ObserveSweep(start time.Time) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one served request. route should be the router pattern, not the raw
// path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, start time.Time) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedHits.Inc()
}
