package tract

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Holding kinds used as the "kind" label of HoldingsTotal.
const (
	KindMerged    = "merged"
	KindSingleton = "singleton"
	KindDegraded  = "degraded"
	KindExcluded  = "excluded"
)

// Metrics holds the aggregation counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RunsTotal           prometheus.Counter
	TruncatedTotal      prometheus.Counter
	HoldingsTotal       *prometheus.CounterVec
	ConsistencyWarnings prometheus.Counter
	RunDurationMs       prometheus.Histogram
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tractmesh_runs_total",
			Help: "Total aggregation runs",
		}),
		TruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tractmesh_truncated_runs_total",
			Help: "Aggregation runs cut short by their budget",
		}),
		HoldingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tractmesh_holdings_total",
			Help: "Holdings emitted by kind",
		}, []string{"kind"}),
		ConsistencyWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tractmesh_consistency_warnings_total",
			Help: "Holdings whose merged and summed acreage disagree",
		}),
		RunDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tractmesh_run_duration_ms",
			Help:    "Aggregation run duration in milliseconds",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tractmesh_cache_hits_total",
			Help: "Holding cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tractmesh_cache_misses_total",
			Help: "Holding cache misses",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RunsTotal,
			m.TruncatedTotal,
			m.HoldingsTotal,
			m.ConsistencyWarnings,
			m.RunDurationMs,
			m.CacheHits,
			m.CacheMisses,
		)
	}
	return m
}

func (m *Metrics) holding(kind string) {
	if m != nil {
		m.HoldingsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) consistencyWarning() {
	if m != nil {
		m.ConsistencyWarnings.Inc()
	}
}

func (m *Metrics) run(res *Result) {
	if m == nil {
		return
	}
	m.RunsTotal.Inc()
	if res.Truncated {
		m.TruncatedTotal.Inc()
	}
	m.RunDurationMs.Observe(float64(res.Duration.Milliseconds()))
}

// CacheHit records a holding cache lookup outcome.
func (m *Metrics) CacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}
