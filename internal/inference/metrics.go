package inference

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts inference calls by purpose and outcome.
type Metrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cacheHits *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_monitor",
		Subsystem: "inference",
		Name:      "calls_total",
		Help:      "Inference calls by purpose and outcome.",
	}, []string{"purpose", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_monitor",
		Subsystem: "inference",
		Name:      "call_duration_seconds",
		Help:      "Latency of uncached inference calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"purpose"})
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_monitor",
		Subsystem: "inference",
		Name:      "cache_hits_total",
		Help:      "Inference calls answered from the cache.",
	}, []string{"purpose"})

	for _, c := range []prometheus.Collector{calls, latency, cacheHits} {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch c {
			case calls:
				calls = already.ExistingCollector.(*prometheus.CounterVec)
			case cacheHits:
				cacheHits = already.ExistingCollector.(*prometheus.CounterVec)
			case latency:
				latency = already.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
	}
	return &Metrics{calls: calls, latency: latency, cacheHits: cacheHits}
}

func (m *Metrics) observe(p Purpose, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(string(p), outcome).Inc()
	if outcome != "cached" && d > 0 {
		m.latency.WithLabelValues(string(p)).Observe(d.Seconds())
	}
}

func (m *Metrics) hit(p Purpose) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(string(p)).Inc()
}
