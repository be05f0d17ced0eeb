package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

// Metrics exposes poll and transition counters.
type Metrics struct {
	polls         *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	sessions      prometheus.Gauge
	transitions   *prometheus.CounterVec
	skips         *prometheus.CounterVec
	effectFailure *prometheus.CounterVec
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

// MustNewMetrics registers the monitor collectors with reg. Collectors
// already registered under the same names are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Poll sweeps by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "sessions",
			Help:      "Agent sessions seen in the last sweep.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "transitions_total",
			Help:      "Committed task transitions.",
		}, []string{"source", "from", "to"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "transitions_skipped_total",
			Help:      "Proposals that committed nothing, by reason.",
		}, []string{"source", "reason"}),
		effectFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_monitor",
			Subsystem: "monitor",
			Name:      "side_effect_failures_total",
			Help:      "Failed post-transition side effects.",
		}, []string{"effect"}),
	}

	for _, c := range []prometheus.Collector{m.polls, m.pollDuration, m.sessions, m.transitions, m.skips, m.effectFailure} {
		err := reg.Register(c)
		if err == nil {
			continue
		}
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		switch c {
		case m.polls:
			m.polls = already.ExistingCollector.(*prometheus.CounterVec)
		case m.pollDuration:
			m.pollDuration = already.ExistingCollector.(prometheus.Histogram)
		case m.sessions:
			m.sessions = already.ExistingCollector.(prometheus.Gauge)
		case m.transitions:
			m.transitions = already.ExistingCollector.(*prometheus.CounterVec)
		case m.skips:
			m.skips = already.ExistingCollector.(*prometheus.CounterVec)
		case m.effectFailure:
			m.effectFailure = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return m
}

func (m *Metrics) poll(rep PollReport, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !rep.Available {
		result = "backend_unavailable"
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(d.Seconds())
	if rep.Available {
		m.sessions.Set(float64(rep.Sessions))
	}
}

func (m *Metrics) committed(src Source, from, to statemachine.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(src), string(from), string(to)).Inc()
}

func (m *Metrics) skipped(src Source, reason SkipReason) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(string(src), string(reason)).Inc()
}

func (m *Metrics) sideEffectFailed(effect string) {
	if m == nil {
		return
	}
	m.effectFailure.WithLabelValues(effect).Inc()
}
