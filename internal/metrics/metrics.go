package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision labels for admission outcomes.
const (
	DecisionAdmitted      = "admitted"
	DecisionThrottled     = "throttled"
	DecisionQuotaExceeded = "quota_exceeded"
	DecisionError         = "error"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	admissions        *prometheus.CounterVec
	commits           *prometheus.CounterVec
	storeFailOpen     prometheus.Counter
	generations       *prometheus.CounterVec
	generationLatency prometheus.Histogram
	eventPublishErrs  *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convert_admission_decisions_total",
				Help: "Admission decisions made by the rate limiter",
			},
			[]string{"decision"},
		),
		commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convert_usage_commits_total",
				Help: "Post-generation usage writes to the quota ledger",
			},
			[]string{"result"},
		),
		storeFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "convert_counter_store_fail_open_total",
				Help: "Requests admitted past the burst gate because the counter store was unavailable",
			},
		),
		generations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convert_generation_requests_total",
				Help: "Calls to the generation upstream",
			},
			[]string{"result"},
		),
		generationLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convert_generation_duration_seconds",
				Help:    "Latency of the generation upstream",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
		eventPublishErrs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convert_usage_event_publish_errors_total",
				Help: "Usage events that failed to reach a sink",
			},
			[]string{"sink"},
		),
	}
}

func (m *Metrics) RecordAdmission(decision string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordCommit(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.commits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStoreFailOpen() {
	if m == nil {
		return
	}
	m.storeFailOpen.Inc()
}

func (m *Metrics) RecordGeneration(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(result).Inc()
	m.generationLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordEventPublishError(sink string) {
	if m == nil {
		return
	}
	m.eventPublishErrs.WithLabelValues(sink).Inc()
}
