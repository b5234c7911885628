package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the Recorder and QueryService.
type Metrics struct {
	Recorded     *prometheus.CounterVec
	Degraded     *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	WriteLatency *prometheus.HistogramVec
	QueryLatency *prometheus.HistogramVec
	BreakerOpen  prometheus.Gauge
	Published    *prometheus.CounterVec
}

// NewMetrics registers the audit collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "records_written_total",
			Help:      "Audit records persisted, by record kind.",
		}, []string{"kind"}),
		Degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "records_degraded_total",
			Help:      "Audit records diverted to the fallback sinks, by record kind and cause.",
		}, []string{"kind", "cause"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "records_rejected_total",
			Help:      "Record calls rejected before reaching the store, by record kind and reason.",
		}, []string{"kind", "reason"}),
		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audit",
			Name:      "write_duration_seconds",
			Help:      "Time spent appending a record to the store.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audit",
			Name:      "query_duration_seconds",
			Help:      "Time spent answering an audit query, by query name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "audit",
			Name:      "store_breaker_open",
			Help:      "1 while the store circuit breaker is open, 0 otherwise.",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "security_events_published_total",
			Help:      "Security events handed to the SIEM stream, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) setBreaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
