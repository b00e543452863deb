package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the import counters. A nil *Metrics records nothing.
type Metrics struct {
	records       *prometheus.CounterVec
	batches       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

// NewMetrics registers the import metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgmirror",
			Subsystem: "import",
			Name:      "records_total",
			Help:      "Dump records seen by the import stages, by stage and result.",
		}, []string{"stage", "result"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgmirror",
			Subsystem: "import",
			Name:      "batches_total",
			Help:      "Upsert batches by stage and result.",
		}, []string{"stage", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgmirror",
			Subsystem: "import",
			Name:      "batch_retries_total",
			Help:      "Transient batch failures that were retried.",
		}, []string{"stage"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kgmirror",
			Subsystem: "import",
			Name:      "batch_duration_seconds",
			Help:      "Latency of one upsert batch including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage", "result"}),
	}
}

func (m *Metrics) record(stage Stage, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(string(stage), result).Add(float64(n))
}

func (m *Metrics) batch(stage Stage, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.batches.WithLabelValues(string(stage), result).Inc()
	m.batchDuration.WithLabelValues(string(stage), result).Observe(seconds)
}

func (m *Metrics) retry(stage Stage) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(stage)).Inc()
}
