package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	ScansFinished  *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	ItemsDropped   *prometheus.CounterVec
	UploadRetries  prometheus.Counter
	JobsRetried    prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facefinder",
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal state.",
		}, []string{"status"}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facefinder",
			Name:      "items_processed_total",
			Help:      "Items that passed a pipeline stage.",
		}, []string{"stage"}),
		ItemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facefinder",
			Name:      "items_dropped_total",
			Help:      "Items dropped after a per-item failure.",
		}, []string{"stage"}),
		UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facefinder",
			Name:      "upload_retries_total",
			Help:      "Blob uploads retried after a failed attempt.",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facefinder",
			Name:      "jobs_retried_total",
			Help:      "Scan jobs requeued after a failed attempt.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ScansFinished, m.ItemsProcessed, m.ItemsDropped, m.UploadRetries, m.JobsRetried)
	}
	return m
}
