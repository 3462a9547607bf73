// Package metrics exposes Prometheus metrics for intake processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for record processors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Weight samples by gate outcome: captured, preview, ignored, rejected.
	Samples *prometheus.CounterVec

	// Accepted and refused operations by operation name and result.
	Operations *prometheus.CounterVec

	// Weight anomalies by step.
	Anomalies *prometheus.CounterVec

	// Stale-feed warnings by step.
	StaleFeed *prometheus.CounterVec

	// Feed connectivity changes by state.
	FeedState *prometheus.CounterVec

	// Identity matcher results by kind.
	Identity *prometheus.CounterVec

	// Processors currently open.
	OpenProcessors prometheus.Gauge

	// Time taken by persistence writes.
	SaveLatency prometheus.Histogram
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_weight_samples_total",
			Help: "Weight samples seen by the live weight gate by outcome",
		}, []string{"outcome"}),

		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_operations_total",
			Help: "Intake operations by name and result",
		}, []string{"op", "result"}),

		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_weight_anomalies_total",
			Help: "Weight anomalies by workflow step",
		}, []string{"step"}),

		StaleFeed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_feed_stale_total",
			Help: "Stale-feed warnings by workflow step",
		}, []string{"step"}),

		FeedState: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_feed_state_changes_total",
			Help: "Live feed connectivity changes by state",
		}, []string{"state"}),

		Identity: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakeyard_identity_matches_total",
			Help: "Identity matcher results by kind",
		}, []string{"kind"}),

		OpenProcessors: f.NewGauge(prometheus.GaugeOpts{
			Name: "intakeyard_open_processors",
			Help: "Record processors currently running",
		}),

		SaveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intakeyard_save_duration_seconds",
			Help:    "Duration of intake record persistence writes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// IncSample records a gate outcome.
func (m *Metrics) IncSample(outcome string) {
	if m != nil {
		m.Samples.WithLabelValues(outcome).Inc()
	}
}

// IncOperation records an operation result ("ok" or an error kind).
func (m *Metrics) IncOperation(op, result string) {
	if m != nil {
		m.Operations.WithLabelValues(op, result).Inc()
	}
}

// IncAnomaly records a weight anomaly at step.
func (m *Metrics) IncAnomaly(step string) {
	if m != nil {
		m.Anomalies.WithLabelValues(step).Inc()
	}
}

// IncStaleFeed records a stale-feed warning at step.
func (m *Metrics) IncStaleFeed(step string) {
	if m != nil {
		m.StaleFeed.WithLabelValues(step).Inc()
	}
}

// IncFeedState records a connectivity change.
func (m *Metrics) IncFeedState(state string) {
	if m != nil {
		m.FeedState.WithLabelValues(state).Inc()
	}
}

// IncIdentity records an identity matcher result.
func (m *Metrics) IncIdentity(kind string) {
	if m != nil {
		m.Identity.WithLabelValues(kind).Inc()
	}
}

// ProcessorOpened increments the open processor gauge.
func (m *Metrics) ProcessorOpened() {
	if m != nil {
		m.OpenProcessors.Inc()
	}
}

// ProcessorClosed decrements the open processor gauge.
func (m *Metrics) ProcessorClosed() {
	if m != nil {
		m.OpenProcessors.Dec()
	}
}

// ObserveSave records the duration of a persistence write.
func (m *Metrics) ObserveSave(d time.Duration) {
	if m != nil {
		m.SaveLatency.Observe(d.Seconds())
	}
}
