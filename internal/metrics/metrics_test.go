package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSample("captured")
	m.IncSample("captured")
	m.IncSample("preview")
	m.IncOperation("record_initial_weighing", "ok")
	m.IncAnomaly("final_weighing")
	m.IncStaleFeed("initial_weighing")
	m.IncFeedState("disconnected")
	m.IncIdentity("resolved")
	m.ProcessorOpened()
	m.ProcessorOpened()
	m.ProcessorClosed()
	m.ObserveSave(10 * time.Millisecond)

	if got := testutil.ToFloat64(m.Samples.WithLabelValues("captured")); got != 2 {
		t.Errorf("captured samples = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Samples.WithLabelValues("preview")); got != 1 {
		t.Errorf("preview samples = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Anomalies.WithLabelValues("final_weighing")); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OpenProcessors); got != 1 {
		t.Errorf("open processors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.SaveLatency); got != 1 {
		t.Errorf("save latency series = %d, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncSample("captured")
	m.IncOperation("cancel", "ok")
	m.IncAnomaly("item_loading")
	m.IncStaleFeed("final_weighing")
	m.IncFeedState("connected")
	m.IncIdentity("not_found")
	m.ProcessorOpened()
	m.ProcessorClosed()
	m.ObserveSave(time.Second)
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
