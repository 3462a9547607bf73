package gate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/weight"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sample(v string, stable bool) weight.Sample {
	return weight.Sample{DeviceID: "wb-01", Value: decimal.RequireFromString(v), Unit: "kg", Stable: stable, Timestamp: t0}
}

func view(step models.Step, loading string) intake.View {
	return intake.View{RecordID: "in-1", Status: models.StatusInProgress, Step: step, LoadingItemID: loading}
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		name   string
		v      intake.View
		want   Target
		wantID string
	}{
		{"gate entry", view(models.StepGateEntry, ""), TargetNone, ""},
		{"tare", view(models.StepInitialWeighing, ""), TargetTare, ""},
		{"loading idle", view(models.StepItemLoading, ""), TargetNone, ""},
		{"loading item", view(models.StepItemLoading, "in-1-02"), TargetItem, "in-1-02"},
		{"gross", view(models.StepFinalWeighing, ""), TargetGross, ""},
		{"completed", view(models.StepCompleted, ""), TargetNone, ""},
		{"cancelled", intake.View{Status: models.StatusCancelled, Step: models.StepInitialWeighing}, TargetNone, ""},
	}
	for _, tt := range tests {
		got, id := TargetFor(tt.v)
		if got != tt.want || id != tt.wantID {
			t.Errorf("%s: TargetFor = (%q, %q), want (%q, %q)", tt.name, got, id, tt.want, tt.wantID)
		}
	}
}

func TestApply_UnstableOnlyPreviews(t *testing.T) {
	g := New("wb-01")
	v := view(models.StepInitialWeighing, "")

	d := g.Apply(v, sample("10012", false))
	if d.Outcome != OutcomePreview || d.Target != TargetTare {
		t.Errorf("decision = %+v, want preview for tare", d)
	}
	if _, ok := g.Captured(v); ok {
		t.Error("unstable sample must not be captured")
	}
	r := g.Readings(v)
	if r.Preview == nil || !r.Preview.Value.Equal(decimal.RequireFromString("10012")) {
		t.Errorf("preview = %+v, want 10012", r.Preview)
	}
}

func TestApply_StableCaptures(t *testing.T) {
	g := New("wb-01")
	v := view(models.StepInitialWeighing, "")
	g.Apply(v, sample("10012", false))
	d := g.Apply(v, sample("10000", true))
	if d.Outcome != OutcomeCaptured {
		t.Fatalf("Outcome = %s, want captured", d.Outcome)
	}
	c, ok := g.Captured(v)
	if !ok || !c.Value.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("captured = %+v, %v; want 10000", c, ok)
	}
}

func TestApply_MotionClearsCapture(t *testing.T) {
	type step struct {
		value  string
		stable bool
	}
	tests := []struct {
		name    string
		samples []step
		want    string // empty means nothing captured
	}{
		{"settled", []step{{"10000", true}}, "10000"},
		{"settled then moving", []step{{"10000", true}, {"10150", false}}, ""},
		{"settled moving settled", []step{{"10000", true}, {"10250", false}, {"10490", false}, {"10500", true}}, "10500"},
		{"restated settled value", []step{{"10000", true}, {"10000", true}}, "10000"},
		{"only moving", []step{{"10012", false}, {"10030", false}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New("wb-01")
			v := view(models.StepItemLoading, "in-1-01")
			for _, s := range tt.samples {
				g.Apply(v, sample(s.value, s.stable))
			}
			c, ok := g.Captured(v)
			if tt.want == "" {
				if ok {
					t.Errorf("captured %s, want nothing", c.Value)
				}
				return
			}
			if !ok || !c.Value.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("captured = %+v, %v; want %s", c, ok, tt.want)
			}
			last := tt.samples[len(tt.samples)-1].value
			if r := g.Readings(v); !r.Preview.Value.Equal(decimal.RequireFromString(last)) {
				t.Errorf("preview = %s, want latest %s", r.Preview.Value, last)
			}
		})
	}
}

func TestApply_IgnoresWhenNothingAwaited(t *testing.T) {
	g := New("wb-01")
	for _, v := range []intake.View{
		view(models.StepGateEntry, ""),
		view(models.StepItemLoading, ""),
		view(models.StepCompleted, ""),
	} {
		d := g.Apply(v, sample("10000", true))
		if d.Outcome != OutcomeIgnored {
			t.Errorf("step %s: Outcome = %s, want ignored", v.Step, d.Outcome)
		}
		if _, ok := g.Captured(v); ok {
			t.Errorf("step %s: captured without a target", v.Step)
		}
	}
}

func TestApply_OtherDeviceIgnored(t *testing.T) {
	g := New("wb-01")
	v := view(models.StepInitialWeighing, "")
	s := sample("10000", true)
	s.DeviceID = "wb-02"
	if d := g.Apply(v, s); d.Outcome != OutcomeIgnored {
		t.Errorf("Outcome = %s, want ignored", d.Outcome)
	}
	if g.Readings(v).Preview != nil {
		t.Error("foreign device should not move the preview")
	}
}

func TestCapture_DroppedWhenTargetChanges(t *testing.T) {
	g := New("")
	tare := view(models.StepInitialWeighing, "")
	g.Apply(tare, sample("10000", true))

	// After the step moves on, the tare capture is not offered for the item.
	itemA := view(models.StepItemLoading, "in-1-01")
	if _, ok := g.Captured(itemA); ok {
		t.Error("tare capture leaked into item loading")
	}

	g.Apply(itemA, sample("10500", true))
	itemB := view(models.StepItemLoading, "in-1-02")
	if _, ok := g.Captured(itemB); ok {
		t.Error("item A capture leaked into item B")
	}
}

func TestConsume(t *testing.T) {
	g := New("")
	v := view(models.StepFinalWeighing, "")
	g.Apply(v, sample("10850", true))
	c, ok := g.Consume(v)
	if !ok || c.Target != TargetGross {
		t.Fatalf("Consume = %+v, %v", c, ok)
	}
	if _, ok := g.Consume(v); ok {
		t.Error("capture consumed twice")
	}
}

func TestReset(t *testing.T) {
	g := New("")
	v := view(models.StepFinalWeighing, "")
	g.Apply(v, sample("10850", true))
	g.Reset()
	r := g.Readings(v)
	if r.Preview != nil || r.Captured != nil {
		t.Errorf("Readings after Reset = %+v", r)
	}
}
