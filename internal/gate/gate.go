// Package gate decides which live weighbridge samples are authoritative
// for the step an intake is at. Stable samples fill the captured reading
// for the current target; unstable samples only move the live preview.
package gate

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/weight"
)

// Target is the record field a reading is destined for.
type Target string

const (
	TargetNone  Target = ""
	TargetTare  Target = "tare"
	TargetItem  Target = "item_weight"
	TargetGross Target = "gross"
)

// Outcome says what the gate did with a sample.
type Outcome string

const (
	// OutcomeCaptured means a stable sample became the captured reading.
	OutcomeCaptured Outcome = "captured"
	// OutcomePreview means the sample only updated the live preview.
	OutcomePreview Outcome = "preview"
	// OutcomeIgnored means no step is awaiting a reading, or the sample
	// came from another device.
	OutcomeIgnored Outcome = "ignored"
)

// Decision is the result of applying one sample.
type Decision struct {
	Outcome Outcome         `json:"outcome"`
	Target  Target          `json:"target,omitempty"`
	ItemID  string          `json:"item_id,omitempty"`
	Value   decimal.Decimal `json:"value"`
}

// Capture is a stable reading held for a target until the operator
// confirms it or the target changes.
type Capture struct {
	Target Target          `json:"target"`
	ItemID string          `json:"item_id,omitempty"`
	Value  decimal.Decimal `json:"value"`
	At     time.Time       `json:"at"`
}

// Readings is what an operator screen shows next to the weight field.
type Readings struct {
	Target   Target         `json:"target,omitempty"`
	ItemID   string         `json:"item_id,omitempty"`
	Preview  *weight.Sample `json:"preview,omitempty"`
	Captured *Capture       `json:"captured,omitempty"`
}

// TargetFor maps a record view to the reading it is waiting for.
func TargetFor(v intake.View) (Target, string) {
	if v.Status != models.StatusInProgress {
		return TargetNone, ""
	}
	switch v.Step {
	case models.StepInitialWeighing:
		return TargetTare, ""
	case models.StepItemLoading:
		if v.LoadingItemID == "" {
			return TargetNone, ""
		}
		return TargetItem, v.LoadingItemID
	case models.StepFinalWeighing:
		return TargetGross, ""
	}
	return TargetNone, ""
}

// Gate filters samples for one record. A Gate is not safe for concurrent
// use; the record's processor owns it.
type Gate struct {
	device   string
	preview  *weight.Sample
	captured *Capture
}

// New creates a Gate that listens to the given weighbridge device. An
// empty device accepts samples from any device.
func New(device string) *Gate {
	return &Gate{device: device}
}

// Apply routes one sample given the current record view.
func (g *Gate) Apply(v intake.View, s weight.Sample) Decision {
	if g.device != "" && s.DeviceID != g.device {
		return Decision{Outcome: OutcomeIgnored, Value: s.Value}
	}
	sc := s
	g.preview = &sc

	target, itemID := TargetFor(v)
	g.dropStale(target, itemID)
	if target == TargetNone {
		return Decision{Outcome: OutcomeIgnored, Value: s.Value}
	}
	d := Decision{Target: target, ItemID: itemID, Value: s.Value}
	if !s.Stable {
		// The load is moving again, so an earlier settled value is no
		// longer what sits on the bridge.
		g.captured = nil
		d.Outcome = OutcomePreview
		return d
	}
	g.captured = &Capture{Target: target, ItemID: itemID, Value: s.Value, At: s.Timestamp}
	d.Outcome = OutcomeCaptured
	return d
}

// Captured returns the captured reading if it still belongs to the
// record's current target.
func (g *Gate) Captured(v intake.View) (Capture, bool) {
	target, itemID := TargetFor(v)
	g.dropStale(target, itemID)
	if g.captured == nil || target == TargetNone {
		return Capture{}, false
	}
	return *g.captured, true
}

// Consume returns the captured reading for the current target and clears
// it, so one settled reading is applied at most once.
func (g *Gate) Consume(v intake.View) (Capture, bool) {
	c, ok := g.Captured(v)
	if ok {
		g.captured = nil
	}
	return c, ok
}

// Readings returns the preview and captured values for display.
func (g *Gate) Readings(v intake.View) Readings {
	target, itemID := TargetFor(v)
	r := Readings{Target: target, ItemID: itemID}
	if g.preview != nil {
		p := *g.preview
		r.Preview = &p
	}
	if c, ok := g.Captured(v); ok {
		r.Captured = &c
	}
	return r
}

// Reset clears both preview and captured readings.
func (g *Gate) Reset() {
	g.preview = nil
	g.captured = nil
}

// dropStale forgets a capture taken for a different target.
func (g *Gate) dropStale(target Target, itemID string) {
	if g.captured == nil {
		return
	}
	if g.captured.Target != target || g.captured.ItemID != itemID {
		g.captured = nil
	}
}
