// Package intake implements the vehicle intake workflow: a forward-only
// step machine (gate entry, tare, item loading, gross, completion) with a
// nested per-item loading sequencer and weight reconciliation.
package intake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/models"
)

// ValidSteps maps each step to the single step that may follow it.
var ValidSteps = map[models.Step]models.Step{
	models.StepGateEntry:       models.StepInitialWeighing,
	models.StepInitialWeighing: models.StepItemLoading,
	models.StepItemLoading:     models.StepFinalWeighing,
	models.StepFinalWeighing:   models.StepCompleted,
}

// NewItem describes a line item when starting an intake.
type NewItem struct {
	MaterialCode     string
	Description      string
	ExpectedQuantity decimal.Decimal
	Unit             string
	Rate             decimal.Decimal
}

// VehicleInfo is captured at the gate.
type VehicleInfo struct {
	VehicleNumber string
	DriverName    string
	DriverPhone   string
	Transporter   string
}

// Options tune weight validation.
type Options struct {
	// Tolerance bounds the allowed gap between net weight and the sum of
	// item weights, and widens the lower bound on the final gross weight.
	Tolerance decimal.Decimal
	// MaxWeight caps any accepted reading. Zero disables the cap.
	MaxWeight decimal.Decimal
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciliation compares the net weight against the loaded items.
type Reconciliation struct {
	Net             decimal.Decimal `json:"net"`
	Loaded          decimal.Decimal `json:"loaded"`
	Difference      decimal.Decimal `json:"difference"`
	Tolerance       decimal.Decimal `json:"tolerance"`
	WithinTolerance bool            `json:"within_tolerance"`
}

// View is the read-only slice of state the live weight gate needs.
type View struct {
	RecordID      string
	Status        models.Status
	Step          models.Step
	LoadingItemID string
}

// Machine owns one intake record and applies workflow operations to it.
// A Machine is not safe for concurrent use; callers serialize access.
type Machine struct {
	rec  *models.IntakeRecord
	seq  *Sequencer
	opts Options
}

// DefaultIDPrefix is used when no site prefix is configured.
const DefaultIDPrefix = "in"

// GenerateID creates a record ID in <prefix>-xxxxxxxx format (8-char hex).
// The prefix is lowercased; empty means DefaultIDPrefix.
func GenerateID(prefix string) (string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("intake: generate ID: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

// ItemID builds the ID of the item at position pos on record recordID.
func ItemID(recordID string, pos int) string {
	return fmt.Sprintf("%s-%02d", recordID, pos)
}

// Start creates a new in-progress record at the gate-entry step.
func Start(id, sourceRef string, items []NewItem, opts Options) (*Machine, error) {
	const op = "start"
	sourceRef = strings.TrimSpace(sourceRef)
	if id == "" {
		return nil, invalidInput(op, "record id is required")
	}
	if sourceRef == "" {
		return nil, invalidInput(op, "source document is required")
	}
	if len(items) == 0 {
		return nil, invalidInput(op, "at least one line item is required")
	}
	for i, it := range items {
		if it.ExpectedQuantity.IsNegative() {
			return nil, invalidInput(op, "item %d: expected quantity must not be negative", i+1)
		}
	}

	opts = opts.withDefaults()
	now := opts.Now()
	rec := &models.IntakeRecord{
		ID:              id,
		SourceRef:       sourceRef,
		ActiveSourceRef: &sourceRef,
		Status:          models.StatusInProgress,
		CurrentStep:     models.StepGateEntry,
		StartedAt:       &now,
		Items:           make([]models.LineItem, len(items)),
	}
	for i, it := range items {
		rec.Items[i] = models.LineItem{
			ID:               ItemID(id, i+1),
			RecordID:         id,
			Position:         i + 1,
			MaterialCode:     it.MaterialCode,
			Description:      it.Description,
			ExpectedQuantity: it.ExpectedQuantity,
			Unit:             it.Unit,
			Rate:             it.Rate,
			LoadingStatus:    models.LoadingPending,
		}
	}
	return &Machine{rec: rec, seq: newSequencer(rec, opts.Now), opts: opts}, nil
}

// Resume wraps a persisted record. It refuses records that already break
// the one-item-loading invariant.
func Resume(rec *models.IntakeRecord, opts Options) (*Machine, error) {
	if rec == nil {
		return nil, invalidInput("resume", "record is required")
	}
	loading := 0
	for _, it := range rec.Items {
		if it.LoadingStatus == models.LoadingInProgress {
			loading++
		}
	}
	if loading > 1 {
		return nil, preconditionFailed("resume", "record %s has %d items loading", rec.ID, loading)
	}
	rank := rec.CurrentStep.Rank()
	if rank < 0 {
		return nil, preconditionFailed("resume", "record %s is at unknown step %q", rec.ID, rec.CurrentStep)
	}
	if rec.Status == models.StatusInProgress && rank == models.StepCompleted.Rank() {
		return nil, preconditionFailed("resume", "record %s is in progress at step %s", rec.ID, rec.CurrentStep)
	}
	if loading > 0 && rank != models.StepItemLoading.Rank() {
		return nil, preconditionFailed("resume", "record %s has an item loading at step %s", rec.ID, rec.CurrentStep)
	}
	if rank < models.StepInitialWeighing.Rank() && rec.InitialTareWeight.Valid {
		return nil, preconditionFailed("resume", "record %s has a tare weight at step %s", rec.ID, rec.CurrentStep)
	}
	opts = opts.withDefaults()
	rec = rec.Clone()
	return &Machine{rec: rec, seq: newSequencer(rec, opts.Now), opts: opts}, nil
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Tolerance.IsNegative() {
		o.Tolerance = decimal.Zero
	}
	return o
}

// ID returns the record ID.
func (m *Machine) ID() string { return m.rec.ID }

// Snapshot returns a deep copy of the record.
func (m *Machine) Snapshot() *models.IntakeRecord { return m.rec.Clone() }

// View returns the state the live weight gate keys on.
func (m *Machine) View() View {
	v := View{RecordID: m.rec.ID, Status: m.rec.Status, Step: m.rec.CurrentStep}
	if m.rec.CurrentStep == models.StepItemLoading {
		if it := m.seq.Loading(); it != nil {
			v.LoadingItemID = it.ID
		}
	}
	return v
}

// CurrentTruckWeight is the tare plus all weight loaded so far.
func (m *Machine) CurrentTruckWeight() decimal.Decimal { return m.seq.CurrentTruckWeight() }

// AllItemsResolved reports whether every item is loaded or skipped.
func (m *Machine) AllItemsResolved() bool { return m.seq.AllItemsResolved() }

// RecordGateEntry captures vehicle details and an optional identity card,
// then advances to initial weighing.
func (m *Machine) RecordGateEntry(info VehicleInfo, cardID string) error {
	const op = "record gate entry"
	if err := m.requireStep(op, models.StepGateEntry); err != nil {
		return err
	}
	info.VehicleNumber = strings.ToUpper(strings.TrimSpace(info.VehicleNumber))
	if info.VehicleNumber == "" {
		return invalidInput(op, "vehicle number is required")
	}

	now := m.opts.Now()
	m.rec.VehicleNumber = info.VehicleNumber
	m.rec.DriverName = strings.TrimSpace(info.DriverName)
	m.rec.DriverPhone = strings.TrimSpace(info.DriverPhone)
	m.rec.Transporter = strings.TrimSpace(info.Transporter)
	if cardID = strings.TrimSpace(cardID); cardID != "" {
		m.rec.CardID = &cardID
	}
	m.rec.GateEntryAt = &now
	m.advance()
	return nil
}

// RecordInitialWeighing records the tare weight and opens item loading.
func (m *Machine) RecordInitialWeighing(tare decimal.Decimal) error {
	const op = "record initial weighing"
	if err := m.requireStep(op, models.StepInitialWeighing); err != nil {
		return err
	}
	if !tare.IsPositive() {
		return invalidInput(op, "tare weight must be positive, got %s", tare)
	}
	if err := m.checkMax(op, tare); err != nil {
		return err
	}

	now := m.opts.Now()
	m.rec.InitialTareWeight = decimal.NullDecimal{Decimal: tare, Valid: true}
	m.rec.TotalLoadedWeight = decimal.Zero
	m.rec.InitialWeighingAt = &now
	m.advance()
	return nil
}

// MarkAtWeighbridge moves an item to the weighbridge.
func (m *Machine) MarkAtWeighbridge(itemID string) error {
	if err := m.requireStep("mark at weighbridge", models.StepItemLoading); err != nil {
		return err
	}
	return m.seq.MarkAtWeighbridge(itemID)
}

// BeginLoading starts loading an item at the weighbridge.
func (m *Machine) BeginLoading(itemID string) error {
	if err := m.requireStep("begin loading", models.StepItemLoading); err != nil {
		return err
	}
	return m.seq.BeginLoading(itemID)
}

// RecordWeightAfterLoading records the truck weight after loading an item
// and returns the derived item weight.
func (m *Machine) RecordWeightAfterLoading(itemID string, observed decimal.Decimal) (decimal.Decimal, error) {
	const op = "record weight after loading"
	if err := m.requireStep(op, models.StepItemLoading); err != nil {
		return decimal.Zero, err
	}
	if err := m.checkMax(op, observed); err != nil {
		return decimal.Zero, err
	}
	return m.seq.RecordWeightAfterLoading(itemID, observed)
}

// SkipItem resolves an item without loading it.
func (m *Machine) SkipItem(itemID, remarks string) error {
	if err := m.requireStep("skip item", models.StepItemLoading); err != nil {
		return err
	}
	return m.seq.Skip(itemID, remarks)
}

// FinishLoading leaves item loading once every item is loaded or skipped.
func (m *Machine) FinishLoading() error {
	const op = "finish loading"
	if err := m.requireStep(op, models.StepItemLoading); err != nil {
		return err
	}
	if !m.seq.AllItemsResolved() {
		return preconditionFailed(op, "%d item(s) are neither loaded nor skipped", m.seq.Pending())
	}
	now := m.opts.Now()
	m.rec.LoadingCompletedAt = &now
	m.advance()
	return nil
}

// RecordFinalWeighing records the gross weight and completes the intake.
// The gross weight must be at least tare plus loaded weight, less the
// tolerance; otherwise it is a weight anomaly and nothing changes. A net
// weight that disagrees with the loaded total beyond the tolerance is
// accepted but flagged.
func (m *Machine) RecordFinalWeighing(gross decimal.Decimal) (Reconciliation, error) {
	const op = "record final weighing"
	if err := m.checkFinal(op, gross); err != nil {
		return Reconciliation{}, err
	}
	expected := m.seq.CurrentTruckWeight()
	if gross.LessThan(expected.Sub(m.opts.Tolerance)) {
		return Reconciliation{}, weightAnomaly(op, Anomaly{
			Step:     models.StepFinalWeighing,
			Observed: gross,
			Expected: expected,
			Detail: fmt.Sprintf("gross weight %s is below tare plus loaded weight %s (tolerance %s)",
				gross, expected, m.opts.Tolerance),
		})
	}
	return m.complete(gross, ""), nil
}

// OverrideFinalWeighing is the operator override for a gross weight the
// loaded items cannot account for. The reason is recorded and the record
// is always flagged. A gross weight below the tare is still refused.
func (m *Machine) OverrideFinalWeighing(gross decimal.Decimal, reason string) (Reconciliation, error) {
	const op = "override final weighing"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Reconciliation{}, invalidInput(op, "an override reason is required")
	}
	if err := m.checkFinal(op, gross); err != nil {
		return Reconciliation{}, err
	}
	tare := m.rec.InitialTareWeight.Decimal
	if gross.LessThan(tare) {
		return Reconciliation{}, weightAnomaly(op, Anomaly{
			Step:     models.StepFinalWeighing,
			Observed: gross,
			Expected: tare,
			Detail:   fmt.Sprintf("gross weight %s is below tare weight %s", gross, tare),
		})
	}
	return m.complete(gross, reason), nil
}

// Cancel stops the intake from any in-progress step. The step is kept so
// the record shows where processing stopped.
func (m *Machine) Cancel(reason string) error {
	const op = "cancel"
	if m.rec.Status != models.StatusInProgress {
		return preconditionFailed(op, "record %s is %s", m.rec.ID, m.rec.Status)
	}
	now := m.opts.Now()
	m.rec.Status = models.StatusCancelled
	m.rec.CancelReason = reason
	m.rec.CancelledAt = &now
	m.rec.ActiveSourceRef = nil
	return nil
}

func (m *Machine) checkFinal(op string, gross decimal.Decimal) error {
	if err := m.requireStep(op, models.StepFinalWeighing); err != nil {
		return err
	}
	if !gross.IsPositive() {
		return invalidInput(op, "gross weight must be positive, got %s", gross)
	}
	return m.checkMax(op, gross)
}

func (m *Machine) complete(gross decimal.Decimal, overrideReason string) Reconciliation {
	tare := m.rec.InitialTareWeight.Decimal
	loaded := m.seq.TotalLoaded()
	net := gross.Sub(tare)
	diff := net.Sub(loaded)
	rc := Reconciliation{
		Net:             net,
		Loaded:          loaded,
		Difference:      diff,
		Tolerance:       m.opts.Tolerance,
		WithinTolerance: diff.Abs().LessThanOrEqual(m.opts.Tolerance),
	}

	now := m.opts.Now()
	m.rec.FinalGrossWeight = decimal.NullDecimal{Decimal: gross, Valid: true}
	m.rec.NetWeight = decimal.NullDecimal{Decimal: net, Valid: true}
	m.rec.TotalLoadedWeight = loaded
	m.rec.FinalWeighingAt = &now
	m.rec.CompletedAt = &now
	m.rec.Status = models.StatusCompleted
	m.rec.ActiveSourceRef = nil
	if !rc.WithinTolerance {
		m.rec.Flagged = true
		m.rec.FlagReason = fmt.Sprintf("net weight %s differs from loaded weight %s by %s (tolerance %s)",
			net, loaded, diff, m.opts.Tolerance)
	}
	if overrideReason != "" {
		m.rec.Flagged = true
		m.rec.OverrideReason = overrideReason
		if m.rec.FlagReason == "" {
			m.rec.FlagReason = "final weighing overridden"
		}
	}
	m.advance()
	return rc
}

// requireStep checks the record is in progress and at the given step.
func (m *Machine) requireStep(op string, step models.Step) error {
	if m.rec.Status != models.StatusInProgress {
		return preconditionFailed(op, "record %s is %s", m.rec.ID, m.rec.Status)
	}
	if m.rec.CurrentStep != step {
		return preconditionFailed(op, "record %s is at step %s, not %s", m.rec.ID, m.rec.CurrentStep, step)
	}
	return nil
}

func (m *Machine) checkMax(op string, w decimal.Decimal) error {
	if m.opts.MaxWeight.IsPositive() && w.GreaterThan(m.opts.MaxWeight) {
		return invalidInput(op, "weight %s exceeds maximum %s", w, m.opts.MaxWeight)
	}
	return nil
}

// advance moves to the next step. Callers have already checked the step.
func (m *Machine) advance() {
	m.rec.CurrentStep = ValidSteps[m.rec.CurrentStep]
}
