package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/models"
)

// ValidLoadingTransitions maps each loading status to its valid next statuses.
// Loaded and Skipped are terminal.
var ValidLoadingTransitions = map[models.LoadingStatus][]models.LoadingStatus{
	models.LoadingPending:       {models.LoadingAtWeighbridge, models.LoadingSkipped},
	models.LoadingAtWeighbridge: {models.LoadingInProgress, models.LoadingSkipped},
	models.LoadingInProgress:    {models.LoadingLoaded, models.LoadingSkipped},
}

// isValidLoadingTransition checks whether a loading status change is allowed.
func isValidLoadingTransition(from, to models.LoadingStatus) bool {
	for _, v := range ValidLoadingTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Sequencer drives the per-item loading sub-state machine of one record.
// It keeps at most one item in the Loading state and derives each item's
// weight from the running truck weight.
type Sequencer struct {
	rec *models.IntakeRecord
	now func() time.Time
}

func newSequencer(rec *models.IntakeRecord, now func() time.Time) *Sequencer {
	return &Sequencer{rec: rec, now: now}
}

// Loading returns the item currently being loaded, or nil.
func (s *Sequencer) Loading() *models.LineItem {
	for i := range s.rec.Items {
		if s.rec.Items[i].LoadingStatus == models.LoadingInProgress {
			return &s.rec.Items[i]
		}
	}
	return nil
}

// CurrentTruckWeight is the tare plus every weight loaded so far.
func (s *Sequencer) CurrentTruckWeight() decimal.Decimal {
	return s.rec.InitialTareWeight.Decimal.Add(s.TotalLoaded())
}

// TotalLoaded sums the weight of loaded items.
func (s *Sequencer) TotalLoaded() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.rec.Items {
		if it.LoadingStatus == models.LoadingLoaded && it.LoadedWeight.Valid {
			total = total.Add(it.LoadedWeight.Decimal)
		}
	}
	return total
}

// AllItemsResolved reports whether every item is loaded or skipped.
func (s *Sequencer) AllItemsResolved() bool {
	for _, it := range s.rec.Items {
		if !it.LoadingStatus.Resolved() {
			return false
		}
	}
	return true
}

// Pending returns the number of unresolved items.
func (s *Sequencer) Pending() int {
	n := 0
	for _, it := range s.rec.Items {
		if !it.LoadingStatus.Resolved() {
			n++
		}
	}
	return n
}

// MarkAtWeighbridge moves an item from Pending to AtWeighbridge.
func (s *Sequencer) MarkAtWeighbridge(itemID string) error {
	const op = "mark at weighbridge"
	it, err := s.item(op, itemID)
	if err != nil {
		return err
	}
	if err := s.checkTransition(op, it, models.LoadingAtWeighbridge); err != nil {
		return err
	}
	if other := s.Loading(); other != nil {
		return preconditionFailed(op, "item %s is still loading", other.ID)
	}
	now := s.now()
	it.LoadingStatus = models.LoadingAtWeighbridge
	it.ArrivedAt = &now
	return nil
}

// BeginLoading moves an item from AtWeighbridge to Loading. Only one item
// may be loading at a time.
func (s *Sequencer) BeginLoading(itemID string) error {
	const op = "begin loading"
	it, err := s.item(op, itemID)
	if err != nil {
		return err
	}
	if err := s.checkTransition(op, it, models.LoadingInProgress); err != nil {
		return err
	}
	if other := s.Loading(); other != nil {
		return preconditionFailed(op, "item %s is already loading", other.ID)
	}
	now := s.now()
	it.LoadingStatus = models.LoadingInProgress
	it.LoadingStartedAt = &now
	return nil
}

// RecordWeightAfterLoading derives the loaded weight of the loading item
// from the observed truck weight. A reading below the current truck weight
// is a weight anomaly; it is never clamped.
func (s *Sequencer) RecordWeightAfterLoading(itemID string, observed decimal.Decimal) (decimal.Decimal, error) {
	const op = "record weight after loading"
	it, err := s.item(op, itemID)
	if err != nil {
		return decimal.Zero, err
	}
	if it.LoadingStatus != models.LoadingInProgress {
		return decimal.Zero, preconditionFailed(op, "item %s is %s, not loading", it.ID, it.LoadingStatus)
	}
	if !observed.IsPositive() {
		return decimal.Zero, invalidInput(op, "observed truck weight must be positive, got %s", observed)
	}

	current := s.CurrentTruckWeight()
	delta := observed.Sub(current)
	if delta.IsNegative() {
		return decimal.Zero, weightAnomaly(op, Anomaly{
			Step:     models.StepItemLoading,
			ItemID:   it.ID,
			Observed: observed,
			Expected: current,
			Detail:   fmt.Sprintf("observed truck weight %s is below current truck weight %s", observed, current),
		})
	}

	now := s.now()
	it.LoadedWeight = decimal.NullDecimal{Decimal: delta, Valid: true}
	it.LoadingStatus = models.LoadingLoaded
	it.ResolvedAt = &now
	s.rec.TotalLoadedWeight = s.TotalLoaded()
	return delta, nil
}

// Skip resolves an unloaded item without weight. Remarks are required.
func (s *Sequencer) Skip(itemID, remarks string) error {
	const op = "skip item"
	remarks = strings.TrimSpace(remarks)
	if remarks == "" {
		return invalidInput(op, "remarks are required to skip an item")
	}
	it, err := s.item(op, itemID)
	if err != nil {
		return err
	}
	if err := s.checkTransition(op, it, models.LoadingSkipped); err != nil {
		return err
	}
	now := s.now()
	it.LoadingStatus = models.LoadingSkipped
	it.LoadedWeight = decimal.NullDecimal{}
	it.Remarks = remarks
	it.ResolvedAt = &now
	return nil
}

func (s *Sequencer) item(op, itemID string) (*models.LineItem, error) {
	it := s.rec.Item(itemID)
	if it == nil {
		return nil, notFound(op, "item %s not found on record %s", itemID, s.rec.ID)
	}
	return it, nil
}

func (s *Sequencer) checkTransition(op string, it *models.LineItem, to models.LoadingStatus) error {
	if !isValidLoadingTransition(it.LoadingStatus, to) {
		return preconditionFailed(op, "item %s cannot move from %s to %s", it.ID, it.LoadingStatus, to)
	}
	return nil
}
