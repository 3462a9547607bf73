package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an intake record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Step is the physical processing step a vehicle is currently at.
type Step string

const (
	StepGateEntry       Step = "gate_entry"
	StepInitialWeighing Step = "initial_weighing"
	StepItemLoading     Step = "item_loading"
	StepFinalWeighing   Step = "final_weighing"
	StepCompleted       Step = "completed"
)

// stepOrder ranks steps so callers can check forward-only movement.
var stepOrder = map[Step]int{
	StepGateEntry:       0,
	StepInitialWeighing: 1,
	StepItemLoading:     2,
	StepFinalWeighing:   3,
	StepCompleted:       4,
}

// Rank returns the position of s in the processing order, or -1 if unknown.
func (s Step) Rank() int {
	r, ok := stepOrder[s]
	if !ok {
		return -1
	}
	return r
}

// IntakeRecord is one vehicle visit through the intake workflow.
type IntakeRecord struct {
	ID        string `gorm:"primaryKey;size:32"`
	SourceRef string `gorm:"size:64;not null;index"`
	// ActiveSourceRef mirrors SourceRef while the record is open and is
	// cleared once it reaches a terminal status. The unique index allows
	// only one open record per source document.
	ActiveSourceRef *string `gorm:"size:64;uniqueIndex"`

	VehicleNumber string  `gorm:"size:32"`
	DriverName    string  `gorm:"size:128"`
	DriverPhone   string  `gorm:"size:32"`
	Transporter   string  `gorm:"size:128"`
	CardID        *string `gorm:"size:64"`

	Status      Status `gorm:"size:16;default:pending;index"`
	CurrentStep Step   `gorm:"size:24;default:gate_entry"`

	InitialTareWeight decimal.NullDecimal `gorm:"type:decimal(12,3)"`
	FinalGrossWeight  decimal.NullDecimal `gorm:"type:decimal(12,3)"`
	TotalLoadedWeight decimal.Decimal     `gorm:"type:decimal(12,3)"`
	NetWeight         decimal.NullDecimal `gorm:"type:decimal(12,3)"`

	Flagged        bool   `gorm:"default:false;index"`
	FlagReason     string `gorm:"type:text"`
	OverrideReason string `gorm:"type:text"`
	CancelReason   string `gorm:"type:text"`

	StartedAt          *time.Time
	GateEntryAt        *time.Time
	InitialWeighingAt  *time.Time
	LoadingCompletedAt *time.Time
	FinalWeighingAt    *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Items []LineItem `gorm:"foreignKey:RecordID"`
}

// Terminal reports whether the record can no longer change.
func (r *IntakeRecord) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Item returns the line item with the given ID, or nil.
func (r *IntakeRecord) Item(id string) *LineItem {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return &r.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *IntakeRecord) Clone() *IntakeRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ActiveSourceRef = cloneString(r.ActiveSourceRef)
	c.CardID = cloneString(r.CardID)
	c.StartedAt = cloneTime(r.StartedAt)
	c.GateEntryAt = cloneTime(r.GateEntryAt)
	c.InitialWeighingAt = cloneTime(r.InitialWeighingAt)
	c.LoadingCompletedAt = cloneTime(r.LoadingCompletedAt)
	c.FinalWeighingAt = cloneTime(r.FinalWeighingAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.Items != nil {
		c.Items = make([]LineItem, len(r.Items))
		for i := range r.Items {
			c.Items[i] = r.Items[i].clone()
		}
	}
	return &c
}

// LoadingStatus is the per-item loading state.
type LoadingStatus string

const (
	LoadingPending       LoadingStatus = "pending"
	LoadingAtWeighbridge LoadingStatus = "at_weighbridge"
	LoadingInProgress    LoadingStatus = "loading"
	LoadingLoaded        LoadingStatus = "loaded"
	LoadingSkipped       LoadingStatus = "skipped"
)

// Resolved reports whether the status is terminal (loaded or skipped).
func (s LoadingStatus) Resolved() bool {
	return s == LoadingLoaded || s == LoadingSkipped
}

// LineItem is one material line loaded during an intake.
type LineItem struct {
	ID           string `gorm:"primaryKey;size:40"`
	RecordID     string `gorm:"size:32;index"`
	Position     int
	MaterialCode string `gorm:"size:64"`
	Description  string `gorm:"size:256"`

	ExpectedQuantity decimal.Decimal `gorm:"type:decimal(12,3)"`
	Unit             string          `gorm:"size:16"`
	Rate             decimal.Decimal `gorm:"type:decimal(12,2)"`

	LoadingStatus LoadingStatus       `gorm:"size:16;default:pending"`
	LoadedWeight  decimal.NullDecimal `gorm:"type:decimal(12,3)"`
	Remarks       string              `gorm:"type:text"`

	ArrivedAt        *time.Time
	LoadingStartedAt *time.Time
	ResolvedAt       *time.Time
}

func (li LineItem) clone() LineItem {
	li.ArrivedAt = cloneTime(li.ArrivedAt)
	li.LoadingStartedAt = cloneTime(li.LoadingStartedAt)
	li.ResolvedAt = cloneTime(li.ResolvedAt)
	return li
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
