// Package messaging carries intake events from record processors to the
// dashboard, alerting, and the audit trail.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/intakeyard/internal/identity"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"gorm.io/gorm"
)

// Kind names an event.
type Kind string

const (
	KindSnapshot              Kind = "snapshot"
	KindIdentityResolved      Kind = "identity_resolved"
	KindIdentityNotFound      Kind = "identity_not_found"
	KindFeedStale             Kind = "feed_stale"
	KindFeedDisconnected      Kind = "feed_disconnected"
	KindFeedConnected         Kind = "feed_connected"
	KindWeightAnomaly         Kind = "weight_anomaly"
	KindReconciliationFlagged Kind = "reconciliation_flagged"
)

// Event is one notification about an intake record.
type Event struct {
	ID       string      `json:"id"`
	Kind     Kind        `json:"kind"`
	RecordID string      `json:"record_id"`
	Step     models.Step `json:"step,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	At       time.Time   `json:"at"`

	Snapshot       *models.IntakeRecord   `json:"snapshot,omitempty"`
	Anomaly        *intake.Anomaly        `json:"anomaly,omitempty"`
	Reconciliation *intake.Reconciliation `json:"reconciliation,omitempty"`
	Card           *identity.Card         `json:"card,omitempty"`
	Input          string                 `json:"input,omitempty"`
	Since          time.Duration          `json:"since,omitempty"`
}

// NewEvent returns an event with a fresh ID.
func NewEvent(kind Kind, recordID string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, RecordID: recordID, At: at}
}

// payload is the structured part of an event kept in the audit trail.
type payload struct {
	Anomaly        *intake.Anomaly        `json:"anomaly,omitempty"`
	Reconciliation *intake.Reconciliation `json:"reconciliation,omitempty"`
	Card           *identity.Card         `json:"card,omitempty"`
	Input          string                 `json:"input,omitempty"`
	SinceSec       float64                `json:"since_sec,omitempty"`
}

// Record persists evt as an audit row. Snapshots are not recorded; the
// record itself is their durable form.
func Record(db *gorm.DB, evt Event) (*models.IntakeEvent, error) {
	if evt.Kind == KindSnapshot {
		return nil, nil
	}
	if evt.Kind == "" {
		return nil, fmt.Errorf("messaging: kind is required")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	data, err := json.Marshal(payload{
		Anomaly:        evt.Anomaly,
		Reconciliation: evt.Reconciliation,
		Card:           evt.Card,
		Input:          evt.Input,
		SinceSec:       evt.Since.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal payload: %w", err)
	}

	row := models.IntakeEvent{
		ID:        evt.ID,
		RecordID:  evt.RecordID,
		Kind:      string(evt.Kind),
		Step:      string(evt.Step),
		Detail:    evt.Detail,
		Payload:   string(data),
		CreatedAt: evt.At,
	}
	if err := db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("messaging: record %s: %w", evt.Kind, err)
	}
	return &row, nil
}

// History returns the audit rows for a record, oldest first.
func History(db *gorm.DB, recordID string) ([]models.IntakeEvent, error) {
	if recordID == "" {
		return nil, fmt.Errorf("messaging: recordID is required")
	}
	var rows []models.IntakeEvent
	if err := db.Where("record_id = ?", recordID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("messaging: history %s: %w", recordID, err)
	}
	return rows, nil
}

// Persist records every event from the bus until ctx is done. Failures
// are logged; the audit trail never holds up processing.
func Persist(ctx context.Context, db *gorm.DB, bus *Bus) error {
	events, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := Record(db, evt); err != nil {
				log.Printf("messaging: %v", err)
			}
		}
	}
}
