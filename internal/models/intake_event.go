package models

import "time"

// IntakeEvent is an audit row for anything published about an intake
// other than plain snapshots: anomalies, stale feeds, identity matches.
type IntakeEvent struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RecordID  string    `gorm:"size:32;index"`
	Kind      string    `gorm:"size:32;index"`
	Step      string    `gorm:"size:24"`
	Detail    string    `gorm:"type:text"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}
