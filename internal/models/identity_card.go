package models

import "time"

// IdentityCard is an RFID card that can be handed to a driver at the gate.
type IdentityCard struct {
	ID        string  `gorm:"primaryKey;size:64"`
	Label     string  `gorm:"size:128"`
	Available bool    `gorm:"default:true;index"`
	RecordID  *string `gorm:"size:32"`
	UpdatedAt time.Time
}
