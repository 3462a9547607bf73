package db

import (
	"fmt"
	"strings"

	"github.com/zulandar/intakeyard/internal/config"
	"github.com/zulandar/intakeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model the intake database holds.
func AllModels() []interface{} {
	return []interface{}{
		&models.IntakeRecord{},
		&models.LineItem{},
		&models.IdentityCard{},
		&models.IntakeEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedCards upserts identity cards from configuration. Existing cards keep
// their availability and association; only the label is refreshed.
func SeedCards(db *gorm.DB, cards []config.CardConfig) error {
	for _, cc := range cards {
		card := models.IdentityCard{
			ID:        strings.ToUpper(strings.TrimSpace(cc.ID)),
			Label:     cc.Label,
			Available: true,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"label"}),
		}).Create(&card)
		if result.Error != nil {
			return fmt.Errorf("db: seed card %q: %w", cc.ID, result.Error)
		}
	}
	return nil
}
