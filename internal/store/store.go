// Package store persists intake records and the identity-card catalog.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// ListFilters holds optional filters for listing intake records.
type ListFilters struct {
	Status    models.Status
	SourceRef string
	Flagged   bool
	Since     time.Time
	Limit     int
}

// StatusCount holds a status and its count for summaries.
type StatusCount struct {
	Status models.Status
	Count  int
}

// Summary aggregates intake activity over a period.
type Summary struct {
	Since     time.Time
	Counts    []StatusCount
	Flagged   int
	TotalNet  decimal.Decimal
	Anomalies int
}

// Store loads and saves intake records.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new record with its items. A second open record for the
// same source document fails with a Conflict error.
func (s *Store) Create(ctx context.Context, rec *models.IntakeRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(rec).Error; err != nil {
			return err
		}
		if len(rec.Items) > 0 {
			if err := tx.Create(&rec.Items).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicate(err) {
			return intake.NewError(intake.KindConflict, "create",
				fmt.Errorf("source document %s already has an open intake", rec.SourceRef))
		}
		return fmt.Errorf("store: create %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves a record by ID with its items in position order.
func (s *Store) Load(ctx context.Context, id string) (*models.IntakeRecord, error) {
	var rec models.IntakeRecord
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, intake.NewError(intake.KindNotFound, "load", fmt.Errorf("record %s not found", id))
		}
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}
	return &rec, nil
}

// Save writes the record and all of its items in one transaction,
// inserting the record if it does not exist yet.
func (s *Store) Save(ctx context.Context, rec *models.IntakeRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.IntakeRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := tx.Omit(clause.Associations).Create(rec).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(rec).Select("*").Omit(clause.Associations, "created_at").Updates(rec).Error; err != nil {
				return err
			}
		}
		for i := range rec.Items {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&rec.Items[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicate(err) {
			return intake.NewError(intake.KindConflict, "save",
				fmt.Errorf("source document %s already has an open intake", rec.SourceRef))
		}
		return fmt.Errorf("store: save %s: %w", rec.ID, err)
	}
	return nil
}

// List returns records matching the filters, newest first. Items are not loaded.
func (s *Store) List(ctx context.Context, filters ListFilters) ([]models.IntakeRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.IntakeRecord{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.SourceRef != "" {
		q = q.Where("source_ref = ?", filters.SourceRef)
	}
	if filters.Flagged {
		q = q.Where("flagged = ?", true)
	}
	if !filters.Since.IsZero() {
		q = q.Where("created_at >= ?", filters.Since)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var recs []models.IntakeRecord
	if err := q.Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return recs, nil
}

// OpenIDs returns the IDs of records that are still in progress.
func (s *Store) OpenIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.IntakeRecord{}).
		Where("status IN ?", []models.Status{models.StatusPending, models.StatusInProgress}).
		Order("created_at ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("store: open ids: %w", err)
	}
	return ids, nil
}

// Summarize aggregates records and anomaly events created since the given time.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	db := s.db.WithContext(ctx)
	sum := &Summary{Since: since, TotalNet: decimal.Zero}

	if err := db.Model(&models.IntakeRecord{}).
		Select("status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Order("status ASC").
		Find(&sum.Counts).Error; err != nil {
		return nil, fmt.Errorf("store: summarize statuses: %w", err)
	}

	var completed []models.IntakeRecord
	if err := db.Select("net_weight", "flagged").
		Where("status = ? AND completed_at >= ?", models.StatusCompleted, since).
		Find(&completed).Error; err != nil {
		return nil, fmt.Errorf("store: summarize weights: %w", err)
	}
	for _, r := range completed {
		if r.NetWeight.Valid {
			sum.TotalNet = sum.TotalNet.Add(r.NetWeight.Decimal)
		}
		if r.Flagged {
			sum.Flagged++
		}
	}

	var anomalies int64
	if err := db.Model(&models.IntakeEvent{}).
		Where("kind = ? AND created_at >= ?", "weight_anomaly", since).
		Count(&anomalies).Error; err != nil {
		return nil, fmt.Errorf("store: summarize anomalies: %w", err)
	}
	sum.Anomalies = int(anomalies)
	return sum, nil
}

// isDuplicate reports whether err is a unique-key violation.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
