package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
	"gorm.io/gorm"
)

// Catalog is the identity-card catalog.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog returns a Catalog backed by db.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// ListAvailable returns cards not associated with any record.
func (c *Catalog) ListAvailable(ctx context.Context) ([]models.IdentityCard, error) {
	var cards []models.IdentityCard
	if err := c.db.WithContext(ctx).Where("available = ?", true).Order("id ASC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("store: list available cards: %w", err)
	}
	return cards, nil
}

// List returns every card.
func (c *Catalog) List(ctx context.Context) ([]models.IdentityCard, error) {
	var cards []models.IdentityCard
	if err := c.db.WithContext(ctx).Order("id ASC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("store: list cards: %w", err)
	}
	return cards, nil
}

// Add registers a new available card.
func (c *Catalog) Add(ctx context.Context, id, label string) (*models.IdentityCard, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return nil, intake.NewError(intake.KindInvalidInput, "add card", errors.New("card id is required"))
	}
	card := models.IdentityCard{ID: id, Label: label, Available: true}
	if err := c.db.WithContext(ctx).Create(&card).Error; err != nil {
		if isDuplicate(err) {
			return nil, intake.NewError(intake.KindConflict, "add card", fmt.Errorf("card %s already exists", id))
		}
		return nil, fmt.Errorf("store: add card %s: %w", id, err)
	}
	return &card, nil
}

// Associate marks a card as held by a record. Re-associating a card with
// the record that already holds it succeeds.
func (c *Catalog) Associate(ctx context.Context, cardID, recordID string) error {
	cardID = strings.ToUpper(strings.TrimSpace(cardID))
	res := c.db.WithContext(ctx).Model(&models.IdentityCard{}).
		Where("id = ? AND (available = ? OR record_id = ?)", cardID, true, recordID).
		Updates(map[string]interface{}{"available": false, "record_id": recordID})
	if res.Error != nil {
		return fmt.Errorf("store: associate card %s: %w", cardID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var card models.IdentityCard
	if err := c.db.WithContext(ctx).Where("id = ?", cardID).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return intake.NewError(intake.KindNotFound, "associate card", fmt.Errorf("card %s not found", cardID))
		}
		return fmt.Errorf("store: associate card %s: %w", cardID, err)
	}
	holder := ""
	if card.RecordID != nil {
		holder = *card.RecordID
	}
	return intake.NewError(intake.KindConflict, "associate card",
		fmt.Errorf("card %s is held by %s", cardID, holder))
}

// Release returns a card to the available pool.
func (c *Catalog) Release(ctx context.Context, cardID string) error {
	cardID = strings.ToUpper(strings.TrimSpace(cardID))
	res := c.db.WithContext(ctx).Model(&models.IdentityCard{}).
		Where("id = ?", cardID).
		Updates(map[string]interface{}{"available": true, "record_id": nil})
	if res.Error != nil {
		return fmt.Errorf("store: release card %s: %w", cardID, res.Error)
	}
	if res.RowsAffected == 0 {
		return intake.NewError(intake.KindNotFound, "release card", fmt.Errorf("card %s not found", cardID))
	}
	return nil
}
