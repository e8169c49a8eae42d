package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/payment-webhooks/internal/models"
)

// GormLedger stores claims in processed_events. The primary key on event_id
// makes the insert the atomic check-and-set.
type GormLedger struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewGormLedger creates a new database-backed ledger.
func NewGormLedger(db *gorm.DB, ttl time.Duration) *GormLedger {
	return &GormLedger{db: db, ttl: ttl, now: time.Now}
}

func (g *GormLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	now := g.now()

	// An expired row no longer guards anything; clear it so the id can be claimed.
	if err := g.db.WithContext(ctx).
		Where("event_id = ? AND expires_at <= ?", eventID, now).
		Delete(&models.ProcessedEvent{}).Error; err != nil {
		return false, fmt.Errorf("failed to clear expired claim: %w", err)
	}

	row := models.ProcessedEvent{
		EventID:     eventID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(g.ttl),
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormLedger) MarkProcessed(ctx context.Context, eventID string, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	err = g.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"result":       datatypes.JSON(data),
			"processed_at": g.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return nil
}

func (g *GormLedger) find(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	var row models.ProcessedEvent
	err := g.db.WithContext(ctx).
		Where("event_id = ? AND expires_at > ?", eventID, g.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	return &row, nil
}

func (g *GormLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	row, err := g.find(ctx, eventID)
	return row != nil, err
}

func (g *GormLedger) GetCachedResult(ctx context.Context, eventID string) (*Result, error) {
	row, err := g.find(ctx, eventID)
	if err != nil || row == nil || len(row.Result) == 0 {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(row.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &res, nil
}

func (g *GormLedger) Release(ctx context.Context, eventID string) error {
	return g.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&models.ProcessedEvent{}).Error
}

// Purge deletes expired rows and returns how many were removed.
func (g *GormLedger) Purge(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("expires_at <= ?", g.now()).
		Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
