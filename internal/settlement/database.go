package settlement

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database stores settlement bookkeeping: failed attempts and pass history
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAttempt returns nil when the item never failed
func (d *Database) GetAttempt(ctx context.Context, itemID string) (*SettlementAttempt, error) {
	var attempt SettlementAttempt
	err := d.db.WithContext(ctx).Where("item_id = ?", itemID).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch settlement attempt: %w", err)
	}
	return &attempt, nil
}

func (d *Database) SaveAttempt(ctx context.Context, attempt *SettlementAttempt) error {
	if attempt.ID != 0 {
		return d.db.WithContext(ctx).Save(attempt).Error
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"attempts", "last_error", "last_step", "auction_id", "purchase_tx_hash", "updated_at"}),
		}).
		Create(attempt).Error
}

func (d *Database) CreateRun(ctx context.Context, run *SettlementRun) error {
	return d.db.WithContext(ctx).Create(run).Error
}

func (d *Database) UpdateRun(ctx context.Context, run *SettlementRun) error {
	return d.db.WithContext(ctx).Save(run).Error
}

// ListRuns returns the most recent passes first
func (d *Database) ListRuns(ctx context.Context, limit int) ([]SettlementRun, error) {
	var runs []SettlementRun
	if err := d.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlement runs: %w", err)
	}
	return runs, nil
}
