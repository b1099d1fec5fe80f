package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-nft/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrItemNotFound       = errors.New("item not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrCollectionNotFound = errors.New("collection not found")
)

// Database is the marketplace store as seen by the settlement job
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetEndedAuctionItems returns open items whose auction ended before now,
// oldest first.
func (d *Database) GetEndedAuctionItems(ctx context.Context, now time.Time) ([]types.Item, error) {
	var items []types.Item
	if err := d.db.WithContext(ctx).
		Where("auction_end < ? AND auction_closed = ?", now, false).
		Order("auction_end ASC").
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ended auction items: %w", err)
	}
	return items, nil
}

func (d *Database) GetItem(ctx context.Context, itemID string) (*types.Item, error) {
	var item types.Item
	if err := d.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("failed to fetch item: %w", err)
	}
	return &item, nil
}

// GetBidsForItem returns the item's bids in the order they were placed
func (d *Database) GetBidsForItem(ctx context.Context, itemID string) ([]types.Auction, error) {
	var bids []types.Auction
	if err := d.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch bids: %w", err)
	}
	return bids, nil
}

func (d *Database) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}

func (d *Database) GetCollection(ctx context.Context, collectionID string) (*types.Collection, error) {
	var collection types.Collection
	if err := d.db.WithContext(ctx).Where("collection_id = ?", collectionID).First(&collection).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
		}
		return nil, fmt.Errorf("failed to fetch collection: %w", err)
	}
	return &collection, nil
}

// RecordAcceptance inserts the acceptance once per auction id
func (d *Database) RecordAcceptance(ctx context.Context, acceptance *types.AuctionAcceptance) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "auction_id"}}, DoNothing: true}).
		Create(acceptance).Error
}

// CreateOffer inserts the offer; carried-over offers are unique per source bid
func (d *Database) CreateOffer(ctx context.Context, offer *types.Offer) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_auction_id"}}, DoNothing: true}).
		Create(offer).Error
}

// CloseAuctionItem marks the item closed with the given settlement status.
// Closing an already closed item leaves it untouched and succeeds.
func (d *Database) CloseAuctionItem(ctx context.Context, itemID string, status string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&types.Item{}).
		Where("item_id = ? AND auction_closed = ?", itemID, false).
		Updates(map[string]interface{}{
			"auction_closed":    true,
			"settlement_status": status,
			"closed_at":         now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to close auction item: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(&types.Item{}).Where("item_id = ?", itemID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check auction item: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return nil
}

func (d *Database) GetAcceptanceForItem(ctx context.Context, itemID string) (*types.AuctionAcceptance, error) {
	var acceptance types.AuctionAcceptance
	err := d.db.WithContext(ctx).Where("item_id = ?", itemID).First(&acceptance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch acceptance: %w", err)
	}
	return &acceptance, nil
}

func (d *Database) GetOffersForItem(ctx context.Context, itemID string) ([]types.Offer, error) {
	var offers []types.Offer
	if err := d.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("offer_date ASC").
		Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch offers: %w", err)
	}
	return offers, nil
}
