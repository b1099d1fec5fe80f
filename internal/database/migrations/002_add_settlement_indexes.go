package migrations

import (
	"github.com/ksred/klear-nft/internal/settlement"
	"gorm.io/gorm"
)

// AddSettlementIndexes creates the settlement bookkeeping tables and the
// indexes the ended-auction scan relies on
func AddSettlementIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&settlement.SettlementAttempt{}, &settlement.SettlementRun{}); err != nil {
		return err
	}

	indexes := []string{
		// Scan for ended, open auctions
		`CREATE INDEX IF NOT EXISTS idx_items_open_auction_end
		 ON items(auction_closed, auction_end)`,

		// Bids of one item in placement order
		`CREATE INDEX IF NOT EXISTS idx_auctions_item_created
		 ON auctions(item_id, created_at)`,

		// Run history listing
		`CREATE INDEX IF NOT EXISTS idx_settlement_runs_started_at
		 ON settlement_runs(started_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
