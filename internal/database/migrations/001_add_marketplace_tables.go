package migrations

import (
	"github.com/ksred/klear-nft/internal/types"
	"gorm.io/gorm"
)

// AddMarketplaceTables creates the tables the settlement job reads and writes
func AddMarketplaceTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.User{},
		&types.Collection{},
		&types.Item{},
		&types.Auction{},
		&types.Offer{},
		&types.AuctionAcceptance{},
	)
}
