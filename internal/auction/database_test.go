package auction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-nft/internal/config"
	"github.com/ksred/klear-nft/internal/database"
	"github.com/ksred/klear-nft/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := database.NewDatabase(config.DBConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "marketplace.db"),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDatabase(db)
}

func seedItem(t *testing.T, d *Database, itemID string, end time.Time, closed bool) {
	t.Helper()
	require.NoError(t, d.db.Create(&types.Item{
		ItemID:           itemID,
		Name:             "Item " + itemID,
		OwnerID:          "USR_A",
		CollectionID:     "COL_1",
		TokenID:          "1",
		ReservePrice:     decimal.RequireFromString("1.5"),
		Currency:         "ETH",
		AuctionEnd:       end.UTC(),
		AuctionClosed:    closed,
		SettlementStatus: types.ItemStatusOpen,
	}).Error)
}

func TestDatabase_GetEndedAuctionItems(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	now := time.Now().UTC()

	seedItem(t, d, "ITM_LATER", now.Add(-time.Hour), false)
	seedItem(t, d, "ITM_EARLIER", now.Add(-2*time.Hour), false)
	seedItem(t, d, "ITM_CLOSED", now.Add(-3*time.Hour), true)
	seedItem(t, d, "ITM_RUNNING", now.Add(time.Hour), false)

	items, err := d.GetEndedAuctionItems(ctx, now)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "ITM_EARLIER", items[0].ItemID)
	require.Equal(t, "ITM_LATER", items[1].ItemID)
	require.True(t, items[0].ReservePrice.Equal(decimal.RequireFromString("1.5")))
}

func TestDatabase_CloseAuctionItem(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	seedItem(t, d, "ITM_1", time.Now().Add(-time.Hour), false)

	require.NoError(t, d.CloseAuctionItem(ctx, "ITM_1", types.ItemStatusLapsed))

	item, err := d.GetItem(ctx, "ITM_1")
	require.NoError(t, err)
	require.True(t, item.AuctionClosed)
	require.Equal(t, types.ItemStatusLapsed, item.SettlementStatus)
	require.NotNil(t, item.ClosedAt)

	// a second close is a no-op and keeps the first status
	require.NoError(t, d.CloseAuctionItem(ctx, "ITM_1", types.ItemStatusFailed))
	item, err = d.GetItem(ctx, "ITM_1")
	require.NoError(t, err)
	require.Equal(t, types.ItemStatusLapsed, item.SettlementStatus)

	err = d.CloseAuctionItem(ctx, "ITM_404", types.ItemStatusLapsed)
	require.ErrorIs(t, err, ErrItemNotFound)

	_, err = d.GetItem(ctx, "ITM_404")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestDatabase_GetBidsForItem(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"AUC_2", "AUC_1", "AUC_3"} {
		placed := base.Add(time.Duration(2-i) * time.Minute)
		if id == "AUC_3" {
			placed = base.Add(10 * time.Minute)
		}
		require.NoError(t, d.db.Create(&types.Auction{
			AuctionID: id,
			ItemID:    "ITM_1",
			SenderID:  "USR_B",
			Price:     decimal.NewFromInt(int64(i + 1)),
			Currency:  "ETH",
			CreatedAt: placed,
		}).Error)
	}
	require.NoError(t, d.db.Create(&types.Auction{AuctionID: "AUC_OTHER", ItemID: "ITM_2", SenderID: "USR_B", Price: decimal.NewFromInt(1), Currency: "ETH"}).Error)

	bids, err := d.GetBidsForItem(ctx, "ITM_1")
	require.NoError(t, err)
	require.Len(t, bids, 3)
	require.Equal(t, "AUC_1", bids[0].AuctionID)
	require.Equal(t, "AUC_2", bids[1].AuctionID)
	require.Equal(t, "AUC_3", bids[2].AuctionID)
}

func TestDatabase_IdempotentWrites(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, d.RecordAcceptance(ctx, &types.AuctionAcceptance{
			AcceptanceID:    "ACC_" + string(rune('a'+i)),
			AuctionID:       "AUC_1",
			ItemID:          "ITM_1",
			BidderID:        "USR_B",
			TransactionHash: "0xabc",
		}))
	}
	acceptance, err := d.GetAcceptanceForItem(ctx, "ITM_1")
	require.NoError(t, err)
	require.NotNil(t, acceptance)
	require.Equal(t, "ACC_a", acceptance.AcceptanceID)

	none, err := d.GetAcceptanceForItem(ctx, "ITM_2")
	require.NoError(t, err)
	require.Nil(t, none)

	source := "AUC_9"
	placed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		require.NoError(t, d.CreateOffer(ctx, &types.Offer{
			OfferID:         "OFR_" + string(rune('a'+i)),
			ItemID:          "ITM_1",
			SenderID:        "USR_C",
			ReceiverID:      "USR_A",
			Price:           decimal.RequireFromString("0.8"),
			Currency:        "ETH",
			Status:          types.OfferStatusPending,
			SourceAuctionID: &source,
			OfferDate:       placed,
		}))
	}
	// offers made directly carry no source bid and never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, d.CreateOffer(ctx, &types.Offer{
			OfferID:    "OFR_direct_" + string(rune('a'+i)),
			ItemID:     "ITM_1",
			SenderID:   "USR_B",
			ReceiverID: "USR_A",
			Price:      decimal.RequireFromString("0.3"),
			Currency:   "ETH",
			Status:     types.OfferStatusPending,
			OfferDate:  placed.Add(time.Hour),
		}))
	}

	offers, err := d.GetOffersForItem(ctx, "ITM_1")
	require.NoError(t, err)
	require.Len(t, offers, 3)
	require.Equal(t, "OFR_a", offers[0].OfferID)
	require.True(t, offers[0].OfferDate.Equal(placed))
}

func TestDatabase_Lookups(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)

	require.NoError(t, d.db.Create(&types.User{UserID: "USR_A", ExternalID: "ext-a"}).Error)
	require.NoError(t, d.db.Create(&types.Collection{CollectionID: "COL_1", ContractAddress: "0x00000000000000000000000000000000000000c0"}).Error)

	user, err := d.GetUser(ctx, "USR_A")
	require.NoError(t, err)
	require.Equal(t, "ext-a", user.ExternalID)

	_, err = d.GetUser(ctx, "USR_X")
	require.ErrorIs(t, err, ErrUserNotFound)

	collection, err := d.GetCollection(ctx, "COL_1")
	require.NoError(t, err)
	require.Equal(t, "0x00000000000000000000000000000000000000c0", collection.ContractAddress)

	_, err = d.GetCollection(ctx, "COL_X")
	require.ErrorIs(t, err, ErrCollectionNotFound)
}
