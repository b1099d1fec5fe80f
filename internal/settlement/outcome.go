package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-nft/internal/types"
	"github.com/shopspring/decimal"
)

var ErrMissingTransactionHash = errors.New("missing transaction hash")

// OutcomeStore is the write side of the marketplace store
type OutcomeStore interface {
	RecordAcceptance(ctx context.Context, acceptance *types.AuctionAcceptance) error
	CreateOffer(ctx context.Context, offer *types.Offer) error
	CloseAuctionItem(ctx context.Context, itemID string, status string) error
}

// Recorder persists settlement outcomes
type Recorder struct {
	store OutcomeStore
}

func NewRecorder(store OutcomeStore) *Recorder {
	return &Recorder{store: store}
}

// RecordAcceptance links the winning bid to its purchase transaction. It is
// idempotent per auction id.
func (r *Recorder) RecordAcceptance(ctx context.Context, itemID, bidderUserID, auctionID, transactionHash string) error {
	if strings.TrimSpace(transactionHash) == "" {
		return ErrMissingTransactionHash
	}

	acceptance := &types.AuctionAcceptance{
		AcceptanceID:    "ACC_" + uuid.New().String(),
		AuctionID:       auctionID,
		ItemID:          itemID,
		BidderID:        bidderUserID,
		TransactionHash: transactionHash,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := r.store.RecordAcceptance(ctx, acceptance); err != nil {
		return fmt.Errorf("failed to record acceptance: %w", err)
	}
	return nil
}

// RecordOfferCarryover turns a lapsed bid into a standing offer to the owner.
// sourceAuctionID makes repeated carry-over of the same bid a no-op.
func (r *Recorder) RecordOfferCarryover(ctx context.Context, itemID, sourceAuctionID, senderID, receiverID string, price decimal.Decimal, currency string, originalDate time.Time) error {
	source := sourceAuctionID
	offer := &types.Offer{
		OfferID:         "OFR_" + uuid.New().String(),
		ItemID:          itemID,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Price:           price,
		Currency:        currency,
		Status:          types.OfferStatusPending,
		SourceAuctionID: &source,
		OfferDate:       originalDate,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := r.store.CreateOffer(ctx, offer); err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

// CloseAuctionItem is unconditional and idempotent
func (r *Recorder) CloseAuctionItem(ctx context.Context, itemID string, status string) error {
	if err := r.store.CloseAuctionItem(ctx, itemID, status); err != nil {
		return fmt.Errorf("failed to close auction item: %w", err)
	}
	return nil
}
