package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ksred/klear-nft/internal/chain"
	"github.com/ksred/klear-nft/internal/types"
	"github.com/ksred/klear-nft/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const failureSaveTimeout = 30 * time.Second

var (
	ErrUnsupportedCurrency = errors.New("unsupported bid currency")
	ErrInvalidContract     = errors.New("invalid collection contract address")
)

// Repository is the marketplace store the engine reads ended auctions from
// and writes outcomes to.
type Repository interface {
	OutcomeStore
	GetEndedAuctionItems(ctx context.Context, now time.Time) ([]types.Item, error)
	GetBidsForItem(ctx context.Context, itemID string) ([]types.Auction, error)
	GetUser(ctx context.Context, userID string) (*types.User, error)
	GetCollection(ctx context.Context, collectionID string) (*types.Collection, error)
}

type AttemptStore interface {
	GetAttempt(ctx context.Context, itemID string) (*SettlementAttempt, error)
	SaveAttempt(ctx context.Context, attempt *SettlementAttempt) error
}

type CredentialResolver interface {
	ResolvePair(ctx context.Context, buyerExternalID, sellerExternalID string) (wallet.Pair, error)
}

type Purchaser interface {
	Purchase(ctx context.Context, req chain.PurchaseRequest) (*chain.PurchaseResult, error)
	Confirm(ctx context.Context, txHash string) (*chain.Receipt, error)
}

type EngineConfig struct {
	Policy         BidPolicy
	MaxAttempts    int
	Workers        int
	NativeCurrency string
	// ItemTimeout bounds one item's settlement. Item work is detached from
	// pass cancellation so a purchase in flight is never cut short.
	ItemTimeout time.Duration
}

// Engine settles ended auctions
type Engine struct {
	repo     Repository
	attempts AttemptStore
	recorder *Recorder
	wallets  CredentialResolver
	executor Purchaser
	cfg      EngineConfig
	now      func() time.Time
}

func NewEngine(repo Repository, attempts AttemptStore, wallets CredentialResolver, executor Purchaser, cfg EngineConfig) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLatest
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.NativeCurrency == "" {
		cfg.NativeCurrency = "ETH"
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Minute
	}

	return &Engine{
		repo:     repo,
		attempts: attempts,
		recorder: NewRecorder(repo),
		wallets:  wallets,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
	}
}

// itemError carries the failing step and any on-chain progress. txHash is a
// mined purchase, pendingTxHash one that was sent but not confirmed.
type itemError struct {
	step          string
	auctionID     string
	txHash        string
	pendingTxHash string
	err           error
}

func (e *itemError) Error() string { return e.step + ": " + e.err.Error() }
func (e *itemError) Unwrap() error { return e.err }

// RunPass settles every ended, open item. Only a failure to list the items is
// returned; per-item failures are logged and counted.
func (e *Engine) RunPass(ctx context.Context) (*PassSummary, error) {
	logger := log.With().Str("component", "settlement_engine").Logger()

	items, err := e.repo.GetEndedAuctionItems(ctx, e.now().UTC())
	if err != nil {
		return nil, err
	}

	logger.Info().Int("ended_count", len(items)).Msg("processing ended auctions")

	summary := newPassSummary()
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, item := range items {
		if ctx.Err() != nil {
			logger.Warn().Msg("settlement pass cancelled, remaining items left for the next run")
			break
		}

		g.Go(func() error {
			outcome := e.processItem(ctx, item)
			itemOutcomes.WithLabelValues(string(outcome)).Inc()

			mu.Lock()
			summary.Items++
			summary.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

func (e *Engine) processItem(ctx context.Context, item types.Item) (outcome Outcome) {
	logger := log.With().
		Str("component", "settlement_engine").
		Str("item_id", item.ItemID).
		Logger()

	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ItemTimeout)
	defer cancel()

	attempt, err := e.attempts.GetAttempt(itemCtx, item.ItemID)
	if err != nil {
		// without the attempt row a mined purchase could be repeated
		logger.Error().Err(err).Msg("failed to load settlement attempt, skipping item")
		return OutcomeRetry
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = e.recordFailure(itemCtx, logger, item, attempt, &itemError{step: "panic", err: fmt.Errorf("%v", r)})
		}
	}()

	outcome, err = e.settleItem(itemCtx, logger, item, attempt)
	if err != nil {
		var ie *itemError
		if !errors.As(err, &ie) {
			ie = &itemError{step: "settle", err: err}
		}
		return e.recordFailure(itemCtx, logger, item, attempt, ie)
	}

	logger.Info().Str("outcome", string(outcome)).Msg("item settled")
	return outcome
}

func (e *Engine) settleItem(ctx context.Context, logger zerolog.Logger, item types.Item, attempt *SettlementAttempt) (Outcome, error) {
	bids, err := e.repo.GetBidsForItem(ctx, item.ItemID)
	if err != nil {
		return "", &itemError{step: "fetch_bids", err: err}
	}

	if attempt != nil && attempt.PendingTxHash != "" {
		receipt, err := e.executor.Confirm(ctx, attempt.PendingTxHash)
		switch {
		case err == nil:
			logger.Info().Str("tx_hash", receipt.TxHash).Msg("pending purchase was mined")
			attempt.PurchaseTxHash = receipt.TxHash
			attempt.PendingTxHash = ""
			if err := e.attempts.SaveAttempt(ctx, attempt); err != nil {
				logger.Warn().Err(err).Msg("failed to save confirmed purchase")
			}
		case errors.Is(err, chain.ErrTransactionReverted):
			// the token never moved, so the sequence can start over
			logger.Warn().Str("tx_hash", attempt.PendingTxHash).Msg("pending purchase reverted")
			attempt.PendingTxHash = ""
			if err := e.attempts.SaveAttempt(ctx, attempt); err != nil {
				return "", &itemError{step: "confirm_purchase", auctionID: attempt.AuctionID, err: err}
			}
		default:
			return "", &itemError{step: "confirm_purchase", auctionID: attempt.AuctionID, pendingTxHash: attempt.PendingTxHash, err: err}
		}
	}

	// a purchase mined in an earlier pass only needs recording
	if attempt != nil && attempt.PurchaseTxHash != "" {
		return e.recordMined(ctx, logger, item, bids, attempt.AuctionID, attempt.PurchaseTxHash)
	}

	binding := SelectBindingBid(bids, e.cfg.Policy)
	switch {
	case binding == nil:
		return e.closeAs(ctx, item, OutcomeNoBids, types.ItemStatusNoBids)

	case binding.SenderID == item.OwnerID:
		logger.Info().Str("auction_id", binding.AuctionID).Msg("binding bid placed by the owner")
		return e.closeAs(ctx, item, OutcomeSelfBid, types.ItemStatusSelfBid)

	case item.ReservePrice.LessThan(binding.Price):
		logger.Info().
			Str("auction_id", binding.AuctionID).
			Str("price", binding.Price.String()).
			Str("reserve", item.ReservePrice.String()).
			Msg("reserve met, starting purchase")

		txHash, pending, err := e.purchase(ctx, item, *binding)
		if err != nil {
			return "", &itemError{step: "purchase", auctionID: binding.AuctionID, pendingTxHash: pending, err: err}
		}
		return e.recordAccepted(ctx, item, *binding, txHash)

	default:
		logger.Info().
			Str("auction_id", binding.AuctionID).
			Str("price", binding.Price.String()).
			Str("reserve", item.ReservePrice.String()).
			Int("bids", len(bids)).
			Msg("reserve not met, carrying bids over as offers")

		for _, bid := range bids {
			if err := e.recorder.RecordOfferCarryover(ctx, item.ItemID, bid.AuctionID, bid.SenderID, item.OwnerID, bid.Price, bid.Currency, bid.CreatedAt); err != nil {
				return "", &itemError{step: "offer_carryover", auctionID: bid.AuctionID, err: err}
			}
		}
		return e.closeAs(ctx, item, OutcomeLapsed, types.ItemStatusLapsed)
	}
}

func (e *Engine) recordMined(ctx context.Context, logger zerolog.Logger, item types.Item, bids []types.Auction, auctionID, txHash string) (Outcome, error) {
	for _, bid := range bids {
		if bid.AuctionID == auctionID {
			logger.Info().
				Str("auction_id", bid.AuctionID).
				Str("tx_hash", txHash).
				Msg("recording previously mined purchase")
			return e.recordAccepted(ctx, item, bid, txHash)
		}
	}
	logger.Error().
		Str("auction_id", auctionID).
		Str("tx_hash", txHash).
		Msg("mined purchase references an unknown bid")
	return "", &itemError{step: "record_acceptance", auctionID: auctionID, txHash: txHash, err: errors.New("bid for mined purchase not found")}
}

func (e *Engine) recordAccepted(ctx context.Context, item types.Item, bid types.Auction, txHash string) (Outcome, error) {
	if err := e.recorder.RecordAcceptance(ctx, item.ItemID, bid.SenderID, bid.AuctionID, txHash); err != nil {
		return "", &itemError{step: "record_acceptance", auctionID: bid.AuctionID, txHash: txHash, err: err}
	}
	if err := e.recorder.CloseAuctionItem(ctx, item.ItemID, types.ItemStatusAccepted); err != nil {
		return "", &itemError{step: "close", auctionID: bid.AuctionID, txHash: txHash, err: err}
	}
	return OutcomeAccepted, nil
}

func (e *Engine) closeAs(ctx context.Context, item types.Item, outcome Outcome, status string) (Outcome, error) {
	if err := e.recorder.CloseAuctionItem(ctx, item.ItemID, status); err != nil {
		return "", &itemError{step: "close", err: err}
	}
	return outcome, nil
}

// purchase resolves everything the chain sequence needs and runs it. The
// returned hash is non-empty only when both transactions were mined. pending
// is the purchase hash when it was sent but not confirmed.
func (e *Engine) purchase(ctx context.Context, item types.Item, bid types.Auction) (txHash, pending string, err error) {
	if bid.Currency != "" && !strings.EqualFold(bid.Currency, e.cfg.NativeCurrency) {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, bid.Currency)
	}

	amount, err := chain.ToWei(bid.Price)
	if err != nil {
		return "", "", err
	}
	tokenID, err := chain.ParseTokenID(item.TokenID)
	if err != nil {
		return "", "", err
	}

	buyer, err := e.repo.GetUser(ctx, bid.SenderID)
	if err != nil {
		return "", "", err
	}
	seller, err := e.repo.GetUser(ctx, item.OwnerID)
	if err != nil {
		return "", "", err
	}
	collection, err := e.repo.GetCollection(ctx, item.CollectionID)
	if err != nil {
		return "", "", err
	}
	if !common.IsHexAddress(collection.ContractAddress) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidContract, collection.ContractAddress)
	}

	pair, err := e.wallets.ResolvePair(ctx, buyer.ExternalID, seller.ExternalID)
	if err != nil {
		return "", "", err
	}

	result, err := e.executor.Purchase(ctx, chain.PurchaseRequest{
		ItemID:   item.ItemID,
		Buyer:    pair.Buyer,
		Seller:   pair.Seller,
		Contract: common.HexToAddress(collection.ContractAddress),
		TokenID:  tokenID,
		Amount:   amount,
	})
	if err != nil {
		if result != nil && result.State == chain.StatePending {
			return "", result.PurchaseTxHash, err
		}
		return "", "", err
	}
	if result.State != chain.StateCompleted || result.PurchaseTxHash == "" {
		return "", "", fmt.Errorf("purchase ended in state %s", result.State)
	}
	return result.PurchaseTxHash, "", nil
}

// recordFailure counts the failure and leaves the item open for the next
// pass. After MaxAttempts the item is closed as FAILED, unless a purchase was
// sent, in which case it stays open until the purchase is resolved and the
// acceptance is recorded.
func (e *Engine) recordFailure(ctx context.Context, logger zerolog.Logger, item types.Item, attempt *SettlementAttempt, ie *itemError) Outcome {
	// the item deadline may be what failed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureSaveTimeout)
	defer cancel()

	now := e.now().UTC()
	if attempt == nil {
		attempt = &SettlementAttempt{ItemID: item.ItemID, CreatedAt: now}
	}
	attempt.Attempts++
	attempt.LastStep = ie.step
	attempt.LastError = truncate(ie.err.Error(), 1024)
	attempt.UpdatedAt = now
	if ie.auctionID != "" {
		attempt.AuctionID = ie.auctionID
	}
	if ie.txHash != "" {
		attempt.PurchaseTxHash = ie.txHash
		attempt.PendingTxHash = ""
	}
	if ie.pendingTxHash != "" {
		attempt.PendingTxHash = ie.pendingTxHash
	}

	logger.Error().
		Err(ie.err).
		Str("step", ie.step).
		Str("auction_id", attempt.AuctionID).
		Str("tx_hash", attempt.PurchaseTxHash).
		Str("pending_tx_hash", attempt.PendingTxHash).
		Int("attempt", attempt.Attempts).
		Int("max_attempts", e.cfg.MaxAttempts).
		Msg("item settlement failed")

	if err := e.attempts.SaveAttempt(ctx, attempt); err != nil {
		logger.Error().Err(err).Msg("failed to save settlement attempt")
	}

	if attempt.PurchaseTxHash != "" || attempt.PendingTxHash != "" || attempt.Attempts < e.cfg.MaxAttempts {
		return OutcomeRetry
	}

	if err := e.recorder.CloseAuctionItem(ctx, item.ItemID, types.ItemStatusFailed); err != nil {
		logger.Error().Err(err).Msg("failed to close abandoned item")
		return OutcomeRetry
	}
	logger.Warn().Int("attempts", attempt.Attempts).Msg("item abandoned after repeated failures")
	return OutcomeAbandoned
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
