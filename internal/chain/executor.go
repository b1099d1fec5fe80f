package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ksred/klear-nft/internal/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// State of a purchase sequence
type State string

const (
	StateApproving  State = "APPROVING"
	StatePurchasing State = "PURCHASING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StatePending    State = "PENDING" // purchase sent, receipt never arrived
)

var ErrInvalidPurchase = errors.New("invalid purchase request")

var purchaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "klear",
	Subsystem: "chain",
	Name:      "purchase_transitions_total",
	Help:      "Purchase sequence state transitions.",
}, []string{"from", "to"})

// PurchaseRequest moves TokenID from Seller to Buyer for Amount wei
type PurchaseRequest struct {
	ItemID   string
	Buyer    wallet.Credential
	Seller   wallet.Credential
	Contract common.Address
	TokenID  *big.Int
	Amount   *big.Int
}

// PurchaseResult is produced for every request, failed or not.
// PurchaseTxHash is mined when State is COMPLETED and unconfirmed when State
// is PENDING.
type PurchaseResult struct {
	State          State
	FailedIn       State // the state that failed, set when State is FAILED
	ApprovalTxHash string
	PurchaseTxHash string
}

// TransitionHook observes state changes, e.g. for tests or tracing
type TransitionHook func(itemID string, from, to State)

// Executor drives the approve-then-purchase sequence for one item:
// APPROVING -> PURCHASING -> COMPLETED, with FAILED reachable from both
// active states. Nothing is retried here.
type Executor struct {
	client Client
	hook   TransitionHook
}

func NewExecutor(client Client) *Executor {
	return &Executor{client: client}
}

// OnTransition registers a hook called after every state change
func (e *Executor) OnTransition(hook TransitionHook) {
	e.hook = hook
}

// Purchase returns the purchase transaction hash in the result when both
// receipts were obtained, or with StatePending when the purchase was sent but
// not confirmed. On error the result still reports how far it got.
func (e *Executor) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if err := validate(req); err != nil {
		return &PurchaseResult{State: StateFailed, FailedIn: StateApproving}, err
	}

	logger := log.With().
		Str("component", "purchase_executor").
		Str("item_id", req.ItemID).
		Str("buyer", req.Buyer.Address.Hex()).
		Str("seller", req.Seller.Address.Hex()).
		Str("contract", req.Contract.Hex()).
		Str("token_id", req.TokenID.String()).
		Logger()

	result := &PurchaseResult{State: StateApproving}
	e.transition(req.ItemID, "", StateApproving)

	for {
		switch result.State {
		case StateApproving:
			receipt, err := e.client.SubmitApproval(ctx, req.Seller, req.Contract, req.TokenID, req.Buyer.Address)
			if err != nil {
				logger.Error().Err(err).Str("step", string(StateApproving)).Msg("approval failed")
				return e.fail(req.ItemID, result), fmt.Errorf("approval: %w", err)
			}
			result.ApprovalTxHash = receipt.TxHash
			logger.Info().Str("tx_hash", receipt.TxHash).Msg("approval confirmed")
			e.advance(req.ItemID, result, StatePurchasing)

		case StatePurchasing:
			receipt, err := e.client.SubmitPurchase(ctx, req.Buyer, req.Contract, req.TokenID, req.Amount)
			var pending *PendingTxError
			if errors.As(err, &pending) {
				result.PurchaseTxHash = pending.TxHash
				logger.Warn().Err(err).Str("tx_hash", pending.TxHash).Msg("purchase sent but not confirmed")
				e.advance(req.ItemID, result, StatePending)
				return result, fmt.Errorf("purchase: %w", err)
			}
			if err != nil {
				logger.Error().Err(err).Str("step", string(StatePurchasing)).Msg("purchase failed")
				return e.fail(req.ItemID, result), fmt.Errorf("purchase: %w", err)
			}
			if receipt.TxHash == "" {
				return e.fail(req.ItemID, result), errors.New("purchase: receipt without transaction hash")
			}
			result.PurchaseTxHash = receipt.TxHash
			logger.Info().Str("tx_hash", receipt.TxHash).Msg("purchase confirmed")
			e.advance(req.ItemID, result, StateCompleted)

		default:
			return result, nil
		}
	}
}

// Confirm checks a purchase left PENDING by an earlier call
func (e *Executor) Confirm(ctx context.Context, txHash string) (*Receipt, error) {
	return e.client.ReceiptFor(ctx, txHash)
}

func (e *Executor) advance(itemID string, result *PurchaseResult, to State) {
	from := result.State
	result.State = to
	e.transition(itemID, from, to)
}

func (e *Executor) fail(itemID string, result *PurchaseResult) *PurchaseResult {
	result.FailedIn = result.State
	e.advance(itemID, result, StateFailed)
	return result
}

func (e *Executor) transition(itemID string, from, to State) {
	purchaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	if e.hook != nil {
		e.hook(itemID, from, to)
	}
}

func validate(req PurchaseRequest) error {
	switch {
	case req.Buyer.PrivateKey == nil || req.Seller.PrivateKey == nil:
		return fmt.Errorf("%w: missing signing credential", ErrInvalidPurchase)
	case req.Contract == (common.Address{}):
		return fmt.Errorf("%w: missing contract address", ErrInvalidPurchase)
	case req.TokenID == nil:
		return fmt.Errorf("%w: missing token id", ErrInvalidPurchase)
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPurchase)
	}
	return nil
}
