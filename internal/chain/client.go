package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ksred/klear-nft/internal/wallet"
)

var (
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrReceiptNotFound     = errors.New("transaction not mined")
)

// Receipt is the confirmation that a submitted transaction was mined
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// PendingTxError is returned when a transaction was accepted by the node but
// its receipt did not arrive in time. It may still be mined.
type PendingTxError struct {
	Method string
	TxHash string
	Err    error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("%s %s not confirmed: %v", e.Method, e.TxHash, e.Err)
}

func (e *PendingTxError) Unwrap() error { return e.Err }

// Client submits the two calls a settlement needs and waits for their receipts
type Client interface {
	// SubmitApproval lets approved take tokenID out of the signer's ownership.
	SubmitApproval(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, approved common.Address) (*Receipt, error)
	// SubmitPurchase pays amount wei and completes the transfer of tokenID to the signer.
	SubmitPurchase(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, amount *big.Int) (*Receipt, error)
	// ReceiptFor looks up an earlier transaction. It returns ErrReceiptNotFound
	// while the transaction is unmined and ErrTransactionReverted if it failed.
	ReceiptFor(ctx context.Context, txHash string) (*Receipt, error)
}
