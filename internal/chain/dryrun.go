package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ksred/klear-nft/internal/wallet"
)

var ErrSimulatedFailure = errors.New("simulated node failure")

// DryRunClient fabricates receipts without touching a node. Hashes are
// derived from the call arguments and a per-client nonce so they are unique.
type DryRunClient struct {
	mu       sync.Mutex
	nonce    uint64
	block    uint64
	receipts map[string]Receipt

	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64 // 0-1, probability a call fails
	rng         *rand.Rand
}

func NewDryRunClient() *DryRunClient {
	return &DryRunClient{
		block:    1,
		receipts: make(map[string]Receipt),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SimulateNetwork makes every call wait between min and max before it is
// mined and fail with ErrSimulatedFailure at the given rate.
func (c *DryRunClient) SimulateNetwork(min, max time.Duration, failureRate float64) *DryRunClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max < min {
		max = min
	}
	c.minLatency, c.maxLatency, c.failureRate = min, max, failureRate
	return c
}

func (c *DryRunClient) SubmitApproval(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, approved common.Address) (*Receipt, error) {
	return c.receipt(ctx, []byte("approve"), cred.Address.Bytes(), contract.Bytes(), tokenID.Bytes(), approved.Bytes())
}

func (c *DryRunClient) SubmitPurchase(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, amount *big.Int) (*Receipt, error) {
	return c.receipt(ctx, []byte("purchase"), cred.Address.Bytes(), contract.Bytes(), tokenID.Bytes(), amount.Bytes())
}

func (c *DryRunClient) ReceiptFor(ctx context.Context, txHash string) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
	}
	return &r, nil
}

func (c *DryRunClient) receipt(ctx context.Context, parts ...[]byte) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	latency := c.minLatency
	if spread := c.maxLatency - c.minLatency; spread > 0 {
		latency += time.Duration(c.rng.Int63n(int64(spread)))
	}
	failed := c.failureRate > 0 && c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if failed {
		return nil, ErrSimulatedFailure
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce++
	c.block++

	parts = append(parts, new(big.Int).SetUint64(c.nonce).Bytes())
	r := Receipt{
		TxHash:      crypto.Keccak256Hash(parts...).Hex(),
		BlockNumber: c.block,
		GasUsed:     21000,
	}
	c.receipts[r.TxHash] = r
	return &r, nil
}
