package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

var (
	// acceptingMarket stops successfully on every call and keeps the value
	acceptingMarket = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	// revertingMarket reverts every call: PUSH1 0 PUSH1 0 REVERT
	revertingMarket = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

// minedBackend commits a block after every transaction
type minedBackend struct {
	*backends.SimulatedBackend
}

func (b minedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.SimulatedBackend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	b.Commit()
	return nil
}

func newSimulatedChain(t *testing.T, req PurchaseRequest) *backends.SimulatedBackend {
	t.Helper()
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	sim := backends.NewSimulatedBackend(core.GenesisAlloc{
		req.Buyer.Address:  {Balance: funds},
		req.Seller.Address: {Balance: funds},
		acceptingMarket:    {Code: []byte{0x00}, Balance: big.NewInt(0)},
		revertingMarket:    {Code: []byte{0x60, 0x00, 0x60, 0x00, 0xfd}, Balance: big.NewInt(0)},
	}, 10_000_000)
	t.Cleanup(func() { sim.Close() })
	return sim
}

func newSimulatedClient(t *testing.T, backend Backend, txTimeout time.Duration) *EthClient {
	t.Helper()
	client, err := NewEthClient(backend, params.AllEthashProtocolChanges.ChainID, EthConfig{
		GasLimit:  100_000,
		TxTimeout: txTimeout,
	})
	require.NoError(t, err)
	return client
}

func TestEthClient_Transact(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t)
	sim := newSimulatedChain(t, req)
	client := newSimulatedClient(t, minedBackend{sim}, time.Minute)

	approval, err := client.SubmitApproval(ctx, req.Seller, acceptingMarket, req.TokenID, req.Buyer.Address)
	require.NoError(t, err)
	require.Len(t, approval.TxHash, 66)
	require.NotZero(t, approval.BlockNumber)

	// approve carries no value
	balance, err := sim.BalanceAt(ctx, acceptingMarket, nil)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	purchase, err := client.SubmitPurchase(ctx, req.Buyer, acceptingMarket, req.TokenID, req.Amount)
	require.NoError(t, err)
	require.NotEqual(t, approval.TxHash, purchase.TxHash)
	require.Greater(t, purchase.BlockNumber, approval.BlockNumber)

	balance, err = sim.BalanceAt(ctx, acceptingMarket, nil)
	require.NoError(t, err)
	require.Zero(t, req.Amount.Cmp(balance))

	receipt, err := client.ReceiptFor(ctx, purchase.TxHash)
	require.NoError(t, err)
	require.Equal(t, purchase.TxHash, receipt.TxHash)
	require.Equal(t, purchase.BlockNumber, receipt.BlockNumber)
}

func TestEthClient_Reverted(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t)
	sim := newSimulatedChain(t, req)
	client := newSimulatedClient(t, minedBackend{sim}, time.Minute)

	_, err := client.SubmitPurchase(ctx, req.Buyer, revertingMarket, req.TokenID, req.Amount)
	require.ErrorIs(t, err, ErrTransactionReverted)

	var pending *PendingTxError
	require.False(t, errors.As(err, &pending))

	// the reverted call moved no funds
	balance, err := sim.BalanceAt(ctx, revertingMarket, nil)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
}

func TestEthClient_Unconfirmed(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t)
	sim := newSimulatedChain(t, req)
	// nothing is mined until Commit
	client := newSimulatedClient(t, sim, 50*time.Millisecond)

	_, err := client.SubmitPurchase(ctx, req.Buyer, acceptingMarket, req.TokenID, req.Amount)
	var pending *PendingTxError
	require.True(t, errors.As(err, &pending), "got %v", err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "purchase", pending.Method)
	require.Len(t, pending.TxHash, 66)

	_, err = client.ReceiptFor(ctx, pending.TxHash)
	require.ErrorIs(t, err, ErrReceiptNotFound)

	sim.Commit()
	receipt, err := client.ReceiptFor(ctx, pending.TxHash)
	require.NoError(t, err)
	require.Equal(t, pending.TxHash, receipt.TxHash)
}

func TestEthClient_SerializesPerAddress(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t)
	sim := newSimulatedChain(t, req)
	client := newSimulatedClient(t, minedBackend{sim}, time.Minute)

	const calls = 4
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		hashes = make(map[string]bool)
		errs   []error
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(token int64) {
			defer wg.Done()
			receipt, err := client.SubmitApproval(ctx, req.Seller, acceptingMarket, big.NewInt(token), req.Buyer.Address)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			hashes[receipt.TxHash] = true
		}(int64(i))
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, hashes, calls)

	nonce, err := sim.PendingNonceAt(ctx, req.Seller.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(calls), nonce)
}
