package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ksred/klear-nft/internal/wallet"
	"github.com/rs/zerolog/log"
)

// marketABI covers the ERC-721 approval and the collection's payable purchase
const marketABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"purchase","stateMutability":"payable",
	 "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// Backend is the node surface EthClient needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthClient talks to an EVM node over JSON-RPC
type EthClient struct {
	backend   Backend
	abi       abi.ABI
	chainID   *big.Int
	gasLimit  uint64
	txTimeout time.Duration
	close     func()

	// one outstanding transaction per signing address keeps nonces ordered
	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// EthConfig configures the JSON-RPC client. A zero ChainID is fetched from the
// node, a zero GasLimit is estimated per transaction and a zero TxTimeout
// waits for receipts as long as the caller's context allows.
type EthConfig struct {
	RPCURL    string
	ChainID   int64
	GasLimit  uint64
	TxTimeout time.Duration
}

func DialEthClient(ctx context.Context, cfg EthConfig) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain node: %w", err)
	}

	id := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err = rpc.ChainID(ctx)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("failed to fetch chain id: %w", err)
		}
	}

	client, err := NewEthClient(rpc, id, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.close = rpc.Close

	log.Info().Str("component", "chain").Str("chain_id", id.String()).Msg("connected to chain node")
	return client, nil
}

// NewEthClient signs for chainID and sends through backend. cfg.RPCURL and
// cfg.ChainID are ignored.
func NewEthClient(backend Backend, chainID *big.Int, cfg EthConfig) (*EthClient, error) {
	parsed, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	return &EthClient{
		backend:   backend,
		abi:       parsed,
		chainID:   chainID,
		gasLimit:  cfg.GasLimit,
		txTimeout: cfg.TxTimeout,
		locks:     make(map[common.Address]*sync.Mutex),
	}, nil
}

func (c *EthClient) Close() {
	if c.close != nil {
		c.close()
	}
}

func (c *EthClient) SubmitApproval(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, approved common.Address) (*Receipt, error) {
	return c.transact(ctx, cred, contract, nil, "approve", approved, tokenID)
}

func (c *EthClient) SubmitPurchase(ctx context.Context, cred wallet.Credential, contract common.Address, tokenID *big.Int, amount *big.Int) (*Receipt, error) {
	return c.transact(ctx, cred, contract, amount, "purchase", tokenID)
}

func (c *EthClient) ReceiptFor(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash)
	}
	return toReceipt(receipt), nil
}

func (c *EthClient) transact(ctx context.Context, cred wallet.Credential, contract common.Address, value *big.Int, method string, params ...interface{}) (*Receipt, error) {
	lock := c.lockFor(cred.Address)
	lock.Lock()
	defer lock.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(cred.PrivateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = c.gasLimit

	bound := bind.NewBoundContract(contract, c.abi, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", method, err)
	}

	logger := log.With().
		Str("component", "chain").
		Str("method", method).
		Str("tx_hash", tx.Hash().Hex()).
		Str("from", cred.Address.Hex()).
		Logger()
	logger.Debug().Msg("transaction submitted, waiting for receipt")

	waitCtx := ctx
	if c.txTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.txTimeout)
		defer cancel()
	}

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err == nil && receipt == nil {
		err = ErrReceiptNotFound
	}
	if err != nil {
		logger.Warn().Err(err).Msg("receipt not received, transaction may still be mined")
		return nil, &PendingTxError{Method: method, TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s %s", ErrTransactionReverted, method, tx.Hash().Hex())
	}

	logger.Info().Uint64("block", receipt.BlockNumber.Uint64()).Msg("transaction mined")
	return toReceipt(receipt), nil
}

func toReceipt(r *types.Receipt) *Receipt {
	return &Receipt{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		GasUsed:     r.GasUsed,
	}
}

func (c *EthClient) lockFor(addr common.Address) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()

	l, ok := c.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		c.locks[addr] = l
	}
	return l
}
