package faucet

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// chainStub simulates the chain RPC. By default every submitted transaction
// is mined immediately with a successful receipt; hooks override individual
// calls for failure injection.
type chainStub struct {
	mu                sync.Mutex
	pendingNonce      uint64
	gasPrice          *big.Int
	balance           *big.Int
	sent              []*types.Transaction
	receipts          map[common.Hash]*types.Receipt
	pendingNonceCalls int
	sendCalls         int

	sendHook    func(ctx context.Context, tx *types.Transaction) error
	receiptHook func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	balanceHook func(ctx context.Context) (*big.Int, error)
}

func newChainStub(pendingNonce uint64) *chainStub {
	return &chainStub{
		pendingNonce: pendingNonce,
		gasPrice:     big.NewInt(1_000_000_000),
		balance:      new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		receipts:     make(map[common.Hash]*types.Receipt),
	}
}

func (c *chainStub) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (c *chainStub) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingNonceCalls++
	return c.pendingNonce, nil
}

func (c *chainStub) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *chainStub) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.sendCalls++
	hook := c.sendHook
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx, tx)
	}
	c.mine(tx, types.ReceiptStatusSuccessful)
	return nil
}

// mine records the transaction with a receipt and advances the pending
// nonce, mimicking immediate inclusion.
func (c *chainStub) mine(tx *types.Transaction, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(len(c.sent))),
	}
	if tx.Nonce() >= c.pendingNonce {
		c.pendingNonce = tx.Nonce() + 1
	}
}

func (c *chainStub) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	hook := c.receiptHook
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx, hash)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (c *chainStub) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			_, mined := c.receipts[hash]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *chainStub) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	hook := c.balanceHook
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *chainStub) sentNonces() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonces := make([]uint64, 0, len(c.sent))
	for _, tx := range c.sent {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}
