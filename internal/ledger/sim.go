package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// SimClient is an in-memory ledger client. Used for development without a
// chain connection and for workflow tests. Submissions validate immediately
// with ResultSuccess; inbound transactions can be seeded with Seed.
type SimClient struct {
	mu  sync.RWMutex
	txs map[string]TxInfo

	// SubmitCount counts SubmitTransaction calls, letting tests assert
	// exactly-once external side effects.
	SubmitCount int
}

// NewSimClient creates an empty simulated ledger.
func NewSimClient() *SimClient {
	return &SimClient{txs: make(map[string]TxInfo)}
}

// Seed records a transaction as already validated on the simulated ledger.
func (c *SimClient) Seed(info TxInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info.Validated = true
	if info.ResultCode == "" {
		info.ResultCode = ResultSuccess
	}
	c.txs[info.Hash] = info
}

func (c *SimClient) SubmitTransaction(_ context.Context, p Payment) (SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubmitCount++
	hash := newHash()
	c.txs[hash] = TxInfo{
		Hash:        hash,
		Validated:   true,
		ResultCode:  ResultSuccess,
		Destination: p.Destination,
		Currency:    p.Currency,
		Issuer:      p.Issuer,
		Amount:      p.Amount,
	}
	return SubmitResult{Hash: hash, ResultCode: ResultSuccess}, nil
}

func (c *SimClient) GetTransaction(_ context.Context, hash string) (TxInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.txs[hash]
	if !ok {
		return TxInfo{}, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	return info, nil
}

func (c *SimClient) GetLedgerObject(_ context.Context, id string) (map[string]any, error) {
	return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
}

func newHash() string {
	var b [32]byte
	// rand.Read on crypto/rand never fails on supported platforms.
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// StaticOracle returns fixed prices for every market. Development and test
// stand-in for a real price feed.
type StaticOracle struct {
	Prices Prices
}

// NewStaticOracle creates an oracle quoting the given USD prices.
func NewStaticOracle(collateralUSD, debtUSD decimal.Decimal) *StaticOracle {
	return &StaticOracle{Prices: Prices{CollateralUSD: collateralUSD, DebtUSD: debtUSD}}
}

func (o *StaticOracle) GetPrices(context.Context, string) (Prices, error) {
	return o.Prices, nil
}
