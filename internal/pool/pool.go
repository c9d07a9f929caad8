// Package pool owns the per-market aggregate accounting: total supplied,
// total borrowed, available liquidity, the global yield index, and the rates
// derived from them. It is the single chokepoint through which every
// settlement workflow mutates Market.totalSupplied/totalBorrowed — the
// borrowed ≤ supplied invariant is enforced here on every write path, backed
// by the store's guarded single-statement updates.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/calc"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// Accountant mediates all pool aggregate reads and writes for markets.
type Accountant struct {
	store store.Store
	now   func() time.Time
}

// NewAccountant creates a pool accountant over the given store.
func NewAccountant(st store.Store) *Accountant {
	return &Accountant{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the accountant's clock. Tests only.
func (a *Accountant) SetClock(now func() time.Time) { a.now = now }

// AddToTotalSupplied records newly supplied liquidity.
func (a *Accountant) AddToTotalSupplied(ctx context.Context, marketID string, amount decimal.Decimal) error {
	return a.store.AdjustPoolAggregates(ctx, marketID, amount, decimal.Zero)
}

// RemoveFromTotalSupplied releases supplied liquidity. The store guard
// rejects any removal that would leave totalSupplied below totalBorrowed,
// protecting outstanding suppliers' liquidity.
func (a *Accountant) RemoveFromTotalSupplied(ctx context.Context, marketID string, amount decimal.Decimal) error {
	return a.store.AdjustPoolAggregates(ctx, marketID, amount.Neg(), decimal.Zero)
}

// AddToTotalBorrowed records new borrowing. The store guard rejects any
// update that would push totalBorrowed above totalSupplied.
func (a *Accountant) AddToTotalBorrowed(ctx context.Context, marketID string, amount decimal.Decimal) error {
	return a.store.AdjustPoolAggregates(ctx, marketID, decimal.Zero, amount)
}

// RemoveFromTotalBorrowed records repaid or liquidated principal.
func (a *Accountant) RemoveFromTotalBorrowed(ctx context.Context, marketID string, amount decimal.Decimal) error {
	return a.store.AdjustPoolAggregates(ctx, marketID, decimal.Zero, amount.Neg())
}

// AvailableLiquidity is totalSupplied − totalBorrowed for the market.
func (a *Accountant) AvailableLiquidity(m *model.Market) decimal.Decimal {
	return m.TotalSupplied.Sub(m.TotalBorrowed)
}

// UpdateGlobalYieldIndex progresses the market's global yield index to now
// and returns the market with the fresh index. Safe to call repeatedly
// within the same instant: elapsed ≤ 0 is a no-op. Must run before any
// operation that reads supplier yield or pool rates.
func (a *Accountant) UpdateGlobalYieldIndex(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := a.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if !now.After(m.LastIndexUpdate) {
		return m, nil
	}
	supplyAPR, err := a.supplyAPR(m)
	if err != nil {
		return nil, err
	}

	next, err := calc.NextGlobalYieldIndex(m.GlobalYieldIndex, supplyAPR, m.LastIndexUpdate, now)
	if err != nil {
		return nil, fmt.Errorf("advance yield index for %s: %w", marketID, err)
	}

	// Persist even when the index did not move (zero utilization): the
	// checkpoint timestamp must advance, or the idle window would be
	// credited retroactively once the APR turns positive.
	if err := a.store.AdvanceYieldIndex(ctx, marketID, next, now); err != nil {
		return nil, err
	}
	m.GlobalYieldIndex = next
	m.LastIndexUpdate = now
	return m, nil
}

// Metrics derives the pool's rates snapshot from current aggregates.
func (a *Accountant) Metrics(m *model.Market) (model.PoolMetrics, error) {
	utilization, err := calc.UtilizationRate(m.TotalBorrowed, m.TotalSupplied)
	if err != nil {
		return model.PoolMetrics{}, err
	}
	supplyAPR, err := calc.SupplyAPR(m.BaseInterestRate, utilization, m.ReserveFactor)
	if err != nil {
		return model.PoolMetrics{}, err
	}
	supplyAPY, err := calc.SupplyAPY(supplyAPR)
	if err != nil {
		return model.PoolMetrics{}, err
	}

	return model.PoolMetrics{
		MarketID:           m.ID,
		TotalSupplied:      m.TotalSupplied,
		TotalBorrowed:      m.TotalBorrowed,
		AvailableLiquidity: a.AvailableLiquidity(m),
		UtilizationRate:    utilization,
		BorrowAPR:          m.BaseInterestRate,
		SupplyAPR:          supplyAPR,
		SupplyAPY:          supplyAPY,
		GlobalYieldIndex:   m.GlobalYieldIndex,
	}, nil
}

func (a *Accountant) supplyAPR(m *model.Market) (decimal.Decimal, error) {
	utilization, err := calc.UtilizationRate(m.TotalBorrowed, m.TotalSupplied)
	if err != nil {
		return decimal.Zero, err
	}
	return calc.SupplyAPR(m.BaseInterestRate, utilization, m.ReserveFactor)
}
