package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T) (*Accountant, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	m := &model.Market{
		ID:               "m1",
		CollateralAsset:  "XLM",
		DebtAsset:        "USDC",
		BaseInterestRate: d(0.10),
		ReserveFactor:    d(0.10),
		TotalSupplied:    decimal.Zero,
		TotalBorrowed:    decimal.Zero,
		GlobalYieldIndex: d(1),
		LastIndexUpdate:  time.Now().UTC(),
		IsActive:         true,
	}
	if err := st.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewAccountant(st), st
}

func TestBorrowNeverExceedsSupplied(t *testing.T) {
	ctx := context.Background()
	a, _ := setup(t)

	if err := a.AddToTotalSupplied(ctx, "m1", d(500)); err != nil {
		t.Fatalf("supply failed: %v", err)
	}
	if err := a.AddToTotalBorrowed(ctx, "m1", d(500)); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if err := a.AddToTotalBorrowed(ctx, "m1", d(0.00000001)); !errors.Is(err, store.ErrInvariantViolated) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestRemoveSuppliedProtectsBorrowers(t *testing.T) {
	ctx := context.Background()
	a, _ := setup(t)

	if err := a.AddToTotalSupplied(ctx, "m1", d(100)); err != nil {
		t.Fatalf("supply failed: %v", err)
	}
	if err := a.AddToTotalBorrowed(ctx, "m1", d(60)); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	// Only 40 is withdrawable while 60 is out on loan.
	if err := a.RemoveFromTotalSupplied(ctx, "m1", d(50)); !errors.Is(err, store.ErrInvariantViolated) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	if err := a.RemoveFromTotalSupplied(ctx, "m1", d(40)); err != nil {
		t.Errorf("withdraw within liquidity failed: %v", err)
	}
}

func TestInvariantHoldsAcrossOperationSequence(t *testing.T) {
	ctx := context.Background()
	a, st := setup(t)

	ops := []struct {
		run func() error
	}{
		{func() error { return a.AddToTotalSupplied(ctx, "m1", d(1000)) }},
		{func() error { return a.AddToTotalBorrowed(ctx, "m1", d(750)) }},
		{func() error { return a.RemoveFromTotalBorrowed(ctx, "m1", d(200)) }},
		{func() error { return a.RemoveFromTotalSupplied(ctx, "m1", d(300)) }},
		{func() error { return a.AddToTotalBorrowed(ctx, "m1", d(150)) }},
		{func() error { return a.RemoveFromTotalSupplied(ctx, "m1", d(500)) }}, // would strand borrowers
	}
	for i, op := range ops {
		err := op.run()
		if i == len(ops)-1 {
			if !errors.Is(err, store.ErrInvariantViolated) {
				t.Fatalf("op %d: expected rejection, got %v", i, err)
			}
		} else if err != nil {
			t.Fatalf("op %d failed: %v", i, err)
		}

		m, gerr := st.GetMarket(ctx, "m1")
		if gerr != nil {
			t.Fatalf("unexpected error: %v", gerr)
		}
		if m.TotalBorrowed.GreaterThan(m.TotalSupplied) {
			t.Fatalf("op %d: invariant broken: borrowed=%s supplied=%s", i, m.TotalBorrowed, m.TotalSupplied)
		}
	}
}

func TestUpdateGlobalYieldIndex_Progresses(t *testing.T) {
	ctx := context.Background()
	a, st := setup(t)

	if err := a.AddToTotalSupplied(ctx, "m1", d(1000)); err != nil {
		t.Fatalf("supply failed: %v", err)
	}
	if err := a.AddToTotalBorrowed(ctx, "m1", d(500)); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	// Pin the clock one year ahead of the last index update.
	base, _ := st.GetMarket(ctx, "m1")
	a.SetClock(func() time.Time { return base.LastIndexUpdate.Add(365 * 24 * time.Hour) })

	m, err := a.UpdateGlobalYieldIndex(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// supplyAPR = 0.10 * 0.5 * 0.9 = 0.045 ⇒ index 1.045 after one year.
	if !m.GlobalYieldIndex.Equal(d(1.045)) {
		t.Errorf("expected index 1.045, got %s", m.GlobalYieldIndex)
	}

	// Second call within the same instant is a no-op.
	again, err := a.UpdateGlobalYieldIndex(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.GlobalYieldIndex.Equal(m.GlobalYieldIndex) {
		t.Errorf("repeated update changed index: %s → %s", m.GlobalYieldIndex, again.GlobalYieldIndex)
	}
}

func TestUpdateGlobalYieldIndex_IdleWindowNotBackCredited(t *testing.T) {
	ctx := context.Background()
	a, st := setup(t)

	if err := a.AddToTotalSupplied(ctx, "m1", d(100)); err != nil {
		t.Fatalf("supply failed: %v", err)
	}

	// A year passes with zero utilization. The index stays flat but the
	// checkpoint timestamp must still advance.
	base, _ := st.GetMarket(ctx, "m1")
	idleEnd := base.LastIndexUpdate.Add(365 * 24 * time.Hour)
	a.SetClock(func() time.Time { return idleEnd })

	m, err := a.UpdateGlobalYieldIndex(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.GlobalYieldIndex.Equal(d(1)) {
		t.Fatalf("index moved with zero utilization: %s", m.GlobalYieldIndex)
	}
	stored, _ := st.GetMarket(ctx, "m1")
	if !stored.LastIndexUpdate.Equal(idleEnd) {
		t.Fatalf("checkpoint not persisted: %s", stored.LastIndexUpdate)
	}

	// Utilization begins now. One further second must accrue one second of
	// yield, not a year's worth.
	if err := a.AddToTotalBorrowed(ctx, "m1", d(50)); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	a.SetClock(func() time.Time { return idleEnd.Add(time.Second) })

	m, err = a.UpdateGlobalYieldIndex(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.GlobalYieldIndex.GreaterThan(d(1)) {
		t.Errorf("expected accrual over one second, got %s", m.GlobalYieldIndex)
	}
	if m.GlobalYieldIndex.GreaterThanOrEqual(d(1.0001)) {
		t.Errorf("idle year credited retroactively: index %s", m.GlobalYieldIndex)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	a, st := setup(t)

	_ = a.AddToTotalSupplied(ctx, "m1", d(1000))
	_ = a.AddToTotalBorrowed(ctx, "m1", d(250))

	m, _ := st.GetMarket(ctx, "m1")
	got, err := a.Metrics(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !got.UtilizationRate.Equal(d(0.25)) {
		t.Errorf("expected utilization 0.25, got %s", got.UtilizationRate)
	}
	if !got.AvailableLiquidity.Equal(d(750)) {
		t.Errorf("expected liquidity 750, got %s", got.AvailableLiquidity)
	}
	// supplyAPR = 0.10 * 0.25 * 0.9 = 0.0225
	if !got.SupplyAPR.Equal(d(0.0225)) {
		t.Errorf("expected supply APR 0.0225, got %s", got.SupplyAPR)
	}
	if !got.SupplyAPY.GreaterThan(got.SupplyAPR) {
		t.Errorf("APY should exceed APR: %s vs %s", got.SupplyAPY, got.SupplyAPR)
	}
}
