package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMarket(id string) *model.Market {
	return &model.Market{
		ID:               id,
		CollateralAsset:  "XLM",
		DebtAsset:        "USDC",
		TotalSupplied:    decimal.Zero,
		TotalBorrowed:    decimal.Zero,
		GlobalYieldIndex: d(1),
		IsActive:         true,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestAdjustPoolAggregates_Guards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateMarket(ctx, newMarket("m1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Supply 100.
	if err := s.AdjustPoolAggregates(ctx, "m1", d(100), decimal.Zero); err != nil {
		t.Fatalf("supply failed: %v", err)
	}

	// Borrow 100 is allowed (borrowed == supplied).
	if err := s.AdjustPoolAggregates(ctx, "m1", decimal.Zero, d(100)); err != nil {
		t.Fatalf("borrow to full utilization failed: %v", err)
	}

	// One more unit of borrow must be rejected.
	if err := s.AdjustPoolAggregates(ctx, "m1", decimal.Zero, d(1)); !errors.Is(err, ErrInvariantViolated) {
		t.Errorf("expected ErrInvariantViolated, got %v", err)
	}

	// Withdrawing supplied liquidity below outstanding borrow must be rejected.
	if err := s.AdjustPoolAggregates(ctx, "m1", d(-1), decimal.Zero); !errors.Is(err, ErrInvariantViolated) {
		t.Errorf("expected ErrInvariantViolated, got %v", err)
	}

	// Repay then withdraw succeeds.
	if err := s.AdjustPoolAggregates(ctx, "m1", decimal.Zero, d(-100)); err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if err := s.AdjustPoolAggregates(ctx, "m1", d(-100), decimal.Zero); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	m, err := s.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.TotalSupplied.IsZero() || !m.TotalBorrowed.IsZero() {
		t.Errorf("aggregates not zeroed: %+v", m)
	}
}

func TestAdjustPoolAggregates_UnknownMarket(t *testing.T) {
	s := NewMemoryStore()
	err := s.AdjustPoolAggregates(context.Background(), "nope", d(1), decimal.Zero)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceYieldIndex_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateMarket(ctx, newMarket("m1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().UTC()
	if err := s.AdvanceYieldIndex(ctx, "m1", d(1.05), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A stale lower index is silently ignored.
	if err := s.AdvanceYieldIndex(ctx, "m1", d(1.01), now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if !m.GlobalYieldIndex.Equal(d(1.05)) {
		t.Errorf("index regressed: %s", m.GlobalYieldIndex)
	}
}

func TestInsertEventIfAbsent_Collision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.AppEvent{
		ID:             "e1",
		EventType:      model.EventBorrow,
		Status:         model.EventPending,
		IdempotencyKey: "key-1",
		UserAddress:    "GUSER",
		MarketID:       "m1",
		CreatedAt:      time.Now().UTC(),
	}
	inserted, got, err := s.InsertEventIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted || got.ID != "e1" {
		t.Fatalf("expected fresh insert, got inserted=%v id=%s", inserted, got.ID)
	}

	// Same key again returns the existing row without creating a duplicate.
	dup := &model.AppEvent{ID: "e2", EventType: model.EventBorrow, Status: model.EventPending, IdempotencyKey: "key-1"}
	inserted, got, err = s.InsertEventIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected collision, got insert")
	}
	if got.ID != "e1" {
		t.Errorf("expected existing row e1, got %s", got.ID)
	}
}

func TestUpdateEventStatus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := &model.AppEvent{ID: "e1", EventType: model.EventDeposit, Status: model.EventPending, CreatedAt: time.Now().UTC()}
	if _, _, err := s.InsertEventIfAbsent(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := s.UpdateEventStatus(ctx, "e1", model.EventPending, EventPatch{Status: model.EventCompleted})
	if err != nil || !ok {
		t.Fatalf("expected CAS success, ok=%v err=%v", ok, err)
	}

	// Guard on stale status fails without error.
	ok, err = s.UpdateEventStatus(ctx, "e1", model.EventPending, EventPatch{Status: model.EventFailed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("CAS with stale status must fail")
	}
}

func TestInsertTxIfAbsent_ReplayGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx := &model.OnchainTransaction{Hash: "h1", UserAddress: "GUSER", MarketID: "m1", TxType: "DEPOSIT", Amount: d(10), CreatedAt: time.Now().UTC()}
	inserted, err := s.InsertTxIfAbsent(ctx, tx)
	if err != nil || !inserted {
		t.Fatalf("expected insert, inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.InsertTxIfAbsent(ctx, tx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("duplicate hash must not insert")
	}

	processed, err := s.IsTransactionProcessed(ctx, "h1")
	if err != nil || !processed {
		t.Errorf("expected processed=true, got %v err=%v", processed, err)
	}
}

func TestCreatePosition_OneActivePerUserMarket(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := &model.Position{ID: "p1", UserAddress: "GUSER", MarketID: "m1", Status: model.PositionActive}
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := &model.Position{ID: "p2", UserAddress: "GUSER", MarketID: "m1", Status: model.PositionActive}
	if err := s.CreatePosition(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// A closed prior lifecycle does not block a new active position.
	p.Status = model.PositionClosed
	if err := s.UpdatePosition(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreatePosition(ctx, dup); err != nil {
		t.Errorf("expected new active position after close, got %v", err)
	}
}

func TestSetEventTxHash_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ev := &model.AppEvent{
		ID:        "e1",
		EventType: model.EventBorrow,
		Status:    model.EventPending,
	}
	if _, _, err := s.InsertEventIfAbsent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.SetEventTxHash(ctx, "e1", "A1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Rebinding the same hash is a no-op; a different hash is a conflict.
	if err := s.SetEventTxHash(ctx, "e1", "A1"); err != nil {
		t.Fatalf("rebind same hash: %v", err)
	}
	if err := s.SetEventTxHash(ctx, "e1", "B2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("rebind different hash: got %v, want ErrConflict", err)
	}

	got, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TxHash != "A1" {
		t.Fatalf("tx hash = %q, want A1", got.TxHash)
	}

	ok, err := s.UpdateEventStatus(ctx, "e1", model.EventPending, EventPatch{Status: model.EventCompleted})
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	if err := s.SetEventTxHash(ctx, "e1", "A1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("bind after terminal: got %v, want ErrConflict", err)
	}
}
