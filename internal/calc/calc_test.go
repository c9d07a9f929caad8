package calc

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

// --- Interest accrual ---

func TestInterestAccrued_OneYearFullRate(t *testing.T) {
	// 1000 principal at 10% APR for exactly one year = 100.
	got, err := InterestAccrued(d(1000), d(0.10), t0, t0.Add(time.Duration(SecondsPerYear)*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

func TestInterestAccrued_HalfYear(t *testing.T) {
	got, err := InterestAccrued(d(1000), d(0.10), t0, t0.Add(time.Duration(SecondsPerYear/2)*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(50)) {
		t.Errorf("expected 50, got %s", got)
	}
}

func TestInterestAccrued_ZeroPrincipal(t *testing.T) {
	got, err := InterestAccrued(decimal.Zero, d(0.10), t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestInterestAccrued_NoElapsedTime(t *testing.T) {
	got, err := InterestAccrued(d(1000), d(0.10), t0, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0 for zero elapsed, got %s", got)
	}
}

func TestInterestAccrued_ClockWentBackwards(t *testing.T) {
	got, err := InterestAccrued(d(1000), d(0.10), t0, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0 for negative elapsed, got %s", got)
	}
}

func TestInterestAccrued_NegativePrincipal(t *testing.T) {
	if _, err := InterestAccrued(d(-1), d(0.10), t0, t0.Add(time.Hour)); err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInterestAccrued_FlooredToTokenScale(t *testing.T) {
	// 1 second of interest on a tiny principal rounds down, never up.
	got, err := InterestAccrued(d(0.00000001), d(0.05), t0, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected dust to floor to 0, got %s", got)
	}
}

// --- LTV / health factor ---

func TestComputeLTV_Basic(t *testing.T) {
	ltv, err := ComputeLTV(d(50), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ltv.Infinite || !ltv.Value.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %+v", ltv)
	}
}

func TestComputeLTV_BothZero(t *testing.T) {
	ltv, err := ComputeLTV(decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ltv.Infinite || !ltv.Value.IsZero() {
		t.Errorf("expected LTV 0, got %+v", ltv)
	}
}

func TestComputeLTV_DebtAgainstZeroCollateral(t *testing.T) {
	ltv, err := ComputeLTV(d(10), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ltv.Infinite {
		t.Error("expected infinite LTV")
	}
	if !IsLiquidatable(ltv, d(0.85)) {
		t.Error("infinite LTV must be liquidatable")
	}
}

func TestHealthFactor_MatchesLiquidatable(t *testing.T) {
	// healthFactor < 1 ⟺ isLiquidatable, across the boundary.
	liqLTV := d(0.85)
	cases := []struct {
		debt, coll float64
	}{
		{84, 100}, {85, 100}, {86, 100}, {90, 100}, {10, 100}, {100, 100},
	}
	for _, tc := range cases {
		ltv, err := ComputeLTV(d(tc.debt), d(tc.coll))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hf, inf := HealthFactor(ltv, liqLTV)
		liq := IsLiquidatable(ltv, liqLTV)
		hfBelowOne := !inf && hf.LessThan(d(1))
		if hfBelowOne != liq {
			t.Errorf("debt=%v coll=%v: hf=%s inf=%v liquidatable=%v — mismatch",
				tc.debt, tc.coll, hf, inf, liq)
		}
	}
}

func TestIsLiquidatable_TieIsLiquidatable(t *testing.T) {
	ltv, _ := ComputeLTV(d(85), d(100))
	if !IsLiquidatable(ltv, d(0.85)) {
		t.Error("currentLTV == liquidationLTV must be liquidatable")
	}
}

func TestHealthFactor_ZeroLTVIsInfinite(t *testing.T) {
	ltv, _ := ComputeLTV(decimal.Zero, d(100))
	_, inf := HealthFactor(ltv, d(0.85))
	if !inf {
		t.Error("zero LTV should yield infinite health factor")
	}
}

// --- Borrow / withdraw limits ---

func TestMaxBorrowable_Boundary(t *testing.T) {
	// 100 units of collateral @ $1, maxLTV 0.75, debt price $1:
	// exactly 75 is borrowable.
	got, err := MaxBorrowable(d(100), decimal.Zero, d(0.75), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(75)) {
		t.Errorf("expected 75, got %s", got)
	}
}

func TestMaxBorrowable_ClampedToZero(t *testing.T) {
	got, err := MaxBorrowable(d(100), d(80), d(0.75), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0 when over the limit, got %s", got)
	}
}

func TestMaxWithdrawable_ZeroDebtReturnsAll(t *testing.T) {
	got, err := MaxWithdrawable(d(100), decimal.Zero, d(0.75), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("expected full collateral, got %s", got)
	}
}

func TestMaxWithdrawable_KeepsRequiredCollateral(t *testing.T) {
	// debt $30, maxLTV 0.75, price $1 ⇒ 40 must stay locked, 60 free.
	got, err := MaxWithdrawable(d(100), d(30), d(0.75), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(60)) {
		t.Errorf("expected 60, got %s", got)
	}
}

func TestMaxWithdrawable_ClampedToZero(t *testing.T) {
	got, err := MaxWithdrawable(d(10), d(30), d(0.75), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

// --- Liquidation sizing ---

func TestLiquidationCollateral_PenaltyApplied(t *testing.T) {
	// $100 debt, 5% penalty, collateral @ $2 ⇒ seize 52.5.
	got, err := LiquidationCollateral(d(100), d(0.05), d(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(52.5)) {
		t.Errorf("expected 52.5, got %s", got)
	}
}

func TestLiquidationCollateral_RoundsUp(t *testing.T) {
	// 10 / 3 is periodic; seize must round up at TokenScale.
	got, err := LiquidationCollateral(d(10), decimal.Zero, d(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := decimal.NewFromString("3.33333334")
	if !got.Equal(want) {
		t.Errorf("expected %s (rounded up), got %s", want, got)
	}
}

// --- Repayment allocation ---

func TestAllocateRepayment_InterestFirst(t *testing.T) {
	alloc, err := AllocateRepayment(d(30), d(10), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alloc.InterestPaid.Equal(d(10)) || !alloc.PrincipalPaid.Equal(d(20)) || !alloc.Excess.IsZero() {
		t.Errorf("unexpected allocation: %+v", alloc)
	}
}

func TestAllocateRepayment_ExactPayoffDrivesDebtToZero(t *testing.T) {
	principal, interest := d(100), d(7.5)
	alloc, err := AllocateRepayment(interest.Add(principal), interest, principal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alloc.InterestPaid.Equal(interest) || !alloc.PrincipalPaid.Equal(principal) {
		t.Errorf("unexpected allocation: %+v", alloc)
	}
	if !alloc.Excess.IsZero() {
		t.Errorf("exact payoff must leave zero excess, got %s", alloc.Excess)
	}
	remaining := TotalDebt(principal.Sub(alloc.PrincipalPaid), interest.Sub(alloc.InterestPaid))
	if !remaining.IsZero() {
		t.Errorf("expected zero remaining debt, got %s", remaining)
	}
}

func TestAllocateRepayment_OverpaymentReturnsExcess(t *testing.T) {
	alloc, err := AllocateRepayment(d(150), d(10), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alloc.Excess.Equal(d(40)) {
		t.Errorf("expected excess 40, got %s", alloc.Excess)
	}
}

func TestAllocateRepayment_PartialInterestOnly(t *testing.T) {
	alloc, err := AllocateRepayment(d(5), d(10), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alloc.InterestPaid.Equal(d(5)) || !alloc.PrincipalPaid.IsZero() || !alloc.Excess.IsZero() {
		t.Errorf("unexpected allocation: %+v", alloc)
	}
}

// --- Pool rates ---

func TestUtilizationRate_ZeroSupplied(t *testing.T) {
	got, err := UtilizationRate(decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestSupplyAPR_ReserveCut(t *testing.T) {
	// 10% borrow APR, 50% utilization, 10% reserve ⇒ 4.5%.
	got, err := SupplyAPR(d(0.10), d(0.5), d(0.10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(0.045)) {
		t.Errorf("expected 0.045, got %s", got)
	}
}

func TestSupplyAPR_ReserveFactorClamped(t *testing.T) {
	got, err := SupplyAPR(d(0.10), d(0.5), d(1.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("reserve factor above 1 should clamp supply APR to 0, got %s", got)
	}
}

func TestSupplyAPY_CompoundsAboveAPR(t *testing.T) {
	apr := d(0.05)
	apy, err := SupplyAPY(apr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !apy.GreaterThan(apr) {
		t.Errorf("daily compounding must exceed APR: apr=%s apy=%s", apr, apy)
	}
	// (1 + 0.05/365)^365 - 1 ≈ 0.051267
	if apy.Sub(d(0.051267)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("APY out of expected range: %s", apy)
	}
}

func TestSupplyAPY_Zero(t *testing.T) {
	apy, err := SupplyAPY(decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !apy.IsZero() {
		t.Errorf("expected 0, got %s", apy)
	}
}

// --- Yield index ---

func TestNextGlobalYieldIndex_Progresses(t *testing.T) {
	// 1.0 at 5% APR over one year ⇒ 1.05.
	got, err := NextGlobalYieldIndex(d(1), d(0.05), t0, t0.Add(time.Duration(SecondsPerYear)*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1.05)) {
		t.Errorf("expected 1.05, got %s", got)
	}
}

func TestNextGlobalYieldIndex_NoElapsedIsNoop(t *testing.T) {
	cur := d(1.25)
	got, err := NextGlobalYieldIndex(cur, d(0.05), t0, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(cur) {
		t.Errorf("expected unchanged index, got %s", got)
	}
}

func TestNextGlobalYieldIndex_NeverDecreases(t *testing.T) {
	cur := d(1.25)
	got, err := NextGlobalYieldIndex(cur, d(0.05), t0, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LessThan(cur) {
		t.Errorf("index decreased: %s < %s", got, cur)
	}
}

func TestAccruedSupplyYield_Scenario(t *testing.T) {
	// Supplier deposits 100 at index 1.0; index progresses to 1.05 ⇒ yield 5.
	got := AccruedSupplyYield(d(100), d(1.05), d(1.0))
	if !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestAccruedSupplyYield_NonNegative(t *testing.T) {
	cases := []struct {
		supply, global, position float64
	}{
		{100, 1.0, 1.0},
		{100, 1.0, 1.05}, // index behind checkpoint: clamp to 0
		{0, 1.05, 1.0},
		{100, 0, 1.0},
		{100, 1.05, 0},
	}
	for _, tc := range cases {
		got := AccruedSupplyYield(d(tc.supply), d(tc.global), d(tc.position))
		if got.IsNegative() {
			t.Errorf("negative yield for %+v: %s", tc, got)
		}
		if tc.supply == 0 || tc.global <= tc.position || tc.global == 0 || tc.position == 0 {
			if !got.IsZero() {
				t.Errorf("expected 0 for %+v, got %s", tc, got)
			}
		}
	}
}

func TestAccruedSupplyYield_NonDecreasingBetweenCheckpoints(t *testing.T) {
	supply := d(250)
	position := d(1.0)
	prev := decimal.Zero
	for _, global := range []float64{1.0, 1.01, 1.02, 1.05, 1.1, 1.5} {
		got := AccruedSupplyYield(supply, d(global), position)
		if got.LessThan(prev) {
			t.Errorf("yield decreased at index %v: %s < %s", global, got, prev)
		}
		prev = got
	}
}

func TestDeriveYieldIndex_PreservesAccruedYield(t *testing.T) {
	// Position: 100 supplied, checkpoint 1.0, global 1.05 ⇒ accrued 5.
	// Add 50 principal; the derived checkpoint must keep accrued at 5.
	global := d(1.05)
	accrued := AccruedSupplyYield(d(100), global, d(1.0))

	newSupply := d(150)
	derived, err := DeriveYieldIndex(global, newSupply, accrued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := AccruedSupplyYield(newSupply, global, derived)
	if after.Sub(accrued).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("accrued yield changed across principal change: before=%s after=%s", accrued, after)
	}
}

func TestDeriveYieldIndex_ZeroAccruedReturnsGlobal(t *testing.T) {
	got, err := DeriveYieldIndex(d(1.2), d(100), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1.2)) {
		t.Errorf("expected global index, got %s", got)
	}
}

func TestDeriveYieldIndex_InvalidInputs(t *testing.T) {
	if _, err := DeriveYieldIndex(decimal.Zero, d(100), d(5)); err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput for zero global index, got %v", err)
	}
	if _, err := DeriveYieldIndex(d(1.05), decimal.Zero, d(5)); err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput for zero supply, got %v", err)
	}
}
