// Package calc implements the financial calculation kernel for the lending
// engine: interest accrual, loan-to-value and health factor, liquidation
// sizing, repayment allocation, pool utilization, supplier rates, and global
// yield index progression.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Token amounts are quantized to TokenScale (8 decimals) and indexes to
// IndexScale (18 decimals). Division rounds down everywhere except
// liquidation sizing, which rounds up in the protocol's favor.
//
// Every function here is pure and stateless. Inputs that violate a
// precondition (negative principal, negative rate, non-positive index where
// one is required) are a programming-error class and return ErrInvalidInput.
package calc

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// TokenScale is the decimal precision for token amounts.
	TokenScale int32 = 8

	// IndexScale is the decimal precision for yield indexes and ratios.
	IndexScale int32 = 18

	// SecondsPerYear is the annualization basis for interest accrual.
	SecondsPerYear int64 = 31_536_000
)

// ErrInvalidInput is returned when a caller violates a numeric precondition.
// This is a programming error, not a recoverable condition.
var ErrInvalidInput = errors.New("calc: invalid input")

var (
	one         = decimal.NewFromInt(1)
	daysPerYear = decimal.NewFromInt(365)
	yearSeconds = decimal.NewFromInt(SecondsPerYear)
)

// LTV is a loan-to-value ratio. Infinite marks the degenerate case of
// outstanding debt against zero collateral value; guards must treat an
// infinite LTV as never satisfying any maximum.
type LTV struct {
	Value    decimal.Decimal
	Infinite bool
}

// InterestAccrued returns the simple interest accrued on principal at the
// given annual rate between lastUpdate and now, floored to TokenScale.
// Returns zero when principal is zero or no time has elapsed.
func InterestAccrued(principal, annualRate decimal.Decimal, lastUpdate, now time.Time) (decimal.Decimal, error) {
	if principal.IsNegative() || annualRate.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	elapsed := now.Unix() - lastUpdate.Unix()
	if principal.IsZero() || elapsed <= 0 {
		return decimal.Zero, nil
	}
	fraction := decimal.NewFromInt(elapsed).DivRound(yearSeconds, IndexScale)
	return principal.Mul(annualRate).Mul(fraction).RoundDown(TokenScale), nil
}

// TotalDebt is principal plus accrued interest.
func TotalDebt(principal, interestAccrued decimal.Decimal) decimal.Decimal {
	return principal.Add(interestAccrued)
}

// ComputeLTV returns debt value over collateral value. Zero debt and zero
// collateral yields LTV 0; positive debt against zero collateral yields an
// infinite LTV.
func ComputeLTV(debtValueUSD, collateralValueUSD decimal.Decimal) (LTV, error) {
	if debtValueUSD.IsNegative() || collateralValueUSD.IsNegative() {
		return LTV{}, ErrInvalidInput
	}
	if collateralValueUSD.IsZero() {
		if debtValueUSD.IsZero() {
			return LTV{Value: decimal.Zero}, nil
		}
		return LTV{Infinite: true}, nil
	}
	return LTV{Value: debtValueUSD.DivRound(collateralValueUSD, IndexScale)}, nil
}

// HealthFactor is liquidationLTV / currentLTV. A position with zero LTV has
// an infinite health factor; an infinite LTV has health factor zero.
// A health factor below 1 means the position is liquidatable.
func HealthFactor(current LTV, liquidationLTV decimal.Decimal) (hf decimal.Decimal, infinite bool) {
	if current.Infinite {
		return decimal.Zero, false
	}
	if current.Value.IsZero() {
		return decimal.Zero, true
	}
	return liquidationLTV.DivRound(current.Value, IndexScale), false
}

// IsLiquidatable reports whether a position at the given LTV can be
// liquidated. Ties are liquidatable: currentLTV == liquidationLTV qualifies.
func IsLiquidatable(current LTV, liquidationLTV decimal.Decimal) bool {
	if current.Infinite {
		return true
	}
	return current.Value.GreaterThanOrEqual(liquidationLTV)
}

// MaxBorrowable returns the largest additional debt-asset amount that keeps
// the position at or under maxLTV, floored to TokenScale and clamped to zero.
func MaxBorrowable(collateralValueUSD, debtValueUSD, maxLTV, debtPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if collateralValueUSD.IsNegative() || debtValueUSD.IsNegative() || maxLTV.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if debtPriceUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidInput
	}
	headroom := collateralValueUSD.Mul(maxLTV).Sub(debtValueUSD)
	if headroom.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	return headroom.DivRound(debtPriceUSD, TokenScale+2).RoundDown(TokenScale), nil
}

// MaxWithdrawable returns the largest collateral amount that can be removed
// while keeping the position at or under maxLTV. With zero debt the entire
// collateral is withdrawable.
func MaxWithdrawable(collateral, debtValueUSD, maxLTV, collateralPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if collateral.IsNegative() || debtValueUSD.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if debtValueUSD.IsZero() {
		return collateral, nil
	}
	if maxLTV.LessThanOrEqual(decimal.Zero) || collateralPriceUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidInput
	}
	// Collateral that must stay locked to keep debt within maxLTV.
	required := debtValueUSD.DivRound(maxLTV.Mul(collateralPriceUSD), TokenScale+2).RoundUp(TokenScale)
	free := collateral.Sub(required)
	if free.IsNegative() {
		return decimal.Zero, nil
	}
	return free.RoundDown(TokenScale), nil
}

// LiquidationCollateral returns the collateral amount to seize for the given
// debt value: debt plus penalty, converted at the collateral price, rounded
// up in the protocol's favor. Callers cap the result at available collateral.
func LiquidationCollateral(debtValueUSD, penalty, collateralPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if debtValueUSD.IsNegative() || penalty.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if collateralPriceUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidInput
	}
	gross := debtValueUSD.Mul(one.Add(penalty))
	return gross.DivRound(collateralPriceUSD, TokenScale+2).RoundUp(TokenScale), nil
}

// RepaymentAllocation is the interest-first split of a repayment amount.
// Excess is whatever remains after interest and principal are fully covered;
// it is returned to the payer, never silently dropped.
type RepaymentAllocation struct {
	InterestPaid  decimal.Decimal
	PrincipalPaid decimal.Decimal
	Excess        decimal.Decimal
}

// AllocateRepayment splits amount across accrued interest, then principal,
// then excess.
func AllocateRepayment(amount, interestAccrued, principal decimal.Decimal) (RepaymentAllocation, error) {
	if amount.IsNegative() || interestAccrued.IsNegative() || principal.IsNegative() {
		return RepaymentAllocation{}, ErrInvalidInput
	}
	alloc := RepaymentAllocation{
		InterestPaid:  decimal.Min(amount, interestAccrued),
		PrincipalPaid: decimal.Zero,
		Excess:        decimal.Zero,
	}
	remaining := amount.Sub(alloc.InterestPaid)
	alloc.PrincipalPaid = decimal.Min(remaining, principal)
	alloc.Excess = remaining.Sub(alloc.PrincipalPaid)
	return alloc, nil
}

// UtilizationRate is totalBorrowed / totalSupplied, zero when nothing is
// supplied.
func UtilizationRate(totalBorrowed, totalSupplied decimal.Decimal) (decimal.Decimal, error) {
	if totalBorrowed.IsNegative() || totalSupplied.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if totalSupplied.IsZero() {
		return decimal.Zero, nil
	}
	return totalBorrowed.DivRound(totalSupplied, IndexScale), nil
}

// SupplyAPR is the supplier rate implied by the borrow rate, pool
// utilization, and the protocol's reserve cut. The reserve factor is clamped
// to [0, 1].
func SupplyAPR(borrowAPR, utilization, reserveFactor decimal.Decimal) (decimal.Decimal, error) {
	if borrowAPR.IsNegative() || utilization.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	rf := reserveFactor
	if rf.IsNegative() {
		rf = decimal.Zero
	} else if rf.GreaterThan(one) {
		rf = one
	}
	return borrowAPR.Mul(utilization).Mul(one.Sub(rf)).RoundDown(IndexScale), nil
}

// SupplyAPY converts an APR to its daily-compounded APY:
// (1 + apr/365)^365 - 1.
func SupplyAPY(supplyAPR decimal.Decimal) (decimal.Decimal, error) {
	if supplyAPR.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if supplyAPR.IsZero() {
		return decimal.Zero, nil
	}
	daily := one.Add(supplyAPR.DivRound(daysPerYear, IndexScale))
	return daily.Pow(daysPerYear).Sub(one).RoundDown(IndexScale), nil
}

// NextGlobalYieldIndex advances the global yield index by the supply APR over
// the elapsed interval. The index never decreases: elapsed <= 0 or a zero APR
// returns the current index unchanged.
func NextGlobalYieldIndex(currentIndex, supplyAPR decimal.Decimal, lastUpdate, now time.Time) (decimal.Decimal, error) {
	if currentIndex.LessThanOrEqual(decimal.Zero) || supplyAPR.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	elapsed := now.Unix() - lastUpdate.Unix()
	if elapsed <= 0 || supplyAPR.IsZero() {
		return currentIndex, nil
	}
	elapsedYears := decimal.NewFromInt(elapsed).DivRound(yearSeconds, IndexScale)
	next := currentIndex.Mul(one.Add(supplyAPR.Mul(elapsedYears))).RoundDown(IndexScale)
	if next.LessThan(currentIndex) {
		return currentIndex, nil
	}
	return next, nil
}

// AccruedSupplyYield is the yield earned by a supply position since its last
// checkpoint: supplyAmount * (globalIndex/positionIndex - 1), floored to
// TokenScale. Returns zero for a non-positive supply amount, non-positive
// indexes, or a global index at or below the checkpoint.
func AccruedSupplyYield(supplyAmount, globalIndex, positionIndex decimal.Decimal) decimal.Decimal {
	if supplyAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if globalIndex.LessThanOrEqual(decimal.Zero) || positionIndex.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	ratio := globalIndex.DivRound(positionIndex, IndexScale)
	if ratio.LessThanOrEqual(one) {
		return decimal.Zero
	}
	return supplyAmount.Mul(ratio.Sub(one)).RoundDown(TokenScale)
}

// DeriveYieldIndex solves for the position checkpoint index that preserves a
// target accrued yield at the given global index and (new) supply amount:
//
//	accrued = supply * (global/index - 1)  ⇒  index = global*supply/(supply+accrued)
//
// Used when principal changes so that already-accrued, uncollected yield is
// not retroactively altered.
func DeriveYieldIndex(globalIndex, supplyAmount, accruedYield decimal.Decimal) (decimal.Decimal, error) {
	if globalIndex.LessThanOrEqual(decimal.Zero) || supplyAmount.LessThanOrEqual(decimal.Zero) || accruedYield.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if accruedYield.IsZero() {
		return globalIndex, nil
	}
	return globalIndex.Mul(supplyAmount).DivRound(supplyAmount.Add(accruedYield), IndexScale), nil
}
