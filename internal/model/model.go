// Package model defines the core domain types shared across the lending engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Position lifecycle states.
const (
	PositionActive     = "ACTIVE"
	PositionLiquidated = "LIQUIDATED"
	PositionClosed     = "CLOSED"
)

// AppEvent lifecycle states.
const (
	EventPending   = "PENDING"
	EventCompleted = "COMPLETED"
	EventFailed    = "FAILED"
)

// Event types, one per settlement workflow.
const (
	EventDeposit        = "DEPOSIT"
	EventBorrow         = "BORROW"
	EventRepay          = "REPAY"
	EventWithdraw       = "WITHDRAW"
	EventSupply         = "SUPPLY"
	EventCollectYield   = "COLLECT_YIELD"
	EventWithdrawSupply = "WITHDRAW_SUPPLY"
	EventLiquidation    = "LIQUIDATION"
)

// Market is the configuration and pool-level accounting state for one
// collateral/debt trading pair.
//
// TotalSupplied, TotalBorrowed and GlobalYieldIndex are the only
// cross-request shared mutable state; they must be mutated through the
// pool.Accountant guarded setters, never directly.
type Market struct {
	ID                  string          `json:"id" db:"id"`
	CollateralAsset     string          `json:"collateral_asset" db:"collateral_asset"` // symbol, resolved via assets registry
	DebtAsset           string          `json:"debt_asset" db:"debt_asset"`
	MaxLTVRatio         decimal.Decimal `json:"max_ltv_ratio" db:"max_ltv_ratio"`
	LiquidationLTVRatio decimal.Decimal `json:"liquidation_ltv_ratio" db:"liquidation_ltv_ratio"`
	BaseInterestRate    decimal.Decimal `json:"base_interest_rate" db:"base_interest_rate"` // annual borrow APR
	LiquidationPenalty  decimal.Decimal `json:"liquidation_penalty" db:"liquidation_penalty"`
	MinCollateralAmount decimal.Decimal `json:"min_collateral_amount" db:"min_collateral_amount"`
	MinBorrowAmount     decimal.Decimal `json:"min_borrow_amount" db:"min_borrow_amount"`
	MinSupplyAmount     decimal.Decimal `json:"min_supply_amount" db:"min_supply_amount"`
	TotalSupplied       decimal.Decimal `json:"total_supplied" db:"total_supplied"`
	TotalBorrowed       decimal.Decimal `json:"total_borrowed" db:"total_borrowed"`
	GlobalYieldIndex    decimal.Decimal `json:"global_yield_index" db:"global_yield_index"` // starts at 1, never decreases
	LastIndexUpdate     time.Time       `json:"last_index_update" db:"last_index_update"`
	ReserveFactor       decimal.Decimal `json:"reserve_factor" db:"reserve_factor"` // [0,1]
	IsActive            bool            `json:"is_active" db:"is_active"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// Position is a borrower's collateral/debt state in one market.
// One row per (user, market) while active.
type Position struct {
	ID                 string          `json:"id" db:"id"`
	UserAddress        string          `json:"user_address" db:"user_address"`
	MarketID           string          `json:"market_id" db:"market_id"`
	CollateralAmount   decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
	LoanPrincipal      decimal.Decimal `json:"loan_principal" db:"loan_principal"`
	InterestAccrued    decimal.Decimal `json:"interest_accrued" db:"interest_accrued"`
	InterestRateAtOpen decimal.Decimal `json:"interest_rate_at_open" db:"interest_rate_at_open"`
	LastInterestUpdate time.Time       `json:"last_interest_update" db:"last_interest_update"`
	Status             string          `json:"status" db:"status"`

	// Passthrough correlation to on-chain objects; not owned by this core.
	EscrowID string `json:"escrow_id,omitempty" db:"escrow_id"`
	LoanID   string `json:"loan_id,omitempty" db:"loan_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SupplyPosition is a liquidity supplier's state in one market.
// YieldIndex checkpoints the market's global yield index at last accrual;
// accrued yield = supplyAmount * (globalIndex/yieldIndex - 1).
type SupplyPosition struct {
	ID           string          `json:"id" db:"id"`
	UserAddress  string          `json:"user_address" db:"user_address"`
	MarketID     string          `json:"market_id" db:"market_id"`
	SupplyAmount decimal.Decimal `json:"supply_amount" db:"supply_amount"`
	YieldIndex   decimal.Decimal `json:"yield_index" db:"yield_index"`
	Status       string          `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// OnchainTransaction is the replay guard for external ledger transactions.
// Unique by hash; once a hash is recorded, any workflow presenting the same
// hash again is rejected with TX_ALREADY_PROCESSED.
type OnchainTransaction struct {
	Hash        string          `json:"hash" db:"hash"`
	UserAddress string          `json:"user_address" db:"user_address"`
	MarketID    string          `json:"market_id" db:"market_id"`
	TxType      string          `json:"tx_type" db:"tx_type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AppEvent is an append-only audit and idempotency row. It is the durable
// source of truth for "has this logical operation already happened".
type AppEvent struct {
	ID             string          `json:"id" db:"id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Status         string          `json:"status" db:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	UserAddress    string          `json:"user_address" db:"user_address"`
	MarketID       string          `json:"market_id" db:"market_id"`
	PositionID     string          `json:"position_id,omitempty" db:"position_id"`
	TxHash         string          `json:"tx_hash,omitempty" db:"tx_hash"` // ledger transfer consumed or produced; a retry resumes with it
	Payload        json.RawMessage `json:"payload,omitempty" db:"payload"` // result embedded on COMPLETED for replay
	ErrorCode      string          `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	Retried        bool            `json:"retried" db:"retried"` // FAILED → PENDING reset permitted once
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// --- Workflow result payloads ---
//
// Embedded verbatim in the COMPLETED AppEvent payload so that a retry with
// the same idempotency key replays the original result, not a recomputation.

// DepositResult is returned from a collateral deposit.
type DepositResult struct {
	PositionID       string          `json:"position_id"`
	TxHash           string          `json:"tx_hash"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"` // total after deposit
	DepositedAmount  decimal.Decimal `json:"deposited_amount"`
}

// BorrowResult is returned from a borrow.
type BorrowResult struct {
	PositionID      string          `json:"position_id"`
	TxHash          string          `json:"tx_hash"`
	BorrowedAmount  decimal.Decimal `json:"borrowed_amount"`
	LoanPrincipal   decimal.Decimal `json:"loan_principal"` // total after borrow
	InterestAccrued decimal.Decimal `json:"interest_accrued"`
}

// RepayResult is returned from a repayment.
type RepayResult struct {
	PositionID        string          `json:"position_id"`
	TxHash            string          `json:"tx_hash"`
	InterestPaid      decimal.Decimal `json:"interest_paid"`
	PrincipalPaid     decimal.Decimal `json:"principal_paid"`
	Excess            decimal.Decimal `json:"excess"`
	RefundTxHash      string          `json:"refund_tx_hash,omitempty"`
	RemainingDebt     decimal.Decimal `json:"remaining_debt"`
	PositionClosed    bool            `json:"position_closed"`
	RemainingInterest decimal.Decimal `json:"remaining_interest"`
}

// WithdrawResult is returned from a collateral withdrawal.
type WithdrawResult struct {
	PositionID          string          `json:"position_id"`
	TxHash              string          `json:"tx_hash"`
	WithdrawnAmount     decimal.Decimal `json:"withdrawn_amount"`
	RemainingCollateral decimal.Decimal `json:"remaining_collateral"`
	PositionClosed      bool            `json:"position_closed"`
}

// SupplyResult is returned from a liquidity supply.
type SupplyResult struct {
	SupplyPositionID string          `json:"supply_position_id"`
	TxHash           string          `json:"tx_hash"`
	SuppliedAmount   decimal.Decimal `json:"supplied_amount"`
	SupplyAmount     decimal.Decimal `json:"supply_amount"` // total after supply
	YieldIndex       decimal.Decimal `json:"yield_index"`
}

// CollectYieldResult is returned from a yield collection.
type CollectYieldResult struct {
	SupplyPositionID string          `json:"supply_position_id"`
	TxHash           string          `json:"tx_hash"`
	YieldCollected   decimal.Decimal `json:"yield_collected"`
	YieldIndex       decimal.Decimal `json:"yield_index"` // checkpoint after collection
}

// WithdrawSupplyResult is returned from a supply withdrawal.
type WithdrawSupplyResult struct {
	SupplyPositionID string          `json:"supply_position_id"`
	TxHash           string          `json:"tx_hash"`
	WithdrawnAmount  decimal.Decimal `json:"withdrawn_amount"`
	RemainingSupply  decimal.Decimal `json:"remaining_supply"`
	PositionClosed   bool            `json:"position_closed"`
}

// LiquidationResult describes one liquidated position.
type LiquidationResult struct {
	PositionID          string          `json:"position_id"`
	UserAddress         string          `json:"user_address"`
	MarketID            string          `json:"market_id"`
	DebtRepaid          decimal.Decimal `json:"debt_repaid"` // outstanding principal + interest
	CollateralSeized    decimal.Decimal `json:"collateral_seized"`
	CollateralRemainder decimal.Decimal `json:"collateral_remainder"` // leftover after seize, returned to borrower
	LTVAtLiquidation    decimal.Decimal `json:"ltv_at_liquidation"`
}

// PositionMetrics is a position snapshot with derived risk numbers.
type PositionMetrics struct {
	Position        Position        `json:"position"`
	TotalDebt       decimal.Decimal `json:"total_debt"`
	CurrentLTV      decimal.Decimal `json:"current_ltv"`
	LTVInfinite     bool            `json:"ltv_infinite"`
	HealthFactor    decimal.Decimal `json:"health_factor"`
	HealthInfinite  bool            `json:"health_infinite"`
	IsLiquidatable  bool            `json:"is_liquidatable"`
	MaxBorrowable   decimal.Decimal `json:"max_borrowable"`
	MaxWithdrawable decimal.Decimal `json:"max_withdrawable"`
}

// PoolMetrics is a market-level rates and liquidity snapshot.
type PoolMetrics struct {
	MarketID           string          `json:"market_id"`
	TotalSupplied      decimal.Decimal `json:"total_supplied"`
	TotalBorrowed      decimal.Decimal `json:"total_borrowed"`
	AvailableLiquidity decimal.Decimal `json:"available_liquidity"`
	UtilizationRate    decimal.Decimal `json:"utilization_rate"`
	BorrowAPR          decimal.Decimal `json:"borrow_apr"`
	SupplyAPR          decimal.Decimal `json:"supply_apr"`
	SupplyAPY          decimal.Decimal `json:"supply_apy"`
	GlobalYieldIndex   decimal.Decimal `json:"global_yield_index"`
}
