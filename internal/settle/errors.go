// Package settle implements the settlement workflows that reconcile
// off-chain position state with on-chain asset movements: deposit, borrow,
// repay, withdraw, supply, collect-yield, withdraw-supply, and liquidation.
package settle

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/atmx/lending-engine/internal/eventlog"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/store"
)

// Error codes surfaced to callers. The code tells the caller which class of
// failure occurred: validation errors mean "your request was wrong",
// state-conflict errors mean "adjust and retry", idempotency errors mean
// "wait or treat as done", external-ledger errors carry their own
// retryability, and INTERNAL means the engine failed.
const (
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeBelowMinimum           = "BELOW_MINIMUM"
	CodeWrongCurrency          = "WRONG_CURRENCY"
	CodeWrongIssuer            = "WRONG_ISSUER"
	CodeWrongDestination       = "WRONG_DESTINATION"
	CodeAmountMismatch         = "AMOUNT_MISMATCH"
	CodeMarketNotFound         = "MARKET_NOT_FOUND"
	CodeMarketInactive         = "MARKET_INACTIVE"
	CodeExceedsMaxLTV          = "EXCEEDS_MAX_LTV"
	CodeInsufficientLiquidity  = "INSUFFICIENT_LIQUIDITY"
	CodeInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	CodeCollectYieldFirst      = "COLLECT_YIELD_FIRST"
	CodeNoActivePosition       = "NO_ACTIVE_POSITION"
	CodeNoSupplyPosition       = "NO_SUPPLY_POSITION"
	CodeNoYieldToCollect       = "NO_YIELD_TO_COLLECT"
	CodeNotLiquidatable        = "NOT_LIQUIDATABLE"
	CodeOutstandingDebt        = "OUTSTANDING_DEBT"
	CodePartialEscrowRelease   = "PARTIAL_ESCROW_RELEASE"
	CodeOperationInProgress    = "OPERATION_IN_PROGRESS"
	CodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeRetryExhausted         = "RETRY_EXHAUSTED"
	CodeTxNotValidated         = "TX_NOT_VALIDATED"
	CodeTxFailedOnLedger       = "TX_FAILED_ON_LEDGER"
	CodeTxAlreadyProcessed     = "TX_ALREADY_PROCESSED"
	CodeInternal               = "INTERNAL"
)

// Error is a typed settlement failure carrying a stable machine code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// errf builds a typed Error.
func errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// classify maps collaborator errors onto the settlement error taxonomy. An
// error that is already a *settle.Error passes through unchanged; anything
// unrecognized is INTERNAL.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, ledger.ErrWrongDestination):
		return errf(CodeWrongDestination, "%v", err)
	case errors.Is(err, ledger.ErrWrongCurrency):
		return errf(CodeWrongCurrency, "%v", err)
	case errors.Is(err, ledger.ErrWrongIssuer):
		return errf(CodeWrongIssuer, "%v", err)
	case errors.Is(err, ledger.ErrAmountMismatch):
		return errf(CodeAmountMismatch, "%v", err)
	case errors.Is(err, ledger.ErrNotValidated):
		return errf(CodeTxNotValidated, "%v", err)
	case errors.Is(err, ledger.ErrTxFailed):
		return errf(CodeTxFailedOnLedger, "%v", err)
	case errors.Is(err, eventlog.ErrInProgress):
		return errf(CodeOperationInProgress, "%v", err)
	case errors.Is(err, eventlog.ErrKeyReused):
		return errf(CodeIdempotencyKeyReused, "%v", err)
	case errors.Is(err, eventlog.ErrRetryExhausted):
		return errf(CodeRetryExhausted, "%v", err)
	case errors.Is(err, store.ErrInvariantViolated):
		return errf(CodeInsufficientLiquidity, "%v", err)
	default:
		return errf(CodeInternal, "%v", err)
	}
}

// httpStatus maps an error code to the HTTP response status.
func httpStatus(code string) int {
	switch code {
	case CodeInvalidAmount, CodeBelowMinimum, CodeWrongCurrency, CodeWrongIssuer,
		CodeWrongDestination, CodeAmountMismatch:
		return http.StatusBadRequest
	case CodeMarketNotFound, CodeNoActivePosition, CodeNoSupplyPosition:
		return http.StatusNotFound
	case CodeMarketInactive, CodeExceedsMaxLTV, CodeInsufficientLiquidity,
		CodeInsufficientCollateral, CodeCollectYieldFirst, CodeNoYieldToCollect,
		CodeNotLiquidatable, CodeOutstandingDebt, CodePartialEscrowRelease,
		CodeOperationInProgress, CodeIdempotencyKeyReused, CodeRetryExhausted,
		CodeTxAlreadyProcessed:
		return http.StatusConflict
	case CodeTxNotValidated:
		return http.StatusAccepted
	case CodeTxFailedOnLedger:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// retryable reports whether the caller may retry the same request unchanged.
func retryable(code string) bool {
	return code == CodeTxNotValidated || code == CodeOperationInProgress
}
