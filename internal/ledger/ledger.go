// Package ledger defines the interfaces to the external on-chain asset
// ledger and the price oracle. The engine treats the ledger as
// request/response with eventual validation — it never assumes synchronous
// finality, and polls for a bounded number of attempts before surfacing a
// retryable "not yet validated" error.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ResultSuccess is the ledger result code for a validated, successful
// transaction. Anything else on a validated transaction is a terminal
// on-ledger failure for that attempt.
const ResultSuccess = "tesSUCCESS"

var (
	// ErrNotValidated is returned when a transaction has not reached
	// consensus finality within the polling budget. Retryable by the caller.
	ErrNotValidated = errors.New("ledger: transaction not yet validated")

	// ErrTxFailed is returned when a validated transaction carries a
	// non-success result code. Terminal for the attempt.
	ErrTxFailed = errors.New("ledger: transaction failed on-ledger")

	// ErrTxNotFound is returned when the ledger has no record of a hash.
	ErrTxNotFound = errors.New("ledger: transaction not found")

	// ErrObjectNotFound is returned when a ledger object lookup misses.
	ErrObjectNotFound = errors.New("ledger: object not found")
)

// Inbound verification failures — these tell the caller their transaction was
// wrong, as opposed to a system failure.
var (
	ErrWrongDestination = errors.New("ledger: transaction destination does not match")
	ErrWrongCurrency    = errors.New("ledger: transaction currency does not match")
	ErrWrongIssuer      = errors.New("ledger: transaction issuer does not match")
	ErrAmountMismatch   = errors.New("ledger: transaction amount does not match")
)

// Payment is an outbound transfer request, pre-signed or auto-filled by the
// ledger client; key custody is outside this core.
type Payment struct {
	Destination string
	Currency    string
	Issuer      string
	Amount      decimal.Decimal
	Memo        string
}

// TxInfo is the observed state of a transaction on the external ledger.
type TxInfo struct {
	Hash        string
	Validated   bool
	ResultCode  string
	Sender      string
	Destination string
	Currency    string
	Issuer      string
	Amount      decimal.Decimal
}

// SubmitResult is the immediate response to a submission, before validation.
type SubmitResult struct {
	Hash       string
	ResultCode string
}

// Client is the external ledger collaborator.
type Client interface {
	// SubmitTransaction submits a payment and returns its provisional result.
	SubmitTransaction(ctx context.Context, p Payment) (SubmitResult, error)

	// GetTransaction returns the current state of a transaction by hash.
	GetTransaction(ctx context.Context, hash string) (TxInfo, error)

	// GetLedgerObject fetches a ledger object (escrow, loan) by identifier.
	GetLedgerObject(ctx context.Context, id string) (map[string]any, error)
}

// Prices is a resolved USD quote pair for one market.
type Prices struct {
	CollateralUSD decimal.Decimal
	DebtUSD       decimal.Decimal
}

// Oracle supplies the latest known USD prices for a market's asset pair.
type Oracle interface {
	GetPrices(ctx context.Context, marketID string) (Prices, error)
}

// AwaitValidated polls the ledger until the transaction is validated or the
// attempt budget is exhausted. A non-success result code on a validated
// transaction returns ErrTxFailed; budget exhaustion returns ErrNotValidated
// (retryable, not fatal).
func AwaitValidated(ctx context.Context, c Client, hash string, attempts int, interval time.Duration) (TxInfo, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return TxInfo{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		info, err := c.GetTransaction(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrTxNotFound) {
				continue
			}
			return TxInfo{}, err
		}
		if !info.Validated {
			continue
		}
		if info.ResultCode != ResultSuccess {
			return info, fmt.Errorf("%w: %s (%s)", ErrTxFailed, hash, info.ResultCode)
		}
		return info, nil
	}
	return TxInfo{}, fmt.Errorf("%w: %s", ErrNotValidated, hash)
}

// VerifyInbound checks that a validated inbound transaction matches the
// expected destination, currency/issuer, and amount. Each mismatch surfaces
// its own error so callers can distinguish what was wrong.
func VerifyInbound(info TxInfo, destination, currency, issuer string, amount decimal.Decimal) error {
	if info.Destination != destination {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongDestination, info.Destination, destination)
	}
	if !strings.EqualFold(info.Currency, currency) {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongCurrency, info.Currency, currency)
	}
	if info.Issuer != issuer {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongIssuer, info.Issuer, issuer)
	}
	if !info.Amount.Equal(amount) {
		return fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, info.Amount, amount)
	}
	return nil
}
