// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and no-database development).
//
// The engine assumes no multi-statement transactions: every invariant-bearing
// mutation is expressed as a single atomic statement (unique-constraint
// insert-or-fetch, or a guarded compare-and-set update). Implementations must
// honor that contract — it is the sole serialization point between
// concurrent settlement workflows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a uniqueness constraint rejects an insert.
	ErrConflict = errors.New("store: conflict")

	// ErrInvariantViolated is returned when a guarded aggregate update's
	// predicate fails (e.g. totalBorrowed would exceed totalSupplied).
	ErrInvariantViolated = errors.New("store: pool invariant violated")
)

// EventPatch is the terminal-status update applied to an AppEvent in a
// single statement.
type EventPatch struct {
	Status       string
	Payload      json.RawMessage
	ErrorCode    string
	ErrorMessage string
	Retried      bool // set true on a FAILED → PENDING reset
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market configuration.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// SetMarketActive flips a market's active flag.
	SetMarketActive(ctx context.Context, id string, active bool) error

	// AdjustPoolAggregates applies supplied/borrowed deltas in one guarded
	// update. The statement must reject (ErrInvariantViolated) any outcome
	// where an aggregate would go negative or totalBorrowed would exceed
	// totalSupplied.
	AdjustPoolAggregates(ctx context.Context, marketID string, suppliedDelta, borrowedDelta decimal.Decimal) error

	// AdvanceYieldIndex sets the global yield index and its update time in
	// one statement, guarded so the index never decreases.
	AdvanceYieldIndex(ctx context.Context, marketID string, index decimal.Decimal, updatedAt time.Time) error

	// --- Borrower positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetActivePosition returns the ACTIVE position for (user, market).
	GetActivePosition(ctx context.Context, userAddress, marketID string) (*model.Position, error)

	// GetPosition returns a position by ID regardless of status.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// UpdatePosition writes a position's mutable fields by ID.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// ListActivePositions returns ACTIVE positions for a market.
	ListActivePositions(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Supply positions ---

	CreateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error
	GetSupplyPosition(ctx context.Context, userAddress, marketID string) (*model.SupplyPosition, error)
	UpdateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error

	// --- Idempotency events ---

	// InsertEventIfAbsent atomically inserts a PENDING event keyed by its
	// idempotency key. On key collision it returns (false, existingRow).
	// Must be a single "insert, ignore conflict, then read", never
	// read-then-write.
	InsertEventIfAbsent(ctx context.Context, e *model.AppEvent) (inserted bool, existing *model.AppEvent, err error)

	// UpdateEventStatus applies patch to the event only if its current
	// status is fromStatus. Returns false when the guard fails.
	UpdateEventStatus(ctx context.Context, id, fromStatus string, patch EventPatch) (bool, error)

	// SetEventTxHash binds a ledger transaction hash to a PENDING event.
	// First write wins: rebinding the same hash is a no-op, a different
	// hash or a non-PENDING event is ErrConflict. The hash survives a
	// FAILED → PENDING reset so a retry can resume with it.
	SetEventTxHash(ctx context.Context, id, hash string) error

	// GetEvent returns an event by ID.
	GetEvent(ctx context.Context, id string) (*model.AppEvent, error)

	// --- On-chain transaction replay guard ---

	// InsertTxIfAbsent records a transaction hash. Returns false without
	// error when the hash was already recorded.
	InsertTxIfAbsent(ctx context.Context, tx *model.OnchainTransaction) (bool, error)

	// IsTransactionProcessed reports whether a hash has been recorded.
	IsTransactionProcessed(ctx context.Context, hash string) (bool, error)
}
