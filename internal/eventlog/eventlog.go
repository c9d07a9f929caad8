// Package eventlog implements the idempotent event ledger: an append-only
// audit log whose unique idempotency key index makes multi-step settlement
// operations safely retryable. Acquiring a key is an atomic insert-or-fetch;
// the returned row's status tells the caller whether to run, replay the
// stored result, or reject.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

var (
	// ErrInProgress is returned when the key's event is PENDING — another
	// caller is mid-flight. The caller should wait and retry.
	ErrInProgress = errors.New("eventlog: operation in progress")

	// ErrKeyReused is returned when an idempotency key is presented for a
	// different logical operation than the one it was created for.
	ErrKeyReused = errors.New("eventlog: idempotency key reused for a different operation")

	// ErrRetryExhausted is returned when a FAILED event has already consumed
	// its single permitted retry.
	ErrRetryExhausted = errors.New("eventlog: failed operation already retried")

	// ErrStatusConflict is returned when a terminal-status update loses its
	// compare-and-set guard.
	ErrStatusConflict = errors.New("eventlog: event status changed concurrently")
)

// Ledger provides the idempotency protocol over the store.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates an event ledger.
func New(st store.Store) *Ledger {
	return &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// AcquireParams identifies the logical operation an idempotency key belongs to.
type AcquireParams struct {
	EventType      string
	IdempotencyKey string
	UserAddress    string
	MarketID       string
	PositionID     string
}

// Acquisition is the outcome of Acquire.
type Acquisition struct {
	// Event is the row now owning the idempotency key.
	Event *model.AppEvent

	// Replay is set when the operation already COMPLETED; the stored result
	// payload must be returned verbatim instead of re-running.
	Replay bool
}

// Acquire claims the idempotency key with an atomic PENDING insert. On
// collision it inspects the existing row:
//
//   - COMPLETED ⇒ Replay=true, caller returns the stored payload.
//   - PENDING   ⇒ ErrInProgress.
//   - FAILED    ⇒ one reset to PENDING is permitted; the reset event is
//     returned for a re-run. A second failure is terminal (ErrRetryExhausted).
//
// A key presented with a different event type, user, or market than the
// original is rejected with ErrKeyReused, never silently proceeded with.
// An empty idempotency key always creates a fresh event (no dedup).
func (l *Ledger) Acquire(ctx context.Context, p AcquireParams) (Acquisition, error) {
	candidate := &model.AppEvent{
		ID:             uuid.New().String(),
		EventType:      p.EventType,
		Status:         model.EventPending,
		IdempotencyKey: p.IdempotencyKey,
		UserAddress:    p.UserAddress,
		MarketID:       p.MarketID,
		PositionID:     p.PositionID,
		CreatedAt:      l.now(),
		UpdatedAt:      l.now(),
	}

	inserted, row, err := l.store.InsertEventIfAbsent(ctx, candidate)
	if err != nil {
		return Acquisition{}, err
	}
	if inserted {
		return Acquisition{Event: row}, nil
	}

	if err := validateIdentity(row, p); err != nil {
		return Acquisition{}, err
	}

	switch row.Status {
	case model.EventCompleted:
		return Acquisition{Event: row, Replay: true}, nil

	case model.EventPending:
		return Acquisition{}, fmt.Errorf("%w: key %s", ErrInProgress, p.IdempotencyKey)

	case model.EventFailed:
		if row.Retried {
			return Acquisition{}, fmt.Errorf("%w: key %s", ErrRetryExhausted, p.IdempotencyKey)
		}
		ok, err := l.store.UpdateEventStatus(ctx, row.ID, model.EventFailed, store.EventPatch{
			Status:  model.EventPending,
			Retried: true,
		})
		if err != nil {
			return Acquisition{}, err
		}
		if !ok {
			// Another retry won the reset race; to this caller it is in flight.
			return Acquisition{}, fmt.Errorf("%w: key %s", ErrInProgress, p.IdempotencyKey)
		}
		reset, err := l.store.GetEvent(ctx, row.ID)
		if err != nil {
			return Acquisition{}, err
		}
		return Acquisition{Event: reset}, nil

	default:
		return Acquisition{}, fmt.Errorf("eventlog: unknown event status %q", row.Status)
	}
}

// validateIdentity guards against key reuse across logical operations.
func validateIdentity(existing *model.AppEvent, p AcquireParams) error {
	if existing.EventType != p.EventType ||
		existing.UserAddress != p.UserAddress ||
		existing.MarketID != p.MarketID {
		return fmt.Errorf("%w: key %s bound to %s/%s/%s", ErrKeyReused,
			p.IdempotencyKey, existing.EventType, existing.UserAddress, existing.MarketID)
	}
	return nil
}

// BindTx records the ledger transaction backing the event. Workflows call it
// the moment an external transfer is consumed or submitted, before any state
// write; the binding survives a FAILED → PENDING reset, so a retry resumes
// with the same transfer instead of repeating it.
func (l *Ledger) BindTx(ctx context.Context, eventID, hash string) error {
	return l.store.SetEventTxHash(ctx, eventID, hash)
}

// Complete marks the event COMPLETED and embeds the operation's result
// payload in one atomic update.
func (l *Ledger) Complete(ctx context.Context, eventID string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("eventlog: marshal result: %w", err)
	}
	ok, err := l.store.UpdateEventStatus(ctx, eventID, model.EventPending, store.EventPatch{
		Status:  model.EventCompleted,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event %s", ErrStatusConflict, eventID)
	}
	return nil
}

// Fail marks the event FAILED with an error code and message. Every workflow
// failure path must land here before returning, so no operation is left
// ambiguously PENDING.
func (l *Ledger) Fail(ctx context.Context, eventID, code, message string) error {
	ok, err := l.store.UpdateEventStatus(ctx, eventID, model.EventPending, store.EventPatch{
		Status:       model.EventFailed,
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event %s", ErrStatusConflict, eventID)
	}
	return nil
}
