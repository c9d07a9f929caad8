package eventlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

func params(key string) AcquireParams {
	return AcquireParams{
		EventType:      model.EventBorrow,
		IdempotencyKey: key,
		UserAddress:    "GUSER",
		MarketID:       "m1",
	}
}

func TestAcquire_FreshKey(t *testing.T) {
	l := New(store.NewMemoryStore())

	acq, err := l.Acquire(context.Background(), params("k1"))
	require.NoError(t, err)
	assert.False(t, acq.Replay)
	assert.Equal(t, model.EventPending, acq.Event.Status)
	assert.Equal(t, "k1", acq.Event.IdempotencyKey)
}

func TestAcquire_PendingCollisionRejected(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)

	_, err = l.Acquire(ctx, params("k1"))
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestAcquire_CompletedReplaysStoredResult(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	acq, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)

	result := model.BorrowResult{PositionID: "p1", TxHash: "h1"}
	require.NoError(t, l.Complete(ctx, acq.Event.ID, result))

	replay, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	require.True(t, replay.Replay)

	var stored model.BorrowResult
	require.NoError(t, json.Unmarshal(replay.Event.Payload, &stored))
	assert.Equal(t, result, stored)
}

func TestAcquire_FailedResetsOnceThenExhausts(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	acq, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, acq.Event.ID, "INSUFFICIENT_LIQUIDITY", "no liquidity"))

	// First retry resets FAILED → PENDING.
	retry, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	assert.False(t, retry.Replay)
	assert.Equal(t, model.EventPending, retry.Event.Status)
	assert.True(t, retry.Event.Retried)
	assert.Equal(t, acq.Event.ID, retry.Event.ID, "retry reuses the original event row")

	// Fail again; the single retry is consumed.
	require.NoError(t, l.Fail(ctx, retry.Event.ID, "INSUFFICIENT_LIQUIDITY", "still no liquidity"))
	_, err = l.Acquire(ctx, params("k1"))
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestAcquire_KeyReuseAcrossOperationsRejected(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)

	cases := []AcquireParams{
		{EventType: model.EventRepay, IdempotencyKey: "k1", UserAddress: "GUSER", MarketID: "m1"},
		{EventType: model.EventBorrow, IdempotencyKey: "k1", UserAddress: "GOTHER", MarketID: "m1"},
		{EventType: model.EventBorrow, IdempotencyKey: "k1", UserAddress: "GUSER", MarketID: "m2"},
	}
	for _, p := range cases {
		_, err := l.Acquire(ctx, p)
		assert.ErrorIs(t, err, ErrKeyReused, "params %+v", p)
	}
}

func TestAcquire_EmptyKeyNeverDedupes(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	a, err := l.Acquire(ctx, params(""))
	require.NoError(t, err)
	b, err := l.Acquire(ctx, params(""))
	require.NoError(t, err)
	assert.NotEqual(t, a.Event.ID, b.Event.ID)
}

func TestComplete_GuardsAgainstDoubleTerminal(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	acq, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, acq.Event.ID, model.BorrowResult{}))

	// A second terminal transition loses the compare-and-set.
	err = l.Fail(ctx, acq.Event.ID, "INTERNAL", "late failure")
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestBindTx_SurvivesFailedReset(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	acq, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	require.NoError(t, l.BindTx(ctx, acq.Event.ID, "A1B2"))
	require.NoError(t, l.Fail(ctx, acq.Event.ID, "INTERNAL", "store unavailable"))

	// The reset re-arms the event but keeps the hash, so the retry can
	// resume with the transfer the first attempt already made.
	retry, err := l.Acquire(ctx, params("k1"))
	require.NoError(t, err)
	assert.False(t, retry.Replay)
	assert.Equal(t, "A1B2", retry.Event.TxHash)
	assert.True(t, retry.Event.Retried)
}
