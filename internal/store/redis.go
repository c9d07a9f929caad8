package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market and position reads. Writes go to the primary store and
// invalidate the cache. Idempotency events and the transaction replay guard
// are never cached — they are correctness-bearing and must always hit the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func marketKey(id string) string {
	return "lending:market:" + id
}

func positionKey(user, marketID string) string {
	return fmt.Sprintf("lending:position:%s:%s", user, marketID)
}

func supplyKey(user, marketID string) string {
	return fmt.Sprintf("lending:supply:%s:%s", user, marketID)
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheSet(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.cacheGet(ctx, marketKey(id), &m) {
		return &m, nil
	}
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) SetMarketActive(ctx context.Context, id string, active bool) error {
	if err := s.primary.SetMarketActive(ctx, id, active); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) AdjustPoolAggregates(ctx context.Context, marketID string, suppliedDelta, borrowedDelta decimal.Decimal) error {
	if err := s.primary.AdjustPoolAggregates(ctx, marketID, suppliedDelta, borrowedDelta); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) AdvanceYieldIndex(ctx context.Context, marketID string, index decimal.Decimal, updatedAt time.Time) error {
	if err := s.primary.AdvanceYieldIndex(ctx, marketID, index, updatedAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

// --- Borrower positions ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.UserAddress, p.MarketID))
	return nil
}

func (s *CachedStore) GetActivePosition(ctx context.Context, userAddress, marketID string) (*model.Position, error) {
	var p model.Position
	if s.cacheGet(ctx, positionKey(userAddress, marketID), &p) {
		return &p, nil
	}
	got, err := s.primary.GetActivePosition(ctx, userAddress, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, positionKey(userAddress, marketID), got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.UserAddress, p.MarketID))
	return nil
}

func (s *CachedStore) ListActivePositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListActivePositions(ctx, marketID)
}

// --- Supply positions ---

func (s *CachedStore) CreateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error {
	if err := s.primary.CreateSupplyPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, supplyKey(p.UserAddress, p.MarketID))
	return nil
}

func (s *CachedStore) GetSupplyPosition(ctx context.Context, userAddress, marketID string) (*model.SupplyPosition, error) {
	var p model.SupplyPosition
	if s.cacheGet(ctx, supplyKey(userAddress, marketID), &p) {
		return &p, nil
	}
	got, err := s.primary.GetSupplyPosition(ctx, userAddress, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, supplyKey(userAddress, marketID), got)
	return got, nil
}

func (s *CachedStore) UpdateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error {
	if err := s.primary.UpdateSupplyPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, supplyKey(p.UserAddress, p.MarketID))
	return nil
}

// --- Idempotency events and replay guard: always hit primary ---

func (s *CachedStore) InsertEventIfAbsent(ctx context.Context, e *model.AppEvent) (bool, *model.AppEvent, error) {
	return s.primary.InsertEventIfAbsent(ctx, e)
}

func (s *CachedStore) UpdateEventStatus(ctx context.Context, id, fromStatus string, patch EventPatch) (bool, error) {
	return s.primary.UpdateEventStatus(ctx, id, fromStatus, patch)
}

func (s *CachedStore) SetEventTxHash(ctx context.Context, id, hash string) error {
	return s.primary.SetEventTxHash(ctx, id, hash)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.AppEvent, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) InsertTxIfAbsent(ctx context.Context, tx *model.OnchainTransaction) (bool, error) {
	return s.primary.InsertTxIfAbsent(ctx, tx)
}

func (s *CachedStore) IsTransactionProcessed(ctx context.Context, hash string) (bool, error) {
	return s.primary.IsTransactionProcessed(ctx, hash)
}

// --- Cache helpers ---

func (s *CachedStore) cacheGet(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// Cache failures are invisible to callers; the primary store remains
	// authoritative.
	s.rdb.Set(ctx, key, data, s.ttl)
}
