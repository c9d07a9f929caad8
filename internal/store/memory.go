package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). The mutex gives
// it the same single-statement atomicity the SQL implementation gets from
// guarded updates.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[string]*model.Position
	supplies  map[string]*model.SupplyPosition
	events    map[string]*model.AppEvent
	eventsKey map[string]string // idempotency key → event ID
	txs       map[string]*model.OnchainTransaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
		supplies:  make(map[string]*model.SupplyPosition),
		events:    make(map[string]*model.AppEvent),
		eventsKey: make(map[string]string),
		txs:       make(map[string]*model.OnchainTransaction),
	}
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrConflict, m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) SetMarketActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.IsActive = active
	return nil
}

func (s *MemoryStore) AdjustPoolAggregates(_ context.Context, marketID string, suppliedDelta, borrowedDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}

	newSupplied := m.TotalSupplied.Add(suppliedDelta)
	newBorrowed := m.TotalBorrowed.Add(borrowedDelta)
	if newSupplied.IsNegative() || newBorrowed.IsNegative() || newBorrowed.GreaterThan(newSupplied) {
		return fmt.Errorf("%w: market %s supplied=%s borrowed=%s", ErrInvariantViolated,
			marketID, newSupplied, newBorrowed)
	}

	m.TotalSupplied = newSupplied
	m.TotalBorrowed = newBorrowed
	return nil
}

func (s *MemoryStore) AdvanceYieldIndex(_ context.Context, marketID string, index decimal.Decimal, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	// Monotonic guard: a stale writer loses silently, matching the SQL
	// predicate's zero-rows-affected behavior.
	if index.LessThan(m.GlobalYieldIndex) {
		return nil
	}
	m.GlobalYieldIndex = index
	m.LastIndexUpdate = updatedAt
	return nil
}

// --- Borrower positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("%w: position %s", ErrConflict, p.ID)
	}
	for _, existing := range s.positions {
		if existing.UserAddress == p.UserAddress && existing.MarketID == p.MarketID &&
			existing.Status == model.PositionActive && p.Status == model.PositionActive {
			return fmt.Errorf("%w: active position exists for %s in %s", ErrConflict, p.UserAddress, p.MarketID)
		}
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetActivePosition(_ context.Context, userAddress, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserAddress == userAddress && p.MarketID == marketID && p.Status == model.PositionActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: active position for %s in %s", ErrNotFound, userAddress, marketID)
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Status == model.PositionActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Supply positions ---

func (s *MemoryStore) CreateSupplyPosition(_ context.Context, p *model.SupplyPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.supplies[p.ID]; ok {
		return fmt.Errorf("%w: supply position %s", ErrConflict, p.ID)
	}
	for _, existing := range s.supplies {
		if existing.UserAddress == p.UserAddress && existing.MarketID == p.MarketID {
			return fmt.Errorf("%w: supply position exists for %s in %s", ErrConflict, p.UserAddress, p.MarketID)
		}
	}
	cp := *p
	s.supplies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSupplyPosition(_ context.Context, userAddress, marketID string) (*model.SupplyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.supplies {
		if p.UserAddress == userAddress && p.MarketID == marketID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: supply position for %s in %s", ErrNotFound, userAddress, marketID)
}

func (s *MemoryStore) UpdateSupplyPosition(_ context.Context, p *model.SupplyPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.supplies[p.ID]; !ok {
		return fmt.Errorf("%w: supply position %s", ErrNotFound, p.ID)
	}
	cp := *p
	s.supplies[p.ID] = &cp
	return nil
}

// --- Idempotency events ---

func (s *MemoryStore) InsertEventIfAbsent(_ context.Context, e *model.AppEvent) (bool, *model.AppEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if existingID, ok := s.eventsKey[e.IdempotencyKey]; ok {
			cp := *s.events[existingID]
			return false, &cp, nil
		}
	}

	cp := *e
	s.events[e.ID] = &cp
	if e.IdempotencyKey != "" {
		s.eventsKey[e.IdempotencyKey] = e.ID
	}
	out := cp
	return true, &out, nil
}

func (s *MemoryStore) UpdateEventStatus(_ context.Context, id, fromStatus string, patch EventPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return false, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	if e.Status != fromStatus {
		return false, nil
	}

	e.Status = patch.Status
	if patch.Payload != nil {
		e.Payload = patch.Payload
	}
	e.ErrorCode = patch.ErrorCode
	e.ErrorMessage = patch.ErrorMessage
	if patch.Retried {
		e.Retried = true
	}
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetEventTxHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	if e.Status != model.EventPending {
		return fmt.Errorf("%w: event %s is %s", ErrConflict, id, e.Status)
	}
	if e.TxHash != "" && e.TxHash != hash {
		return fmt.Errorf("%w: event %s already bound to %s", ErrConflict, id, e.TxHash)
	}
	e.TxHash = hash
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.AppEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

// --- On-chain transaction replay guard ---

func (s *MemoryStore) InsertTxIfAbsent(_ context.Context, tx *model.OnchainTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[tx.Hash]; ok {
		return false, nil
	}
	cp := *tx
	s.txs[tx.Hash] = &cp
	return true, nil
}

func (s *MemoryStore) IsTransactionProcessed(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.txs[hash]
	return ok, nil
}
