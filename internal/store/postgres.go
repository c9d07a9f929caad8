package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Every invariant-bearing mutation is a single statement whose WHERE clause
// carries the guard; zero rows affected means the guard rejected it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// parseDecimals converts NUMERIC::TEXT scan targets, rejecting corrupt
// columns instead of silently zeroing them.
func parseDecimals(dst []*decimal.Decimal, src []string) error {
	for i, raw := range src {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", raw, err)
		}
		*dst[i] = v
	}
	return nil
}

const marketColumns = `id, collateral_asset, debt_asset,
	max_ltv_ratio::TEXT, liquidation_ltv_ratio::TEXT, base_interest_rate::TEXT,
	liquidation_penalty::TEXT, min_collateral_amount::TEXT, min_borrow_amount::TEXT,
	min_supply_amount::TEXT, total_supplied::TEXT, total_borrowed::TEXT,
	global_yield_index::TEXT, last_index_update, reserve_factor::TEXT,
	is_active, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var maxLTV, liqLTV, rate, penalty, minColl, minBorrow, minSupply,
		supplied, borrowed, index, reserve string

	err := row.Scan(&m.ID, &m.CollateralAsset, &m.DebtAsset,
		&maxLTV, &liqLTV, &rate,
		&penalty, &minColl, &minBorrow,
		&minSupply, &supplied, &borrowed,
		&index, &m.LastIndexUpdate, &reserve,
		&m.IsActive, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(
		[]*decimal.Decimal{&m.MaxLTVRatio, &m.LiquidationLTVRatio, &m.BaseInterestRate,
			&m.LiquidationPenalty, &m.MinCollateralAmount, &m.MinBorrowAmount,
			&m.MinSupplyAmount, &m.TotalSupplied, &m.TotalBorrowed,
			&m.GlobalYieldIndex, &m.ReserveFactor},
		[]string{maxLTV, liqLTV, rate, penalty, minColl, minBorrow,
			minSupply, supplied, borrowed, index, reserve},
	); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}

	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, collateral_asset, debt_asset, max_ltv_ratio, liquidation_ltv_ratio,
		     base_interest_rate, liquidation_penalty, min_collateral_amount, min_borrow_amount,
		     min_supply_amount, total_supplied, total_borrowed, global_yield_index,
		     last_index_update, reserve_factor, is_active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		     $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15::NUMERIC, $16, $17)`,
		m.ID, m.CollateralAsset, m.DebtAsset, m.MaxLTVRatio.String(), m.LiquidationLTVRatio.String(),
		m.BaseInterestRate.String(), m.LiquidationPenalty.String(), m.MinCollateralAmount.String(),
		m.MinBorrowAmount.String(), m.MinSupplyAmount.String(), m.TotalSupplied.String(),
		m.TotalBorrowed.String(), m.GlobalYieldIndex.String(), m.LastIndexUpdate,
		m.ReserveFactor.String(), m.IsActive, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SetMarketActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AdjustPoolAggregates(ctx context.Context, marketID string, suppliedDelta, borrowedDelta decimal.Decimal) error {
	// The guard lives in the WHERE clause so the check and the write are one
	// atomic statement under concurrency.
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET total_supplied = total_supplied + $2::NUMERIC,
		     total_borrowed = total_borrowed + $3::NUMERIC
		 WHERE id = $1
		   AND total_supplied + $2::NUMERIC >= 0
		   AND total_borrowed + $3::NUMERIC >= 0
		   AND total_borrowed + $3::NUMERIC <= total_supplied + $2::NUMERIC`,
		marketID, suppliedDelta.String(), borrowedDelta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetMarket(ctx, marketID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: market %s suppliedDelta=%s borrowedDelta=%s", ErrInvariantViolated,
			marketID, suppliedDelta, borrowedDelta)
	}
	return nil
}

func (s *PostgresStore) AdvanceYieldIndex(ctx context.Context, marketID string, index decimal.Decimal, updatedAt time.Time) error {
	// Monotonic guard: a stale writer affects zero rows and that is fine.
	_, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET global_yield_index = $2::NUMERIC, last_index_update = $3
		 WHERE id = $1 AND global_yield_index <= $2::NUMERIC`,
		marketID, index.String(), updatedAt,
	)
	return err
}

// --- Borrower positions ---

const positionColumns = `id, user_address, market_id, collateral_amount::TEXT,
	loan_principal::TEXT, interest_accrued::TEXT, interest_rate_at_open::TEXT,
	last_interest_update, status, COALESCE(escrow_id, ''), COALESCE(loan_id, ''),
	created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var collateral, principal, interest, rate string

	err := row.Scan(&p.ID, &p.UserAddress, &p.MarketID, &collateral,
		&principal, &interest, &rate,
		&p.LastInterestUpdate, &p.Status, &p.EscrowID, &p.LoanID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(
		[]*decimal.Decimal{&p.CollateralAmount, &p.LoanPrincipal, &p.InterestAccrued, &p.InterestRateAtOpen},
		[]string{collateral, principal, interest, rate},
	); err != nil {
		return nil, fmt.Errorf("position %s: %w", p.ID, err)
	}

	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	// A partial unique index on (user_address, market_id) WHERE status =
	// 'ACTIVE' backs the one-active-position-per-pair rule.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_address, market_id, collateral_amount, loan_principal,
		     interest_accrued, interest_rate_at_open, last_interest_update, status,
		     escrow_id, loan_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9,
		     NULLIF($10, ''), NULLIF($11, ''), $12, $13)`,
		p.ID, p.UserAddress, p.MarketID, p.CollateralAmount.String(), p.LoanPrincipal.String(),
		p.InterestAccrued.String(), p.InterestRateAtOpen.String(), p.LastInterestUpdate, p.Status,
		p.EscrowID, p.LoanID, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetActivePosition(ctx context.Context, userAddress, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_address = $1 AND market_id = $2 AND status = 'ACTIVE'`,
		userAddress, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: active position for %s in %s", ErrNotFound, userAddress, marketID)
		}
		return nil, fmt.Errorf("get active position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET collateral_amount = $2::NUMERIC, loan_principal = $3::NUMERIC,
		     interest_accrued = $4::NUMERIC, last_interest_update = $5, status = $6,
		     escrow_id = NULLIF($7, ''), loan_id = NULLIF($8, ''), updated_at = $9
		 WHERE id = $1`,
		p.ID, p.CollateralAmount.String(), p.LoanPrincipal.String(),
		p.InterestAccrued.String(), p.LastInterestUpdate, p.Status,
		p.EscrowID, p.LoanID, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND status = 'ACTIVE' ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Supply positions ---

const supplyColumns = `id, user_address, market_id, supply_amount::TEXT,
	yield_index::TEXT, status, created_at, updated_at`

func scanSupplyPosition(row pgx.Row) (*model.SupplyPosition, error) {
	var p model.SupplyPosition
	var amount, index string

	err := row.Scan(&p.ID, &p.UserAddress, &p.MarketID, &amount,
		&index, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(
		[]*decimal.Decimal{&p.SupplyAmount, &p.YieldIndex},
		[]string{amount, index},
	); err != nil {
		return nil, fmt.Errorf("supply position %s: %w", p.ID, err)
	}

	return &p, nil
}

func (s *PostgresStore) CreateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supply_positions (id, user_address, market_id, supply_amount, yield_index,
		     status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		p.ID, p.UserAddress, p.MarketID, p.SupplyAmount.String(), p.YieldIndex.String(),
		p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSupplyPosition(ctx context.Context, userAddress, marketID string) (*model.SupplyPosition, error) {
	p, err := scanSupplyPosition(s.pool.QueryRow(ctx,
		`SELECT `+supplyColumns+` FROM supply_positions
		 WHERE user_address = $1 AND market_id = $2`, userAddress, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: supply position for %s in %s", ErrNotFound, userAddress, marketID)
		}
		return nil, fmt.Errorf("get supply position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdateSupplyPosition(ctx context.Context, p *model.SupplyPosition) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE supply_positions
		 SET supply_amount = $2::NUMERIC, yield_index = $3::NUMERIC, status = $4, updated_at = $5
		 WHERE id = $1`,
		p.ID, p.SupplyAmount.String(), p.YieldIndex.String(), p.Status, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: supply position %s", ErrNotFound, p.ID)
	}
	return nil
}

// --- Idempotency events ---

const eventColumns = `id, event_type, status, COALESCE(idempotency_key, ''), user_address,
	market_id, COALESCE(position_id, ''), COALESCE(tx_hash, ''), payload, COALESCE(error_code, ''),
	COALESCE(error_message, ''), retried, created_at, updated_at`

func scanEvent(row pgx.Row) (*model.AppEvent, error) {
	var e model.AppEvent
	err := row.Scan(&e.ID, &e.EventType, &e.Status, &e.IdempotencyKey, &e.UserAddress,
		&e.MarketID, &e.PositionID, &e.TxHash, &e.Payload, &e.ErrorCode,
		&e.ErrorMessage, &e.Retried, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) InsertEventIfAbsent(ctx context.Context, e *model.AppEvent) (bool, *model.AppEvent, error) {
	// Insert, swallow the unique-key conflict, then read back whichever row
	// owns the key. The unique index on idempotency_key makes the insert the
	// atomic arbiter; never read-then-write.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO app_events (id, event_type, status, idempotency_key, user_address,
		     market_id, position_id, tx_hash, payload, retried, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, FALSE, $10, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.EventType, e.Status, e.IdempotencyKey, e.UserAddress,
		e.MarketID, e.PositionID, e.TxHash, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert event: %w", err)
	}

	if tag.RowsAffected() == 1 {
		got, err := s.GetEvent(ctx, e.ID)
		if err != nil {
			return false, nil, err
		}
		return true, got, nil
	}

	existing, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM app_events WHERE idempotency_key = $1`, e.IdempotencyKey))
	if err != nil {
		return false, nil, fmt.Errorf("fetch existing event for key %s: %w", e.IdempotencyKey, err)
	}
	return false, existing, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id, fromStatus string, patch EventPatch) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE app_events
		 SET status = $3,
		     payload = COALESCE($4, payload),
		     error_code = NULLIF($5, ''),
		     error_message = NULLIF($6, ''),
		     retried = retried OR $7,
		     updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, fromStatus, patch.Status, patch.Payload, patch.ErrorCode, patch.ErrorMessage, patch.Retried,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetEventTxHash(ctx context.Context, id, hash string) error {
	// First write wins; the predicate makes rebinding a different hash or a
	// settled event affect zero rows.
	tag, err := s.pool.Exec(ctx,
		`UPDATE app_events
		 SET tx_hash = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'PENDING'
		   AND (tx_hash IS NULL OR tx_hash = $2)`,
		id, hash,
	)
	if err != nil {
		return fmt.Errorf("bind tx to event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s", ErrConflict, id)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.AppEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM app_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// --- On-chain transaction replay guard ---

func (s *PostgresStore) InsertTxIfAbsent(ctx context.Context, tx *model.OnchainTransaction) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO onchain_transactions (hash, user_address, market_id, tx_type, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (hash) DO NOTHING`,
		tx.Hash, tx.UserAddress, tx.MarketID, tx.TxType, tx.Amount.String(), tx.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) IsTransactionProcessed(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM onchain_transactions WHERE hash = $1)`, hash).Scan(&exists)
	return exists, err
}
