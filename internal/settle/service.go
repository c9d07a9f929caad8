package settle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/assets"
	"github.com/atmx/lending-engine/internal/calc"
	"github.com/atmx/lending-engine/internal/eventlog"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/pool"
	"github.com/atmx/lending-engine/internal/store"
)

// Service coordinates settlement workflows. There is no in-process global
// lock: correctness rests on the event ledger's unique-key acquisition and
// the store's guarded single-statement aggregate updates, which serialize
// concurrent requests at the database.
type Service struct {
	store  store.Store
	pool   *pool.Accountant
	events *eventlog.Ledger
	chain  ledger.Client
	oracle ledger.Oracle
	assets *assets.Registry

	// poolAddress is the on-chain account that receives inbound collateral,
	// repayments, and supplied liquidity, and that outbound payments draw
	// from. Signing is the ledger client's concern.
	poolAddress string

	awaitAttempts int
	awaitInterval time.Duration

	now   func() time.Time
	wsHub *WSHub // optional event broadcast hub
}

// Config carries Service construction parameters.
type Config struct {
	Store         store.Store
	Pool          *pool.Accountant
	Events        *eventlog.Ledger
	Chain         ledger.Client
	Oracle        ledger.Oracle
	Assets        *assets.Registry
	PoolAddress   string
	AwaitAttempts int           // ledger finality polling budget; 0 → 10
	AwaitInterval time.Duration // 0 → 2s
	Hub           *WSHub        // nil disables broadcasting
}

// NewService creates a settlement service.
func NewService(cfg Config) *Service {
	if cfg.AwaitAttempts <= 0 {
		cfg.AwaitAttempts = 10
	}
	if cfg.AwaitInterval <= 0 {
		cfg.AwaitInterval = 2 * time.Second
	}
	return &Service{
		store:         cfg.Store,
		pool:          cfg.Pool,
		events:        cfg.Events,
		chain:         cfg.Chain,
		oracle:        cfg.Oracle,
		assets:        cfg.Assets,
		poolAddress:   cfg.PoolAddress,
		awaitAttempts: cfg.AwaitAttempts,
		awaitInterval: cfg.AwaitInterval,
		now:           func() time.Time { return time.Now().UTC() },
		wsHub:         cfg.Hub,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.pool.SetClock(now)
}

// --- Shared workflow steps ---

// resolveMarket loads the market with its yield index progressed to now and
// rejects missing or inactive markets.
func (s *Service) resolveMarket(ctx context.Context, marketID string) (*model.Market, *Error) {
	m, err := s.pool.UpdateGlobalYieldIndex(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(CodeMarketNotFound, "market %s not found", marketID)
		}
		return nil, classify(err)
	}
	if !m.IsActive {
		return nil, errf(CodeMarketInactive, "market %s is not active", marketID)
	}
	return m, nil
}

// acquire claims the idempotency key. When the operation already completed,
// the stored payload is unmarshalled into result and replay=true returned.
// The returned event carries any transaction hash bound by an earlier
// attempt; workflows resume with it instead of repeating the transfer.
func (s *Service) acquire(ctx context.Context, p eventlog.AcquireParams, result any) (ev *model.AppEvent, replay bool, e *Error) {
	acq, err := s.events.Acquire(ctx, p)
	if err != nil {
		return nil, false, classify(err)
	}
	if acq.Replay {
		metrics.IdempotentReplays.Inc()
		if err := json.Unmarshal(acq.Event.Payload, result); err != nil {
			return nil, false, errf(CodeInternal, "replay payload corrupt for key %s: %v", p.IdempotencyKey, err)
		}
		return acq.Event, true, nil
	}
	return acq.Event, false, nil
}

// fail marks the event FAILED and returns the error for the caller. The
// terminal status write must land before the workflow returns; if even that
// fails, it is logged — the reconciliation sweep for stuck PENDING events is
// operational tooling outside this core.
func (s *Service) fail(ctx context.Context, eventID string, e *Error) *Error {
	if err := s.events.Fail(ctx, eventID, e.Code, e.Message); err != nil {
		slog.Error("failed to mark event FAILED", "event_id", eventID, "code", e.Code, "err", err)
	}
	return e
}

// complete marks the event COMPLETED with the result payload embedded.
func (s *Service) complete(ctx context.Context, eventID string, result any) *Error {
	if err := s.events.Complete(ctx, eventID, result); err != nil {
		return classify(err)
	}
	return nil
}

// consumeInbound claims a verified inbound transaction in the replay guard
// and binds it to the event. A hash this event already consumed on an earlier
// attempt is honored rather than rejected, so a failure after the claim does
// not strand the transfer; any other already-seen hash is a replay.
func (s *Service) consumeInbound(ctx context.Context, ev *model.AppEvent, hash, txType string, amount decimal.Decimal) *Error {
	if ev.TxHash == hash {
		return nil
	}
	inserted, err := s.store.InsertTxIfAbsent(ctx, &model.OnchainTransaction{
		Hash:        hash,
		UserAddress: ev.UserAddress,
		MarketID:    ev.MarketID,
		TxType:      txType,
		Amount:      amount,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return classify(err)
	}
	if !inserted {
		return errf(CodeTxAlreadyProcessed, "transaction %s already processed", hash)
	}
	if err := s.events.BindTx(ctx, ev.ID, hash); err != nil {
		return classify(err)
	}
	ev.TxHash = hash
	return nil
}

// submitOnce pays out at most once per event: the validated hash is bound to
// the event before anything else happens, so a retry after a downstream
// failure reuses the recorded payment instead of submitting a second one.
// A non-empty hash returned alongside an error means the payment validated
// but could not be recorded; callers must not compensate in that case.
func (s *Service) submitOnce(ctx context.Context, ev *model.AppEvent, destination, assetSymbol string, amount decimal.Decimal, memo string) (string, *Error) {
	if ev.TxHash != "" {
		return ev.TxHash, nil
	}
	hash, e := s.payOut(ctx, destination, assetSymbol, amount, memo)
	if e != nil {
		return "", e
	}
	if err := s.events.BindTx(ctx, ev.ID, hash); err != nil {
		return hash, classify(err)
	}
	ev.TxHash = hash
	return hash, nil
}

// recordOutbound files an outbound hash in the replay guard for auditing.
// The hash is ledger-generated, so a duplicate can only be this event's own
// earlier attempt and is not an error.
func (s *Service) recordOutbound(ctx context.Context, ev *model.AppEvent, hash, txType string, amount decimal.Decimal) *Error {
	_, err := s.store.InsertTxIfAbsent(ctx, &model.OnchainTransaction{
		Hash:        hash,
		UserAddress: ev.UserAddress,
		MarketID:    ev.MarketID,
		TxType:      txType,
		Amount:      amount,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// verifyInbound awaits finality of a user-submitted transaction and checks
// it paid the pool address in the expected asset. When expectedAmount is
// positive the on-chain amount must match it exactly.
func (s *Service) verifyInbound(ctx context.Context, txHash, assetSymbol string, expectedAmount decimal.Decimal) (ledger.TxInfo, *Error) {
	asset, err := s.assets.Resolve(assetSymbol)
	if err != nil {
		return ledger.TxInfo{}, classify(err)
	}
	info, err := ledger.AwaitValidated(ctx, s.chain, txHash, s.awaitAttempts, s.awaitInterval)
	if err != nil {
		return ledger.TxInfo{}, classify(err)
	}
	amount := info.Amount
	if expectedAmount.IsPositive() {
		amount = expectedAmount
	}
	if err := ledger.VerifyInbound(info, s.poolAddress, asset.Code, asset.Issuer, amount); err != nil {
		return ledger.TxInfo{}, classify(err)
	}
	if info.Amount.LessThanOrEqual(decimal.Zero) {
		return ledger.TxInfo{}, errf(CodeInvalidAmount, "transaction %s carries no positive amount", txHash)
	}
	return info, nil
}

// payOut submits an outbound payment from the pool account and awaits its
// validation. Exactly one submission per workflow attempt.
func (s *Service) payOut(ctx context.Context, destination, assetSymbol string, amount decimal.Decimal, memo string) (string, *Error) {
	asset, err := s.assets.Resolve(assetSymbol)
	if err != nil {
		return "", classify(err)
	}
	res, err := s.chain.SubmitTransaction(ctx, ledger.Payment{
		Destination: destination,
		Currency:    asset.Code,
		Issuer:      asset.Issuer,
		Amount:      amount.RoundDown(calc.TokenScale),
		Memo:        memo,
	})
	if err != nil {
		return "", classify(err)
	}
	info, err := ledger.AwaitValidated(ctx, s.chain, res.Hash, s.awaitAttempts, s.awaitInterval)
	if err != nil {
		return "", classify(err)
	}
	return info.Hash, nil
}

// accruePosition folds outstanding interest into the position up to now.
// Every balance mutation must run after this, never against stale accrual.
func accruePosition(p *model.Position, now time.Time) error {
	interest, err := calc.InterestAccrued(p.LoanPrincipal, p.InterestRateAtOpen, p.LastInterestUpdate, now)
	if err != nil {
		return err
	}
	p.InterestAccrued = p.InterestAccrued.Add(interest)
	p.LastInterestUpdate = now
	return nil
}

func (s *Service) prices(ctx context.Context, marketID string) (ledger.Prices, *Error) {
	pr, err := s.oracle.GetPrices(ctx, marketID)
	if err != nil {
		return ledger.Prices{}, classify(err)
	}
	return pr, nil
}

// --- Deposit ---

// DepositRequest references an inbound collateral transfer the user already
// submitted to the external ledger.
type DepositRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	TxHash         string          `json:"tx_hash"`
	Amount         decimal.Decimal `json:"amount,omitempty"` // optional expected amount cross-check
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Deposit verifies an inbound collateral transfer and credits it to the
// user's position, creating the position on first deposit.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*model.DepositResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.DepositResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventDeposit,
		IdempotencyKey: req.IdempotencyKey,
		UserAddress:    req.UserAddress,
		MarketID:       req.MarketID,
	}, &result)
	if e != nil {
		return nil, e
	}
	if replay {
		return &result, nil
	}

	info, e := s.verifyInbound(ctx, req.TxHash, m.CollateralAsset, req.Amount)
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}
	if info.Amount.LessThan(m.MinCollateralAmount) {
		return nil, s.fail(ctx, ev.ID, errf(CodeBelowMinimum,
			"deposit %s below market minimum %s", info.Amount, m.MinCollateralAmount))
	}
	if e := s.consumeInbound(ctx, ev, info.Hash, model.EventDeposit, info.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	now := s.now()
	p, err := s.store.GetActivePosition(ctx, req.UserAddress, req.MarketID)
	switch {
	case err == nil:
		if aerr := accruePosition(p, now); aerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(aerr))
		}
		p.CollateralAmount = p.CollateralAmount.Add(info.Amount)
		p.UpdatedAt = now
		if uerr := s.store.UpdatePosition(ctx, p); uerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(uerr))
		}
	case errors.Is(err, store.ErrNotFound):
		p = &model.Position{
			ID:                 uuid.New().String(),
			UserAddress:        req.UserAddress,
			MarketID:           req.MarketID,
			CollateralAmount:   info.Amount,
			LoanPrincipal:      decimal.Zero,
			InterestAccrued:    decimal.Zero,
			InterestRateAtOpen: m.BaseInterestRate,
			LastInterestUpdate: now,
			Status:             model.PositionActive,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if cerr := s.store.CreatePosition(ctx, p); cerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(cerr))
		}
	default:
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	result = model.DepositResult{
		PositionID:       p.ID,
		TxHash:           info.Hash,
		CollateralAmount: p.CollateralAmount,
		DepositedAmount:  info.Amount,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("deposit settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", info.Amount.String(),
		"tx", info.Hash,
	)
	metrics.SettlementsTotal.WithLabelValues("deposit", "ok").Inc()
	s.broadcast(WSMessage{Type: "deposit", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: info.Amount.String()})
	return &result, nil
}

// --- Borrow ---

// BorrowRequest asks the engine to pay out debt asset against collateral.
type BorrowRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Borrow validates collateralization and pool liquidity, reserves the
// borrowed amount through the guarded pool chokepoint, then pays out.
func (s *Service) Borrow(ctx context.Context, req BorrowRequest) (*model.BorrowResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.BorrowResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventBorrow,
		IdempotencyKey: req.IdempotencyKey,
		UserAddress:    req.UserAddress,
		MarketID:       req.MarketID,
	}, &result)
	if e != nil {
		return nil, e
	}
	if replay {
		return &result, nil
	}

	// A retry that already paid out resumes at the state write; the guards
	// and the pool reservation were applied on the attempt that paid.
	resumed := ev.TxHash != ""

	if !resumed {
		if !req.Amount.IsPositive() {
			return nil, s.fail(ctx, ev.ID, errf(CodeInvalidAmount, "borrow amount must be positive"))
		}
		if req.Amount.LessThan(m.MinBorrowAmount) {
			return nil, s.fail(ctx, ev.ID, errf(CodeBelowMinimum,
				"borrow %s below market minimum %s", req.Amount, m.MinBorrowAmount))
		}
	}

	p, err := s.store.GetActivePosition(ctx, req.UserAddress, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.fail(ctx, ev.ID, errf(CodeNoActivePosition,
				"no active position for %s in %s", req.UserAddress, req.MarketID))
		}
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	now := s.now()
	if aerr := accruePosition(p, now); aerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(aerr))
	}

	if !resumed {
		pr, e := s.prices(ctx, req.MarketID)
		if e != nil {
			return nil, s.fail(ctx, ev.ID, e)
		}

		collateralValue := p.CollateralAmount.Mul(pr.CollateralUSD)
		newDebtValue := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued).Add(req.Amount).Mul(pr.DebtUSD)
		if newDebtValue.GreaterThan(collateralValue.Mul(m.MaxLTVRatio)) {
			return nil, s.fail(ctx, ev.ID, errf(CodeExceedsMaxLTV,
				"new debt value %s exceeds max LTV of collateral value %s", newDebtValue, collateralValue))
		}
		if req.Amount.GreaterThan(s.pool.AvailableLiquidity(m)) {
			return nil, s.fail(ctx, ev.ID, errf(CodeInsufficientLiquidity,
				"borrow %s exceeds available liquidity %s", req.Amount, s.pool.AvailableLiquidity(m)))
		}

		// The guarded aggregate update is authoritative; the pre-check above
		// ran against a possibly stale snapshot and concurrent borrows race
		// here.
		if err := s.pool.AddToTotalBorrowed(ctx, req.MarketID, req.Amount); err != nil {
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
	}

	txHash, e := s.submitOnce(ctx, ev, req.UserAddress, m.DebtAsset, req.Amount, "borrow")
	if e != nil {
		if txHash == "" {
			// The payout never validated; release the reservation.
			if rerr := s.pool.RemoveFromTotalBorrowed(ctx, req.MarketID, req.Amount); rerr != nil {
				slog.Error("failed to release borrow reservation", "market", req.MarketID, "err", rerr)
			}
		}
		return nil, s.fail(ctx, ev.ID, e)
	}
	if e := s.recordOutbound(ctx, ev, txHash, model.EventBorrow, req.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	p.LoanPrincipal = p.LoanPrincipal.Add(req.Amount)
	p.UpdatedAt = now
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	result = model.BorrowResult{
		PositionID:      p.ID,
		TxHash:          txHash,
		BorrowedAmount:  req.Amount,
		LoanPrincipal:   p.LoanPrincipal,
		InterestAccrued: p.InterestAccrued,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("borrow settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", req.Amount.String(),
		"principal", p.LoanPrincipal.String(),
		"tx", txHash,
	)
	metrics.SettlementsTotal.WithLabelValues("borrow", "ok").Inc()
	s.broadcast(WSMessage{Type: "borrow", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: req.Amount.String()})
	return &result, nil
}

// --- Repay ---

// RepayRequest references an inbound debt-asset transfer the user already
// submitted.
type RepayRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	TxHash         string          `json:"tx_hash"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Repay verifies the inbound transfer and allocates it interest-first, then
// principal; any excess is refunded on-chain.
func (s *Service) Repay(ctx context.Context, req RepayRequest) (*model.RepayResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.RepayResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventRepay,
		IdempotencyKey: req.IdempotencyKey,
		UserAddress:    req.UserAddress,
		MarketID:       req.MarketID,
	}, &result)
	if e != nil {
		return nil, e
	}
	if replay {
		return &result, nil
	}

	p, err := s.store.GetActivePosition(ctx, req.UserAddress, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.fail(ctx, ev.ID, errf(CodeNoActivePosition,
				"no active position for %s in %s", req.UserAddress, req.MarketID))
		}
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	info, e := s.verifyInbound(ctx, req.TxHash, m.DebtAsset, req.Amount)
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}
	if e := s.consumeInbound(ctx, ev, info.Hash, model.EventRepay, info.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	now := s.now()
	if aerr := accruePosition(p, now); aerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(aerr))
	}

	alloc, aerr := calc.AllocateRepayment(info.Amount, p.InterestAccrued, p.LoanPrincipal)
	if aerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(aerr))
	}

	var refundHash string
	if alloc.Excess.IsPositive() {
		if ev.Retried {
			// The first attempt may already have sent the refund; never risk
			// paying it twice. The excess stays in the pool account for
			// reconciliation.
			slog.Warn("refund withheld on retried repayment",
				"user", req.UserAddress, "market", req.MarketID,
				"excess", alloc.Excess.String(), "event_id", ev.ID)
		} else {
			refundHash, e = s.payOut(ctx, req.UserAddress, m.DebtAsset, alloc.Excess, "repayment excess refund")
			if e != nil {
				return nil, s.fail(ctx, ev.ID, e)
			}
		}
	}

	prior := *p
	p.InterestAccrued = p.InterestAccrued.Sub(alloc.InterestPaid)
	p.LoanPrincipal = p.LoanPrincipal.Sub(alloc.PrincipalPaid)
	p.UpdatedAt = now
	closed := p.LoanPrincipal.IsZero() && p.InterestAccrued.IsZero() && p.CollateralAmount.IsZero()
	if closed {
		p.Status = model.PositionClosed
	}
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	if alloc.PrincipalPaid.IsPositive() {
		if err := s.pool.RemoveFromTotalBorrowed(ctx, req.MarketID, alloc.PrincipalPaid); err != nil {
			// Restore the balances so a retry re-runs the allocation against
			// consistent state.
			if uerr := s.store.UpdatePosition(ctx, &prior); uerr != nil {
				slog.Error("failed to restore position after pool failure", "position", prior.ID, "err", uerr)
			}
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
	}

	result = model.RepayResult{
		PositionID:        p.ID,
		TxHash:            info.Hash,
		InterestPaid:      alloc.InterestPaid,
		PrincipalPaid:     alloc.PrincipalPaid,
		Excess:            alloc.Excess,
		RefundTxHash:      refundHash,
		RemainingDebt:     calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued),
		RemainingInterest: p.InterestAccrued,
		PositionClosed:    closed,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("repayment settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"interest_paid", alloc.InterestPaid.String(),
		"principal_paid", alloc.PrincipalPaid.String(),
		"excess", alloc.Excess.String(),
		"tx", info.Hash,
	)
	metrics.SettlementsTotal.WithLabelValues("repay", "ok").Inc()
	s.broadcast(WSMessage{Type: "repay", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: info.Amount.String()})
	return &result, nil
}

// --- Withdraw ---

// WithdrawRequest asks for collateral to be released to the user.
type WithdrawRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Withdraw releases collateral, keeping the position within max LTV.
// Escrow-backed collateral can only be released in full and only once the
// debt is fully repaid — the on-chain escrow has no partial release.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*model.WithdrawResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.WithdrawResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventWithdraw,
		IdempotencyKey: req.IdempotencyKey,
		UserAddress:    req.UserAddress,
		MarketID:       req.MarketID,
	}, &result)
	if e != nil {
		return nil, e
	}
	if replay {
		return &result, nil
	}

	// A retry that already paid out resumes at the state write.
	resumed := ev.TxHash != ""

	if !resumed && !req.Amount.IsPositive() {
		return nil, s.fail(ctx, ev.ID, errf(CodeInvalidAmount, "withdraw amount must be positive"))
	}

	p, err := s.store.GetActivePosition(ctx, req.UserAddress, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.fail(ctx, ev.ID, errf(CodeNoActivePosition,
				"no active position for %s in %s", req.UserAddress, req.MarketID))
		}
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	now := s.now()
	if aerr := accruePosition(p, now); aerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(aerr))
	}

	if !resumed {
		if req.Amount.GreaterThan(p.CollateralAmount) {
			return nil, s.fail(ctx, ev.ID, errf(CodeInsufficientCollateral,
				"withdraw %s exceeds collateral %s", req.Amount, p.CollateralAmount))
		}

		if p.EscrowID != "" {
			// Escrow release is all-or-nothing.
			debt := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued)
			if !debt.IsZero() {
				return nil, s.fail(ctx, ev.ID, errf(CodeOutstandingDebt,
					"escrow-backed collateral requires zero debt, outstanding %s", debt))
			}
			if !req.Amount.Equal(p.CollateralAmount) {
				return nil, s.fail(ctx, ev.ID, errf(CodePartialEscrowRelease,
					"escrow can only be released in full (%s)", p.CollateralAmount))
			}
		} else {
			pr, e := s.prices(ctx, req.MarketID)
			if e != nil {
				return nil, s.fail(ctx, ev.ID, e)
			}
			debtValue := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued).Mul(pr.DebtUSD)
			maxOut, merr := calc.MaxWithdrawable(p.CollateralAmount, debtValue, m.MaxLTVRatio, pr.CollateralUSD)
			if merr != nil {
				return nil, s.fail(ctx, ev.ID, classify(merr))
			}
			if req.Amount.GreaterThan(maxOut) {
				return nil, s.fail(ctx, ev.ID, errf(CodeExceedsMaxLTV,
					"withdrawing %s would breach max LTV, at most %s is free", req.Amount, maxOut))
			}
		}
	}

	txHash, e := s.submitOnce(ctx, ev, req.UserAddress, m.CollateralAsset, req.Amount, "collateral withdrawal")
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}
	if e := s.recordOutbound(ctx, ev, txHash, model.EventWithdraw, req.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	p.CollateralAmount = p.CollateralAmount.Sub(req.Amount)
	if p.CollateralAmount.IsZero() {
		p.EscrowID = ""
	}
	p.UpdatedAt = now
	closed := p.LoanPrincipal.IsZero() && p.InterestAccrued.IsZero() && p.CollateralAmount.IsZero()
	if closed {
		p.Status = model.PositionClosed
	}
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	result = model.WithdrawResult{
		PositionID:          p.ID,
		TxHash:              txHash,
		WithdrawnAmount:     req.Amount,
		RemainingCollateral: p.CollateralAmount,
		PositionClosed:      closed,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("withdrawal settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", req.Amount.String(),
		"remaining", p.CollateralAmount.String(),
		"tx", txHash,
	)
	metrics.SettlementsTotal.WithLabelValues("withdraw", "ok").Inc()
	s.broadcast(WSMessage{Type: "withdraw", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: req.Amount.String()})
	return &result, nil
}

// --- Reads ---

// GetPositionWithMetrics returns the user's position with freshly accrued
// interest and derived risk metrics. Read-only: the accrual is computed, not
// persisted.
func (s *Service) GetPositionWithMetrics(ctx context.Context, userAddress, marketID string) (*model.PositionMetrics, *Error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(CodeMarketNotFound, "market %s not found", marketID)
		}
		return nil, classify(err)
	}

	p, err := s.store.GetActivePosition(ctx, userAddress, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(CodeNoActivePosition, "no active position for %s in %s", userAddress, marketID)
		}
		return nil, classify(err)
	}
	if aerr := accruePosition(p, s.now()); aerr != nil {
		return nil, classify(aerr)
	}

	pr, e := s.prices(ctx, marketID)
	if e != nil {
		return nil, e
	}

	debt := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued)
	debtValue := debt.Mul(pr.DebtUSD)
	collateralValue := p.CollateralAmount.Mul(pr.CollateralUSD)

	ltv, cerr := calc.ComputeLTV(debtValue, collateralValue)
	if cerr != nil {
		return nil, classify(cerr)
	}
	hf, hfInf := calc.HealthFactor(ltv, m.LiquidationLTVRatio)
	maxBorrow, cerr := calc.MaxBorrowable(collateralValue, debtValue, m.MaxLTVRatio, pr.DebtUSD)
	if cerr != nil {
		return nil, classify(cerr)
	}
	maxOut, cerr := calc.MaxWithdrawable(p.CollateralAmount, debtValue, m.MaxLTVRatio, pr.CollateralUSD)
	if cerr != nil {
		return nil, classify(cerr)
	}

	return &model.PositionMetrics{
		Position:        *p,
		TotalDebt:       debt,
		CurrentLTV:      ltv.Value,
		LTVInfinite:     ltv.Infinite,
		HealthFactor:    hf,
		HealthInfinite:  hfInf,
		IsLiquidatable:  calc.IsLiquidatable(ltv, m.LiquidationLTVRatio),
		MaxBorrowable:   maxBorrow,
		MaxWithdrawable: maxOut,
	}, nil
}

// GetPoolMetrics returns the market's liquidity and rate snapshot with a
// fresh yield index.
func (s *Service) GetPoolMetrics(ctx context.Context, marketID string) (*model.PoolMetrics, *Error) {
	m, err := s.pool.UpdateGlobalYieldIndex(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(CodeMarketNotFound, "market %s not found", marketID)
		}
		return nil, classify(err)
	}
	pm, merr := s.pool.Metrics(m)
	if merr != nil {
		return nil, classify(merr)
	}
	utilization, _ := pm.UtilizationRate.Float64()
	metrics.PoolUtilization.WithLabelValues(marketID).Set(utilization)
	return &pm, nil
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
