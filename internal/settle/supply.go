package settle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/calc"
	"github.com/atmx/lending-engine/internal/eventlog"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// SupplyRequest references an inbound debt-asset transfer supplying pool
// liquidity.
type SupplyRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	TxHash         string          `json:"tx_hash"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Supply verifies an inbound liquidity transfer and credits the supplier's
// position. Adding principal re-derives the position's yield index so that
// yield already accrued under the old balance is preserved, not inflated.
func (s *Service) Supply(ctx context.Context, req SupplyRequest) (*model.SupplyResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.SupplyResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventSupply,
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

	info, e := s.verifyInbound(ctx, req.TxHash, m.DebtAsset, req.Amount)
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}
	if info.Amount.LessThan(m.MinSupplyAmount) {
		return nil, s.fail(ctx, ev.ID, errf(CodeBelowMinimum,
			"supply %s below market minimum %s", info.Amount, m.MinSupplyAmount))
	}
	if e := s.consumeInbound(ctx, ev, info.Hash, model.EventSupply, info.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	now := s.now()
	sp, err := s.store.GetSupplyPosition(ctx, req.UserAddress, req.MarketID)
	prior := sp
	if sp != nil {
		cp := *sp
		prior = &cp
	}
	switch {
	case err == nil && sp.Status == model.PositionActive:
		accrued := calc.AccruedSupplyYield(sp.SupplyAmount, m.GlobalYieldIndex, sp.YieldIndex)
		sp.SupplyAmount = sp.SupplyAmount.Add(info.Amount)
		idx, derr := calc.DeriveYieldIndex(m.GlobalYieldIndex, sp.SupplyAmount, accrued)
		if derr != nil {
			return nil, s.fail(ctx, ev.ID, classify(derr))
		}
		sp.YieldIndex = idx
		sp.UpdatedAt = now
		if uerr := s.store.UpdateSupplyPosition(ctx, sp); uerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(uerr))
		}
	case err == nil:
		// Closed position reopens with a fresh checkpoint at the current
		// index; there is no uncollected yield to carry over.
		sp.SupplyAmount = info.Amount
		sp.YieldIndex = m.GlobalYieldIndex
		sp.Status = model.PositionActive
		sp.UpdatedAt = now
		if uerr := s.store.UpdateSupplyPosition(ctx, sp); uerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(uerr))
		}
	case errors.Is(err, store.ErrNotFound):
		sp = &model.SupplyPosition{
			ID:           uuid.New().String(),
			UserAddress:  req.UserAddress,
			MarketID:     req.MarketID,
			SupplyAmount: info.Amount,
			YieldIndex:   m.GlobalYieldIndex,
			Status:       model.PositionActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if cerr := s.store.CreateSupplyPosition(ctx, sp); cerr != nil {
			return nil, s.fail(ctx, ev.ID, classify(cerr))
		}
	default:
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	if perr := s.pool.AddToTotalSupplied(ctx, req.MarketID, info.Amount); perr != nil {
		// Unwind the position credit so a retry re-runs from a clean slate
		// instead of crediting twice.
		if prior != nil {
			prior.UpdatedAt = now
			if uerr := s.store.UpdateSupplyPosition(ctx, prior); uerr != nil {
				slog.Error("failed to unwind supply credit", "position", sp.ID, "err", uerr)
			}
		} else {
			sp.SupplyAmount = decimal.Zero
			sp.Status = model.PositionClosed
			sp.UpdatedAt = now
			if uerr := s.store.UpdateSupplyPosition(ctx, sp); uerr != nil {
				slog.Error("failed to unwind supply credit", "position", sp.ID, "err", uerr)
			}
		}
		return nil, s.fail(ctx, ev.ID, classify(perr))
	}

	result = model.SupplyResult{
		SupplyPositionID: sp.ID,
		TxHash:           info.Hash,
		SuppliedAmount:   info.Amount,
		SupplyAmount:     sp.SupplyAmount,
		YieldIndex:       sp.YieldIndex,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("supply settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", info.Amount.String(),
		"total", sp.SupplyAmount.String(),
		"tx", info.Hash,
	)
	metrics.SettlementsTotal.WithLabelValues("supply", "ok").Inc()
	s.broadcast(WSMessage{Type: "supply", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: info.Amount.String()})
	return &result, nil
}

// CollectYieldRequest asks for accrued supplier yield to be paid out.
type CollectYieldRequest struct {
	MarketID       string `json:"market_id"`
	UserAddress    string `json:"user_address"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CollectYield pays out the supplier's accrued yield and re-checkpoints the
// position at the current global index.
func (s *Service) CollectYield(ctx context.Context, req CollectYieldRequest) (*model.CollectYieldResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.CollectYieldResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventCollectYield,
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

	sp, err := s.store.GetSupplyPosition(ctx, req.UserAddress, req.MarketID)
	if err != nil || sp.Status != model.PositionActive {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
		return nil, s.fail(ctx, ev.ID, errf(CodeNoSupplyPosition,
			"no active supply position for %s in %s", req.UserAddress, req.MarketID))
	}

	accrued := calc.AccruedSupplyYield(sp.SupplyAmount, m.GlobalYieldIndex, sp.YieldIndex)
	if ev.TxHash == "" && !accrued.IsPositive() {
		return nil, s.fail(ctx, ev.ID, errf(CodeNoYieldToCollect,
			"no yield accrued for %s in %s", req.UserAddress, req.MarketID))
	}

	txHash, e := s.submitOnce(ctx, ev, req.UserAddress, m.DebtAsset, accrued, "yield collection")
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}
	if e := s.recordOutbound(ctx, ev, txHash, model.EventCollectYield, accrued); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	sp.YieldIndex = m.GlobalYieldIndex
	sp.UpdatedAt = s.now()
	if err := s.store.UpdateSupplyPosition(ctx, sp); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	result = model.CollectYieldResult{
		SupplyPositionID: sp.ID,
		TxHash:           txHash,
		YieldCollected:   accrued,
		YieldIndex:       sp.YieldIndex,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("yield collected",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", accrued.String(),
		"tx", txHash,
	)
	metrics.SettlementsTotal.WithLabelValues("collect_yield", "ok").Inc()
	return &result, nil
}

// WithdrawSupplyRequest asks for supplied liquidity to be returned.
type WithdrawSupplyRequest struct {
	MarketID       string          `json:"market_id"`
	UserAddress    string          `json:"user_address"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// WithdrawSupply returns supplied liquidity to the supplier. The guarded
// aggregate update runs before the payout so that liquidity backing
// outstanding loans can never leave the pool. A full withdrawal requires
// accrued yield to be collected first so the checkpoint math stays exact.
func (s *Service) WithdrawSupply(ctx context.Context, req WithdrawSupplyRequest) (*model.WithdrawSupplyResult, *Error) {
	m, e := s.resolveMarket(ctx, req.MarketID)
	if e != nil {
		return nil, e
	}

	var result model.WithdrawSupplyResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventWithdrawSupply,
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

	// A retry that already paid out resumes at the state write; the checks
	// and the reservation were applied on the attempt that paid.
	resumed := ev.TxHash != ""

	if !resumed && !req.Amount.IsPositive() {
		return nil, s.fail(ctx, ev.ID, errf(CodeInvalidAmount, "withdraw amount must be positive"))
	}

	sp, err := s.store.GetSupplyPosition(ctx, req.UserAddress, req.MarketID)
	if err != nil || sp.Status != model.PositionActive {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
		return nil, s.fail(ctx, ev.ID, errf(CodeNoSupplyPosition,
			"no active supply position for %s in %s", req.UserAddress, req.MarketID))
	}

	accrued := calc.AccruedSupplyYield(sp.SupplyAmount, m.GlobalYieldIndex, sp.YieldIndex)
	full := req.Amount.Equal(sp.SupplyAmount)

	if !resumed {
		if req.Amount.GreaterThan(sp.SupplyAmount) {
			return nil, s.fail(ctx, ev.ID, errf(CodeInvalidAmount,
				"withdraw %s exceeds supplied %s", req.Amount, sp.SupplyAmount))
		}
		if full && accrued.IsPositive() {
			return nil, s.fail(ctx, ev.ID, errf(CodeCollectYieldFirst,
				"collect %s accrued yield before closing the supply position", accrued))
		}

		// Reserve first: the guard rejects the removal if it would strand
		// outstanding borrows, before any value moves on-chain.
		if err := s.pool.RemoveFromTotalSupplied(ctx, req.MarketID, req.Amount); err != nil {
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
	}

	txHash, e := s.submitOnce(ctx, ev, req.UserAddress, m.DebtAsset, req.Amount, "supply withdrawal")
	if e != nil {
		if txHash == "" {
			if rerr := s.pool.AddToTotalSupplied(ctx, req.MarketID, req.Amount); rerr != nil {
				slog.Error("failed to restore supplied liquidity", "market", req.MarketID, "err", rerr)
			}
		}
		return nil, s.fail(ctx, ev.ID, e)
	}
	if e := s.recordOutbound(ctx, ev, txHash, model.EventWithdrawSupply, req.Amount); e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	now := s.now()
	sp.SupplyAmount = sp.SupplyAmount.Sub(req.Amount)
	if full {
		sp.Status = model.PositionClosed
		sp.YieldIndex = m.GlobalYieldIndex
	} else if sp.SupplyAmount.IsPositive() {
		idx, derr := calc.DeriveYieldIndex(m.GlobalYieldIndex, sp.SupplyAmount, accrued)
		if derr != nil {
			return nil, s.fail(ctx, ev.ID, classify(derr))
		}
		sp.YieldIndex = idx
	}
	sp.UpdatedAt = now
	if err := s.store.UpdateSupplyPosition(ctx, sp); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	result = model.WithdrawSupplyResult{
		SupplyPositionID: sp.ID,
		TxHash:           txHash,
		WithdrawnAmount:  req.Amount,
		RemainingSupply:  sp.SupplyAmount,
		PositionClosed:   full,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Info("supply withdrawal settled",
		"user", req.UserAddress,
		"market", req.MarketID,
		"amount", req.Amount.String(),
		"remaining", sp.SupplyAmount.String(),
		"tx", txHash,
	)
	metrics.SettlementsTotal.WithLabelValues("withdraw_supply", "ok").Inc()
	return &result, nil
}
