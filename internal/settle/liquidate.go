package settle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/calc"
	"github.com/atmx/lending-engine/internal/eventlog"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// LiquidateRequest targets one borrower position for liquidation.
type LiquidateRequest struct {
	MarketID       string `json:"market_id"`
	UserAddress    string `json:"user_address"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Liquidate closes out an undercollateralized position: seizes collateral
// covering the outstanding debt plus the market's penalty, returns any
// remainder to the borrower, and releases the debt from the pool.
//
// Liquidation runs even on deactivated markets; pausing a market must not
// shelter positions that have gone bad.
func (s *Service) Liquidate(ctx context.Context, req LiquidateRequest) (*model.LiquidationResult, *Error) {
	m, err := s.pool.UpdateGlobalYieldIndex(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(CodeMarketNotFound, "market %s not found", req.MarketID)
		}
		return nil, classify(err)
	}

	var result model.LiquidationResult
	ev, replay, e := s.acquire(ctx, eventlog.AcquireParams{
		EventType:      model.EventLiquidation,
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

	now := s.now()
	if aerr := accruePosition(p, now); aerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(aerr))
	}

	pr, e := s.prices(ctx, req.MarketID)
	if e != nil {
		return nil, s.fail(ctx, ev.ID, e)
	}

	debt := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued)
	debtValue := debt.Mul(pr.DebtUSD)
	collateralValue := p.CollateralAmount.Mul(pr.CollateralUSD)
	ltv, cerr := calc.ComputeLTV(debtValue, collateralValue)
	if cerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(cerr))
	}
	if !calc.IsLiquidatable(ltv, m.LiquidationLTVRatio) {
		return nil, s.fail(ctx, ev.ID, errf(CodeNotLiquidatable,
			"position for %s in %s is healthy", req.UserAddress, req.MarketID))
	}

	seize, cerr := calc.LiquidationCollateral(debtValue, m.LiquidationPenalty, pr.CollateralUSD)
	if cerr != nil {
		return nil, s.fail(ctx, ev.ID, classify(cerr))
	}
	if seize.GreaterThan(p.CollateralAmount) {
		seize = p.CollateralAmount
	}
	remainder := p.CollateralAmount.Sub(seize)

	// Seized collateral already sits in the pool account; only the remainder
	// moves on-chain. The hash bound to the event keeps a retry from
	// refunding twice.
	if remainder.IsPositive() {
		refundHash, e := s.submitOnce(ctx, ev, req.UserAddress, m.CollateralAsset, remainder, "liquidation remainder")
		if e != nil {
			return nil, s.fail(ctx, ev.ID, e)
		}
		if e := s.recordOutbound(ctx, ev, refundHash, model.EventLiquidation, remainder); e != nil {
			return nil, s.fail(ctx, ev.ID, e)
		}
	}

	outstandingPrincipal := p.LoanPrincipal
	prior := *p
	p.CollateralAmount = decimal.Zero
	p.LoanPrincipal = decimal.Zero
	p.InterestAccrued = decimal.Zero
	p.EscrowID = ""
	p.LoanID = ""
	p.Status = model.PositionLiquidated
	p.UpdatedAt = now
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return nil, s.fail(ctx, ev.ID, classify(err))
	}

	if outstandingPrincipal.IsPositive() {
		if err := s.pool.RemoveFromTotalBorrowed(ctx, req.MarketID, outstandingPrincipal); err != nil {
			// Reinstate the position so a retry sees consistent state.
			if uerr := s.store.UpdatePosition(ctx, &prior); uerr != nil {
				slog.Error("failed to reinstate position after pool failure", "position", prior.ID, "err", uerr)
			}
			return nil, s.fail(ctx, ev.ID, classify(err))
		}
	}

	ltvValue := ltv.Value
	result = model.LiquidationResult{
		PositionID:          p.ID,
		UserAddress:         req.UserAddress,
		MarketID:            req.MarketID,
		DebtRepaid:          debt,
		CollateralSeized:    seize,
		CollateralRemainder: remainder,
		LTVAtLiquidation:    ltvValue,
	}
	if e := s.complete(ctx, ev.ID, result); e != nil {
		return nil, e
	}

	slog.Warn("position liquidated",
		"user", req.UserAddress,
		"market", req.MarketID,
		"debt", debt.String(),
		"seized", seize.String(),
		"remainder", remainder.String(),
		"ltv", ltvValue.String(),
	)
	metrics.SettlementsTotal.WithLabelValues("liquidation", "ok").Inc()
	metrics.LiquidationsTotal.WithLabelValues(req.MarketID).Inc()
	seized, _ := seize.Float64()
	metrics.CollateralSeized.WithLabelValues(req.MarketID).Add(seized)
	s.broadcast(WSMessage{Type: "liquidation", MarketID: req.MarketID, UserAddress: req.UserAddress, Amount: seize.String()})
	return &result, nil
}

// LiquidateEligible sweeps every active position in the market and
// liquidates the ones past the liquidation threshold. Per-position failures
// are logged and skipped so one bad position cannot stall the sweep.
func (s *Service) LiquidateEligible(ctx context.Context, marketID string) ([]model.LiquidationResult, error) {
	m, err := s.pool.UpdateGlobalYieldIndex(ctx, marketID)
	if err != nil {
		return nil, err
	}

	positions, err := s.store.ListActivePositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	pr, e := s.prices(ctx, marketID)
	if e != nil {
		return nil, e
	}

	now := s.now()
	var results []model.LiquidationResult
	for i := range positions {
		p := &positions[i]
		if aerr := accruePosition(p, now); aerr != nil {
			slog.Error("accrual failed during sweep", "position", p.ID, "err", aerr)
			continue
		}
		debtValue := calc.TotalDebt(p.LoanPrincipal, p.InterestAccrued).Mul(pr.DebtUSD)
		collateralValue := p.CollateralAmount.Mul(pr.CollateralUSD)
		ltv, cerr := calc.ComputeLTV(debtValue, collateralValue)
		if cerr != nil {
			slog.Error("ltv computation failed during sweep", "position", p.ID, "err", cerr)
			continue
		}
		if !calc.IsLiquidatable(ltv, m.LiquidationLTVRatio) {
			continue
		}
		res, le := s.Liquidate(ctx, LiquidateRequest{MarketID: marketID, UserAddress: p.UserAddress})
		if le != nil {
			slog.Error("liquidation failed during sweep",
				"position", p.ID, "code", le.Code, "err", le.Message)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
