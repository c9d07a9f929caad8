package settle

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// Handler exposes the settlement service over HTTP.
type Handler struct {
	svc   *Service
	store store.Store
}

// NewHandler creates the HTTP handler layer.
func NewHandler(svc *Service, st store.Store) *Handler {
	return &Handler{svc: svc, store: st}
}

// Routes mounts all API routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	// Market management.
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Put("/markets/{marketID}/active", h.SetMarketActive)
	r.Get("/markets/{marketID}/pool", h.GetPoolMetrics)

	// Borrower operations.
	r.Post("/deposit", h.Deposit)
	r.Post("/borrow", h.Borrow)
	r.Post("/repay", h.Repay)
	r.Post("/withdraw", h.Withdraw)

	// Supplier operations.
	r.Post("/supply", h.Supply)
	r.Post("/collect-yield", h.CollectYield)
	r.Post("/withdraw-supply", h.WithdrawSupply)

	// Liquidation.
	r.Post("/liquidate", h.Liquidate)

	// Position queries.
	r.Get("/positions/{userAddress}/{marketID}", h.GetPosition)
}

// createMarketRequest is the admin payload for opening a market.
type createMarketRequest struct {
	ID                  string          `json:"id"`
	CollateralAsset     string          `json:"collateral_asset"`
	DebtAsset           string          `json:"debt_asset"`
	MaxLTVRatio         decimal.Decimal `json:"max_ltv_ratio"`
	LiquidationLTVRatio decimal.Decimal `json:"liquidation_ltv_ratio"`
	BaseInterestRate    decimal.Decimal `json:"base_interest_rate"`
	LiquidationPenalty  decimal.Decimal `json:"liquidation_penalty"`
	MinCollateralAmount decimal.Decimal `json:"min_collateral_amount"`
	MinBorrowAmount     decimal.Decimal `json:"min_borrow_amount"`
	MinSupplyAmount     decimal.Decimal `json:"min_supply_amount"`
	ReserveFactor       decimal.Decimal `json:"reserve_factor"`
}

// CreateMarket handles POST /api/v1/markets.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.assets.Resolve(req.CollateralAsset); err != nil {
		writeError(w, CodeWrongCurrency, "unknown collateral asset: "+req.CollateralAsset, http.StatusBadRequest)
		return
	}
	if _, err := h.svc.assets.Resolve(req.DebtAsset); err != nil {
		writeError(w, CodeWrongCurrency, "unknown debt asset: "+req.DebtAsset, http.StatusBadRequest)
		return
	}
	if !req.MaxLTVRatio.IsPositive() || req.MaxLTVRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, CodeInvalidAmount, "max_ltv_ratio must be in (0, 1)", http.StatusBadRequest)
		return
	}
	if req.LiquidationLTVRatio.LessThanOrEqual(req.MaxLTVRatio) {
		writeError(w, CodeInvalidAmount, "liquidation_ltv_ratio must exceed max_ltv_ratio", http.StatusBadRequest)
		return
	}
	if req.BaseInterestRate.IsNegative() || req.LiquidationPenalty.IsNegative() {
		writeError(w, CodeInvalidAmount, "rates must be non-negative", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	m := &model.Market{
		ID:                  req.ID,
		CollateralAsset:     req.CollateralAsset,
		DebtAsset:           req.DebtAsset,
		MaxLTVRatio:         req.MaxLTVRatio,
		LiquidationLTVRatio: req.LiquidationLTVRatio,
		BaseInterestRate:    req.BaseInterestRate,
		LiquidationPenalty:  req.LiquidationPenalty,
		MinCollateralAmount: req.MinCollateralAmount,
		MinBorrowAmount:     req.MinBorrowAmount,
		MinSupplyAmount:     req.MinSupplyAmount,
		TotalSupplied:       decimal.Zero,
		TotalBorrowed:       decimal.Zero,
		GlobalYieldIndex:    decimal.NewFromInt(1),
		LastIndexUpdate:     now,
		ReserveFactor:       req.ReserveFactor,
		IsActive:            true,
		CreatedAt:           now,
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	if err := h.store.CreateMarket(r.Context(), m); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, CodeInternal, "market already exists: "+m.ID, http.StatusConflict)
			return
		}
		writeError(w, CodeInternal, "failed to create market", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// ListMarkets handles GET /api/v1/markets.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, CodeInternal, "failed to list markets", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"markets": markets})
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	m, err := h.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, CodeMarketNotFound, "market not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// SetMarketActive handles PUT /api/v1/markets/{marketID}/active.
func (h *Handler) SetMarketActive(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.store.SetMarketActive(r.Context(), marketID, req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, CodeMarketNotFound, "market not found", http.StatusNotFound)
			return
		}
		writeError(w, CodeInternal, "failed to update market", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"market_id": marketID, "active": req.Active})
}

// GetPoolMetrics handles GET /api/v1/markets/{marketID}/pool.
func (h *Handler) GetPoolMetrics(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	pm, e := h.svc.GetPoolMetrics(r.Context(), marketID)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pm)
}

// GetPosition handles GET /api/v1/positions/{userAddress}/{marketID}.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userAddress")
	marketID := chi.URLParam(r, "marketID")
	pm, e := h.svc.GetPositionWithMetrics(r.Context(), user, marketID)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pm)
}

// Deposit handles POST /api/v1/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" || req.TxHash == "" {
		writeError(w, CodeInvalidAmount, "user_address, market_id and tx_hash are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.Deposit(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Borrow handles POST /api/v1/borrow.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" {
		writeError(w, CodeInvalidAmount, "user_address and market_id are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.Borrow(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Repay handles POST /api/v1/repay.
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" || req.TxHash == "" {
		writeError(w, CodeInvalidAmount, "user_address, market_id and tx_hash are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.Repay(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Withdraw handles POST /api/v1/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" {
		writeError(w, CodeInvalidAmount, "user_address and market_id are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.Withdraw(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Supply handles POST /api/v1/supply.
func (h *Handler) Supply(w http.ResponseWriter, r *http.Request) {
	var req SupplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" || req.TxHash == "" {
		writeError(w, CodeInvalidAmount, "user_address, market_id and tx_hash are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.Supply(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// CollectYield handles POST /api/v1/collect-yield.
func (h *Handler) CollectYield(w http.ResponseWriter, r *http.Request) {
	var req CollectYieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" {
		writeError(w, CodeInvalidAmount, "user_address and market_id are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.CollectYield(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// WithdrawSupply handles POST /api/v1/withdraw-supply.
func (h *Handler) WithdrawSupply(w http.ResponseWriter, r *http.Request) {
	var req WithdrawSupplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.UserAddress == "" || req.MarketID == "" {
		writeError(w, CodeInvalidAmount, "user_address and market_id are required", http.StatusBadRequest)
		return
	}
	res, e := h.svc.WithdrawSupply(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Liquidate handles POST /api/v1/liquidate.
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidAmount, "invalid request body", http.StatusBadRequest)
		return
	}
	applyKeyHeader(r, &req.IdempotencyKey)
	if req.MarketID == "" {
		writeError(w, CodeInvalidAmount, "market_id is required", http.StatusBadRequest)
		return
	}

	// Without a target user this is a whole-market sweep.
	if req.UserAddress == "" {
		results, err := h.svc.LiquidateEligible(r.Context(), req.MarketID)
		if err != nil {
			writeServiceError(w, classify(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"liquidated": len(results), "results": results})
		return
	}

	res, e := h.svc.Liquidate(r.Context(), req)
	if e != nil {
		writeServiceError(w, e)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// applyKeyHeader lets callers pass the idempotency key as a header instead
// of a body field. The header wins when both are present.
func applyKeyHeader(r *http.Request, key *string) {
	if h := r.Header.Get("Idempotency-Key"); h != "" {
		*key = h
	}
}

// writeServiceError maps a workflow error onto its HTTP status.
func writeServiceError(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(e.Code))
	json.NewEncoder(w).Encode(map[string]any{
		"error":     e.Message,
		"code":      e.Code,
		"retryable": retryable(e.Code),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"code":      code,
		"retryable": retryable(code),
	})
}
