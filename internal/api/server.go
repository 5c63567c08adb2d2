// Package api exposes the engine over HTTP: order submission, price batch
// ingestion, liquidation requests, liquidity operations, and read-side
// queries. Handlers validate and translate; all venue semantics live in
// the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/errs"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/vault"
)

// ReadCache serves query traffic from snapshots so single-record reads
// never contend with the execution path. ledger.SnapshotCache implements
// it over Redis.
type ReadCache interface {
	GetOrder(ctx context.Context, id uint64) (model.Order, bool)
	GetPosition(ctx context.Context, id uint64) (model.Position, bool)
	GetPoolSnapshot(ctx context.Context, market string) (model.PoolSnapshot, bool)
	PutPoolSnapshot(ctx context.Context, s *model.PoolSnapshot)
}

// Service holds the HTTP handlers.
type Service struct {
	engine *engine.Engine
	vault  *vault.Vault
	wsHub  *WSHub    // optional, nil disables broadcasts
	cache  ReadCache // optional, nil reads the engine directly
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed, and nil for cache to read the engine
// directly.
func NewService(eng *engine.Engine, vlt *vault.Vault, hub *WSHub, cache ReadCache) *Service {
	return &Service{engine: eng, vault: vlt, wsHub: hub, cache: cache}
}

// Routes mounts all handlers under the given router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/orders", s.CreateOrder)
	r.Get("/orders", s.ListOrders)
	r.Post("/orders/close", s.CreateCloseOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/status", s.GetPositionStatus)
	r.Get("/positions/{positionID}/liq-price", s.GetPositionLiqPrice)
	r.Get("/positions/{positionID}/max-decrease", s.GetMaxDecreaseMargin)
	r.Post("/positions/{positionID}/margin", s.UpdateMargin)
	r.Post("/positions/{positionID}/tpsl", s.SetTPSL)

	r.Post("/mode", s.SetPositionMode)
	r.Post("/prices", s.SubmitPrices)
	r.Post("/liquidate", s.Liquidate)

	r.Post("/liquidity/add", s.AddLiquidity)
	r.Post("/liquidity/remove", s.RemoveLiquidity)
	r.Get("/pool/share-price", s.GetSharePrice)
	r.Get("/pool/borrow-ig", s.GetBorrowIG)
	r.Get("/pool/{market}", s.GetPoolSnapshot)

	r.Post("/referral/register", s.RegisterInviteCode)
	r.Get("/referral/{code}", s.ResolveInviteCode)

	r.Post("/vault/deposit", s.Deposit)
	r.Post("/vault/withdraw", s.Withdraw)
	r.Get("/vault/{owner}", s.GetBalance)
}

// --- Request types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	Owner            string          `json:"owner"`
	Market           string          `json:"market"`
	Direction        int8            `json:"direction"` // 1 long, -1 short
	Margin           decimal.Decimal `json:"margin"`
	Leverage         decimal.Decimal `json:"leverage"`
	MinPrice         decimal.Decimal `json:"min_price"`
	MaxPrice         decimal.Decimal `json:"max_price"`
	TriggerDirection int8            `json:"trigger_direction"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	InviterCode      string          `json:"inviter_code"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price"`
	StopLossPrice    decimal.Decimal `json:"stop_loss_price"`
}

// CreateCloseOrderRequest is the JSON body for POST /orders/close.
type CreateCloseOrderRequest struct {
	Owner            string          `json:"owner"`
	Market           string          `json:"market"`
	PositionID       uint64          `json:"position_id"`
	Amount           decimal.Decimal `json:"amount"`
	MinPrice         decimal.Decimal `json:"min_price"`
	MaxPrice         decimal.Decimal `json:"max_price"`
	TriggerDirection int8            `json:"trigger_direction"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	InviterCode      string          `json:"inviter_code"`
}

// SubmitPricesRequest is the JSON body for POST /prices.
type SubmitPricesRequest struct {
	Updates      []model.PriceUpdate `json:"updates"`
	Attestations []model.Attestation `json:"attestations"`
}

// --- Handlers ---

func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Direction != 1 && req.Direction != -1 {
		writeError(w, "direction must be 1 or -1", http.StatusBadRequest)
		return
	}

	id, err := s.engine.CreateOrder(engine.OpenRequest{
		Owner:            req.Owner,
		Market:           req.Market,
		Direction:        model.Direction(req.Direction),
		Margin:           req.Margin,
		Leverage:         req.Leverage,
		MinPrice:         req.MinPrice,
		MaxPrice:         req.MaxPrice,
		TriggerDirection: model.TriggerDirection(req.TriggerDirection),
		TriggerPrice:     req.TriggerPrice,
		InviterCode:      req.InviterCode,
		TakeProfitPrice:  req.TakeProfitPrice,
		StopLossPrice:    req.StopLossPrice,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"order_id": id})
}

func (s *Service) CreateCloseOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateCloseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.engine.CreateCloseOrder(engine.CloseRequest{
		Owner:            req.Owner,
		Market:           req.Market,
		PositionID:       req.PositionID,
		Amount:           req.Amount,
		MinPrice:         req.MinPrice,
		MaxPrice:         req.MaxPrice,
		TriggerDirection: model.TriggerDirection(req.TriggerDirection),
		TriggerPrice:     req.TriggerPrice,
		InviterCode:      req.InviterCode,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"order_id": id})
}

func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	market := r.URL.Query().Get("market")
	if owner == "" || market == "" {
		writeError(w, "owner and market are required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.OrdersByOwner(owner, market))
}

func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	if s.cache != nil {
		if o, ok := s.cache.GetOrder(r.Context(), id); ok {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}
	o, err := s.engine.GetOrder(id)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.CancelOrder(owner, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	if s.cache != nil {
		if p, ok := s.cache.GetPosition(r.Context(), id); ok {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	p, err := s.engine.GetPosition(id)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) GetPositionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	status, err := s.engine.PositionStatus(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (s *Service) GetPositionLiqPrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	price, err := s.engine.PositionLiqPrice(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"liq_price": price})
}

func (s *Service) GetMaxDecreaseMargin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	max, err := s.engine.MaxDecreaseMargin(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"max_decrease": max})
}

func (s *Service) UpdateMargin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req struct {
		Owner string          `json:"owner"`
		Delta decimal.Decimal `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdateMargin(req.Owner, id, req.Delta); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) SetTPSL(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req struct {
		Owner      string          `json:"owner"`
		TakeProfit decimal.Decimal `json:"take_profit"`
		StopLoss   decimal.Decimal `json:"stop_loss"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetTPSL(req.Owner, id, req.TakeProfit, req.StopLoss); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) SetPositionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string `json:"owner"`
		Market string `json:"market"`
		Mode   string `json:"mode"` // "one-way" or "hedge"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode := model.OneWay
	if req.Mode == "hedge" {
		mode = model.Hedge
	} else if req.Mode != "one-way" {
		writeError(w, "mode must be one-way or hedge", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetPositionMode(req.Owner, req.Market, mode); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) SubmitPrices(w http.ResponseWriter, r *http.Request) {
	var req SubmitPricesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	err := s.engine.ProcessPriceBatch(r.Context(), req.Updates, req.Attestations)
	metrics.BatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PriceBatches.WithLabelValues("rejected").Inc()
		writeEngineError(w, err)
		return
	}
	metrics.PriceBatches.WithLabelValues("accepted").Inc()

	if s.wsHub != nil {
		for _, u := range req.Updates {
			s.wsHub.Broadcast(WSMessage{
				Type:   "price",
				Market: u.Symbol,
				Price:  u.Price.String(),
			})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Market     string          `json:"market"`
		PositionID uint64          `json:"position_id"`
		Action     uint8           `json:"action"`
		Price      decimal.Decimal `json:"price"`
		Liquidator string          `json:"liquidator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action := model.LiquidateAction(req.Action)
	if err := s.engine.Liquidate(req.Market, req.PositionID, action, req.Price, req.Liquidator); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Liquidations.WithLabelValues(req.Market, strconv.Itoa(int(req.Action))).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string          `json:"owner"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	shares, err := s.engine.AddLiquidity(req.Owner, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares": shares})
}

func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string          `json:"owner"`
		Shares decimal.Decimal `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := s.engine.RemoveLiquidity(req.Owner, req.Shares)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": out})
}

func (s *Service) GetSharePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.engine.SharePrice()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"share_price": price})
}

func (s *Service) GetBorrowIG(w http.ResponseWriter, r *http.Request) {
	dir := model.Long
	if r.URL.Query().Get("direction") == "short" {
		dir = model.Short
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"borrow_ig": s.engine.CurrentBorrowIG(dir)})
}

func (s *Service) GetPoolSnapshot(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "market")
	if s.cache != nil {
		if snap, ok := s.cache.GetPoolSnapshot(r.Context(), market); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	snap, err := s.engine.PoolSnapshot(market)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.PutPoolSnapshot(r.Context(), &snap)
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) RegisterInviteCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	code := s.engine.RegisterInviteCode(req.Owner)
	writeJSON(w, http.StatusCreated, map[string]string{"code": code})
}

func (s *Service) ResolveInviteCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	inviter, ok := s.engine.ResolveInviteCode(code)
	if !ok {
		writeError(w, "unknown invite code", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"inviter": inviter})
}

func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string          `json:"owner"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.Deposit(req.Owner, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string          `json:"owner"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.Withdraw(req.Owner, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.vault.Balance(owner)})
}

// --- Helpers ---

func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the error kind to an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrState):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrLiquidity):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrOracle):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrLiquidation):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}
