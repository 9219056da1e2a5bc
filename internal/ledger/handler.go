package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quartermaster-erp/quartermaster/internal/platform/httpx"
	"github.com/quartermaster-erp/quartermaster/internal/shared"
)

// EntityStockAdjustment is the approval entity type governing manual
// stock adjustments.
const EntityStockAdjustment = "STOCK_ADJUSTMENT"

// ApprovalGate answers whether a governed change has been approved.
type ApprovalGate interface {
	Approved(ctx context.Context, tenantID int64, entityType string, entityRef uuid.UUID) (bool, error)
}

// Handler wires the JSON API of the posting engine.
type Handler struct {
	logger              *slog.Logger
	service             *Service
	validate            *validator.Validate
	gate                ApprovalGate
	adjustmentsApproved bool
}

// NewHandler constructs the ledger handler. When adjustmentsApproved
// is set, ADJUSTMENT movements must carry an approved request.
func NewHandler(logger *slog.Logger, service *Service, gate ApprovalGate, adjustmentsApproved bool) *Handler {
	return &Handler{
		logger:              logger,
		service:             service,
		validate:            validator.New(validator.WithRequiredStructEnabled()),
		gate:                gate,
		adjustmentsApproved: adjustmentsApproved,
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handlePostMovement)
	r.Post("/movements/transfer", h.handleTransfer)
	r.Post("/movements/{id}/cancel", h.handleCancel)
	r.Get("/balances", h.handleGetBalance)
	r.Get("/transactions", h.handleListTransactions)
	r.Post("/reservations", h.handleReservation)
	r.Post("/in-transit", h.handleInTransit)
}

type movementRequest struct {
	TenantID       int64      `json:"tenant_id" validate:"required,gt=0"`
	Kind           string     `json:"kind" validate:"required,max=40"`
	ItemID         int64      `json:"item_id" validate:"required,gt=0"`
	WarehouseID    int64      `json:"warehouse_id" validate:"required,gt=0"`
	Batch          string     `json:"batch" validate:"max=64"`
	Quantity       float64    `json:"quantity" validate:"required"`
	UnitCost       float64    `json:"unit_cost" validate:"gte=0"`
	RefKind        string     `json:"ref_kind" validate:"required,max=40"`
	RefID          string     `json:"ref_id" validate:"required,max=64"`
	ActorID        int64      `json:"actor_id" validate:"gte=0"`
	TxDate         *time.Time `json:"tx_date"`
	IdempotencyKey string     `json:"idempotency_key" validate:"max=255"`
}

type transferRequest struct {
	TenantID       int64   `json:"tenant_id" validate:"required,gt=0"`
	ItemID         int64   `json:"item_id" validate:"required,gt=0"`
	Batch          string  `json:"batch" validate:"max=64"`
	SrcWarehouse   int64   `json:"src_warehouse_id" validate:"required,gt=0"`
	DstWarehouse   int64   `json:"dst_warehouse_id" validate:"required,gt=0,nefield=SrcWarehouse"`
	Quantity       float64 `json:"quantity" validate:"required,gt=0"`
	UnitCost       float64 `json:"unit_cost" validate:"gte=0"`
	RefKind        string  `json:"ref_kind" validate:"required,max=40"`
	RefID          string  `json:"ref_id" validate:"required,max=64"`
	ActorID        int64   `json:"actor_id" validate:"gte=0"`
	IdempotencyKey string  `json:"idempotency_key" validate:"max=255"`
}

type cancelRequest struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,max=255"`
	ActorID  int64  `json:"actor_id" validate:"gte=0"`
}

type counterRequest struct {
	TenantID    int64   `json:"tenant_id" validate:"required,gt=0"`
	ItemID      int64   `json:"item_id" validate:"required,gt=0"`
	WarehouseID int64   `json:"warehouse_id" validate:"required,gt=0"`
	Batch       string  `json:"batch" validate:"max=64"`
	Delta       float64 `json:"delta" validate:"required"`
	ActorID     int64   `json:"actor_id" validate:"gte=0"`
}

type transactionResponse struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	Kind         string    `json:"kind"`
	ItemID       int64     `json:"item_id"`
	WarehouseID  int64     `json:"warehouse_id"`
	Batch        string    `json:"batch,omitempty"`
	Quantity     float64   `json:"quantity"`
	UnitCost     float64   `json:"unit_cost"`
	TotalValue   float64   `json:"total_value"`
	RefKind      string    `json:"ref_kind"`
	RefID        string    `json:"ref_id"`
	BalanceAfter float64   `json:"balance_after"`
	Cancelled    bool      `json:"cancelled"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedBy    int64     `json:"created_by"`
	TxDate       time.Time `json:"tx_date"`
	CreatedAt    time.Time `json:"created_at"`
}

func toTransactionResponse(t Transaction) transactionResponse {
	return transactionResponse{
		ID:           t.ID,
		TenantID:     t.TenantID,
		Kind:         string(t.Kind),
		ItemID:       t.ItemID,
		WarehouseID:  t.WarehouseID,
		Batch:        t.Batch,
		Quantity:     t.Quantity,
		UnitCost:     t.UnitCost,
		TotalValue:   t.TotalValue,
		RefKind:      t.RefKind,
		RefID:        t.RefID,
		BalanceAfter: t.BalanceAfter,
		Cancelled:    t.Cancelled,
		CancelReason: t.CancelReason,
		CreatedBy:    t.CreatedBy,
		TxDate:       t.TxDate,
		CreatedAt:    t.CreatedAt,
	}
}

type balanceResponse struct {
	TenantID     int64     `json:"tenant_id"`
	ItemID       int64     `json:"item_id"`
	WarehouseID  int64     `json:"warehouse_id"`
	Batch        string    `json:"batch,omitempty"`
	Available    float64   `json:"qty_available"`
	Reserved     float64   `json:"qty_reserved"`
	InTransit    float64   `json:"qty_in_transit"`
	LastUnitCost float64   `json:"last_unit_cost"`
	LastTxID     int64     `json:"last_tx_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toBalanceResponse(b BalanceRow) balanceResponse {
	return balanceResponse{
		TenantID:     b.TenantID,
		ItemID:       b.ItemID,
		WarehouseID:  b.WarehouseID,
		Batch:        b.Batch,
		Available:    b.Available,
		Reserved:     b.Reserved,
		InTransit:    b.InTransit,
		LastUnitCost: b.LastUnitCost,
		LastTxID:     b.LastTxID,
		UpdatedAt:    b.UpdatedAt,
	}
}

// resolveActor prefers the explicit body actor, falling back to the
// identity the gateway forwarded in the request context.
func resolveActor(r *http.Request, bodyActor int64) int64 {
	if bodyActor > 0 {
		return bodyActor
	}
	return shared.ActorFromContext(r.Context())
}

func (h *Handler) handlePostMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID := resolveActor(r, req.ActorID)
	if actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id is required")
		return
	}

	kind := MovementKind(req.Kind)
	if kind == MovementAdjustment && h.adjustmentsApproved && h.gate != nil {
		ref, err := uuid.Parse(req.RefID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "adjustment ref_id must be a uuid")
			return
		}
		approved, err := h.gate.Approved(r.Context(), req.TenantID, EntityStockAdjustment, ref)
		if err != nil {
			h.logger.Error("approval gate", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if !approved {
			httpx.Problem(w, http.StatusConflict, "Approval Required", "stock adjustment is not approved")
			return
		}
	}

	input := MovementInput{
		TenantID:       req.TenantID,
		Kind:           kind,
		ItemID:         req.ItemID,
		WarehouseID:    req.WarehouseID,
		Batch:          req.Batch,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		RefKind:        req.RefKind,
		RefID:          req.RefID,
		ActorID:        actorID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.TxDate != nil {
		input.TxDate = *req.TxDate
	}

	tx, err := h.service.Post(r.Context(), input)
	if err != nil {
		h.respondServiceError(w, "post movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	actorID := resolveActor(r, req.ActorID)
	if actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id is required")
		return
	}

	out, in, err := h.service.PostTransfer(r.Context(), TransferInput{
		TenantID:       req.TenantID,
		ItemID:         req.ItemID,
		Batch:          req.Batch,
		SrcWarehouse:   req.SrcWarehouse,
		DstWarehouse:   req.DstWarehouse,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		RefKind:        req.RefKind,
		RefID:          req.RefID,
		ActorID:        actorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondServiceError(w, "post transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"outbound": toTransactionResponse(out),
		"inbound":  toTransactionResponse(in),
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || txID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transaction id must be a positive integer")
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	actorID := resolveActor(r, req.ActorID)
	if actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id is required")
		return
	}

	reversal, err := h.service.CancelTransaction(r.Context(), req.TenantID, txID, req.Reason, actorID)
	if err != nil {
		h.respondServiceError(w, "cancel transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(reversal))
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, _ := strconv.ParseInt(q.Get("tenant_id"), 10, 64)
	itemID, _ := strconv.ParseInt(q.Get("item_id"), 10, 64)
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if tenantID <= 0 || itemID <= 0 || warehouseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id, item_id and warehouse_id are required")
		return
	}

	bal, err := h.service.GetBalance(r.Context(), tenantID, itemID, warehouseID, q.Get("batch"))
	if err != nil {
		h.respondServiceError(w, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(bal))
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, _ := strconv.ParseInt(q.Get("tenant_id"), 10, 64)
	if tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id is required")
		return
	}
	filter := TransactionFilter{TenantID: tenantID, RefKind: q.Get("ref_kind"), RefID: q.Get("ref_id")}
	filter.ItemID, _ = strconv.ParseInt(q.Get("item_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if q.Has("batch") {
		batch := q.Get("batch")
		filter.Batch = &batch
	}
	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, "list transactions", err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (h *Handler) handleReservation(w http.ResponseWriter, r *http.Request) {
	h.handleCounter(w, r, h.service.AdjustReservation)
}

func (h *Handler) handleInTransit(w http.ResponseWriter, r *http.Request) {
	h.handleCounter(w, r, h.service.AdjustInTransit)
}

func (h *Handler) handleCounter(w http.ResponseWriter, r *http.Request, adjust func(context.Context, CounterAdjustment) (BalanceRow, error)) {
	var req counterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	actorID := resolveActor(r, req.ActorID)
	if actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id is required")
		return
	}

	bal, err := adjust(r.Context(), CounterAdjustment{
		TenantID:    req.TenantID,
		ItemID:      req.ItemID,
		WarehouseID: req.WarehouseID,
		Batch:       req.Batch,
		Delta:       req.Delta,
		ActorID:     actorID,
	})
	if err != nil {
		h.respondServiceError(w, "adjust counter", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(bal))
}

func (h *Handler) respondServiceError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyCancelled):
		httpx.Problem(w, http.StatusConflict, "Already Cancelled", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Reference", err.Error())
	case errors.Is(err, ErrNegativeCounter):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Counter Floor", err.Error())
	case errors.Is(err, ErrWarehouseNotFound), errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Target", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrInvalidMovementKind):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDirectMutationBlocked), errors.Is(err, ErrImmutableHistory):
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Request Failed", err.Error())
	}
}
