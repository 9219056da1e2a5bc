package approval

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quartermaster-erp/quartermaster/internal/platform/httpx"
)

// Handler wires the approval workflow JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the approval handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requests", h.handleSubmit)
	r.Post("/requests/{id}/approve", h.handleApprove)
	r.Post("/requests/{id}/reject", h.handleReject)
	r.Get("/requests/{id}", h.handleGet)
	r.Get("/requests/{id}/actions", h.handleListActions)
}

type submitRequest struct {
	TenantID    int64  `json:"tenant_id" validate:"required,gt=0"`
	EntityType  string `json:"entity_type" validate:"required,max=60"`
	EntityID    string `json:"entity_id" validate:"required,uuid"`
	FromStatus  string `json:"from_status" validate:"max=40"`
	ToStatus    string `json:"to_status" validate:"max=40"`
	TotalSteps  int    `json:"total_steps" validate:"required,gte=1,lte=10"`
	RequestedBy int64  `json:"requested_by" validate:"required,gt=0"`
	Note        string `json:"note" validate:"max=255"`
}

type decisionRequest struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	ActorID  int64  `json:"actor_id" validate:"required,gt=0"`
	Note     string `json:"note" validate:"max=255"`
}

type rejectRequest struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	ActorID  int64  `json:"actor_id" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,max=255"`
}

type requestResponse struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	FromStatus   string    `json:"from_status,omitempty"`
	ToStatus     string    `json:"to_status,omitempty"`
	CurrentStep  int       `json:"current_step"`
	TotalSteps   int       `json:"total_steps"`
	Status       string    `json:"status"`
	RejectReason string    `json:"reject_reason,omitempty"`
	RequestedBy  int64     `json:"requested_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toRequestResponse(r Request) requestResponse {
	return requestResponse{
		ID:           r.ID,
		TenantID:     r.TenantID,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID.String(),
		FromStatus:   r.FromStatus,
		ToStatus:     r.ToStatus,
		CurrentStep:  r.CurrentStep,
		TotalSteps:   r.TotalSteps,
		Status:       string(r.Status),
		RejectReason: r.RejectReason,
		RequestedBy:  r.RequestedBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type actionResponse struct {
	ID      int64     `json:"id"`
	ActorID int64     `json:"actor_id"`
	Kind    string    `json:"kind"`
	Step    int       `json:"step"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entityID, err := uuid.Parse(req.EntityID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "entity_id must be a uuid")
		return
	}

	created, err := h.service.Submit(r.Context(), SubmitInput{
		TenantID:    req.TenantID,
		EntityType:  req.EntityType,
		EntityID:    entityID,
		FromStatus:  req.FromStatus,
		ToStatus:    req.ToStatus,
		TotalSteps:  req.TotalSteps,
		RequestedBy: req.RequestedBy,
		Note:        req.Note,
	})
	if err != nil {
		h.respondServiceError(w, "submit approval", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRequestResponse(created))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	updated, err := h.service.Approve(r.Context(), req.TenantID, requestID, req.ActorID, req.Note)
	if err != nil {
		h.respondServiceError(w, "approve request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestResponse(updated))
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	updated, err := h.service.Reject(r.Context(), req.TenantID, requestID, req.ActorID, req.Reason)
	if err != nil {
		h.respondServiceError(w, "reject request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestResponse(updated))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id is required")
		return
	}

	req, err := h.service.Get(r.Context(), tenantID, requestID)
	if err != nil {
		h.respondServiceError(w, "get request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) handleListActions(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id is required")
		return
	}

	actions, err := h.service.ListActions(r.Context(), tenantID, requestID)
	if err != nil {
		h.respondServiceError(w, "list actions", err)
		return
	}
	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse{ID: a.ID, ActorID: a.ActorID, Kind: string(a.Kind), Step: a.Step, Note: a.Note, At: a.At})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyFinalized):
		httpx.Problem(w, http.StatusConflict, "Already Finalized", err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Request Failed", err.Error())
	}
}
