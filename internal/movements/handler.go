package movements

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the movement workflow over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers movement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.create)
	r.Get("/movements/{id}", h.show)
	r.Get("/movements", h.list)
	r.Post("/movements/{id}/approve", h.approve)
	r.Post("/movements/{id}/reject", h.reject)
	r.Post("/movements/{id}/execute", h.execute)
	r.Post("/movements/{id}/cancel", h.cancel)
}

type createMovementRequest struct {
	Code             string     `json:"code"`
	WarehouseID      int64      `json:"warehouse_id" validate:"required"`
	ProductID        int64      `json:"product_id" validate:"required"`
	LotID            *int64     `json:"lot_id"`
	Type             string     `json:"movement_type" validate:"required"`
	Qty              string     `json:"qty" validate:"required"`
	UnitCost         string     `json:"unit_cost"`
	ReasonID         int64      `json:"reason_id" validate:"required"`
	Strategy         string     `json:"strategy"`
	SafetyWindowDays int        `json:"safety_window_days"`
	AllowExpired     bool       `json:"allow_expired"`
	LotNumber        string     `json:"lot_number"`
	ManufacturedDate *time.Time `json:"manufactured_date"`
	ExpirationDate   *time.Time `json:"expiration_date"`
	MovementDate     *time.Time `json:"movement_date"`
	Note             string     `json:"note"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	var req createMovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal number")
		return
	}
	cost := decimal.Zero
	if req.UnitCost != "" {
		if cost, err = decimal.NewFromString(req.UnitCost); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
			return
		}
	}
	input := CreateInput{
		CompanyID:        actor.CompanyID,
		Code:             req.Code,
		WarehouseID:      req.WarehouseID,
		ProductID:        req.ProductID,
		LotID:            req.LotID,
		Type:             ledger.MovementType(req.Type),
		Qty:              qty,
		UnitCost:         cost,
		ReasonID:         req.ReasonID,
		Strategy:         lots.Strategy(req.Strategy),
		SafetyWindowDays: req.SafetyWindowDays,
		AllowExpired:     req.AllowExpired,
		LotNumber:        req.LotNumber,
		ManufacturedDate: req.ManufacturedDate,
		ExpirationDate:   req.ExpirationDate,
		Note:             req.Note,
	}
	if req.MovementDate != nil {
		input.MovementDate = *req.MovementDate
	}
	m, err := h.service.Create(r.Context(), actor, input)
	if err != nil {
		h.logger.Warn("movement create", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movementResponse(m))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid movement id")
		return
	}
	m, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementResponse(m))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPendingApproval
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.service.ListByStatus(r.Context(), actor, status, limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, m := range list {
		out = append(out, movementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(actor shared.Actor, id int64, note string) (Movement, error) {
		return h.service.Approve(r.Context(), actor, id, note)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(actor shared.Actor, id int64, note string) (Movement, error) {
		return h.service.Reject(r.Context(), actor, id, note)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(actor shared.Actor, id int64, _ string) (Movement, error) {
		return h.service.Cancel(r.Context(), actor, id)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(shared.Actor, int64, string) (Movement, error)) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid movement id")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	_ = httpx.DecodeJSON(r, &req)
	m, err := fn(actor, id, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementResponse(m))
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid movement id")
		return
	}
	m, entries, err := h.service.Execute(r.Context(), actor, id)
	if err != nil {
		h.logger.Warn("movement execute", slog.Int64("movement_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movement": movementResponse(m), "entries": out})
}

func movementResponse(m Movement) map[string]any {
	resp := map[string]any{
		"id":                m.ID,
		"code":              m.Code,
		"warehouse_id":      m.WarehouseID,
		"product_id":        m.ProductID,
		"lot_id":            m.LotID,
		"movement_type":     m.Type,
		"qty":               m.Qty,
		"unit_cost":         m.UnitCost,
		"total_cost":        m.TotalCost,
		"reason_id":         m.ReasonID,
		"status":            m.Status,
		"requires_approval": m.RequiresApproval,
		"strategy":          m.Strategy,
		"movement_date":     m.MovementDate,
		"note":              m.Note,
		"created_by":        m.CreatedBy,
		"approved_by":       m.ApprovedBy,
		"approved_at":       m.ApprovedAt,
		"failure_reason":    m.FailureReason,
		"executed_at":       m.ExecutedAt,
	}
	if m.TransferID != nil {
		resp["transfer_id"] = m.TransferID
	}
	if m.BatchID != uuid.Nil {
		resp["batch_id"] = m.BatchID
	}
	return resp
}

func entryResponse(e ledger.Entry) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"lot_id":        e.LotID,
		"movement_type": e.Type,
		"qty":           e.Qty,
		"balance_qty":   e.BalanceQty,
		"unit_cost":     e.UnitCost,
		"total_cost":    e.TotalCost,
		"movement_date": e.MovementDate,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
