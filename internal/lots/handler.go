package lots

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the lot registry over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers lot routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/lots", h.create)
	r.Get("/lots/{id}", h.show)
	r.Get("/warehouses/{warehouseID}/products/{productID}/lots", h.listByPosition)
	r.Post("/lots/{id}/quarantine", h.quarantine)
	r.Post("/lots/{id}/release", h.release)
	r.Post("/lots/{id}/split", h.split)
	r.Post("/lots/consolidate", h.consolidate)
}

type createLotRequest struct {
	ProductID        int64      `json:"product_id" validate:"required"`
	WarehouseID      int64      `json:"warehouse_id" validate:"required"`
	LotNumber        string     `json:"lot_number" validate:"required"`
	Qty              string     `json:"qty" validate:"required"`
	UnitCost         string     `json:"unit_cost"`
	ManufacturedDate *time.Time `json:"manufactured_date"`
	ExpirationDate   *time.Time `json:"expiration_date"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	var req createLotRequest
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
	lot, err := h.service.Create(r.Context(), actor, CreateInput{
		CompanyID:        actor.CompanyID,
		ProductID:        req.ProductID,
		WarehouseID:      req.WarehouseID,
		LotNumber:        req.LotNumber,
		QtyProduced:      qty,
		UnitCost:         cost,
		ManufacturedDate: req.ManufacturedDate,
		ExpirationDate:   req.ExpirationDate,
	})
	if err != nil {
		h.logger.Warn("lot create", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lotResponse(lot))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	lot, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotResponse(lot))
}

func (h *Handler) listByPosition(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	warehouseID, err1 := pathID(r, "warehouseID")
	productID, err2 := pathID(r, "productID")
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse or product id")
		return
	}
	list, err := h.service.ListByPosition(r.Context(), actor, warehouseID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, lot := range list {
		out = append(out, lotResponse(lot))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": out})
}

func (h *Handler) quarantine(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, func(actor shared.Actor, id int64, reason string) (Lot, error) {
		return h.service.Quarantine(r.Context(), actor, id, reason)
	})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, func(actor shared.Actor, id int64, _ string) (Lot, error) {
		return h.service.Release(r.Context(), actor, id)
	})
}

func (h *Handler) statusChange(w http.ResponseWriter, r *http.Request, fn func(shared.Actor, int64, string) (Lot, error)) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.DecodeJSON(r, &req)
	lot, err := fn(actor, id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotResponse(lot))
}

func (h *Handler) split(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	var req struct {
		Quantities []string `json:"quantities" validate:"required,min=2"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	quantities := make([]decimal.Decimal, 0, len(req.Quantities))
	for _, raw := range req.Quantities {
		q, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantities must be decimal numbers")
			return
		}
		quantities = append(quantities, q)
	}
	children, err := h.service.Split(r.Context(), actor, id, quantities)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(children))
	for _, c := range children {
		out = append(out, lotResponse(c))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"lots": out})
}

func (h *Handler) consolidate(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	var req struct {
		LotIDs    []int64 `json:"lot_ids" validate:"required,min=2"`
		LotNumber string  `json:"lot_number" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	merged, err := h.service.Consolidate(r.Context(), actor, req.LotIDs, req.LotNumber)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lotResponse(merged))
}

func lotResponse(lot Lot) map[string]any {
	return map[string]any{
		"id":                lot.ID,
		"product_id":        lot.ProductID,
		"warehouse_id":      lot.WarehouseID,
		"lot_number":        lot.LotNumber,
		"qty_produced":      lot.QtyProduced,
		"qty_remaining":     lot.QtyRemaining,
		"unit_cost":         lot.UnitCost,
		"manufactured_date": lot.ManufacturedDate,
		"expiration_date":   lot.ExpirationDate,
		"status":            lot.Status,
		"parent_lot_id":     lot.ParentLotID,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
