package closing

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

// Handler exposes period closing over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers closing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses/{warehouseID}/closings", h.list)
	r.Get("/warehouses/{warehouseID}/closings/preview", h.preview)
	r.Post("/warehouses/{warehouseID}/closings", h.close)
	r.Get("/closings/{id}", h.show)
	r.Post("/closings/{id}/reopen", h.reopen)
}

type closeRequest struct {
	Year           int               `json:"year" validate:"required"`
	Month          int               `json:"month" validate:"required,min=1,max=12"`
	Note           string            `json:"note"`
	PhysicalCounts map[string]string `json:"physical_counts"`
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	warehouseID, err := pathID(r, "warehouseID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse id")
		return
	}
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CloseInput{
		Period: Period{CompanyID: actor.CompanyID, WarehouseID: warehouseID, Year: req.Year, Month: time.Month(req.Month)},
		Note:   req.Note,
	}
	if len(req.PhysicalCounts) > 0 {
		input.PhysicalCounts = make(map[int64]decimal.Decimal, len(req.PhysicalCounts))
		for rawID, rawQty := range req.PhysicalCounts {
			productID, err := strconv.ParseInt(rawID, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "physical_counts keys must be product ids")
				return
			}
			qty, err := decimal.NewFromString(rawQty)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "physical_counts values must be decimal numbers")
				return
			}
			input.PhysicalCounts[productID] = qty
		}
	}
	closure, details, err := h.service.Close(r.Context(), actor, input)
	if err != nil {
		h.logger.Warn("period close", slog.Int64("warehouse_id", warehouseID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"closure": closureResponse(closure),
		"details": detailResponses(details),
	})
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	warehouseID, err := pathID(r, "warehouseID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse id")
		return
	}
	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	month, _ := strconv.Atoi(r.URL.Query().Get("month"))
	if year == 0 || month < 1 || month > 12 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "year and month query params required")
		return
	}
	details, err := h.service.Preview(r.Context(), actor, Period{
		CompanyID: actor.CompanyID, WarehouseID: warehouseID, Year: year, Month: time.Month(month),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"details": detailResponses(details)})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid closure id")
		return
	}
	closure, details, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"closure": closureResponse(closure),
		"details": detailResponses(details),
	})
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid closure id")
		return
	}
	closure, err := h.service.Reopen(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closureResponse(closure))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	warehouseID, err := pathID(r, "warehouseID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	closures, err := h.service.List(r.Context(), actor, warehouseID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(closures))
	for _, c := range closures {
		out = append(out, closureResponse(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"closings": out})
}

func closureResponse(c Closure) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"warehouse_id": c.WarehouseID,
		"year":         c.Year,
		"month":        int(c.Month),
		"status":       c.Status,
		"note":         c.Note,
		"closed_by":    c.ClosedBy,
		"closed_at":    c.ClosedAt,
		"reopened_by":  c.ReopenedBy,
		"reopened_at":  c.ReopenedAt,
	}
}

func detailResponses(details []Detail) []map[string]any {
	out := make([]map[string]any, 0, len(details))
	for _, d := range details {
		out = append(out, map[string]any{
			"product_id":           d.ProductID,
			"opening_qty":          d.OpeningQty,
			"opening_value":        d.OpeningValue,
			"qty_in":               d.QtyIn,
			"value_in":             d.ValueIn,
			"qty_out":              d.QtyOut,
			"value_out":            d.ValueOut,
			"closing_qty":          d.ClosingQty,
			"closing_value":        d.ClosingValue,
			"physical_qty":         d.PhysicalQty,
			"discrepancy_qty":      d.DiscrepancyQty,
			"has_discrepancy":      d.HasDiscrepancy,
			"adjusted_closing_qty": d.AdjustedClosingQty,
		})
	}
	return out
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
