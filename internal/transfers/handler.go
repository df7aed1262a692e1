package transfers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the transfer protocol over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transfers", h.create)
	r.Get("/transfers/{id}", h.show)
	r.Get("/transfers/{id}/discrepancies", h.discrepancies)
	r.Post("/transfers/{id}/approve", h.approve)
	r.Post("/transfers/{id}/ship", h.ship)
	r.Post("/transfers/{id}/receive", h.receive)
	r.Post("/transfers/{id}/complete", h.complete)
	r.Post("/transfers/{id}/cancel", h.cancel)
}

type createTransferRequest struct {
	DestCompanyID int64  `json:"dest_company_id"`
	SourceID      int64  `json:"source_warehouse_id" validate:"required"`
	DestID        int64  `json:"dest_warehouse_id" validate:"required"`
	Strategy      string `json:"strategy"`
	Note          string `json:"note"`
	Lines         []struct {
		ProductID int64  `json:"product_id" validate:"required"`
		Qty       string `json:"qty" validate:"required"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	var req createTransferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		CompanyID:     actor.CompanyID,
		DestCompanyID: req.DestCompanyID,
		SourceID:      req.SourceID,
		DestID:        req.DestID,
		Strategy:      lots.Strategy(req.Strategy),
		Note:          req.Note,
	}
	for _, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "line qty must be a decimal number")
			return
		}
		input.Lines = append(input.Lines, LineInput{ProductID: line.ProductID, Qty: qty})
	}
	t, err := h.service.Create(r.Context(), actor, input)
	if err != nil {
		h.logger.Warn("transfer create", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, transferResponse(t, nil))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transfer id")
		return
	}
	t, lines, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, transferResponse(t, lines))
}

func (h *Handler) discrepancies(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transfer id")
		return
	}
	discs, err := h.service.Discrepancies(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(discs))
	for _, d := range discs {
		out = append(out, map[string]any{
			"line_id": d.LineID, "expected": d.Expected, "received": d.Received,
			"reason": d.Reason, "value": d.Value,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"discrepancies": out})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Ship)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, error)) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transfer id")
		return
	}
	t, err := fn(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, transferResponse(t, nil))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transfer id")
		return
	}
	var req struct {
		Receipts []struct {
			LineID            int64  `json:"line_id" validate:"required"`
			QtyReceived       string `json:"qty_received" validate:"required"`
			DiscrepancyReason string `json:"discrepancy_reason"`
		} `json:"receipts" validate:"required,min=1,dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	receipts := make([]ReceiptInput, 0, len(req.Receipts))
	for _, rc := range req.Receipts {
		qty, err := decimal.NewFromString(rc.QtyReceived)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty_received must be a decimal number")
			return
		}
		receipts = append(receipts, ReceiptInput{LineID: rc.LineID, QtyReceived: qty, DiscrepancyReason: rc.DiscrepancyReason})
	}
	t, discs, err := h.service.Receive(r.Context(), actor, id, receipts)
	if err != nil {
		h.logger.Warn("transfer receive", slog.Int64("transfer_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"transfer":      transferResponse(t, nil),
		"discrepancies": len(discs),
	})
}

func transferResponse(t Transfer, lines []Line) map[string]any {
	resp := map[string]any{
		"id":                  t.ID,
		"wire_id":             t.WireID,
		"company_id":          t.CompanyID,
		"dest_company_id":     t.DestCompanyID,
		"source_warehouse_id": t.SourceID,
		"dest_warehouse_id":   t.DestID,
		"status":              t.Status,
		"strategy":            t.Strategy,
		"note":                t.Note,
		"created_by":          t.CreatedBy,
		"approved_at":         t.ApprovedAt,
		"shipped_at":          t.ShippedAt,
		"received_at":         t.ReceivedAt,
	}
	if lines != nil {
		out := make([]map[string]any, 0, len(lines))
		for _, l := range lines {
			out = append(out, map[string]any{
				"id": l.ID, "product_id": l.ProductID,
				"qty_requested": l.QtyRequested, "qty_shipped": l.QtyShipped, "qty_received": l.QtyReceived,
				"unit_cost": l.UnitCost, "shipped_value": l.ShippedValue,
			})
		}
		resp["lines"] = out
	}
	return resp
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
