package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// ReaderPort describes the ledger reads the HTTP layer needs.
type ReaderPort interface {
	GetKardex(ctx context.Context, filter KardexFilter) ([]Entry, error)
	GetPosition(ctx context.Context, companyID, warehouseID, productID int64) (Position, error)
	ListPositionsBelowMinimum(ctx context.Context, companyID int64) ([]LowPosition, error)
}

// Handler serves the stock card and position reports.
type Handler struct {
	logger *slog.Logger
	reader ReaderPort
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, reader ReaderPort) *Handler {
	return &Handler{logger: logger, reader: reader}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses/{warehouseID}/products/{productID}/kardex", h.kardex)
	r.Get("/warehouses/{warehouseID}/products/{productID}/position", h.position)
	r.Get("/positions/low-stock", h.lowStock)
}

func (h *Handler) kardex(w http.ResponseWriter, r *http.Request) {
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
	filter := KardexFilter{
		CompanyID:   actor.CompanyID,
		WarehouseID: warehouseID,
		ProductID:   productID,
	}
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	entries, err := h.reader.GetKardex(r.Context(), filter)
	if err != nil {
		h.logger.Warn("kardex read", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":            e.ID,
			"lot_id":        e.LotID,
			"movement_id":   e.MovementID,
			"movement_type": e.Type,
			"qty":           e.Qty,
			"qty_in":        e.QtyIn,
			"qty_out":       e.QtyOut,
			"balance_qty":   e.BalanceQty,
			"unit_cost":     e.UnitCost,
			"total_cost":    e.TotalCost,
			"transfer_id":   e.TransferID,
			"batch_id":      e.BatchID,
			"movement_date": e.MovementDate,
			"note":          e.Note,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.reader.GetPosition(r.Context(), actor.CompanyID, warehouseID, productID)
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		httpx.RespondError(w, err)
		return
	}
	// An untouched product reads as a zero position, not a 404.
	httpx.JSON(w, http.StatusOK, map[string]any{
		"warehouse_id": p.WarehouseID,
		"product_id":   p.ProductID,
		"qty":          p.Qty,
		"reserved_qty": p.Reserved,
		"available":    p.Available(),
		"avg_cost":     p.AvgCost,
		"updated_at":   p.UpdatedAt,
	})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor headers required")
		return
	}
	list, err := h.reader.ListPositionsBelowMinimum(r.Context(), actor.CompanyID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, lp := range list {
		out = append(out, map[string]any{
			"warehouse_id": lp.WarehouseID,
			"product_id":   lp.ProductID,
			"available":    lp.Available,
			"minimum":      lp.Minimum,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"positions": out})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
