package inventory

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes read-only stock views over the ledger fold. Concurrent
// requests for the same position are collapsed with singleflight so a burst
// of availability checks costs one fold.
type Handler struct {
	ledger *Ledger
	group  singleflight.Group
}

// NewHandler builds the inventory HTTP handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// MountRoutes registers the inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Get("/stock", h.stock)
		r.Get("/history", h.history)
	})
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	productID, warehouseID, ok := positionParams(w, r)
	if !ok {
		return
	}
	key := fmt.Sprintf("stock:%d:%d", productID, warehouseID)
	// The winning caller's read is shared with everyone collapsed onto it, so
	// its cancellation must not take the followers down too.
	ctx := context.WithoutCancel(r.Context())
	qty, err, _ := h.group.Do(key, func() (any, error) {
		return h.ledger.CurrentStock(ctx, productID, warehouseID)
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":   productID,
		"warehouse_id": warehouseID,
		"quantity":     qty,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	productID, warehouseID, ok := positionParams(w, r)
	if !ok {
		return
	}
	filter := HistoryFilter{ProductID: productID, WarehouseID: warehouseID}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	entries, err := h.ledger.History(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func positionParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "product_id is required")
		return 0, 0, false
	}
	warehouseID, err := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "warehouse_id is required")
		return 0, 0, false
	}
	return productID, warehouseID, true
}
