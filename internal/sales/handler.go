package sales

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes read-only sales order views for picking delivery targets.
type Handler struct {
	tracker *Tracker
}

// NewHandler builds the sales order HTTP handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// MountRoutes registers the sales order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sales/orders", func(r chi.Router) {
		r.Get("/", h.listActive)
		r.Get("/{id}/lines", h.lines)
	})
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	orders, err := h.tracker.ListActiveOrders(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) lines(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid sales order id")
		return
	}
	lines, err := h.tracker.OrderLines(r.Context(), id)
	if errors.Is(err, ErrOrderNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type lineView struct {
		OrderLine
		Remaining float64 `json:"remaining_qty"`
	}
	views := make([]lineView, 0, len(lines))
	for _, l := range lines {
		views = append(views, lineView{OrderLine: l, Remaining: l.Remaining()})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": views})
}
