package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/delivery/orders"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/sales"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	Logger    *slog.Logger
	Config    *Config
	Metrics   *observability.Metrics
	Orders    *orders.Handler
	Sales     *sales.Handler
	Inventory *inventory.Handler

	// Ready reports backing store health for the readiness probe.
	Ready func(ctx context.Context) error
}

// NewRouter assembles the chi router with the full middleware stack.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  deps.Logger,
		Config:  deps.Config,
		Metrics: deps.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(req.Context()); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", err.Error())
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if deps.Orders != nil {
			deps.Orders.MountRoutes(api)
		}
		if deps.Sales != nil {
			deps.Sales.MountRoutes(api)
		}
		if deps.Inventory != nil {
			deps.Inventory.MountRoutes(api)
		}
	})
	return r
}
