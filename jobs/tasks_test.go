package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/delivery/orders"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/sales"
	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func newTestEngine(t *testing.T) (*orders.Engine, *inventory.Ledger) {
	t.Helper()

	salesRepo := sales.NewMemoryRepository()
	salesRepo.SeedOrder(sales.SalesOrder{
		ID:           1,
		DocNumber:    "SO/2025/03/0001",
		CustomerID:   3,
		CustomerName: "Harbor Supplies",
		Status:       sales.OrderStatusActive,
		Lines: []sales.OrderLine{
			{ID: 21, ProductID: 301, ProductCode: "CBL-9", ProductName: "Cable", UOM: "pcs", UnitPrice: 4, OrderedQty: 50, DeliveredQty: 0},
		},
	})
	ledger := inventory.NewLedger(inventory.NewMemoryRepository())
	_, err := ledger.Append(context.Background(), inventory.Ref{Module: "ADJ", DocID: 301}, []inventory.Entry{
		{ProductID: 301, WarehouseID: 2, Quantity: 200, UnitPrice: 4},
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := orders.NewEngine(
		orders.NewMemoryRepository(),
		ledger,
		sales.NewTracker(salesRepo),
		sequence.NewMemoryGenerator(),
		shared.NewMutexLocker(),
		logger,
	)
	return engine, ledger
}

func TestDeliveryReconcileHandlerFinishesInterruptedRelease(t *testing.T) {
	ctx := context.Background()
	engine, ledger := newTestEngine(t)

	do, err := engine.Create(ctx, orders.CreateRequest{
		SalesOrderID: 1,
		DeliveryDate: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		Lines: []orders.CreateLineRequest{
			{SalesOrderLineID: 21, WarehouseID: 2, Quantity: 10},
		},
	}, 7)
	require.NoError(t, err)

	// The outbound batch landed but the status flip did not, as after a crash
	// mid-release.
	applied, err := ledger.Append(ctx, inventory.Ref{Module: orders.RefModule, DocID: do.ID}, []inventory.Entry{
		{ProductID: 301, WarehouseID: 2, Quantity: -10, UnitPrice: 4, RefLineID: do.Lines[0].ID, CreatedBy: 7},
	})
	require.NoError(t, err)
	require.True(t, applied)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewDeliveryReconcileHandler(engine, logger)
	require.NoError(t, handler(ctx, NewDeliveryReconcileTask()))

	got, err := engine.Get(ctx, do.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusReleased, got.Status)

	// Running the task again is a no-op.
	require.NoError(t, handler(ctx, NewDeliveryReconcileTask()))
}

func TestIdempotencyCleanupHandlerToleratesMissingStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewIdempotencyCleanupHandler(nil, logger)

	require.NoError(t, handler(context.Background(), NewIdempotencyCleanupTask()))
}
