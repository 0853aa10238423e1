package sales

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedRepo() *MemoryRepository {
	repo := NewMemoryRepository()
	repo.SeedOrder(SalesOrder{
		ID:           1,
		DocNumber:    "SO/2026/03/0001",
		CustomerID:   9,
		CustomerName: "PT Nusantara Jaya",
		Status:       OrderStatusActive,
		Lines: []OrderLine{
			{ID: 11, ProductID: 101, OrderedQty: 75, DeliveredQty: 25, UOM: "PCS", UnitPrice: 10000},
			{ID: 12, ProductID: 102, OrderedQty: 40, DeliveredQty: 0, UOM: "BOX", UnitPrice: 25000},
		},
	})
	return repo
}

func TestRecordDelivery(t *testing.T) {
	tracker := NewTracker(seedRepo())
	ctx := context.Background()

	remaining, err := tracker.RecordDelivery(ctx, LineRef{Module: "DO", LineID: 201}, 11, 25)
	require.NoError(t, err)
	require.InDelta(t, 25, remaining, 1e-9)

	line, err := tracker.Line(ctx, 11)
	require.NoError(t, err)
	require.InDelta(t, 50, line.DeliveredQty, 1e-9)
}

func TestRecordDeliveryGuardsOverDelivery(t *testing.T) {
	tracker := NewTracker(seedRepo())
	ctx := context.Background()

	_, err := tracker.RecordDelivery(ctx, LineRef{Module: "DO", LineID: 201}, 11, 60)
	require.ErrorIs(t, err, ErrOverDelivery)

	// Failed applications change nothing.
	line, err := tracker.Line(ctx, 11)
	require.NoError(t, err)
	require.InDelta(t, 25, line.DeliveredQty, 1e-9)
}

func TestReverseDeliveryGuardsOverReversal(t *testing.T) {
	tracker := NewTracker(seedRepo())
	ctx := context.Background()

	_, err := tracker.ReverseDelivery(ctx, LineRef{Module: "DO", LineID: 202}, 12, 5)
	require.ErrorIs(t, err, ErrOverReversal)
}

func TestApplicationsAreIdempotentPerRef(t *testing.T) {
	tracker := NewTracker(seedRepo())
	ctx := context.Background()
	ref := LineRef{Module: "DO", LineID: 201}

	_, err := tracker.RecordDelivery(ctx, ref, 11, 25)
	require.NoError(t, err)

	// The retried application is a no-op.
	remaining, err := tracker.RecordDelivery(ctx, ref, 11, 25)
	require.NoError(t, err)
	require.InDelta(t, 25, remaining, 1e-9)

	line, err := tracker.Line(ctx, 11)
	require.NoError(t, err)
	require.InDelta(t, 50, line.DeliveredQty, 1e-9)

	// Reversal under the same ref applies once as well.
	_, err = tracker.ReverseDelivery(ctx, ref, 11, 25)
	require.NoError(t, err)
	_, err = tracker.ReverseDelivery(ctx, ref, 11, 25)
	require.NoError(t, err)

	line, err = tracker.Line(ctx, 11)
	require.NoError(t, err)
	require.InDelta(t, 25, line.DeliveredQty, 1e-9)
}

func TestDeriveOrderStatus(t *testing.T) {
	repo := seedRepo()
	tracker := NewTracker(repo)
	ctx := context.Background()

	status, err := tracker.DeriveOrderStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OrderStatusActive, status)

	_, err = tracker.RecordDelivery(ctx, LineRef{Module: "DO", LineID: 201}, 11, 50)
	require.NoError(t, err)
	_, err = tracker.RecordDelivery(ctx, LineRef{Module: "DO", LineID: 202}, 12, 40)
	require.NoError(t, err)

	status, err = tracker.DeriveOrderStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OrderStatusClosed, status)

	// Reversing reopens the order.
	_, err = tracker.ReverseDelivery(ctx, LineRef{Module: "DO", LineID: 202}, 12, 40)
	require.NoError(t, err)

	status, err = tracker.DeriveOrderStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OrderStatusActive, status)
}

func TestListActiveOrdersSearchFolding(t *testing.T) {
	repo := seedRepo()
	repo.SeedOrder(SalesOrder{ID: 2, DocNumber: "SO/2026/03/0002", CustomerID: 10, CustomerName: "CV Straße Handel", Status: OrderStatusActive})
	repo.SeedOrder(SalesOrder{ID: 3, DocNumber: "SO/2026/03/0003", CustomerID: 11, CustomerName: "Closed Corp", Status: OrderStatusClosed})
	tracker := NewTracker(repo)
	ctx := context.Background()

	orders, err := tracker.ListActiveOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	// Case folding matches ß against SS.
	orders, err = tracker.ListActiveOrders(ctx, "STRASSE")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, int64(2), orders[0].ID)
}
