package orders

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/sales"
	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const (
	testWarehouse = int64(5)
	testSOID      = int64(1)
	testLineA     = int64(11) // product 101, ordered 75, delivered 25
	testLineB     = int64(12) // product 102, ordered 40, delivered 0
	productA      = int64(101)
	productB      = int64(102)
)

type fixture struct {
	engine  *Engine
	orders  *MemoryRepository
	ledger  *inventory.Ledger
	tracker *sales.Tracker
	locks   *shared.MutexLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	salesRepo := sales.NewMemoryRepository()
	salesRepo.SeedOrder(sales.SalesOrder{
		ID:           testSOID,
		DocNumber:    "SO/2025/03/0042",
		CustomerID:   7,
		CustomerName: "Aurora Retail",
		Status:       sales.OrderStatusActive,
		Lines: []sales.OrderLine{
			{ID: testLineA, ProductID: productA, ProductCode: "WID-1", ProductName: "Widget", UOM: "pcs", UnitPrice: 12.5, OrderedQty: 75, DeliveredQty: 25},
			{ID: testLineB, ProductID: productB, ProductCode: "GAD-2", ProductName: "Gadget", UOM: "pcs", UnitPrice: 8, OrderedQty: 40, DeliveredQty: 0},
		},
	})
	tracker := sales.NewTracker(salesRepo)

	ledger := inventory.NewLedger(inventory.NewMemoryRepository())
	seedStock(t, ledger, productA, testWarehouse, 500, 12.5)
	seedStock(t, ledger, productB, testWarehouse, 300, 8)

	orders := NewMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := shared.NewMutexLocker()
	engine := NewEngine(orders, ledger, tracker, sequence.NewMemoryGenerator(), locks, logger)

	return &fixture{engine: engine, orders: orders, ledger: ledger, tracker: tracker, locks: locks}
}

func seedStock(t *testing.T, ledger *inventory.Ledger, productID, warehouseID int64, qty, price float64) {
	t.Helper()
	_, err := ledger.Append(context.Background(), inventory.Ref{Module: "ADJ", DocID: productID}, []inventory.Entry{
		{ProductID: productID, WarehouseID: warehouseID, Quantity: qty, UnitPrice: price},
	})
	require.NoError(t, err)
}

func marchRequest(lines ...CreateLineRequest) CreateRequest {
	return CreateRequest{
		SalesOrderID: testSOID,
		DeliveryDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Lines:        lines,
	}
}

func (f *fixture) stock(t *testing.T, productID int64) float64 {
	t.Helper()
	qty, err := f.ledger.CurrentStock(context.Background(), productID, testWarehouse)
	require.NoError(t, err)
	return qty
}

func (f *fixture) delivered(t *testing.T, lineID int64) float64 {
	t.Helper()
	line, err := f.tracker.Line(context.Background(), lineID)
	require.NoError(t, err)
	return line.DeliveredQty
}

func (f *fixture) entryCount(t *testing.T, productID int64) int {
	t.Helper()
	entries, err := f.ledger.History(context.Background(), inventory.HistoryFilter{ProductID: productID, WarehouseID: testWarehouse})
	require.NoError(t, err)
	return len(entries)
}

func TestCreateSnapshotsLineState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 25},
	), 42)
	require.NoError(t, err)

	require.Equal(t, "DO/2025/03/0001", do.Code)
	require.Equal(t, StatusDraft, do.Status)
	require.Equal(t, "Aurora Retail", do.CustomerName)
	require.Len(t, do.Lines, 1)

	line := do.Lines[0]
	require.Equal(t, 75.0, line.OrderedQty)
	require.Equal(t, 25.0, line.DeliveredToDate)
	require.Equal(t, 50.0, line.RemainingQty)
	require.Equal(t, 500.0, line.StockAvailable)
	require.Equal(t, 25.0, do.TotalQuantity)
	require.Equal(t, 25*12.5, do.TotalAmount)

	// Drafts have no stock or sales order effects.
	require.Equal(t, 500.0, f.stock(t, productA))
	require.Equal(t, 25.0, f.delivered(t, testLineA))
}

func TestCreateRejectsQuantityOverRemaining(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 60},
	), 42)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Lines, 1)
	require.Equal(t, CodeExceedsRemaining, verr.Lines[0].Code)
	require.Equal(t, testLineA, verr.Lines[0].SalesOrderLineID)
}

func TestCreateRejectsInsufficientStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two lines cannot both be wrong for the same reason: collect the
	// remaining violation and the stock violation in one response.
	_, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 60},
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 40},
	), 42)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Lines, 1)
	require.Equal(t, CodeExceedsRemaining, verr.Lines[0].Code)

	// Stock check: drain product B to 10, then ask for 20.
	f2 := newFixture(t)
	_, err = f2.ledger.Append(ctx, inventory.Ref{Module: "ADJ", DocID: 777}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -290, UnitPrice: 8},
	})
	require.NoError(t, err)

	_, err = f2.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 20},
	), 42)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, CodeInsufficientStock, verr.Lines[0].Code)
}

func TestReleaseMovesStockAndDeliveredQty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	released, err := f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)
	require.NotNil(t, released.ReleasedAt)

	require.Equal(t, 270.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))

	actions := make([]string, 0, len(released.Events))
	for _, ev := range released.Events {
		actions = append(actions, ev.Action)
	}
	require.Contains(t, actions, EventCreated)
	require.Contains(t, actions, EventReleased)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)
	entriesAfterFirst := f.entryCount(t, productB)

	again, err := f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, again.Status)

	require.Equal(t, entriesAfterFirst, f.entryCount(t, productB))
	require.Equal(t, 270.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))
}

func TestVoidReleasedRestoresStockAndDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)

	voided, err := f.engine.Void(ctx, do.ID, "customer refused", 42)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, voided.Status)
	require.Equal(t, "customer refused", voided.CancelReason)
	require.NotNil(t, voided.CancelledAt)

	// The reversal is a new inbound entry, not a removal: two entries for
	// the document, zero net movement.
	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 0.0, f.delivered(t, testLineB))
	require.Equal(t, 3, f.entryCount(t, productB)) // seed + out + reversal

	// Voiding again changes nothing.
	again, err := f.engine.Void(ctx, do.ID, "customer refused", 42)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, again.Status)
	require.Equal(t, 3, f.entryCount(t, productB))
	require.Equal(t, 300.0, f.stock(t, productB))
}

func TestReleaseCancelledIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Void(ctx, do.ID, "built against the wrong order", 42)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, do.ID, 42)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 0.0, f.delivered(t, testLineB))
}

func TestVoidRequiresUsableReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	_, err = f.engine.Void(ctx, do.ID, "  nope  ", 42)
	require.ErrorIs(t, err, ErrReasonRequired)
}

func TestReleaseStockConflictBetweenDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Product B has 300. Two drafts each claim 30 of remaining 40: the
	// second one trips the over-remaining guard instead, so drain stock to
	// make the conflict a stock one.
	_, err := f.ledger.Append(ctx, inventory.Ref{Module: "ADJ", DocID: 778}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -260, UnitPrice: 8},
	})
	require.NoError(t, err)

	first, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)
	second, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, first.ID, 42)
	require.NoError(t, err)
	require.Equal(t, 10.0, f.stock(t, productB))

	// Remaining on the line is 10, stock is 10: the second draft asked for
	// 10 so remaining passes, but seed another outbound to drift stock.
	_, err = f.ledger.Append(ctx, inventory.Ref{Module: "ADJ", DocID: 779}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -5, UnitPrice: 8},
	})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, second.ID, 42)
	require.ErrorIs(t, err, ErrStockConflict)

	// The rejected release left nothing behind.
	got, err := f.engine.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.Equal(t, 5.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))
}

func TestSalesOrderClosesOnFullDeliveryAndReopensOnVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 50},
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 40},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)

	so, err := f.tracker.Order(ctx, testSOID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderStatusClosed, so.Status)

	_, err = f.engine.Void(ctx, do.ID, "warehouse shipped the wrong pallet", 42)
	require.NoError(t, err)

	so, err = f.tracker.Order(ctx, testSOID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderStatusActive, so.Status)
}

func TestCodesAreMonotonicAndResetMonthly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line := CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 1}

	var codes []string
	for i := 0; i < 3; i++ {
		do, err := f.engine.Create(ctx, marchRequest(line), 42)
		require.NoError(t, err)
		codes = append(codes, do.Code)
	}
	require.Equal(t, []string{"DO/2025/03/0001", "DO/2025/03/0002", "DO/2025/03/0003"}, codes)

	april := marchRequest(line)
	april.DeliveryDate = time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	do, err := f.engine.Create(ctx, april, 42)
	require.NoError(t, err)
	require.Equal(t, "DO/2025/04/0001", do.Code)
}

func TestUpdateDraftReplacesLinesAndTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	newLines := []CreateLineRequest{
		{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 15},
	}
	notes := "leave at the loading dock"
	updated, err := f.engine.Update(ctx, do.ID, UpdateRequest{Notes: &notes, Lines: &newLines}, 42)
	require.NoError(t, err)
	require.Equal(t, notes, updated.Notes)
	require.Len(t, updated.Lines, 1)
	require.Equal(t, testLineB, updated.Lines[0].SalesOrderLineID)
	require.Equal(t, 15.0, updated.TotalQuantity)
	require.Equal(t, 15*8.0, updated.TotalAmount)
}

func TestUpdateLinesFrozenAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)

	lines := []CreateLineRequest{{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 5}}
	_, err = f.engine.Update(ctx, do.ID, UpdateRequest{Lines: &lines}, 42)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Header fields stay editable while released.
	notes := "carrier booked for Friday"
	updated, err := f.engine.Update(ctx, do.ID, UpdateRequest{Notes: &notes}, 42)
	require.NoError(t, err)
	require.Equal(t, notes, updated.Notes)
}

func TestDeleteDraftOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	require.NoError(t, f.engine.Delete(ctx, do.ID, 42))
	_, err = f.engine.Get(ctx, do.ID)
	require.ErrorIs(t, err, ErrNotFound)

	released, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, released.ID, 42)
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.Delete(ctx, released.ID, 42), ErrNotDeletable)
}

func TestInvoiceAndCloseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	_, err = f.engine.MarkInvoiced(ctx, do.ID, 42)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)

	invoiced, err := f.engine.MarkInvoiced(ctx, do.ID, 42)
	require.NoError(t, err)
	require.Equal(t, StatusInvoiced, invoiced.Status)
	require.NotNil(t, invoiced.InvoicedAt)

	// Invoiced documents can no longer be voided.
	_, err = f.engine.Void(ctx, do.ID, "changed our minds too late", 42)
	require.ErrorIs(t, err, ErrInvalidTransition)

	closed, err := f.engine.MarkClosed(ctx, do.ID, 42)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}

func TestRecoverFinishesInterruptedRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	// Simulate a crash after the ledger step: the outbound batch exists but
	// delivered quantities and the status flip never happened.
	applied, err := f.ledger.Append(ctx, inventory.Ref{Module: RefModule, DocID: do.ID}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -30, UnitPrice: 8, RefLineID: do.Lines[0].ID, CreatedBy: 42},
	})
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.engine.Recover(ctx))

	got, err := f.engine.Get(ctx, do.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status)
	require.Equal(t, 270.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))
	require.Equal(t, 2, f.entryCount(t, productB)) // seed + the one batch
}

func TestRecoverFinishesInterruptedVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)

	// Simulate a crash mid-void: the reversal batch landed, nothing else.
	applied, err := f.ledger.Append(ctx, inventory.Ref{Module: RefModule, DocID: do.ID}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: 30, UnitPrice: 8, RefLineID: do.Lines[0].ID, CreatedBy: 42},
	})
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.engine.Recover(ctx))

	got, err := f.engine.Get(ctx, do.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 0.0, f.delivered(t, testLineB))
}

func TestRecoverLeavesHealthyDocumentsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)
	released, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, released.ID, 42)
	require.NoError(t, err)

	require.NoError(t, f.engine.Recover(ctx))

	got, err := f.engine.Get(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	got, err = f.engine.Get(ctx, released.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status)
}

func TestConcurrentReleaseAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	const workers = 10
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Release(ctx, do.ID, 42)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, shared.ErrLockHeld)
	}
	require.GreaterOrEqual(t, succeeded, 1)

	require.Equal(t, 270.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))
	require.Equal(t, 2, f.entryCount(t, productB))
}

func TestStockConservedAcrossReleaseVoidCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		do, err := f.engine.Create(ctx, marchRequest(
			CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 20},
		), 42)
		require.NoError(t, err)
		_, err = f.engine.Release(ctx, do.ID, 42)
		require.NoError(t, err)
		_, err = f.engine.Void(ctx, do.ID, "rebooked for a later slot", 42)
		require.NoError(t, err)
	}

	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 0.0, f.delivered(t, testLineB))

	so, err := f.tracker.Order(ctx, testSOID)
	require.NoError(t, err)
	require.Equal(t, sales.OrderStatusActive, so.Status)
}

func TestVoidDraftWithPendingReleaseReversesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	// Outbound batch landed but the release never flipped the status.
	applied, err := f.ledger.Append(ctx, inventory.Ref{Module: RefModule, DocID: do.ID}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -30, UnitPrice: 8, RefLineID: do.Lines[0].ID, CreatedBy: 42},
	})
	require.NoError(t, err)
	require.True(t, applied)

	voided, err := f.engine.Void(ctx, do.ID, "customer refused the delivery", 42)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, voided.Status)

	// The pending batch was completed and reversed, not orphaned.
	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 0.0, f.delivered(t, testLineB))
	require.Equal(t, 3, f.entryCount(t, productB)) // seed + out + reversal

	require.NoError(t, f.engine.Recover(ctx))
	require.Equal(t, 300.0, f.stock(t, productB))
	require.Equal(t, 3, f.entryCount(t, productB))
}

func TestDeleteDraftWithPendingReleaseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	applied, err := f.ledger.Append(ctx, inventory.Ref{Module: RefModule, DocID: do.ID}, []inventory.Entry{
		{ProductID: productB, WarehouseID: testWarehouse, Quantity: -30, UnitPrice: 8, RefLineID: do.Lines[0].ID, CreatedBy: 42},
	})
	require.NoError(t, err)
	require.True(t, applied)

	require.ErrorIs(t, f.engine.Delete(ctx, do.ID, 42), ErrNotDeletable)

	// Recovery can still finish the release afterwards.
	require.NoError(t, f.engine.Recover(ctx))
	got, err := f.engine.Get(ctx, do.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status)
	require.Equal(t, 270.0, f.stock(t, productB))
	require.Equal(t, 30.0, f.delivered(t, testLineB))
}

func TestReleaseSerialisesOnSalesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	// A competing writer on the same sales order blocks the release before
	// any validation or ledger work happens.
	unlock, err := f.locks.Acquire(ctx, shared.SalesOrderLockKey(testSOID))
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, do.ID, 42)
	require.ErrorIs(t, err, shared.ErrLockHeld)
	require.Equal(t, 1, f.entryCount(t, productB)) // seed only
	require.NoError(t, unlock(ctx))

	released, err := f.engine.Release(ctx, do.ID, 42)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)
}

func TestReleaseSecondDocumentOverRemainingFailsClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)
	second, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 30},
	), 42)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, first.ID, 42)
	require.NoError(t, err)
	entries := f.entryCount(t, productB)

	// The loser fails validation before any side effect, and retrying keeps
	// failing the same way instead of leaving a half-applied document.
	for i := 0; i < 2; i++ {
		_, err = f.engine.Release(ctx, second.ID, 42)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, CodeExceedsRemaining, verr.Lines[0].Code)
	}
	require.Equal(t, entries, f.entryCount(t, productB))
	got, err := f.engine.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.Equal(t, 30.0, f.delivered(t, testLineB))
	require.NoError(t, f.engine.Recover(ctx))
	require.Equal(t, entries, f.entryCount(t, productB))
}

func TestCreateRejectsMissingWarehouse(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: 0, Quantity: 5},
	), 42)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Lines, 1)
	require.Equal(t, CodeMissingWarehouse, verr.Lines[0].Code)
}
