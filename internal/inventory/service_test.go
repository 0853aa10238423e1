package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedStock(t *testing.T, ledger *Ledger, productID, warehouseID int64, qty float64) {
	t.Helper()
	applied, err := ledger.Append(context.Background(), Ref{Module: "GRN", DocID: productID*1000 + warehouseID}, []Entry{{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    qty,
		UnitPrice:   100,
	}})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestAppendAndFold(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository())
	ctx := context.Background()

	seedStock(t, ledger, 1, 1, 300)

	applied, err := ledger.Append(ctx, Ref{Module: "DO", DocID: 10}, []Entry{{
		ProductID: 1, WarehouseID: 1, Quantity: -30, UnitPrice: 150, RefLineID: 5,
	}})
	require.NoError(t, err)
	require.True(t, applied)

	stock, err := ledger.CurrentStock(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 270, stock, 1e-9)

	history, err := ledger.History(ctx, HistoryFilter{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.InDelta(t, -30*150, history[1].Amount, 1e-9)
}

func TestAppendRejectsNegativeStock(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository())
	ctx := context.Background()

	seedStock(t, ledger, 1, 1, 20)

	_, err := ledger.Append(ctx, Ref{Module: "DO", DocID: 11}, []Entry{{
		ProductID: 1, WarehouseID: 1, Quantity: -25, UnitPrice: 10,
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Rejected appends leave the ledger untouched.
	stock, err := ledger.CurrentStock(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 20, stock, 1e-9)
}

func TestAppendIdempotentPerRefAndDirection(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository())
	ctx := context.Background()

	seedStock(t, ledger, 1, 1, 100)

	out := []Entry{{ProductID: 1, WarehouseID: 1, Quantity: -30, UnitPrice: 10}}
	applied, err := ledger.Append(ctx, Ref{Module: "DO", DocID: 12}, out)
	require.NoError(t, err)
	require.True(t, applied)

	// Retry with the same ref is a no-op.
	applied, err = ledger.Append(ctx, Ref{Module: "DO", DocID: 12}, []Entry{{ProductID: 1, WarehouseID: 1, Quantity: -30, UnitPrice: 10}})
	require.NoError(t, err)
	require.False(t, applied)

	// The reversing direction for the same ref still applies.
	applied, err = ledger.Append(ctx, Ref{Module: "DO", DocID: 12}, []Entry{{ProductID: 1, WarehouseID: 1, Quantity: 30, UnitPrice: 10}})
	require.NoError(t, err)
	require.True(t, applied)

	stock, err := ledger.CurrentStock(ctx, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 100, stock, 1e-9)
}

func TestAppendValidation(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository())
	ctx := context.Background()

	_, err := ledger.Append(ctx, Ref{}, []Entry{{ProductID: 1, WarehouseID: 1, Quantity: 1}})
	require.ErrorIs(t, err, ErrMissingRef)

	_, err = ledger.Append(ctx, Ref{Module: "DO", DocID: 1}, []Entry{{ProductID: 1, WarehouseID: 1, Quantity: 0}})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.Append(ctx, Ref{Module: "DO", DocID: 1}, []Entry{
		{ProductID: 1, WarehouseID: 1, Quantity: 5},
		{ProductID: 2, WarehouseID: 1, Quantity: -5},
	})
	require.ErrorIs(t, err, ErrMixedDirection)

	_, err = ledger.Append(ctx, Ref{Module: "DO", DocID: 1}, []Entry{{ProductID: 1, WarehouseID: 1, Quantity: 1, UnitPrice: -3}})
	require.ErrorIs(t, err, ErrInvalidUnitPrice)
}

func TestStockForBatchesKeys(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository())
	ctx := context.Background()

	seedStock(t, ledger, 1, 1, 40)
	seedStock(t, ledger, 2, 1, 60)

	stocks, err := ledger.StockFor(ctx, []Key{
		{ProductID: 1, WarehouseID: 1},
		{ProductID: 2, WarehouseID: 1},
		{ProductID: 3, WarehouseID: 1},
	})
	require.NoError(t, err)
	require.InDelta(t, 40, stocks[Key{ProductID: 1, WarehouseID: 1}], 1e-9)
	require.InDelta(t, 60, stocks[Key{ProductID: 2, WarehouseID: 1}], 1e-9)
	require.InDelta(t, 0, stocks[Key{ProductID: 3, WarehouseID: 1}], 1e-9)
}

func TestAdvisoryLockKeyKeepsWidePositionsApart(t *testing.T) {
	base := advisoryLockKey(2, 5)

	// Ids past the 32-bit range must still map to their own lock.
	require.NotEqual(t, base, advisoryLockKey(2+(int64(1)<<32), 5))
	require.NotEqual(t, base, advisoryLockKey(2, 5+(int64(1)<<32)))
	require.NotEqual(t, advisoryLockKey(5, 2), base)
	require.Equal(t, base, advisoryLockKey(2, 5))
}
