package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/sales"
)

const qtyEpsilon = 1e-6

// buildLines validates every requested line against the live sales order line
// state and the current ledger stock, and returns the fully snapshotted lines
// ready to persist. All failures are collected into one ValidationError so
// the caller sees every problem at once.
func (e *Engine) buildLines(ctx context.Context, so sales.SalesOrder, reqs []CreateLineRequest) ([]Line, error) {
	if len(reqs) == 0 {
		return nil, ErrNoLines
	}
	verr := &ValidationError{}
	seen := make(map[int64]int, len(reqs))
	soLines := make([]sales.OrderLine, len(reqs))
	valid := make([]bool, len(reqs))

	for i, req := range reqs {
		if req.Quantity <= 0 {
			verr.add(i, req.SalesOrderLineID, CodeInvalidQuantity, "quantity must be greater than zero")
			continue
		}
		if req.WarehouseID == 0 {
			verr.add(i, req.SalesOrderLineID, CodeMissingWarehouse, "warehouse is required")
			continue
		}
		if prev, dup := seen[req.SalesOrderLineID]; dup {
			verr.add(i, req.SalesOrderLineID, CodeDuplicateOrderLine, "sales order line already used on line %d", prev)
			continue
		}
		seen[req.SalesOrderLineID] = i

		soLine, err := e.tracker.Line(ctx, req.SalesOrderLineID)
		if errors.Is(err, sales.ErrLineNotFound) {
			verr.add(i, req.SalesOrderLineID, CodeLineNotFound, "sales order line %d not found", req.SalesOrderLineID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if soLine.SalesOrderID != so.ID {
			verr.add(i, req.SalesOrderLineID, CodeLineNotFound, "sales order line %d belongs to another order", req.SalesOrderLineID)
			continue
		}
		if req.Quantity > soLine.Remaining()+qtyEpsilon {
			verr.add(i, req.SalesOrderLineID, CodeExceedsRemaining,
				"quantity %.4f exceeds remaining %.4f", req.Quantity, soLine.Remaining())
			continue
		}
		soLines[i] = soLine
		valid[i] = true
	}

	// Stock is checked against the ledger fold, with every valid line's
	// demand on the same position counted together.
	keys := make([]inventory.Key, 0, len(reqs))
	for i, req := range reqs {
		if valid[i] {
			keys = append(keys, inventory.Key{ProductID: soLines[i].ProductID, WarehouseID: req.WarehouseID})
		}
	}
	stock, err := e.ledger.StockFor(ctx, keys)
	if err != nil {
		return nil, err
	}
	allocated := make(map[inventory.Key]float64, len(keys))
	lines := make([]Line, 0, len(reqs))
	for i, req := range reqs {
		if !valid[i] {
			continue
		}
		soLine := soLines[i]
		key := inventory.Key{ProductID: soLine.ProductID, WarehouseID: req.WarehouseID}
		available := stock[key] - allocated[key]
		if req.Quantity > available+qtyEpsilon {
			verr.add(i, req.SalesOrderLineID, CodeInsufficientStock,
				"quantity %.4f exceeds available stock %.4f for product %s", req.Quantity, available, soLine.ProductCode)
			continue
		}
		allocated[key] += req.Quantity

		lines = append(lines, Line{
			SalesOrderLineID: soLine.ID,
			ProductID:        soLine.ProductID,
			ProductCode:      soLine.ProductCode,
			ProductName:      soLine.ProductName,
			UOM:              soLine.UOM,
			WarehouseID:      req.WarehouseID,
			Quantity:         req.Quantity,
			OrderedQty:       soLine.OrderedQty,
			DeliveredToDate:  soLine.DeliveredQty,
			RemainingQty:     soLine.Remaining(),
			StockAvailable:   stock[key],
			UnitPrice:        soLine.UnitPrice,
			Discount:         req.Discount,
			LineAmount:       req.Quantity*soLine.UnitPrice - req.Discount,
		})
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return lines, nil
}

// revalidate re-runs line validation for an existing draft against live
// remaining quantities and live stock, right before releasing it.
func (e *Engine) revalidate(ctx context.Context, do *DeliveryOrder) error {
	so, err := e.tracker.Order(ctx, do.SalesOrderID)
	if err != nil {
		return err
	}
	if so.Status != sales.OrderStatusActive {
		return fmt.Errorf("%w: sales order %d is %s", ErrOrderNotDeliverable, so.ID, so.Status)
	}
	reqs := make([]CreateLineRequest, len(do.Lines))
	for i, l := range do.Lines {
		reqs[i] = CreateLineRequest{
			SalesOrderLineID: l.SalesOrderLineID,
			WarehouseID:      l.WarehouseID,
			Quantity:         l.Quantity,
			Discount:         l.Discount,
		}
	}
	_, err = e.buildLines(ctx, so, reqs)
	return err
}
