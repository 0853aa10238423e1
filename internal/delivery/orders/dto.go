package orders

import (
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// CreateLineRequest is one requested shipment position.
type CreateLineRequest struct {
	SalesOrderLineID int64   `json:"sales_order_line_id" validate:"required,gt=0"`
	WarehouseID      int64   `json:"warehouse_id" validate:"required,gt=0"`
	Quantity         float64 `json:"quantity" validate:"required,gt=0"`
	Discount         float64 `json:"discount" validate:"gte=0"`
}

// CreateRequest creates a draft delivery order against one sales order.
type CreateRequest struct {
	SalesOrderID int64               `json:"sales_order_id" validate:"required,gt=0"`
	DeliveryDate time.Time           `json:"delivery_date" validate:"required"`
	CarrierID    *int64              `json:"carrier_id,omitempty" validate:"omitempty,gt=0"`
	Notes        string              `json:"notes" validate:"max=2000"`
	Lines        []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// UpdateRequest patches a delivery order. Nil fields are left unchanged.
// Lines, when present, replace the draft's lines wholesale.
type UpdateRequest struct {
	DeliveryDate *time.Time           `json:"delivery_date,omitempty"`
	CarrierID    *int64               `json:"carrier_id,omitempty" validate:"omitempty,gt=0"`
	Notes        *string              `json:"notes,omitempty" validate:"omitempty,max=2000"`
	Lines        *[]CreateLineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

// VoidRequest cancels a delivery order.
type VoidRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=500"`
}

// ListFilter narrows and pages the delivery order list.
type ListFilter struct {
	Status       Status `json:"status,omitempty"`
	SalesOrderID int64  `json:"sales_order_id,omitempty"`
	CustomerID   int64  `json:"customer_id,omitempty"`
	Search       string `json:"search,omitempty"`
	DateFrom     time.Time
	DateTo       time.Time
	Page         shared.Pagination
}

// ListResult is one page of delivery orders plus the unpaged total.
type ListResult struct {
	Orders []DeliveryOrder `json:"orders"`
	Total  int             `json:"total"`
}
