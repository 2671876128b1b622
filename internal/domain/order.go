package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Closed reports whether the order can no longer receive fulfillments.
func (s OrderStatus) Closed() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Admin notes written by the fulfillment flow.
const (
	NoteFulfillmentsAssigned = "Fulfillments assigned to vendors"
	NoteAllDelivered         = "All items delivered"
	NoteAllCancelled         = "All fulfillments cancelled"
)

type LineItem struct {
	CatalogProductID string `json:"catalog_product_id"`
	Quantity         int    `json:"quantity"`
}

// Order is owned by the order-intake flow. Fulfillment only advances its
// status, admin notes and timestamps.
type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	CustomerID      string          `json:"customer_id"`
	Items           []LineItem      `json:"items"`
	DeliveryAddress string          `json:"delivery_address"`
	Phone           string          `json:"phone"`
	Total           decimal.Decimal `json:"total"`
	Status          OrderStatus     `json:"status"`
	AdminNotes      string          `json:"admin_notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

// Validate rejects orders the fulfillment flow cannot work with.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: order id is required", ErrMalformedRecord)
	}
	for i, it := range o.Items {
		if strings.TrimSpace(it.CatalogProductID) == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: order %s item %d needs catalog_product_id and quantity > 0", ErrMalformedRecord, o.ID, i)
		}
	}
	return nil
}

// OrderUpdate is a status change applied to an order.
type OrderUpdate struct {
	Status OrderStatus
	Note   string
}

// Apply stamps the order with the update at time now.
func (o *Order) Apply(u OrderUpdate, now time.Time) {
	o.Status = u.Status
	if u.Note != "" {
		o.AdminNotes = u.Note
	}
	o.UpdatedAt = now
	switch u.Status {
	case OrderCompleted:
		o.CompletedAt = &now
	case OrderCancelled:
		o.CancelledAt = &now
	}
}
