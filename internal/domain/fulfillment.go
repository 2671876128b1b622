package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentAccepted   FulfillmentStatus = "accepted"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

// position along the forward path; cancelled sits outside it.
var statusRank = map[FulfillmentStatus]int{
	FulfillmentPending:    0,
	FulfillmentAccepted:   1,
	FulfillmentProcessing: 2,
	FulfillmentShipped:    3,
	FulfillmentDelivered:  4,
}

// ParseFulfillmentStatus normalizes raw input the same way the HTTP layer
// and the stores see it.
func ParseFulfillmentStatus(raw string) (FulfillmentStatus, error) {
	s := FulfillmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == FulfillmentCancelled {
		return s, nil
	}
	if _, ok := statusRank[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s FulfillmentStatus) Terminal() bool {
	return s == FulfillmentDelivered || s == FulfillmentCancelled
}

// CanTransitionTo reports whether next is reachable from s. Moves go strictly
// forward; cancelled is reachable from every non-terminal status.
func (s FulfillmentStatus) CanTransitionTo(next FulfillmentStatus) error {
	if s.Terminal() {
		return fmt.Errorf("%w: %s", ErrFulfillmentTerminal, s)
	}
	if next == FulfillmentCancelled {
		return nil
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	if !okFrom || !okTo {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, s, next)
	}
	if to <= from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

type TrackingInfo struct {
	TrackingNumber    string     `json:"tracking_number,omitempty"`
	Carrier           string     `json:"carrier,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

func (t *TrackingInfo) IsEmpty() bool {
	return t == nil || (strings.TrimSpace(t.TrackingNumber) == "" && strings.TrimSpace(t.Carrier) == "" && t.EstimatedDelivery == nil)
}

// Transition is a requested status change for one fulfillment.
type Transition struct {
	Status      FulfillmentStatus
	VendorNotes *string
	Tracking    *TrackingInfo
}

type OrderFulfillment struct {
	ID                string            `json:"id"`
	OrderID           string            `json:"order_id"`
	OrderNumber       string            `json:"order_number"`
	CatalogProductID  string            `json:"catalog_product_id"`
	VendorProductID   string            `json:"vendor_product_id"`
	VendorID          string            `json:"vendor_id"`
	CustomerID        string            `json:"customer_id"`
	Quantity          int               `json:"quantity"`
	VendorPrice       decimal.Decimal   `json:"vendor_price"`
	TotalVendorAmount decimal.Decimal   `json:"total_vendor_amount"`
	Status            FulfillmentStatus `json:"status"`
	DeliveryAddress   string            `json:"delivery_address"`
	Phone             string            `json:"phone"`
	Notes             string            `json:"notes,omitempty"`
	VendorNotes       string            `json:"vendor_notes,omitempty"`
	TrackingNumber    string            `json:"tracking_number,omitempty"`
	Carrier           string            `json:"carrier,omitempty"`
	EstimatedDelivery *time.Time        `json:"estimated_delivery,omitempty"`
	AssignedAt        time.Time         `json:"assigned_at"`
	AcceptedAt        *time.Time        `json:"accepted_at,omitempty"`
	ShippedAt         *time.Time        `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Validate checks an assignment before any fulfillment is built from it.
func (a Assignment) Validate() error {
	switch {
	case strings.TrimSpace(a.CatalogProductID) == "":
		return fmt.Errorf("%w: catalog_product_id is required", ErrInvalidAssignment)
	case strings.TrimSpace(a.VendorProductID) == "":
		return fmt.Errorf("%w: vendor_product_id is required", ErrInvalidAssignment)
	case strings.TrimSpace(a.VendorID) == "":
		return fmt.Errorf("%w: vendor_id is required", ErrInvalidAssignment)
	case a.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidAssignment)
	case a.VendorPrice.IsNegative():
		return fmt.Errorf("%w: vendor_price must be >= 0", ErrInvalidAssignment)
	}
	return nil
}

// NewFulfillment builds a pending fulfillment for one assignment. Delivery
// details are copied from the order; the total is fixed here and never
// recomputed.
func NewFulfillment(id string, order Order, a Assignment, now time.Time) OrderFulfillment {
	return OrderFulfillment{
		ID:                id,
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		CatalogProductID:  a.CatalogProductID,
		VendorProductID:   a.VendorProductID,
		VendorID:          a.VendorID,
		CustomerID:        order.CustomerID,
		Quantity:          a.Quantity,
		VendorPrice:       a.VendorPrice,
		TotalVendorAmount: a.VendorPrice.Mul(decimal.NewFromInt(int64(a.Quantity))),
		Status:            FulfillmentPending,
		DeliveryAddress:   order.DeliveryAddress,
		Phone:             order.Phone,
		Notes:             a.Notes,
		AssignedAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Apply moves the fulfillment to tr.Status and records the transition metadata.
func (f *OrderFulfillment) Apply(tr Transition, now time.Time) error {
	if err := f.Status.CanTransitionTo(tr.Status); err != nil {
		return err
	}
	if tr.Status == FulfillmentShipped && tr.Tracking.IsEmpty() {
		return ErrTrackingRequired
	}

	switch tr.Status {
	case FulfillmentAccepted:
		f.AcceptedAt = &now
	case FulfillmentShipped:
		f.ShippedAt = &now
		f.TrackingNumber = strings.TrimSpace(tr.Tracking.TrackingNumber)
		f.Carrier = strings.TrimSpace(tr.Tracking.Carrier)
		f.EstimatedDelivery = tr.Tracking.EstimatedDelivery
	case FulfillmentDelivered:
		f.DeliveredAt = &now
	case FulfillmentCancelled:
		f.CancelledAt = &now
	}
	if tr.VendorNotes != nil {
		f.VendorNotes = *tr.VendorNotes
	}
	f.Status = tr.Status
	f.UpdatedAt = now
	return nil
}
