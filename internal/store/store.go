// Package store holds the persistence side of fulfillment: the catalog
// read model (mappings, vendor listings, vendors) and the order/fulfillment
// records, with in-memory, Postgres and MongoDB implementations.
package store

import (
	"context"
	"time"

	"erp/sparewo/fulfillment/internal/domain"
)

// Catalog is the read-only view of vendor listings for catalog products.
type Catalog interface {
	// ActiveMappings returns the active mappings of a catalog product ordered
	// by quality score, highest first.
	ActiveMappings(ctx context.Context, catalogProductID string) ([]domain.ProductMapping, error)
	VendorProductsByID(ctx context.Context, ids []string) (map[string]domain.VendorProduct, error)
	VendorsByID(ctx context.Context, ids []string) (map[string]domain.Vendor, error)
}

type VendorQuery struct {
	VendorID string
	Status   domain.FulfillmentStatus
	Cursor   string
	Limit    int
}

type Page struct {
	Items      []domain.OrderFulfillment `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
	Cached     bool                      `json:"cached"`
}

// CreateMode selects how CreateFulfillments treats an order that already has
// fulfillments.
type CreateMode int

const (
	// Append adds the records next to any existing ones.
	Append CreateMode = iota
	// FirstAssignment fails with domain.ErrAlreadyAssigned when the order has
	// any fulfillment. The check runs inside the same unit as the insert.
	FirstAssignment
)

// DecideFunc inspects an order and all of its fulfillments and returns the
// update to apply, if any.
type DecideFunc func(order domain.Order, fulfillments []domain.OrderFulfillment) (domain.OrderUpdate, bool)

// Fulfillments persists orders and their fulfillments. Every method that
// mutates more than one record does so atomically.
type Fulfillments interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// SaveOrder stores an order snapshot coming from order intake. Existing
	// orders are left untouched.
	SaveOrder(ctx context.Context, order domain.Order) error
	// CreateFulfillments inserts all records and applies update to their
	// parent order in one unit.
	CreateFulfillments(ctx context.Context, orderID string, fulfillments []domain.OrderFulfillment, update domain.OrderUpdate, now time.Time, mode CreateMode) error
	GetFulfillment(ctx context.Context, id string) (domain.OrderFulfillment, error)
	// UpdateFulfillment runs mutate against the current record and persists
	// the result. Nothing is written when mutate fails.
	UpdateFulfillment(ctx context.Context, id string, mutate func(*domain.OrderFulfillment) error) (domain.OrderFulfillment, error)
	// ListByOrder returns all fulfillments of an order, newest first.
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderFulfillment, error)
	ListByVendor(ctx context.Context, q VendorQuery) (Page, error)
	// ReconcileOrder reads the order and its fulfillments and applies the
	// decided update under one lock on the order.
	ReconcileOrder(ctx context.Context, orderID string, now time.Time, decide DecideFunc) (domain.Order, bool, error)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
