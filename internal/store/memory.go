package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"erp/sparewo/fulfillment/internal/domain"
)

// Memory keeps everything in process. It backs tests and the service's
// memory mode when Postgres is unavailable. One mutex serializes writers, so
// multi-record operations are atomic.
type Memory struct {
	mu             sync.RWMutex
	orders         map[string]domain.Order
	fulfillments   map[string]domain.OrderFulfillment
	mappings       map[string]domain.ProductMapping
	vendorProducts map[string]domain.VendorProduct
	vendors        map[string]domain.Vendor
	cache          *listCache
}

func NewMemory(cacheTTL time.Duration) *Memory {
	return &Memory{
		orders:         make(map[string]domain.Order),
		fulfillments:   make(map[string]domain.OrderFulfillment),
		mappings:       make(map[string]domain.ProductMapping),
		vendorProducts: make(map[string]domain.VendorProduct),
		vendors:        make(map[string]domain.Vendor),
		cache:          newListCache(cacheTTL),
	}
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (m *Memory) PutMapping(pm domain.ProductMapping) {
	m.mu.Lock()
	m.mappings[pm.ID] = pm
	m.mu.Unlock()
}

func (m *Memory) PutVendorProduct(vp domain.VendorProduct) {
	m.mu.Lock()
	m.vendorProducts[vp.ID] = vp
	m.mu.Unlock()
}

func (m *Memory) PutVendor(v domain.Vendor) {
	m.mu.Lock()
	m.vendors[v.ID] = v
	m.mu.Unlock()
}

func (m *Memory) ActiveMappings(_ context.Context, catalogProductID string) ([]domain.ProductMapping, error) {
	m.mu.RLock()
	out := make([]domain.ProductMapping, 0)
	for _, pm := range m.mappings {
		if pm.CatalogProductID == catalogProductID && pm.IsActive {
			out = append(out, pm)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore == out[j].QualityScore {
			return out[i].ID < out[j].ID
		}
		return out[i].QualityScore > out[j].QualityScore
	})
	return out, nil
}

func (m *Memory) VendorProductsByID(_ context.Context, ids []string) (map[string]domain.VendorProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.VendorProduct, len(ids))
	for _, id := range ids {
		if vp, ok := m.vendorProducts[id]; ok {
			out[id] = vp
		}
	}
	return out, nil
}

func (m *Memory) VendorsByID(_ context.Context, ids []string) (map[string]domain.Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Vendor, len(ids))
	for _, id := range ids {
		if v, ok := m.vendors[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (m *Memory) SaveOrder(_ context.Context, order domain.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return nil
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return cloneOrder(o), nil
}

// ---------------------------------------------------------------------------
// Fulfillments
// ---------------------------------------------------------------------------

func (m *Memory) CreateFulfillments(_ context.Context, orderID string, ffs []domain.OrderFulfillment, update domain.OrderUpdate, now time.Time, mode CreateMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if order.Status.Closed() {
		return fmt.Errorf("%w: %s", domain.ErrOrderClosed, orderID)
	}
	if mode == FirstAssignment && len(m.byOrderLocked(orderID)) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyAssigned, orderID)
	}
	for _, ff := range ffs {
		if _, exists := m.fulfillments[ff.ID]; exists {
			return fmt.Errorf("fulfillment %s already exists", ff.ID)
		}
	}
	for _, ff := range ffs {
		m.fulfillments[ff.ID] = ff
		m.cache.invalidateVendor(ff.VendorID)
	}
	order.Apply(update, now)
	m.orders[orderID] = order
	return nil
}

func (m *Memory) GetFulfillment(_ context.Context, id string) (domain.OrderFulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ff, ok := m.fulfillments[id]
	if !ok {
		return domain.OrderFulfillment{}, fmt.Errorf("%w: %s", domain.ErrFulfillmentNotFound, id)
	}
	return ff, nil
}

func (m *Memory) UpdateFulfillment(_ context.Context, id string, mutate func(*domain.OrderFulfillment) error) (domain.OrderFulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ff, ok := m.fulfillments[id]
	if !ok {
		return domain.OrderFulfillment{}, fmt.Errorf("%w: %s", domain.ErrFulfillmentNotFound, id)
	}
	if err := mutate(&ff); err != nil {
		return domain.OrderFulfillment{}, err
	}
	m.fulfillments[id] = ff
	m.cache.invalidateVendor(ff.VendorID)
	return ff, nil
}

func (m *Memory) ListByOrder(_ context.Context, orderID string) ([]domain.OrderFulfillment, error) {
	m.mu.RLock()
	items := m.byOrderLocked(orderID)
	m.mu.RUnlock()
	sortNewestFirst(items)
	return items, nil
}

func (m *Memory) ListByVendor(_ context.Context, q VendorQuery) (Page, error) {
	q.Limit = clampLimit(q.Limit)
	if cached, ok := m.cache.get(q); ok {
		cached.Cached = true
		return cached, nil
	}
	cursorTime, cursorID, err := parseCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}

	gen := m.cache.generation(q.VendorID)
	m.mu.RLock()
	items := make([]domain.OrderFulfillment, 0)
	for _, ff := range m.fulfillments {
		if ff.VendorID != q.VendorID {
			continue
		}
		if q.Status != "" && ff.Status != q.Status {
			continue
		}
		items = append(items, ff)
	}
	m.mu.RUnlock()

	sortNewestFirst(items)

	if !cursorTime.IsZero() {
		filtered := items[:0]
		for _, it := range items {
			if it.CreatedAt.Before(cursorTime) || (it.CreatedAt.Equal(cursorTime) && it.ID < cursorID) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	page := Page{}
	if len(items) <= q.Limit {
		page.Items = append(make([]domain.OrderFulfillment, 0, len(items)), items...)
	} else {
		page.Items = append(make([]domain.OrderFulfillment, 0, q.Limit), items[:q.Limit]...)
		last := items[q.Limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	m.cache.set(q, page, gen)
	return page, nil
}

func (m *Memory) ReconcileOrder(_ context.Context, orderID string, now time.Time, decide DecideFunc) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, false, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	update, apply := decide(cloneOrder(order), m.byOrderLocked(orderID))
	if !apply {
		return cloneOrder(order), false, nil
	}
	order.Apply(update, now)
	m.orders[orderID] = order
	return cloneOrder(order), true, nil
}

func (m *Memory) byOrderLocked(orderID string) []domain.OrderFulfillment {
	items := make([]domain.OrderFulfillment, 0)
	for _, ff := range m.fulfillments {
		if ff.OrderID == orderID {
			items = append(items, ff)
		}
	}
	return items
}

func sortNewestFirst(items []domain.OrderFulfillment) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.LineItem(nil), o.Items...)
	return o
}

// Seed is a catalog snapshot for memory mode.
type Seed struct {
	Mappings       []domain.ProductMapping `json:"mappings"`
	VendorProducts []domain.VendorProduct  `json:"vendor_products"`
	Vendors        []domain.Vendor         `json:"vendors"`
}

// LoadSeed reads a JSON Seed into the catalog maps.
func (m *Memory) LoadSeed(r io.Reader) (Seed, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("decode catalog seed: %w", err)
	}
	for _, pm := range seed.Mappings {
		m.PutMapping(pm)
	}
	for _, vp := range seed.VendorProducts {
		m.PutVendorProduct(vp)
	}
	for _, v := range seed.Vendors {
		m.PutVendor(v)
	}
	return seed, nil
}
