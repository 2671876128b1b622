package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/sparewo/fulfillment/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "ff_abc123"

	cursor := encodeCursor(now, id)
	decodedTime, decodedID, err := parseCursor(cursor)
	if err != nil {
		t.Fatalf("parseCursor returned error: %v", err)
	}
	if !decodedTime.Equal(now) {
		t.Fatalf("decoded time mismatch: got %s want %s", decodedTime, now)
	}
	if decodedID != id {
		t.Fatalf("decoded id mismatch: got %s want %s", decodedID, id)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, c := range []string{"nocolon", "abc:id", "123:"} {
		if _, _, err := parseCursor(c); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("parseCursor(%q) = %v, want ErrInvalidCursor", c, err)
		}
	}
}

func seedOrder(t *testing.T, m *Memory, id string) domain.Order {
	t.Helper()
	o := domain.Order{
		ID:              id,
		OrderNumber:     "SW-" + id,
		CustomerID:      "cust-1",
		Items:           []domain.LineItem{{CatalogProductID: "P1", Quantity: 2}},
		DeliveryAddress: "Plot 4, Kampala Rd",
		Phone:           "+256700000000",
		Total:           decimal.NewFromInt(2000),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, m.SaveOrder(context.Background(), o))
	return o
}

func newFulfillment(order domain.Order, id, vendorID string, created time.Time) domain.OrderFulfillment {
	a := domain.Assignment{CatalogProductID: "P1", VendorProductID: "vp-" + vendorID, VendorID: vendorID, Quantity: 1, VendorPrice: decimal.NewFromInt(1000)}
	return domain.NewFulfillment(id, order, a, created)
}

func TestMemoryListInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	order := seedOrder(t, m, "o1")

	vendorID := "vendor-a"
	ff := newFulfillment(order, "f1", vendorID, time.Now().UTC())
	update := domain.OrderUpdate{Status: domain.OrderProcessing, Note: domain.NoteFulfillmentsAssigned}
	if err := m.CreateFulfillments(ctx, order.ID, []domain.OrderFulfillment{ff}, update, time.Now().UTC(), Append); err != nil {
		t.Fatalf("CreateFulfillments returned error: %v", err)
	}

	first, err := m.ListByVendor(ctx, VendorQuery{VendorID: vendorID, Limit: 10})
	if err != nil {
		t.Fatalf("first ListByVendor returned error: %v", err)
	}
	if len(first.Items) != 1 {
		t.Fatalf("expected 1 item on first list, got %d", len(first.Items))
	}
	if first.Cached {
		t.Fatal("first list should not be cached")
	}

	second, err := m.ListByVendor(ctx, VendorQuery{VendorID: vendorID, Limit: 10})
	if err != nil {
		t.Fatalf("second ListByVendor returned error: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second list to hit cache")
	}

	_, err = m.UpdateFulfillment(ctx, ff.ID, func(f *domain.OrderFulfillment) error {
		return f.Apply(domain.Transition{Status: domain.FulfillmentAccepted}, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("UpdateFulfillment returned error: %v", err)
	}

	third, err := m.ListByVendor(ctx, VendorQuery{VendorID: vendorID, Limit: 10})
	if err != nil {
		t.Fatalf("third ListByVendor returned error: %v", err)
	}
	if third.Cached {
		t.Fatal("expected cache invalidation after update")
	}
	if third.Items[0].Status != domain.FulfillmentAccepted {
		t.Fatalf("expected accepted status after update, got %s", third.Items[0].Status)
	}
}

func TestMemoryListByVendorPaginates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	var ffs []domain.OrderFulfillment
	for i := 0; i < 5; i++ {
		ffs = append(ffs, newFulfillment(order, fmt.Sprintf("f%d", i), "vendor-a", base.Add(time.Duration(i)*time.Minute)))
	}
	ffs = append(ffs, newFulfillment(order, "other", "vendor-b", base))
	require.NoError(t, m.CreateFulfillments(ctx, order.ID, ffs, domain.OrderUpdate{Status: domain.OrderProcessing}, base, Append))

	page, err := m.ListByVendor(ctx, VendorQuery{VendorID: "vendor-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "f4", page.Items[0].ID)
	assert.Equal(t, "f3", page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = m.ListByVendor(ctx, VendorQuery{VendorID: "vendor-a", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "f2", page.Items[0].ID)

	page, err = m.ListByVendor(ctx, VendorQuery{VendorID: "vendor-a", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "f0", page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	filtered, err := m.ListByVendor(ctx, VendorQuery{VendorID: "vendor-a", Status: domain.FulfillmentShipped})
	require.NoError(t, err)
	assert.Empty(t, filtered.Items)
}

func TestMemoryCreateFulfillmentsRejectsClosedOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")
	now := time.Now().UTC()

	_, changed, err := m.ReconcileOrder(ctx, order.ID, now, func(domain.Order, []domain.OrderFulfillment) (domain.OrderUpdate, bool) {
		return domain.OrderUpdate{Status: domain.OrderCancelled, Note: domain.NoteAllCancelled}, true
	})
	require.NoError(t, err)
	require.True(t, changed)

	err = m.CreateFulfillments(ctx, order.ID, []domain.OrderFulfillment{newFulfillment(order, "f1", "v1", now)}, domain.OrderUpdate{Status: domain.OrderProcessing}, now, Append)
	assert.ErrorIs(t, err, domain.ErrOrderClosed)

	items, err := m.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = m.CreateFulfillments(ctx, "missing", nil, domain.OrderUpdate{Status: domain.OrderProcessing}, now, Append)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryFirstAssignmentCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")
	now := time.Now().UTC()
	update := domain.OrderUpdate{Status: domain.OrderProcessing}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ff := newFulfillment(order, fmt.Sprintf("f%d", i), "v1", now)
			err := m.CreateFulfillments(ctx, order.ID, []domain.OrderFulfillment{ff}, update, now, FirstAssignment)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrAlreadyAssigned) {
				rejected++
				return
			}
			assert.NoError(t, err)
			created++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, rejected)
	items, err := m.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, m.CreateFulfillments(ctx, order.ID, []domain.OrderFulfillment{newFulfillment(order, "extra", "v2", now)}, update, now, Append))
	items, err = m.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2, "append mode stays additive")
}

func TestMemoryUpdateFulfillmentLeavesRecordOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")
	now := time.Now().UTC()
	require.NoError(t, m.CreateFulfillments(ctx, order.ID, []domain.OrderFulfillment{newFulfillment(order, "f1", "v1", now)}, domain.OrderUpdate{Status: domain.OrderProcessing}, now, Append))

	_, err := m.UpdateFulfillment(ctx, "f1", func(f *domain.OrderFulfillment) error {
		return f.Apply(domain.Transition{Status: domain.FulfillmentShipped}, now)
	})
	require.ErrorIs(t, err, domain.ErrTrackingRequired)

	got, err := m.GetFulfillment(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FulfillmentPending, got.Status)

	_, err = m.GetFulfillment(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrFulfillmentNotFound)
}

func TestMemoryReconcileSerializesWriters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")

	var mu sync.Mutex
	applied := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := m.ReconcileOrder(ctx, order.ID, time.Now().UTC(), func(o domain.Order, _ []domain.OrderFulfillment) (domain.OrderUpdate, bool) {
				if o.Status == domain.OrderCompleted {
					return domain.OrderUpdate{}, false
				}
				return domain.OrderUpdate{Status: domain.OrderCompleted, Note: domain.NoteAllDelivered}, true
			})
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)

	got, err := m.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestMemorySaveOrderKeepsExisting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	order := seedOrder(t, m, "o1")

	again := order
	again.Status = domain.OrderCancelled
	require.NoError(t, m.SaveOrder(ctx, again))

	got, err := m.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)

	err = m.SaveOrder(ctx, domain.Order{ID: "bad", Items: []domain.LineItem{{CatalogProductID: "P1"}}})
	assert.ErrorIs(t, err, domain.ErrMalformedRecord)
}

func TestMemoryActiveMappingsOrder(t *testing.T) {
	m := NewMemory(0)
	m.PutMapping(domain.ProductMapping{ID: "m1", CatalogProductID: "P1", VendorID: "v1", QualityScore: 0.7, IsActive: true})
	m.PutMapping(domain.ProductMapping{ID: "m2", CatalogProductID: "P1", VendorID: "v2", QualityScore: 0.9, IsActive: true})
	m.PutMapping(domain.ProductMapping{ID: "m3", CatalogProductID: "P1", VendorID: "v3", QualityScore: 0.95, IsActive: false})
	m.PutMapping(domain.ProductMapping{ID: "m4", CatalogProductID: "P2", VendorID: "v4", QualityScore: 1, IsActive: true})

	got, err := m.ActiveMappings(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m1", got[1].ID)
}

func TestMemoryLoadSeed(t *testing.T) {
	m := NewMemory(0)
	seed := `{
		"vendors": [{"id": "v1", "business_name": "Nakawa Spares", "status": "approved"}],
		"vendor_products": [{"id": "vp1", "vendor_id": "v1", "stock_quantity": 4, "unit_price": "1500"}],
		"mappings": [{"id": "m1", "catalog_product_id": "P1", "vendor_id": "v1", "vendor_product_id": "vp1", "quality_score": 0.8, "is_active": true}]
	}`
	got, err := m.LoadSeed(strings.NewReader(seed))
	require.NoError(t, err)
	assert.Len(t, got.Mappings, 1)

	mappings, err := m.ActiveMappings(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	vps, err := m.VendorProductsByID(context.Background(), []string{"vp1"})
	require.NoError(t, err)
	assert.True(t, vps["vp1"].UnitPrice.Equal(decimal.NewFromInt(1500)))

	_, err = m.LoadSeed(strings.NewReader("{"))
	assert.Error(t, err)
}
