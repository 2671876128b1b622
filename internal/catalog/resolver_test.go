package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/sparewo/fulfillment/internal/domain"
	"erp/sparewo/fulfillment/internal/store"
)

func seedCatalog() *store.Memory {
	m := store.NewMemory(0)
	m.PutVendor(domain.Vendor{ID: "v1", BusinessName: "Nakawa Spares", Status: domain.VendorApproved})
	m.PutVendor(domain.Vendor{ID: "v2", BusinessName: "Kisekka Motors", Status: domain.VendorApproved})
	m.PutVendor(domain.Vendor{ID: "v3", BusinessName: "Pending Parts", Status: domain.VendorPending})

	m.PutVendorProduct(domain.VendorProduct{ID: "vp1", VendorID: "v1", StockQuantity: 10, UnitPrice: decimal.NewFromInt(1000)})
	m.PutVendorProduct(domain.VendorProduct{ID: "vp2", VendorID: "v2", StockQuantity: 5})
	m.PutVendorProduct(domain.VendorProduct{ID: "vp3", VendorID: "v3", StockQuantity: 50, UnitPrice: decimal.NewFromInt(500)})
	m.PutVendorProduct(domain.VendorProduct{ID: "vp4", VendorID: "v1", StockQuantity: 0, UnitPrice: decimal.NewFromInt(400)})

	m.PutMapping(domain.ProductMapping{ID: "m1", CatalogProductID: "P1", VendorID: "v1", VendorProductID: "vp1", QualityScore: 0.9, IsActive: true, VendorPrice: decimal.NewFromInt(950)})
	m.PutMapping(domain.ProductMapping{ID: "m2", CatalogProductID: "P1", VendorID: "v2", VendorProductID: "vp2", QualityScore: 0.7, IsActive: true, VendorPrice: decimal.NewFromInt(800), IsPreferred: true})
	m.PutMapping(domain.ProductMapping{ID: "m3", CatalogProductID: "P1", VendorID: "v3", VendorProductID: "vp3", QualityScore: 0.95, IsActive: true})
	m.PutMapping(domain.ProductMapping{ID: "m4", CatalogProductID: "P1", VendorID: "v1", VendorProductID: "vp4", QualityScore: 0.99, IsActive: true})
	m.PutMapping(domain.ProductMapping{ID: "m5", CatalogProductID: "P1", VendorID: "v2", VendorProductID: "missing", QualityScore: 0.8, IsActive: true})
	return m
}

func TestResolveAvailableVendorsFilters(t *testing.T) {
	r := NewResolver(seedCatalog())

	got, err := r.ResolveAvailableVendors(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "v1", got[0].VendorID)
	assert.Equal(t, "Nakawa Spares", got[0].VendorName)
	assert.True(t, got[0].VendorPrice.Equal(decimal.NewFromInt(1000)), "unit price wins over mapping price")
	assert.Equal(t, 10, got[0].StockQuantity)

	assert.Equal(t, "v2", got[1].VendorID)
	assert.True(t, got[1].VendorPrice.Equal(decimal.NewFromInt(800)), "mapping price when unit price is unset")
	assert.True(t, got[1].IsPreferred)

	for _, c := range got {
		assert.Positive(t, c.StockQuantity)
		assert.True(t, c.Vendor.Approved())
	}
}

func TestResolveAvailableVendorsEmpty(t *testing.T) {
	r := NewResolver(seedCatalog())

	got, err := r.ResolveAvailableVendors(context.Background(), "unknown")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

type failingCatalog struct {
	*store.Memory
}

var errBackend = errors.New("backend down")

func (failingCatalog) VendorsByID(context.Context, []string) (map[string]domain.Vendor, error) {
	return nil, errBackend
}

func TestResolveAvailableVendorsPropagatesErrors(t *testing.T) {
	r := NewResolver(failingCatalog{seedCatalog()})

	_, err := r.ResolveAvailableVendors(context.Background(), "P1")
	assert.ErrorIs(t, err, errBackend)
}
