// Package catalog resolves which vendor listings can currently supply a
// catalog product.
package catalog

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"erp/sparewo/fulfillment/internal/domain"
	"erp/sparewo/fulfillment/internal/store"
)

type Resolver struct {
	catalog store.Catalog
}

func NewResolver(c store.Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// ResolveAvailableVendors returns the eligible candidates for a catalog
// product in mapping quality order. A candidate needs an active mapping, a
// vendor product with stock above zero and an approved vendor. The result is
// never nil.
func (r *Resolver) ResolveAvailableVendors(ctx context.Context, catalogProductID string) ([]domain.CandidateVendor, error) {
	mappings, err := r.catalog.ActiveMappings(ctx, catalogProductID)
	if err != nil {
		return nil, fmt.Errorf("load mappings for %s: %w", catalogProductID, err)
	}
	out := make([]domain.CandidateVendor, 0, len(mappings))
	if len(mappings) == 0 {
		return out, nil
	}

	productIDs := make([]string, 0, len(mappings))
	vendorIDs := make([]string, 0, len(mappings))
	for _, pm := range mappings {
		productIDs = append(productIDs, pm.VendorProductID)
		vendorIDs = append(vendorIDs, pm.VendorID)
	}

	var (
		products map[string]domain.VendorProduct
		vendors  map[string]domain.Vendor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = r.catalog.VendorProductsByID(gctx, productIDs)
		if err != nil {
			return fmt.Errorf("load vendor products: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		vendors, err = r.catalog.VendorsByID(gctx, vendorIDs)
		if err != nil {
			return fmt.Errorf("load vendors: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, pm := range mappings {
		vp, ok := products[pm.VendorProductID]
		if !ok || vp.StockQuantity <= 0 {
			continue
		}
		v, ok := vendors[pm.VendorID]
		if !ok || !v.Approved() {
			continue
		}
		price := pm.VendorPrice
		if vp.UnitPrice.IsPositive() {
			price = vp.UnitPrice
		}
		out = append(out, domain.CandidateVendor{
			VendorID:        v.ID,
			VendorName:      v.BusinessName,
			VendorProductID: vp.ID,
			VendorPrice:     price,
			StockQuantity:   vp.StockQuantity,
			QualityScore:    pm.QualityScore,
			IsPreferred:     pm.IsPreferred,
			Vendor:          v,
		})
	}
	return out, nil
}
