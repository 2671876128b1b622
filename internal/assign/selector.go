// Package assign picks the vendor listing that fills one order line item.
package assign

import (
	"fmt"
	"sort"

	"erp/sparewo/fulfillment/internal/domain"
)

type Ranking int

const (
	QualityFirst Ranking = iota
	PriceFirst
)

func (r Ranking) String() string {
	if r == PriceFirst {
		return "price-first"
	}
	return "quality-first"
}

type SplitPolicy string

// SingleVendorOnly fills a line item from exactly one listing or not at all.
const SingleVendorOnly SplitPolicy = "single-vendor-only"

type Policy struct {
	Ranking Ranking
	Split   SplitPolicy
}

func PolicyFor(preferQuality bool) Policy {
	if preferQuality {
		return Policy{Ranking: QualityFirst, Split: SingleVendorOnly}
	}
	return Policy{Ranking: PriceFirst, Split: SingleVendorOnly}
}

// Skip reasons.
const (
	ReasonNoEligibleVendor  = "no_eligible_vendor"
	ReasonInsufficientStock = "insufficient_stock"
)

// SkipError explains why a line item got no assignment.
type SkipError struct {
	CatalogProductID string `json:"catalog_product_id"`
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason"`
	VendorID         string `json:"vendor_id,omitempty"`
	Available        int    `json:"available,omitempty"`
}

func (e *SkipError) Error() string {
	if e.Reason == ReasonInsufficientStock {
		return fmt.Sprintf("%s: vendor %s has %d of %d units of %s", e.Reason, e.VendorID, e.Available, e.Quantity, e.CatalogProductID)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.CatalogProductID)
}

func (e *SkipError) Unwrap() error {
	if e.Reason == ReasonInsufficientStock {
		return domain.ErrInsufficientStock
	}
	return domain.ErrNoEligibleVendor
}

// Select chooses one candidate for item. Candidates must arrive in quality
// order. Only the top-ranked candidate is considered; when it cannot cover
// the quantity the item is skipped rather than handed to the next vendor.
func Select(item domain.LineItem, candidates []domain.CandidateVendor, policy Policy) (domain.Assignment, error) {
	if len(candidates) == 0 {
		return domain.Assignment{}, &SkipError{CatalogProductID: item.CatalogProductID, Quantity: item.Quantity, Reason: ReasonNoEligibleVendor}
	}

	chosen := candidates[0]
	if policy.Ranking == PriceFirst {
		ranked := append([]domain.CandidateVendor(nil), candidates...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].VendorPrice.LessThan(ranked[j].VendorPrice)
		})
		chosen = ranked[0]
	}

	if chosen.StockQuantity < item.Quantity {
		return domain.Assignment{}, &SkipError{
			CatalogProductID: item.CatalogProductID,
			Quantity:         item.Quantity,
			Reason:           ReasonInsufficientStock,
			VendorID:         chosen.VendorID,
			Available:        chosen.StockQuantity,
		}
	}

	return domain.Assignment{
		CatalogProductID: item.CatalogProductID,
		VendorProductID:  chosen.VendorProductID,
		VendorID:         chosen.VendorID,
		Quantity:         item.Quantity,
		VendorPrice:      chosen.VendorPrice,
		Notes:            fmt.Sprintf("auto-assigned (%s)", policy.Ranking),
	}, nil
}
