package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type VendorStatus string

const (
	VendorApproved VendorStatus = "approved"
	VendorPending  VendorStatus = "pending"
	VendorRejected VendorStatus = "rejected"
)

// ProductMapping links a catalog product to one vendor listing.
type ProductMapping struct {
	ID               string          `json:"id"`
	CatalogProductID string          `json:"catalog_product_id"`
	VendorID         string          `json:"vendor_id"`
	VendorProductID  string          `json:"vendor_product_id"`
	QualityScore     float64         `json:"quality_score"`
	PriceScore       float64         `json:"price_score"`
	ReliabilityScore float64         `json:"reliability_score"`
	IsPreferred      bool            `json:"is_preferred"`
	IsActive         bool            `json:"is_active"`
	VendorPrice      decimal.Decimal `json:"vendor_price"`
	LastPriceUpdate  time.Time       `json:"last_price_update"`
}

// VendorProduct is a vendor's inventory record. Stock is only read here.
type VendorProduct struct {
	ID            string          `json:"id"`
	VendorID      string          `json:"vendor_id"`
	StockQuantity int             `json:"stock_quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Status        string          `json:"status"`
}

type Vendor struct {
	ID           string       `json:"id"`
	BusinessName string       `json:"business_name"`
	Status       VendorStatus `json:"status"`
}

func (v Vendor) Approved() bool {
	return v.Status == VendorApproved
}

// CandidateVendor is a vendor listing that can currently supply a catalog product.
type CandidateVendor struct {
	VendorID        string          `json:"vendor_id"`
	VendorName      string          `json:"vendor_name"`
	VendorProductID string          `json:"vendor_product_id"`
	VendorPrice     decimal.Decimal `json:"vendor_price"`
	StockQuantity   int             `json:"stock_quantity"`
	QualityScore    float64         `json:"quality_score"`
	IsPreferred     bool            `json:"is_preferred"`
	Vendor          Vendor          `json:"vendor"`
}

// Assignment binds one order line item to one vendor listing.
type Assignment struct {
	CatalogProductID string          `json:"catalog_product_id"`
	VendorProductID  string          `json:"vendor_product_id"`
	VendorID         string          `json:"vendor_id"`
	Quantity         int             `json:"quantity"`
	VendorPrice      decimal.Decimal `json:"vendor_price"`
	Notes            string          `json:"notes,omitempty"`
}
