package model

import (
	"strings"
	"time"
)

// StockStatus is the canonical availability of a product at a vendor.
type StockStatus string

const (
	StockInStock      StockStatus = "in_stock"
	StockOutOfStock   StockStatus = "out_of_stock"
	StockLimitedStock StockStatus = "limited_stock"
)

// IsAvailable is true for anything that can still be bought.
func (s StockStatus) IsAvailable() bool {
	return s != StockOutOfStock
}

// Discovery source tags, recorded as provenance on vendor prices.
const (
	SourceTier1              = "tier1_templates"
	SourceTier1SkipDiscovery = "tier1_skip_discovery"
	SourceTier2              = "tier2_discovery"
	SourceTiered             = "tier1_tier2"
	SourceRefresh            = "refresh"
	SourceNone               = "none"
)

// PriceRecord is one vendor's price for a searched product.
type PriceRecord struct {
	Vendor        string      `json:"vendor"`
	ItemName      string      `json:"itemName"`
	Price         float64     `json:"price"`
	StockStatus   StockStatus `json:"stockStatus"`
	UnitOfMeasure string      `json:"unitOfMeasure,omitempty"`
	ProductURL    string      `json:"productUrl,omitempty"`
	StoreID       *int64      `json:"storeId,omitempty"`
}

// DiscoveryOptions tunes a discovery run. Zero values are replaced by
// defaults in WithDefaults.
type DiscoveryOptions struct {
	ShopLocal        bool    `json:"shopLocal"`
	UPC              string  `json:"upc,omitempty"`
	Brand            string  `json:"brand,omitempty"`
	IsGeneric        bool    `json:"isGeneric"`
	UnitOfMeasure    string  `json:"unitOfMeasure,omitempty"`
	SkipDiscovery    bool    `json:"skipDiscovery"`
	ExplicitStoreIDs []int64 `json:"explicitStoreIds,omitempty"`
	MaxStores        int     `json:"maxStores,omitempty"`
	Zip              string  `json:"zip,omitempty"`
}

// WithDefaults fills unset limits.
func (o DiscoveryOptions) WithDefaults(maxStores int) DiscoveryOptions {
	if o.MaxStores <= 0 {
		o.MaxStores = maxStores
	}
	o.Brand = strings.TrimSpace(o.Brand)
	return o
}

// DiscoveryResult is the outcome of a discovery or refresh run.
type DiscoveryResult struct {
	Success   bool          `json:"success"`
	Results   []PriceRecord `json:"results"`
	Source    string        `json:"source"`
	Error     string        `json:"error,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`

	// StoresLearned counts retailers first seen in this run.
	StoresLearned int `json:"storesLearned,omitempty"`

	// Tier2Records are the broad-search records, kept apart for store learning.
	Tier2Records []PriceRecord `json:"-"`
}

// HasResults reports whether any positively priced record exists.
func (r *DiscoveryResult) HasResults() bool {
	for _, rec := range r.Results {
		if rec.Price > 0 {
			return true
		}
	}
	return false
}

// ListItem is a shopping-list item whose price is tracked.
type ListItem struct {
	ID              int64      `json:"id"`
	UserID          string     `json:"userId"`
	ProductName     string     `json:"productName"`
	UPC             string     `json:"upc,omitempty"`
	ProductURL      *string    `json:"productUrl,omitempty"`
	CurrentPrice    *float64   `json:"currentPrice,omitempty"`
	CurrentRetailer *string    `json:"currentRetailer,omitempty"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
}

// VendorPrice is the per (item, vendor) price ledger row.
type VendorPrice struct {
	ID            int64     `json:"id"`
	ItemID        int64     `json:"itemId"`
	Vendor        string    `json:"vendor"`
	CurrentPrice  float64   `json:"currentPrice"`
	LowestPrice   float64   `json:"lowestPrice"`
	HighestPrice  float64   `json:"highestPrice"`
	InStock       bool      `json:"inStock"`
	ProductURL    string    `json:"productUrl,omitempty"`
	Provenance    string    `json:"provenance"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewVendorPrice starts a ledger row at its first observed price.
func NewVendorPrice(itemID int64, vendor string, price float64, inStock bool, productURL, provenance string, at time.Time) VendorPrice {
	return VendorPrice{
		ItemID:        itemID,
		Vendor:        strings.TrimSpace(vendor),
		CurrentPrice:  price,
		LowestPrice:   price,
		HighestPrice:  price,
		InStock:       inStock,
		ProductURL:    productURL,
		Provenance:    provenance,
		LastCheckedAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Observe folds a new sighting into an existing row. Lowest and highest
// only ever widen.
func (v *VendorPrice) Observe(price float64, inStock bool, productURL, provenance string, at time.Time) {
	v.CurrentPrice = price
	v.LowestPrice = min(v.LowestPrice, price)
	v.HighestPrice = max(v.HighestPrice, price)
	v.InStock = inStock
	if productURL != "" {
		v.ProductURL = productURL
	}
	if provenance != "" {
		v.Provenance = provenance
	}
	v.LastCheckedAt = at
	v.UpdatedAt = at
}

// VendorKey is the case-insensitive identity of a vendor name.
func VendorKey(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

// PriceHistory is an immutable snapshot of an item's representative price.
type PriceHistory struct {
	ID         int64     `json:"id"`
	ItemID     int64     `json:"itemId"`
	Price      float64   `json:"price"`
	Vendor     string    `json:"vendor"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recordedAt"`
}
