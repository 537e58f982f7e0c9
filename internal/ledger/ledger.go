// Package ledger keeps the per-item, per-vendor price records and the
// item's representative best price.
package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danavision/api/internal/model"
)

// PriceRepository is the persistence the ledger needs.
type PriceRepository interface {
	GetItem(ctx context.Context, itemID int64) (*model.ListItem, error)

	// UpsertVendorPrice creates the (item, vendor) row or folds the
	// observation into it atomically; vendor identity is case-insensitive.
	UpsertVendorPrice(ctx context.Context, obs model.VendorPrice) (*model.VendorPrice, error)
	ListVendorPrices(ctx context.Context, itemID int64) ([]model.VendorPrice, error)
	UpdateItemPrice(ctx context.Context, itemID int64, price float64, vendor string, productURL *string, checkedAt time.Time) error
	AppendPriceHistory(ctx context.Context, h *model.PriceHistory) error
}

// BestPrice is the representative price chosen for an item.
type BestPrice struct {
	Price      float64 `json:"price"`
	Vendor     string  `json:"vendor"`
	ProductURL string  `json:"productUrl,omitempty"`
	InStock    bool    `json:"inStock"`
	Changed    bool    `json:"changed"`
}

// Ledger records vendor prices and derives best prices from them.
type Ledger struct {
	repo PriceRepository
	now  func() time.Time
}

// New creates a ledger over repo.
func New(repo PriceRepository) *Ledger {
	return &Ledger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertVendorPrice records one sighting of vendor's price for an item.
func (l *Ledger) UpsertVendorPrice(ctx context.Context, itemID int64, vendor string, price float64, productURL string, inStock bool, provenance string) (*model.VendorPrice, error) {
	vendor = strings.TrimSpace(vendor)
	if vendor == "" {
		return nil, fmt.Errorf("vendor name is required")
	}
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %.2f for %s", price, vendor)
	}
	obs := model.NewVendorPrice(itemID, vendor, price, inStock, productURL, provenance, l.now())
	vp, err := l.repo.UpsertVendorPrice(ctx, obs)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vendor price: %w", err)
	}
	return vp, nil
}

// RecomputeItemBestPrice picks the cheapest in-stock vendor, or the
// cheapest priced vendor when none is in stock, writes it to the item and
// appends a history snapshot when the representative price changed. It
// returns nil when the item has no priced vendors.
func (l *Ledger) RecomputeItemBestPrice(ctx context.Context, itemID int64, source string) (*BestPrice, error) {
	item, err := l.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %d: %w", itemID, err)
	}
	prices, err := l.repo.ListVendorPrices(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendor prices: %w", err)
	}

	winner := SelectBest(prices)
	if winner == nil {
		return nil, nil
	}

	best := &BestPrice{
		Price:      winner.CurrentPrice,
		Vendor:     winner.Vendor,
		ProductURL: winner.ProductURL,
		InStock:    winner.InStock,
		Changed:    item.CurrentPrice == nil || *item.CurrentPrice != winner.CurrentPrice,
	}

	var backfill *string
	if (item.ProductURL == nil || *item.ProductURL == "") && winner.ProductURL != "" {
		backfill = &winner.ProductURL
	}

	now := l.now()
	if err := l.repo.UpdateItemPrice(ctx, itemID, best.Price, best.Vendor, backfill, now); err != nil {
		return nil, fmt.Errorf("failed to update item price: %w", err)
	}

	if best.Changed {
		if err := l.repo.AppendPriceHistory(ctx, &model.PriceHistory{
			ItemID:     itemID,
			Price:      best.Price,
			Vendor:     best.Vendor,
			Source:     source,
			RecordedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to append price history: %w", err)
		}
	}
	return best, nil
}

// ApplyResults writes every positively priced record to the ledger and then
// recomputes the item's best price. A failing vendor row is logged and
// skipped.
func (l *Ledger) ApplyResults(ctx context.Context, itemID int64, records []model.PriceRecord, source string) (int, *BestPrice, error) {
	updated := 0
	for _, rec := range records {
		if rec.Price <= 0 {
			continue
		}
		if _, err := l.UpsertVendorPrice(ctx, itemID, rec.Vendor, rec.Price, rec.ProductURL, rec.StockStatus.IsAvailable(), source); err != nil {
			log.Printf("[ledger] Item %d: skipping %s: %v", itemID, rec.Vendor, err)
			continue
		}
		updated++
	}
	if updated == 0 {
		return 0, nil, nil
	}
	best, err := l.RecomputeItemBestPrice(ctx, itemID, source)
	if err != nil {
		return updated, nil, err
	}
	return updated, best, nil
}

// VendorURLs lists the product links already known for an item, for
// refreshing prices without rediscovering stores.
func (l *Ledger) VendorURLs(ctx context.Context, itemID int64) ([]string, error) {
	prices, err := l.repo.ListVendorPrices(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendor prices: %w", err)
	}
	seen := make(map[string]bool)
	var urls []string
	for _, vp := range prices {
		if vp.ProductURL == "" || seen[vp.ProductURL] {
			continue
		}
		seen[vp.ProductURL] = true
		urls = append(urls, vp.ProductURL)
	}
	return urls, nil
}

// SelectBest returns the cheapest in-stock vendor price above zero, falling
// back to the cheapest priced vendor regardless of stock.
func SelectBest(prices []model.VendorPrice) *model.VendorPrice {
	var inStock, cheapest *model.VendorPrice
	for i := range prices {
		vp := &prices[i]
		if vp.CurrentPrice <= 0 {
			continue
		}
		if cheapest == nil || vp.CurrentPrice < cheapest.CurrentPrice {
			cheapest = vp
		}
		if vp.InStock && (inStock == nil || vp.CurrentPrice < inStock.CurrentPrice) {
			inStock = vp
		}
	}
	if inStock != nil {
		return inStock
	}
	return cheapest
}
