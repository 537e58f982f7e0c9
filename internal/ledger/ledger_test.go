package ledger_test

import (
	"context"
	"testing"

	"github.com/danavision/api/internal/ledger"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/storage"
)

var (
	_ ledger.PriceRepository = (*storage.PriceRepository)(nil)
	_ ledger.PriceRepository = (*storage.Memory)(nil)
)

func TestUpsertVendorPrice_TracksRange(t *testing.T) {
	mem := storage.NewMemory()
	itemID := mem.AddItem(model.ListItem{UserID: "u", ProductName: "Headphones"})
	l := ledger.New(mem)
	ctx := context.Background()

	if _, err := l.UpsertVendorPrice(ctx, itemID, "Amazon", 29.99, "https://amazon.com/dp/1", true, model.SourceTier1); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	vp, err := l.UpsertVendorPrice(ctx, itemID, "amazon ", 24.99, "", true, model.SourceRefresh)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if vp.CurrentPrice != 24.99 || vp.LowestPrice != 24.99 || vp.HighestPrice != 29.99 {
		t.Errorf("current/lowest/highest = %v/%v/%v", vp.CurrentPrice, vp.LowestPrice, vp.HighestPrice)
	}
	if vp.ProductURL != "https://amazon.com/dp/1" || vp.Provenance != model.SourceRefresh {
		t.Errorf("url=%q provenance=%q", vp.ProductURL, vp.Provenance)
	}
	prices, _ := mem.ListVendorPrices(ctx, itemID)
	if len(prices) != 1 {
		t.Errorf("vendor rows = %d, want 1", len(prices))
	}
}

func TestUpsertVendorPrice_RejectsBadInput(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	if _, err := l.UpsertVendorPrice(context.Background(), 1, "Amazon", 0, "", true, ""); err == nil {
		t.Error("zero price should be rejected")
	}
	if _, err := l.UpsertVendorPrice(context.Background(), 1, "  ", 3, "", true, ""); err == nil {
		t.Error("blank vendor should be rejected")
	}
}

func TestSelectBest(t *testing.T) {
	cases := []struct {
		name   string
		prices []model.VendorPrice
		want   string
	}{
		{"cheapest in stock wins", []model.VendorPrice{
			{Vendor: "A", CurrentPrice: 5, InStock: true},
			{Vendor: "B", CurrentPrice: 3, InStock: false},
			{Vendor: "C", CurrentPrice: 4, InStock: true},
		}, "C"},
		{"falls back when nothing in stock", []model.VendorPrice{
			{Vendor: "A", CurrentPrice: 5, InStock: false},
			{Vendor: "B", CurrentPrice: 3, InStock: false},
		}, "B"},
		{"ignores zero prices", []model.VendorPrice{
			{Vendor: "A", CurrentPrice: 0, InStock: true},
			{Vendor: "B", CurrentPrice: 7, InStock: true},
		}, "B"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ledger.SelectBest(tc.prices)
			if got == nil || got.Vendor != tc.want {
				t.Errorf("SelectBest() = %+v, want %s", got, tc.want)
			}
		})
	}
	if ledger.SelectBest(nil) != nil {
		t.Error("SelectBest(nil) should be nil")
	}
}

func TestRecomputeItemBestPrice_HistoryOnChangeOnly(t *testing.T) {
	mem := storage.NewMemory()
	itemID := mem.AddItem(model.ListItem{UserID: "u", ProductName: "Coffee"})
	l := ledger.New(mem)
	ctx := context.Background()

	records := []model.PriceRecord{
		{Vendor: "Target", Price: 9.99, StockStatus: model.StockInStock, ProductURL: "https://target.com/p/1"},
		{Vendor: "Walmart", Price: 8.49, StockStatus: model.StockOutOfStock, ProductURL: "https://walmart.com/ip/2"},
		{Vendor: "Nowhere", Price: 0},
	}
	updated, best, err := l.ApplyResults(ctx, itemID, records, model.SourceTier1)
	if err != nil {
		t.Fatalf("ApplyResults: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}
	if best == nil || best.Vendor != "Target" || best.Price != 9.99 || !best.Changed {
		t.Fatalf("best = %+v", best)
	}

	item, _ := mem.GetItem(ctx, itemID)
	if item.ProductURL == nil || *item.ProductURL != "https://target.com/p/1" {
		t.Errorf("product url not backfilled: %v", item.ProductURL)
	}

	best, err = l.RecomputeItemBestPrice(ctx, itemID, model.SourceRefresh)
	if err != nil {
		t.Fatalf("RecomputeItemBestPrice: %v", err)
	}
	if best.Changed {
		t.Error("unchanged price reported as changed")
	}
	if n := len(mem.PriceHistory(itemID)); n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
}

func TestVendorURLs(t *testing.T) {
	mem := storage.NewMemory()
	itemID := mem.AddItem(model.ListItem{ProductName: "Tea"})
	l := ledger.New(mem)
	ctx := context.Background()
	_, _ = l.UpsertVendorPrice(ctx, itemID, "A", 2, "https://a.test/tea", true, "")
	_, _ = l.UpsertVendorPrice(ctx, itemID, "B", 3, "", true, "")

	urls, err := l.VendorURLs(ctx, itemID)
	if err != nil {
		t.Fatalf("VendorURLs: %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://a.test/tea" {
		t.Errorf("VendorURLs() = %v", urls)
	}
}
