package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/danavision/api/internal/extract"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/registry"
)

// RefreshRequest re-prices known product links without selecting stores.
type RefreshRequest struct {
	JobID       string
	ProductName string
	URLs        []string
	Options     model.DiscoveryOptions
}

// Refresh scrapes the given product pages and extracts a price from each.
// Vendors are named after the registry store owning the link's domain.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest, t model.Tracker) (*model.DiscoveryResult, error) {
	if t == nil {
		t = model.NopTracker{}
	}
	if err := e.checkConfigured(); err != nil {
		t.Error(err.Error())
		return nil, err
	}
	if len(req.URLs) == 0 {
		t.Warning("No product links to refresh")
		return &model.DiscoveryResult{Success: true, Results: []model.PriceRecord{}, Source: model.SourceNone}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Cancelled(ctx) {
		return cancelled(nil), nil
	}

	jobs := make([]pageJob, 0, len(req.URLs))
	for _, u := range req.URLs {
		store, err := e.vendorFor(ctx, u)
		if err != nil {
			t.Warning(fmt.Sprintf("Skipping %s: %v", u, err))
			continue
		}
		jobs = append(jobs, pageJob{url: u, store: store})
	}

	inner := Request{JobID: req.JobID, ProductName: req.ProductName, Options: req.Options}
	outcomes, ok := e.scrapeAndExtract(ctx, inner, jobs, 10, 85, t, func(ctx context.Context, content string, j pageJob) (*model.PriceRecord, error) {
		rec, err := e.extractor.ExtractPrice(ctx, content, extract.Hints{
			ProductName:   req.ProductName,
			StoreName:     j.store.Name,
			Brand:         req.Options.Brand,
			UPC:           req.Options.UPC,
			UnitOfMeasure: req.Options.UnitOfMeasure,
			PageURL:       j.url,
		})
		if rec != nil {
			rec.Vendor = j.store.Name
			rec.ProductURL = j.url
			if j.store.ID != 0 {
				id := j.store.ID
				rec.StoreID = &id
			}
		}
		return rec, err
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return cancelled(nil), nil
	}

	results := MergeResults(collect(jobs, outcomes, t), nil)
	if len(results) == 0 {
		t.Warning("No prices found")
	}
	return &model.DiscoveryResult{Success: true, Results: results, Source: model.SourceRefresh}, nil
}

// vendorFor resolves the store behind a product link, inventing a display
// name for domains the registry does not know.
func (e *Engine) vendorFor(ctx context.Context, productURL string) (*model.Store, error) {
	store, err := e.registry.LookupDomain(ctx, productURL)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, model.ErrStoreNotFound) {
		return nil, err
	}
	domain := registry.NormalizeDomain(productURL)
	if domain == "" {
		return nil, fmt.Errorf("invalid product url")
	}
	return &model.Store{Name: registry.DisplayName(domain), Domain: domain}, nil
}
