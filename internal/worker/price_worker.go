package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danavision/api/internal/discovery"
	"github.com/danavision/api/internal/ledger"
	"github.com/danavision/api/internal/model"
)

// PriceDiscoverer finds prices for a product.
type PriceDiscoverer interface {
	Discover(ctx context.Context, req discovery.Request, t model.Tracker) (*model.DiscoveryResult, error)
	Refresh(ctx context.Context, req discovery.RefreshRequest, t model.Tracker) (*model.DiscoveryResult, error)
}

// PriceLedger persists found prices.
type PriceLedger interface {
	ApplyResults(ctx context.Context, itemID int64, records []model.PriceRecord, source string) (int, *ledger.BestPrice, error)
	VendorURLs(ctx context.Context, itemID int64) ([]string, error)
}

// ItemStore reads tracked items.
type ItemStore interface {
	GetItem(ctx context.Context, itemID int64) (*model.ListItem, error)
	MarkChecked(ctx context.Context, itemID int64, at time.Time) error
}

// PriceWorker runs price_discovery and price_refresh jobs.
type PriceWorker struct {
	discoverer PriceDiscoverer
	ledger     PriceLedger
	items      ItemStore
}

func NewPriceWorker(discoverer PriceDiscoverer, ledger PriceLedger, items ItemStore) *PriceWorker {
	return &PriceWorker{discoverer: discoverer, ledger: ledger, items: items}
}

// Discover is the price_discovery pipeline.
func (w *PriceWorker) Discover(ctx context.Context, job *model.Job, t *Tracker) (any, error) {
	var in model.DiscoveryJobInput
	if err := json.Unmarshal(job.Input, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	name := in.ProductName
	opts := in.Options
	if item, err := w.items.GetItem(ctx, in.ItemID); err == nil {
		if name == "" {
			name = item.ProductName
		}
		if opts.UPC == "" {
			opts.UPC = item.UPC
		}
	} else if name == "" {
		return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidInput, in.ItemID, err)
	}

	result, err := w.discoverer.Discover(ctx, discovery.Request{
		JobID:       job.ID,
		UserID:      job.UserID,
		ProductName: name,
		Options:     opts,
	}, t)
	if err != nil {
		return nil, err
	}
	return w.persist(ctx, in.ItemID, result, t)
}

// Refresh is the price_refresh pipeline: it re-prices the item's known
// vendor links.
func (w *PriceWorker) Refresh(ctx context.Context, job *model.Job, t *Tracker) (any, error) {
	var in model.RefreshJobInput
	if err := json.Unmarshal(job.Input, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	item, err := w.items.GetItem(ctx, in.ItemID)
	if errors.Is(err, model.ErrItemNotFound) {
		return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidInput, in.ItemID, err)
	}
	if err != nil {
		return nil, err
	}

	urls, err := w.ledger.VendorURLs(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	t.Progress(5, fmt.Sprintf("Refreshing %d vendor link(s) for %s", len(urls), item.ProductName))
	if len(urls) == 0 {
		w.markChecked(ctx, item.ID)
		return model.PriceJobOutput{Results: []model.PriceRecord{}, Source: model.SourceNone, Message: "No vendor links to refresh"}, nil
	}

	result, err := w.discoverer.Refresh(ctx, discovery.RefreshRequest{
		JobID:       job.ID,
		ProductName: item.ProductName,
		URLs:        urls,
		Options:     model.DiscoveryOptions{UPC: item.UPC},
	}, t)
	if err != nil {
		return nil, err
	}
	return w.persist(ctx, item.ID, result, t)
}

func (w *PriceWorker) persist(ctx context.Context, itemID int64, result *model.DiscoveryResult, t *Tracker) (any, error) {
	out := model.PriceJobOutput{
		Source:        result.Source,
		Results:       result.Results,
		StoresLearned: result.StoresLearned,
	}
	if out.Results == nil {
		out.Results = []model.PriceRecord{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if result.Cancelled || t.Cancelled(ctx) {
		out.Cancelled = true
		out.Message = "Cancelled before saving prices"
		return out, nil
	}
	if !result.HasResults() {
		w.markChecked(ctx, itemID)
		out.Message = "No prices found"
		return out, nil
	}

	t.Progress(90, fmt.Sprintf("Saving %d price(s)", len(result.Results)))
	updated, best, err := w.ledger.ApplyResults(ctx, itemID, result.Results, result.Source)
	if err != nil {
		return nil, err
	}
	out.VendorsUpdated = updated
	out.Message = fmt.Sprintf("Found %d price(s)", len(result.Results))
	if best != nil {
		price := best.Price
		out.BestPrice = &price
		out.BestVendor = best.Vendor
		t.Success(fmt.Sprintf("Best price %.2f at %s", best.Price, best.Vendor))
	}
	return out, nil
}

func (w *PriceWorker) markChecked(ctx context.Context, itemID int64) {
	if err := w.items.MarkChecked(ctx, itemID, time.Now().UTC()); err != nil {
		log.Printf("[worker] Failed to mark item %d checked: %v", itemID, err)
	}
}
