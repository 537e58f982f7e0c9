// Package discovery finds a product's price across retailers: templated
// searches of the user's stores first, broad searches of major retailers
// when those come up short.
package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/extract"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/registry"
)

const (
	defaultThreshold = 3
	defaultMaxStores = 10
	defaultWorkers   = 4

	// localCompanions is how many non-local stores join a shop-local run
	// that already has enough local stores.
	localCompanions = 3
)

// PriceExtractor reads price records out of page content.
type PriceExtractor interface {
	IsConfigured() bool
	ExtractPrice(ctx context.Context, content string, h extract.Hints) (*model.PriceRecord, error)
	ExtractBestMatch(ctx context.Context, content string, h extract.Hints) (*model.PriceRecord, error)
}

// Request is one discovery run.
type Request struct {
	JobID       string
	UserID      string
	ProductName string
	Options     model.DiscoveryOptions
}

// Engine runs tiered price discovery.
type Engine struct {
	scraper   client.Scraper
	extractor PriceExtractor
	registry  *registry.Registry
	archive   client.SnapshotArchive

	threshold  int
	maxStores  int
	workers    int
	tier2Sites []Tier2Site
}

// Option customizes an Engine.
type Option func(*Engine)

// WithArchive stores the markdown of every scraped page.
func WithArchive(a client.SnapshotArchive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithTier2Sites replaces the broad-search retailer list.
func WithTier2Sites(sites []Tier2Site) Option {
	return func(e *Engine) { e.tier2Sites = sites }
}

// NewEngine creates a discovery engine.
func NewEngine(scraper client.Scraper, extractor PriceExtractor, reg *registry.Registry, cfg *config.DiscoveryConfig, opts ...Option) *Engine {
	e := &Engine{
		scraper:    scraper,
		extractor:  extractor,
		registry:   reg,
		threshold:  defaultThreshold,
		maxStores:  defaultMaxStores,
		workers:    defaultWorkers,
		tier2Sites: DefaultTier2Sites,
	}
	if cfg != nil {
		if cfg.Tier1Threshold > 0 {
			e.threshold = cfg.Tier1Threshold
		}
		if cfg.MaxStores > 0 {
			e.maxStores = cfg.MaxStores
		}
		if cfg.ExtractWorkers > 0 {
			e.workers = cfg.ExtractWorkers
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// checkConfigured fails fast, before any network call, when a backend the
// pipeline depends on is missing.
func (e *Engine) checkConfigured() error {
	if e.extractor == nil || !e.extractor.IsConfigured() {
		return fmt.Errorf("%w: AI extraction backend is not configured", model.ErrNotConfigured)
	}
	if e.scraper == nil {
		return fmt.Errorf("%w: scrape service is not configured", model.ErrNotConfigured)
	}
	if c, ok := e.scraper.(interface{ IsConfigured() bool }); ok && !c.IsConfigured() {
		return fmt.Errorf("%w: scrape service is not configured", model.ErrNotConfigured)
	}
	return nil
}

func cancelled(partial []model.PriceRecord) *model.DiscoveryResult {
	return &model.DiscoveryResult{Cancelled: true, Results: partial, Source: model.SourceNone}
}

// Discover runs Tier 1 and, when it finds fewer prices than the threshold
// and discovery is not skipped, Tier 2. Finding nothing is a successful
// result with no records.
func (e *Engine) Discover(ctx context.Context, req Request, t model.Tracker) (*model.DiscoveryResult, error) {
	if t == nil {
		t = model.NopTracker{}
	}
	if err := e.checkConfigured(); err != nil {
		t.Error(err.Error())
		return nil, err
	}
	opts := req.Options.WithDefaults(e.maxStores)
	query := BuildSearchQuery(req.ProductName, opts.Brand)
	t.Progress(5, fmt.Sprintf("Searching for %q", query))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Cancelled(ctx) {
		return cancelled(nil), nil
	}

	stores, err := e.SelectStores(ctx, req.UserID, opts)
	if err != nil {
		return nil, err
	}
	t.Info(fmt.Sprintf("Selected %d store(s) for Tier 1", len(stores)))

	tier1, ok := e.runTier1(ctx, req, query, stores, t)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return cancelled(nil), nil
	}
	t.Progress(50, fmt.Sprintf("Tier 1 found %d price(s)", len(tier1)))

	if len(tier1) >= e.threshold || opts.SkipDiscovery {
		source := model.SourceTier1
		if len(tier1) < e.threshold {
			source = model.SourceTier1SkipDiscovery
		}
		return &model.DiscoveryResult{
			Success: true,
			Results: MergeResults(tier1, nil),
			Source:  source,
		}, nil
	}

	t.Info(fmt.Sprintf("Fewer than %d prices from Tier 1, searching major retailers", e.threshold))
	tier2, ok := e.runTier2(ctx, req, query, tier1, t)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return cancelled(MergeResults(tier1, nil)), nil
	}
	t.Progress(85, fmt.Sprintf("Tier 2 found %d price(s)", len(tier2)))

	merged := MergeResults(tier1, tier2)
	result := &model.DiscoveryResult{
		Success:      true,
		Results:      merged,
		Source:       sourceFor(len(tier1), len(tier2)),
		Tier2Records: tier2,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Cancelled(ctx) {
		result.Cancelled = true
		return result, nil
	}
	result.StoresLearned = e.learnStores(ctx, req.UserID, tier2, t)

	if len(merged) == 0 {
		t.Warning("No prices found")
	}
	return result, nil
}

func sourceFor(tier1, tier2 int) string {
	switch {
	case tier1 > 0 && tier2 > 0:
		return model.SourceTiered
	case tier2 > 0:
		return model.SourceTier2
	case tier1 > 0:
		return model.SourceTier1
	default:
		return model.SourceNone
	}
}

// BuildSearchQuery prefixes the brand unless the product name already
// mentions it.
func BuildSearchQuery(productName, brand string) string {
	productName = strings.TrimSpace(productName)
	brand = strings.TrimSpace(brand)
	if brand == "" || strings.Contains(strings.ToLower(productName), strings.ToLower(brand)) {
		return productName
	}
	return brand + " " + productName
}

// SelectStores picks the Tier 1 candidates: the explicit stores if given,
// otherwise the user's enabled stores by priority; local stores lead a
// shop-local run; only stores with a usable template are kept, up to the
// store cap.
func (e *Engine) SelectStores(ctx context.Context, userID string, opts model.DiscoveryOptions) ([]model.Store, error) {
	var (
		stores []model.Store
		err    error
	)
	if len(opts.ExplicitStoreIDs) > 0 {
		stores, err = e.registry.StoresByID(ctx, opts.ExplicitStoreIDs)
	} else {
		stores, err = e.registry.EnabledStoresForUser(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select stores: %w", err)
	}

	if opts.ShopLocal {
		stores = preferLocal(stores)
	}

	usable := make([]model.Store, 0, len(stores))
	for _, s := range stores {
		if registry.HasQueryPlaceholder(s.EffectiveTemplate()) {
			usable = append(usable, s)
		}
	}

	limit := opts.MaxStores
	if limit <= 0 {
		limit = e.maxStores
	}
	if len(usable) > limit {
		usable = usable[:limit]
	}
	return usable, nil
}

// preferLocal puts local stores first. With at least three local stores
// only a few non-local stores come along.
func preferLocal(stores []model.Store) []model.Store {
	var local, other []model.Store
	for _, s := range stores {
		if s.IsLocal {
			local = append(local, s)
		} else {
			other = append(other, s)
		}
	}
	if len(local) >= localCompanions && len(other) > localCompanions {
		other = other[:localCompanions]
	}
	return append(local, other...)
}

type pageJob struct {
	url   string
	store *model.Store
	site  *Tier2Site
}

type pageOutcome struct {
	record *model.PriceRecord
	err    error
	failed string
}

// runTier1 reports false when cancelled.
func (e *Engine) runTier1(ctx context.Context, req Request, query string, stores []model.Store, t model.Tracker) ([]model.PriceRecord, bool) {
	vars := map[string]string{"zip": req.Options.Zip}
	jobs := make([]pageJob, 0, len(stores))
	for i := range stores {
		u := registry.InstantiateTemplate(stores[i].EffectiveTemplate(), query, vars)
		if u == "" {
			t.Debug(fmt.Sprintf("Skipping %s: template produced no URL", stores[i].Name))
			continue
		}
		jobs = append(jobs, pageJob{url: u, store: &stores[i]})
	}
	if len(jobs) == 0 {
		t.Warning("No stores with search templates to query")
		return []model.PriceRecord{}, true
	}

	outcomes, ok := e.scrapeAndExtract(ctx, req, jobs, 10, 45, t, func(ctx context.Context, content string, j pageJob) (*model.PriceRecord, error) {
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
			id := j.store.ID
			rec.StoreID = &id
		}
		return rec, err
	})
	if !ok {
		return nil, false
	}
	return collect(jobs, outcomes, t), true
}

// runTier2 reports false when cancelled.
func (e *Engine) runTier2(ctx context.Context, req Request, query string, tier1 []model.PriceRecord, t model.Tracker) ([]model.PriceRecord, bool) {
	have := make(map[string]bool, len(tier1))
	for _, r := range tier1 {
		have[model.VendorKey(r.Vendor)] = true
	}

	jobs := make([]pageJob, 0, len(e.tier2Sites))
	for i := range e.tier2Sites {
		site := &e.tier2Sites[i]
		if have[model.VendorKey(site.Name)] {
			continue
		}
		jobs = append(jobs, pageJob{url: site.SearchURL(query), site: site})
	}
	if len(jobs) == 0 {
		return []model.PriceRecord{}, true
	}

	outcomes, ok := e.scrapeAndExtract(ctx, req, jobs, 55, 80, t, func(ctx context.Context, content string, j pageJob) (*model.PriceRecord, error) {
		rec, err := e.extractor.ExtractBestMatch(ctx, content, extract.Hints{
			ProductName:   req.ProductName,
			StoreName:     j.site.Name,
			Brand:         req.Options.Brand,
			UPC:           req.Options.UPC,
			UnitOfMeasure: req.Options.UnitOfMeasure,
			PageURL:       j.url,
		})
		if rec != nil {
			rec.Vendor = j.site.Name
		}
		return rec, err
	})
	if !ok {
		return nil, false
	}
	return collect(jobs, outcomes, t), true
}

type extractFunc func(ctx context.Context, content string, j pageJob) (*model.PriceRecord, error)

// scrapeAndExtract batch-scrapes the job URLs and extracts each page
// concurrently. Per-page failures are recorded in the outcomes. It
// reports false when cancelled or when ctx is done at one of its
// checkpoints; callers tell the two apart through ctx.Err().
func (e *Engine) scrapeAndExtract(ctx context.Context, req Request, jobs []pageJob, startPct, endPct int, t model.Tracker, fn extractFunc) ([]pageOutcome, bool) {
	if ctx.Err() != nil || t.Cancelled(ctx) {
		return nil, false
	}

	urls := make([]string, len(jobs))
	for i, j := range jobs {
		urls[i] = j.url
	}
	t.Progress(startPct, fmt.Sprintf("Scraping %d page(s)", len(urls)))

	pages, err := e.scraper.Scrape(ctx, urls)
	if err != nil {
		t.Warning(fmt.Sprintf("Scrape batch failed: %v", err))
		pages = make([]client.ScrapeResult, len(urls))
		for i := range pages {
			pages[i] = client.ScrapeResult{Error: err.Error()}
		}
	}

	if ctx.Err() != nil || t.Cancelled(ctx) {
		return nil, false
	}
	t.Progress((startPct+endPct)/2, "Extracting prices")

	outcomes := make([]pageOutcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range jobs {
		i := i
		if i >= len(pages) || !pages[i].Success || strings.TrimSpace(pages[i].Markdown) == "" {
			reason := "empty page"
			if i < len(pages) && pages[i].Error != "" {
				reason = pages[i].Error
			}
			outcomes[i].failed = reason
			continue
		}
		g.Go(func() error {
			e.archivePage(ctx, req.JobID, jobs[i].url, pages[i].Markdown)
			rec, err := fn(ctx, pages[i].Markdown, jobs[i])
			outcomes[i] = pageOutcome{record: rec, err: err}
			return nil // best-effort: one page never cancels its siblings
		})
	}
	_ = g.Wait()

	t.Progress(endPct, "Extraction finished")
	return outcomes, true
}

func (e *Engine) archivePage(ctx context.Context, jobID, pageURL, markdown string) {
	if e.archive == nil {
		return
	}
	if _, err := e.archive.ArchivePage(ctx, jobID, pageURL, markdown); err != nil {
		log.Printf("[discovery] Snapshot of %s failed: %v", pageURL, err)
	}
}

func collect(jobs []pageJob, outcomes []pageOutcome, t model.Tracker) []model.PriceRecord {
	records := make([]model.PriceRecord, 0, len(jobs))
	for i, o := range outcomes {
		name := jobs[i].url
		if jobs[i].store != nil {
			name = jobs[i].store.Name
		} else if jobs[i].site != nil {
			name = jobs[i].site.Name
		}
		switch {
		case o.failed != "":
			t.Warning(fmt.Sprintf("%s: scrape failed (%s)", name, o.failed))
		case o.err != nil:
			t.Warning(fmt.Sprintf("%s: extraction failed: %v", name, o.err))
		case o.record == nil || o.record.Price <= 0:
			t.Debug(fmt.Sprintf("%s: no price found", name))
		default:
			t.Success(fmt.Sprintf("%s: $%.2f", name, o.record.Price))
			records = append(records, *o.record)
		}
	}
	return records
}

// learnStores registers the retailers behind Tier 2 records that the
// registry does not know yet.
func (e *Engine) learnStores(ctx context.Context, userID string, records []model.PriceRecord, t model.Tracker) int {
	learned := 0
	for _, rec := range records {
		if rec.ProductURL == "" {
			continue
		}
		if _, err := e.registry.LookupDomain(ctx, rec.ProductURL); err == nil {
			continue
		}
		store, created, err := e.registry.LearnStore(ctx, userID, rec.ProductURL, rec.Vendor)
		if err != nil {
			t.Warning(fmt.Sprintf("Could not learn store for %s: %v", rec.Vendor, err))
			continue
		}
		if created {
			learned++
			t.Info(fmt.Sprintf("Learned new store %s", store.Domain))
		}
	}
	return learned
}
