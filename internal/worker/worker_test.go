package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/danavision/api/internal/autoconfig"
	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/discovery"
	"github.com/danavision/api/internal/extract"
	"github.com/danavision/api/internal/ledger"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/registry"
	"github.com/danavision/api/internal/service"
	"github.com/danavision/api/internal/storage"
	"github.com/danavision/api/internal/worker"
)

// memJobs is an in-process JobStore with the same transition rules as the
// Redis job service.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]*model.Job)} }

func (m *memJobs) add(t *testing.T, jobType model.JobType, input any) *model.Job {
	t.Helper()
	job, err := model.NewJob(fmt.Sprintf("job-%d", len(m.jobs)+1), jobType, "user-1", input, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job
}

func (m *memJobs) get(id string) *model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.jobs[id]
	return &cp
}

func (m *memJobs) with(id string, fn func(*model.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ErrJobNotFound
	}
	return fn(job)
}

func (m *memJobs) Begin(_ context.Context, id string) (*model.Job, error) {
	var out model.Job
	err := m.with(id, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return model.ErrJobTerminal
		}
		if err := j.Start(time.Now()); err != nil {
			return err
		}
		out = *j
		return nil
	})
	return &out, err
}

func (m *memJobs) Progress(_ context.Context, id string, p int, msg string) error {
	return m.with(id, func(j *model.Job) error {
		j.SetProgress(p)
		j.AppendLog(model.LogLevelInfo, msg, time.Now())
		return nil
	})
}

func (m *memJobs) Log(_ context.Context, id string, level model.LogLevel, msg string) error {
	return m.with(id, func(j *model.Job) error {
		j.AppendLog(level, msg, time.Now())
		return nil
	})
}

func (m *memJobs) Complete(_ context.Context, id string, output any) error {
	return m.with(id, func(j *model.Job) error { return j.Complete(output, time.Now()) })
}

func (m *memJobs) Fail(_ context.Context, id, msg string, final bool) error {
	return m.with(id, func(j *model.Job) error { return j.RecordError(msg, final, time.Now()) })
}

func (m *memJobs) CancelRequested(_ context.Context, id string) (bool, error) {
	var c bool
	err := m.with(id, func(j *model.Job) error { c = j.IsCancelled(); return nil })
	return c, err
}

type fakeDiscoverer struct {
	result     *model.DiscoveryResult
	err        error
	onDiscover func(ctx context.Context, t model.Tracker)
	refreshed  []string
}

func (f *fakeDiscoverer) Discover(ctx context.Context, req discovery.Request, t model.Tracker) (*model.DiscoveryResult, error) {
	if f.onDiscover != nil {
		f.onDiscover(ctx, t)
	}
	if f.err != nil {
		return nil, f.err
	}
	if t.Cancelled(ctx) {
		return &model.DiscoveryResult{Cancelled: true, Source: model.SourceNone}, nil
	}
	return f.result, nil
}

func (f *fakeDiscoverer) Refresh(_ context.Context, req discovery.RefreshRequest, _ model.Tracker) (*model.DiscoveryResult, error) {
	f.refreshed = append(f.refreshed, req.URLs...)
	return f.result, f.err
}

var jobsCfg = &config.JobsConfig{DiscoveryTimeout: 5 * time.Minute, RefreshTimeout: 5 * time.Minute, AutoConfigTimeout: 10 * time.Minute}

func setup(t *testing.T, d *fakeDiscoverer) (*memJobs, *storage.Memory, *worker.Runner, *worker.PriceWorker, int64) {
	t.Helper()
	jobs := newMemJobs()
	mem := storage.NewMemory()
	itemID := mem.AddItem(model.ListItem{UserID: "user-1", ProductName: "Oat Milk"})
	return jobs, mem, worker.NewRunner(jobs, nil, jobsCfg), worker.NewPriceWorker(d, ledger.New(mem), mem), itemID
}

func TestRun_DiscoveryPersistsBestPrice(t *testing.T) {
	d := &fakeDiscoverer{result: &model.DiscoveryResult{
		Success: true,
		Source:  model.SourceTiered,
		Results: []model.PriceRecord{
			{Vendor: "Target", Price: 4.49, StockStatus: model.StockInStock, ProductURL: "https://target.com/p/1"},
			{Vendor: "Walmart", Price: 3.99, StockStatus: model.StockOutOfStock, ProductURL: "https://walmart.com/ip/1"},
		},
	}}
	jobs, mem, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	if err := runner.Run(context.Background(), job.ID, pw.Discover); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := jobs.get(job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	var out model.PriceJobOutput
	if err := json.Unmarshal(got.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.BestPrice == nil || *out.BestPrice != 4.49 || out.BestVendor != "Target" {
		t.Errorf("best = %v %s, want the in-stock 4.49 at Target", out.BestPrice, out.BestVendor)
	}
	if out.VendorsUpdated != 2 {
		t.Errorf("VendorsUpdated = %d", out.VendorsUpdated)
	}
	prices, _ := mem.ListVendorPrices(context.Background(), itemID)
	if len(prices) != 2 {
		t.Errorf("ledger rows = %d, want 2", len(prices))
	}
}

func TestRun_NoPricesIsASuccess(t *testing.T) {
	d := &fakeDiscoverer{result: &model.DiscoveryResult{Success: true, Source: model.SourceNone}}
	jobs, mem, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	if err := runner.Run(context.Background(), job.ID, pw.Discover); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := jobs.get(job.ID)
	if got.Status != model.JobStatusCompleted || !strings.Contains(string(got.Output), "No prices found") {
		t.Errorf("job = %s %s", got.Status, got.Output)
	}
	item, _ := mem.GetItem(context.Background(), itemID)
	if item.LastCheckedAt == nil {
		t.Error("item should be marked checked")
	}
}

func TestRun_NotConfiguredIsFinal(t *testing.T) {
	d := &fakeDiscoverer{err: fmt.Errorf("%w: AI extraction backend is not configured", model.ErrNotConfigured)}
	jobs, _, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	err := runner.Run(context.Background(), job.ID, pw.Discover)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	if got := jobs.get(job.ID); got.Status != model.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRun_TransientErrorAwaitsRedelivery(t *testing.T) {
	d := &fakeDiscoverer{err: errors.New("scrape service returned 502")}
	jobs, _, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	err := runner.Run(context.Background(), job.ID, pw.Discover)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want a retryable error", err)
	}
	got := jobs.get(job.ID)
	if got.Status != model.JobStatusProcessing || got.Error == nil {
		t.Errorf("job = %s %v", got.Status, got.Error)
	}

	d.err = nil
	d.result = &model.DiscoveryResult{Success: true, Source: model.SourceNone}
	if err := runner.Run(context.Background(), job.ID, pw.Discover); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := jobs.get(job.ID); got.Status != model.JobStatusCompleted || got.Attempts != 2 {
		t.Errorf("after redelivery: %s attempts=%d", got.Status, got.Attempts)
	}
}

func TestRun_DeadlineIsReportedAsTimeout(t *testing.T) {
	d := &fakeDiscoverer{}
	d.onDiscover = func(ctx context.Context, _ model.Tracker) {
		<-ctx.Done()
		d.err = ctx.Err()
	}
	jobs, _, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx, job.ID, pw.Discover)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	got := jobs.get(job.ID)
	if got.Status != model.JobStatusFailed || got.Error == nil || *got.Error != "job timed out after 5m0s" {
		t.Errorf("job = %s %v", got.Status, got.Error)
	}
}

// stalledScraper holds every batch until the caller gives up.
type stalledScraper struct{}

func (stalledScraper) Scrape(ctx context.Context, _ []string) ([]client.ScrapeResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type readyExtractor struct{}

func (readyExtractor) IsConfigured() bool { return true }

func (readyExtractor) ExtractPrice(context.Context, string, extract.Hints) (*model.PriceRecord, error) {
	return nil, nil
}

func (readyExtractor) ExtractBestMatch(context.Context, string, extract.Hints) (*model.PriceRecord, error) {
	return nil, nil
}

func TestRun_StalledScrapeTimesOutInsteadOfCancelling(t *testing.T) {
	jobs := newMemJobs()
	mem := storage.NewMemory()
	itemID := mem.AddItem(model.ListItem{UserID: "user-1", ProductName: "Oat Milk"})
	engine := discovery.NewEngine(stalledScraper{}, readyExtractor{}, registry.New(mem), &config.DiscoveryConfig{Tier1Threshold: 3},
		discovery.WithTier2Sites([]discovery.Tier2Site{{Name: "Walmart", Template: "https://www.walmart.com/search?q={query}"}}))
	runner := worker.NewRunner(jobs, nil, jobsCfg)
	pw := worker.NewPriceWorker(engine, ledger.New(mem), mem)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx, job.ID, pw.Discover)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	got := jobs.get(job.ID)
	if got.Status != model.JobStatusFailed || got.Error == nil || *got.Error != "job timed out after 5m0s" {
		t.Errorf("job = %s %v", got.Status, got.Error)
	}
	if got.Output != nil {
		t.Errorf("timed out job has output %s", got.Output)
	}
}

func TestRun_SoftCancellation(t *testing.T) {
	d := &fakeDiscoverer{result: &model.DiscoveryResult{Success: true}}
	jobs, mem, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})
	d.onDiscover = func(context.Context, model.Tracker) {
		_ = jobs.with(job.ID, func(j *model.Job) error { return j.RequestCancel(time.Now()) })
	}

	if err := runner.Run(context.Background(), job.ID, pw.Discover); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := jobs.get(job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	var out model.PriceJobOutput
	_ = json.Unmarshal(got.Output, &out)
	if !out.Cancelled {
		t.Error("output should be flagged cancelled")
	}
	if prices, _ := mem.ListVendorPrices(context.Background(), itemID); len(prices) != 0 {
		t.Error("cancelled job must not write prices")
	}
}

func TestRun_SkipsJobCancelledWhileQueued(t *testing.T) {
	d := &fakeDiscoverer{}
	called := false
	d.onDiscover = func(context.Context, model.Tracker) { called = true }
	jobs, _, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: itemID})
	_ = jobs.with(job.ID, func(j *model.Job) error { return j.RequestCancel(time.Now()) })

	if err := runner.Run(context.Background(), job.ID, pw.Discover); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("pipeline ran for a cancelled job")
	}
	if got := jobs.get(job.ID); got.Status != model.JobStatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRun_RefreshUsesKnownVendorLinks(t *testing.T) {
	d := &fakeDiscoverer{result: &model.DiscoveryResult{
		Success: true,
		Source:  model.SourceRefresh,
		Results: []model.PriceRecord{{Vendor: "Target", Price: 3.49, StockStatus: model.StockInStock}},
	}}
	jobs, mem, runner, pw, itemID := setup(t, d)
	lg := ledger.New(mem)
	if _, err := lg.UpsertVendorPrice(context.Background(), itemID, "Target", 3.99, "https://target.com/p/1", true, model.SourceTier1); err != nil {
		t.Fatal(err)
	}
	job := jobs.add(t, model.JobTypePriceRefresh, model.RefreshJobInput{ItemID: itemID})

	if err := runner.Run(context.Background(), job.ID, pw.Refresh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.refreshed) != 1 || d.refreshed[0] != "https://target.com/p/1" {
		t.Errorf("refreshed %v", d.refreshed)
	}
	prices, _ := mem.ListVendorPrices(context.Background(), itemID)
	if len(prices) != 1 || prices[0].CurrentPrice != 3.49 || prices[0].HighestPrice != 3.99 {
		t.Errorf("ledger = %+v", prices)
	}
}

func TestRun_RefreshWithoutLinks(t *testing.T) {
	d := &fakeDiscoverer{}
	jobs, _, runner, pw, itemID := setup(t, d)
	job := jobs.add(t, model.JobTypePriceRefresh, model.RefreshJobInput{ItemID: itemID})

	if err := runner.Run(context.Background(), job.ID, pw.Refresh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.refreshed) != 0 {
		t.Error("nothing should be scraped")
	}
	if got := jobs.get(job.ID); got.Status != model.JobStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRun_RefreshUnknownItemIsFinal(t *testing.T) {
	jobs, _, runner, pw, _ := setup(t, &fakeDiscoverer{})
	job := jobs.add(t, model.JobTypePriceRefresh, model.RefreshJobInput{ItemID: 9999})

	if err := runner.Run(context.Background(), job.ID, pw.Refresh); !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
}

type fakeConfigurator struct {
	result *model.AutoConfigResult
}

func (f *fakeConfigurator) Configure(context.Context, string, autoconfig.Options, model.Tracker) (*model.AutoConfigResult, error) {
	return f.result, nil
}

func TestRun_AutoConfigSavesTemplate(t *testing.T) {
	jobs := newMemJobs()
	mem := storage.NewMemory()
	reg := registry.New(mem)
	runner := worker.NewRunner(jobs, nil, jobsCfg)

	cfgr := &fakeConfigurator{result: &model.AutoConfigResult{
		Success: true, Domain: "shop.test", Template: "https://shop.test/search?q={query}", Tier: model.TierCommonPattern, Validated: true,
	}}
	aw := worker.NewAutoConfigWorker(cfgr, reg)
	job := jobs.add(t, model.JobTypeStoreAutoConfig, model.AutoConfigJobInput{URL: "https://www.shop.test"})

	if err := runner.Run(context.Background(), job.ID, aw.Configure); err != nil {
		t.Fatalf("Run: %v", err)
	}
	store, err := mem.FindByDomain(context.Background(), "shop.test")
	if err != nil {
		t.Fatalf("store not registered: %v", err)
	}
	if store.EffectiveTemplate() != "https://shop.test/search?q={query}" || !store.AutoConfigured {
		t.Errorf("store = %+v", store)
	}
}

func TestRun_AutoConfigLinksChainMember(t *testing.T) {
	jobs := newMemJobs()
	mem := storage.NewMemory()
	reg := registry.New(mem)
	runner := worker.NewRunner(jobs, nil, jobsCfg)

	parent, err := reg.EnsureChainParent(context.Background(), "Kroger", "kroger.com", "https://www.kroger.com/search?query={query}", model.StoreCategoryGrocery)
	if err != nil {
		t.Fatal(err)
	}
	child, err := reg.AddStore(context.Background(), "user-1", "ralphs.com", "", false, model.StoreCategoryGrocery)
	if err != nil {
		t.Fatal(err)
	}
	pid := parent.ID
	cfgr := &fakeConfigurator{result: &model.AutoConfigResult{
		Success: true, Template: *parent.SearchURLTemplate, Tier: model.TierKnownChain, Validated: true, ParentStoreID: &pid,
	}}
	job := jobs.add(t, model.JobTypeStoreAutoConfig, model.AutoConfigJobInput{URL: "ralphs.com", StoreID: &child.ID})

	if err := runner.Run(context.Background(), job.ID, worker.NewAutoConfigWorker(cfgr, reg).Configure); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := mem.GetByID(context.Background(), child.ID)
	if got.SearchURLTemplate != nil {
		t.Errorf("chain member should not copy the template, got %q", *got.SearchURLTemplate)
	}
	if got.ParentStoreID == nil || *got.ParentStoreID != parent.ID {
		t.Errorf("parent = %v", got.ParentStoreID)
	}
	if got.EffectiveTemplate() != *parent.SearchURLTemplate {
		t.Errorf("effective template = %q", got.EffectiveTemplate())
	}
}

func TestErrorHandler_MarksJobFailed(t *testing.T) {
	jobs := newMemJobs()
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: 1})
	_, _ = jobs.Begin(context.Background(), job.ID)

	payload, _ := json.Marshal(service.TaskPayload{JobID: job.ID})
	task := asynq.NewTask(service.TaskTypeDiscovery, payload)
	worker.ErrorHandler(jobs).HandleError(context.Background(), task, fmt.Errorf("boom: %w", asynq.SkipRetry))

	if got := jobs.get(job.ID); got.Status != model.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestHandler_RejectsBadPayload(t *testing.T) {
	runner := worker.NewRunner(newMemJobs(), nil, jobsCfg)
	h := runner.Handler(func(context.Context, *model.Job, *worker.Tracker) (any, error) { return nil, nil })
	err := h.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeDiscovery, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
}

func TestTracker_ConcurrentLogging(t *testing.T) {
	jobs := newMemJobs()
	job := jobs.add(t, model.JobTypePriceDiscovery, model.DiscoveryJobInput{ItemID: 1})
	runner := worker.NewRunner(jobs, nil, jobsCfg)

	err := runner.Run(context.Background(), job.ID, func(ctx context.Context, _ *model.Job, tr *worker.Tracker) (any, error) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tr.Warning(fmt.Sprintf("page %d failed", i))
				tr.Progress(i*5, "working")
			}(i)
		}
		wg.Wait()
		return model.PriceJobOutput{}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := jobs.get(job.ID); len(got.Logs) != 40 {
		t.Errorf("logs = %d, want 40", len(got.Logs))
	}
}
