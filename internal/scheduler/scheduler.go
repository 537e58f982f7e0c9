// Package scheduler periodically queues price refreshes for items whose
// vendor prices have gone stale.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/model"
)

// StaleItemSource lists items not checked since a point in time.
type StaleItemSource interface {
	ListStaleItems(ctx context.Context, before time.Time, limit int) ([]model.ListItem, error)
}

// RefreshEnqueuer queues one price_refresh job.
type RefreshEnqueuer interface {
	StartRefresh(ctx context.Context, userID string, itemID int64) (*model.Job, error)
}

// Scheduler wraps robfig/cron and runs the refresh sweep.
type Scheduler struct {
	cron       *cron.Cron
	items      StaleItemSource
	jobs       RefreshEnqueuer
	spec       string
	staleAfter time.Duration
	maxPerRun  int
	now        func() time.Time
}

func New(items StaleItemSource, jobs RefreshEnqueuer, cfg *config.SchedulerConfig) *Scheduler {
	spec := cfg.Spec
	if spec == "" {
		spec = "@every 24h"
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLogger(cron.DefaultLogger)),
		items:      items,
		jobs:       jobs,
		spec:       spec,
		staleAfter: staleAfter,
		maxPerRun:  cfg.MaxPerRun,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweep and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("[scheduler] Refresh sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	log.Printf("[scheduler] Cron started, spec: %s", s.spec)
	return nil
}

// Stop waits for a running sweep and stops the loop.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[scheduler] Cron stopped")
}

// RunOnce queues a refresh for every stale item and returns how many were
// queued. One item failing to enqueue does not stop the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)
	items, err := s.items.ListStaleItems(ctx, before, s.maxPerRun)
	if err != nil {
		return 0, fmt.Errorf("list stale items: %w", err)
	}
	if len(items) == 0 {
		log.Println("[scheduler] No stale items")
		return 0, nil
	}

	queued := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		job, err := s.jobs.StartRefresh(ctx, item.UserID, item.ID)
		if err != nil {
			log.Printf("[scheduler] Item %d: enqueue failed: %v", item.ID, err)
			continue
		}
		queued++
		log.Printf("[scheduler] Item %d: queued refresh job %s", item.ID, job.ID)
	}
	log.Printf("[scheduler] Queued %d of %d stale item(s)", queued, len(items))
	return queued, nil
}
