package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/scheduler"
	"github.com/danavision/api/internal/storage"
)

type fakeEnqueuer struct {
	items  []int64
	failOn int64
}

func (f *fakeEnqueuer) StartRefresh(_ context.Context, userID string, itemID int64) (*model.Job, error) {
	if itemID == f.failOn {
		return nil, errors.New("redis down")
	}
	f.items = append(f.items, itemID)
	return &model.Job{ID: "job", UserID: userID}, nil
}

func seed(t *testing.T) (*storage.Memory, []int64) {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemory()
	recent := time.Now().UTC()

	stale := mem.AddItem(model.ListItem{UserID: "u1", ProductName: "Coffee"})
	fresh := mem.AddItem(model.ListItem{UserID: "u1", ProductName: "Tea", LastCheckedAt: &recent})
	mem.AddItem(model.ListItem{UserID: "u2", ProductName: "Sugar"})
	stale2 := mem.AddItem(model.ListItem{UserID: "u2", ProductName: "Milk"})

	for _, id := range []int64{stale, fresh, stale2} {
		if _, err := mem.UpsertVendorPrice(ctx, model.NewVendorPrice(id, "Target", 4.99, true, "https://target.com/p/x", "test", recent)); err != nil {
			t.Fatal(err)
		}
	}
	return mem, []int64{stale, stale2}
}

func TestRunOnce_QueuesStaleItemsWithLinks(t *testing.T) {
	mem, want := seed(t)
	enq := &fakeEnqueuer{}
	s := scheduler.New(mem, enq, &config.SchedulerConfig{StaleAfter: time.Hour, MaxPerRun: 10})

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 || len(enq.items) != 2 {
		t.Fatalf("queued %d (%v), want %v", n, enq.items, want)
	}
	for i, id := range want {
		if enq.items[i] != id {
			t.Errorf("queued[%d] = %d, want %d", i, enq.items[i], id)
		}
	}
}

func TestRunOnce_EnqueueFailureDoesNotStopSweep(t *testing.T) {
	mem, want := seed(t)
	enq := &fakeEnqueuer{failOn: want[0]}
	s := scheduler.New(mem, enq, &config.SchedulerConfig{StaleAfter: time.Hour})

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || enq.items[0] != want[1] {
		t.Errorf("queued %v", enq.items)
	}
}

func TestRunOnce_RespectsLimit(t *testing.T) {
	mem, _ := seed(t)
	enq := &fakeEnqueuer{}
	s := scheduler.New(mem, enq, &config.SchedulerConfig{StaleAfter: time.Hour, MaxPerRun: 1})

	if n, _ := s.RunOnce(context.Background()); n != 1 {
		t.Errorf("queued %d, want 1", n)
	}
}

func TestStart_RejectsBadSpec(t *testing.T) {
	s := scheduler.New(storage.NewMemory(), &fakeEnqueuer{}, &config.SchedulerConfig{Spec: "not a spec"})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Error("expected an error for an invalid cron spec")
	}
}
