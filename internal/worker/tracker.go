package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/danavision/api/internal/model"
)

// JobStore is the durable job record the runtime reports into.
type JobStore interface {
	Begin(ctx context.Context, jobID string) (*model.Job, error)
	Progress(ctx context.Context, jobID string, percent int, msg string) error
	Log(ctx context.Context, jobID string, level model.LogLevel, msg string) error
	Complete(ctx context.Context, jobID string, output any) error
	Fail(ctx context.Context, jobID, msg string, final bool) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Broadcaster pushes live job updates to subscribers.
type Broadcaster interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastLog(jobID string, entry model.JobLogEntry)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastProgress(string, int, model.JobStatus, string) {}
func (nopBroadcaster) BroadcastLog(string, model.JobLogEntry)                 {}
func (nopBroadcaster) BroadcastComplete(string, interface{})                  {}
func (nopBroadcaster) BroadcastError(string, string, string)                  {}

// Tracker persists a running job's log and progress and answers the
// cancellation checkpoint. It is safe for concurrent use by a pipeline's
// goroutines.
type Tracker struct {
	ctx   context.Context
	jobs  JobStore
	hub   Broadcaster
	jobID string

	mu       sync.Mutex
	progress int
}

var _ model.Tracker = (*Tracker)(nil)

func newTracker(ctx context.Context, jobs JobStore, hub Broadcaster, job *model.Job) *Tracker {
	return &Tracker{
		ctx:      context.WithoutCancel(ctx),
		jobs:     jobs,
		hub:      hub,
		jobID:    job.ID,
		progress: job.Progress,
	}
}

func (t *Tracker) Info(msg string)    { t.write(model.LogLevelInfo, msg) }
func (t *Tracker) Success(msg string) { t.write(model.LogLevelSuccess, msg) }
func (t *Tracker) Warning(msg string) { t.write(model.LogLevelWarning, msg) }
func (t *Tracker) Error(msg string)   { t.write(model.LogLevelError, msg) }
func (t *Tracker) Debug(msg string)   { t.write(model.LogLevelDebug, msg) }

func (t *Tracker) write(level model.LogLevel, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log.Printf("[job %s] %s: %s", t.jobID, level, msg)
	if err := t.jobs.Log(t.ctx, t.jobID, level, msg); err != nil {
		log.Printf("[job %s] Failed to persist log: %v", t.jobID, err)
	}
	if level != model.LogLevelDebug {
		t.hub.BroadcastLog(t.jobID, model.JobLogEntry{Timestamp: time.Now().UTC(), Level: level, Message: msg})
	}
}

// Progress raises the job's progress. Lower values only log.
func (t *Tracker) Progress(percent int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent = max(0, min(100, percent))
	if percent > t.progress {
		t.progress = percent
	}
	log.Printf("[job %s] %d%% %s", t.jobID, t.progress, msg)
	if err := t.jobs.Progress(t.ctx, t.jobID, percent, msg); err != nil {
		log.Printf("[job %s] Failed to persist progress: %v", t.jobID, err)
	}
	t.hub.BroadcastProgress(t.jobID, t.progress, model.JobStatusProcessing, msg)
}

// Cancelled re-reads the job record's cancel flag. An expired ctx is not a
// cancellation: pipelines return ctx.Err() for that so the job fails as
// timed out. A store error is not a cancellation either.
func (t *Tracker) Cancelled(_ context.Context) bool {
	requested, err := t.jobs.CancelRequested(t.ctx, t.jobID)
	if err != nil {
		log.Printf("[job %s] Cancellation check failed: %v", t.jobID, err)
		return false
	}
	if requested {
		log.Printf("[job %s] Cancellation requested", t.jobID)
	}
	return requested
}

// CurrentProgress is the highest progress reported so far.
func (t *Tracker) CurrentProgress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}
