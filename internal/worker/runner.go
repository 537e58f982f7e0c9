package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/service"
)

// ErrInvalidInput marks a job whose stored input cannot be used. Retrying
// would not help.
var ErrInvalidInput = errors.New("invalid job input")

// Pipeline is the body of one job type. A non-nil output completes the job;
// a returned error fails it or hands it back to the queue.
type Pipeline func(ctx context.Context, job *model.Job, t *Tracker) (any, error)

// Runner wraps pipelines with the job lifecycle: pick-up, completion,
// failure classification and live updates.
type Runner struct {
	jobs JobStore
	hub  Broadcaster
	cfg  config.JobsConfig
}

func NewRunner(jobs JobStore, hub Broadcaster, cfg *config.JobsConfig) *Runner {
	if hub == nil {
		hub = nopBroadcaster{}
	}
	return &Runner{jobs: jobs, hub: hub, cfg: *cfg}
}

// Handler adapts a pipeline to an asynq handler.
func (r *Runner) Handler(p Pipeline) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload service.TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
		}
		return r.Run(ctx, payload.JobID, p)
	}
}

// Run executes one delivery of a job.
func (r *Runner) Run(ctx context.Context, jobID string, p Pipeline) error {
	job, err := r.jobs.Begin(ctx, jobID)
	switch {
	case errors.Is(err, model.ErrJobTerminal):
		log.Printf("[worker] Job %s already finished, skipping", jobID)
		return nil
	case errors.Is(err, model.ErrJobNotFound):
		return fmt.Errorf("job %s: %v: %w", jobID, err, asynq.SkipRetry)
	case err != nil:
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}
	log.Printf("[worker] Starting %s job %s (attempt %d)", job.Type, job.ID, job.Attempts)

	t := newTracker(ctx, r.jobs, r.hub, job)
	r.hub.BroadcastProgress(job.ID, job.Progress, model.JobStatusProcessing, "Started")

	start := time.Now()
	output, err := p(ctx, job, t)
	if err != nil {
		return r.fail(ctx, job, err, time.Since(start))
	}

	bg := context.WithoutCancel(ctx)
	if err := r.jobs.Complete(bg, job.ID, output); err != nil {
		if errors.Is(err, model.ErrJobTerminal) || errors.Is(err, model.ErrInvalidTransition) {
			log.Printf("[worker] Job %s finished elsewhere: %v", job.ID, err)
			return nil
		}
		return fmt.Errorf("failed to save result of job %s: %w", job.ID, err)
	}
	r.hub.BroadcastComplete(job.ID, output)
	log.Printf("[worker] Job %s completed in %v", job.ID, time.Since(start).Round(time.Millisecond))
	return nil
}

// fail records err on the job. Configuration errors, timeouts and the last
// allowed attempt are final and never retried.
func (r *Runner) fail(ctx context.Context, job *model.Job, err error, elapsed time.Duration) error {
	msg := err.Error()
	var final bool
	switch {
	case errors.Is(err, model.ErrNotConfigured), errors.Is(err, ErrInvalidInput):
		final = true
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg = fmt.Sprintf("job timed out after %v", r.timeout(job.Type))
		final = true
	case errors.Is(err, client.ErrAgentTimeout):
		final = true
	default:
		final = lastAttempt(ctx)
	}

	log.Printf("[worker] Job %s failed after %v (final=%v): %s", job.ID, elapsed.Round(time.Millisecond), final, msg)
	if ferr := r.jobs.Fail(context.WithoutCancel(ctx), job.ID, msg, final); ferr != nil {
		log.Printf("[worker] Failed to record failure of job %s: %v", job.ID, ferr)
	}
	if final {
		r.hub.BroadcastError(job.ID, errorCode(job.Type), msg)
		return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
	}
	return err
}

func (r *Runner) timeout(jobType model.JobType) time.Duration {
	return service.TimeoutFor(r.cfg, jobType)
}

// lastAttempt reports whether the queue will not redeliver after this run.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

func errorCode(jobType model.JobType) string {
	switch jobType {
	case model.JobTypePriceRefresh:
		return "REFRESH_FAILED"
	case model.JobTypeStoreAutoConfig:
		return "AUTOCONFIG_FAILED"
	default:
		return "DISCOVERY_FAILED"
	}
}

// RetryDelay is the fixed backoff between whole-job retries.
func RetryDelay(backoff time.Duration) asynq.RetryDelayFunc {
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return func(int, error, *asynq.Task) time.Duration {
		return backoff
	}
}

// ErrorHandler is the queue's failure hook. Once a task will not be retried
// the job record is marked failed, covering errors raised before the runner
// could record them.
func ErrorHandler(jobs JobStore) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}
		var payload service.TaskPayload
		if jerr := json.Unmarshal(task.Payload(), &payload); jerr != nil || payload.JobID == "" {
			log.Printf("[worker] Task %s failed with unreadable payload: %v", task.Type(), err)
			return
		}
		ferr := jobs.Fail(context.WithoutCancel(ctx), payload.JobID, err.Error(), true)
		if ferr != nil && !errors.Is(ferr, model.ErrJobTerminal) {
			log.Printf("[worker] Failed to mark job %s failed: %v", payload.JobID, ferr)
		}
	}
}
