package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/model"
)

const (
	TaskTypeDiscovery  = "price:discover"
	TaskTypeRefresh    = "price:refresh"
	TaskTypeAutoConfig = "store:autoconfig"
)

const (
	QueueDefault  = "default"
	QueueAutoConf = "autoconfig"
)

const maxTxRetries = 5

// TaskPayload is what travels through the queue. The job record in Redis
// stays the source of truth for status.
type TaskPayload struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// JobService manages job records in Redis and enqueues their tasks.
type JobService struct {
	redis       *redis.Client
	asynqClient *asynq.Client
	cfg         config.JobsConfig
	now         func() time.Time
}

func NewJobService(redisClient *redis.Client, asynqClient *asynq.Client, cfg *config.JobsConfig) *JobService {
	return &JobService{
		redis:       redisClient,
		asynqClient: asynqClient,
		cfg:         *cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TaskType maps a job type to its queue task name.
func TaskType(jobType model.JobType) string {
	switch jobType {
	case model.JobTypePriceRefresh:
		return TaskTypeRefresh
	case model.JobTypeStoreAutoConfig:
		return TaskTypeAutoConfig
	default:
		return TaskTypeDiscovery
	}
}

// Timeout is the hard ceiling for one run of a job type.
func (s *JobService) Timeout(jobType model.JobType) time.Duration {
	return TimeoutFor(s.cfg, jobType)
}

func TimeoutFor(cfg config.JobsConfig, jobType model.JobType) time.Duration {
	var d time.Duration
	switch jobType {
	case model.JobTypePriceRefresh:
		d = cfg.RefreshTimeout
	case model.JobTypeStoreAutoConfig:
		d = cfg.AutoConfigTimeout
	default:
		d = cfg.DiscoveryTimeout
	}
	if d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

// StartDiscovery queues a price discovery job for an item.
func (s *JobService) StartDiscovery(ctx context.Context, userID string, in model.DiscoveryJobInput) (*model.Job, error) {
	itemID := in.ItemID
	return s.enqueue(ctx, model.JobTypePriceDiscovery, userID, in, &itemID, nil)
}

// StartRefresh queues a refresh of an item's known vendor URLs.
func (s *JobService) StartRefresh(ctx context.Context, userID string, itemID int64) (*model.Job, error) {
	return s.enqueue(ctx, model.JobTypePriceRefresh, userID, model.RefreshJobInput{ItemID: itemID}, &itemID, nil)
}

// StartAutoConfig queues search-template detection for a store URL.
func (s *JobService) StartAutoConfig(ctx context.Context, userID string, in model.AutoConfigJobInput) (*model.Job, error) {
	return s.enqueue(ctx, model.JobTypeStoreAutoConfig, userID, in, nil, in.StoreID)
}

func (s *JobService) enqueue(ctx context.Context, jobType model.JobType, userID string, input any, itemID, storeID *int64) (*model.Job, error) {
	job, err := model.NewJob(uuid.New().String(), jobType, userID, input, s.now())
	if err != nil {
		return nil, err
	}
	job.ItemID = itemID
	job.StoreID = storeID

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if userID != "" {
		key := userJobsKey(userID)
		pipe := s.redis.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		pipe.Expire(ctx, key, s.retention())
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[jobs] Failed to index job %s for user %s: %v", job.ID, userID, err)
		}
	}

	task, err := newTask(job)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	queue := QueueDefault
	if jobType == model.JobTypeStoreAutoConfig {
		queue = QueueAutoConf
	}
	_, err = s.asynqClient.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(queue),
		asynq.MaxRetry(s.cfg.MaxRetry),
		asynq.Timeout(s.Timeout(jobType)),
		asynq.Retention(s.retention()),
	)
	if err != nil {
		msg := fmt.Sprintf("failed to enqueue: %v", err)
		_ = s.update(ctx, job.ID, func(j *model.Job) error {
			if err := j.Start(s.now()); err != nil {
				return err
			}
			return j.RecordError(msg, true, s.now())
		})
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.Printf("[jobs] Queued %s job %s (user=%s)", jobType, job.ID, userID)
	return job, nil
}

// Get returns a job record.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, s.redis, jobID)
}

// GetForOwner returns a job only to the user who created it.
func (s *JobService) GetForOwner(ctx context.Context, jobID, userID string) (*model.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, model.ErrForbiddenJobAccess
	}
	return job, nil
}

// ListForOwner returns a user's most recent jobs, newest first.
func (s *JobService) ListForOwner(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.redis.ZRevRange(ctx, userJobsKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, model.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Cancel applies the owner's cancellation request.
func (s *JobService) Cancel(ctx context.Context, jobID, userID string) (*model.Job, error) {
	var out *model.Job
	err := s.update(ctx, jobID, func(j *model.Job) error {
		if j.UserID != userID {
			return model.ErrForbiddenJobAccess
		}
		if err := j.RequestCancel(s.now()); err != nil {
			return err
		}
		j.AppendLog(model.LogLevelWarning, "Cancellation requested", s.now())
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Begin marks a job as picked up by a worker. It returns ErrJobTerminal for
// jobs that finished or were cancelled while queued.
func (s *JobService) Begin(ctx context.Context, jobID string) (*model.Job, error) {
	var out *model.Job
	err := s.update(ctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", model.ErrJobTerminal, j.Status)
		}
		if err := j.Start(s.now()); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Progress raises the job's progress and logs msg.
func (s *JobService) Progress(ctx context.Context, jobID string, percent int, msg string) error {
	return s.update(ctx, jobID, func(j *model.Job) error {
		j.SetProgress(percent)
		if msg != "" {
			j.AppendLog(model.LogLevelInfo, msg, s.now())
		}
		return nil
	})
}

// Log appends one entry to the job's log.
func (s *JobService) Log(ctx context.Context, jobID string, level model.LogLevel, msg string) error {
	return s.update(ctx, jobID, func(j *model.Job) error {
		j.AppendLog(level, msg, s.now())
		return nil
	})
}

// Complete finishes a job with its output payload.
func (s *JobService) Complete(ctx context.Context, jobID string, output any) error {
	return s.update(ctx, jobID, func(j *model.Job) error {
		return j.Complete(output, s.now())
	})
}

// Fail records an error. A final failure moves the job to failed; otherwise
// it stays processing for the queue to redeliver.
func (s *JobService) Fail(ctx context.Context, jobID, msg string, final bool) error {
	return s.update(ctx, jobID, func(j *model.Job) error {
		j.AppendLog(model.LogLevelError, msg, s.now())
		return j.RecordError(msg, final, s.now())
	})
}

// CancelRequested re-reads the job record for the cancellation flag.
func (s *JobService) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.IsCancelled(), nil
}

// update runs fn against the latest record under WATCH so concurrent writers
// (a cancel request and a progress update) never lose each other's changes.
func (s *JobService) update(ctx context.Context, jobID string, fn func(*model.Job) error) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much contention", jobID)
}

func (s *JobService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.retention()).Err()
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *JobService) getJob(ctx context.Context, r getter, jobID string) (*model.Job, error) {
	data, err := r.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobService) retention() time.Duration {
	if s.cfg.Retention <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.cfg.Retention
}

func jobKey(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

func userJobsKey(userID string) string { return fmt.Sprintf("jobs:user:%s", userID) }

func newTask(job *model.Job) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: job.ID, Payload: job.Input})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskType(job.Type), data), nil
}
