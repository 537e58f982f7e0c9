package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobTerminal        = errors.New("job already finished")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrNotConfigured      = errors.New("service not configured")
	ErrJobNotCompleted    = errors.New("job not completed")
	ErrForbiddenJobAccess = errors.New("job belongs to another user")
	ErrStoreNotFound      = errors.New("store not found")
	ErrItemNotFound       = errors.New("item not found")
)

// JobType identifies the pipeline a job runs.
type JobType string

const (
	JobTypePriceDiscovery  JobType = "price_discovery"
	JobTypePriceRefresh    JobType = "price_refresh"
	JobTypeStoreAutoConfig JobType = "store_auto_config"
)

var ValidJobTypes = []JobType{JobTypePriceDiscovery, JobTypePriceRefresh, JobTypeStoreAutoConfig}

// JobStatus is the lifecycle state of a job.
//
//	pending ──► processing ──► completed
//	   │            ├─────────► failed
//	   └────────────┴─────────► cancelled
//
// completed, failed and cancelled are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition returns true when moving from → to is permitted.
func CanTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelDebug   LogLevel = "debug"
)

// JobLogEntry is one line of a job's append-only log.
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Job is a background unit of work and its durable progress record.
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	UserID          string          `json:"userId"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	Logs            []JobLogEntry   `json:"logs"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CancelRequested bool            `json:"cancelRequested"`
	Attempts        int             `json:"attempts"`
	ItemID          *int64          `json:"itemId,omitempty"`
	StoreID         *int64          `json:"storeId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// NewJob builds a pending job with its input payload encoded.
func NewJob(id string, jobType JobType, userID string, input any, now time.Time) (*Job, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job input: %w", err)
	}
	return &Job{
		ID:        id,
		Type:      jobType,
		UserID:    userID,
		Status:    JobStatusPending,
		Input:     raw,
		Logs:      []JobLogEntry{},
		CreatedAt: now,
	}, nil
}

// CurrentStep is the message of the most recent log entry.
func (j *Job) CurrentStep() string {
	if len(j.Logs) == 0 {
		return ""
	}
	return j.Logs[len(j.Logs)-1].Message
}

// AppendLog adds a log entry without touching progress.
func (j *Job) AppendLog(level LogLevel, message string, now time.Time) {
	j.Logs = append(j.Logs, JobLogEntry{Timestamp: now, Level: level, Message: message})
}

// SetProgress raises progress to percent; progress never decreases.
func (j *Job) SetProgress(percent int) {
	percent = max(0, min(100, percent))
	if percent > j.Progress {
		j.Progress = percent
	}
}

// Start moves a job into processing. A redelivered job that is already
// processing stays there and counts another attempt.
func (j *Job) Start(now time.Time) error {
	switch {
	case j.Status == JobStatusProcessing:
	case CanTransition(j.Status, JobStatusProcessing):
		j.Status = JobStatusProcessing
		j.StartedAt = &now
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusProcessing)
	}
	j.Attempts++
	return nil
}

// Complete records the output payload and finishes the job.
func (j *Job) Complete(output any, now time.Time) error {
	if !CanTransition(j.Status, JobStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusCompleted)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal job output: %w", err)
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Output = raw
	j.CompletedAt = &now
	return nil
}

// RecordError stores the latest failure message. When final is set the job
// becomes failed; otherwise it stays processing awaiting redelivery.
func (j *Job) RecordError(msg string, final bool, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, j.Status)
	}
	j.Error = &msg
	if !final {
		return nil
	}
	if !CanTransition(j.Status, JobStatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	return nil
}

// RequestCancel applies an owner's cancellation request. A job that has not
// been picked up is cancelled outright; a running job is flagged and stops at
// its next checkpoint.
func (j *Job) RequestCancel(now time.Time) error {
	switch j.Status {
	case JobStatusPending:
		j.Status = JobStatusCancelled
		j.CompletedAt = &now
	case JobStatusProcessing:
		j.CancelRequested = true
	default:
		return fmt.Errorf("%w: %s", ErrJobTerminal, j.Status)
	}
	return nil
}

// IsCancelled reports whether the owner has asked this job to stop.
func (j *Job) IsCancelled() bool {
	return j.CancelRequested || j.Status == JobStatusCancelled
}

// DiscoveryJobInput is the payload of a price_discovery job.
type DiscoveryJobInput struct {
	ItemID      int64            `json:"itemId"`
	ProductName string           `json:"productName"`
	Options     DiscoveryOptions `json:"options"`
}

// RefreshJobInput is the payload of a price_refresh job.
type RefreshJobInput struct {
	ItemID int64 `json:"itemId"`
}

// AutoConfigJobInput is the payload of a store_auto_config job.
type AutoConfigJobInput struct {
	StoreID  *int64 `json:"storeId,omitempty"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	UseAgent bool   `json:"useAgent"`
}

// PriceJobOutput is the result payload of discovery and refresh jobs.
type PriceJobOutput struct {
	Cancelled      bool          `json:"cancelled,omitempty"`
	Source         string        `json:"source,omitempty"`
	Results        []PriceRecord `json:"results"`
	VendorsUpdated int           `json:"vendorsUpdated"`
	StoresLearned  int           `json:"storesLearned"`
	BestPrice      *float64      `json:"bestPrice,omitempty"`
	BestVendor     string        `json:"bestVendor,omitempty"`
	Message        string        `json:"message"`
}

// AutoConfigJobOutput is the result payload of a store_auto_config job.
type AutoConfigJobOutput struct {
	Cancelled bool              `json:"cancelled,omitempty"`
	StoreID   int64             `json:"storeId,omitempty"`
	Result    *AutoConfigResult `json:"result,omitempty"`
	Message   string            `json:"message"`
}
