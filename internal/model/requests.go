package model

import (
	"encoding/json"
	"time"
)

// DiscoveryStartRequest starts a price discovery for a list item
type DiscoveryStartRequest struct {
	ItemID      int64            `json:"itemId" validate:"required,gt=0"`
	ProductName string           `json:"productName" validate:"omitempty,max=300"`
	Options     DiscoveryOptions `json:"options"`
}

// AddStoreRequest registers a retailer and, unless disabled, works out how
// to search it in the background
type AddStoreRequest struct {
	URL           string        `json:"url" validate:"required,max=2048"`
	Name          string        `json:"name" validate:"omitempty,max=120"`
	IsLocal       bool          `json:"isLocal"`
	Category      StoreCategory `json:"category" validate:"omitempty,oneof=general grocery electronics pharmacy home warehouse specialty"`
	AutoConfigure *bool         `json:"autoConfigure"`
	UseAgent      bool          `json:"useAgent"`
}

// ShouldAutoConfigure defaults to true when the field is omitted.
func (r *AddStoreRequest) ShouldAutoConfigure() bool {
	return r.AutoConfigure == nil || *r.AutoConfigure
}

// JobStartResponse is returned when a job has been queued
type JobStartResponse struct {
	JobID     string    `json:"jobId"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is a job's progress record as clients see it
type JobStatusResponse struct {
	JobID           string        `json:"jobId"`
	Type            JobType       `json:"type"`
	Status          JobStatus     `json:"status"`
	Progress        int           `json:"progress"`
	CurrentStep     string        `json:"currentStep,omitempty"`
	Logs            []JobLogEntry `json:"logs"`
	Error           *string       `json:"error,omitempty"`
	CancelRequested bool          `json:"cancelRequested"`
	Attempts        int           `json:"attempts"`
	ItemID          *int64        `json:"itemId,omitempty"`
	StoreID         *int64        `json:"storeId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// JobResultResponse carries a completed job's output
type JobResultResponse struct {
	JobID  string          `json:"jobId"`
	Type   JobType         `json:"type"`
	Output json.RawMessage `json:"output"`
}

// JobCancelResponse reports the outcome of a cancel request
type JobCancelResponse struct {
	JobID           string    `json:"jobId"`
	Status          JobStatus `json:"status"`
	CancelRequested bool      `json:"cancelRequested"`
}

// StoreAddResponse is the stored retailer plus its auto-config job, if any
type StoreAddResponse struct {
	Store Store             `json:"store"`
	Job   *JobStartResponse `json:"job,omitempty"`
}

// NewJobStartResponse summarizes a freshly queued job.
func NewJobStartResponse(j *Job) JobStartResponse {
	return JobStartResponse{JobID: j.ID, Type: j.Type, Status: j.Status, CreatedAt: j.CreatedAt}
}

// NewJobStatusResponse projects a job for status polling.
func NewJobStatusResponse(j *Job) JobStatusResponse {
	logs := j.Logs
	if logs == nil {
		logs = []JobLogEntry{}
	}
	return JobStatusResponse{
		JobID:           j.ID,
		Type:            j.Type,
		Status:          j.Status,
		Progress:        j.Progress,
		CurrentStep:     j.CurrentStep(),
		Logs:            logs,
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		Attempts:        j.Attempts,
		ItemID:          j.ItemID,
		StoreID:         j.StoreID,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
