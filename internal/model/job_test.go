package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/danavision/api/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(t *testing.T) *model.Job {
	t.Helper()
	job, err := model.NewJob("job-1", model.JobTypePriceDiscovery, "user-1", model.DiscoveryJobInput{ItemID: 42}, now)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func TestCanTransition_Allowed(t *testing.T) {
	cases := []struct{ from, to model.JobStatus }{
		{model.JobStatusPending, model.JobStatusProcessing},
		{model.JobStatusPending, model.JobStatusCancelled},
		{model.JobStatusProcessing, model.JobStatusCompleted},
		{model.JobStatusProcessing, model.JobStatusFailed},
		{model.JobStatusProcessing, model.JobStatusCancelled},
	}
	for _, tc := range cases {
		if !model.CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestCanTransition_TerminalHasNoExits(t *testing.T) {
	all := []model.JobStatus{
		model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted,
		model.JobStatusFailed, model.JobStatusCancelled,
	}
	for _, from := range []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled} {
		if !from.IsTerminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if model.CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
}

func TestCanTransition_NoBackwardMoves(t *testing.T) {
	if model.CanTransition(model.JobStatusProcessing, model.JobStatusPending) {
		t.Error("processing -> pending must not be allowed")
	}
	if model.CanTransition(model.JobStatusPending, model.JobStatusCompleted) {
		t.Error("pending -> completed must not be allowed")
	}
}

func TestJob_StartThenComplete(t *testing.T) {
	job := newJob(t)
	if err := job.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != model.JobStatusProcessing || job.Attempts != 1 || job.StartedAt == nil {
		t.Fatalf("unexpected job after start: %+v", job)
	}
	if err := job.Complete(model.PriceJobOutput{Message: "done"}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Errorf("status=%s progress=%d, want completed/100", job.Status, job.Progress)
	}
	if err := job.RecordError("late failure", true, now); !errors.Is(err, model.ErrJobTerminal) {
		t.Errorf("RecordError on completed job: got %v, want ErrJobTerminal", err)
	}
	if job.Status != model.JobStatusCompleted {
		t.Error("completed job must not reach a second terminal state")
	}
}

func TestJob_RedeliveryCountsAttempts(t *testing.T) {
	job := newJob(t)
	_ = job.Start(now)
	if err := job.RecordError("boom", false, now); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if job.Status != model.JobStatusProcessing {
		t.Fatalf("non-final error moved status to %s", job.Status)
	}
	if err := job.Start(now); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", job.Attempts)
	}
	if err := job.RecordError("boom again", true, now); err != nil {
		t.Fatalf("final RecordError: %v", err)
	}
	if job.Status != model.JobStatusFailed || *job.Error != "boom again" {
		t.Errorf("status=%s error=%v", job.Status, job.Error)
	}
}

func TestJob_StartCancelledIsRejected(t *testing.T) {
	job := newJob(t)
	if err := job.RequestCancel(now); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if job.Status != model.JobStatusCancelled {
		t.Fatalf("pending cancel should be immediate, got %s", job.Status)
	}
	if err := job.Start(now); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Start on cancelled job: got %v, want ErrInvalidTransition", err)
	}
}

func TestJob_CancelWhileProcessingIsSoft(t *testing.T) {
	job := newJob(t)
	_ = job.Start(now)
	if err := job.RequestCancel(now); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if job.Status != model.JobStatusProcessing {
		t.Errorf("running job status changed to %s", job.Status)
	}
	if !job.IsCancelled() {
		t.Error("IsCancelled() = false after request")
	}
	if err := job.Complete(model.PriceJobOutput{Cancelled: true}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := job.RequestCancel(now); !errors.Is(err, model.ErrJobTerminal) {
		t.Errorf("cancel after completion: got %v, want ErrJobTerminal", err)
	}
}

func TestJob_ProgressIsMonotonic(t *testing.T) {
	job := newJob(t)
	for _, p := range []int{10, 40, 20, 150, -5} {
		job.SetProgress(p)
	}
	if job.Progress != 100 {
		t.Errorf("Progress = %d, want 100", job.Progress)
	}
}

func TestJob_CurrentStepIsLastLog(t *testing.T) {
	job := newJob(t)
	if job.CurrentStep() != "" {
		t.Error("new job should have no current step")
	}
	job.AppendLog(model.LogLevelInfo, "Scraping stores", now)
	job.AppendLog(model.LogLevelSuccess, "Found 3 prices", now)
	if got := job.CurrentStep(); got != "Found 3 prices" {
		t.Errorf("CurrentStep() = %q", got)
	}
}
