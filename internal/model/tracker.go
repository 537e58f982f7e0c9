package model

import "context"

// JobLogger receives leveled, human-readable pipeline events.
type JobLogger interface {
	Info(msg string)
	Success(msg string)
	Warning(msg string)
	Error(msg string)
	Debug(msg string)
}

// Tracker is what a pipeline reports through while it runs: log events,
// progress, and the cancellation checkpoint.
type Tracker interface {
	JobLogger

	// Progress raises the job's completion percentage and logs msg.
	Progress(percent int, msg string)

	// Cancelled is polled at checkpoints. It returns true once the owner
	// has asked the job to stop. A done ctx is reported by the pipeline as
	// ctx.Err(), not through here.
	Cancelled(ctx context.Context) bool
}

// NopTracker discards events and is never cancelled.
type NopTracker struct{}

func (NopTracker) Info(string)          {}
func (NopTracker) Success(string)       {}
func (NopTracker) Warning(string)       {}
func (NopTracker) Error(string)         {}
func (NopTracker) Debug(string)         {}
func (NopTracker) Progress(int, string) {}

func (NopTracker) Cancelled(context.Context) bool { return false }
