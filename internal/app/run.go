package app

import "time"

// Run describes one CLI command invocation. Its ID tags every log line the
// command writes.
type Run struct {
	ID      string
	Command string
	Status  string // "success" or "error"
	Started time.Time
}

// NewRun creates a successful run started at now.
func NewRun(command string, now time.Time) *Run {
	return &Run{
		ID:      now.UTC().Format("20060102T150405Z"),
		Command: command,
		Status:  "success",
		Started: now,
	}
}

// Fail marks the run as failed.
func (r *Run) Fail() {
	r.Status = "error"
}
