// Package run defines the batch-run records shared by the worker, API and stores.
package run

import (
	"time"
)

// Status represents the lifecycle state of an audit run.
type Status string

// Run status values kept in the run store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Trigger records what started a run.
type Trigger string

// Trigger values.
const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerCLI      Trigger = "cli"
)

// Run is the metadata kept for each submitted batch.
type Run struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Trigger    Trigger    `json:"trigger"`
	URLs       []string   `json:"urls"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	ArchiveURI string     `json:"archive_uri,omitempty"`
	Counters   Counters   `json:"counters"`
}

// Counters tracks per-run page outcomes.
type Counters struct {
	PagesAudited   int `json:"pages_audited"`
	PagesFailed    int `json:"pages_failed"`
	PagesPersisted int `json:"pages_persisted"`
	Published      int `json:"published"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	URLs      []string
	Trigger   Trigger
	Submitted int64
}
