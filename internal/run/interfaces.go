package run

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

// Store keeps run metadata and the results of each run.
type Store interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRunStatus(ctx context.Context, runID string, status Status, errText string, counters Counters) error
	SetArchiveURI(ctx context.Context, runID, uri string) error
	RecordResults(ctx context.Context, runID string, results []audit.Result) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListResults(ctx context.Context, runID string) ([]audit.Result, error)
}

// BlobStore writes archived batches and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes persisted-page events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ErrQueueClosed is returned by a Queue once it is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
