package audit

import (
	"context"
	"time"
)

// EventSource delivers request-completion events. The callback runs on the
// browser driver's event goroutine and must not block.
type EventSource interface {
	Subscribe(fn func(RequestCompleted)) (unsubscribe func())
}

// BodyReader fetches the full response body for a completed request.
type BodyReader interface {
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)
}

// Page is a browsing context capable of navigation, DOM access and network events.
// A Page is used by one audit at a time.
type Page interface {
	EventSource
	BodyReader
	// Navigate loads url and returns once the load event fired.
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (Snapshot, error)
	// Timing returns the raw navigation-timing marks, or nil when unavailable.
	Timing(ctx context.Context) (map[string]any, error)
	Location(ctx context.Context) (string, error)
	// WaitForResponse returns the status of a response (already seen during the
	// current navigation or arriving later) whose URL satisfies match.
	WaitForResponse(ctx context.Context, match func(url string) bool) (int, error)
	Close() error
}

// PageSource opens pages; implemented by browser engines.
type PageSource interface {
	NewPage(ctx context.Context) (Page, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Recorder receives one call per finished audit.
type Recorder interface {
	RecordAudit(result Result, elapsed time.Duration)
}
