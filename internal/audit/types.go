// Package audit implements the page-instrumentation pipeline: network observation,
// DOM metric extraction, timing reconciliation, per-page auditing and batch runs.
package audit

import (
	"encoding/json"
	"net/http"
	"time"
)

// Resource is one ledger entry for a completed network exchange.
type Resource struct {
	URL        string `json:"url"`
	Type       string `json:"type"`
	StatusCode *int   `json:"status"`
	SizeBytes  int64  `json:"size"`
}

// Ledger is the ordered set of resources observed during one audit window.
type Ledger struct {
	Resources   []Resource
	NumRequests int
	TotalBytes  int64
}

// Result is the unified record produced for one page audit.
type Result struct {
	URL                string     `json:"url"`
	FinalURL           string     `json:"final_url"`
	StatusCode         *int       `json:"status_code"`
	Title              string     `json:"title"`
	MetaDescription    *string    `json:"meta_description"`
	HasTitle           bool       `json:"has_title"`
	HasMetaDescription bool       `json:"has_meta_description"`
	H1Count            int        `json:"h1_count"`
	ImagesCount        int        `json:"images_count"`
	ImagesMissingAlt   int        `json:"images_missing_alt"`
	LinksTotal         int        `json:"links_total"`
	InternalLinks      int        `json:"internal_links"`
	ExternalLinks      int        `json:"external_links"`
	WordCount          int        `json:"word_count"`
	NumRequests        int        `json:"num_requests"`
	TotalBytes         int64      `json:"total_bytes"`
	TotalLoadMs        *int64     `json:"total_load_ms"`
	TTFBMs             *int64     `json:"ttfb_ms"`
	Resources          []Resource `json:"resources"`
	CapturedAt         time.Time  `json:"captured_at"`
	Error              string     `json:"error,omitempty"`
}

// Failed reports whether the record is error-shaped.
func (r Result) Failed() bool {
	return r.Error != ""
}

type errorResult struct {
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	Error      string    `json:"error"`
}

// MarshalJSON emits only url, captured_at and error for failed audits.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(errorResult{URL: r.URL, CapturedAt: r.CapturedAt, Error: r.Error})
	}
	type plain Result
	return json.Marshal(plain(r))
}

func newErrorResult(url string, capturedAt time.Time, err error) Result {
	return Result{URL: url, CapturedAt: capturedAt, Error: err.Error()}
}

// RequestCompleted is emitted by a Page when a network request finishes.
// StatusCode is zero when no response was observed.
type RequestCompleted struct {
	RequestID    string
	URL          string
	ResourceType string
	StatusCode   int
	Headers      http.Header
	HasResponse  bool
	// BodyAvailable is false for exchanges that never carry a body (redirect hops).
	BodyAvailable bool
}

// Snapshot is the stable DOM state captured after the page settled.
type Snapshot struct {
	HTML     string
	BodyText string
	Title    string
}
