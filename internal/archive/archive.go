// Package archive writes and reads JSON batches of audit results.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

// ContentType is the media type of an archived batch.
const ContentType = "application/json"

// Archiver stores each run's results as <prefix>/<run_id>.json.
type Archiver struct {
	blobs  run.BlobStore
	prefix string
}

// New returns an Archiver writing through blobs. A nil blobs disables archiving.
func New(blobs run.BlobStore, prefix string) *Archiver {
	return &Archiver{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Enabled reports whether a blob store is configured.
func (a *Archiver) Enabled() bool {
	return a != nil && a.blobs != nil
}

// ObjectPath returns the object path for runID.
func (a *Archiver) ObjectPath(runID string) string {
	name := runID + ".json"
	if a == nil || a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive writes results and returns the object URI. It returns "" when disabled.
func (a *Archiver) Archive(ctx context.Context, runID string, results []audit.Result) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	var buf bytes.Buffer
	if err := Encode(&buf, results); err != nil {
		return "", err
	}
	uri, err := a.blobs.PutObject(ctx, a.ObjectPath(runID), ContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("archive run %s: %w", runID, err)
	}
	return uri, nil
}

// Encode writes results as an indented JSON array. A nil slice encodes as [].
func Encode(w io.Writer, results []audit.Result) error {
	if results == nil {
		results = []audit.Result{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

// Decode reads a JSON array of results, such as one written by Encode.
func Decode(r io.Reader) ([]audit.Result, error) {
	var results []audit.Result
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	for i, res := range results {
		if strings.TrimSpace(res.URL) == "" {
			return nil, fmt.Errorf("decode results: entry %d has no url", i)
		}
	}
	return results, nil
}
