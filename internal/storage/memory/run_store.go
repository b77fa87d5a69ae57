package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

var _ run.Store = (*RunStore)(nil)

// RunStore keeps runs and their results in memory for the serve mode and tests.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]run.Run
	results map[string][]audit.Result
	now     func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string]run.Run),
		results: make(map[string][]audit.Result),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, r run.Run) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	r.URLs = append([]string(nil), r.URLs...)
	s.runs[r.ID] = r
	return nil
}

// UpdateRunStatus updates the status, error text and counters of a run.
func (s *RunStore) UpdateRunStatus(
	_ context.Context,
	runID string,
	status run.Status,
	errText string,
	counters run.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	r.Status = status
	r.ErrorText = errText
	r.Counters = counters
	now := s.now()
	if status == run.StatusRunning && r.Started == nil {
		r.Started = pointerTime(now)
	}
	if status.Terminal() {
		r.Finished = pointerTime(now)
	}
	s.runs[runID] = r
	return nil
}

// SetArchiveURI records where the run's results were archived.
func (s *RunStore) SetArchiveURI(_ context.Context, runID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	r.ArchiveURI = uri
	s.runs[runID] = r
	return nil
}

// RecordResults replaces the results of a run.
func (s *RunStore) RecordResults(_ context.Context, runID string, results []audit.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	s.results[runID] = append([]audit.Result(nil), results...)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return copyRun(r), nil
}

// ListRuns returns the most recently submitted runs first. A limit of zero or
// less returns all of them.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]run.Run, error) {
	s.mu.RLock()
	out := make([]run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, copyRun(r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListResults returns the recorded results of a run.
func (s *RunStore) ListResults(_ context.Context, runID string) ([]audit.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	results := s.results[runID]
	out := make([]audit.Result, len(results))
	copy(out, results)
	return out, nil
}

func copyRun(r run.Run) run.Run {
	r.URLs = append([]string(nil), r.URLs...)
	return r
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
