// Package timing converts browser navigation-timing snapshots into derived millisecond metrics.
package timing

import (
	"encoding/json"
	"math"
	"strconv"
)

// Mark names as exposed by window.performance.timing.
const (
	MarkNavigationStart = "navigationStart"
	MarkFetchStart      = "fetchStart"
	MarkResponseStart   = "responseStart"
	MarkLoadEventEnd    = "loadEventEnd"
)

// Snapshot is a navigation-timing capture with optional marks in epoch milliseconds.
// A nil field means the browser did not report the mark (or reported zero).
type Snapshot struct {
	NavigationStart *float64
	FetchStart      *float64
	ResponseStart   *float64
	LoadEventEnd    *float64
}

// Result holds the derived metrics. Nil means the metric could not be derived.
type Result struct {
	TotalLoadMs *int64 `json:"total_load_ms"`
	TTFBMs      *int64 `json:"ttfb_ms"`
}

// FromMarks builds a Snapshot from a loosely-typed mark map. Non-numeric, non-finite
// and zero values are treated as absent. A nil map yields a nil Snapshot.
func FromMarks(marks map[string]any) *Snapshot {
	if marks == nil {
		return nil
	}
	return &Snapshot{
		NavigationStart: mark(marks, MarkNavigationStart),
		FetchStart:      mark(marks, MarkFetchStart),
		ResponseStart:   mark(marks, MarkResponseStart),
		LoadEventEnd:    mark(marks, MarkLoadEventEnd),
	}
}

// Reconcile derives total load time and TTFB. It never fails; missing marks produce nil fields.
// navigationStart falls back to fetchStart when the former is absent.
func Reconcile(s *Snapshot) Result {
	if s == nil {
		return Result{}
	}
	start := s.NavigationStart
	if start == nil {
		start = s.FetchStart
	}
	return Result{
		TotalLoadMs: delta(start, s.LoadEventEnd),
		TTFBMs:      delta(start, s.ResponseStart),
	}
}

func delta(start, end *float64) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := int64(*end - *start)
	return &ms
}

func mark(marks map[string]any, name string) *float64 {
	raw, ok := marks[name]
	if !ok {
		return nil
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
