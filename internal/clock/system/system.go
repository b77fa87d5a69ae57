// Package system provides the wall clock used for capture timestamps.
package system

import (
	"time"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

var (
	_ audit.Clock = Clock{}
	_ run.Clock   = Clock{}
)

// Clock returns UTC time truncated to microseconds, the precision Postgres
// keeps for timestamptz, so archived and stored capture times agree.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
