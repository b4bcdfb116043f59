// Package clock provides the time source and opaque id generator the rest
// of the core depends on, so tests can substitute a fixed clock instead of
// sleeping real wall time. Real.Now returns UTC wall-clock time; the
// conversion to UTC drops Go's monotonic clock reading, so values are not
// guaranteed monotonic across wall-clock adjustments.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so components are testable without real sleeps.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// NewRealClock returns the production clock.
func NewRealClock() Clock { return Real{} }

// Fixed is a test Clock pinned to a single instant, advanceable by tests.
type Fixed struct {
	at time.Time
}

// NewFixed returns a Clock pinned at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{at: t}
}

func (f *Fixed) Now() time.Time { return f.at }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.at = f.at.Add(d)
}

// NewID generates an opaque 128-bit id.
func NewID() uuid.UUID {
	return uuid.New()
}

// ParseID parses a previously generated id.
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
