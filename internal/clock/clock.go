// Package clock abstracts wall-clock access for the scheduler.
//
// The only suspension point of a subscriber loop is Clock.SleepUntil, so
// swapping in a Fake gives tests full control over when timers wake.
package clock

import (
	"context"
	"time"
)

// DefaultMaxSleep bounds a single wait of the real clock.
const DefaultMaxSleep = time.Minute

type Clock interface {
	// Now returns the current instant in the process-wide location.
	Now() time.Time
	// SleepUntil blocks until t or ctx is done. It returns nil once Now() >= t,
	// otherwise ctx.Err().
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is the production clock.
//
// Waits are split into chunks of at most maxSleep and the wall clock is
// re-read after each chunk. Go timers follow the monotonic clock, so a
// wall-clock step or a suspended host is noticed at most one chunk late.
type Real struct {
	loc      *time.Location
	maxSleep time.Duration
}

// NewReal returns a real clock. A nil loc means time.Local; maxSleep <= 0
// falls back to DefaultMaxSleep.
func NewReal(loc *time.Location, maxSleep time.Duration) *Real {
	if loc == nil {
		loc = time.Local
	}
	if maxSleep <= 0 {
		maxSleep = DefaultMaxSleep
	}
	return &Real{loc: loc, maxSleep: maxSleep}
}

func (r *Real) Location() *time.Location { return r.loc }

func (r *Real) Now() time.Time { return time.Now().In(r.loc) }

func (r *Real) SleepUntil(ctx context.Context, t time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Round(0) strips the monotonic reading so the comparison is wall-clock.
		d := t.Sub(time.Now().Round(0))
		if d <= 0 {
			return nil
		}
		if d > r.maxSleep {
			d = r.maxSleep
		}
		tm := time.NewTimer(d)
		select {
		case <-ctx.Done():
			tm.Stop()
			return ctx.Err()
		case <-tm.C:
		}
	}
}
