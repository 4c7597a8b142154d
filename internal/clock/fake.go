package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven clock for tests.
//
// Sleepers wake synchronously inside Set/Advance once the fake time reaches
// their deadline. BlockUntil lets a test wait until a known number of
// goroutines are parked in SleepUntil before moving time forward.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	sleepers map[*sleeper]struct{}
	changed  chan struct{}
}

type sleeper struct {
	until time.Time
	wake  chan struct{}
}

func NewFake(now time.Time) *Fake {
	return &Fake{
		now:      now,
		sleepers: map[*sleeper]struct{}{},
		changed:  make(chan struct{}),
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if !f.now.Before(t) {
		f.mu.Unlock()
		return nil
	}
	s := &sleeper{until: t, wake: make(chan struct{})}
	f.sleepers[s] = struct{}{}
	f.notifyLocked()
	f.mu.Unlock()

	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		if _, ok := f.sleepers[s]; ok {
			delete(f.sleepers, s)
			f.notifyLocked()
		}
		f.mu.Unlock()
		return ctx.Err()
	}
}

// Advance moves the clock forward by d and wakes every due sleeper.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(f.now.Add(d))
}

// Set jumps the clock to t, which may be in the past.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(t)
}

func (f *Fake) setLocked(t time.Time) {
	f.now = t
	woke := false
	for s := range f.sleepers {
		if !f.now.Before(s.until) {
			delete(f.sleepers, s)
			close(s.wake)
			woke = true
		}
	}
	if woke {
		f.notifyLocked()
	}
}

// Sleepers reports how many goroutines are parked in SleepUntil.
func (f *Fake) Sleepers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleepers)
}

// BlockUntil waits until exactly n goroutines are parked in SleepUntil.
func (f *Fake) BlockUntil(ctx context.Context, n int) error {
	for {
		f.mu.Lock()
		if len(f.sleepers) == n {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (f *Fake) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
