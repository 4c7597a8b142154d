// Package engine runs one daily timer per active subscriber.
//
// Contract:
//   - At most one live timer per subscriber. Every reconfiguration persists
//     first, then cancels the previous timer and starts a new one under the
//     subscriber's lock. Commands never wait for a timer to wake.
//   - A timer re-checks cancellation under the same lock before it fires, so a
//     superseded timer can never deliver.
//   - The daily slot is consumed (MarkDelivered) before delivery is attempted.
//     A failed attempt is not retried the same day.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"daynews/internal/clock"
	"daynews/internal/delivery"
	"daynews/internal/eventbus"
	"daynews/internal/runtime/supervisor"
	"daynews/internal/schedule"
	"daynews/internal/storage"
	"daynews/pkg/logx"
)

// ErrStopped is returned by every operation after Stop.
var ErrStopped = errors.New("scheduler engine stopped")

const defaultDeliveryTimeout = 2 * time.Minute

// Status is the in-memory view of one subscriber. It is not persisted.
type Status struct {
	Running     bool
	NextFire    time.Time
	LastAttempt time.Time
	LastOK      bool
	LastErr     string
	LastManual  bool
	AttemptID   string
}

// Entry pairs a persisted record with its runtime status.
type Entry struct {
	schedule.Record
	Status Status
}

// ActivateOutcome tells the caller what Activate did.
type ActivateOutcome int

const (
	Created ActivateOutcome = iota
	Reactivated
	AlreadyActive
)

func (o ActivateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Reactivated:
		return "reactivated"
	case AlreadyActive:
		return "already_active"
	default:
		return "unknown"
	}
}

type Engine struct {
	store storage.Store
	port  delivery.Port
	clock clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
	sup   *supervisor.Supervisor

	deliveryTimeout time.Duration
	catchUp         atomic.Int64 // time.Duration

	locks keyLocks

	mu      sync.Mutex
	gen     uint64
	timers  map[string]*runningTimer
	status  map[string]*Status
	stopped bool
}

type runningTimer struct {
	gen    uint64
	cancel context.CancelFunc
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithDeliveryTimeout bounds a single delivery attempt.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deliveryTimeout = d
		}
	}
}

// WithCatchUpWindow lets timers recovered by Start fire immediately when
// today's instant passed less than d ago and today is not yet consumed.
func WithCatchUpWindow(d time.Duration) Option {
	return func(e *Engine) { e.SetCatchUpWindow(d) }
}

func New(store storage.Store, port delivery.Port, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		port:            port,
		clock:           clk,
		bus:             eventbus.Nop(),
		log:             logx.Nop(),
		deliveryTimeout: defaultDeliveryTimeout,
		timers:          map[string]*runningTimer{},
		status:          map[string]*Status{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "engine"))
	e.sup = supervisor.New(context.Background(), supervisor.WithLogger(e.log))
	return e
}

func (e *Engine) SetCatchUpWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.catchUp.Store(int64(d))
}

// Start recovers timers for every active record. Call once, after New.
func (e *Engine) Start(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}
	recs, err := e.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("recover schedules: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SubscriberID < recs[j].SubscriberID })

	started := 0
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		unlock := e.locks.Lock(rec.SubscriberID)
		err := e.restartLocked(rec.SubscriberID, true)
		unlock()
		if err != nil {
			return err
		}
		started++
	}
	e.log.Info("schedules recovered", logx.Int("records", len(recs)), logx.Int("timers", started))
	return nil
}

// Stop cancels every timer and waits for the loops, including an in-flight
// delivery, until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	for id, rt := range e.timers {
		rt.cancel()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	return e.sup.Stop(ctx)
}

// Activate creates the record with ft when absent, reactivates a stopped
// record with its stored time, or reports AlreadyActive. An active record
// whose timer died (for example after a store failure) is restarted and
// reported as Reactivated.
func (e *Engine) Activate(ctx context.Context, id string, ft schedule.FireTime) (schedule.Record, ActivateOutcome, error) {
	if e.isStopped() {
		return schedule.Record{}, 0, ErrStopped
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return schedule.Record{}, 0, err
	}

	outcome := Reactivated
	switch {
	case !ok:
		outcome = Created
		rec = schedule.Record{SubscriberID: id, FireTime: ft, Active: true, UpdatedAt: e.clock.Now()}
		if err := e.store.Upsert(ctx, rec); err != nil {
			return schedule.Record{}, 0, err
		}
	case !rec.Active:
		found, err := e.store.SetActive(ctx, id, true)
		if err != nil {
			return schedule.Record{}, 0, err
		}
		if !found {
			return schedule.Record{}, 0, fmt.Errorf("%w: %q", schedule.ErrNotFound, id)
		}
		rec.Active = true
	case e.running(id):
		return rec, AlreadyActive, nil
	}

	if err := e.restartLocked(id, false); err != nil {
		return schedule.Record{}, 0, err
	}
	e.log.Info("subscriber activated", logx.String("sub", id), logx.String("at", rec.FireTime.String()), logx.String("outcome", outcome.String()))
	return rec, outcome, nil
}

// Reschedule stores ft, forces the record active and replaces the timer.
// LastDelivered is kept, so a time moved later on a consumed day does not
// fire again. created reports whether the record was new.
func (e *Engine) Reschedule(ctx context.Context, id string, ft schedule.FireTime) (rec schedule.Record, created bool, err error) {
	if !ft.Valid() {
		return schedule.Record{}, false, fmt.Errorf("%w: %02d:%02d", schedule.ErrInvalidTime, ft.Hour, ft.Minute)
	}
	if e.isStopped() {
		return schedule.Record{}, false, ErrStopped
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return schedule.Record{}, false, err
	}
	if !ok {
		rec = schedule.Record{SubscriberID: id}
	}
	rec.FireTime = ft
	rec.Active = true
	rec.UpdatedAt = e.clock.Now()
	if err := e.store.Upsert(ctx, rec); err != nil {
		return schedule.Record{}, false, err
	}
	if err := e.restartLocked(id, false); err != nil {
		return schedule.Record{}, false, err
	}
	e.log.Info("subscriber rescheduled", logx.String("sub", id), logx.String("at", ft.String()), logx.Bool("created", !ok))
	return rec, !ok, nil
}

// Deactivate marks the record inactive and cancels its timer. wasActive is
// false when the record was already stopped; repeated calls succeed.
func (e *Engine) Deactivate(ctx context.Context, id string) (wasActive bool, err error) {
	if e.isStopped() {
		return false, ErrStopped
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %q", schedule.ErrNotFound, id)
	}
	if rec.Active {
		found, err := e.store.SetActive(ctx, id, false)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: %q", schedule.ErrNotFound, id)
		}
	}
	// cancel even when the record was already inactive; a no-op when no timer runs
	e.cancelLocked(id)
	if rec.Active {
		e.log.Info("subscriber deactivated", logx.String("sub", id))
	}
	return rec.Active, nil
}

// DeliverNow attempts an out-of-band delivery. It never touches the record or
// the timer, so the daily slot is unaffected.
func (e *Engine) DeliverNow(ctx context.Context, id string) error {
	if e.isStopped() {
		return ErrStopped
	}
	return e.attempt(ctx, id, true)
}

// BroadcastResult counts the outcome of a Broadcast.
type BroadcastResult struct {
	OK     int
	Failed int
}

// Broadcast delivers out of band to every active subscriber, one at a time.
func (e *Engine) Broadcast(ctx context.Context) (BroadcastResult, error) {
	if e.isStopped() {
		return BroadcastResult{}, ErrStopped
	}
	recs, err := e.store.ListAll(ctx)
	if err != nil {
		return BroadcastResult{}, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SubscriberID < recs[j].SubscriberID })

	var res BroadcastResult
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.attempt(ctx, rec.SubscriberID, true); err != nil {
			res.Failed++
			continue
		}
		res.OK++
	}
	e.log.Info("broadcast finished", logx.Int("ok", res.OK), logx.Int("failed", res.Failed))
	return res, nil
}

// Snapshot lists every record with its runtime status, sorted by id.
func (e *Engine) Snapshot(ctx context.Context) ([]Entry, error) {
	recs, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	e.mu.Lock()
	for _, r := range recs {
		ent := Entry{Record: r}
		if st := e.status[r.SubscriberID]; st != nil {
			ent.Status = *st
		}
		out = append(out, ent)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

// Status returns the runtime status of id; ok is false when nothing is known.
func (e *Engine) Status(id string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status[id]
	if st == nil {
		return Status{}, false
	}
	return *st, true
}

// Now is the engine's clock reading.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Running reports the number of live timers.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *Engine) running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// restartLocked replaces the timer of id. The caller holds id's key lock.
func (e *Engine) restartLocked(id string, recovering bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if old := e.timers[id]; old != nil {
		old.cancel()
	}
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(e.sup.Context())
	e.timers[id] = &runningTimer{gen: gen, cancel: cancel}
	st := e.statusLocked(id)
	st.Running = true
	st.NextFire = time.Time{}

	// spawn under e.mu so Stop cannot start waiting before the goroutine is counted
	e.sup.GoCtx(ctx, "timer:"+id, func(ctx context.Context) error {
		e.loop(ctx, id, gen, recovering)
		return nil
	})
	e.mu.Unlock()
	return nil
}

// cancelLocked stops the timer of id if one runs. Idempotent.
func (e *Engine) cancelLocked(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt := e.timers[id]; rt != nil {
		rt.cancel()
		delete(e.timers, id)
	}
	if st := e.status[id]; st != nil {
		st.Running = false
		st.NextFire = time.Time{}
	}
}

// statusLocked returns the mutable status of id. Call with e.mu held.
func (e *Engine) statusLocked(id string) *Status {
	st := e.status[id]
	if st == nil {
		st = &Status{}
		e.status[id] = st
	}
	return st
}

func (e *Engine) publish(ev eventbus.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	e.bus.Publish(ev)
}
