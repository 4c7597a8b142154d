package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"daynews/internal/eventbus"
	"daynews/internal/schedule"
	"daynews/pkg/logx"
)

// loop is the daily timer of one subscriber. It returns when the record goes
// inactive, the timer is superseded or stopped, or the store fails.
func (e *Engine) loop(ctx context.Context, id string, gen uint64, recovering bool) {
	log := e.log.With(logx.String("sub", id), logx.Uint64("gen", gen))
	defer e.exited(id, gen)
	e.publish(eventbus.Event{Type: eventbus.TimerStarted, Subscriber: id})

	catchUp := recovering
	for {
		rec, ok, err := e.store.Get(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.loopFailed(log, id, gen, err)
			return
		}
		if !ok || !rec.Active {
			log.Debug("timer ends, subscriber inactive")
			return
		}

		now := e.clock.Now()
		target := rec.FireTime.Next(now)
		if catchUp {
			catchUp = false
			if e.shouldCatchUp(rec, now) {
				log.Info("catching up missed fire", logx.String("at", rec.FireTime.String()))
				target = now
			}
		}
		e.setNext(id, gen, target)

		if err := e.clock.SleepUntil(ctx, target); err != nil {
			return
		}
		if !e.fire(ctx, log, id, gen) {
			return
		}
	}
}

// shouldCatchUp reports whether a recovered timer fires right away: today's
// instant passed less than the catch-up window ago and today is unconsumed.
func (e *Engine) shouldCatchUp(rec schedule.Record, now time.Time) bool {
	window := time.Duration(e.catchUp.Load())
	if window <= 0 {
		return false
	}
	today := schedule.DateOf(now)
	if rec.DeliveredOn(today) {
		return false
	}
	at := rec.FireTime.On(today, now.Location())
	return !at.After(now) && now.Sub(at) < window
}

// fire runs the wake-up decision under the subscriber lock, then delivers
// outside it. It returns false when the loop must end.
func (e *Engine) fire(ctx context.Context, log logx.Logger, id string, gen uint64) bool {
	unlock := e.locks.Lock(id)
	if ctx.Err() != nil {
		// superseded while waiting for the lock
		unlock()
		return false
	}
	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		unlock()
		if ctx.Err() == nil {
			e.loopFailed(log, id, gen, err)
		}
		return false
	}
	if !ok || !rec.Active {
		unlock()
		return false
	}

	today := schedule.DateOf(e.clock.Now())
	if rec.DeliveredOn(today) {
		unlock()
		log.Debug("fire skipped, already delivered today", logx.String("date", today.String()))
		e.publish(eventbus.Event{Type: eventbus.FireSkipped, Subscriber: id, Data: map[string]string{"date": today.String()}})
		return true
	}
	if err := e.store.MarkDelivered(ctx, id, today); err != nil {
		unlock()
		if ctx.Err() == nil {
			e.loopFailed(log, id, gen, err)
		}
		return false
	}
	unlock()

	// the slot is committed; the attempt outlives a reschedule that lands now
	dctx := context.WithoutCancel(ctx)
	if err := e.attempt(dctx, id, false); err != nil {
		log.Warn("scheduled delivery failed", logx.String("date", today.String()), logx.Err(err))
	}
	return true
}

// attempt calls the delivery port once and records the outcome.
func (e *Engine) attempt(ctx context.Context, id string, manual bool) error {
	attemptID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()

	started := e.clock.Now()
	err := e.port.Deliver(ctx, id)
	if err != nil && !errors.Is(err, schedule.ErrDeliveryUnavailable) {
		err = errors.Join(schedule.ErrDeliveryUnavailable, err)
	}

	e.mu.Lock()
	st := e.statusLocked(id)
	st.LastAttempt = started
	st.LastOK = err == nil
	st.LastManual = manual
	st.AttemptID = attemptID
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	e.mu.Unlock()

	ev := eventbus.Event{Type: eventbus.DeliveryOK, Subscriber: id, AttemptID: attemptID}
	switch {
	case manual:
		ev.Type = eventbus.DeliveryManual
	case err != nil:
		ev.Type = eventbus.DeliveryFailed
	}
	if err != nil {
		ev.Err = err.Error()
	}
	e.publish(ev)

	e.log.Debug("delivery attempted", logx.String("sub", id), logx.String("attempt", attemptID), logx.Bool("manual", manual), logx.Bool("ok", err == nil))
	return err
}

func (e *Engine) loopFailed(log logx.Logger, id string, gen uint64, err error) {
	log.Error("timer stopped on store failure, reactivate to resume", logx.Err(err))
	e.mu.Lock()
	if rt := e.timers[id]; rt != nil && rt.gen == gen {
		e.statusLocked(id).LastErr = err.Error()
	}
	e.mu.Unlock()
}

func (e *Engine) setNext(id string, gen uint64, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt := e.timers[id]; rt != nil && rt.gen == gen {
		e.statusLocked(id).NextFire = t
	}
}

// exited unregisters the timer unless a newer generation already replaced it.
func (e *Engine) exited(id string, gen uint64) {
	e.mu.Lock()
	if rt := e.timers[id]; rt != nil && rt.gen == gen {
		rt.cancel()
		delete(e.timers, id)
		if st := e.status[id]; st != nil {
			st.Running = false
			st.NextFire = time.Time{}
		}
	}
	e.mu.Unlock()
	e.publish(eventbus.Event{Type: eventbus.TimerStopped, Subscriber: id, Data: map[string]string{"gen": strconv.FormatUint(gen, 10)}})
}
