// Package control is the command surface above the scheduler engine. Every
// operation returns a one-line Result suitable for a chat reply plus an error
// that matches the schedule sentinels with errors.Is.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"daynews/internal/engine"
	"daynews/internal/eventbus"
	"daynews/internal/schedule"
	"daynews/pkg/logx"
)

type Code string

const (
	CodeOK                  Code = "ok"
	CodeCreated             Code = "created"
	CodeReactivated         Code = "reactivated"
	CodeAlreadyActive       Code = "already_active"
	CodeRescheduled         Code = "rescheduled"
	CodeStopped             Code = "stopped"
	CodeAlreadyStopped      Code = "already_stopped"
	CodeNotFound            Code = "not_found"
	CodeInvalidTime         Code = "invalid_time"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeDeliveryUnavailable Code = "delivery_unavailable"
	CodeUnavailable         Code = "unavailable"
)

type Result struct {
	Code     Code
	Text     string
	FireTime schedule.FireTime // effective time for activate/reschedule
	Active   bool
	Entries  []engine.Entry // List only
}

// Engine is the part of engine.Engine used here.
type Engine interface {
	Activate(ctx context.Context, id string, ft schedule.FireTime) (schedule.Record, engine.ActivateOutcome, error)
	Reschedule(ctx context.Context, id string, ft schedule.FireTime) (schedule.Record, bool, error)
	Deactivate(ctx context.Context, id string) (bool, error)
	DeliverNow(ctx context.Context, id string) error
	Broadcast(ctx context.Context) (engine.BroadcastResult, error)
	Snapshot(ctx context.Context) ([]engine.Entry, error)
	Now() time.Time
}

type Control struct {
	eng Engine
	log logx.Logger
	bus eventbus.Bus

	mu          sync.RWMutex
	defaultTime schedule.FireTime
}

func New(eng Engine, defaultTime schedule.FireTime, log logx.Logger) *Control {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Control{eng: eng, log: log.With(logx.String("comp", "control")), bus: eventbus.Nop()}
	c.SetDefaultTime(defaultTime)
	return c
}

// SetBus publishes a control.executed event for every operation.
func (c *Control) SetBus(b eventbus.Bus) {
	if b == nil {
		b = eventbus.Nop()
	}
	c.bus = b
}

// SetDefaultTime changes the time used by Activate for new subscribers.
func (c *Control) SetDefaultTime(ft schedule.FireTime) {
	if !ft.Valid() {
		return
	}
	c.mu.Lock()
	c.defaultTime = ft
	c.mu.Unlock()
}

func (c *Control) DefaultTime() schedule.FireTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultTime
}

// Activate enables id. New subscribers get the default time; stopped ones
// resume with their stored time.
func (c *Control) Activate(ctx context.Context, id string) (Result, error) {
	res, err := c.activate(ctx, id)
	return c.executed("activate", id, res, err)
}

func (c *Control) activate(ctx context.Context, id string) (Result, error) {
	rec, outcome, err := c.eng.Activate(ctx, id, c.DefaultTime())
	if err != nil {
		return c.fail("activate", id, err)
	}
	res := Result{FireTime: rec.FireTime, Active: true}
	switch outcome {
	case engine.Created:
		res.Code = CodeCreated
		res.Text = fmt.Sprintf("Daily news enabled, delivered every day at %s.", rec.FireTime)
	case engine.Reactivated:
		res.Code = CodeReactivated
		res.Text = fmt.Sprintf("Daily news resumed, delivered every day at %s.", rec.FireTime)
	default:
		res.Code = CodeAlreadyActive
		res.Text = fmt.Sprintf("Daily news is already enabled at %s.", rec.FireTime)
	}
	return res, nil
}

// Reschedule sets the time of id and forces it active. Out-of-range input is
// rejected before anything is stored.
func (c *Control) Reschedule(ctx context.Context, id string, hour, minute int) (Result, error) {
	ft, err := schedule.NewFireTime(hour, minute)
	if err != nil {
		res, err := c.fail("reschedule", id, err)
		return c.executed("reschedule", id, res, err)
	}
	return c.reschedule(ctx, id, ft)
}

// RescheduleText is Reschedule for "HH:MM" input.
func (c *Control) RescheduleText(ctx context.Context, id, hhmm string) (Result, error) {
	ft, err := schedule.ParseFireTime(hhmm)
	if err != nil {
		res, err := c.fail("reschedule", id, err)
		return c.executed("reschedule", id, res, err)
	}
	return c.reschedule(ctx, id, ft)
}

func (c *Control) reschedule(ctx context.Context, id string, ft schedule.FireTime) (Result, error) {
	rec, _, err := c.eng.Reschedule(ctx, id, ft)
	if err != nil {
		res, err := c.fail("reschedule", id, err)
		return c.executed("reschedule", id, res, err)
	}
	return c.executed("reschedule", id, Result{
		Code:     CodeRescheduled,
		Text:     fmt.Sprintf("Daily news time set to %s.", rec.FireTime),
		FireTime: rec.FireTime,
		Active:   true,
	}, nil)
}

// Deactivate stops deliveries for id and keeps its record.
func (c *Control) Deactivate(ctx context.Context, id string) (Result, error) {
	res, err := c.deactivate(ctx, id)
	return c.executed("deactivate", id, res, err)
}

func (c *Control) deactivate(ctx context.Context, id string) (Result, error) {
	wasActive, err := c.eng.Deactivate(ctx, id)
	if err != nil {
		return c.fail("deactivate", id, err)
	}
	if !wasActive {
		return Result{Code: CodeAlreadyStopped, Text: "Daily news is already stopped."}, nil
	}
	return Result{Code: CodeStopped, Text: "Daily news stopped."}, nil
}

// List returns every subscriber sorted by id.
func (c *Control) List(ctx context.Context) (Result, error) {
	entries, err := c.eng.Snapshot(ctx)
	if err != nil {
		res, err := c.fail("list", "", err)
		return c.executed("list", "", res, err)
	}
	return c.executed("list", "", Result{Code: CodeOK, Text: FormatList(entries), Entries: entries}, nil)
}

// DeliverNow sends today's news to id right away, independent of its schedule.
func (c *Control) DeliverNow(ctx context.Context, id string) (Result, error) {
	if err := c.eng.DeliverNow(ctx, id); err != nil {
		res, err := c.fail("deliver now", id, err)
		return c.executed("deliver_now", id, res, err)
	}
	return c.executed("deliver_now", id, Result{Code: CodeOK, Text: "News sent."}, nil)
}

// Broadcast sends today's news to every active subscriber.
func (c *Control) Broadcast(ctx context.Context) (Result, error) {
	res, err := c.broadcast(ctx)
	return c.executed("broadcast", "", res, err)
}

func (c *Control) broadcast(ctx context.Context) (Result, error) {
	res, err := c.eng.Broadcast(ctx)
	if err != nil {
		return c.fail("broadcast", "", err)
	}
	text := fmt.Sprintf("Broadcast finished: %d sent, %d failed.", res.OK, res.Failed)
	if res.OK+res.Failed == 0 {
		text = "No active subscribers."
	}
	return Result{Code: CodeOK, Text: text}, nil
}

func (c *Control) executed(op, id string, res Result, err error) (Result, error) {
	c.bus.Publish(eventbus.Event{
		Type:       eventbus.ControlExecuted,
		Time:       c.eng.Now(),
		Subscriber: id,
		Data:       map[string]string{"op": op, "code": string(res.Code)},
	})
	return res, err
}

func (c *Control) fail(op, id string, err error) (Result, error) {
	res := Result{Code: CodeOf(err), Text: textOf(err)}
	if res.Code == CodeStoreUnavailable || res.Code == CodeUnavailable {
		c.log.Error("control operation failed", logx.String("op", op), logx.String("sub", id), logx.Err(err))
	} else {
		c.log.Debug("control operation rejected", logx.String("op", op), logx.String("sub", id), logx.Err(err))
	}
	return res, err
}

// CodeOf maps an error to its result code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, schedule.ErrInvalidTime):
		return CodeInvalidTime
	case errors.Is(err, schedule.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, schedule.ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, schedule.ErrDeliveryUnavailable):
		return CodeDeliveryUnavailable
	default:
		return CodeUnavailable
	}
}

func textOf(err error) string {
	switch CodeOf(err) {
	case CodeInvalidTime:
		return "Invalid time, use HH:MM with hour 0-23 and minute 0-59."
	case CodeNotFound:
		return "Daily news was never enabled here."
	case CodeStoreUnavailable:
		return "Schedule storage is unavailable, nothing was changed."
	case CodeDeliveryUnavailable:
		return "Could not fetch or send the news right now."
	default:
		if errors.Is(err, engine.ErrStopped) {
			return "The scheduler is shutting down."
		}
		return "Something went wrong."
	}
}

// FormatList renders entries one per line for chat display.
func FormatList(entries []engine.Entry) string {
	if len(entries) == 0 {
		return "No subscribers."
	}
	var b strings.Builder
	b.WriteString("Daily news subscribers:")
	for _, e := range entries {
		state := "stopped"
		if e.Active {
			state = "active"
		}
		fmt.Fprintf(&b, "\n- %s: time=%s, %s", e.SubscriberID, e.FireTime, state)
		if !e.Status.NextFire.IsZero() {
			fmt.Fprintf(&b, ", next=%s", e.Status.NextFire.Format("2006-01-02 15:04"))
		}
		if !e.Status.LastAttempt.IsZero() {
			outcome := "ok"
			if !e.Status.LastOK {
				outcome = "failed"
			}
			fmt.Fprintf(&b, ", last=%s %s", e.Status.LastAttempt.Format(time.DateTime), outcome)
		} else if !e.LastDelivered.IsZero() {
			fmt.Fprintf(&b, ", last=%s", e.LastDelivered)
		}
		if e.Active && !e.Status.Running {
			b.WriteString(", timer down")
		}
	}
	return b.String()
}
