// Package schedule holds the per-subscriber schedule model: the daily fire
// time, calendar dates, the persisted record and the error taxonomy shared by
// the store, engine and control layers.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidTime rejects malformed or out-of-range hour/minute input.
	ErrInvalidTime = errors.New("invalid time")
	// ErrNotFound is returned when a subscriber has no record.
	ErrNotFound = errors.New("subscriber not found")
	// ErrDeliveryUnavailable collapses news fetch and send failures.
	ErrDeliveryUnavailable = errors.New("delivery unavailable")
	// ErrStoreUnavailable wraps any persistence failure.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FireTime is a wall-clock time of day with minute precision.
type FireTime struct {
	Hour   int
	Minute int
}

func NewFireTime(hour, minute int) (FireTime, error) {
	if hour < 0 || hour > 23 {
		return FireTime{}, fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidTime, hour)
	}
	if minute < 0 || minute > 59 {
		return FireTime{}, fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidTime, minute)
	}
	return FireTime{Hour: hour, Minute: minute}, nil
}

// ParseFireTime accepts "H:MM" or "HH:MM".
func ParseFireTime(s string) (FireTime, error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || hs == "" || len(ms) != 2 || len(hs) > 2 {
		return FireTime{}, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return FireTime{}, fmt.Errorf("%w: bad hour in %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil {
		return FireTime{}, fmt.Errorf("%w: bad minute in %q", ErrInvalidTime, s)
	}
	return NewFireTime(h, m)
}

// MustFireTime is for constants and tests.
func MustFireTime(s string) FireTime {
	ft, err := ParseFireTime(s)
	if err != nil {
		panic(err)
	}
	return ft
}

func (f FireTime) String() string { return fmt.Sprintf("%02d:%02d", f.Hour, f.Minute) }

func (f FireTime) Valid() bool { return f.Hour >= 0 && f.Hour <= 23 && f.Minute >= 0 && f.Minute <= 59 }

// cronSpec is the daily crontab line for this time.
func (f FireTime) cronSpec() string { return fmt.Sprintf("%d %d * * *", f.Minute, f.Hour) }

// Next returns the first fire instant strictly after now, in now's location:
// today's instant when it is still ahead, tomorrow's otherwise. Every calendar
// day gets exactly one candidate, including days whose wall time is skipped
// by a DST jump.
func (f FireTime) Next(now time.Time) time.Time {
	loc := now.Location()
	want := f.On(DateOf(now), loc)
	if !want.After(now) {
		want = f.On(DateOf(now).AddDays(1), loc)
	}
	sched, err := cron.ParseStandard(f.cronSpec())
	if err != nil {
		return want
	}
	// cron steps over a day whose fire time falls in a forward gap
	if got := sched.Next(now); DateOf(got) == DateOf(want) && got.After(now) {
		return got
	}
	return want
}

// On returns the fire instant on date d in loc. A wall time that does not
// exist on d (spring-forward gap) maps to the same distance past the jump,
// so 02:30 on a 02:00->03:00 day becomes 03:30.
func (f FireTime) On(d Date, loc *time.Location) time.Time {
	t := time.Date(d.Year, d.Month, d.Day, f.Hour, f.Minute, 0, 0, loc)
	if t.Hour() == f.Hour && t.Minute() == f.Minute {
		return t
	}
	prev := d.AddDays(-1)
	_, off := time.Date(prev.Year, prev.Month, prev.Day, f.Hour, f.Minute, 0, 0, loc).Zone()
	wall := time.Date(d.Year, d.Month, d.Day, f.Hour, f.Minute, 0, 0, time.UTC)
	return wall.Add(-time.Duration(off) * time.Second).In(loc)
}

// Date is a calendar date without a time component. The zero value means "none".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Record is the durable schedule state of one subscriber.
type Record struct {
	SubscriberID  string
	FireTime      FireTime
	Active        bool
	LastDelivered Date
	UpdatedAt     time.Time
}

// DeliveredOn reports whether the daily slot of d is already consumed.
func (r Record) DeliveredOn(d Date) bool { return !r.LastDelivered.IsZero() && r.LastDelivered == d }
