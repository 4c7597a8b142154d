package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"daynews/internal/engine"
	"daynews/internal/eventbus"
	"daynews/internal/schedule"
	"daynews/pkg/logx"
)

type fakeSnap struct {
	entries []engine.Entry
	err     error
}

func (f fakeSnap) Snapshot(context.Context) ([]engine.Entry, error) { return f.entries, f.err }
func (f fakeSnap) Running() int                                      { return len(f.entries) }

func TestCollectorObserve(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, func() int { return 3 })

	at := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	for _, e := range []eventbus.Event{
		{Type: eventbus.DeliveryOK, Time: at},
		{Type: eventbus.DeliveryOK, Time: at},
		{Type: eventbus.DeliveryFailed, Err: "x"},
		{Type: eventbus.DeliveryManual, Err: "x"},
		{Type: eventbus.TimerStarted},
		{Type: eventbus.ControlExecuted, Data: map[string]string{"op": "activate", "code": "created"}},
	} {
		c.Observe(e)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"scheduled ok", testutil.ToFloat64(c.deliveries.WithLabelValues("scheduled", "ok")), 2},
		{"scheduled failed", testutil.ToFloat64(c.deliveries.WithLabelValues("scheduled", "failed")), 1},
		{"manual failed", testutil.ToFloat64(c.deliveries.WithLabelValues("manual", "failed")), 1},
		{"timer events", testutil.ToFloat64(c.events.WithLabelValues(eventbus.TimerStarted)), 1},
		{"commands", testutil.ToFloat64(c.commands.WithLabelValues("activate", "created")), 1},
		{"last delivery", testutil.ToFloat64(c.lastDelivery), float64(at.Unix())},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Fatalf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP daynews_timers_running Subscribers with a live daily timer.
# TYPE daynews_timers_running gauge
daynews_timers_running 3
`), "daynews_timers_running")
	if err != nil {
		t.Fatalf("running gauge: %v", err)
	}
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.events.WithLabelValues(eventbus.FireSkipped)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.FireSkipped})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	NewCollector(reg, nil)
	next := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	snap := fakeSnap{entries: []engine.Entry{{
		Record: schedule.Record{SubscriberID: "-100/7", FireTime: schedule.MustFireTime("08:00"), Active: true,
			LastDelivered: schedule.Date{Year: 2026, Month: 10, Day: 18}},
		Status: engine.Status{Running: true, NextFire: next, LastOK: true},
	}}}
	srv := httptest.NewServer(NewRouter(reg, snap))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "daynews_events_total") {
		t.Fatalf("/metrics = %d %q", code, body)
	}

	code, body := get("/schedules")
	if code != http.StatusOK {
		t.Fatalf("/schedules = %d", code)
	}
	var out struct {
		Running   int `json:"running"`
		Schedules []struct {
			SubscriberID  string     `json:"subscriber_id"`
			FireTime      string     `json:"fire_time"`
			LastDelivered string     `json:"last_delivered"`
			NextFire      *time.Time `json:"next_fire"`
		} `json:"schedules"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Running != 1 || len(out.Schedules) != 1 {
		t.Fatalf("schedules = %+v", out)
	}
	s := out.Schedules[0]
	if s.SubscriberID != "-100/7" || s.FireTime != "08:00" || s.LastDelivered != "2026-10-18" || s.NextFire == nil || !s.NextFire.Equal(next) {
		t.Fatalf("schedule = %+v", s)
	}

	failing := httptest.NewServer(NewRouter(reg, fakeSnap{err: errors.New("store down")}))
	defer failing.Close()
	resp, err := http.Get(failing.URL + "/schedules")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("failing /schedules = %d", resp.StatusCode)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", NewRouter(prometheus.NewRegistry(), fakeSnap{}), logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if NewServer("", nil, logx.Nop()).Enabled() {
		t.Fatal("empty addr enabled")
	}
}
