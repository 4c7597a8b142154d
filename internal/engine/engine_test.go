package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daynews/internal/clock"
	"daynews/internal/delivery"
	"daynews/internal/eventbus"
	"daynews/internal/schedule"
	"daynews/internal/storage"
)

var day0 = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 10, day, hour, minute, 0, 0, time.UTC)
}

type recorder struct {
	mu    sync.Mutex
	calls map[string][]time.Time
	clk   clock.Clock
	fail  atomic.Bool
}

func (r *recorder) Deliver(_ context.Context, id string) error {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string][]time.Time{}
	}
	r.calls[id] = append(r.calls[id], r.clk.Now())
	r.mu.Unlock()
	if r.fail.Load() {
		return errors.New("upstream down")
	}
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[id])
}

func (r *recorder) times(id string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls[id]...)
}

// flakyStore fails Get and MarkDelivered while broken is set.
type flakyStore struct {
	storage.Store
	broken atomic.Bool
}

func (f *flakyStore) Get(ctx context.Context, id string) (schedule.Record, bool, error) {
	if f.broken.Load() {
		return schedule.Record{}, false, errors.Join(schedule.ErrStoreUnavailable, errors.New("disk gone"))
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyStore) Upsert(ctx context.Context, rec schedule.Record) error {
	if f.broken.Load() {
		return errors.Join(schedule.ErrStoreUnavailable, errors.New("disk gone"))
	}
	return f.Store.Upsert(ctx, rec)
}

type harness struct {
	t     *testing.T
	eng   *Engine
	clk   *clock.Fake
	store *flakyStore
	port  *recorder
}

func newHarness(t *testing.T, now time.Time, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewFake(now)
	st := &flakyStore{Store: storage.NewMemory()}
	port := &recorder{clk: clk}
	eng := New(st, port, clk, opts...)
	h := &harness{t: t, eng: eng, clk: clk, store: st, port: port}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return h
}

// settle waits until exactly n timer goroutines exist and all of them are
// parked in SleepUntil. Cancelled timers remove their sleeper before they
// exit, so equal counts mean only live timers are asleep.
func (h *harness) settle(n int) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if h.eng.sup.Counters().Active == int64(n) && h.clk.Sleepers() == n {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("settle(%d): active=%d sleepers=%d", n, h.eng.sup.Counters().Active, h.clk.Sleepers())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) advanceTo(t time.Time, live int) {
	h.t.Helper()
	h.clk.Set(t)
	h.settle(live)
}

func (h *harness) record(id string) schedule.Record {
	h.t.Helper()
	rec, ok, err := h.store.Get(context.Background(), id)
	if err != nil || !ok {
		h.t.Fatalf("Get(%s) = ok=%v err=%v", id, ok, err)
	}
	return rec
}

func TestScenarioA_FiresOnceAtFireTime(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()

	_, outcome, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00"))
	if err != nil || outcome != Created {
		t.Fatalf("Activate = %v, %v", outcome, err)
	}
	h.settle(1)
	if st, _ := h.eng.Status("g1"); !st.NextFire.Equal(at(18, 8, 0)) || !st.Running {
		t.Fatalf("status = %+v", st)
	}

	h.advanceTo(at(18, 7, 59), 1)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("delivered %d times before 08:00", n)
	}
	h.advanceTo(at(18, 8, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if got := h.record("g1").LastDelivered; got != schedule.DateOf(at(18, 0, 0)) {
		t.Fatalf("LastDelivered = %v", got)
	}
	if st, _ := h.eng.Status("g1"); !st.NextFire.Equal(at(19, 8, 0)) || !st.LastOK || st.LastManual || st.AttemptID == "" {
		t.Fatalf("status after fire = %+v", st)
	}
}

func TestScenarioB_PastFireTimeWaitsForTomorrow(t *testing.T) {
	h := newHarness(t, at(18, 9, 0))
	if _, _, err := h.eng.Activate(context.Background(), "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.settle(1)
	if st, _ := h.eng.Status("g1"); !st.NextFire.Equal(at(19, 8, 0)) {
		t.Fatalf("NextFire = %v, want tomorrow 08:00", st.NextFire)
	}
	h.advanceTo(at(19, 7, 59), 1)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("fired immediately: %d", n)
	}
	h.advanceTo(at(19, 8, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestScenarioC_RescheduleReplacesPendingFire(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()
	if _, _, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.advanceTo(at(18, 7, 30), 1)

	if _, created, err := h.eng.Reschedule(ctx, "g1", schedule.MustFireTime("09:00")); err != nil || created {
		t.Fatalf("Reschedule = created=%v err=%v", created, err)
	}
	h.settle(1)
	h.advanceTo(at(18, 8, 30), 1)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("superseded 08:00 timer delivered %d times", n)
	}
	h.advanceTo(at(18, 9, 0), 1)
	got := h.port.times("g1")
	if len(got) != 1 || !got[0].Equal(at(18, 9, 0)) {
		t.Fatalf("deliveries = %v, want one at 09:00", got)
	}
}

func TestRapidReschedulesLeaveOneTimer(t *testing.T) {
	h := newHarness(t, at(18, 6, 0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ft := schedule.FireTime{Hour: 7 + i%3, Minute: i}
			if _, _, err := h.eng.Reschedule(ctx, "g1", ft); err != nil {
				t.Errorf("Reschedule %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	final := schedule.FireTime{Hour: 10, Minute: 0}
	if _, _, err := h.eng.Reschedule(ctx, "g1", final); err != nil {
		t.Fatalf("final Reschedule: %v", err)
	}
	h.settle(1)
	if h.eng.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", h.eng.Running())
	}

	h.advanceTo(at(18, 9, 59), 1)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("superseded configurations delivered %d times", n)
	}
	h.advanceTo(at(18, 10, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if h.eng.locks.size() != 0 {
		t.Fatalf("key locks leaked: %d", h.eng.locks.size())
	}
}

func TestDeactivateIsImmediateAndIdempotent(t *testing.T) {
	h := newHarness(t, at(18, 7, 59))
	ctx := context.Background()
	if _, _, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.settle(1)

	was, err := h.eng.Deactivate(ctx, "g1")
	if err != nil || !was {
		t.Fatalf("Deactivate = %v, %v", was, err)
	}
	h.settle(0)
	h.advanceTo(at(18, 8, 0), 0)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("delivered after deactivate: %d", n)
	}
	if was, err := h.eng.Deactivate(ctx, "g1"); err != nil || was {
		t.Fatalf("second Deactivate = %v, %v", was, err)
	}
	if _, err := h.eng.Deactivate(ctx, "nobody"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Deactivate(unknown) err = %v", err)
	}
	if rec := h.record("g1"); rec.Active {
		t.Fatal("record still active")
	}
}

func TestActivateOutcomes(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()

	if _, out, _ := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); out != Created {
		t.Fatalf("first Activate = %v", out)
	}
	h.settle(1)
	if _, out, _ := h.eng.Activate(ctx, "g1", schedule.MustFireTime("09:00")); out != AlreadyActive {
		t.Fatalf("second Activate = %v", out)
	}
	if _, err := h.eng.Deactivate(ctx, "g1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	h.settle(0)
	rec, out, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("09:00"))
	if err != nil || out != Reactivated || rec.FireTime.String() != "08:00" {
		t.Fatalf("reactivate = %+v %v %v, want stored 08:00", rec, out, err)
	}
	h.settle(1)
}

func TestAtMostOncePerDayAcrossIntradayReschedule(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	h := newHarness(t, at(18, 7, 0), WithBus(bus))
	ctx := context.Background()

	if _, _, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.advanceTo(at(18, 8, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("deliveries = %d", n)
	}

	h.advanceTo(at(18, 8, 30), 1)
	if _, _, err := h.eng.Reschedule(ctx, "g1", schedule.MustFireTime("09:00")); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	h.settle(1)
	h.advanceTo(at(18, 9, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("second delivery on a consumed day: %d", n)
	}
	h.advanceTo(at(19, 9, 0), 1)
	if n := h.port.count("g1"); n != 2 {
		t.Fatalf("next day deliveries = %d, want 2", n)
	}

	skipped := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.FireSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("fire.skipped events = %d, want 1", skipped)
	}
}

func TestNoMissedDayWhenRunningContinuously(t *testing.T) {
	h := newHarness(t, at(18, 12, 0))
	if _, _, err := h.eng.Activate(context.Background(), "g1", schedule.MustFireTime("06:30")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.settle(1)
	for d := 19; d <= 25; d++ {
		h.advanceTo(at(d, 23, 0), 1)
	}
	if n := h.port.count("g1"); n != 7 {
		t.Fatalf("deliveries over 7 days = %d", n)
	}
}

func TestFailedDeliveryConsumesDay(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	h.port.fail.Store(true)
	if _, _, err := h.eng.Activate(context.Background(), "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.advanceTo(at(18, 8, 0), 1)
	h.advanceTo(at(18, 23, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry)", n)
	}
	st, _ := h.eng.Status("g1")
	if st.LastOK || st.LastErr == "" {
		t.Fatalf("status = %+v", st)
	}
	if h.record("g1").LastDelivered != schedule.DateOf(day0) {
		t.Fatal("failed attempt did not consume the day")
	}
}

func TestStoreFailureEndsLoop(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()
	if _, _, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.settle(1)

	h.store.broken.Store(true)
	h.advanceTo(at(18, 8, 0), 0)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("delivered without a readable record: %d", n)
	}
	st, _ := h.eng.Status("g1")
	if st.Running || st.LastErr == "" {
		t.Fatalf("status = %+v", st)
	}

	// fail closed: no timer without a durable record
	if _, _, err := h.eng.Reschedule(ctx, "g1", schedule.MustFireTime("09:00")); !errors.Is(err, schedule.ErrStoreUnavailable) {
		t.Fatalf("Reschedule on broken store err = %v", err)
	}
	if h.eng.Running() != 0 {
		t.Fatal("timer started without a durable record")
	}

	h.store.broken.Store(false)
	if _, out, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil || out != Reactivated {
		t.Fatalf("explicit reactivation = %v, %v", out, err)
	}
	h.settle(1)
	h.advanceTo(at(19, 8, 0), 1)
	if n := h.port.count("g1"); n != 1 {
		t.Fatalf("deliveries after recovery = %d", n)
	}
}

func TestInvalidTimeRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	_, _, err := h.eng.Reschedule(context.Background(), "g2", schedule.FireTime{Hour: 24})
	if !errors.Is(err, schedule.ErrInvalidTime) {
		t.Fatalf("err = %v, want ErrInvalidTime", err)
	}
	if _, ok, _ := h.store.Get(context.Background(), "g2"); ok {
		t.Fatal("record created for invalid time")
	}
	if h.eng.Running() != 0 {
		t.Fatal("timer started for invalid time")
	}
}

func seed(t *testing.T, st storage.Store, recs ...schedule.Record) {
	t.Helper()
	for _, r := range recs {
		if err := st.Upsert(context.Background(), r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestStartRecoversActiveRecords(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	seed(t, h.store,
		schedule.Record{SubscriberID: "g1", FireTime: schedule.MustFireTime("08:00"), Active: true},
		schedule.Record{SubscriberID: "g2", FireTime: schedule.MustFireTime("08:00")},
	)
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.settle(1)
	h.advanceTo(at(18, 8, 0), 1)
	if h.port.count("g1") != 1 || h.port.count("g2") != 0 {
		t.Fatalf("deliveries g1=%d g2=%d", h.port.count("g1"), h.port.count("g2"))
	}
}

func TestStartDoesNotRefireConsumedDay(t *testing.T) {
	h := newHarness(t, at(18, 8, 5), WithCatchUpWindow(30*time.Minute))
	seed(t, h.store, schedule.Record{
		SubscriberID:  "g1",
		FireTime:      schedule.MustFireTime("08:00"),
		Active:        true,
		LastDelivered: schedule.DateOf(day0),
	})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.settle(1)
	if n := h.port.count("g1"); n != 0 {
		t.Fatalf("re-fired a consumed day after restart: %d", n)
	}
}

func TestStartCatchUp(t *testing.T) {
	tests := []struct {
		name   string
		window time.Duration
		now    time.Time
		want   int
	}{
		{name: "disabled by default", now: at(18, 8, 5), want: 0},
		{name: "inside window", window: 10 * time.Minute, now: at(18, 8, 5), want: 1},
		{name: "outside window", window: 10 * time.Minute, now: at(18, 8, 30), want: 0},
		{name: "before fire time", window: 10 * time.Minute, now: at(18, 7, 55), want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.now, WithCatchUpWindow(tt.window))
			seed(t, h.store, schedule.Record{
				SubscriberID:  "g1",
				FireTime:      schedule.MustFireTime("08:00"),
				Active:        true,
				LastDelivered: schedule.DateOf(at(17, 0, 0)),
			})
			if err := h.eng.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.settle(1)
			if n := h.port.count("g1"); n != tt.want {
				t.Fatalf("deliveries = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestDeliverNowIsOutOfBand(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()

	// scenario E: no schedule at all
	if err := h.eng.DeliverNow(ctx, "g3"); err != nil {
		t.Fatalf("DeliverNow: %v", err)
	}
	if n := h.port.count("g3"); n != 1 {
		t.Fatalf("deliveries = %d", n)
	}
	if _, ok, _ := h.store.Get(ctx, "g3"); ok {
		t.Fatal("DeliverNow created a record")
	}
	if st, ok := h.eng.Status("g3"); !ok || !st.LastManual || !st.LastOK {
		t.Fatalf("status = %+v ok=%v", st, ok)
	}

	// manual delivery does not consume the daily slot
	if _, _, err := h.eng.Activate(ctx, "g1", schedule.MustFireTime("08:00")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.settle(1)
	if err := h.eng.DeliverNow(ctx, "g1"); err != nil {
		t.Fatalf("DeliverNow(g1): %v", err)
	}
	if !h.record("g1").LastDelivered.IsZero() {
		t.Fatal("DeliverNow touched LastDelivered")
	}
	h.advanceTo(at(18, 8, 0), 1)
	if n := h.port.count("g1"); n != 2 {
		t.Fatalf("deliveries = %d, want manual + scheduled", n)
	}

	h.port.fail.Store(true)
	if err := h.eng.DeliverNow(ctx, "g1"); !errors.Is(err, schedule.ErrDeliveryUnavailable) {
		t.Fatalf("failing DeliverNow err = %v", err)
	}
}

func TestBroadcastTargetsActiveOnly(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	seed(t, h.store,
		schedule.Record{SubscriberID: "a", FireTime: schedule.MustFireTime("08:00"), Active: true},
		schedule.Record{SubscriberID: "b", FireTime: schedule.MustFireTime("08:00"), Active: true},
		schedule.Record{SubscriberID: "c", FireTime: schedule.MustFireTime("08:00")},
	)
	res, err := h.eng.Broadcast(context.Background())
	if err != nil || res.OK != 2 || res.Failed != 0 {
		t.Fatalf("Broadcast = %+v, %v", res, err)
	}
	if h.port.count("c") != 0 {
		t.Fatal("broadcast reached an inactive subscriber")
	}
}

func TestSnapshotSortedWithStatus(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()
	for _, id := range []string{"zz", "aa", "mm"} {
		if _, _, err := h.eng.Activate(ctx, id, schedule.MustFireTime("08:00")); err != nil {
			t.Fatalf("Activate(%s): %v", id, err)
		}
	}
	h.settle(3)
	snap, err := h.eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 || snap[0].SubscriberID != "aa" || snap[2].SubscriberID != "zz" {
		t.Fatalf("Snapshot order = %+v", snap)
	}
	for _, ent := range snap {
		if !ent.Status.Running || !ent.Status.NextFire.Equal(at(18, 8, 0)) {
			t.Fatalf("entry %s status = %+v", ent.SubscriberID, ent.Status)
		}
	}
}

func TestStopCancelsAllTimers(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := h.eng.Activate(ctx, id, schedule.MustFireTime("08:00")); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}
	h.settle(2)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.clk.Sleepers() != 0 || h.eng.Running() != 0 {
		t.Fatalf("leaked timers: sleepers=%d running=%d", h.clk.Sleepers(), h.eng.Running())
	}
	if _, _, err := h.eng.Activate(ctx, "c", schedule.MustFireTime("08:00")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Activate after Stop err = %v", err)
	}
	if err := h.eng.Stop(sctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopRacingActivateLeavesNoTimers(t *testing.T) {
	h := newHarness(t, at(18, 7, 0))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := h.eng.Activate(ctx, id, schedule.MustFireTime("08:00"))
			errs <- err
		}(string(rune('a' + i%26)) + string(rune('0'+i/26)))
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrStopped) {
			t.Fatalf("Activate err = %v", err)
		}
	}
	if n := h.eng.sup.Counters().Active; n != 0 {
		t.Fatalf("timer goroutines alive after Stop: %d", n)
	}
	if h.eng.Running() != 0 || h.clk.Sleepers() != 0 {
		t.Fatalf("leaked timers: running=%d sleepers=%d", h.eng.Running(), h.clk.Sleepers())
	}
}

var _ delivery.Port = (*recorder)(nil)
