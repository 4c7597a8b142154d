package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daynews/internal/clock"
	"daynews/internal/news"
	kit "daynews/internal/transport"
	"daynews/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	out    chan<- kit.Update
	texts  []string
	photos []kit.ChatTarget
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, _ kit.Photo) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) send(text string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -100, FromID: 1, Text: text, IsGroup: true}}
}

func (f *fakeAdapter) counts() (texts, photos int, last string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) > 0 {
		last = f.texts[len(f.texts)-1]
	}
	return len(f.texts), len(f.photos), last
}

type staticSource struct{}

func (staticSource) Fetch(context.Context) (news.Image, error) {
	return news.Image{URL: "https://img.example/today.png"}, nil
}

const testConfig = `{
  "telegram": {"token": "t", "owner_user_ids": [1]},
  "logging": {"level": "error"},
  "scheduler": {"default_time": "08:00", "timezone": "UTC"},
  "news": {"provider": "alapi", "token": "k"},
  "storage": {"driver": "memory"}
}`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppCommandToDelivery(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	ad := &fakeAdapter{}
	clk := clock.NewFake(time.Date(2026, 10, 18, 7, 59, 0, 0, time.UTC))
	a, err := NewApp(path, WithAdapter(ad), WithNewsSource(staticSource{}), WithClock(clk))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Stop(sctx, StopAppStop); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	ad.send("/news set")
	waitFor(t, "activation reply", func() bool {
		n, _, last := ad.counts()
		return n == 1 && strings.Contains(last, "08:00")
	})
	waitFor(t, "timer sleeping", func() bool { return clk.Sleepers() == 1 })

	clk.Set(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	waitFor(t, "scheduled photo", func() bool {
		_, p, _ := ad.counts()
		return p == 1
	})

	ad.send("/news")
	waitFor(t, "manual photo", func() bool {
		_, p, _ := ad.counts()
		return p == 2
	})
}

func TestAppReloadAppliesDefaultTime(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(path, WithAdapter(&fakeAdapter{}), WithNewsSource(staticSource{}),
		WithClock(clock.NewFake(time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC))))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	old := a.cfgm.Get()
	if err := os.WriteFile(path, []byte(strings.Replace(testConfig, `"08:00"`, `"06:30"`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	newCfg, err := a.cfgm.Parse()
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(old, newCfg)
	if got := a.Control().DefaultTime().String(); got != "06:30" {
		t.Fatalf("default time = %s", got)
	}
	_ = a.store.Close()
	_ = a.logs.Close()
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(nil)
	if err != nil || sc.Driver != "file" || sc.Path != DefaultStorePath {
		t.Fatalf("default storage = %+v, %v", sc, err)
	}
	if _, err := ListSchedules(context.Background(), filepath.Join(t.TempDir(), "missing.json"), logx.Nop()); err == nil {
		t.Fatal("ListSchedules with missing config succeeded")
	}
}

func TestDeliverOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	ad := &fakeAdapter{}
	ctx := context.Background()
	if err := DeliverOnce(ctx, path, "-100/4", logx.Nop(), WithAdapter(ad), WithNewsSource(staticSource{})); err != nil {
		t.Fatalf("DeliverOnce: %v", err)
	}
	if _, p, _ := ad.counts(); p != 1 {
		t.Fatalf("photos = %d", p)
	}
	if err := DeliverOnce(ctx, path, "chat", logx.Nop(), WithAdapter(ad), WithNewsSource(staticSource{})); err == nil {
		t.Fatal("bad subscriber id accepted")
	}
}

// slowAdapter holds SendPhoto until release is closed and records whether
// Stop reached the adapter while a photo was still in flight.
type slowAdapter struct {
	fakeAdapter
	entered      chan struct{}
	release      chan struct{}
	inFlight     atomic.Bool
	stoppedEarly atomic.Bool
	stopped      atomic.Bool
}

func (s *slowAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, p kit.Photo) (kit.MessageRef, error) {
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)
	close(s.entered)
	<-s.release
	return s.fakeAdapter.SendPhoto(ctx, to, p)
}

func (s *slowAdapter) Stop(context.Context) error {
	if s.inFlight.Load() {
		s.stoppedEarly.Store(true)
	}
	s.stopped.Store(true)
	return nil
}

func TestStopWaitsForInFlightDelivery(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := strings.Replace(testConfig, `"timezone": "UTC"`, `"timezone": "UTC", "delivery_timeout": "45s"`, 1)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	ad := &slowAdapter{entered: make(chan struct{}), release: make(chan struct{})}
	clk := clock.NewFake(time.Date(2026, 10, 18, 7, 59, 0, 0, time.UTC))
	a, err := NewApp(path, WithAdapter(ad), WithNewsSource(staticSource{}), WithClock(clk))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if a.engineStop < 45*time.Second || a.StopBudget() <= a.engineStop {
		t.Fatalf("stop budget engine=%v total=%v, want it to cover a 45s delivery", a.engineStop, a.StopBudget())
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ad.send("/news set")
	waitFor(t, "timer sleeping", func() bool { return clk.Sleepers() == 1 })
	clk.Set(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	select {
	case <-ad.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled delivery never reached the adapter")
	}

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, a.StopBudget())
		defer cancel()
		done <- a.Stop(sctx, StopAppStop)
	}()
	time.Sleep(100 * time.Millisecond)
	if ad.stopped.Load() {
		t.Fatal("adapter stopped while a delivery was in flight")
	}
	close(ad.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the delivery finished")
	}
	if ad.stoppedEarly.Load() || !ad.stopped.Load() {
		t.Fatalf("adapter stop order: early=%v stopped=%v", ad.stoppedEarly.Load(), ad.stopped.Load())
	}
	if _, p, _ := ad.counts(); p != 1 {
		t.Fatalf("photos = %d", p)
	}
}
