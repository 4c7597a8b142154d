package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"daynews/internal/bot"
	"daynews/internal/clock"
	"daynews/internal/config"
	"daynews/internal/control"
	"daynews/internal/delivery"
	"daynews/internal/engine"
	"daynews/internal/eventbus"
	"daynews/internal/metrics"
	"daynews/internal/news"
	rtsup "daynews/internal/runtime/supervisor"
	"daynews/internal/storage"
	kit "daynews/internal/transport"
	telegram "daynews/internal/transport/telegram/adapter"
	"daynews/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter
	deliv   *delivery.Service
	engine  *engine.Engine
	ctl     *control.Control
	router  *bot.Router

	collector *metrics.Collector
	http      *metrics.Server

	updates chan kit.Update

	// engineStop bounds the engine stop step; an in-flight delivery may run
	// for up to scheduler.delivery_timeout.
	engineStop time.Duration
}

// engineStopSlack is added on top of the delivery timeout for the engine step.
const engineStopSlack = 2 * time.Second

// stopStepsFixed is the combined budget of the stop steps after the engine.
const stopStepsFixed = 7 * time.Second

type options struct {
	adapter kit.Adapter
	source  news.Source
	clock   clock.Clock
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithNewsSource replaces the configured news provider.
func WithNewsSource(s news.Source) Option { return func(o *options) { o.source = s } }

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sched, err := cfg.ParseScheduler()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			APIURL:      cfg.Telegram.APIURL,
		}, logx.NewConsole("INFO"))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	logSvc, base := logx.New(mapLogConfig(cfg), ad)
	log := base.With(logx.String("comp", "app"))

	src := o.source
	if src == nil {
		ncfg, err := mapNewsConfig(cfg)
		if err != nil {
			return nil, err
		}
		if src, err = news.New(ncfg, nil, base); err != nil {
			return nil, err
		}
	}

	store, err := OpenStore(cfg, base)
	if err != nil {
		return nil, err
	}

	clk := o.clock
	if clk == nil {
		clk = clock.NewReal(sched.Location, sched.MaxSleep)
	}

	bus := eventbus.New()
	deliv := delivery.New(src, ad, cfg.Delivery.RatePerSec, base)
	eng := engine.New(store, deliv, clk,
		engine.WithLogger(base),
		engine.WithBus(bus),
		engine.WithDeliveryTimeout(sched.DeliveryTimeout),
		engine.WithCatchUpWindow(sched.CatchUpWindow),
	)
	ctl := control.New(eng, sched.DefaultTime, base)
	ctl.SetBus(bus)
	router := bot.New(ctl, ad, cfg.Telegram.OwnerUserIDs, 0, base)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg, eng.Running)
	httpSrv := metrics.NewServer(cfg.HTTP.Addr, metrics.NewRouter(reg, eng), base)

	log.Info("app configured",
		logx.String("timezone", sched.Location.String()),
		logx.String("default_time", sched.DefaultTime.String()),
		logx.Bool("http", httpSrv.Enabled()),
	)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		deliv:     deliv,
		engine:    eng,
		ctl:       ctl,
		router:    router,
		collector: collector,
		http:      httpSrv,
		updates:   make(chan kit.Update, 256),

		engineStop: sched.DeliveryTimeout + engineStopSlack,
	}, nil
}

func (a *App) Control() *control.Control { return a.ctl }

// StopBudget is enough time for Stop to let an in-flight delivery finish and
// run every later step.
func (a *App) StopBudget() time.Duration { return a.engineStop + stopStepsFixed }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.router.Menu()); err != nil && c.Err() == nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	a.sup.Go0("commands.dispatch", func(c context.Context) {
		a.router.Run(c, a.updates)
	})
	a.sup.Go0("metrics.collect", func(c context.Context) {
		a.collector.Run(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("sub", e.Subscriber), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the sections that can change at runtime and warns
// about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.deliv.SetRate(newCfg.Delivery.RatePerSec)

	if sched, err := newCfg.ParseScheduler(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.ctl.SetDefaultTime(sched.DefaultTime)
		a.engine.SetCatchUpWindow(sched.CatchUpWindow)
		if oldCfg != nil {
			o, n := oldCfg.Scheduler, newCfg.Scheduler
			if o.Timezone != n.Timezone || o.MaxSleep != n.MaxSleep || o.DeliveryTimeout != n.DeliveryTimeout {
				a.log.Warn("scheduler timezone/max_sleep/delivery_timeout changed; restart required")
			}
		}
	}

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(rr, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// stop taking commands before anything else unwinds
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	// timers first; an in-flight delivery still needs the adapter
	step("engine", a.engineStop, a.engine.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("http", 2*time.Second, a.http.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
