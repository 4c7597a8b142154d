package app

import (
	"context"
	"errors"
	"sort"

	"daynews/internal/config"
	"daynews/internal/delivery"
	"daynews/internal/news"
	"daynews/internal/schedule"
	kit "daynews/internal/transport"
	telegram "daynews/internal/transport/telegram/adapter"
	"daynews/pkg/logx"
)

// ListSchedules reads every stored record without starting the scheduler.
func ListSchedules(ctx context.Context, cfgPath string, log logx.Logger) ([]schedule.Record, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	recs, err := store.ListAll(ctx)
	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SubscriberID < recs[j].SubscriberID })
	return recs, nil
}

// DeliverOnce fetches today's image and sends it to subscriberID. It touches
// neither the store nor any timer.
func DeliverOnce(ctx context.Context, cfgPath, subscriberID string, log logx.Logger, opts ...Option) error {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if _, err := kit.ParseSubscriberID(subscriberID); err != nil {
		return err
	}

	var sender kit.PhotoSender = o.adapter
	if o.adapter == nil {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL}, log)
		if err != nil {
			return err
		}
		sender = tg
	}
	src := o.source
	if src == nil {
		ncfg, err := mapNewsConfig(cfg)
		if err != nil {
			return err
		}
		if src, err = news.New(ncfg, nil, log); err != nil {
			return err
		}
	}
	sched, err := cfg.ParseScheduler()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sched.DeliveryTimeout)
	defer cancel()
	err = delivery.New(src, sender, 0, log).Deliver(ctx, subscriberID)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("delivery timed out", logx.String("sub", subscriberID))
	}
	return err
}
