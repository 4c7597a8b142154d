package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"daynews/internal/schedule"
)

const (
	DefaultFireTime        = "08:00"
	DefaultMaxSleep        = time.Minute
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultPollTimeout     = 10 * time.Second
)

// Scheduler is the parsed form of SchedulerConfig.
type Scheduler struct {
	DefaultTime     schedule.FireTime
	Location        *time.Location
	MaxSleep        time.Duration
	DeliveryTimeout time.Duration
	CatchUpWindow   time.Duration
}

// ParseScheduler applies defaults and parses the scheduler section.
func (c *Config) ParseScheduler() (Scheduler, error) {
	sc := c.Scheduler
	out := Scheduler{Location: time.Local}

	raw := strings.TrimSpace(sc.DefaultTime)
	if raw == "" {
		raw = DefaultFireTime
	}
	ft, err := schedule.ParseFireTime(raw)
	if err != nil {
		return Scheduler{}, fmt.Errorf("scheduler.default_time: %w", err)
	}
	out.DefaultTime = ft

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Scheduler{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	if out.MaxSleep, err = ParseDurationOrDefault("scheduler.max_sleep", sc.MaxSleep, DefaultMaxSleep); err != nil {
		return Scheduler{}, err
	}
	if out.DeliveryTimeout, err = ParseDurationOrDefault("scheduler.delivery_timeout", sc.DeliveryTimeout, DefaultDeliveryTimeout); err != nil {
		return Scheduler{}, err
	}
	if out.CatchUpWindow, err = ParseDurationField("scheduler.catch_up_window", sc.CatchUpWindow); err != nil {
		return Scheduler{}, err
	}
	return out, nil
}

// News is the parsed form of NewsConfig.
type News struct {
	Provider     string
	URL          string
	Token        string
	Timeout      time.Duration
	CacheTTL     time.Duration
	AllowPrivate bool
}

func (c *Config) ParseNews() (News, error) {
	nc := c.News
	out := News{
		Provider:     strings.ToLower(strings.TrimSpace(nc.Provider)),
		URL:          strings.TrimSpace(nc.URL),
		Token:        strings.TrimSpace(nc.Token),
		AllowPrivate: nc.AllowPrivate,
	}
	switch out.Provider {
	case "", "alapi":
		out.Provider = "alapi"
		if out.Token == "" {
			return News{}, errors.New("news.token is required when news.provider=alapi")
		}
	case "rss":
		if out.URL == "" {
			return News{}, errors.New("news.url is required when news.provider=rss")
		}
	default:
		return News{}, fmt.Errorf("news.provider: unknown %q", nc.Provider)
	}
	var err error
	if out.Timeout, err = ParseDurationField("news.timeout", nc.Timeout); err != nil {
		return News{}, err
	}
	if out.CacheTTL, err = parseSignedDuration("news.cache_ttl", nc.CacheTTL); err != nil {
		return News{}, err
	}
	return out, nil
}

// Validate checks everything that can be checked without side effects.
// It is the default reload validator of ConfigManager.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	for _, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			return fmt.Errorf("telegram.owner_user_ids: invalid id %d", id)
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return errors.New("logging.telegram.chat_id is required when logging.telegram.enabled")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return errors.New("logging.telegram.rate_per_sec must be >= 0")
	}
	if _, err := cfg.ParseScheduler(); err != nil {
		return err
	}
	if _, err := cfg.ParseNews(); err != nil {
		return err
	}
	if cfg.Delivery.RatePerSec < 0 {
		return errors.New("delivery.rate_per_sec must be >= 0")
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	return nil
}

func validateStorage(sc *StorageConfig) error {
	if sc == nil {
		return nil
	}
	if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return err
	}
	if sc.CompactEvery < 0 {
		return errors.New("storage.compact_every must be >= 0")
	}
	switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
	case "", "file", "memory", "none":
		return nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return nil
}
