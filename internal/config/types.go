package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	News      NewsConfig      `json:"news" yaml:"news"`
	Delivery  DeliveryConfig  `json:"delivery" yaml:"delivery"`
	Storage   *StorageConfig  `json:"storage,omitempty" yaml:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token" yaml:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids" yaml:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout" yaml:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server. Empty uses api.telegram.org.
	APIURL string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" yaml:"level"`
	Console  bool            `json:"console" yaml:"console"`
	File     LoggingFile     `json:"file" yaml:"file"`
	Telegram LoggingTelegram `json:"telegram" yaml:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ChatID     int64  `json:"chat_id" yaml:"chat_id"`
	ThreadID   int    `json:"thread_id" yaml:"thread_id"`
	MinLevel   string `json:"min_level" yaml:"min_level"`
	RatePerSec int    `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// SchedulerConfig controls the daily delivery engine.
//
// Durations are Go duration strings. Defaults:
//   - default_time: "08:00"
//   - timezone: process local zone
//   - max_sleep: "1m"
//   - delivery_timeout: "30s"
//   - catch_up_window: "0s" (no catch-up after a restart)
type SchedulerConfig struct {
	DefaultTime     string `json:"default_time" yaml:"default_time"`
	Timezone        string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	MaxSleep        string `json:"max_sleep,omitempty" yaml:"max_sleep,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty" yaml:"delivery_timeout,omitempty"`
	CatchUpWindow   string `json:"catch_up_window,omitempty" yaml:"catch_up_window,omitempty"`
}

// NewsConfig selects where the daily image comes from.
//
// Example:
//
//	"news": { "provider": "alapi", "token": "..." }
//	"news": { "provider": "rss", "url": "https://example.org/feed.xml" }
type NewsConfig struct {
	Provider     string `json:"provider" yaml:"provider"`
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout      string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CacheTTL     string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"` // "-1s" disables the cache
	AllowPrivate bool   `json:"allow_private,omitempty" yaml:"allow_private,omitempty"`
}

type DeliveryConfig struct {
	// RatePerSec paces outgoing photos; 0 means unlimited.
	RatePerSec int `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// StorageConfig controls persistence of subscriber schedules.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./daynews.db" }
type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	Path         string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN          string `json:"dsn,omitempty" yaml:"dsn,omitempty"`          // postgres
	BusyTimeout  string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty" yaml:"compact_every,omitempty"`
}

// HTTPConfig controls the metrics/health listener. Empty addr disables it.
//
// Prefer binding to localhost: /schedules exposes subscriber ids.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}
