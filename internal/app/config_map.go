package app

import (
	"daynews/internal/config"
	"daynews/internal/news"
	"daynews/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapNewsConfig(cfg *config.Config) (news.Config, error) {
	nc, err := cfg.ParseNews()
	if err != nil {
		return news.Config{}, err
	}
	return news.Config{
		Provider:     nc.Provider,
		URL:          nc.URL,
		Token:        nc.Token,
		Timeout:      nc.Timeout,
		CacheTTL:     nc.CacheTTL,
		AllowPrivate: nc.AllowPrivate,
	}, nil
}
