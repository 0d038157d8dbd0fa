package app

import (
	"strconv"
	"strings"

	"dynbot/internal/bilibili"
	"dynbot/internal/config"
	"dynbot/internal/delivery"
	"dynbot/internal/poller"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; 0 means no log chat.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func clientOptions(cfg *config.Config, log logx.Logger) bilibili.Options {
	b := cfg.Bilibili
	return bilibili.Options{
		HistoryURL:  b.HistoryURL,
		RoomURL:     b.RoomURL,
		RoomInfoURL: b.RoomInfoURL,
		UserAgent:   b.Agent(),
		Timeout:     b.Timeout(),
		MaxRPS:      b.MaxRPS,
		BatchCap:    b.Cap(),
		Logger:      log,
	}
}

func pollerConfig(cfg *config.Config) poller.Config {
	sources := make([]poller.SourceConfig, 0, len(cfg.Bilibili.Sources))
	for _, s := range cfg.Bilibili.Sources {
		sources = append(sources, poller.SourceConfig{UID: s.UID, Name: strings.TrimSpace(s.Name)})
	}
	return poller.Config{
		Enabled:       cfg.Poller.IsEnabled(),
		Sources:       sources,
		FetchInterval: cfg.Poller.Interval(),
		MinFetchDelay: cfg.Poller.SourceDelay(),
		Cooldown:      cfg.Bilibili.Cooldown(),
	}
}

func deliveryConfig(cfg *config.Config) delivery.Config {
	d := cfg.Delivery
	return delivery.Config{
		MinSendDelay: d.SendDelay(),
		QueueSize:    d.Queue(),
		RatePerSec:   d.Rate(),
		RetryMax:     d.Retries(),
		RetryBase:    d.Backoff(),
		Location:     d.Location(),
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.DriverName(),
		Path:        cfg.Storage.FilePath(),
		BusyTimeout: cfg.Storage.Busy(),
	}
}

// clientRestartNeeded reports bilibili client settings that are fixed at
// boot. Sources, max_rps and throttle_cooldown apply live.
func clientRestartNeeded(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Bilibili, newCfg.Bilibili
	return o.HistoryURL != n.HistoryURL ||
		o.RoomURL != n.RoomURL ||
		o.RoomInfoURL != n.RoomInfoURL ||
		o.Agent() != n.Agent() ||
		o.Timeout() != n.Timeout() ||
		o.Cap() != n.Cap()
}
