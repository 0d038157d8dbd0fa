package config

import (
	"reflect"
	"strings"

	logx "dynbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. The bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.AdminUsernames, nt.AdminUsernames) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.BotName != nt.BotName ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.admin_count", len(nt.AdminUsernames)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bilibili, newCfg.Bilibili) {
		changed = append(changed, "bilibili")
		attrs = append(attrs,
			logx.Int("bilibili.sources", len(newCfg.Bilibili.Sources)),
			logx.Float64("bilibili.max_rps", newCfg.Bilibili.MaxRPS),
			logx.String("bilibili.throttle_cooldown", newCfg.Bilibili.ThrottleCooldown),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.IsEnabled()),
			logx.String("poller.fetch_interval", newCfg.Poller.FetchInterval),
			logx.String("poller.min_fetch_delay", newCfg.Poller.MinFetchDelay),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.min_send_delay", newCfg.Delivery.MinSendDelay),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		// Storage is opened once at boot.
		changed = append(changed, "storage(restart)")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Tokens != newCfg.Tokens {
		changed = append(changed, "tokens")
		attrs = append(attrs,
			logx.String("tokens.ttl", newCfg.Tokens.TTL),
			logx.String("tokens.prune_schedule", newCfg.Tokens.PruneSchedule),
		)
	}

	return changed, attrs
}
