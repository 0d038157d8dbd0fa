package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultUserAgent        = "Dalvik/2.1.0 (Linux; U; Android 7.1.2; Test Build/Test)"
	DefaultPollTimeout      = 10 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultThrottleCooldown = 30 * time.Minute
	DefaultBatchCap         = 6
	DefaultFetchInterval    = 5 * time.Minute
	DefaultMinFetchDelay    = 10 * time.Second
	DefaultMinSendDelay     = time.Second
	DefaultDeliveryRate     = 20
	DefaultRetryMax         = 2
	DefaultRetryBase        = time.Second
	DefaultQueueSize        = 64
	DefaultTokenTTL         = 24 * time.Hour
	DefaultPruneSchedule    = "@every 10m"
	DefaultStoragePath      = "./data.json"
	DefaultBusyTimeout      = 5 * time.Second
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without touching the
// network. The returned error wraps ErrInvalid and lists every problem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	seen := map[int64]bool{}
	for i, s := range cfg.Bilibili.Sources {
		switch {
		case s.UID <= 0:
			add(fmt.Errorf("bilibili.sources[%d].uid: must be > 0", i))
		case seen[s.UID]:
			add(fmt.Errorf("bilibili.sources[%d].uid: duplicate %d", i, s.UID))
		}
		seen[s.UID] = true
	}
	dur("bilibili.request_timeout", cfg.Bilibili.RequestTimeout)
	dur("bilibili.throttle_cooldown", cfg.Bilibili.ThrottleCooldown)
	if cfg.Bilibili.MaxRPS < 0 {
		add(errors.New("bilibili.max_rps: must be >= 0"))
	}
	if cfg.Bilibili.BatchCap < 0 {
		add(errors.New("bilibili.batch_cap: must be >= 0"))
	}

	dur("poller.fetch_interval", cfg.Poller.FetchInterval)
	dur("poller.min_fetch_delay", cfg.Poller.MinFetchDelay)

	dur("delivery.min_send_delay", cfg.Delivery.MinSendDelay)
	dur("delivery.retry_base", cfg.Delivery.RetryBase)
	if cfg.Delivery.RatePerSec < 0 || cfg.Delivery.RetryMax < 0 || cfg.Delivery.QueueSize < 0 {
		add(errors.New("delivery: rate_per_sec, retry_max and queue_size must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Delivery.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("delivery.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unknown %q (want file or sqlite)", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("tokens.ttl", cfg.Tokens.TTL)
	if spec := strings.TrimSpace(cfg.Tokens.PruneSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("tokens.prune_schedule: %w", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (t TelegramConfig) Timeout() time.Duration {
	return durationOr(t.PollTimeout, DefaultPollTimeout, false)
}

func (b BilibiliConfig) Timeout() time.Duration { return durationOr(b.RequestTimeout, DefaultRequestTimeout, false) }

func (b BilibiliConfig) Cooldown() time.Duration {
	return durationOr(b.ThrottleCooldown, DefaultThrottleCooldown, false)
}

func (b BilibiliConfig) Cap() int {
	if b.BatchCap <= 0 {
		return DefaultBatchCap
	}
	return b.BatchCap
}

func (b BilibiliConfig) Agent() string {
	if s := strings.TrimSpace(b.UserAgent); s != "" {
		return s
	}
	return DefaultUserAgent
}

func (b BilibiliConfig) UIDs() []int64 {
	out := make([]int64, 0, len(b.Sources))
	for _, s := range b.Sources {
		out = append(out, s.UID)
	}
	return out
}

func (p PollerConfig) Interval() time.Duration { return durationOr(p.FetchInterval, DefaultFetchInterval, false) }

func (p PollerConfig) SourceDelay() time.Duration {
	return durationOr(p.MinFetchDelay, DefaultMinFetchDelay, false)
}

// SendDelay keeps an explicit "0s".
func (d DeliveryConfig) SendDelay() time.Duration {
	return durationOr(d.MinSendDelay, DefaultMinSendDelay, true)
}

func (d DeliveryConfig) Rate() int {
	if d.RatePerSec <= 0 {
		return DefaultDeliveryRate
	}
	return d.RatePerSec
}

func (d DeliveryConfig) Retries() int {
	if d.RetryMax <= 0 {
		return DefaultRetryMax
	}
	return d.RetryMax
}

func (d DeliveryConfig) Backoff() time.Duration { return durationOr(d.RetryBase, DefaultRetryBase, false) }

func (d DeliveryConfig) Queue() int {
	if d.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return d.QueueSize
}

func (d DeliveryConfig) Location() *time.Location {
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func (s StorageConfig) DriverName() string {
	if d := strings.ToLower(strings.TrimSpace(s.Driver)); d != "" {
		return d
	}
	return "file"
}

func (s StorageConfig) FilePath() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

func (s StorageConfig) Busy() time.Duration { return durationOr(s.BusyTimeout, DefaultBusyTimeout, false) }

// TokenTTL returns 0 when tokens never expire.
func (t TokensConfig) TokenTTL() time.Duration { return durationOr(t.TTL, DefaultTokenTTL, true) }

func (t TokensConfig) Schedule() string {
	if s := strings.TrimSpace(t.PruneSchedule); s != "" {
		return s
	}
	return DefaultPruneSchedule
}
