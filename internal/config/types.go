package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Bilibili BilibiliConfig `json:"bilibili"`
	Poller   PollerConfig   `json:"poller"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Tokens   TokensConfig   `json:"tokens"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// BotName is stripped from "/cmd@BotName" in group chats.
	BotName string `json:"bot_name,omitempty"`
	// AdminUsernames may issue registration tokens and read /status.
	AdminUsernames []string `json:"admin_usernames"`
	GroupLog       string   `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SourceConfig is one tracked creator. Name is only used for logs and the
// live notification when the room info carries no user name.
type SourceConfig struct {
	UID  int64  `json:"uid"`
	Name string `json:"name,omitempty"`
}

// BilibiliConfig controls the upstream client.
//
// Endpoint overrides exist for tests and mirrors; leave them empty in
// production.
type BilibiliConfig struct {
	Sources []SourceConfig `json:"sources"`

	HistoryURL  string `json:"history_url,omitempty"`
	RoomURL     string `json:"room_url,omitempty"`
	RoomInfoURL string `json:"room_info_url,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`

	RequestTimeout   string  `json:"request_timeout,omitempty"`   // default "10s"
	ThrottleCooldown string  `json:"throttle_cooldown,omitempty"` // default "30m"
	MaxRPS           float64 `json:"max_rps,omitempty"`           // 0 disables the client-side limiter
	BatchCap         int     `json:"batch_cap,omitempty"`         // default 6
}

// PollerConfig controls the polling loop cadence.
//
// Defaults:
//   - fetch_interval: "5m" (outer cycle)
//   - min_fetch_delay: "10s" (base spacing between sources, jittered up to 2x)
type PollerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	FetchInterval string `json:"fetch_interval,omitempty"`
	MinFetchDelay string `json:"min_fetch_delay,omitempty"`
}

// DeliveryConfig controls fan-out to subscribed chats.
type DeliveryConfig struct {
	MinSendDelay string `json:"min_send_delay,omitempty"` // default "1s"
	RatePerSec   int    `json:"rate_per_sec,omitempty"`   // default 20 (global)
	RetryMax     int    `json:"retry_max,omitempty"`      // default 2
	RetryBase    string `json:"retry_base,omitempty"`     // default "1s"
	QueueSize    int    `json:"queue_size,omitempty"`     // per chat, default 64
	Timezone     string `json:"timezone,omitempty"`       // timestamp rendering, default Local
}

// StorageConfig selects where subscribers and live flags are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TokensConfig controls one-time registration tokens.
type TokensConfig struct {
	TTL           string `json:"ttl,omitempty"`            // default "24h"; "0s" never expires
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec, default "@every 10m"
}

func (p PollerConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}
