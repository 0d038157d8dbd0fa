package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "admin_usernames": ["alice"]},
  "bilibili": {"sources": [{"uid": 1, "name": "one"}, {"uid": 2}]},
  "poller": {"fetch_interval": "2m"},
  "storage": {"driver": "file", "path": "data.json"}
}`

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Setenv(EnvToken, "")

	yml := `
telegram:
  token: "123:abc"
  admin_usernames: [alice]
bilibili:
  sources:
    - uid: 1
      name: one
    - uid: 2
poller:
  fetch_interval: 2m
storage:
  driver: file
  path: data.json
`
	for _, tc := range []struct {
		name string
		path string
		data string
	}{
		{"json", "cfg.json", sampleJSON},
		{"yaml", "cfg.yaml", yml},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode(tc.path, []byte(tc.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if err := Validate(cfg); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got := cfg.Bilibili.UIDs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
				t.Fatalf("uids=%v", got)
			}
			if cfg.Poller.Interval() != 2*time.Minute {
				t.Fatalf("interval=%s", cfg.Poller.Interval())
			}
			if cfg.Poller.SourceDelay() != DefaultMinFetchDelay {
				t.Fatalf("source delay=%s", cfg.Poller.SourceDelay())
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Setenv(EnvToken, "")
	_, err := Decode("cfg.json", []byte(`{"telegram":{"token":"x"},"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("want unknown field error, got %v", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Setenv(EnvToken, "")
	if _, err := Decode("cfg.json", []byte(`{} {}`)); err == nil {
		t.Fatal("want trailing data error")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	cfg, err := Decode("cfg.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}, Bilibili: BilibiliConfig{Sources: []SourceConfig{{UID: 1}}}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad uid", func(c *Config) { c.Bilibili.Sources = []SourceConfig{{UID: 0}} }, "uid"},
		{"dup uid", func(c *Config) { c.Bilibili.Sources = []SourceConfig{{UID: 3}, {UID: 3}} }, "duplicate"},
		{"bad duration", func(c *Config) { c.Poller.FetchInterval = "soon" }, "poller.fetch_interval"},
		{"negative duration", func(c *Config) { c.Delivery.RetryBase = "-1s" }, "delivery.retry_base"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad cron", func(c *Config) { c.Tokens.PruneSchedule = "every now and then" }, "tokens.prune_schedule"},
		{"bad tz", func(c *Config) { c.Delivery.Timezone = "Mars/Olympus" }, "delivery.timezone"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestAccessorDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if cfg.Bilibili.Cap() != 6 || cfg.Bilibili.Cooldown() != 30*time.Minute {
		t.Fatalf("bilibili defaults: cap=%d cooldown=%s", cfg.Bilibili.Cap(), cfg.Bilibili.Cooldown())
	}
	if cfg.Bilibili.Agent() != DefaultUserAgent {
		t.Fatalf("agent=%q", cfg.Bilibili.Agent())
	}
	if cfg.Storage.DriverName() != "file" {
		t.Fatalf("driver=%q", cfg.Storage.DriverName())
	}
	cfg.Delivery.MinSendDelay = "0s"
	if cfg.Delivery.SendDelay() != 0 {
		t.Fatalf("explicit zero send delay not honored: %s", cfg.Delivery.SendDelay())
	}
	cfg.Tokens.TTL = "0s"
	if cfg.Tokens.TokenTTL() != 0 {
		t.Fatalf("ttl=%s", cfg.Tokens.TokenTTL())
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()

	const def = 7 * time.Second
	cases := []struct {
		raw    string
		zeroOK bool
		want   time.Duration
	}{
		{"", false, def},
		{"  ", true, def},
		{"3s", false, 3 * time.Second},
		{"0s", false, def},
		{"0s", true, 0},
		{"-1s", true, def},
		{"soon", false, def},
	}
	for _, tc := range cases {
		if got := durationOr(tc.raw, def, tc.zeroOK); got != tc.want {
			t.Errorf("durationOr(%q, zeroOK=%v) = %s, want %s", tc.raw, tc.zeroOK, got, tc.want)
		}
	}

	var cfg Config
	if cfg.Telegram.Timeout() != DefaultPollTimeout {
		t.Fatalf("poll timeout=%s", cfg.Telegram.Timeout())
	}
	cfg.Telegram.PollTimeout = "0s"
	if cfg.Telegram.Timeout() != DefaultPollTimeout {
		t.Fatalf("zero poll timeout must fall back: %s", cfg.Telegram.Timeout())
	}
	cfg.Poller.FetchInterval = "0s"
	if cfg.Poller.Interval() != DefaultFetchInterval {
		t.Fatalf("zero fetch interval must fall back: %s", cfg.Poller.Interval())
	}
}

func TestSummarizeConfigChangeOmitsToken(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "secret-1"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-2"}, Poller: PollerConfig{FetchInterval: "1m"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "telegram,poller" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Setenv(EnvToken, "")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content: no publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	updated := strings.Replace(sampleJSON, `"2m"`, `"3m"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case got := <-sub:
		if got.Poller.Interval() != 3*time.Minute {
			t.Fatalf("interval=%s", got.Poller.Interval())
		}
	default:
		t.Fatal("changed config not published")
	}

	// Invalid content is rejected and the committed config stays.
	if err := os.WriteFile(path, []byte(`{"telegram":{"token":""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get().Poller.Interval() != 3*time.Minute {
		t.Fatal("invalid config replaced the committed one")
	}
}
