// Package config provides YAML-based configuration loading for steno.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level steno configuration, loaded from config.yaml.
// Selected fields can be overridden from the environment; env values win
// over file values.
type Config struct {
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Store      StoreConfig      `yaml:"store"`
	Queues     QueuesConfig     `yaml:"queues"`
	Retry      RetryConfig      `yaml:"retry"`
	Generation GenerationConfig `yaml:"generation"`
	Transports TransportsConfig `yaml:"transports"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`

	// AllowedOwners is the ingestion allowlist. Empty means allow everyone.
	AllowedOwners []string `yaml:"allowed_owners"`
	// DefaultProject is bound to auto-created sessions when the inbound
	// text carries the project trigger marker.
	DefaultProject string `yaml:"default_project"`
}

// RuntimeConfig overrides the derived deployment identity.
type RuntimeConfig struct {
	Family string `yaml:"family" env:"STENO_ENV"`
	Host   string `yaml:"host" env:"STENO_HOST"`
}

// StoreConfig selects the shared document store. SQLitePath takes precedence
// when set; otherwise MySQL connection settings are used.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"STENO_SQLITE_PATH"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	User       string `yaml:"user"`
	Password   string `yaml:"password" env:"STENO_DB_PASSWORD"`
}

// QueuesConfig configures the worker pools.
type QueuesConfig struct {
	PollIntervalSec int            `yaml:"poll_interval_sec"`
	Concurrency     map[string]int `yaml:"concurrency"` // per-queue worker count
}

// RetryConfig bounds pipeline retries.
type RetryConfig struct {
	BaseSec     int `yaml:"base_sec"`
	CeilingSec  int `yaml:"ceiling_sec"`
	MaxAttempts int `yaml:"max_attempts"`
}

// GenerationConfig configures the generation-service client.
type GenerationConfig struct {
	APIKey         string `yaml:"api_key" env:"STENO_OPENAI_KEY"`
	ChatModel      string `yaml:"chat_model"`
	AudioModel     string `yaml:"audio_model"`
	CallTimeoutSec int    `yaml:"call_timeout_sec"`
}

// TransportsConfig configures chat transports. A transport with an empty
// token is disabled.
type TransportsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token" env:"STENO_DISCORD_TOKEN"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token" env:"STENO_SLACK_APP_TOKEN"`
	BotToken  string `yaml:"bot_token" env:"STENO_SLACK_BOT_TOKEN"`
	ChannelID string `yaml:"channel_id"`
}

// RealtimeConfig configures the websocket/SSE gateway.
type RealtimeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ReconcileConfig configures the reconciliation sweep.
type ReconcileConfig struct {
	CronExpr      string `yaml:"cron_expr"`
	RequeueLimit  int    `yaml:"requeue_limit"`
	FinalizeLimit int    `yaml:"finalize_limit"`
	ReviewLimit   int    `yaml:"review_limit"`
}

// WatchdogConfig configures downstream proxy probes.
type WatchdogConfig struct {
	IntervalSec  int            `yaml:"interval_sec"`
	KillAfterSec int            `yaml:"kill_after_sec"`
	AutoStart    bool           `yaml:"auto_start"`
	Services     []ProxyService `yaml:"services"`
}

// ProxyService is one probe target.
type ProxyService struct {
	Name         string `yaml:"name"`
	ProbeURL     string `yaml:"probe_url"`
	StartCommand string `yaml:"start_command"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and defaults,
// and returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Queue names served by the worker pools.
var defaultQueues = []string{"ingest", "transcribe", "categorize", "tasks", "notify", "finalize", "review"}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.SQLitePath == "" && c.Store.Host == "" {
		c.Store.SQLitePath = "steno.db"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.User == "" {
		c.Store.User = "root"
	}
	if c.Queues.PollIntervalSec == 0 {
		c.Queues.PollIntervalSec = 2
	}
	if c.Queues.Concurrency == nil {
		c.Queues.Concurrency = make(map[string]int)
	}
	for _, q := range defaultQueues {
		if c.Queues.Concurrency[q] == 0 {
			c.Queues.Concurrency[q] = 2
		}
	}
	if c.Retry.BaseSec == 0 {
		c.Retry.BaseSec = 30
	}
	if c.Retry.CeilingSec == 0 {
		c.Retry.CeilingSec = 3600
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 8
	}
	if c.Generation.ChatModel == "" {
		c.Generation.ChatModel = "gpt-4o-mini"
	}
	if c.Generation.AudioModel == "" {
		c.Generation.AudioModel = "whisper-1"
	}
	if c.Generation.CallTimeoutSec == 0 {
		c.Generation.CallTimeoutSec = 60
	}
	if c.Realtime.ListenAddr == "" {
		c.Realtime.ListenAddr = "127.0.0.1:8422"
	}
	if c.Reconcile.CronExpr == "" {
		c.Reconcile.CronExpr = "*/5 * * * *"
	}
	if c.Reconcile.RequeueLimit == 0 {
		c.Reconcile.RequeueLimit = 50
	}
	if c.Reconcile.FinalizeLimit == 0 {
		c.Reconcile.FinalizeLimit = 20
	}
	if c.Reconcile.ReviewLimit == 0 {
		c.Reconcile.ReviewLimit = 50
	}
	if c.Watchdog.IntervalSec == 0 {
		c.Watchdog.IntervalSec = 60
	}
	if c.Watchdog.KillAfterSec == 0 {
		c.Watchdog.KillAfterSec = 30
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Runtime.Family != "" && c.Runtime.Family != "prod" && c.Runtime.Family != "dev" {
		errs = append(errs, fmt.Sprintf("runtime.family must be prod or dev, got %q", c.Runtime.Family))
	}
	if c.Store.SQLitePath == "" {
		if c.Store.Host == "" {
			errs = append(errs, "store requires sqlite_path or host")
		}
		if c.Store.Database == "" {
			errs = append(errs, "store.database is required for mysql")
		}
	}
	for i, s := range c.Watchdog.Services {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("watchdog.services[%d].name is required", i))
		}
		if s.ProbeURL == "" {
			errs = append(errs, fmt.Sprintf("watchdog.services[%d].probe_url is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// OwnerAllowed reports whether an owner id passes the ingestion allowlist.
func (c *Config) OwnerAllowed(ownerID string) bool {
	if len(c.AllowedOwners) == 0 {
		return true
	}
	for _, o := range c.AllowedOwners {
		if o == ownerID {
			return true
		}
	}
	return false
}
