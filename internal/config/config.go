package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for relay settings.
const ConfigFileName = "config.toml"

// Config is the top-level relaydeck configuration, loaded from
// ~/.relaydeck/config.toml. Missing file or missing fields fall back
// to defaults; a broken file is an error (unlike missing).
type Config struct {
	// Aggregator controls message buffering and flush timing.
	Aggregator AggregatorSettings `toml:"aggregator"`

	// Claude defines how the worker process is launched.
	Claude ClaudeSettings `toml:"claude"`

	// Bridge defines the filesystem mailbox for out-of-band replies.
	Bridge BridgeSettings `toml:"bridge"`

	// Server defines the localhost control server.
	Server ServerSettings `toml:"server"`

	// Journal defines the sqlite delivery journal.
	Journal JournalSettings `toml:"journal"`

	// Logging defines log output.
	Logging LoggingSettings `toml:"logging"`
}

// AggregatorSettings controls per-conversation buffering.
type AggregatorSettings struct {
	// ShortTimeoutSecs is the flush delay after a lone message (default: 10)
	ShortTimeoutSecs int `toml:"short_timeout_secs"`

	// LongTimeoutSecs is the flush delay once a burst is detected (default: 120)
	LongTimeoutSecs int `toml:"long_timeout_secs"`

	// BurstWindowSecs is the max gap between messages that still counts
	// as a burst (default: 30)
	BurstWindowSecs int `toml:"burst_window_secs"`

	// MaxBufferSize forces an immediate flush when reached (default: 100)
	MaxBufferSize int `toml:"max_buffer_size"`

	// StatusReportMins emits a periodic buffer summary to the log when > 0
	StatusReportMins int `toml:"status_report_mins"`
}

// ClaudeSettings defines worker launch configuration.
type ClaudeSettings struct {
	// Command is the worker binary (default: "claude")
	Command string `toml:"command"`

	// WorkDir is the session working directory (default: cwd)
	WorkDir string `toml:"work_dir"`

	// SkipPermissions adds --dangerously-skip-permissions
	SkipPermissions bool `toml:"skip_permissions"`

	// Resume resumes a specific session id on launch
	Resume string `toml:"resume"`

	// Continue adds --continue to pick up the most recent session
	Continue bool `toml:"continue"`

	// ReplyWaitSecs bounds the wait for a bridged reply before falling
	// back to a pane scrape (default: 120)
	ReplyWaitSecs int `toml:"reply_wait_secs"`
}

// BridgeSettings defines the reply mailbox.
type BridgeSettings struct {
	// Dir is the mailbox directory (default: ~/.relaydeck/outbox)
	Dir string `toml:"dir"`

	// PollIntervalMs is the mailbox scan interval (default: 750)
	PollIntervalMs int `toml:"poll_interval_ms"`

	// DeliveryRatePerSec caps forwarded replies per second (default: 2)
	DeliveryRatePerSec int `toml:"delivery_rate_per_sec"`
}

// ServerSettings defines the localhost control/hook server.
type ServerSettings struct {
	// Enabled starts the HTTP server (default: true)
	Enabled *bool `toml:"enabled"`

	// Port to bind on 127.0.0.1 (default: 8377)
	Port int `toml:"port"`

	// InstallHooks writes turn-completion hook entries into the worker's
	// settings.json on startup (default: true)
	InstallHooks *bool `toml:"install_hooks"`

	// HooksDir is the worker settings directory (default: ~/.claude)
	HooksDir string `toml:"hooks_dir"`
}

// JournalSettings defines the sqlite audit journal.
type JournalSettings struct {
	// Enabled records messages, flushes and deliveries (default: true)
	Enabled *bool `toml:"enabled"`

	// Path is the sqlite file (default: ~/.relaydeck/journal.db)
	Path string `toml:"path"`
}

// LoggingSettings defines log output.
type LoggingSettings struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or text
	Stderr bool   `toml:"stderr"`
}

// Dir returns the relaydeck state directory (~/.relaydeck), honoring
// RELAYDECK_DIR for tests and unusual setups.
func Dir() (string, error) {
	if dir := os.Getenv("RELAYDECK_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".relaydeck"), nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Load reads the config file and applies defaults. A missing file yields
// the default config; a file that fails to parse is an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific config file and applies defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Aggregator.ShortTimeoutSecs <= 0 {
		c.Aggregator.ShortTimeoutSecs = 10
	}
	if c.Aggregator.LongTimeoutSecs <= 0 {
		c.Aggregator.LongTimeoutSecs = 120
	}
	if c.Aggregator.BurstWindowSecs <= 0 {
		c.Aggregator.BurstWindowSecs = 30
	}
	if c.Aggregator.MaxBufferSize <= 0 {
		c.Aggregator.MaxBufferSize = 100
	}

	if c.Claude.Command == "" {
		c.Claude.Command = "claude"
	}
	if c.Claude.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Claude.WorkDir = wd
		}
	}
	if c.Claude.ReplyWaitSecs <= 0 {
		c.Claude.ReplyWaitSecs = 120
	}

	if c.Bridge.Dir == "" {
		if dir, err := Dir(); err == nil {
			c.Bridge.Dir = filepath.Join(dir, "outbox")
		}
	}
	if c.Bridge.PollIntervalMs <= 0 {
		c.Bridge.PollIntervalMs = 750
	}
	if c.Bridge.DeliveryRatePerSec <= 0 {
		c.Bridge.DeliveryRatePerSec = 2
	}

	if c.Server.Enabled == nil {
		t := true
		c.Server.Enabled = &t
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8377
	}
	if c.Server.InstallHooks == nil {
		t := true
		c.Server.InstallHooks = &t
	}
	if c.Server.HooksDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Server.HooksDir = filepath.Join(home, ".claude")
		}
	}

	if c.Journal.Enabled == nil {
		t := true
		c.Journal.Enabled = &t
	}
	if c.Journal.Path == "" {
		if dir, err := Dir(); err == nil {
			c.Journal.Path = filepath.Join(dir, "journal.db")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ShortTimeout returns the non-burst flush delay.
func (a AggregatorSettings) ShortTimeout() time.Duration {
	return time.Duration(a.ShortTimeoutSecs) * time.Second
}

// LongTimeout returns the burst flush delay.
func (a AggregatorSettings) LongTimeout() time.Duration {
	return time.Duration(a.LongTimeoutSecs) * time.Second
}

// BurstWindow returns the burst detection window.
func (a AggregatorSettings) BurstWindow() time.Duration {
	return time.Duration(a.BurstWindowSecs) * time.Second
}

// PollInterval returns the mailbox scan interval.
func (b BridgeSettings) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// ReplyWait returns the bounded bridged-reply wait window.
func (c ClaudeSettings) ReplyWait() time.Duration {
	return time.Duration(c.ReplyWaitSecs) * time.Second
}
