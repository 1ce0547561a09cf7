package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single IMAP account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// Username is the login name. The password lives in the credential
	// store.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS (imaps). When false the connection is
	// plain text.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Mailbox is the folder that is synced.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// ArchiveMailbox receives archived messages.
	ArchiveMailbox string `mapstructure:"archive_mailbox" yaml:"archive_mailbox"`

	// FetchLimit caps how many recent envelopes one sync fetches.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`

	// Enabled controls whether this account is polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec is how often (in seconds) to fetch updates.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// Scheme returns the URL scheme used for credential keys.
func (a AccountConfig) Scheme() string {
	if a.TLS {
		return "imaps"
	}
	return "imap"
}

// Address returns host:port.
func (a AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// EngineConfig sizes the task engine.
type EngineConfig struct {
	FastWorkers    int     `mapstructure:"fast_workers" yaml:"fast_workers"`
	SlowWorkers    int     `mapstructure:"slow_workers" yaml:"slow_workers"`
	FastQueueLimit int     `mapstructure:"fast_queue_limit" yaml:"fast_queue_limit"`
	ThreadLimit    int     `mapstructure:"thread_limit" yaml:"thread_limit"`
	Interactive    bool    `mapstructure:"interactive" yaml:"interactive"`
	ProgressRate   float64 `mapstructure:"progress_rate" yaml:"progress_rate"`
	ProgressBurst  int     `mapstructure:"progress_burst" yaml:"progress_burst"`
}

// StoreConfig locates the local message cache.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// File receives log output; the terminal belongs to the UI.
	File string `mapstructure:"file" yaml:"file"`

	// Telemetry enables the OpenTelemetry stdout exporters, written to
	// File.
	Telemetry bool `mapstructure:"telemetry" yaml:"telemetry"`
}

// DisplayConfig holds UI/rendering preferences.
type DisplayConfig struct {
	Theme string `mapstructure:"theme" yaml:"theme"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Engine   EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Display  DisplayConfig   `mapstructure:"display" yaml:"display"`
}

// configDir returns ~/.config/mailtask, or "." without a home directory.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailtask")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailtask/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Engine: EngineConfig{
			FastWorkers:   2,
			SlowWorkers:   1,
			ThreadLimit:   16,
			Interactive:   true,
			ProgressRate:  10,
			ProgressBurst: 2,
		},
		Accounts: []AccountConfig{},
		Store:    StoreConfig{Path: filepath.Join(configDir(), "mailtask.db")},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(configDir(), "mailtask.log"),
		},
		Display: DisplayConfig{Theme: "default"},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("engine.fast_workers", d.Engine.FastWorkers)
	v.SetDefault("engine.slow_workers", d.Engine.SlowWorkers)
	v.SetDefault("engine.fast_queue_limit", d.Engine.FastQueueLimit)
	v.SetDefault("engine.thread_limit", d.Engine.ThreadLimit)
	v.SetDefault("engine.interactive", d.Engine.Interactive)
	v.SetDefault("engine.progress_rate", d.Engine.ProgressRate)
	v.SetDefault("engine.progress_burst", d.Engine.ProgressBurst)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.telemetry", false)
	v.SetDefault("display.theme", d.Display.Theme)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed MAILTASK_ override file values
// (MAILTASK_ENGINE_FAST_WORKERS, MAILTASK_LOG_LEVEL, ...). If the file does
// not exist, defaults plus the environment are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailtask")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.ID == "" {
			a.ID = fmt.Sprintf("account-%d", i+1)
		}
		if a.Mailbox == "" {
			a.Mailbox = "INBOX"
		}
		if a.ArchiveMailbox == "" {
			a.ArchiveMailbox = "Archive"
		}
		if a.FetchLimit == 0 {
			a.FetchLimit = 50
		}
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = 120
		}
		if !v.IsSet(fmt.Sprintf("accounts.%d.tls", i)) {
			a.TLS = true
		}
		if a.Port == 0 {
			a.Port = 143
			if a.TLS {
				a.Port = 993
			}
		}
		// Viper unmarshals missing bools as false; treat unset as true.
		if !a.Enabled && !v.IsSet(fmt.Sprintf("accounts.%d.enabled", i)) {
			a.Enabled = true
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("engine", cfg.Engine)
	v.Set("accounts", cfg.Accounts)
	v.Set("store", cfg.Store)
	v.Set("log", cfg.Log)
	v.Set("display", cfg.Display)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
