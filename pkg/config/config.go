// Package config loads and persists the daemon configuration.
//
// The config file is YAML. Missing fields fall back to defaults, and a
// missing file is materialized with defaults on first load so users have
// something to edit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/wardscry/wardscry/internal/platform"
)

// Duration wraps time.Duration so intervals read naturally in YAML ("2s",
// "1500ms") instead of raw nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		// Tolerate bare integers, interpreted as seconds.
		var secs int64
		if err2 := node.Decode(&secs); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon configuration.
type Config struct {
	// DBPath is the SQLite database shared with the token-management side.
	DBPath string `yaml:"db_path"`
	// SIEMPath is the append-only JSON Lines sink.
	SIEMPath string `yaml:"siem_path"`

	// ReloadInterval is the hot-reload cadence for token definitions.
	ReloadInterval Duration `yaml:"reload_interval"`
	// CheckInterval is the periodic existence-check cadence.
	CheckInterval Duration `yaml:"check_interval"`
	// DebounceWindow is the fixed window during which raw notifications for
	// a token fold into one semantic event.
	DebounceWindow Duration `yaml:"debounce_window"`
	// StoreTimeout bounds every store call so a slow database degrades a
	// cycle instead of stalling the pipeline.
	StoreTimeout Duration `yaml:"store_timeout"`

	// QueueCapacity bounds the raw-notification queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// DropOldestOnOverload keeps the full-queue policy at oldest-drop
	// (counted, never preferring delete/rename entries). Disabling it
	// switches to producer backpressure.
	DropOldestOnOverload bool `yaml:"drop_oldest_on_overload"`

	// IgnoreGlobs are matched against notification base names to skip
	// editor churn next to a token (swap files and the like).
	IgnoreGlobs []string `yaml:"ignore_globs"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:               platform.DBPath(),
		SIEMPath:             platform.SIEMPath(),
		ReloadInterval:       Duration(2 * time.Second),
		CheckInterval:        Duration(10 * time.Second),
		DebounceWindow:       Duration(1500 * time.Millisecond),
		StoreTimeout:         Duration(5 * time.Second),
		QueueCapacity:        1024,
		DropOldestOnOverload: true,
		IgnoreGlobs:          []string{"*.swp", "*.swx", "*~", ".#*", "4913"},
	}
}

// Load reads the config at path, filling unset fields with defaults. If the
// file does not exist it is created with defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if saveErr := Save(path, cfg); saveErr != nil {
			return cfg, fmt.Errorf("write default config: %w", saveErr)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.SIEMPath == "" {
		return fmt.Errorf("siem_path must be set")
	}
	if c.ReloadInterval <= 0 {
		return fmt.Errorf("reload_interval must be positive")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce_window must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	for _, g := range c.IgnoreGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid ignore glob %q", g)
		}
	}
	return nil
}
