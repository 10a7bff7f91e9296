// Package config provides configuration loading and defaults for the
// Soothsayer daemon.
//
// Configuration is loaded from a TOML file in the user's data directory. The
// package covers game and client log settings, price source settings,
// valuation preferences, the local totals feed, and daemon behavior, all with
// sensible defaults. Struct validation runs on every load so a bad hand-edit
// fails fast instead of surfacing as silent misbehavior.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"

	"github.com/navali-creations/soothsayer-sub009/internal/atomicfile"
	"github.com/navali-creations/soothsayer-sub009/internal/migrate"
	"github.com/navali-creations/soothsayer-sub009/internal/paths"
)

// DefaultPriceBaseURL is the market data API root.
const DefaultPriceBaseURL = "https://poe.ninja/api/data"

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Game holds game client and log settings.
	Game GameConfig `toml:"game"`
	// Prices holds market data source settings.
	Prices PricesConfig `toml:"prices"`
	// Valuation holds valuation preferences.
	Valuation ValuationConfig `toml:"valuation"`
	// Feed holds local totals feed settings.
	Feed FeedConfig `toml:"feed"`
	// Behavior holds daemon polling behavior.
	Behavior BehaviorConfig `toml:"behavior"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// GameConfig holds game client and log settings.
type GameConfig struct {
	// ID selects the game: "poe1" or "poe2".
	ID string `toml:"id" validate:"oneof=poe1 poe2"`
	// League is the league whose market prices apply.
	League string `toml:"league" validate:"required"`
	// ClientLog is the path to the game client's log file. Empty means the
	// daemon cannot tail drops and will refuse to start a session.
	ClientLog string `toml:"client_log"`
	// ProcessNames overrides the executable names scanned for when detecting
	// the running game client. Empty uses the built-in defaults.
	ProcessNames []string `toml:"process_names,omitempty"`
}

// PricesConfig holds market data source settings.
type PricesConfig struct {
	// BaseURL is the market API root.
	BaseURL string `toml:"base_url" validate:"url"`
	// FreshnessMinutes is how long a fetched snapshot is served before a
	// refetch.
	FreshnessMinutes int `toml:"freshness_minutes" validate:"gte=1"`
	// RefreshCron is a cron expression for scheduled snapshot refreshes
	// during long sessions. Empty disables the schedule.
	RefreshCron string `toml:"refresh_cron,omitempty"`
	// AllowStale serves the last known snapshot when the source is down.
	AllowStale bool `toml:"allow_stale"`
}

// ValuationConfig holds valuation preferences.
type ValuationConfig struct {
	// Source selects the market the unit prices come from: "primary" or
	// "alternate".
	Source string `toml:"source" validate:"oneof=primary alternate"`
	// IgnoreCards lists glob patterns for card names excluded from totals
	// (e.g. "The Carrion*"). Doublestar syntax.
	IgnoreCards []string `toml:"ignore_cards,omitempty"`
}

// FeedConfig holds local totals feed settings.
type FeedConfig struct {
	// Enabled starts the IPC totals feed for overlay consumers.
	Enabled bool `toml:"enabled"`
}

// BehaviorConfig holds daemon polling behavior.
type BehaviorConfig struct {
	// ProcessPollSeconds is the game process poll interval.
	ProcessPollSeconds int `toml:"process_poll_seconds" validate:"gte=1"`
	// LogCheckSeconds is the client log check interval between watcher
	// wake-ups.
	LogCheckSeconds int `toml:"log_check_seconds" validate:"gte=1"`
	// AutoSession starts a session when the game client appears and stops it
	// when the client exits.
	AutoSession bool `toml:"auto_session"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fail).
	Level string `toml:"level" validate:"oneof=trace debug info warn error fail"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb" validate:"gte=1"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Game: GameConfig{
			ID:     "poe1",
			League: "Standard",
		},
		Prices: PricesConfig{
			BaseURL:          DefaultPriceBaseURL,
			FreshnessMinutes: 5,
			RefreshCron:      "@every 15m",
			AllowStale:       true,
		},
		Valuation: ValuationConfig{
			Source: "primary",
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Behavior: BehaviorConfig{
			ProcessPollSeconds: 5,
			LogCheckSeconds:    1,
			AutoSession:        false,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)
	migrated := version != migrate.Config.CurrentVersion
	if migrated {
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = migrate.Config.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if migrated {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validate checks struct tags. Shared across loads; validator instances
// cache struct metadata.
var validate = validator.New()

// Validate checks that all configuration values are within acceptable
// ranges and that every card ignore pattern parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			return fmt.Errorf("field %s: failed %q check (value %v)", f.Namespace(), f.Tag(), f.Value())
		}
		return err
	}

	for _, pattern := range c.Valuation.IgnoreCards {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid ignore_cards pattern %q", pattern)
		}
	}
	return nil
}

// IgnoresCard reports whether cardName matches any configured ignore
// pattern. Invalid patterns were rejected at load time.
func (c *Config) IgnoresCard(cardName string) bool {
	for _, pattern := range c.Valuation.IgnoreCards {
		if ok, err := doublestar.Match(pattern, cardName); err == nil && ok {
			return true
		}
	}
	return false
}
