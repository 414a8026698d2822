// Package config resolves rollbook settings from defaults, an optional
// YAML config file, a .env file and ROLLBOOK_* environment variables, in
// increasing order of precedence. Command-line flags bound by the CLI win
// over all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/rollbook/internal/connectivity"
	"github.com/roach88/rollbook/internal/drain"
	"github.com/roach88/rollbook/internal/logging"
)

// EnvPrefix prefixes every environment variable, e.g. ROLLBOOK_SERVER_URL
// or ROLLBOOK_DRAIN_BATCH_SIZE.
const EnvPrefix = "ROLLBOOK"

// Keys.
const (
	KeyDB                   = "db"
	KeyServerURL            = "server_url"
	KeySchema               = "schema"
	KeyOffline              = "offline"
	KeyDrainBatchSize       = "drain.batch_size"
	KeyDrainBackoffMin      = "drain.backoff_min"
	KeyDrainBackoffMax      = "drain.backoff_max"
	KeyDrainPoisonThreshold = "drain.poison_threshold"
	KeyProbeInterval        = "probe.interval"
	KeyProbeTimeout         = "probe.timeout"
	KeyLogLevel             = "log.level"
	KeyLogFormat            = "log.format"
	KeyLogFile              = "log.file"
	KeyLogMaxSizeMB         = "log.max_size_mb"
	KeyLogMaxBackups        = "log.max_backups"
	KeyLogMaxAgeDays        = "log.max_age_days"
)

// Config is the resolved configuration.
type Config struct {
	DB        string
	ServerURL string
	Schema    string
	Offline   bool

	Drain drain.Config
	Probe connectivity.Config
	Log   logging.Config

	// File is the config file that was read, empty if none.
	File string
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	dc := drain.DefaultConfig()
	pc := connectivity.DefaultConfig()

	v.SetDefault(KeyDB, "rollbook.db")
	v.SetDefault(KeyServerURL, "")
	v.SetDefault(KeySchema, "")
	v.SetDefault(KeyOffline, false)
	v.SetDefault(KeyDrainBatchSize, dc.BatchSize)
	v.SetDefault(KeyDrainBackoffMin, dc.BackoffMin)
	v.SetDefault(KeyDrainBackoffMax, dc.BackoffMax)
	v.SetDefault(KeyDrainPoisonThreshold, dc.PoisonThreshold)
	v.SetDefault(KeyProbeInterval, pc.ProbeInterval)
	v.SetDefault(KeyProbeTimeout, pc.ProbeTimeout)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAgeDays, 28)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads path into the process environment if it exists.
// Variables already set are not overridden.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// ReadFile reads the config file. An explicit path must exist; with an
// empty path, rollbook.yaml is looked up in the working directory and in
// $HOME/.config/rollbook, and a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rollbook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/rollbook")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Decode resolves the current values in v.
func Decode(v *viper.Viper) (*Config, error) {
	c := &Config{
		DB:        v.GetString(KeyDB),
		ServerURL: v.GetString(KeyServerURL),
		Schema:    v.GetString(KeySchema),
		Offline:   v.GetBool(KeyOffline),
		Drain: drain.Config{
			BatchSize:       v.GetInt(KeyDrainBatchSize),
			BackoffMin:      v.GetDuration(KeyDrainBackoffMin),
			BackoffMax:      v.GetDuration(KeyDrainBackoffMax),
			PoisonThreshold: v.GetInt(KeyDrainPoisonThreshold),
		},
		Probe: connectivity.Config{
			ProbeInterval:   v.GetDuration(KeyProbeInterval),
			ProbeTimeout:    v.GetDuration(KeyProbeTimeout),
			InitiallyOnline: true,
		},
		Log: logging.Config{
			Level:      v.GetString(KeyLogLevel),
			Format:     v.GetString(KeyLogFormat),
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAgeDays: v.GetInt(KeyLogMaxAgeDays),
		},
		File: v.ConfigFileUsed(),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, errors.New("db must not be empty"))
	}
	if c.Drain.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("drain.batch_size must be at least 1, got %d", c.Drain.BatchSize))
	}
	if c.Drain.BackoffMin <= 0 || c.Drain.BackoffMax < c.Drain.BackoffMin {
		errs = append(errs, fmt.Errorf("drain backoff must satisfy 0 < backoff_min <= backoff_max, got %s and %s",
			c.Drain.BackoffMin, c.Drain.BackoffMax))
	}
	if c.Drain.PoisonThreshold < 0 {
		errs = append(errs, errors.New("drain.poison_threshold must not be negative"))
	}
	if c.Probe.ProbeInterval < 0 || c.Probe.ProbeTimeout < 0 {
		errs = append(errs, errors.New("probe durations must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Watch calls fn with the re-decoded configuration whenever the config
// file changes. Invalid edits are passed to onErr and otherwise ignored.
// It is a no-op when no config file was read.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := Decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(c)
	})
	v.WatchConfig()
}

// ProbeDisabled reports whether connectivity is driven only by signals.
func (c *Config) ProbeDisabled() bool {
	return c.ServerURL == "" || c.Probe.ProbeInterval == 0
}

// Summary lists the effective settings for display.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		KeyDB:                   c.DB,
		KeyServerURL:            c.ServerURL,
		KeySchema:               c.Schema,
		KeyOffline:              c.Offline,
		KeyDrainBatchSize:       c.Drain.BatchSize,
		KeyDrainBackoffMin:      c.Drain.BackoffMin.String(),
		KeyDrainBackoffMax:      c.Drain.BackoffMax.String(),
		KeyDrainPoisonThreshold: c.Drain.PoisonThreshold,
		KeyProbeInterval:        c.Probe.ProbeInterval.String(),
		KeyProbeTimeout:         c.Probe.ProbeTimeout.String(),
		KeyLogLevel:             c.Log.Level,
		KeyLogFormat:            c.Log.Format,
		KeyLogFile:              c.Log.File,
	}
}
