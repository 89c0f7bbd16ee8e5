package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Settings are the operator-tunable plate-solving settings. They are read fresh
// at the top of every worker iteration and before every task re-registration.
type Settings struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled"`
	CheckInterval   time.Duration `mapstructure:"check_interval" json:"check_interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent" json:"max_concurrent"`
	AutoResubmit    bool          `mapstructure:"auto_resubmit" json:"auto_resubmit"`
	SyncEnabled     bool          `mapstructure:"sync_enabled" json:"sync_enabled"`
	SyncSchedule    string        `mapstructure:"sync_schedule" json:"sync_schedule"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule" json:"cleanup_schedule"`
}

// DefaultSettings returns the settings used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		CheckInterval:   30 * time.Second,
		PollInterval:    5 * time.Second,
		MaxConcurrent:   3,
		AutoResubmit:    false,
		SyncEnabled:     true,
		SyncSchedule:    "0 * * * *",
		CleanupSchedule: "30 3 * * *",
	}
}

// Validate rejects settings the worker cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("check_interval must be positive, got %s", s.CheckInterval))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", s.PollInterval))
	}
	if s.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must not be negative, got %d", s.MaxConcurrent))
	}
	return errors.Join(errs...)
}

// Source supplies the current settings.
type Source interface {
	Current() Settings
}

// Static is a fixed settings Source.
type Static Settings

func (s Static) Current() Settings { return Settings(s) }

// ViperSource reads settings from a YAML file through viper, re-reading the file on every call.
// Environment variables prefixed with SOLVER_ override file values.
type ViperSource struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
	last Settings
}

// NewViperSource builds a source for the settings file at path. A missing file yields defaults.
func NewViperSource(path string) *ViperSource {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultSettings())
	return &ViperSource{path: path, v: v, last: DefaultSettings()}
}

func setDefaults(v *viper.Viper, s Settings) {
	v.SetDefault("enabled", s.Enabled)
	v.SetDefault("check_interval", s.CheckInterval)
	v.SetDefault("poll_interval", s.PollInterval)
	v.SetDefault("max_concurrent", s.MaxConcurrent)
	v.SetDefault("auto_resubmit", s.AutoResubmit)
	v.SetDefault("sync_enabled", s.SyncEnabled)
	v.SetDefault("sync_schedule", s.SyncSchedule)
	v.SetDefault("cleanup_schedule", s.CleanupSchedule)
}

// Current re-reads the settings file. On a read or validation error the last good settings are returned.
func (s *ViperSource) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil && !isNotFound(err) {
		slog.Warn("settings file unreadable, keeping previous settings", "path", s.path, "error", err)
		return s.last
	}
	var next Settings
	if err := s.v.Unmarshal(&next); err != nil {
		slog.Warn("settings decode failed, keeping previous settings", "path", s.path, "error", err)
		return s.last
	}
	if err := next.Validate(); err != nil {
		slog.Warn("invalid settings, keeping previous settings", "path", s.path, "error", err)
		return s.last
	}
	s.last = next
	return next
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

// Update validates and persists new settings to the settings file.
func (s *ViperSource) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	w := viper.New()
	w.SetConfigType("yaml")
	w.Set("enabled", next.Enabled)
	w.Set("check_interval", next.CheckInterval.String())
	w.Set("poll_interval", next.PollInterval.String())
	w.Set("max_concurrent", next.MaxConcurrent)
	w.Set("auto_resubmit", next.AutoResubmit)
	w.Set("sync_enabled", next.SyncEnabled)
	w.Set("sync_schedule", next.SyncSchedule)
	w.Set("cleanup_schedule", next.CleanupSchedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := w.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.last = next
	return nil
}
