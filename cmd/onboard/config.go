package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/onboard/pkg/onboard"
)

func settingsPath() string {
	return filepath.Join(onboard.Dir(), "settings.yaml")
}

// loadSettings layers defaults < settings file < ONBOARD_* env vars.
// A missing settings file is not an error.
func loadSettings(path string) (onboard.Settings, error) {
	s := onboard.DefaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return s, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&s); err != nil {
		return s, err
	}
	s.Engine.Normalize()
	return s, nil
}

func applyEnv(s *onboard.Settings) error {
	str := map[string]*string{
		"ONBOARD_BASE_URL":          &s.Engine.BaseURL,
		"ONBOARD_DB_PATH":           &s.DBPath,
		"ONBOARD_LOG_LEVEL":         &s.LogLevel,
		"ONBOARD_CHANNEL_TRANSPORT": &s.Engine.Channel.Transport,
		"ONBOARD_CHANNEL_URL":       &s.Engine.Channel.URL,
		"ONBOARD_CHANNEL_CODEC":     &s.Engine.Channel.Codec,
		"ONBOARD_VAULT_PASSPHRASE":  &s.VaultPassphrase,
		"ONBOARD_REFRESH_SPEC":      &s.Refresh.Spec,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"ONBOARD_TEST_MODE":         &s.Engine.TestMode,
		"ONBOARD_DEBUG_MODE":        &s.Engine.DebugMode,
		"ONBOARD_SIMULATE_TRAINING": &s.Engine.SimulateTraining,
		"ONBOARD_REFRESH":           &s.Refresh.Enabled,
	}
	for key, dst := range flags {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("ONBOARD_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ONBOARD_MAX_ATTEMPTS: %w", err)
		}
		s.Engine.MaxAttempts = n
	}
	durations := map[string]*time.Duration{
		"ONBOARD_TIMEOUT":              &s.Engine.Timeout,
		"ONBOARD_REGISTRATION_TIMEOUT": &s.Engine.RegistrationTimeout,
		"ONBOARD_RETRY_DELAY":          &s.Engine.RetryDelay,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// settingsDiff describes what changed between two settings loads.
type settingsDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields only read at startup
}

func diffSettings(old, new onboard.Settings) settingsDiff {
	var d settingsDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Engine.BaseURL != new.Engine.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "engine.base_url")
	}
	if old.Engine.Channel.Transport != new.Engine.Channel.Transport || old.Engine.Channel.URL != new.Engine.Channel.URL {
		d.RestartNeeded = append(d.RestartNeeded, "engine.channel")
	}
	if old.Engine.TestMode != new.Engine.TestMode || old.Engine.DebugMode != new.Engine.DebugMode {
		d.RestartNeeded = append(d.RestartNeeded, "engine.modes")
	}
	if old.Refresh != new.Refresh {
		d.RestartNeeded = append(d.RestartNeeded, "refresh")
	}
	if old.VaultPassphrase != new.VaultPassphrase {
		d.RestartNeeded = append(d.RestartNeeded, "vault_passphrase")
	}
	return d
}
