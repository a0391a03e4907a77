package onboard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/scheduler"
)

// Settings describes a complete onboarding stack: the coordinator's
// configuration plus the storage, vault and refresh settings around it.
type Settings struct {
	Engine   engine.Config     `yaml:"engine"`
	DBPath   string            `yaml:"db_path"`
	LogLevel string            `yaml:"log_level"`
	Headers  map[string]string `yaml:"headers"`
	Refresh  RefreshSettings   `yaml:"refresh"`

	// VaultPassphrase derives the key that encrypts stored tokens. It is
	// never read from or written to the settings file.
	VaultPassphrase string `yaml:"-"`
}

// RefreshSettings controls the background platform token refresh.
type RefreshSettings struct {
	Enabled     bool          `yaml:"enabled"`
	Spec        string        `yaml:"spec"`
	Window      time.Duration `yaml:"window"`
	Concurrency int           `yaml:"concurrency"`
}

// Dir is the per-user directory holding the database and settings file.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".onboard"
	}
	return filepath.Join(home, ".onboard")
}

// DefaultSettings returns settings with engine defaults and a database under Dir.
func DefaultSettings() Settings {
	return Settings{
		Engine:   engine.DefaultConfig(),
		DBPath:   filepath.Join(Dir(), "onboard.db"),
		LogLevel: "info",
		Refresh: RefreshSettings{
			Enabled:     true,
			Spec:        scheduler.DefaultRefreshSpec,
			Window:      30 * time.Minute,
			Concurrency: 4,
		},
	}
}

// Validate checks the settings New needs beyond the engine config.
func (s Settings) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if s.VaultPassphrase == "" {
		return fmt.Errorf("vault passphrase is required (set ONBOARD_VAULT_PASSPHRASE)")
	}
	cfg := s.Engine
	cfg.Normalize()
	return cfg.Validate()
}
