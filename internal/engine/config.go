package engine

import (
	"fmt"
	"time"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

// Config holds the coordinator's tunables. Zero values are filled in by Normalize.
type Config struct {
	TestMode              bool   `yaml:"test_mode"`
	DebugMode             bool   `yaml:"debug_mode"`
	AllowEmptyConnections bool   `yaml:"allow_empty_connections"`
	SimulateTraining      bool   `yaml:"simulate_training"`
	BaseURL               string `yaml:"base_url"`

	Timeout             time.Duration `yaml:"timeout"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	DebugGracePeriod    time.Duration `yaml:"debug_grace_period"`

	CodeLength   int `yaml:"code_length"`
	MinPINLength int `yaml:"min_pin_length"`

	// ConnectionPolicy is a CEL expression over `state` that must hold
	// before leaving the Connect step.
	ConnectionPolicy string           `yaml:"connection_policy"`
	ValidationRules  []ValidationRule `yaml:"validation_rules"`

	Channel   ChannelConfig   `yaml:"channel"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ValidationRule is an extra expr-lang predicate for one step.
type ValidationRule struct {
	Step    schema.Step `yaml:"step"`
	Expr    string      `yaml:"expr"`
	Message string      `yaml:"message"`
}

// ChannelConfig controls the training progress channel and its fallback.
type ChannelConfig struct {
	Transport          string                `yaml:"transport"` // ws, nats or hub
	URL                string                `yaml:"url"`
	Codec              string                `yaml:"codec"`
	MaxReconnects      int                   `yaml:"max_reconnects"`
	ReconnectDelay     time.Duration         `yaml:"reconnect_delay"`
	SimulationInterval time.Duration         `yaml:"simulation_interval"`
	SimulationStep     float64               `yaml:"simulation_step"`
	Fields             progress.FieldQueries `yaml:"fields"`
}

// RateLimitConfig paces outgoing collaborator calls. Zero disables pacing.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		RegistrationTimeout: 90 * time.Second,
		MaxAttempts:         3,
		RetryDelay:          time.Second,
		DebugGracePeriod:    2 * time.Second,
		CodeLength:          6,
		MinPINLength:        8,
		Channel: ChannelConfig{
			Transport:          "ws",
			Codec:              "json",
			MaxReconnects:      3,
			ReconnectDelay:     2 * time.Second,
			SimulationInterval: 500 * time.Millisecond,
			SimulationStep:     0.05,
		},
		Breaker: BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second},
	}
}

// Normalize fills unset fields from DefaultConfig.
func (c *Config) Normalize() {
	d := DefaultConfig()
	setDuration(&c.Timeout, d.Timeout)
	setDuration(&c.RegistrationTimeout, d.RegistrationTimeout)
	setDuration(&c.RetryDelay, d.RetryDelay)
	setDuration(&c.DebugGracePeriod, d.DebugGracePeriod)
	setInt(&c.MaxAttempts, d.MaxAttempts)
	setInt(&c.CodeLength, d.CodeLength)
	setInt(&c.MinPINLength, d.MinPINLength)

	if c.Channel.Transport == "" {
		c.Channel.Transport = d.Channel.Transport
	}
	if c.Channel.Codec == "" {
		c.Channel.Codec = d.Channel.Codec
	}
	setInt(&c.Channel.MaxReconnects, d.Channel.MaxReconnects)
	setDuration(&c.Channel.ReconnectDelay, d.Channel.ReconnectDelay)
	setDuration(&c.Channel.SimulationInterval, d.Channel.SimulationInterval)
	if c.Channel.SimulationStep <= 0 {
		c.Channel.SimulationStep = d.Channel.SimulationStep
	}
	setInt(&c.Breaker.FailureThreshold, d.Breaker.FailureThreshold)
	setDuration(&c.Breaker.Cooldown, d.Breaker.Cooldown)
}

// Check reports every problem with c. Errors block the coordinator;
// warnings flag modes that should not reach production.
func (c Config) Check() *schema.ValidationResult {
	r := &schema.ValidationResult{}
	if c.MaxAttempts < 1 {
		r.AddError("max_attempts", fmt.Sprintf("must be >= 1, got %d", c.MaxAttempts))
	}
	if c.CodeLength < 1 {
		r.AddError("code_length", fmt.Sprintf("must be >= 1, got %d", c.CodeLength))
	}
	if c.MinPINLength < 2 {
		r.AddError("min_pin_length", fmt.Sprintf("must be >= 2, got %d", c.MinPINLength))
	}
	if c.Channel.SimulationStep > 1 {
		r.AddError("channel.simulation_step", fmt.Sprintf("must be in (0,1], got %g", c.Channel.SimulationStep))
	}
	switch c.Channel.Transport {
	case "ws", "nats", "hub":
	default:
		r.AddError("channel.transport", fmt.Sprintf("must be ws, nats or hub, got %q", c.Channel.Transport))
	}
	for i, rule := range c.ValidationRules {
		path := fmt.Sprintf("validation_rules[%d]", i)
		if !rule.Step.Valid() {
			r.AddError(path, fmt.Sprintf("unknown step %q", rule.Step))
		}
		if rule.Expr == "" {
			r.AddError(path, "expr is required")
		}
	}
	if c.TestMode {
		r.AddWarning("test_mode", "input validation and collaborator calls are skipped")
	}
	if c.DebugMode {
		r.AddWarning("debug_mode", "failed steps auto-advance after the grace period")
	}
	return r
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	return c.Check().ToError()
}

// testModeCeiling bounds every delay while TestMode is on.
const testModeCeiling = 20 * time.Millisecond

// timings returns the delays actually used. Test mode compresses them so a
// full run finishes in well under a second.
func (c Config) timings() Config {
	if !c.TestMode {
		return c
	}
	c.RetryDelay = min(c.RetryDelay, testModeCeiling/2)
	c.DebugGracePeriod = min(c.DebugGracePeriod, testModeCeiling)
	c.Channel.ReconnectDelay = min(c.Channel.ReconnectDelay, testModeCeiling)
	c.Channel.SimulationInterval = min(c.Channel.SimulationInterval, testModeCeiling)
	return c
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}
