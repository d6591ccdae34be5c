// Package config manages pipeline configuration loading and validation.
// Settings come from an optional YAML file; BLACKJACK_* environment
// variables override individual keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Victor-dw/Blackjack/internal/replay"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

// Settings is the full configuration surface of the pipeline binaries.
type Settings struct {
	// StoreURLCompute and StoreURLTrade are the connection strings for the
	// two stream planes. Empty means the in-process memory log.
	StoreURLCompute string `yaml:"store_url_compute"`
	StoreURLTrade   string `yaml:"store_url_trade"`

	// DatabaseURL is the Postgres DSN backing the submission state machine.
	// Empty means the in-memory store.
	DatabaseURL string `yaml:"database_url"`

	IdempotencyTTLSeconds int `yaml:"idempotency_ttl"`
	HandlerTimeoutSeconds int `yaml:"handler_timeout"`
	MaxAttempts           int `yaml:"max_attempts"`

	RetryBackoffBaseMS int     `yaml:"retry_backoff_base_ms"`
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor"`
	RetryBackoffCapMS  int     `yaml:"retry_backoff_cap_ms"`

	// WorkerConcurrency is the worker pool width per consumer group.
	WorkerConcurrency map[string]int `yaml:"worker_concurrency"`

	ReconcilePeriodMS int `yaml:"reconcile_period_ms"`
	LeaseTTLMS        int `yaml:"lease_ttl_ms"`

	ReplayMode      string   `yaml:"replay_mode"`
	BridgeWhitelist []string `yaml:"bridge_whitelist"`

	// TelemetryEndpoint is the OTLP metrics endpoint; empty disables export.
	TelemetryEndpoint string `yaml:"telemetry_endpoint"`
}

// Defaults returns the documented default settings.
func Defaults() Settings {
	return Settings{
		IdempotencyTTLSeconds: 604800,
		HandlerTimeoutSeconds: 30,
		MaxAttempts:           5,
		RetryBackoffBaseMS:    100,
		RetryBackoffFactor:    2.0,
		RetryBackoffCapMS:     5000,
		ReconcilePeriodMS:     30000,
		LeaseTTLMS:            10000,
		ReplayMode:            string(replay.ModeSkipInvalid),
		BridgeWhitelist:       []string{schema.RiskOrderApprovedV1},
	}
}

// Load reads settings from path (optional), applies environment overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects inconsistent settings before any component starts.
func (s Settings) Validate() error {
	if _, err := replay.ParseMode(s.ReplayMode); err != nil {
		return fmt.Errorf("replay_mode: %w", err)
	}
	if s.IdempotencyTTLSeconds <= 0 {
		return fmt.Errorf("idempotency_ttl must be > 0")
	}
	if s.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("handler_timeout must be > 0")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if s.RetryBackoffFactor < 1 {
		return fmt.Errorf("retry_backoff_factor must be >= 1")
	}
	for group, width := range s.WorkerConcurrency {
		if width <= 0 {
			return fmt.Errorf("worker_concurrency[%s] must be > 0", group)
		}
	}
	return nil
}

// Duration accessors keep callers free of unit conversions.

func (s Settings) IdempotencyTTL() time.Duration {
	return time.Duration(s.IdempotencyTTLSeconds) * time.Second
}

func (s Settings) HandlerTimeout() time.Duration {
	return time.Duration(s.HandlerTimeoutSeconds) * time.Second
}

func (s Settings) RetryBackoffBase() time.Duration {
	return time.Duration(s.RetryBackoffBaseMS) * time.Millisecond
}

func (s Settings) RetryBackoffCap() time.Duration {
	return time.Duration(s.RetryBackoffCapMS) * time.Millisecond
}

func (s Settings) ReconcilePeriod() time.Duration {
	return time.Duration(s.ReconcilePeriodMS) * time.Millisecond
}

func (s Settings) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLMS) * time.Millisecond
}

// Concurrency returns the worker width for a consumer group, defaulting to 1.
func (s Settings) Concurrency(group string) int {
	if width, ok := s.WorkerConcurrency[group]; ok {
		return width
	}
	return 1
}

const envPrefix = "BLACKJACK_"

// applyEnv overlays BLACKJACK_* variables onto the settings. The variable
// name is the upper-cased yaml key, e.g. BLACKJACK_STORE_URL_COMPUTE.
func (s *Settings) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = parsed
		return nil
	}

	str("STORE_URL_COMPUTE", &s.StoreURLCompute)
	str("STORE_URL_TRADE", &s.StoreURLTrade)
	str("DATABASE_URL", &s.DatabaseURL)
	str("REPLAY_MODE", &s.ReplayMode)
	str("TELEMETRY_ENDPOINT", &s.TelemetryEndpoint)

	if v, ok := os.LookupEnv(envPrefix + "BRIDGE_WHITELIST"); ok {
		var entries []string
		for _, entry := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				entries = append(entries, trimmed)
			}
		}
		s.BridgeWhitelist = entries
	}

	if v, ok := os.LookupEnv(envPrefix + "RETRY_BACKOFF_FACTOR"); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%sRETRY_BACKOFF_FACTOR: %w", envPrefix, err)
		}
		s.RetryBackoffFactor = parsed
	}

	for key, dst := range map[string]*int{
		"IDEMPOTENCY_TTL":       &s.IdempotencyTTLSeconds,
		"HANDLER_TIMEOUT":       &s.HandlerTimeoutSeconds,
		"MAX_ATTEMPTS":          &s.MaxAttempts,
		"RETRY_BACKOFF_BASE_MS": &s.RetryBackoffBaseMS,
		"RETRY_BACKOFF_CAP_MS":  &s.RetryBackoffCapMS,
		"RECONCILE_PERIOD_MS":   &s.ReconcilePeriodMS,
		"LEASE_TTL_MS":          &s.LeaseTTLMS,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	return nil
}
