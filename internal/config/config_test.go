package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/internal/config"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	s, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, 604800, s.IdempotencyTTLSeconds)
	require.Equal(t, 7*24*time.Hour, s.IdempotencyTTL())
	require.Equal(t, 30*time.Second, s.HandlerTimeout())
	require.Equal(t, 5, s.MaxAttempts)
	require.Equal(t, 30*time.Second, s.ReconcilePeriod())
	require.Equal(t, 10*time.Second, s.LeaseTTL())
	require.Equal(t, "skip_invalid", s.ReplayMode)
	require.Equal(t, []string{schema.RiskOrderApprovedV1}, s.BridgeWhitelist)
	require.Equal(t, 1, s.Concurrency("variables"))
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blackjack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_url_compute: redis://localhost:6379/0
store_url_trade: redis://localhost:6379/1
database_url: postgres://blackjack@localhost/blackjack
handler_timeout: 10
max_attempts: 3
worker_concurrency:
  variables: 4
  risk: 2
replay_mode: fail_on_invalid
bridge_whitelist:
  - risk.order.approved.v1
`), 0o600))

	s, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379/0", s.StoreURLCompute)
	require.Equal(t, "redis://localhost:6379/1", s.StoreURLTrade)
	require.Equal(t, 10*time.Second, s.HandlerTimeout())
	require.Equal(t, 3, s.MaxAttempts)
	require.Equal(t, 4, s.Concurrency("variables"))
	require.Equal(t, 2, s.Concurrency("risk"))
	require.Equal(t, 1, s.Concurrency("bridge"))
	require.Equal(t, "fail_on_invalid", s.ReplayMode)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blackjack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 3\n"), 0o600))

	t.Setenv("BLACKJACK_MAX_ATTEMPTS", "7")
	t.Setenv("BLACKJACK_STORE_URL_COMPUTE", "redis://override:6379/0")
	t.Setenv("BLACKJACK_BRIDGE_WHITELIST", "risk.order.approved.v1, dlq.risk.order.approved.v1")

	s, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, s.MaxAttempts)
	require.Equal(t, "redis://override:6379/0", s.StoreURLCompute)
	require.Equal(t, []string{
		"risk.order.approved.v1",
		"dlq.risk.order.approved.v1",
	}, s.BridgeWhitelist)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	badMode := filepath.Join(dir, "mode.yaml")
	require.NoError(t, os.WriteFile(badMode, []byte("replay_mode: sometimes\n"), 0o600))
	_, err := config.Load(badMode)
	require.Error(t, err)

	badAttempts := filepath.Join(dir, "attempts.yaml")
	require.NoError(t, os.WriteFile(badAttempts, []byte("max_attempts: 0\n"), 0o600))
	_, err = config.Load(badAttempts)
	require.Error(t, err)

	badConcurrency := filepath.Join(dir, "conc.yaml")
	require.NoError(t, os.WriteFile(badConcurrency, []byte("worker_concurrency:\n  risk: -1\n"), 0o600))
	_, err = config.Load(badConcurrency)
	require.Error(t, err)

	t.Setenv("BLACKJACK_HANDLER_TIMEOUT", "not-a-number")
	_, err = config.Load("")
	require.Error(t, err)
}
