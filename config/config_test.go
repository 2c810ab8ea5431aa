package config_test

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/config"
)

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "s3cret")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./data/ledger.db", cfg.Store.DSN)
	assert.Equal(t, uint64(3), cfg.Store.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10, cfg.Auth.BcryptCost)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "s3cret")
	t.Setenv("LEDGER_STORE", "postgres")
	t.Setenv("LEDGER_DSN", "postgres://localhost/ledger")
	t.Setenv("LEDGER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LEDGER_PENDING_TTL", "2h")

	cfg, err := config.Load([]string{"--store=memory", "--addr=:9090", "--session-ttl=30m", "--console"})
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
	assert.True(t, cfg.Log.Console)
	assert.Equal(t, 2*time.Hour, cfg.Requests.PendingTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	// GIVEN: No secret, an unknown driver and a bad log level
	// WHEN: Loading the configuration
	// THEN: All three problems are reported together

	t.Setenv("LEDGER_SECRET", "")
	_, err := config.Load([]string{"--store=mongo", "--level=loud"})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
	assert.Contains(t, err.Error(), "secret")
	assert.Contains(t, err.Error(), "mongo")
	assert.Contains(t, err.Error(), "log level")
}

func TestLoad_MalformedEnvironment(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "s3cret")
	t.Setenv("LEDGER_STORE_TIMEOUT", "soon")
	t.Setenv("LEDGER_STORE_RETRIES", "-1")

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_STORE_TIMEOUT")
	assert.Contains(t, err.Error(), "LEDGER_STORE_RETRIES")
}

func TestLoad_UnknownFlag(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "s3cret")

	_, err := config.Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestValidate_AdminNeedsPIN(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "s3cret")
	t.Setenv("LEDGER_ADMIN_EMAIL", "admin@example.com")

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin pin")
}
