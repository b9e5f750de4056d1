package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-engine/expenses"
)

// isolate runs Load from an empty directory with no config env set.
func isolate(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("DEBT_ENGINE_CONFIG", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, []string{"*"}, c.Server.AllowedOrigins)
	assert.Equal(t, "./data/debt-engine.db", c.Database.Path)
	assert.Equal(t, 24*time.Hour, c.Auth.TokenTTL)
	assert.Equal(t, 3, c.Ledger.MaxRetries)
	assert.Zero(t, c.Ledger.SweepInterval)

	policy, err := c.Ledger.DeletePolicy()
	require.NoError(t, err)
	assert.Equal(t, expenses.DeleteKeep, policy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DEBT_ENGINE_SERVER_PORT", "9090")
	t.Setenv("DEBT_ENGINE_DATABASE_PATH", "/tmp/x.db")
	t.Setenv("DEBT_ENGINE_LEDGER_PURCHASE_DELETE_POLICY", "reconcile")
	t.Setenv("DEBT_ENGINE_LEDGER_SWEEP_INTERVAL", "15m")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "/tmp/x.db", c.Database.Path)
	assert.Equal(t, 15*time.Minute, c.Ledger.SweepInterval)
	policy, err := c.Ledger.DeletePolicy()
	require.NoError(t, err)
	assert.Equal(t, expenses.DeleteReconcile, policy)
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 7000
allowed_origins = ["http://localhost:3000"]

[auth]
jwt_secret = "from-file"
token_ttl = "2h"

[ledger]
max_retries = 5
sweep_repair = true
`), 0o644))
	t.Setenv("DEBT_ENGINE_CONFIG", path)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, c.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, c.Server.AllowedOrigins)
	assert.Equal(t, "from-file", c.Auth.JWTSecret)
	assert.Equal(t, 2*time.Hour, c.Auth.TokenTTL)
	assert.Equal(t, 5, c.Ledger.MaxRetries)
	assert.True(t, c.Ledger.SweepRepair)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	t.Setenv("DEBT_ENGINE_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsBadPolicy(t *testing.T) {
	isolate(t)
	t.Setenv("DEBT_ENGINE_LEDGER_PURCHASE_DELETE_POLICY", "cascade")

	_, err := Load()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogConfig{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{Level: "nonsense"}.SlogLevel())
}
