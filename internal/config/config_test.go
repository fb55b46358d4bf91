package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "sqlite3", cfg.BasicConfig.Database)
	assert.Equal(t, 30*24*time.Hour, cfg.TokenTTL())
	assert.Equal(t, 1500*time.Millisecond, cfg.Intake.ReplyDelay())
	assert.Equal(t, 2*time.Second, cfg.Intake.SummaryDelay())
	assert.Equal(t, time.Second, cfg.Intake.MenuDelay())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "veydha:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "veydha.db", cfg.Databases["sqlite3"].DSN)
}

func TestLoadFileAnchorsSqlitePath(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"sqlite3": {"dsn": "data/veydha.db"}},
		"intake": {"reply_delay_ms": 10, "greeting": "Hi there"},
		"log": {"level": "debug", "format": "json"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data/veydha.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, 10*time.Millisecond, cfg.Intake.ReplyDelay())
	assert.Equal(t, 2*time.Second, cfg.Intake.SummaryDelay())
	assert.Equal(t, "Hi there", cfg.Intake.Greeting)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VEYDHA_INTAKE_MENU_DELAY_MS", "5")
	t.Setenv("VEYDHA_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.Intake.MenuDelay())
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadRejectsUnknownDatabase(t *testing.T) {
	path := writeConfig(t, `{"basic_config": {"database": "postgres"}}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "postgres")
}

func TestLoadRejectsNegativeDelay(t *testing.T) {
	path := writeConfig(t, `{"intake": {"reply_delay_ms": -1}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
