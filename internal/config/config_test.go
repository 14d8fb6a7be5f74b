package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "test.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.MutePollInterval)
	assert.Equal(t, 60*time.Second, cfg.VerifyPollInterval)
	assert.Equal(t, "!", cfg.CommandPrefix)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 5.0, cfg.PlatformCallsPerSec)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "DB_DRIVER=sqlite\nSQLITE_PATH=from-file.db\nMUTE_POLL_SECONDS=45\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// godotenv does not override variables that are already set
	t.Setenv("MUTE_POLL_SECONDS", "")
	os.Unsetenv("MUTE_POLL_SECONDS")
	t.Setenv("SQLITE_PATH", "")
	os.Unsetenv("SQLITE_PATH")
	t.Setenv("DB_DRIVER", "")
	os.Unsetenv("DB_DRIVER")

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "from-file.db", cfg.SQLitePath)
	assert.Equal(t, 45*time.Second, cfg.MutePollInterval)
}

func TestLoad_PostgresRequiresCredentials(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("PG_USER", "")
	t.Setenv("PG_DB", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownCache(t *testing.T) {
	cfg := Config{
		DBDriver:           DriverSQLite,
		SQLitePath:         "x.db",
		CacheBackend:       "memcached",
		MutePollInterval:   time.Second,
		VerifyPollInterval: time.Second,
		RateLimitPerSecond: 1,
	}
	assert.Error(t, cfg.Validate())
}

func TestPostgresDSN(t *testing.T) {
	cfg := Config{PGUser: "u", PGPassword: "p", PGHost: "h", PGPort: "1", PGDatabase: "d"}
	assert.Equal(t, "postgres://u:p@h:1/d?sslmode=disable", cfg.PostgresDSN())
}
