package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config contains runtime configuration loaded from environment variables.
type Config struct {
	AppEnv        string
	DiscordToken  string
	CommandPrefix string

	DBDriver   string
	PGHost     string
	PGPort     string
	PGUser     string
	PGDatabase string
	PGPassword string
	SQLitePath string

	MutePollInterval    time.Duration
	VerifyPollInterval  time.Duration
	PlatformCallsPerSec float64

	HTTPAddr           string
	AdminJWTSecret     string
	RateLimitPerSecond float64

	CacheBackend  string
	CacheTTL      time.Duration
	RedisHost     string
	RedisPort     string
	RedisPassword string
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
			}
		}
	}

	cfg := Config{
		AppEnv:        getOrDefault("APP_ENV", "development"),
		DiscordToken:  strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
		CommandPrefix: getOrDefault("COMMAND_PREFIX", "!"),

		DBDriver:   strings.ToLower(getOrDefault("DB_DRIVER", DriverPostgres)),
		PGHost:     getOrDefault("PG_HOST", "localhost"),
		PGPort:     getOrDefault("PG_PORT", "5432"),
		PGUser:     os.Getenv("PG_USER"),
		PGDatabase: os.Getenv("PG_DB"),
		PGPassword: os.Getenv("PG_PASSWORD"),
		SQLitePath: getOrDefault("SQLITE_PATH", "warden.db"),

		MutePollInterval:    time.Duration(getIntOrDefault("MUTE_POLL_SECONDS", 30)) * time.Second,
		VerifyPollInterval:  time.Duration(getIntOrDefault("VERIFY_POLL_SECONDS", 60)) * time.Second,
		PlatformCallsPerSec: getFloatOrDefault("PLATFORM_CALLS_PER_SECOND", 5),

		HTTPAddr:           getOrDefault("HTTP_ADDR", ":8080"),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
		RateLimitPerSecond: getFloatOrDefault("RATE_LIMIT_PER_SECOND", 5),

		CacheBackend:  strings.ToLower(getOrDefault("CACHE_BACKEND", CacheMemory)),
		CacheTTL:      time.Duration(getIntOrDefault("CACHE_TTL_SECONDS", 300)) * time.Second,
		RedisHost:     getOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getOrDefault("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no sensible default.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.PGUser == "" || c.PGDatabase == "" {
			return fmt.Errorf("PG_USER and PG_DB are required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver)
	}

	switch c.CacheBackend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheMemory, CacheRedis, c.CacheBackend)
	}

	if c.MutePollInterval <= 0 {
		return fmt.Errorf("MUTE_POLL_SECONDS must be > 0")
	}
	if c.VerifyPollInterval <= 0 {
		return fmt.Errorf("VERIFY_POLL_SECONDS must be > 0")
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must be > 0")
	}
	if c.PlatformCallsPerSec <= 0 {
		return fmt.Errorf("PLATFORM_CALLS_PER_SECOND must be > 0")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be > 0")
	}
	return nil
}

// PostgresDSN builds the connection string used by both gorm and sqlx.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

// RedisAddr returns host:port for the redis client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getFloatOrDefault(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
