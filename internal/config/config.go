// Package config loads the environment-variable configuration surface
// documented in spec.md §6. It is intentionally a flat struct with typed
// defaults — there is no file-based layering need here, so this stays
// thinner than the teacher's own env handling while following the same
// godotenv-autoload convention.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the exhaustive environment-variable surface for the core,
// plus the small ambient additions SPEC_FULL.md documents (DB_MAX_CONNS,
// LOG_LEVEL).
type Config struct {
	ClientURL string

	PingTimeout  time.Duration
	PingInterval time.Duration

	SessionTimeout time.Duration

	IdleRoomCleanup time.Duration

	RateLimitDefaultPerMin int

	GameBuddiesAPIKey string

	DatabaseURL   string
	DBAdminKey    string
	DBMaxConns    int32

	ReturnGrace time.Duration

	MaxConnPerUser int

	Environment string
	LogLevel    string

	Port int
}

// Load reads the environment, applying the defaults spec.md §6 documents.
// It never fails — missing values simply take their documented default,
// matching the "fail-secure" posture the rate limiter also follows.
func Load() Config {
	return Config{
		ClientURL: getString("CLIENT_URL", "http://localhost:3000"),

		PingTimeout:  getDuration("PING_TIMEOUT", 60*time.Second),
		PingInterval: getDuration("PING_INTERVAL", 25*time.Second),

		SessionTimeout: time.Duration(getInt("SESSION_TIMEOUT_MINUTES", 180)) * time.Minute,

		IdleRoomCleanup: time.Duration(getInt("IDLE_ROOM_CLEANUP_MINUTES", 1440)) * time.Minute,

		RateLimitDefaultPerMin: getInt("RATE_LIMIT_DEFAULT_PER_MIN", 30),

		GameBuddiesAPIKey: getString("GAMEBUDDIES_API_KEY", ""),

		DatabaseURL: getString("DB_URL", ""),
		DBAdminKey:  getString("DB_ADMIN_KEY", ""),
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 10)),

		ReturnGrace: time.Duration(getInt("RETURN_GRACE_SECONDS", 15)) * time.Second,

		MaxConnPerUser: getInt("MAX_CONN_PER_USER", 8),

		Environment: getString("ENVIRONMENT", "development"),
		LogLevel:    getString("LOG_LEVEL", "info"),

		Port: getInt("PORT", 8080),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
