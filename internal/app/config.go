package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

type Config struct {
	Profile        string // Profile name, scopes storage keys and the sealing salt (default: default)
	StoreDriver    string // Storage driver (memory, sqlite, redis) (default: sqlite)
	DatabaseFile   string // Optional: path to the SQLite profile file (default: ./profile.db)
	RedisURL       string // Required for the redis driver
	ProfileKeyFile string // Optional: key material for sealing values at rest (sqlite only)
	MemoryQuota    int    // Byte budget for the memory driver (default: 5 MiB)

	APIURL       string   // Required: application backend base URL
	ClientID     string   // OAuth2 client id (default: web)
	IDPTokenURL  string   // Optional: external IdP token endpoint; refreshes go to the backend when empty
	IDPRevokeURL string   // Optional: external IdP revocation endpoint
	Issuers      []string // Optional: iss claims that mark a token as external (comma separated)
	SiteURL      string   // Optional: origin the session cookie is mirrored for (default: APIURL)
	RealtimeURL  string   // Optional: websocket endpoint connected while signed in

	TokenLifetime   time.Duration // External ID token lifetime (default: 1h)
	RefreshLead     time.Duration // Refresh this long before expiry (default: 10m)
	RefreshWindow   time.Duration // Give up on records older than this (default: 30d)
	RefreshInterval time.Duration // Scheduler check interval (default: 5m)
	RenewTimeout    time.Duration // Per renewal call timeout (default: 30s)
	RevokeTimeout   time.Duration // Logout revocation budget (default: 5s)
	WatchInterval   time.Duration // SQLite change log poll interval (default: 250ms)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: text)
	MetricsAddr          string        // Optional: listen address for /metrics, disabled when empty
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Change log trim interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Profile:        getEnvOrDefault("SESSION_PROFILE", "default"),
		StoreDriver:    getEnvOrDefault("SESSION_STORE_DRIVER", "sqlite"),
		DatabaseFile:   getEnvOrDefault("SESSION_DATABASE_FILE", "profile.db"),
		RedisURL:       os.Getenv("SESSION_REDIS_URL"),
		ProfileKeyFile: os.Getenv("SESSION_PROFILE_KEY_FILE"),
		MemoryQuota:    getEnvIntOrDefault("SESSION_MEMORY_QUOTA", 5<<20),

		APIURL:       getEnvOrDefault("SESSION_API_URL", "http://localhost:8080"),
		ClientID:     getEnvOrDefault("SESSION_IDP_CLIENT_ID", "web"),
		IDPTokenURL:  os.Getenv("SESSION_IDP_TOKEN_URL"),
		IDPRevokeURL: os.Getenv("SESSION_IDP_REVOKE_URL"),
		Issuers:      splitList(os.Getenv("SESSION_IDP_ISSUER")),
		SiteURL:      os.Getenv("SESSION_SITE_URL"),
		RealtimeURL:  os.Getenv("SESSION_REALTIME_URL"),

		TokenLifetime:   getEnvDurationOrDefault("SESSION_TOKEN_LIFETIME", time.Hour),
		RefreshLead:     getEnvDurationOrDefault("SESSION_REFRESH_LEAD", 10*time.Minute),
		RefreshWindow:   getEnvDurationOrDefault("SESSION_REFRESH_WINDOW", tokens.DefaultRefreshWindow),
		RefreshInterval: getEnvDurationOrDefault("SESSION_REFRESH_INTERVAL", 5*time.Minute),
		RenewTimeout:    getEnvDurationOrDefault("SESSION_RENEW_TIMEOUT", 30*time.Second),
		RevokeTimeout:   getEnvDurationOrDefault("SESSION_REVOKE_TIMEOUT", 5*time.Second),
		WatchInterval:   getEnvDurationOrDefault("SESSION_WATCH_INTERVAL", 250*time.Millisecond),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "text"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", time.Hour),
	}

	if cfg.SiteURL == "" {
		cfg.SiteURL = cfg.APIURL
	}

	return cfg
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
