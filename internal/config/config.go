package config

import (
	"os"
	"strconv"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// IPSalt is mixed into the SHA-256 hash of client addresses before
	// storage. Events never carry the raw address.
	IPSalt string

	// GeoAPIURL is the base URL of the external IP geolocation provider.
	// The address under lookup is appended as a path segment.
	GeoAPIURL string

	// DashboardKey gates /summary and the embedded dashboard page when
	// non-empty. Empty means the summary endpoint is open.
	DashboardKey string

	// RetentionDays controls how long analytics events are kept before
	// the retention worker prunes them. 0 disables pruning.
	RetentionDays int
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:   os.Getenv("APP_DATABASE_URL"),
		ListenAddr:    getenv("APP_LISTEN_ADDR", ":8080"),
		IPSalt:        getenv("APP_IP_SALT", "sitepulse"),
		GeoAPIURL:     getenv("APP_GEO_API_URL", "http://ip-api.com/json"),
		DashboardKey:  getenv("APP_DASHBOARD_KEY", ""),
		RetentionDays: 0,
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
