package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	GeoIPDBPath string

	// Generation provider settings. "mock" drives jobs from the built-in
	// timeline; anything else is polled over the HTTP gateway.
	ProviderName    string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	DefaultModelURL string

	// Billing.
	TokensPerJob int

	// Worker.
	WorkerEnabled      bool
	WorkerTickLimit    int
	WorkerPollInterval time.Duration
	WorkerToken        string
	AdminToken         string
	RetryLimit         int

	// Quota windows (0 disables a check).
	QuotaUserPerMinute int
	QuotaUserPerHour   int
	QuotaUserPerDay    int
	QuotaIPPerMinute   int
	QuotaIPPerHour     int
	QuotaIPPerDay      int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	MigrateOnStart bool
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", ""),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		ProviderName:    getEnv("GEN_PROVIDER", "mock"),
		ProviderBaseURL: os.Getenv("GEN_PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("GEN_PROVIDER_API_KEY"),
		ProviderTimeout: time.Second * time.Duration(getEnvInt("GEN_PROVIDER_TIMEOUT_SECONDS", 30)),
		DefaultModelURL: getEnv("GEN_DEFAULT_MODEL_URL", "/static/models/forgelab-sample.glb"),

		TokensPerJob: getEnvInt("TOKENS_PER_JOB", 10),

		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerTickLimit:    getEnvInt("WORKER_TICK_LIMIT", 25),
		WorkerPollInterval: time.Second * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 2)),
		WorkerToken:        os.Getenv("WORKER_TOKEN"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RetryLimit:         getEnvInt("RETRY_LIMIT", 3),

		QuotaUserPerMinute: getEnvInt("QUOTA_USER_PER_MINUTE", 5),
		QuotaUserPerHour:   getEnvInt("QUOTA_USER_PER_HOUR", 30),
		QuotaUserPerDay:    getEnvInt("QUOTA_USER_PER_DAY", 100),
		QuotaIPPerMinute:   getEnvInt("QUOTA_IP_PER_MINUTE", 10),
		QuotaIPPerHour:     getEnvInt("QUOTA_IP_PER_HOUR", 60),
		QuotaIPPerDay:      getEnvInt("QUOTA_IP_PER_DAY", 200),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		MigrateOnStart: getEnvBool("MIGRATE_ON_START", true),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ProviderName != "mock" && cfg.ProviderBaseURL == "" {
		return nil, fmt.Errorf("GEN_PROVIDER_BASE_URL is required for provider %q", cfg.ProviderName)
	}

	if cfg.TokensPerJob <= 0 {
		return nil, fmt.Errorf("TOKENS_PER_JOB must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
