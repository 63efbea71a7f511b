package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the daemon's environment-driven configuration. Every knob
// has a serving-safe default; only the backing services and the service
// token must be provided.
type Config struct {
	// Server
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	// Backing services
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ServiceToken authenticates the platform's mutation layer on the
	// invalidation and event endpoints.
	ServiceToken string

	// Cache tuning
	L1Size        int
	L1TTL         time.Duration
	DecisionTTL   time.Duration
	L2Timeout     time.Duration
	L3Timeout     time.Duration
	StoreTimeout  time.Duration
	BypassTTL     time.Duration
	SelfCheckRate float64
	Workers       int

	// Schedules
	RefreshInterval time.Duration
	WarmInterval    time.Duration
	AlertInterval   time.Duration

	// WarmFile is the optional YAML priority list for cache warming.
	WarmFile string

	// Alert thresholds
	SoftLatency  time.Duration
	HardLatency  time.Duration
	HitRateFloor float64

	// Optional OIDC verification for JWT bearers.
	OIDCIssuer   string
	OIDCClientID string
}

// Load reads configuration from GATEKEEPER_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("GATEKEEPER_HTTP_ADDR", ":8080"),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getEnv("GATEKEEPER_LOG_LEVEL", "info"),

		DatabaseURL:   os.Getenv("GATEKEEPER_DATABASE_URL"),
		RedisAddr:     os.Getenv("GATEKEEPER_REDIS_ADDR"),
		RedisPassword: os.Getenv("GATEKEEPER_REDIS_PASSWORD"),
		RedisDB:       getEnvInt("GATEKEEPER_REDIS_DB", 0),

		ServiceToken: os.Getenv("GATEKEEPER_SERVICE_TOKEN"),

		L1Size:        getEnvInt("GATEKEEPER_L1_SIZE", 10000),
		L1TTL:         getEnvDuration("GATEKEEPER_L1_TTL", time.Minute),
		DecisionTTL:   getEnvDuration("GATEKEEPER_DECISION_TTL", 5*time.Minute),
		L2Timeout:     getEnvDuration("GATEKEEPER_L2_TIMEOUT", 20*time.Millisecond),
		L3Timeout:     getEnvDuration("GATEKEEPER_L3_TIMEOUT", 100*time.Millisecond),
		StoreTimeout:  getEnvDuration("GATEKEEPER_STORE_TIMEOUT", 200*time.Millisecond),
		BypassTTL:     getEnvDuration("GATEKEEPER_BYPASS_TTL", 15*time.Minute),
		SelfCheckRate: getEnvFloat("GATEKEEPER_SELF_CHECK_RATE", 0),
		Workers:       getEnvInt("GATEKEEPER_WORKERS", 8),

		RefreshInterval: getEnvDuration("GATEKEEPER_REFRESH_INTERVAL", 10*time.Minute),
		WarmInterval:    getEnvDuration("GATEKEEPER_WARM_INTERVAL", 5*time.Minute),
		AlertInterval:   getEnvDuration("GATEKEEPER_ALERT_INTERVAL", time.Minute),

		WarmFile: os.Getenv("GATEKEEPER_WARM_FILE"),

		SoftLatency:  getEnvDuration("GATEKEEPER_SOFT_LATENCY", 100*time.Millisecond),
		HardLatency:  getEnvDuration("GATEKEEPER_HARD_LATENCY", 200*time.Millisecond),
		HitRateFloor: getEnvFloat("GATEKEEPER_HIT_RATE_FLOOR", 0.90),

		OIDCIssuer:   os.Getenv("GATEKEEPER_OIDC_ISSUER"),
		OIDCClientID: os.Getenv("GATEKEEPER_OIDC_CLIENT_ID"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and threshold sanity.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("GATEKEEPER_DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("GATEKEEPER_REDIS_ADDR is required")
	}
	if c.ServiceToken == "" {
		return fmt.Errorf("GATEKEEPER_SERVICE_TOKEN is required")
	}
	if c.HardLatency < c.SoftLatency {
		return fmt.Errorf("GATEKEEPER_HARD_LATENCY must not be below GATEKEEPER_SOFT_LATENCY")
	}
	if c.HitRateFloor <= 0 || c.HitRateFloor > 1 {
		return fmt.Errorf("GATEKEEPER_HIT_RATE_FLOOR must be in (0, 1]")
	}
	if c.SelfCheckRate < 0 || c.SelfCheckRate > 1 {
		return fmt.Errorf("GATEKEEPER_SELF_CHECK_RATE must be in [0, 1]")
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		return fmt.Errorf("GATEKEEPER_OIDC_CLIENT_ID is required when an issuer is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
