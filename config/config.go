package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/cloud"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds the environment-sourced daemon configuration.
type Config struct {
	DatabaseURL string
	WorkerID    string
	TenantID    string
	EdgeID      string

	BatchSize           int
	LeaseSeconds        int
	MaxAttempts         int
	BackoffBaseSeconds  int
	BackoffCapSeconds   int
	SyncInterval        time.Duration
	SweepInterval       time.Duration
	UnclaimAfterSeconds int

	CloudURL        string
	CloudAuthMode   cloud.AuthMode
	CloudAPIKey     string
	CloudHMACSecret string
	CloudTimeout    time.Duration

	AdminListen  string
	AdminEnabled bool
	AdminAPIKey  string
}

// Load reads the configuration from the environment (an optional .env file
// is honored), applies defaults and validates fail-fast. Configuration
// errors abort startup; they are never discovered per-row at delivery time.
func Load() (*Config, error) {
	godotenv.Load() //nolint:errcheck // the .env file is optional

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		WorkerID:            os.Getenv("WORKER_ID"),
		TenantID:            os.Getenv("TENANT_ID"),
		EdgeID:              os.Getenv("EDGE_ID"),
		BatchSize:           envInt("SYNC_BATCH_SIZE", 50),
		LeaseSeconds:        envInt("SYNC_LEASE_SECONDS", 60),
		MaxAttempts:         envInt("SYNC_MAX_ATTEMPTS", 10),
		BackoffBaseSeconds:  envInt("SYNC_BACKOFF_BASE_SECONDS", 1),
		BackoffCapSeconds:   envInt("SYNC_BACKOFF_CAP_SECONDS", 300),
		SyncInterval:        envSeconds("SYNC_INTERVAL_SECONDS", 15),
		SweepInterval:       envSeconds("SYNC_SWEEP_INTERVAL_SECONDS", 300),
		UnclaimAfterSeconds: envInt("SYNC_UNCLAIM_AFTER_SECONDS", 300),
		CloudURL:            os.Getenv("CLOUD_URL"),
		CloudAuthMode:       cloud.AuthMode(envStr("CLOUD_AUTH_MODE", string(cloud.AuthNone))),
		CloudAPIKey:         os.Getenv("CLOUD_API_KEY"),
		CloudHMACSecret:     os.Getenv("CLOUD_HMAC_SECRET"),
		CloudTimeout:        envSeconds("CLOUD_TIMEOUT_SECONDS", 10),
		AdminListen:         envStr("ADMIN_LISTEN", ":8081"),
		AdminEnabled:        envBool("ADMIN_ENABLED", false),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "edge-" + uuid.NewString()[:8]
	}

	switch cfg.CloudAuthMode {
	case cloud.AuthNone:
	case cloud.AuthAPIKey:
		if cfg.CloudAPIKey == "" {
			return nil, fmt.Errorf("CLOUD_API_KEY is required when CLOUD_AUTH_MODE is %q", cloud.AuthAPIKey)
		}
	case cloud.AuthHMAC:
		if cfg.CloudHMACSecret == "" {
			return nil, fmt.Errorf("CLOUD_HMAC_SECRET is required when CLOUD_AUTH_MODE is %q", cloud.AuthHMAC)
		}
	default:
		return nil, fmt.Errorf("unknown CLOUD_AUTH_MODE %q", cfg.CloudAuthMode)
	}

	return cfg, nil
}

func envStr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
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

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
