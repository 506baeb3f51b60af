package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents worker configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	AppURL           string
	WorkerSecret     string
	PollInterval     time.Duration
	TrainingSteps    int
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool
	StoragePath      string
	InferenceURL     string
	HandlerPort      string
	OpsPort          string
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. APP_URL and WORKER_SECRET are intentionally not
// required at startup: the poller reports an indeterminate result when they
// are missing, so the loop keeps backing off instead of crashing.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		AppURL:           strings.TrimRight(os.Getenv("APP_URL"), "/"),
		WorkerSecret:     os.Getenv("WORKER_SECRET"),
		PollInterval:     time.Second * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SEC", 15)),
		TrainingSteps:    getEnvInt("FLUX_LORA_STEPS", 500),
		StorageEndpoint:  os.Getenv("STORAGE_ENDPOINT"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		StorageUseSSL:    getEnvBool("STORAGE_USE_SSL", true),
		StoragePath:      os.Getenv("STORAGE_PATH"),
		InferenceURL:     strings.TrimRight(os.Getenv("INFERENCE_URL"), "/"),
		HandlerPort:      getEnv("HANDLER_PORT", "8000"),
		OpsPort:          getEnv("OPS_PORT", "9090"),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("WORKER_POLL_INTERVAL_SEC must be positive")
	}
	if cfg.TrainingSteps <= 0 {
		return nil, fmt.Errorf("FLUX_LORA_STEPS must be positive")
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
