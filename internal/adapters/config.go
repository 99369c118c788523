package adapters

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity information for the external services the relay
// talks to.
type Config struct {
	BackendBaseURL       string
	BackendToken         string
	BackendMaxAttempts   int
	BackendRetryInterval time.Duration

	StorageEndpoint       string
	StorageBucket         string
	StorageRegion         string
	StorageAccessKey      string
	StorageSecretKey      string
	StoragePublicEndpoint string
	StorageUseSSL         bool
	StorageTimeout        time.Duration

	OpenAIBaseURL      string
	OpenAIAPIKey       string
	TranscriptionModel string
	SummaryModel       string

	HTTPClient *http.Client
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BackendBaseURL:        strings.TrimSpace(os.Getenv("OPAL_RELAY_BACKEND_API")),
		BackendToken:          strings.TrimSpace(os.Getenv("OPAL_RELAY_BACKEND_TOKEN")),
		BackendMaxAttempts:    3,
		BackendRetryInterval:  500 * time.Millisecond,
		StorageEndpoint:       strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_ENDPOINT")),
		StorageBucket:         strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_BUCKET")),
		StorageRegion:         strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_REGION")),
		StorageAccessKey:      strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_ACCESS_KEY")),
		StorageSecretKey:      strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_SECRET_KEY")),
		StoragePublicEndpoint: strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_PUBLIC_URL")),
		OpenAIBaseURL:         strings.TrimSpace(os.Getenv("OPAL_RELAY_OPENAI_API")),
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPAL_RELAY_OPENAI_KEY")),
		TranscriptionModel:    strings.TrimSpace(os.Getenv("OPAL_RELAY_TRANSCRIPTION_MODEL")),
		SummaryModel:          strings.TrimSpace(os.Getenv("OPAL_RELAY_SUMMARY_MODEL")),
	}

	if useSSL := strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_USE_SSL")); useSSL != "" {
		parsed, err := strconv.ParseBool(useSSL)
		if err != nil {
			return Config{}, fmt.Errorf("parse OPAL_RELAY_STORAGE_USE_SSL: %w", err)
		}
		cfg.StorageUseSSL = parsed
	}

	if timeout := strings.TrimSpace(os.Getenv("OPAL_RELAY_STORAGE_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse OPAL_RELAY_STORAGE_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.StorageTimeout = parsed
		}
	}

	if attempts := strings.TrimSpace(os.Getenv("OPAL_RELAY_BACKEND_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse OPAL_RELAY_BACKEND_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.BackendMaxAttempts = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("OPAL_RELAY_BACKEND_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse OPAL_RELAY_BACKEND_RETRY_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.BackendRetryInterval = parsed
		}
	}

	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com/v1"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	missing := make([]string, 0, 3)
	if c.BackendBaseURL == "" {
		missing = append(missing, "OPAL_RELAY_BACKEND_API")
	}
	if c.StorageEndpoint == "" {
		missing = append(missing, "OPAL_RELAY_STORAGE_ENDPOINT")
	}
	if c.StorageBucket == "" {
		missing = append(missing, "OPAL_RELAY_STORAGE_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing relay configuration: %s", strings.Join(missing, ", "))
	}
	if c.BackendMaxAttempts <= 0 {
		return fmt.Errorf("backend max attempts must be positive")
	}
	if c.BackendRetryInterval < 0 {
		return fmt.Errorf("backend retry interval cannot be negative")
	}
	return nil
}

// EnhancementEnabled reports whether transcription and summarization can run.
func (c Config) EnhancementEnabled() bool {
	return c.OpenAIAPIKey != ""
}
