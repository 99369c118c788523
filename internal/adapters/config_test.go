package adapters

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPAL_RELAY_BACKEND_API", "https://backend.example.com")
	t.Setenv("OPAL_RELAY_STORAGE_ENDPOINT", "storage.example.com")
	t.Setenv("OPAL_RELAY_STORAGE_BUCKET", "media")
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BackendMaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.BackendMaxAttempts)
	}
	if cfg.BackendRetryInterval != 500*time.Millisecond {
		t.Fatalf("retry interval = %v", cfg.BackendRetryInterval)
	}
	if cfg.OpenAIBaseURL != "https://api.openai.com/v1" {
		t.Fatalf("openai base = %q", cfg.OpenAIBaseURL)
	}
	if cfg.EnhancementEnabled() {
		t.Fatal("enhancement must be disabled without an API key")
	}
}

func TestLoadConfigFromEnvMissingRequired(t *testing.T) {
	t.Setenv("OPAL_RELAY_BACKEND_API", "https://backend.example.com")
	t.Setenv("OPAL_RELAY_STORAGE_ENDPOINT", "storage.example.com")
	t.Setenv("OPAL_RELAY_STORAGE_BUCKET", "")

	_, err := LoadConfigFromEnv()
	if err == nil {
		t.Fatal("expected an error for missing configuration")
	}
	if !strings.Contains(err.Error(), "OPAL_RELAY_STORAGE_BUCKET") {
		t.Fatalf("error does not name the missing variable: %v", err)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPAL_RELAY_BACKEND_MAX_ATTEMPTS", "5")
	t.Setenv("OPAL_RELAY_BACKEND_RETRY_INTERVAL", "2s")
	t.Setenv("OPAL_RELAY_STORAGE_USE_SSL", "true")
	t.Setenv("OPAL_RELAY_STORAGE_TIMEOUT", "90s")
	t.Setenv("OPAL_RELAY_OPENAI_KEY", "sk-test")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BackendMaxAttempts != 5 {
		t.Fatalf("max attempts = %d", cfg.BackendMaxAttempts)
	}
	if cfg.BackendRetryInterval != 2*time.Second {
		t.Fatalf("retry interval = %v", cfg.BackendRetryInterval)
	}
	if !cfg.StorageUseSSL {
		t.Fatal("use SSL flag not applied")
	}
	if cfg.StorageTimeout != 90*time.Second {
		t.Fatalf("storage timeout = %v", cfg.StorageTimeout)
	}
	if !cfg.EnhancementEnabled() {
		t.Fatal("enhancement must be enabled with an API key")
	}
}

func TestLoadConfigFromEnvRejectsBadValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPAL_RELAY_STORAGE_USE_SSL", "definitely")

	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected an error for an unparsable boolean")
	}
}
