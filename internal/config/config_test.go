package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTH_LOOKUP_KEY", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Environment != "development" {
		t.Errorf("environment = %q, want development", cfg.Environment)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Errorf("addr = %q, want 0.0.0.0:3000", cfg.Addr())
	}
}

func TestLoadOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTH_LOOKUP_KEY", "test-secret")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/gw")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("POLICY_ENGINE_TIMEOUT_MS", "1500")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/gw" {
		t.Errorf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.PolicyTimeoutMs != 1500 {
		t.Errorf("policy timeout = %d, want 1500", cfg.PolicyTimeoutMs)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("addr = %q, want 127.0.0.1:9090", cfg.Addr())
	}
}

func TestValidLogLevel(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		cfg.LogLevel = level
		if !cfg.ValidLogLevel() {
			t.Errorf("level %q should be valid", level)
		}
	}
	cfg.LogLevel = "verbose"
	if cfg.ValidLogLevel() {
		t.Error("level \"verbose\" should be invalid")
	}
}

func TestValidEnvironment(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	for _, env := range []string{"development", "staging", "production", "test"} {
		cfg.Environment = env
		if !cfg.ValidEnvironment() {
			t.Errorf("environment %q should be valid", env)
		}
	}
	cfg.Environment = "sandbox"
	if cfg.ValidEnvironment() {
		t.Error("environment \"sandbox\" should be invalid")
	}
}

func TestProduction(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"development": false,
		"test":        false,
		"staging":     true,
		"production":  true,
	}
	for env, want := range cases {
		cfg := &Config{Environment: env}
		if got := cfg.Production(); got != want {
			t.Errorf("Production() for %q = %v, want %v", env, got, want)
		}
	}
}

// clearConfigEnv unsets every variable the Config struct reads, so each test
// starts from a clean slate regardless of the surrounding environment.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"HOST", "PORT", "DATABASE_URL", "REDIS_URL", "AUTH_LOOKUP_KEY",
		"POLICY_ENGINE_URL", "LLM_REGISTRY_URL", "LLM_SHIELD_URL", "ANALYTICS_HUB_URL",
		"POLICY_ENGINE_TIMEOUT_MS", "LLM_REGISTRY_TIMEOUT_MS", "LLM_SHIELD_TIMEOUT_MS", "ANALYTICS_HUB_TIMEOUT_MS",
		"LOG_LEVEL", "ENVIRONMENT", "SERVICES_CONFIG_FILE",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACES_SAMPLE_RATE",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoadMissingAuthLookupKey(t *testing.T) {
	clearConfigEnv(t)

	if _, err := Load(); err == nil {
		t.Error("expected an error when AUTH_LOOKUP_KEY is unset")
	}
}
