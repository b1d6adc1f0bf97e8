package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")
	os.Unsetenv("AUTH_ENABLED")
	os.Unsetenv("AUTH_TOKEN")

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env", HTTPAddr: ":9090"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("expected override HTTPAddr :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.MaxAIRetries != 5 {
		t.Errorf("expected default MaxAIRetries 5, got %d", cfg.MaxAIRetries)
	}
	if cfg.AIFailureRate != 0.25 {
		t.Errorf("expected default AIFailureRate 0.25, got %v", cfg.AIFailureRate)
	}
	if cfg.AuthToken == "" {
		t.Error("expected an auto-generated auth token")
	}
	if !cfg.AuthTokenGenerated {
		t.Error("expected AuthTokenGenerated to be true")
	}
}

func TestLoadAuthDisabledClearsTokens(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("AUTH_ENABLED", "false")
	os.Setenv("AUTH_TOKEN", "should-be-cleared")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("AUTH_ENABLED")
		os.Unsetenv("AUTH_TOKEN")
	}()

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "" {
		t.Errorf("expected empty AuthToken when auth disabled, got %q", cfg.AuthToken)
	}
}
