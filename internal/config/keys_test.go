package config

import (
	"errors"
	"testing"
)

func TestGetAPIKeyPrecedence(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-config"

	key, err := GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "sk-ant-env" {
		t.Errorf("expected env to win, got %q", key)
	}
}

func TestGetAPIKeyFromConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-config"

	key, err := GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "sk-ant-config" {
		t.Errorf("expected config key, got %q", key)
	}
}

func TestGetAPIKeyMissing(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := GetAPIKey(Default()); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestGetAPIKeyBedrockSkipsKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Anthropic.UseBedrock = true

	key, err := GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("expected no error with bedrock, got %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key with bedrock, got %q", key)
	}
}

func TestValidateAPIKey(t *testing.T) {
	if err := ValidateAPIKey("sk-ant-0123456789abcdef"); err != nil {
		t.Errorf("expected valid key, got %v", err)
	}
	if err := ValidateAPIKey(""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
	if err := ValidateAPIKey("bogus-key-value-here"); err == nil {
		t.Error("expected error for wrong prefix")
	}
	if err := ValidateAPIKey("sk-ant-short"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestMaskAPIKey(t *testing.T) {
	if got := MaskAPIKey(""); got != "(not set)" {
		t.Errorf("expected placeholder, got %q", got)
	}
	if got := MaskAPIKey("sk-ant-0123456789abcdef"); got != "sk-ant-...cdef" {
		t.Errorf("unexpected mask: %q", got)
	}
}
