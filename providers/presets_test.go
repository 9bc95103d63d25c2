package providers

import (
	"testing"

	"github.com/copima/copima/config"
)

func TestApplyPresetGitLabDerivesFromHost(t *testing.T) {
	cfg := ApplyPreset("gitlab", "https://git.example.com/", config.ProviderConfig{
		ClientID: "client-1",
	})
	if cfg.AuthorizationURL != "https://git.example.com/oauth/authorize" {
		t.Fatalf("unexpected authorization url %q", cfg.AuthorizationURL)
	}
	if cfg.TokenURL != "https://git.example.com/oauth/token" {
		t.Fatalf("unexpected token url %q", cfg.TokenURL)
	}
	if len(cfg.Scopes) == 0 {
		t.Fatal("expected default scopes")
	}
}

func TestApplyPresetKeepsExplicitConfig(t *testing.T) {
	cfg := ApplyPreset("gitlab", "https://git.example.com", config.ProviderConfig{
		ClientID:         "client-1",
		AuthorizationURL: "https://sso.example.com/authorize",
		TokenURL:         "https://sso.example.com/token",
		Scopes:           []string{"custom"},
	})
	if cfg.AuthorizationURL != "https://sso.example.com/authorize" {
		t.Fatalf("explicit authorization url overwritten: %q", cfg.AuthorizationURL)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "custom" {
		t.Fatalf("explicit scopes overwritten: %v", cfg.Scopes)
	}
}

func TestApplyPresetGitHubUsesFixedEndpoints(t *testing.T) {
	cfg := ApplyPreset("github", "https://git.example.com", config.ProviderConfig{ClientID: "c"})
	if cfg.AuthorizationURL != "https://github.com/login/oauth/authorize" {
		t.Fatalf("unexpected authorization url %q", cfg.AuthorizationURL)
	}
}

func TestApplyPresetLeavesCustomAlone(t *testing.T) {
	cfg := ApplyPreset("custom", "https://git.example.com", config.ProviderConfig{ClientID: "c"})
	if cfg.AuthorizationURL != "" || cfg.TokenURL != "" {
		t.Fatalf("custom provider must not be filled: %+v", cfg)
	}
}
