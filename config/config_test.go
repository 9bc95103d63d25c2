package config

import (
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/core"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestIssuesCollectsEveryFinding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GitLab.Host = "gitlab.example.com"
	cfg.GitLab.MaxConcurrency = 0
	cfg.Output.FileNaming = "SHOUTING"
	cfg.Logging.Level = "verbose"

	issues := cfg.Issues()
	fields := map[string]bool{}
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			fields[issue.Field] = true
		}
	}
	for _, want := range []string{"gitlab.host", "gitlab.max_concurrency", "output.file_naming", "logging.level"} {
		if !fields[want] {
			t.Fatalf("expected error issue for %s, got %v", want, issues)
		}
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GitLab.Host = ""
	cfg.Output.Compression = "zip"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected categorized error, got %T", err)
	}
	if richErr.TextCode != core.ErrorConfigInvalid {
		t.Fatalf("expected text code %s, got %s", core.ErrorConfigInvalid, richErr.TextCode)
	}
	if richErr.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %v", richErr.Category)
	}
	issues, ok := richErr.Metadata["issues"].([]map[string]any)
	if !ok || len(issues) < 2 {
		t.Fatalf("expected issue metadata, got %v", richErr.Metadata)
	}
}

func TestValidateMissingTokenIsWarningOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GitLab.AccessToken = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("missing access token should not fail validation, got %v", err)
	}

	found := false
	for _, issue := range cfg.Issues() {
		if issue.Field == "gitlab.access_token" && issue.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning issue for missing access token")
	}
}

func TestProviderIssues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OAuth2.Providers = map[string]ProviderConfig{
		"gitlab": {ClientID: "", TokenURL: "https://gitlab.com/oauth/token"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected provider validation error")
	}
	if !strings.Contains(err.Error(), "oauth2.providers.gitlab.client_id") {
		t.Fatalf("expected client_id field in error, got %v", err)
	}
}

func TestRequestTimeoutFallback(t *testing.T) {
	cfg := GitLabConfig{Timeout: 0}
	if got := cfg.RequestTimeout().Seconds(); got != 30 {
		t.Fatalf("expected 30s fallback, got %vs", got)
	}
	cfg.Timeout = 5
	if got := cfg.RequestTimeout().Seconds(); got != 5 {
		t.Fatalf("expected 5s, got %vs", got)
	}
}
