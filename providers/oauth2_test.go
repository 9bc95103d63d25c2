package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

type zeroBackoff struct{}

func (zeroBackoff) NextDelay(int) time.Duration { return 0 }

func testProviderConfig(tokenURL string) config.ProviderConfig {
	return config.ProviderConfig{
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		AuthorizationURL: "https://gitlab.example.com/oauth/authorize",
		TokenURL:         tokenURL,
		RedirectURI:      "http://localhost:3000/callback",
		Scopes:           []string{"read_api", "read_user"},
	}
}

func TestAuthorizeURL(t *testing.T) {
	provider, err := NewOAuth2Provider("gitlab", testProviderConfig("https://gitlab.example.com/oauth/token"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	raw := provider.AuthorizeURL("state-123")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	query := parsed.Query()
	if query.Get("response_type") != "code" {
		t.Fatalf("expected code response type, got %q", query.Get("response_type"))
	}
	if query.Get("client_id") != "client-id" {
		t.Fatalf("expected client id, got %q", query.Get("client_id"))
	}
	if query.Get("state") != "state-123" {
		t.Fatalf("expected state, got %q", query.Get("state"))
	}
	if query.Get("scope") != "read_api read_user" {
		t.Fatalf("expected space-joined scopes, got %q", query.Get("scope"))
	}
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Fatalf("expected authorization_code grant, got %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "the-code" {
			t.Fatalf("expected code, got %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("client_secret") != "client-secret" {
			t.Fatalf("expected client secret in body, got %q", r.PostForm.Get("client_secret"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":7200,"scope":"read_api"}`))
	}))
	defer server.Close()

	provider, err := NewOAuth2Provider("gitlab", testProviderConfig(server.URL))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	grant, err := provider.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if grant.AccessToken != "at" || grant.RefreshToken != "rt" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.TokenType != "bearer" {
		t.Fatalf("expected normalized token type, got %q", grant.TokenType)
	}
	if grant.ExpiresAt == nil {
		t.Fatal("expected expiry computed from expires_in")
	}
}

func TestRefreshGrantRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"server_error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"rotated","expires_in":3600}`))
	}))
	defer server.Close()

	provider, err := NewOAuth2Provider("gitlab", testProviderConfig(server.URL), WithBackoff(zeroBackoff{}))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	grant, err := provider.RefreshGrant(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("refresh grant: %v", err)
	}
	if grant.AccessToken != "fresh" {
		t.Fatalf("expected fresh token, got %q", grant.AccessToken)
	}
	if grant.RefreshToken != "rotated" {
		t.Fatalf("expected rotated refresh token, got %q", grant.RefreshToken)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRefreshGrantInvalidGrantIsFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer server.Close()

	provider, err := NewOAuth2Provider("gitlab", testProviderConfig(server.URL), WithBackoff(zeroBackoff{}))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.RefreshGrant(context.Background(), "revoked-refresh")
	if err == nil {
		t.Fatal("expected refresh failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("invalid_grant must not be retried, got %d attempts", got)
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected categorized error, got %T", err)
	}
	if richErr.TextCode != core.ErrorRefreshFailed {
		t.Fatalf("expected refresh-failed text code, got %s", richErr.TextCode)
	}
	if !strings.Contains(err.Error(), "refresh grant failed") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestRefreshGrantExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	provider, err := NewOAuth2Provider("gitlab", testProviderConfig(server.URL), WithBackoff(zeroBackoff{}))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if _, err := provider.RefreshGrant(context.Background(), "old"); err == nil {
		t.Fatal("expected exhausted refresh to fail")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRefreshGrantRequiresToken(t *testing.T) {
	provider, err := NewOAuth2Provider("gitlab", testProviderConfig("https://gitlab.example.com/oauth/token"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = provider.RefreshGrant(context.Background(), "   ")
	if err == nil {
		t.Fatal("expected missing refresh token error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.ErrorAuthMissing {
		t.Fatalf("expected auth-missing text code, got %v", err)
	}
}

func TestNewOAuth2ProviderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.ProviderConfig)
	}{
		{"missing client id", func(c *config.ProviderConfig) { c.ClientID = "" }},
		{"missing auth url", func(c *config.ProviderConfig) { c.AuthorizationURL = "" }},
		{"missing token url", func(c *config.ProviderConfig) { c.TokenURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testProviderConfig("https://gitlab.example.com/oauth/token")
			tc.mutate(&cfg)
			if _, err := NewOAuth2Provider("gitlab", cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
