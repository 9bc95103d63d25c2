package copima

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "credentials.json")
	cfg.Output.RootDir = filepath.Join(dir, "output")
	cfg.Resume.StateFile = filepath.Join(dir, "resume.json")
	cfg.Progress.File = filepath.Join(dir, "progress.yaml")
	cfg.Logging.Console = false
	return cfg
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.GitLab.Host = "not-a-url"

	if _, err := Setup(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunCrawlWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	app, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	_, err = app.RunCrawl(context.Background(), CrawlRequest{AccountID: "nobody"})
	if err == nil {
		t.Fatal("expected missing-credentials error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorAuthMissing {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunCrawlWithConfiguredToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer static-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"users":{"nodes":[{"id":"u1"}],"pageInfo":{"hasNextPage":false,"endCursor":""}}}}`))
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.GitLab.Host = server.URL
	cfg.GitLab.AccessToken = "static-token"

	app, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	report, err := app.RunCrawl(context.Background(), CrawlRequest{
		AccountID: "token-only",
		Phases:    []core.Phase{core.PhaseUsers},
	})
	if err != nil {
		t.Fatalf("run crawl: %v", err)
	}
	if report.Failures != 0 {
		t.Fatalf("unexpected failures: %d", report.Failures)
	}
	if len(report.Phases) != 1 || report.Phases[0] != core.PhaseUsers {
		t.Fatalf("unexpected phases: %v", report.Phases)
	}
}

func TestCompleteAuthorizationPersistsAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Fatalf("unexpected grant type %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "granted-token",
			"refresh_token": "granted-refresh",
			"token_type":    "Bearer",
			"expires_in":    7200,
		})
	})
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer granted-token" {
			t.Fatalf("identity lookup must use the fresh token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"currentUser":{"id":"gid://user/7","username":"ada","name":"Ada L","publicEmail":"ada@example.com"}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(t)
	cfg.GitLab.Host = server.URL
	cfg.OAuth2.Providers = map[string]config.ProviderConfig{
		"gitlab": {
			ClientID:         "client-1",
			ClientSecret:     "secret-1",
			AuthorizationURL: server.URL + "/oauth/authorize",
			TokenURL:         server.URL + "/oauth/token",
			RedirectURI:      "http://localhost:3000/callback",
			Scopes:           []string{"read_api"},
		},
	}

	app, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	authorizeURL, err := app.AuthorizeURL("state-123")
	if err != nil {
		t.Fatalf("authorize url: %v", err)
	}
	if !strings.Contains(authorizeURL, "state=state-123") {
		t.Fatalf("state missing from consent URL: %s", authorizeURL)
	}

	account, err := app.CompleteAuthorization(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	if account.AccountID != "ada" {
		t.Fatalf("unexpected account id %q", account.AccountID)
	}
	if account.AccessToken != "granted-token" || account.RefreshToken != "granted-refresh" {
		t.Fatalf("tokens not persisted: %+v", account)
	}
	if account.AccessTokenExpiresAt == nil {
		t.Fatal("expected an expiry from expires_in")
	}

	stored, err := app.Store().FindAccountByAccountID(context.Background(), "ada")
	if err != nil {
		t.Fatalf("stored account lookup: %v", err)
	}
	if stored.AccessToken != "granted-token" {
		t.Fatalf("store out of sync: %+v", stored)
	}

	user, err := app.Store().FindUserByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("stored user lookup: %v", err)
	}
	if user.Name != "Ada L" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestCompleteAuthorizationRotatesExistingAccount(t *testing.T) {
	token := "first-token"
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"currentUser":{"id":"gid://user/7","username":"ada","publicEmail":"ada@example.com"}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(t)
	cfg.GitLab.Host = server.URL
	cfg.OAuth2.Providers = map[string]config.ProviderConfig{
		"gitlab": {
			ClientID:         "client-1",
			AuthorizationURL: server.URL + "/oauth/authorize",
			TokenURL:         server.URL + "/oauth/token",
			RedirectURI:      "http://localhost:3000/callback",
		},
	}

	app, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	if _, err := app.CompleteAuthorization(context.Background(), "code-1"); err != nil {
		t.Fatalf("first authorization: %v", err)
	}
	token = "second-token"
	account, err := app.CompleteAuthorization(context.Background(), "code-2")
	if err != nil {
		t.Fatalf("second authorization: %v", err)
	}
	if account.AccessToken != "second-token" {
		t.Fatalf("expected rotated token, got %q", account.AccessToken)
	}

	accounts, err := app.Store().FindAccountsByUserID(context.Background(), account.UserID)
	if err != nil {
		t.Fatalf("accounts lookup: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("re-auth must not duplicate the account, got %d", len(accounts))
	}
}
