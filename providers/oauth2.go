// Package providers implements the OAuth2 authorization-code and refresh
// grants against GitLab-compatible token endpoints.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB
	defaultRefreshAttempts     = 3
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenGrant is the outcome of a token-endpoint exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	ExpiresAt    *time.Time
}

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

// OAuth2Provider speaks the authorization-code flow for one provider config.
type OAuth2Provider struct {
	name               string
	clientID           string
	clientSecret       string
	clientSecretInBody bool
	authorizationURL   string
	tokenURL           string
	redirectURI        string
	scopes             []string
	requestTimeout     time.Duration
	refreshAttempts    int

	httpClient HTTPDoer
	backoff    core.BackoffScheduler
	logger     core.Logger

	Now func() time.Time
}

type Option func(*OAuth2Provider)

func WithHTTPClient(client HTTPDoer) Option {
	return func(p *OAuth2Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

func WithBackoff(backoff core.BackoffScheduler) Option {
	return func(p *OAuth2Provider) {
		if backoff != nil {
			p.backoff = backoff
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(p *OAuth2Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithRefreshAttempts(attempts int) Option {
	return func(p *OAuth2Provider) {
		if attempts > 0 {
			p.refreshAttempts = attempts
		}
	}
}

// WithBasicAuthSecret sends the client secret via HTTP basic auth instead of
// the request body. GitLab accepts either; the body is the default.
func WithBasicAuthSecret() Option {
	return func(p *OAuth2Provider) {
		p.clientSecretInBody = false
	}
}

// NewOAuth2Provider validates and builds a provider from its config block.
func NewOAuth2Provider(name string, cfg config.ProviderConfig, options ...Option) (*OAuth2Provider, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, core.NewError("providers: provider name is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, core.NewError(
			fmt.Sprintf("providers: client id is required for provider %q", name),
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if strings.TrimSpace(cfg.AuthorizationURL) == "" {
		return nil, core.NewError(
			fmt.Sprintf("providers: authorization url is required for provider %q", name),
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, core.NewError(
			fmt.Sprintf("providers: token url is required for provider %q", name),
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}

	provider := &OAuth2Provider{
		name:               name,
		clientID:           strings.TrimSpace(cfg.ClientID),
		clientSecret:       strings.TrimSpace(cfg.ClientSecret),
		clientSecretInBody: true,
		authorizationURL:   strings.TrimSpace(cfg.AuthorizationURL),
		tokenURL:           strings.TrimSpace(cfg.TokenURL),
		redirectURI:        strings.TrimSpace(cfg.RedirectURI),
		scopes:             append([]string(nil), cfg.Scopes...),
		requestTimeout:     defaultTokenRequestTimeout,
		refreshAttempts:    defaultRefreshAttempts,
		backoff:            core.ExponentialBackoffScheduler{Initial: time.Second},
		Now:                func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(provider)
	}
	if provider.httpClient == nil {
		provider.httpClient = &http.Client{Timeout: provider.requestTimeout}
	}
	return provider, nil
}

func (p *OAuth2Provider) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// AuthorizeURL builds the user-facing consent URL carrying state.
func (p *OAuth2Provider) AuthorizeURL(state string) string {
	if p == nil {
		return ""
	}
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", p.clientID)
	if p.redirectURI != "" {
		values.Set("redirect_uri", p.redirectURI)
	}
	if len(p.scopes) > 0 {
		values.Set("scope", strings.Join(p.scopes, " "))
	}
	if strings.TrimSpace(state) != "" {
		values.Set("state", strings.TrimSpace(state))
	}

	authURL := p.authorizationURL
	if strings.Contains(authURL, "?") {
		return authURL + "&" + values.Encode()
	}
	return authURL + "?" + values.Encode()
}

// ExchangeCode swaps an authorization code for a token grant.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (TokenGrant, error) {
	if p == nil {
		return TokenGrant{}, core.NewError("providers: oauth2 provider is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return TokenGrant{}, core.NewError("providers: auth code is required", goerrors.CategoryBadInput, core.ErrorAuthMissing)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if p.redirectURI != "" {
		form.Set("redirect_uri", p.redirectURI)
	}

	payload, err := p.fetchToken(ctx, form)
	if err != nil {
		return TokenGrant{}, err
	}
	return p.grantFromPayload(payload), nil
}

// RefreshGrant exchanges a refresh token for a fresh access token. Transient
// failures are retried with exponential backoff; invalid_grant aborts
// immediately because the refresh token itself is dead.
func (p *OAuth2Provider) RefreshGrant(ctx context.Context, refreshToken string) (TokenGrant, error) {
	if p == nil {
		return TokenGrant{}, core.NewError("providers: oauth2 provider is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenGrant{}, core.NewError("providers: refresh token is required", goerrors.CategoryAuth, core.ErrorAuthMissing)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(p.scopes) > 0 {
		form.Set("scope", strings.Join(p.scopes, " "))
	}

	attempts := p.refreshAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := p.fetchToken(ctx, form)
		if err == nil {
			return p.grantFromPayload(payload), nil
		}
		lastErr = err
		if isUnrecoverableRefreshError(err) {
			break
		}
		if attempt == attempts {
			break
		}
		delay := p.backoff.NextDelay(attempt)
		if p.logger != nil {
			p.logger.Info("token refresh failed, retrying",
				"provider", p.name, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		}
		if waitErr := core.WaitWithContext(ctx, delay); waitErr != nil {
			return TokenGrant{}, core.MapError(waitErr)
		}
	}
	return TokenGrant{}, core.WrapError(lastErr, goerrors.CategoryAuth,
		fmt.Sprintf("providers: refresh grant failed for provider %q", p.name), core.ErrorRefreshFailed)
}

func (p *OAuth2Provider) grantFromPayload(payload tokenEndpointPayload) TokenGrant {
	grant := TokenGrant{
		AccessToken:  strings.TrimSpace(payload.AccessToken),
		RefreshToken: strings.TrimSpace(payload.RefreshToken),
		TokenType:    normalizeTokenType(payload.TokenType),
		Scope:        strings.TrimSpace(payload.Scope),
		ExpiresIn:    payload.ExpiresIn,
	}
	if payload.ExpiresIn > 0 {
		expiresAt := p.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
		grant.ExpiresAt = &expiresAt
	}
	return grant
}

func (p *OAuth2Provider) fetchToken(ctx context.Context, form url.Values) (tokenEndpointPayload, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	values := url.Values{}
	for key, items := range form {
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", p.clientID)
	if p.clientSecretInBody && p.clientSecret != "" {
		values.Set("client_secret", p.clientSecret)
	}

	requestCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(
		requestCtx,
		http.MethodPost,
		p.tokenURL,
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return tokenEndpointPayload{}, core.MapError(err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !p.clientSecretInBody && p.clientSecret != "" {
		httpReq.SetBasicAuth(p.clientID, p.clientSecret)
	}

	response, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tokenEndpointPayload{}, core.WrapError(err, goerrors.CategoryExternal,
			"providers: token request failed", core.ErrorConnectivity)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return tokenEndpointPayload{}, core.WrapError(readErr, goerrors.CategoryExternal,
			"providers: read token response", core.ErrorConnectivity)
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return tokenEndpointPayload{}, core.NewError(
			fmt.Sprintf("providers: token response exceeds %d bytes", maxTokenResponseBodyBytes),
			goerrors.CategoryExternal, core.ErrorConnectivity)
	}

	payload, parseErr := parseTokenPayload(body, response.Header.Get("Content-Type"))
	if parseErr != nil && response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return tokenEndpointPayload{}, core.WrapError(parseErr, goerrors.CategoryExternal,
			"providers: decode token response", core.ErrorRefreshFailed)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return tokenEndpointPayload{}, tokenEndpointError(response.StatusCode, payload)
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, tokenEndpointError(response.StatusCode, payload)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, core.NewError(
			"providers: token endpoint response missing access token",
			goerrors.CategoryExternal, core.ErrorRefreshFailed)
	}
	return payload, nil
}

func tokenEndpointError(status int, payload tokenEndpointPayload) *goerrors.Error {
	message := fmt.Sprintf("providers: token endpoint error (%d): %s", status, describeTokenError(payload))
	category := goerrors.CategoryExternal
	textCode := core.ErrorRefreshFailed
	if payload.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized {
		category = goerrors.CategoryAuth
		textCode = core.ErrorAuthInvalid
	}
	return core.NewError(message, category, textCode).
		WithCode(status).
		WithMetadata(map[string]any{
			"status":      status,
			"error":       payload.ErrorCode,
			"description": payload.ErrorDescription,
		})
}

// isUnrecoverableRefreshError reports whether retrying the refresh grant can
// ever succeed. A dead refresh token (invalid_grant) or a client error other
// than 429 cannot.
func isUnrecoverableRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Category == goerrors.CategoryAuth {
			return true
		}
		if status, ok := richErr.Metadata["status"].(int); ok {
			if status == http.StatusTooManyRequests {
				return false
			}
			if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant")
}

func describeTokenError(payload tokenEndpointPayload) string {
	if strings.TrimSpace(payload.ErrorDescription) != "" {
		return strings.TrimSpace(payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.ErrorCode) != "" {
		return strings.TrimSpace(payload.ErrorCode)
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	return tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	default:
		if value == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
