// Package transport is the GraphQL client for GitLab-compatible hosts. One
// request per page, bearer auth, and a single transparent refresh-and-retry
// on 401.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/copima/copima/core"
)

const (
	graphqlPath              = "/api/graphql"
	defaultRequestTimeout    = 30 * time.Second
	maxResponseBodyBytes     = 16 << 20 // 16 MiB
	headerRetryAfter         = "Retry-After"
	headerRateLimitRemaining = "RateLimit-Remaining"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client executes GraphQL operations against one host on behalf of one
// account.
type Client struct {
	endpoint   string
	httpClient HTTPDoer
	tokens     core.TokenSource
	gate       core.RequestGate
	logger     core.Logger
	timeout    time.Duration

	// ResponseObserver sees every HTTP response, for adaptive rate limiting.
	ResponseObserver func(status int, header http.Header)
}

type Option func(*Client)

func WithHTTPClient(client HTTPDoer) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRequestGate(gate core.RequestGate) Option {
	return func(c *Client) {
		if gate != nil {
			c.gate = gate
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func NewClient(host string, tokens core.TokenSource, options ...Option) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, transportError("transport: host is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	if tokens == nil {
		return nil, transportError("transport: token source is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}

	client := &Client{
		endpoint: host + graphqlPath,
		tokens:   tokens,
		logger:   glog.Nop(),
		timeout:  defaultRequestTimeout,
	}
	for _, option := range options {
		option(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: client.timeout}
	}
	return client, nil
}

func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

type graphqlError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Execute runs one GraphQL operation and unmarshals the data object into out.
// A 401 triggers one forced token refresh and a single retry; a second 401
// surfaces as an auth error. A 2xx carrying GraphQL errors fails the
// operation with every message aggregated.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, out any) error {
	if c == nil {
		return transportError("transport: client is nil",
			goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return transportError("transport: graphql query is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}

	data, err := c.roundTrip(ctx, query, variables, false)
	if err != nil {
		if core.IsAuthError(err) {
			c.logger.Info("unauthorized response, refreshing token", "endpoint", c.endpoint)
			if _, refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
				return transportWrapError(refreshErr, goerrors.CategoryAuth,
					"transport: token refresh after 401 failed",
					http.StatusUnauthorized, map[string]any{"endpoint": c.endpoint})
			}
			data, err = c.roundTrip(ctx, query, variables, true)
		}
		if err != nil {
			return err
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return transportWrapError(err, goerrors.CategoryExternal,
			"transport: decode graphql data", http.StatusBadGateway,
			map[string]any{"endpoint": c.endpoint})
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, query string, variables map[string]any, retried bool) (json.RawMessage, error) {
	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, core.MapError(err)
		}
	}

	bearer, err := c.tokens.GetBearer(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, transportWrapError(err, goerrors.CategoryBadInput,
			"transport: marshal graphql payload", http.StatusBadRequest, nil)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.MapError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal,
			"transport: graphql request failed", http.StatusBadGateway,
			map[string]any{"endpoint": c.endpoint})
	}
	defer response.Body.Close()

	if c.ResponseObserver != nil {
		c.ResponseObserver(response.StatusCode, response.Header)
	}

	raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		return nil, transportWrapError(readErr, goerrors.CategoryExternal,
			"transport: read graphql response", http.StatusBadGateway,
			map[string]any{"endpoint": c.endpoint})
	}
	if int64(len(raw)) > maxResponseBodyBytes {
		return nil, transportError(
			fmt.Sprintf("transport: graphql response exceeds %d bytes", maxResponseBodyBytes),
			goerrors.CategoryExternal, http.StatusBadGateway,
			map[string]any{"endpoint": c.endpoint})
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, c.statusError(response.StatusCode, response.Header, raw, retried)
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal,
			"transport: decode graphql envelope", http.StatusBadGateway,
			map[string]any{"endpoint": c.endpoint})
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, gqlErr := range envelope.Errors {
			messages = append(messages, gqlErr.Message)
		}
		return nil, goerrors.New(
			fmt.Sprintf("transport: graphql errors: %s", strings.Join(messages, "; ")),
			goerrors.CategoryOperation).
			WithCode(http.StatusUnprocessableEntity).
			WithTextCode(core.ErrorGraphQL).
			WithMetadata(map[string]any{
				"endpoint": c.endpoint,
				"messages": messages,
			})
	}
	return envelope.Data, nil
}

func (c *Client) statusError(status int, header http.Header, body []byte, retried bool) error {
	metadata := map[string]any{
		"endpoint": c.endpoint,
		"status":   status,
	}
	if retryAfter := strings.TrimSpace(header.Get(headerRetryAfter)); retryAfter != "" {
		metadata["retry_after"] = retryAfter
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if snippet != "" {
		metadata["body"] = snippet
	}

	switch {
	case status == http.StatusUnauthorized:
		message := "transport: invalid or expired access token"
		if retried {
			message = "transport: access token rejected after refresh"
		}
		return transportError(message, goerrors.CategoryAuth, status, metadata)
	case status == http.StatusForbidden:
		return transportError("transport: access forbidden", goerrors.CategoryAuthz, status, metadata)
	case status == http.StatusTooManyRequests:
		return transportError("transport: rate limited by host", goerrors.CategoryRateLimit, status, metadata)
	case status >= http.StatusInternalServerError:
		return transportError(
			fmt.Sprintf("transport: host error (%d)", status),
			goerrors.CategoryExternal, status, metadata)
	default:
		return transportError(
			fmt.Sprintf("transport: unexpected status (%d)", status),
			goerrors.CategoryExternal, status, metadata)
	}
}
