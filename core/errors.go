package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Stable text codes surfaced in logs and propagated to the CLI.
const (
	ErrorConfigInvalid = "CRAWLER_CONFIG_INVALID"
	ErrorAuthMissing   = "CRAWLER_AUTH_MISSING"
	ErrorAuthInvalid   = "CRAWLER_AUTH_INVALID"
	ErrorRefreshFailed = "CRAWLER_REFRESH_FAILED"
	ErrorConnectivity  = "CRAWLER_CONNECTIVITY"
	ErrorGraphQL       = "CRAWLER_GRAPHQL_ERRORS"
	ErrorSinkWrite     = "CRAWLER_SINK_WRITE"
	ErrorStateCorrupt  = "CRAWLER_STATE_CORRUPT"
	ErrorCancelled     = "CRAWLER_CANCELLED"
	ErrorInternal      = "CRAWLER_INTERNAL_ERROR"
)

// NewError builds a categorized error with a stable text code.
func NewError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

// WrapError wraps a cause with a categorized envelope.
func WrapError(err error, category goerrors.Category, message string, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.Wrap(err, category, message).
			WithTextCode(textCode),
	)
}

// MapError normalizes any error into the crawler taxonomy.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(err.Error(), goerrors.CategoryOperation, ErrorCancelled)
	}
	if isConnectivityError(err) {
		return NewError(err.Error(), goerrors.CategoryExternal, ErrorConnectivity)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "invalid or expired access token"), strings.Contains(msg, "unauthorized"):
		return NewError(err.Error(), goerrors.CategoryAuth, ErrorAuthInvalid)
	case strings.Contains(msg, "refresh"):
		return NewError(err.Error(), goerrors.CategoryAuth, ErrorRefreshFailed)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorConfigInvalid)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

// IsRetryable reports whether the error suggests retrying the request.
// Only connectivity and upstream server failures qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.TextCode == ErrorConnectivity {
			return true
		}
		if richErr.Category == goerrors.CategoryExternal && richErr.Code >= http.StatusInternalServerError {
			return true
		}
		return false
	}
	return isConnectivityError(err)
}

// IsAuthError reports whether the error is an upstream 401.
func IsAuthError(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == ErrorAuthInvalid || richErr.Category == goerrors.CategoryAuth
	}
	return false
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "timeout")
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorConfigInvalid
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorAuthInvalid
	case goerrors.CategoryExternal:
		return ErrorConnectivity
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
