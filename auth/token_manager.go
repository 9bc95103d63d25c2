// Package auth keeps OAuth2 access tokens fresh. The token manager hands out
// bearer tokens, refreshes them ahead of expiry, and deduplicates concurrent
// refreshes per account so the provider sees a single grant exchange.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/copima/copima/core"
	"github.com/copima/copima/providers"
)

// RefreshThreshold is how long before expiry a token counts as stale.
const RefreshThreshold = 300 * time.Second

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	RefreshGrant(ctx context.Context, refreshToken string) (providers.TokenGrant, error)
}

type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// TokenManager serves valid access tokens for stored accounts.
type TokenManager struct {
	store     core.CredentialStore
	refresher Refresher
	logger    core.Logger

	mu        sync.Mutex
	inflight  map[string]*refreshFlight
	timers    map[string]*time.Timer
	destroyed bool

	// Now is swappable in tests.
	Now func() time.Time
}

type Option func(*TokenManager)

func WithLogger(logger core.Logger) Option {
	return func(m *TokenManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) {
		if now != nil {
			m.Now = now
		}
	}
}

func NewTokenManager(store core.CredentialStore, refresher Refresher, options ...Option) (*TokenManager, error) {
	if store == nil {
		return nil, core.NewError("auth: credential store is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	manager := &TokenManager{
		store:     store,
		refresher: refresher,
		logger:    glog.Nop(),
		inflight:  map[string]*refreshFlight{},
		timers:    map[string]*time.Timer{},
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(manager)
	}
	return manager, nil
}

// GetAccessToken returns a bearer token for the account, refreshing first when
// the stored token expires within RefreshThreshold. Concurrent callers for
// the same account join one refresh.
func (m *TokenManager) GetAccessToken(ctx context.Context, accountID string) (string, error) {
	if m == nil {
		return "", core.NewError("auth: token manager is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", core.NewError("auth: account id is required", goerrors.CategoryBadInput, core.ErrorAuthMissing)
	}

	account, err := m.store.FindAccountByAccountID(ctx, accountID)
	if err != nil {
		return "", core.WrapError(err, goerrors.CategoryAuth,
			fmt.Sprintf("auth: no stored credentials for account %q", accountID), core.ErrorAuthMissing)
	}
	if strings.TrimSpace(account.AccessToken) == "" {
		return "", core.NewError(
			fmt.Sprintf("auth: account %q has no access token", accountID),
			goerrors.CategoryAuth, core.ErrorAuthMissing)
	}

	if !account.Expiring(m.Now(), RefreshThreshold) {
		return account.AccessToken, nil
	}
	if !account.CanAutoRefresh() {
		// Expired with no refresh token. Hand out what we have; the caller
		// surfaces the upstream 401.
		return account.AccessToken, nil
	}
	return m.refreshAccount(ctx, account)
}

// ForceRefresh refreshes the account's token regardless of freshness.
func (m *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	if m == nil {
		return "", core.NewError("auth: token manager is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	account, err := m.store.FindAccountByAccountID(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return "", core.WrapError(err, goerrors.CategoryAuth,
			fmt.Sprintf("auth: no stored credentials for account %q", accountID), core.ErrorAuthMissing)
	}
	if !account.CanAutoRefresh() {
		return "", core.NewError(
			fmt.Sprintf("auth: account %q has no refresh token", account.AccountID),
			goerrors.CategoryAuth, core.ErrorRefreshFailed)
	}
	return m.refreshAccount(ctx, account)
}

func (m *TokenManager) refreshAccount(ctx context.Context, account core.Account) (string, error) {
	if m.refresher == nil {
		return "", core.NewError("auth: no refresher configured", goerrors.CategoryInternal, core.ErrorRefreshFailed)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return "", core.NewError("auth: token manager is destroyed", goerrors.CategoryOperation, core.ErrorCancelled)
	}
	if flight, ok := m.inflight[account.AccountID]; ok {
		m.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", core.MapError(ctx.Err())
		}
	}
	flight := &refreshFlight{done: make(chan struct{})}
	m.inflight[account.AccountID] = flight
	m.mu.Unlock()

	token, err := m.doRefresh(ctx, account)
	flight.token = token
	flight.err = err
	close(flight.done)

	m.mu.Lock()
	delete(m.inflight, account.AccountID)
	m.mu.Unlock()

	return token, err
}

func (m *TokenManager) doRefresh(ctx context.Context, account core.Account) (string, error) {
	grant, err := m.refresher.RefreshGrant(ctx, account.RefreshToken)
	if err != nil {
		m.logger.Error("token refresh failed",
			"account_id", account.AccountID, "error", err.Error())
		return "", err
	}

	patch := core.AccountPatch{AccessToken: &grant.AccessToken}
	if grant.RefreshToken != "" {
		patch.RefreshToken = &grant.RefreshToken
	}
	if grant.ExpiresAt != nil {
		patch.AccessTokenExpiresAt = grant.ExpiresAt
	}
	if grant.Scope != "" {
		patch.Scope = &grant.Scope
	}
	if _, err := m.store.UpdateAccount(ctx, account.AccountID, patch); err != nil {
		return "", core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("auth: persist refreshed token for account %q", account.AccountID), core.ErrorRefreshFailed)
	}

	m.logger.Info("access token refreshed", "account_id", account.AccountID)
	m.scheduleFromGrant(ctx, account.AccountID, grant)
	return grant.AccessToken, nil
}

// ScheduleTokenRefresh arms a one-shot refresh shortly before the token
// expires. A non-positive lead collapses to stale-on-next-use, no timer.
func (m *TokenManager) ScheduleTokenRefresh(ctx context.Context, accountID string, expiresIn time.Duration) {
	if m == nil {
		return
	}
	delay := expiresIn - RefreshThreshold
	if delay <= 0 {
		return
	}
	accountID = strings.TrimSpace(accountID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if existing, ok := m.timers[accountID]; ok {
		existing.Stop()
	}
	m.timers[accountID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, accountID)
		destroyed := m.destroyed
		m.mu.Unlock()
		if destroyed || ctx.Err() != nil {
			return
		}
		if _, err := m.ForceRefresh(ctx, accountID); err != nil {
			m.logger.Error("scheduled token refresh failed",
				"account_id", accountID, "error", err.Error())
		}
	})
	m.logger.Info("token refresh scheduled",
		"account_id", accountID, "in", delay.String())
}

func (m *TokenManager) scheduleFromGrant(ctx context.Context, accountID string, grant providers.TokenGrant) {
	if grant.ExpiresIn <= 0 {
		return
	}
	m.ScheduleTokenRefresh(ctx, accountID, time.Duration(grant.ExpiresIn)*time.Second)
}

// ClearTokenRefreshTimer cancels a pending scheduled refresh for the account.
func (m *TokenManager) ClearTokenRefreshTimer(accountID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[strings.TrimSpace(accountID)]; ok {
		timer.Stop()
		delete(m.timers, strings.TrimSpace(accountID))
	}
}

// Destroy stops all timers and rejects further refreshes. Idempotent.
func (m *TokenManager) Destroy() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	for accountID, timer := range m.timers {
		timer.Stop()
		delete(m.timers, accountID)
	}
}

// Source binds the manager to one account behind the TokenSource seam.
func (m *TokenManager) Source(accountID string) core.TokenSource {
	return &accountTokenSource{manager: m, accountID: strings.TrimSpace(accountID)}
}

type accountTokenSource struct {
	manager   *TokenManager
	accountID string
}

func (s *accountTokenSource) GetBearer(ctx context.Context) (string, error) {
	return s.manager.GetAccessToken(ctx, s.accountID)
}

func (s *accountTokenSource) ForceRefresh(ctx context.Context) (string, error) {
	return s.manager.ForceRefresh(ctx, s.accountID)
}

var _ core.TokenSource = (*accountTokenSource)(nil)
