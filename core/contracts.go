package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// CredentialStore persists users and OAuth2 accounts. Implementations are
// single-writer; readers see the last committed snapshot.
type CredentialStore interface {
	InsertUser(ctx context.Context, user User) (User, error)
	UpsertUser(ctx context.Context, user User) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	DeleteUser(ctx context.Context, id string) error

	InsertAccount(ctx context.Context, account Account) (Account, error)
	FindAccountByAccountID(ctx context.Context, accountID string) (Account, error)
	FindAccountsByUserID(ctx context.Context, userID string) ([]Account, error)
	UpdateAccount(ctx context.Context, accountID string, patch AccountPatch) (Account, error)
	DeleteAccount(ctx context.Context, accountID string) error

	AccountsWithUsers(ctx context.Context) ([]AccountWithUser, error)
}

// AccountPatch applies partial updates to an account. Nil fields are left
// untouched.
type AccountPatch struct {
	AccessToken           *string
	RefreshToken          *string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 *string
}

type AccountWithUser struct {
	Account Account
	User    User
}

// TokenSource yields a valid bearer token for outbound requests. The GraphQL
// client never mutates credential state; refresh happens behind this seam.
type TokenSource interface {
	GetBearer(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// RecordSink receives crawled records routed by resource type and hierarchy.
type RecordSink interface {
	Write(ctx context.Context, resourceType ResourceType, hierarchy []string, records []Record) (int, error)
}

// RequestGate is acquired before every outbound HTTP request.
type RequestGate interface {
	Acquire(ctx context.Context) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string)        {}
func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

var _ MetricsRecorder = NopMetricsRecorder{}
