package query

import (
	"context"
	"strings"

	"github.com/copima/copima/core"
	"github.com/copima/copima/resume"
)

// AccountReader is the slice of the credential store the queries need.
type AccountReader interface {
	FindAccountByAccountID(ctx context.Context, accountID string) (core.Account, error)
	FindUserByID(ctx context.Context, id string) (core.User, error)
	AccountsWithUsers(ctx context.Context) ([]core.AccountWithUser, error)
}

// FailureReader loads recorded crawl failures from the resume state.
type FailureReader interface {
	CrawlFailures(ctx context.Context, phase core.Phase) ([]resume.Failure, error)
}

type GetAccountQuery struct {
	reader AccountReader
}

func NewGetAccountQuery(reader AccountReader) *GetAccountQuery {
	return &GetAccountQuery{reader: reader}
}

func (q *GetAccountQuery) Query(ctx context.Context, msg GetAccountMessage) (core.AccountWithUser, error) {
	if q == nil || q.reader == nil {
		return core.AccountWithUser{}, queryDependencyError("query: account reader is required")
	}
	account, err := q.reader.FindAccountByAccountID(ctx, msg.AccountID)
	if err != nil {
		return core.AccountWithUser{}, err
	}
	result := core.AccountWithUser{Account: account}
	// An orphaned account still resolves; the user half stays zero.
	if user, err := q.reader.FindUserByID(ctx, account.UserID); err == nil {
		result.User = user
	}
	return result, nil
}

type ListAccountsQuery struct {
	reader AccountReader
}

func NewListAccountsQuery(reader AccountReader) *ListAccountsQuery {
	return &ListAccountsQuery{reader: reader}
}

func (q *ListAccountsQuery) Query(ctx context.Context, _ ListAccountsMessage) ([]core.AccountWithUser, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	return q.reader.AccountsWithUsers(ctx)
}

type CrawlFailuresQuery struct {
	reader FailureReader
}

func NewCrawlFailuresQuery(reader FailureReader) *CrawlFailuresQuery {
	return &CrawlFailuresQuery{reader: reader}
}

func (q *CrawlFailuresQuery) Query(ctx context.Context, msg CrawlFailuresMessage) ([]resume.Failure, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: failure reader is required")
	}
	phase, _ := core.ParsePhase(strings.TrimSpace(msg.Phase))
	return q.reader.CrawlFailures(ctx, phase)
}
