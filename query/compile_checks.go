package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/copima/copima/core"
	"github.com/copima/copima/resume"
)

var (
	_ gocmd.Querier[GetAccountMessage, core.AccountWithUser]     = (*GetAccountQuery)(nil)
	_ gocmd.Querier[ListAccountsMessage, []core.AccountWithUser] = (*ListAccountsQuery)(nil)
	_ gocmd.Querier[CrawlFailuresMessage, []resume.Failure]      = (*CrawlFailuresQuery)(nil)
)
