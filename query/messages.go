// Package query exposes the crawler's read-side operations as dispatchable
// query messages.
package query

import (
	"fmt"
	"strings"

	"github.com/copima/copima/core"
)

const (
	TypeGetAccount    = "copima.query.account.get"
	TypeListAccounts  = "copima.query.account.list"
	TypeCrawlFailures = "copima.query.crawl.failures"
)

type GetAccountMessage struct {
	AccountID string
}

func (GetAccountMessage) Type() string { return TypeGetAccount }

func (m GetAccountMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return fmt.Errorf("query: account id is required")
	}
	return nil
}

type ListAccountsMessage struct{}

func (ListAccountsMessage) Type() string { return TypeListAccounts }

func (ListAccountsMessage) Validate() error { return nil }

// CrawlFailuresMessage asks for the entities that failed during crawls. An
// empty phase selects every phase.
type CrawlFailuresMessage struct {
	Phase string
}

func (CrawlFailuresMessage) Type() string { return TypeCrawlFailures }

func (m CrawlFailuresMessage) Validate() error {
	if strings.TrimSpace(m.Phase) == "" {
		return nil
	}
	if _, ok := core.ParsePhase(m.Phase); !ok {
		return fmt.Errorf("query: unknown crawl phase %q", m.Phase)
	}
	return nil
}
