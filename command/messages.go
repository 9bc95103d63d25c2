// Package command exposes the crawler's mutating operations as dispatchable
// command messages.
package command

import (
	"fmt"
	"strings"

	"github.com/copima/copima/core"
)

const (
	TypeCrawl        = "copima.command.crawl"
	TypeRefreshToken = "copima.command.token.refresh"
)

// CrawlRequest selects which phases run for one account.
type CrawlRequest struct {
	AccountID string
	Phases    []core.Phase
}

// CrawlReport summarizes a finished crawl.
type CrawlReport struct {
	Phases   []core.Phase
	Failures int
}

type CrawlMessage struct {
	Request CrawlRequest
}

func (CrawlMessage) Type() string { return TypeCrawl }

func (m CrawlMessage) Validate() error {
	if strings.TrimSpace(m.Request.AccountID) == "" {
		return fmt.Errorf("command: account id is required")
	}
	for _, phase := range m.Request.Phases {
		if _, ok := core.ParsePhase(string(phase)); !ok {
			return fmt.Errorf("command: unknown crawl step %q", phase)
		}
	}
	return nil
}

type RefreshTokenMessage struct {
	AccountID string
}

func (RefreshTokenMessage) Type() string { return TypeRefreshToken }

func (m RefreshTokenMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return fmt.Errorf("command: account id is required")
	}
	return nil
}
