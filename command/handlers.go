package command

import (
	"context"
	"net/http"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/core"
)

// CrawlService runs crawls. Implemented by the facade.
type CrawlService interface {
	RunCrawl(ctx context.Context, req CrawlRequest) (CrawlReport, error)
}

// TokenService refreshes stored credentials. Implemented by the facade.
type TokenService interface {
	RefreshAccount(ctx context.Context, accountID string) (core.Account, error)
}

type CrawlCommand struct {
	service CrawlService
}

func NewCrawlCommand(service CrawlService) *CrawlCommand {
	return &CrawlCommand{service: service}
}

func (c *CrawlCommand) Execute(ctx context.Context, msg CrawlMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: crawl service is required")
	}
	out, err := c.service.RunCrawl(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshTokenCommand struct {
	service TokenService
}

func NewRefreshTokenCommand(service TokenService) *RefreshTokenCommand {
	return &RefreshTokenCommand{service: service}
}

func (c *RefreshTokenCommand) Execute(ctx context.Context, msg RefreshTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: token service is required")
	}
	account, err := c.service.RefreshAccount(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	storeResult(ctx, account)
	return nil
}

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[CrawlMessage]        = (*CrawlCommand)(nil)
	_ gocmd.Commander[RefreshTokenMessage] = (*RefreshTokenCommand)(nil)
)
