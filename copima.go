// Package copima wires the crawler packages into one runnable application:
// credential storage, OAuth2 token lifecycle, the GraphQL transport, the
// phase engine, and the command surface the CLI dispatches against.
package copima

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/auth"
	"github.com/copima/copima/command"
	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
	"github.com/copima/copima/crawl"
	"github.com/copima/copima/logging"
	"github.com/copima/copima/providers"
	"github.com/copima/copima/query"
	"github.com/copima/copima/ratelimit"
	"github.com/copima/copima/resume"
	"github.com/copima/copima/sink"
	filestore "github.com/copima/copima/store/file"
	"github.com/copima/copima/transport"
)

// Aliases so embedders only need the root import.
type (
	Config       = config.Config
	Account      = core.Account
	User         = core.User
	Phase        = core.Phase
	CrawlRequest = command.CrawlRequest
	CrawlReport  = command.CrawlReport
)

// Commands groups the dispatchable command handlers.
type Commands struct {
	Crawl        *command.CrawlCommand
	RefreshToken *command.RefreshTokenCommand
}

// Queries groups the read-side handlers.
type Queries struct {
	GetAccount    *query.GetAccountQuery
	ListAccounts  *query.ListAccountsQuery
	CrawlFailures *query.CrawlFailuresQuery
}

// App owns every long-lived component of the crawler.
type App struct {
	cfg          config.Config
	logger       core.Logger
	closeLog     func() error
	store        core.CredentialStore
	provider     *providers.OAuth2Provider
	providerName string
	tokens       *auth.TokenManager
	callback     crawl.Callback
	commands     Commands
	queries      Queries
}

type Option func(*App)

func WithLogger(logger core.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCallback installs a record transform applied to every crawled record
// before it reaches the output sink.
func WithCallback(callback crawl.Callback) Option {
	return func(a *App) {
		a.callback = callback
	}
}

// WithProvider selects which configured OAuth2 provider backs token refresh.
func WithProvider(name string) Option {
	return func(a *App) {
		a.providerName = strings.TrimSpace(name)
	}
}

// Setup validates the configuration and wires the application.
func Setup(cfg config.Config, options ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		cfg:          cfg,
		closeLog:     func() error { return nil },
		providerName: string(core.ProviderGitLab),
	}
	for _, option := range options {
		option(app)
	}

	if app.logger == nil {
		logger, closeFn, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, core.WrapError(err, goerrors.CategoryOperation,
				"copima: open log output", core.ErrorConfigInvalid)
		}
		app.logger = logger
		app.closeLog = closeFn
	}

	store, err := filestore.New(cfg.Database.Path, filestore.WithLogger(app.logger))
	if err != nil {
		return nil, err
	}
	app.store = store

	provider, err := resolveProvider(cfg.OAuth2.Providers, app.providerName, cfg.GitLab.Host, app.logger)
	if err != nil {
		return nil, err
	}
	app.provider = provider

	var refresher auth.Refresher
	if provider != nil {
		refresher = provider
	}
	tokens, err := auth.NewTokenManager(store, refresher, auth.WithLogger(app.logger))
	if err != nil {
		return nil, err
	}
	app.tokens = tokens

	app.commands = Commands{
		Crawl:        command.NewCrawlCommand(app),
		RefreshToken: command.NewRefreshTokenCommand(app),
	}
	app.queries = Queries{
		GetAccount:    query.NewGetAccountQuery(store),
		ListAccounts:  query.NewListAccountsQuery(store),
		CrawlFailures: query.NewCrawlFailuresQuery(app),
	}
	return app, nil
}

// resolveProvider picks the named provider, falling back to the single
// configured one. No providers configured means refresh stays unavailable.
func resolveProvider(configured map[string]config.ProviderConfig, name, host string, logger core.Logger) (*providers.OAuth2Provider, error) {
	if len(configured) == 0 {
		return nil, nil
	}
	if cfg, ok := configured[name]; ok {
		return providers.NewOAuth2Provider(name, providers.ApplyPreset(name, host, cfg), providers.WithLogger(logger))
	}
	if len(configured) == 1 {
		for single, cfg := range configured {
			return providers.NewOAuth2Provider(single, providers.ApplyPreset(single, host, cfg), providers.WithLogger(logger))
		}
	}
	names := make([]string, 0, len(configured))
	for candidate := range configured {
		names = append(names, candidate)
	}
	return nil, core.NewError(
		fmt.Sprintf("copima: provider %q is not configured (have %s)", name, strings.Join(names, ", ")),
		goerrors.CategoryBadInput, core.ErrorConfigInvalid)
}

func (a *App) Config() config.Config { return a.cfg }

func (a *App) Logger() core.Logger { return a.logger }

func (a *App) Store() core.CredentialStore { return a.store }

func (a *App) Commands() Commands { return a.commands }

func (a *App) Queries() Queries { return a.queries }

func (a *App) TokenManager() *auth.TokenManager { return a.tokens }

// Close releases the token manager timers and the log output.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.tokens != nil {
		a.tokens.Destroy()
	}
	return a.closeLog()
}

// RunCrawl executes the requested phases for one account and reports what
// happened. Implements command.CrawlService.
func (a *App) RunCrawl(ctx context.Context, req CrawlRequest) (CrawlReport, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return CrawlReport{}, core.NewError("copima: account id is required",
			goerrors.CategoryBadInput, core.ErrorAuthMissing)
	}

	tokens, err := a.tokenSource(ctx, accountID)
	if err != nil {
		return CrawlReport{}, err
	}

	gate := ratelimit.NewGate(a.cfg.GitLab.RateLimit)
	client, err := transport.NewClient(a.cfg.GitLab.Host, tokens,
		transport.WithRequestGate(gate),
		transport.WithTimeout(a.cfg.GitLab.RequestTimeout()),
		transport.WithLogger(a.logger),
	)
	if err != nil {
		return CrawlReport{}, err
	}
	client.ResponseObserver = gate.Observe

	recordSink, err := sink.New(a.cfg.Output, sink.WithLogger(a.logger))
	if err != nil {
		return CrawlReport{}, err
	}

	checkpoints, err := resume.NewManager(a.cfg.Resume.StateFile, resume.WithLogger(a.logger))
	if err != nil {
		return CrawlReport{}, err
	}
	if a.cfg.Resume.Enabled {
		if err := checkpoints.Load(); err != nil {
			return CrawlReport{}, err
		}
		stop := checkpoints.StartAutoSave(ctx, a.cfg.Resume.SaveInterval())
		defer stop()
	} else {
		checkpoints.Reset()
	}

	engineOptions := []crawl.Option{
		crawl.WithLogger(a.logger),
		crawl.WithMaxConcurrency(a.cfg.GitLab.MaxConcurrency),
		crawl.WithCallback(a.callback),
	}
	if a.cfg.Progress.Enabled {
		progress := crawl.NewProgress(a.logger, a.cfg.Progress.File)
		stop := progress.Start(ctx, a.cfg.Progress.ReportInterval())
		defer stop()
		engineOptions = append(engineOptions, crawl.WithMetrics(progress))
	}

	engine, err := crawl.NewEngine(client, recordSink, checkpoints, a.cfg.GitLab.Host, accountID, engineOptions...)
	if err != nil {
		return CrawlReport{}, err
	}

	runErr := engine.Run(ctx, req.Phases)
	if saveErr := checkpoints.ForceSave(); saveErr != nil && runErr == nil {
		runErr = saveErr
	}

	report := CrawlReport{
		Phases:   requestedPhases(req.Phases),
		Failures: len(checkpoints.AllFailures()),
	}
	return report, runErr
}

// RefreshAccount forces a token refresh and returns the updated account.
// Implements command.TokenService.
func (a *App) RefreshAccount(ctx context.Context, accountID string) (core.Account, error) {
	if _, err := a.tokens.ForceRefresh(ctx, accountID); err != nil {
		return core.Account{}, err
	}
	return a.store.FindAccountByAccountID(ctx, strings.TrimSpace(accountID))
}

// AuthorizeURL builds the provider consent URL for the given state.
func (a *App) AuthorizeURL(state string) (string, error) {
	if a.provider == nil {
		return "", core.NewError("copima: no oauth2 provider configured",
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	return a.provider.AuthorizeURL(state), nil
}

// CompleteAuthorization exchanges the callback code, resolves the token's
// user, and persists both. Re-authorizing an existing account rotates its
// tokens in place.
func (a *App) CompleteAuthorization(ctx context.Context, code string) (core.Account, error) {
	if a.provider == nil {
		return core.Account{}, core.NewError("copima: no oauth2 provider configured",
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}

	grant, err := a.provider.ExchangeCode(ctx, code)
	if err != nil {
		return core.Account{}, err
	}

	identity, err := a.fetchIdentity(ctx, grant.AccessToken)
	if err != nil {
		return core.Account{}, err
	}

	user, err := a.store.UpsertUser(ctx, core.User{
		Name:          stringField(identity, "name"),
		Email:         identityEmail(identity),
		EmailVerified: true,
	})
	if err != nil {
		return core.Account{}, err
	}

	accountID := accountIDFromIdentity(identity)
	account, err := a.store.FindAccountByAccountID(ctx, accountID)
	switch {
	case err == nil:
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
		account, err = a.store.UpdateAccount(ctx, accountID, patch)
	default:
		account, err = a.store.InsertAccount(ctx, core.Account{
			AccountID:            accountID,
			ProviderID:           core.ProviderID(a.provider.Name()),
			UserID:               user.ID,
			AccessToken:          grant.AccessToken,
			RefreshToken:         grant.RefreshToken,
			AccessTokenExpiresAt: grant.ExpiresAt,
			Scope:                grant.Scope,
		})
	}
	if err != nil {
		return core.Account{}, err
	}

	if grant.ExpiresIn > 0 {
		a.tokens.ScheduleTokenRefresh(ctx, account.AccountID, time.Duration(grant.ExpiresIn)*time.Second)
	}
	a.logger.Info("authorization complete",
		"account_id", account.AccountID, "user", user.Email)
	return account, nil
}

// CrawlFailures loads the entities that failed during past crawls from the
// resume state. Implements query.FailureReader.
func (a *App) CrawlFailures(_ context.Context, phase core.Phase) ([]resume.Failure, error) {
	checkpoints, err := resume.NewManager(a.cfg.Resume.StateFile, resume.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if err := checkpoints.Load(); err != nil {
		return nil, err
	}
	if phase == "" {
		return checkpoints.AllFailures(), nil
	}
	return checkpoints.Failures(phase), nil
}

// tokenSource prefers stored credentials; a raw configured access token is
// the fallback for token-only setups that never ran the auth flow.
func (a *App) tokenSource(ctx context.Context, accountID string) (core.TokenSource, error) {
	if _, err := a.store.FindAccountByAccountID(ctx, accountID); err == nil {
		return a.tokens.Source(accountID), nil
	}
	if token := strings.TrimSpace(a.cfg.GitLab.AccessToken); token != "" {
		return staticTokenSource{token: token}, nil
	}
	return nil, core.NewError(
		fmt.Sprintf("copima: no credentials for account %q; run auth or configure an access token", accountID),
		goerrors.CategoryAuth, core.ErrorAuthMissing)
}

func (a *App) fetchIdentity(ctx context.Context, accessToken string) (core.Record, error) {
	client, err := transport.NewClient(a.cfg.GitLab.Host, staticTokenSource{token: accessToken},
		transport.WithTimeout(a.cfg.GitLab.RequestTimeout()),
		transport.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	return client.FetchCurrentUser(ctx)
}

func requestedPhases(phases []core.Phase) []core.Phase {
	if len(phases) == 0 {
		return core.PhaseOrder()
	}
	return phases
}

type staticTokenSource struct {
	token string
}

func (s staticTokenSource) GetBearer(context.Context) (string, error) { return s.token, nil }

func (s staticTokenSource) ForceRefresh(context.Context) (string, error) {
	return "", core.NewError("copima: static tokens cannot be refreshed",
		goerrors.CategoryAuth, core.ErrorAuthInvalid)
}

func stringField(record core.Record, key string) string {
	if value, ok := record[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func identityEmail(record core.Record) string {
	if email := stringField(record, "publicEmail"); email != "" {
		return email
	}
	// Accounts without a public email still need a stable user key.
	return stringField(record, "username") + "@users.noreply"
}

func accountIDFromIdentity(record core.Record) string {
	if username := stringField(record, "username"); username != "" {
		return username
	}
	return stringField(record, "id")
}

var (
	_ command.CrawlService = (*App)(nil)
	_ command.TokenService = (*App)(nil)
	_ query.FailureReader  = (*App)(nil)
)
