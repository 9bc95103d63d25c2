// Package cli implements the copima command line interface.
package cli

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	copima "github.com/copima/copima"
	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

// Exit codes surfaced by the binary.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfigInvalid = 2
)

// cliRuntime carries flag state and lazily built application wiring across
// subcommands.
type cliRuntime struct {
	args map[string]any
}

func NewRootCmd() *cobra.Command {
	rt := &cliRuntime{args: map[string]any{}}

	cmd := &cobra.Command{
		Use:           "copima",
		Short:         "Resumable GitLab GraphQL crawler",
		Long:          "copima crawls groups, projects, and users from a GitLab-compatible GraphQL API\ninto hierarchical JSONL shards, resuming interrupted runs from saved cursors.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// A .env in the working directory feeds the environment layer.
			_ = godotenv.Load()
			rt.collectFlags(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("host", "", "GitLab host URL")
	flags.String("access-token", "", "OAuth2 access token")
	flags.String("refresh-token", "", "OAuth2 refresh token")
	flags.String("account-id", "", "stored account to crawl as")
	flags.String("output", "", "output root directory")
	flags.String("database", "", "credential database path")
	flags.String("state-file", "", "resume state file path")
	flags.Bool("resume", true, "resume from saved checkpoints")
	flags.Int("concurrency", 0, "max concurrent area crawls")
	flags.Int("rate-limit", 0, "request budget per minute")
	flags.Bool("verbose", false, "enable debug logging")

	cmd.AddCommand(
		newAuthCmd(rt),
		newCrawlCmd(rt),
		newAccountsCmd(rt),
		newFailuresCmd(rt),
		newConfigCmd(rt),
	)
	return cmd
}

// flagPaths maps persistent flags onto configuration paths.
var flagPaths = map[string]string{
	"host":          "gitlab.host",
	"access-token":  "gitlab.access_token",
	"refresh-token": "gitlab.refresh_token",
	"account-id":    "gitlab.account_id",
	"output":        "output.root_dir",
	"database":      "database.path",
	"state-file":    "resume.state_file",
	"concurrency":   "gitlab.max_concurrency",
	"rate-limit":    "gitlab.rate_limit",
}

// collectFlags copies explicitly set flags into the args layer. Untouched
// flags leave the lower layers alone.
func (rt *cliRuntime) collectFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	for name, path := range flagPaths {
		if !flags.Changed(name) {
			continue
		}
		if value, err := flags.GetString(name); err == nil {
			config.SetPath(rt.args, path, value)
			continue
		}
		if value, err := flags.GetInt(name); err == nil {
			config.SetPath(rt.args, path, value)
		}
	}
	if flags.Changed("resume") {
		value, _ := flags.GetBool("resume")
		config.SetPath(rt.args, "resume.enabled", value)
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		config.SetPath(rt.args, "logging.level", "debug")
	}
}

// resolveConfig merges files, environment, and flags into a validated Config.
func (rt *cliRuntime) resolveConfig(ctx context.Context) (config.Config, error) {
	resolver := config.NewResolver()
	resolver.Args = rt.args
	return resolver.Resolve(ctx)
}

func (rt *cliRuntime) setup(ctx context.Context, options ...copima.Option) (*copima.App, error) {
	cfg, err := rt.resolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	return copima.Setup(cfg, options...)
}

// ExitCode maps an error onto the binary's exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == core.ErrorConfigInvalid {
		return ExitConfigInvalid
	}
	return ExitFailure
}
