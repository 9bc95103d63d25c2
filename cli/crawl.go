package cli

import (
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/spf13/cobra"

	copima "github.com/copima/copima"
	"github.com/copima/copima/command"
	"github.com/copima/copima/core"
)

func newCrawlCmd(rt *cliRuntime) *cobra.Command {
	var steps []string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured host into JSONL shards",
		Long:  "Runs the crawl phases in order (areas, users, resources, repository),\nwriting each resource to an append-only JSONL shard under the output root.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := rt.setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			phases, err := parseSteps(steps)
			if err != nil {
				return err
			}
			accountID, err := resolveAccountID(app)
			if err != nil {
				return err
			}

			msg := command.CrawlMessage{Request: command.CrawlRequest{
				AccountID: accountID,
				Phases:    phases,
			}}
			if err := msg.Validate(); err != nil {
				return err
			}

			collector := gocmd.NewResult[command.CrawlReport]()
			runCtx := gocmd.ContextWithResult(ctx, collector)
			if err := app.Commands().Crawl.Execute(runCtx, msg); err != nil {
				return err
			}

			report, ok := collector.Load()
			if !ok {
				return fmt.Errorf("cli: crawl finished without a report")
			}
			names := make([]string, 0, len(report.Phases))
			for _, phase := range report.Phases {
				names = append(names, string(phase))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Crawl complete: phases %s\n", strings.Join(names, ", "))
			if report.Failures > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d entities failed; see the resume state file for details\n", report.Failures)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&steps, "steps", nil,
		"crawl steps to run (areas, users, resources, repository); default all")
	return cmd
}

func parseSteps(steps []string) ([]core.Phase, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	phases := make([]core.Phase, 0, len(steps))
	for _, step := range steps {
		if strings.EqualFold(strings.TrimSpace(step), "all") {
			return nil, nil
		}
		phase, ok := core.ParsePhase(step)
		if !ok {
			return nil, fmt.Errorf("cli: unknown crawl step %q", step)
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

// resolveAccountID prefers the configured account; token-only setups crawl
// under a fixed shard directory.
func resolveAccountID(app *copima.App) (string, error) {
	cfg := app.Config()
	if accountID := strings.TrimSpace(cfg.GitLab.AccountID); accountID != "" {
		return accountID, nil
	}
	if strings.TrimSpace(cfg.GitLab.AccessToken) != "" {
		return "default", nil
	}
	return "", fmt.Errorf("cli: no account configured; run auth or set gitlab.account_id")
}
