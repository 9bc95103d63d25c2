package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copima/copima/query"
)

func newAccountsCmd(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := rt.setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			accounts, err := app.Queries().ListAccounts.Query(ctx, query.ListAccountsMessage{})
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stored accounts; run auth first")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tPROVIDER\tUSER\tEXPIRES")
			for _, entry := range accounts {
				expires := "never"
				if entry.Account.AccessTokenExpiresAt != nil {
					expires = entry.Account.AccessTokenExpiresAt.UTC().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					entry.Account.AccountID, entry.Account.ProviderID, entry.User.Email, expires)
			}
			return w.Flush()
		},
	}
}

func newFailuresCmd(rt *cliRuntime) *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List entities that failed during past crawls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := rt.setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			msg := query.CrawlFailuresMessage{Phase: phase}
			if err := msg.Validate(); err != nil {
				return err
			}
			failures, err := app.Queries().CrawlFailures.Query(ctx, msg)
			if err != nil {
				return err
			}
			if len(failures) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recorded failures")
				return nil
			}
			for _, failure := range failures {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					failure.At.UTC().Format("2006-01-02 15:04:05"), failure.Key, failure.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "limit to one crawl phase")
	return cmd
}
