package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	copima "github.com/copima/copima"
)

func newAuthCmd(rt *cliRuntime) *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize against the configured OAuth2 provider",
		Long:  "Opens the provider consent page, catches the redirect on localhost, and\nstores the granted tokens in the credential database.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := rt.setup(ctx, copima.WithProvider(providerName))
			if err != nil {
				return err
			}
			defer app.Close()

			state, err := randomState()
			if err != nil {
				return err
			}
			authorizeURL, err := app.AuthorizeURL(state)
			if err != nil {
				return err
			}

			serverCfg := app.Config().OAuth2.Server
			callback := newCallbackServer(serverCfg.Port, serverCfg.CallbackPath)
			if err := callback.Start(); err != nil {
				return err
			}
			defer callback.Shutdown()

			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize copima:\n\n  %s\n\n", authorizeURL)
			if err := openBrowser(authorizeURL); err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Opened your browser; waiting for the redirect...")
			}

			result := callback.Wait(serverCfg.WaitTimeout())
			if result.Err != nil {
				return result.Err
			}
			if result.State != state {
				return fmt.Errorf("cli: state mismatch on the authorization redirect")
			}

			account, err := app.CompleteAuthorization(ctx, result.Code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authorized as %s (provider %s)\n", account.AccountID, account.ProviderID)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "gitlab", "configured OAuth2 provider name")
	return cmd
}

// randomState returns 32 random bytes hex encoded, the CSRF token for the
// authorization redirect.
func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cli: generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
