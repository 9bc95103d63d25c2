package cli

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/copima/copima/config"
)

func newConfigCmd(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the merged configuration",
	}
	cmd.AddCommand(
		newConfigShowCmd(rt),
		newConfigValidateCmd(rt),
		newConfigSetCmd(),
		newConfigUnsetCmd(),
	)
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a value into the user config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.UserConfigFile()
			layer, err := config.ReadUserFile(path)
			if err != nil {
				return err
			}
			config.SetPath(layer, args[0], config.CoerceScalar(args[1]))
			if err := config.WriteUserFile(path, layer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s in %s\n", args[0], path)
			return nil
		},
	}
}

func newConfigUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a value from the user config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.UserConfigFile()
			layer, err := config.ReadUserFile(path)
			if err != nil {
				return err
			}
			if !config.UnsetPath(layer, args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not set in %s\n", args[0], path)
				return nil
			}
			if err := config.WriteUserFile(path, layer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unset %s in %s\n", args[0], path)
			return nil
		},
	}
}

func newConfigShowCmd(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newConfigValidateCmd(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the merged configuration and report every issue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.resolveConfig(cmd.Context())
			if err != nil {
				printResolvedIssues(cmd, err)
				return err
			}
			for _, issue := range cfg.Issues() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s: %s\n", issue.Severity, issue.Field, issue.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

// printResolvedIssues surfaces the per-field findings a validation failure
// carries in its metadata.
func printResolvedIssues(cmd *cobra.Command, err error) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata == nil {
		return
	}
	issues, ok := rich.Metadata["issues"].([]map[string]any)
	if !ok {
		return
	}
	for _, issue := range issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "%v: %v: %v\n",
			issue["severity"], issue["field"], issue["message"])
	}
}

func redacted(cfg config.Config) config.Config {
	const mask = "(redacted)"
	if cfg.GitLab.AccessToken != "" {
		cfg.GitLab.AccessToken = mask
	}
	if cfg.GitLab.RefreshToken != "" {
		cfg.GitLab.RefreshToken = mask
	}
	providers := make(map[string]config.ProviderConfig, len(cfg.OAuth2.Providers))
	for name, provider := range cfg.OAuth2.Providers {
		if provider.ClientSecret != "" {
			provider.ClientSecret = mask
		}
		providers[name] = provider
	}
	cfg.OAuth2.Providers = providers
	return cfg
}
