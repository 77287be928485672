package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Ensemble gateway",
		Long: `Start the WebSocket gateway with all configured providers.

Startup order:
1. Load configuration (or run on built-in defaults when no file exists)
2. Resolve provider credentials through the configured backends
3. Register provider adapters and build the model catalog
4. Restore memory snapshots from the persistence store
5. Serve WebSocket, health, and metrics endpoints

SIGINT and SIGTERM trigger graceful shutdown: in-flight turns finish,
memory is snapshotted, and buffered spans are flushed.`,
		Example: `  # Run with ensemble.yaml from the working directory
  ensemble serve

  # Run with an explicit config
  ensemble serve --config /etc/ensemble/production.yaml

  # Verbose logging regardless of the configured level
  ensemble serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default "+defaultConfigFile+")")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildCredentialsCmd creates the "credentials" command group for the
// encrypted provider key store.
func buildCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the encrypted credential store",
		Long: `Manage provider API keys in the encrypted credential store.

Keys are stored encrypted at rest under the data directory and unlocked
with the ENSEMBLE_CREDENTIALS_KEY passphrase (prompted for when unset
and running interactively). Plaintext keys never appear in config files,
logs, or process listings.`,
	}
	cmd.AddCommand(
		buildCredentialsSetCmd(),
		buildCredentialsListCmd(),
		buildCredentialsRmCmd(),
	)
	return cmd
}

func buildCredentialsSetCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an API key for a provider",
		Long: `Store a provider API key in the encrypted credential store.

The key is read from the terminal without echo, so it never lands in
shell history or process listings.`,
		Example: `  ensemble credentials set openai
  ensemble credentials set anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsSet(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default "+defaultConfigFile+")")
	return cmd
}

func buildCredentialsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers with stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsList(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default "+defaultConfigFile+")")
	return cmd
}

func buildCredentialsRmCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rm <provider>",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsRemove(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default "+defaultConfigFile+")")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
	}
	cmd.AddCommand(
		buildConfigValidateCmd(),
		buildConfigSchemaCmd(),
	)
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load and validate a configuration file without starting the server.

Checks YAML syntax, unknown fields, value ranges, cron schedules, and
that every fallback chain references a model in the catalog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default "+defaultConfigFile+")")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ensemble %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
