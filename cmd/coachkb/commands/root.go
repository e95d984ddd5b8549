// Package commands defines all Cobra CLI commands for the coachkb binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/audit"
	"github.com/54b3r/coachkb/internal/config"
	"github.com/54b3r/coachkb/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFilePath holds the --env-file flag value.
var envFilePath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coachkb",
		Short: "coachkb builds and queries creator knowledge bases",
		Long: `coachkb turns a creator's social media post export into a searchable
knowledge base and answers questions in the creator's voice.

Posts are chunked by token windows, embedded with a primary backend and a
local fallback, and stored per creator under ~/.coachkb/kb. Configuration
comes from environment variables, an optional .env file and an optional YAML
file (~/.coachkb/config.yaml). Environment variables always win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()

			if _, err := config.LoadEnvFile(envFilePath, log); err != nil {
				return err
			}

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Rebuild the logger so LOG_LEVEL/LOG_FORMAT from the files apply.
			log = logging.New()
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))

			var extra []slog.Attr
			if len(args) > 0 && cmd.Name() != "version" {
				extra = append(extra, slog.String("creator_id", args[0]))
			}
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), loadedConfigPath, extra...)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.coachkb/config.yaml)")
	root.PersistentFlags().StringVar(&envFilePath, "env-file", "", "Path to a .env file (default: ./.env if present)")

	root.AddCommand(
		NewBuildCmd(),
		NewSearchCmd(),
		NewAskCmd(),
		NewListCmd(),
		NewDeleteCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
