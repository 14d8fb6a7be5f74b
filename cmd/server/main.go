package main

import (
	"fmt"
	"os"

	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/logging"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand
type rootOptions struct {
	envFile string
	cfg     config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - moderation and onboarding bot",
		Long:  "Warden mutes members, verifies newcomers and reconciles both against the chat platform.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return logging.Init(cfg.AppEnv)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Close()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file read before the environment")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
