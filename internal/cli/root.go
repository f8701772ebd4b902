// Package cli implements the fraudctl operator commands.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudguard/internal/logging"
)

// Build info, set by cmd/fraudctl.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type options struct {
	logLevel string
	logger   *slog.Logger
}

// NewRootCmd builds the fraudctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "fraudctl",
		Short:         "Operate FraudGuard models, policies and offline scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger = logging.NewWithWriter(cmd.ErrOrStderr(), opts.logLevel, "text")
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newTrainCmd(opts))
	root.AddCommand(newEvaluateCmd(opts))
	root.AddCommand(newScoreCmd(opts))
	root.AddCommand(newPolicyCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("version: %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime)
		},
	}
}
