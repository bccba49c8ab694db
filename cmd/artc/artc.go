package main

import (
	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/aosp-leddaz/art/internal/util/logging"
)

// newArtcCmd creates the root command.
func newArtcCmd() *cobra.Command {
	var logFlow bool
	var logToStderr bool
	var verbose int
	cmd := &cobra.Command{
		Use:           "artc",
		Short:         "artc compiles methods with the optimizing compiler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitLogging(logToStderr, verbose, logFlow)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			glog.Flush()
		},
	}

	cmd.PersistentFlags().BoolVar(&logFlow, "logflow", false, "Log the start of every pass")
	cmd.PersistentFlags().BoolVar(&logToStderr, "logtostderr", false, "Log to stderr instead of to files")
	cmd.PersistentFlags().IntVarP(
		&verbose, "verbose", "v", 0, "Enable verbose logging (e.g., v=3); anything >5 is very verbose")

	cmd.AddCommand(newCompileCmd())
	cmd.AddCommand(newJitCmd())
	cmd.AddCommand(newPassesCmd())

	return cmd
}
