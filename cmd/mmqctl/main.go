package main

import (
	"os"

	"github.com/downfa11-org/mmq/util"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:          "mmqctl",
		Short:        "Inspect and operate mmq queues",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.SetLevel(util.ParseLogLevel(logLevel))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newAppendCommand(),
		newReadCommand(),
		newTailCommand(),
		newInspectCommand(),
		newStatusCommand(),
		newShellCommand(),
		newBenchCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
