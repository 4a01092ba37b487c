package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"taskworker/cmd/cli/dbcmd"
	"taskworker/cmd/cli/runcmd"
	"taskworker/cmd/cli/taskcmd"
)

var RootCmd = &cobra.Command{
	Use:   "twctl",
	Short: "TaskWorker - runs tasks from a shared task queue",
	Long: `TaskWorker claims tasks of one type from a shared task table, waits for the task they
depend on, runs them against files mirrored from a remote store and records the outcome.

Start at least one worker per task type and one reaper.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(dbcmd.Command)
	RootCmd.AddCommand(taskcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
