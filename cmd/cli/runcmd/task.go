package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/cmd/cli/wire"
	"taskworker/internal/config"
	"taskworker/internal/scheduler"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Runs a single task and exits with its outcome code",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		id, _ := cmd.Flags().GetInt64("id")
		log.Info().Int64("task_id", id).Msg("Running single task")

		store := wire.MustStore(conf)
		publisher, closeEvents := wire.Events(conf)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		opts := schedulerOptions(conf)
		opts.Events = publisher
		sch := scheduler.New(store, wire.MustHandler(conf, log.Logger), opts, log.Logger)

		code, err := sch.RunTask(ctx, id)
		stop()
		closeEvents()
		wire.Close("task store", store)

		if err != nil {
			wire.Exit(code, err, "Could not run task")
		}
		log.Info().Int64("task_id", id).Stringer("code", code).Msg("Task done")
		os.Exit(int(code))
	},
}

func init() {
	taskCmd.Flags().Int64("id", 0, "id of the task to run")
	_ = taskCmd.MarkFlagRequired("id")
}
