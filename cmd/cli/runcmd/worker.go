package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/cmd/cli/wire"
	"taskworker/internal/config"
	"taskworker/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Long: `Runs the polling worker for the configured task type. The worker claims one task at a
time, waits for its dependency, executes it and records the outcome. It stops on SIGINT or
SIGTERM after the task in progress is finalized.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		store := wire.MustStore(conf)
		waker := wire.MustWaker(conf)
		publisher, closeEvents := wire.Events(conf)
		m, reg := wire.Metrics()

		cleanup := func() {
			closeEvents()
			wire.Close("wake up queue", waker)
			wire.Close("task store", store)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := schedulerOptions(conf)
		opts.Waker = waker
		opts.Events = publisher
		opts.Metrics = m
		sch := scheduler.New(store, wire.MustHandler(conf, log.Logger), opts, log.Logger)

		serveStatus(ctx, conf, store, waker, reg)

		if err := sch.Run(ctx); err != nil {
			cleanup()
			wire.Exit(scheduler.StartupCode(err), err, "Could not start worker")
		}

		cleanup()
		log.Info().Str("worker_id", sch.WorkerID()).Msg("Worker shut down")
	},
}
