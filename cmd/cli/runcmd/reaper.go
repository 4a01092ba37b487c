package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/cmd/cli/wire"
	"taskworker/internal/config"
	"taskworker/internal/exitcode"
	"taskworker/internal/scheduler"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Fails tasks of dead workers and releases their stale claims",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reaper process")
		conf := config.FromCobraCmd(cmd)

		store := wire.MustStore(conf)
		defer wire.Close("task store", store)
		m, reg := wire.Metrics()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := store.Ping(ctx); err != nil {
			wire.Close("task store", store)
			wire.Exit(exitcode.CannotConnectToDatabase, err, "Task store is unreachable")
		}

		serveStatus(ctx, conf, store, nil, reg)

		reaper := scheduler.NewReaper(store, conf.Reaper.Schedule, conf.Reaper.StaleAfter, m, log.Logger)
		if err := reaper.Run(ctx); err != nil {
			wire.Close("task store", store)
			wire.Exit(exitcode.InvalidConfiguration, err, "Could not start reaper")
		}
	},
}
