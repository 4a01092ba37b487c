package runcmd

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/internal/api"
	"taskworker/internal/config"
	"taskworker/internal/scheduler"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(taskCmd)
	Command.AddCommand(reaperCmd)
}

func schedulerOptions(conf *config.TWConfig) scheduler.Options {
	return scheduler.Options{
		WorkerID:           conf.Worker.ID,
		TaskType:           conf.Worker.TaskType,
		PollInterval:       conf.Worker.PollInterval,
		DependencyInterval: conf.Worker.DependencyInterval,
		HeartbeatInterval:  conf.Worker.HeartbeatInterval,
		MaxDependencyDepth: conf.Worker.MaxDependencyDepth,
	}
}

// serveStatus starts the status server in the background when it is enabled
func serveStatus(ctx context.Context, conf *config.TWConfig, store api.TaskStore, notifier api.Notifier, reg prometheus.Gatherer) {
	if !conf.Server.Enabled {
		return
	}

	srv := api.New(store, notifier, reg, log.Logger)
	go func() {
		if err := srv.ListenAndServe(ctx, conf.GetServerAddr()); err != nil {
			log.Error().Err(err).Msg("Status server stopped")
		}
	}()
}
