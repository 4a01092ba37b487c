// Package wire builds the runtime collaborators of the commands from the configuration.
// Failures to reach infrastructure end the process with the matching exit code.
package wire

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"taskworker/internal/config"
	"taskworker/internal/database"
	"taskworker/internal/events"
	"taskworker/internal/exitcode"
	"taskworker/internal/metrics"
	"taskworker/internal/queue"
	"taskworker/internal/remote"
	"taskworker/internal/taskstore"
	"taskworker/internal/vision"
	"taskworker/internal/worker"
)

// Exit logs err and ends the process with code
func Exit(code exitcode.Code, err error, msg string) {
	log.Error().Err(err).Stringer("code", code).Msg(msg)
	os.Exit(int(code))
}

// MustStore opens the configured task store
func MustStore(conf *config.TWConfig) taskstore.Store {
	switch conf.Database.Driver {
	case "bolt":
		store, err := taskstore.NewBolt(conf.Database.BoltPath)
		if err != nil {
			Exit(exitcode.CannotConnectToDatabase, err, "Could not open bolt store")
		}
		return store

	default:
		db, err := database.New(conf, log.Logger)
		if err != nil {
			Exit(exitcode.CannotConnectToDatabase, err, "Could not connect to database")
		}
		return taskstore.NewPostgres(db, log.Logger)
	}
}

// MustWaker returns the Redis waker when the queue is enabled, an in-process one otherwise
func MustWaker(conf *config.TWConfig) queue.Waker {
	if !conf.Queue.Enabled {
		return queue.NewChannelWaker()
	}

	waker, err := queue.NewRedisWaker(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB, log.Logger)
	if err != nil {
		Exit(exitcode.GeneralError, err, "Could not connect to redis queue")
	}
	return waker
}

// Events returns the Kafka publisher when brokers are configured. The returned function
// flushes and closes the client.
func Events(conf *config.TWConfig) (events.Publisher, func()) {
	if len(conf.Events.Brokers) == 0 {
		return events.Nop{}, func() {}
	}

	client, err := events.NewKafkaClient(conf.Events.Brokers, conf.Events.Topic)
	if err != nil {
		Exit(exitcode.InvalidConfiguration, err, "Could not create events client")
	}
	return events.NewKafkaPublisher(client), func() {
		if err := client.Flush(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Could not flush events")
		}
		client.Close()
	}
}

// Metrics registers the worker metrics on a fresh registry
func Metrics() (*metrics.PromMetrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewPromMetrics(reg), reg
}

// RemoteFS returns the configured remote file store
func RemoteFS(conf *config.TWConfig) remote.RemoteFS {
	if conf.Remote.Driver == "local" {
		return remote.NewLocalFS(conf.Remote.LocalRoot)
	}
	return remote.NewFTP(conf.GetRemoteAddr(), conf.Remote.User, conf.Remote.Password, conf.Remote.Timeout)
}

// MustHandler builds the configured handler with its mirror and matcher
func MustHandler(conf *config.TWConfig, logger zerolog.Logger) worker.Handler {
	mirror := remote.NewMirror(RemoteFS(conf), conf.Remote.CacheDir, conf.Remote.ChecksumSuffix, logger)
	mirror.OnTransfer = func(remotePath string, bytes int64) {
		logger.Debug().
			Str("remote_path", remotePath).
			Int64("bytes", bytes).
			Msg("Transferred file")
	}

	handler, err := worker.New(conf.Worker.Handler, worker.Deps{
		Mirror:    mirror,
		Matcher:   vision.NewCommandMatcher(conf.Processor.Command, conf.Processor.Args, logger),
		WorkDir:   conf.Worker.WorkDir,
		OutputDir: conf.Remote.OutputDir,
		Logger:    logger,
	})
	if err != nil {
		Exit(exitcode.InvalidConfiguration, err, "Could not create handler")
	}
	return handler
}

// Close closes c and logs a failure
func Close(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msgf("Could not close %s cleanly on shutdown", name)
	}
}
