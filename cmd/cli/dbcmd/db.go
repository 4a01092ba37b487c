package dbcmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/cmd/cli/wire"
	"taskworker/internal/config"
	"taskworker/internal/database"
	"taskworker/internal/exitcode"
)

var Command = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the task schema to the Postgres database",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		if conf.Database.Driver != "postgres" {
			log.Info().Str("driver", conf.Database.Driver).Msg("Nothing to migrate")
			return
		}

		db, err := database.New(conf, log.Logger)
		if err != nil {
			wire.Exit(exitcode.CannotConnectToDatabase, err, "Could not connect to database")
		}
		defer wire.Close("database", db)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := database.Migrate(ctx, db); err != nil {
			wire.Close("database", db)
			wire.Exit(exitcode.GeneralError, err, "Migration failed")
		}
		log.Info().Msg("Schema applied")
	},
}

func init() {
	Command.AddCommand(migrateCmd)
}
