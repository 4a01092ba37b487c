package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"taskworker/internal/exitcode"
)

// FromCobraCmd creates a TWConfig instance from a cobra command object. The process exits
// with exitcode.InvalidConfiguration if the configuration cannot be loaded or is invalid.
func FromCobraCmd(cmd *cobra.Command) *TWConfig {
	var flags *pflag.FlagSet
	if cmd.Name() == "twctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var conf *TWConfig
	var err error
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		fileLoc, flagErr := flags.GetString("config")
		if flagErr != nil {
			fatalConfig(flagErr, "Could not get file location")
		}
		conf, err = LoadConfig(fileLoc)
	} else {
		conf, err = LoadConfig()
	}
	if err != nil {
		fatalConfig(err, "Could not load config file")
	}

	if err := conf.Validate(); err != nil {
		fatalConfig(err, "Invalid configuration")
	}
	conf.ConfigureLogger()
	return conf
}

// ConfigureLogger sets up the global logger from log_level and log_format
func (c *TWConfig) ConfigureLogger() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if c.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func fatalConfig(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	os.Exit(int(exitcode.InvalidConfiguration))
}
