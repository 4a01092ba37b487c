package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// TWConfig holds the application configuration
type TWConfig struct {
	Database struct {
		Driver          string `mapstructure:"driver"` // postgres or bolt
		Host            string `mapstructure:"host"`
		Port            int    `mapstructure:"port"`
		User            string `mapstructure:"user"`
		Password        string `mapstructure:"password"`
		Name            string `mapstructure:"name"`
		SSLMode         string `mapstructure:"sslmode"`
		BoltPath        string `mapstructure:"bolt_path"`
		ConnectAttempts int    `mapstructure:"connect_attempts"`
	} `mapstructure:"database"`

	Remote struct {
		Driver         string        `mapstructure:"driver"` // ftp or local
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		User           string        `mapstructure:"user"`
		Password       string        `mapstructure:"password"`
		Timeout        time.Duration `mapstructure:"timeout"`
		LocalRoot      string        `mapstructure:"local_root"`
		CacheDir       string        `mapstructure:"cache_dir"`
		OutputDir      string        `mapstructure:"output_dir"`
		ChecksumSuffix string        `mapstructure:"checksum_suffix"`
	} `mapstructure:"remote"`

	Worker struct {
		ID                 string        `mapstructure:"id"`
		TaskType           int           `mapstructure:"task_type"`
		Handler            string        `mapstructure:"handler"`
		WorkDir            string        `mapstructure:"work_dir"`
		PollInterval       time.Duration `mapstructure:"poll_interval"`
		DependencyInterval time.Duration `mapstructure:"dependency_interval"`
		HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
		MaxDependencyDepth int           `mapstructure:"max_dependency_depth"`
	} `mapstructure:"worker"`

	Processor struct {
		Command string   `mapstructure:"command"`
		Args    []string `mapstructure:"args"`
	} `mapstructure:"processor"`

	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Reaper struct {
		Schedule   string        `mapstructure:"schedule"`
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"reaper"`

	Events struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"events"`

	Server struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"server"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*TWConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("TW_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			return readConfig(v, path)

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return config, err
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no file anywhere, run on defaults and environment variables only
		config = &TWConfig{}
		if err := v.Unmarshal(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// newViper creates a viper instance with all the default values set
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "avt_tasks")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.bolt_path", "taskworker.db")
	v.SetDefault("database.connect_attempts", 3)

	// Remote store defaults
	v.SetDefault("remote.driver", "ftp")
	v.SetDefault("remote.host", "localhost")
	v.SetDefault("remote.port", 21)
	v.SetDefault("remote.user", "user")
	v.SetDefault("remote.password", "password")
	v.SetDefault("remote.timeout", 5*time.Minute)
	v.SetDefault("remote.local_root", "")
	v.SetDefault("remote.cache_dir", "/tmp")
	v.SetDefault("remote.output_dir", "/output/template_matching")
	v.SetDefault("remote.checksum_suffix", ".md5")

	// Worker defaults
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.task_type", 7)
	v.SetDefault("worker.handler", "object_finder")
	v.SetDefault("worker.work_dir", "/tmp/output")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.dependency_interval", 5*time.Second)
	v.SetDefault("worker.heartbeat_interval", time.Second)
	v.SetDefault("worker.max_dependency_depth", 32)

	v.SetDefault("processor.command", "template-matcher")
	v.SetDefault("processor.args", []string{})

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.stale_after", 10*time.Minute)

	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "taskworker.events")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Log defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetEnvPrefix("TW")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*TWConfig, error) {
	var config TWConfig

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("could not unmarshal config %s: %w", path, err)
	}

	return &config, nil
}

// Validate checks the values that cannot be defaulted sensibly
func (c *TWConfig) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "bolt":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or bolt, got %q", c.Database.Driver))
	}

	switch c.Remote.Driver {
	case "ftp":
	case "local":
		if c.Remote.LocalRoot == "" {
			errs = append(errs, errors.New("remote.local_root is required for the local driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.driver must be ftp or local, got %q", c.Remote.Driver))
	}

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be > 0"))
	}
	if c.Worker.DependencyInterval <= 0 {
		errs = append(errs, errors.New("worker.dependency_interval must be > 0"))
	}
	if c.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("worker.heartbeat_interval must be > 0"))
	}
	// the reaper must not take a live heartbeat or dependency wait for a dead worker
	if c.Reaper.StaleAfter <= c.Worker.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("reaper.stale_after (%s) must be longer than worker.heartbeat_interval (%s)", c.Reaper.StaleAfter, c.Worker.HeartbeatInterval))
	}
	if c.Reaper.StaleAfter <= c.Worker.DependencyInterval {
		errs = append(errs, fmt.Errorf("reaper.stale_after (%s) must be longer than worker.dependency_interval (%s)", c.Reaper.StaleAfter, c.Worker.DependencyInterval))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// GetDatabaseURL returns a formatted database connection string
func (c *TWConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRemoteAddr returns the host:port of the remote file store
func (c *TWConfig) GetRemoteAddr() string {
	return net.JoinHostPort(c.Remote.Host, strconv.Itoa(c.Remote.Port))
}

// GetServerAddr returns the listen address of the status server
func (c *TWConfig) GetServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
