package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/penguintechinc/killkrill-sub000/config"
	"github.com/penguintechinc/killkrill-sub000/sink"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func (o *globalOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c",
		getEnv("KILLKRILL_CONFIG", ""),
		"Path to configuration file, JSON or JSONC (env: KILLKRILL_CONFIG)")
	fs.StringVar(&o.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: KILLKRILL_LOG_LEVEL)")
	fs.StringVar(&o.LogFormat, "log-format", "",
		"Log format: json, text (env: KILLKRILL_LOG_FORMAT)")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("KILLKRILL_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: KILLKRILL_SHUTDOWN_TIMEOUT)")
}

// sinkBuilder opens the configured sinks.
type sinkBuilder func(ctx context.Context, cfg sink.Config, deps sink.BuildDeps) (*sink.Fanout, error)

// cli carries the global options and the process surroundings commands run
// with. Tests replace the writers, the sink builder and the ready hook.
type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer

	buildSinks sinkBuilder
	// ready is called once every service has started.
	ready func(*app)
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, buildSinks: sink.Build}
}

// loadConfig layers the config file over the defaults and the environment,
// then applies the logging flags.
func (c *cli) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if c.opts.ConfigPath != "" {
		loader.AddLayer(c.opts.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.opts.LogLevel != "" {
		cfg.Logging.Level = c.opts.LogLevel
	}
	if c.opts.LogFormat != "" {
		cfg.Logging.Format = c.opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup loads the configuration and installs the logger as the default.
func (c *cli) setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Logging, c.stderr)
	slog.SetDefault(logger)
	logger.Debug("Configuration loaded", "command", cmd.CommandPath(), "config_path", c.opts.ConfigPath)
	return cfg, logger, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
