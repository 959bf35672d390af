package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/penguintechinc/killkrill-sub000/config"
)

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Log and metric ingestion pipeline",
		Long: `killkrill accepts logs and metrics over HTTP and syslog over UDP, buffers
them in partitioned streams and processes them with consumer-group workers
into search, SQL, archive and Prometheus sinks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.CompletionOptions.DisableDefaultCmd = true
	c.opts.bind(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(c),
		newReceiverCommand(c),
		newWorkerCommand(c),
		newDeadLetterCommand(c),
		newValidateCommand(c),
		newVersionCommand(c),
	)
	return root
}

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run receivers and workers for both pipelines in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.setup(cmd)
			if err != nil {
				return err
			}
			a := newApp(cfg, logger, c.buildSinks)
			defer func() { _ = a.close() }()

			ctx := cmd.Context()
			if err := a.addMetricsServer(); err != nil {
				return err
			}
			for _, pipeline := range []string{config.LogsStream, config.MetricsStream} {
				if err := a.addWorkers(ctx, pipeline, nil); err != nil {
					return err
				}
			}
			if err := a.addReceivers(ctx); err != nil {
				return err
			}
			logger.Info("Starting killkrill", "mode", "serve", "backend", cfg.Stream.Backend,
				"partitions", cfg.Stream.Partitions, "build_time", BuildTime)
			return a.run(ctx, c.opts.ShutdownTimeout, c.ready)
		},
	}
}

func newReceiverCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "receiver",
		Short: "Run the HTTP and UDP receivers only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.setup(cmd)
			if err != nil {
				return err
			}
			if err := requireSharedBackend(cfg, "receiver"); err != nil {
				return err
			}
			a := newApp(cfg, logger, c.buildSinks)
			defer func() { _ = a.close() }()

			ctx := cmd.Context()
			if err := a.addMetricsServer(); err != nil {
				return err
			}
			if err := a.addReceivers(ctx); err != nil {
				return err
			}
			logger.Info("Starting killkrill", "mode", "receiver", "backend", cfg.Stream.Backend)
			return a.run(ctx, c.opts.ShutdownTimeout, c.ready)
		},
	}
}

func newWorkerCommand(c *cli) *cobra.Command {
	var (
		pipeline   string
		partitions []int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run consumer-group workers for one pipeline",
		Example: `  killkrill worker --pipeline logs
  killkrill worker --pipeline metrics --partitions 0,1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.setup(cmd)
			if err != nil {
				return err
			}
			if err := requireSharedBackend(cfg, "worker"); err != nil {
				return err
			}
			a := newApp(cfg, logger, c.buildSinks)
			defer func() { _ = a.close() }()

			if err := a.addMetricsServer(); err != nil {
				return err
			}
			if err := a.addWorkers(cmd.Context(), pipeline, partitions); err != nil {
				return err
			}
			logger.Info("Starting killkrill", "mode", "worker", "pipeline", pipeline,
				"partitions", partitions, "backend", cfg.Stream.Backend)
			return a.run(cmd.Context(), c.opts.ShutdownTimeout, c.ready)
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline to consume: logs or metrics")
	cmd.Flags().IntSliceVar(&partitions, "partitions", nil, "Partitions to consume (default all)")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

// requireSharedBackend rejects the memory stream for split processes, which
// would each see a private stream.
func requireSharedBackend(cfg *config.Config, mode string) error {
	if cfg.Stream.Backend == config.BackendMemory {
		return fmt.Errorf("%s mode requires the %s or %s stream backend; use serve for %s",
			mode, config.BackendRedis, config.BackendJetStream, config.BackendMemory)
	}
	return nil
}

func newValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print it with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cfg.Redacted().String())
			return nil
		},
	}
}

func newVersionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
		},
	}
}
