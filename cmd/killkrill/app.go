package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/config"
	"github.com/penguintechinc/killkrill-sub000/consumer"
	"github.com/penguintechinc/killkrill-sub000/deadletter"
	"github.com/penguintechinc/killkrill-sub000/errors"
	gatewayhttp "github.com/penguintechinc/killkrill-sub000/gateway/http"
	"github.com/penguintechinc/killkrill-sub000/health"
	"github.com/penguintechinc/killkrill-sub000/input/udp"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/natsclient"
	"github.com/penguintechinc/killkrill-sub000/pkg/auth"
	"github.com/penguintechinc/killkrill-sub000/pkg/ratelimit"
	"github.com/penguintechinc/killkrill-sub000/pkg/security"
	"github.com/penguintechinc/killkrill-sub000/processor/logs"
	procmetrics "github.com/penguintechinc/killkrill-sub000/processor/metrics"
	"github.com/penguintechinc/killkrill-sub000/service"
	"github.com/penguintechinc/killkrill-sub000/sink"
	"github.com/penguintechinc/killkrill-sub000/stream"
	"github.com/penguintechinc/killkrill-sub000/stream/jsstream"
	"github.com/penguintechinc/killkrill-sub000/stream/redisstream"
)

const (
	healthCheckTimeout = 5 * time.Second
	trimInterval       = 30 * time.Second
	natsMetricsPoll    = 30 * time.Second
)

// app wires the configured parts of the pipeline into one process. Shared
// clients are opened on first use and closed by close in reverse order.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	core       *metric.Metrics
	checker    *health.Checker
	manager    *service.Manager
	buildSinks sinkBuilder

	redis      *redis.Client
	nats       *natsclient.Client
	routers    map[string]*stream.Router
	sinks      *sink.Fanout
	dlq        deadletter.Store
	aggregates *aggregator.Store

	gateway       *gatewayhttp.Gateway
	udp           *udp.Receiver
	metricsServer *metric.Server

	closers []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger, buildSinks sinkBuilder) *app {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()
	if buildSinks == nil {
		buildSinks = sink.Build
	}
	return &app{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		core:       core,
		checker:    health.NewChecker(healthCheckTimeout, health.WithMetrics(core), health.WithLogger(logger)),
		manager:    service.NewManager(logger),
		buildSinks: buildSinks,
		routers:    make(map[string]*stream.Router),
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases every client and store in reverse order of opening.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

func (a *app) serviceOptions() []service.Option {
	return []service.Option{service.WithLogger(a.logger), service.WithMetrics(a.registry)}
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redisstream.Connect(ctx, a.cfg.Redis.URL())
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.onClose(client.Close)
	a.checker.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return client, nil
}

func (a *app) natsClient(ctx context.Context) (*natsclient.Client, error) {
	if a.nats != nil {
		return a.nats, nil
	}
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithReconnect(n.MaxReconnects, n.ReconnectWait),
		natsclient.WithAuth(natsclient.Auth{Username: n.Username, Password: n.Password, Token: n.Token}),
		natsclient.WithLogger(a.logger.With("component", "natsclient")),
		natsclient.WithMetrics(a.registry, a.cfg.Stream.SubjectPrefix, natsMetricsPoll),
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(natsclient.TLSFiles{
			CertFile: n.TLS.CertFile, KeyFile: n.TLS.KeyFile, CAFile: n.TLS.CAFile,
		}))
	}

	client, err := natsclient.NewClient(n.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	a.onClose(func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return client.Close(closeCtx)
	})
	a.checker.Register("nats", client.Ping)
	return client, nil
}

func (a *app) jetStream(ctx context.Context) (jetstream.JetStream, error) {
	client, err := a.natsClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.JetStream()
}

// openPartition opens one partition stream on the configured backend.
func (a *app) openPartition(ctx context.Context, name string) (stream.Stream, error) {
	s := a.cfg.Stream
	switch s.Backend {
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		rs, err := redisstream.New(redisstream.Deps{
			Config: redisstream.Config{
				Key:               s.KeyPrefix + name,
				MaxLen:            s.MaxLen,
				MaxAge:            s.MaxAge,
				VisibilityTimeout: s.VisibilityTimeout,
				Limits:            s.Limits,
			},
			Client:  client,
			Metrics: a.core,
			Logger:  a.logger.With("component", "redisstream", "stream", name),
		})
		if err != nil {
			return nil, err
		}
		return rs, nil

	case config.BackendJetStream:
		js, err := a.jetStream(ctx)
		if err != nil {
			return nil, err
		}
		jss, err := jsstream.New(ctx, jsstream.Deps{
			Config: jsstream.Config{
				Name:              name,
				SubjectPrefix:     s.SubjectPrefix,
				MaxLen:            s.MaxLen,
				MaxAge:            s.MaxAge,
				VisibilityTimeout: s.VisibilityTimeout,
				Replicas:          s.Replicas,
				Limits:            s.Limits,
			},
			JetStream: js,
			Metrics:   a.core,
			Logger:    a.logger.With("component", "jsstream", "stream", name),
		})
		if err != nil {
			return nil, err
		}
		return jss, nil

	default:
		var journal *stream.Journal
		if s.Journal != nil {
			jc := *s.Journal
			jc.Dir = filepath.Join(jc.Dir, name)
			j, err := stream.OpenJournal(jc, a.logger.With("component", "journal", "stream", name))
			if err != nil {
				return nil, err
			}
			journal = j
		}
		m, err := stream.OpenMemory(stream.MemoryDeps{
			Config: stream.MemoryConfig{
				Name:              name,
				MaxLen:            s.MaxLen,
				MaxAge:            s.MaxAge,
				VisibilityTimeout: s.VisibilityTimeout,
				Limits:            s.Limits,
			},
			Journal: journal,
			Metrics: a.core,
			Logger:  a.logger.With("component", "stream", "stream", name),
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// router returns the partitioned stream for base, opening it once.
func (a *app) router(ctx context.Context, base string) (*stream.Router, error) {
	if r, ok := a.routers[base]; ok {
		return r, nil
	}
	names := a.cfg.Stream.Names(base)
	parts := make([]stream.Stream, 0, len(names))
	for _, name := range names {
		s, err := a.openPartition(ctx, name)
		if err != nil {
			for _, p := range parts {
				_ = p.Close()
			}
			return nil, fmt.Errorf("open stream %s: %w", name, err)
		}
		parts = append(parts, s)
	}
	r, err := stream.NewRouter(base, parts)
	if err != nil {
		return nil, err
	}
	a.routers[base] = r
	a.onClose(r.Close)
	a.checker.Register("stream:"+base, func(ctx context.Context) error {
		_, err := r.Len(ctx)
		return err
	})
	return r, nil
}

// routerFor maps a partition stream name back to its router, undoing the
// Redis key prefix: "killkrill:logs.3" belongs to "logs".
func (a *app) routerFor(ctx context.Context, partitionName string) (*stream.Router, error) {
	name := strings.TrimPrefix(partitionName, a.cfg.Stream.KeyPrefix)
	base, _, _ := strings.Cut(name, ".")
	switch base {
	case config.LogsStream, config.MetricsStream:
		return a.router(ctx, base)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "app", "routerFor",
			"unknown stream "+partitionName)
	}
}

func (a *app) deadLetters(ctx context.Context) (deadletter.Store, error) {
	if a.dlq != nil {
		return a.dlq, nil
	}
	var store deadletter.Store
	switch a.cfg.DeadLetter.Backend {
	case config.BackendSQLite:
		s, err := deadletter.OpenSQLite(ctx, a.cfg.DeadLetter.Path, a.logger.With("component", "deadletter"))
		if err != nil {
			return nil, err
		}
		a.checker.Register("deadletter", s.Ping)
		store = s
	default:
		store = deadletter.NewMemory()
	}
	a.dlq = store
	a.onClose(store.Close)
	return store, nil
}

func (a *app) sinkFanout(ctx context.Context) (*sink.Fanout, error) {
	if a.sinks != nil {
		return a.sinks, nil
	}
	deps := sink.BuildDeps{
		Metrics:  a.core,
		Registry: a.registry,
		Logger:   a.logger.With("component", "sink"),
	}
	if arch := a.cfg.Sinks.Archive; arch != nil && arch.Backend == "nats" {
		js, err := a.jetStream(ctx)
		if err != nil {
			return nil, err
		}
		deps.JetStream = js
	}
	fanout, err := a.buildSinks(ctx, a.cfg.Sinks, deps)
	if err != nil {
		return nil, fmt.Errorf("open sinks: %w", err)
	}
	a.sinks = fanout
	a.onClose(fanout.Close)
	a.checker.Register("sinks", fanout.Ping)
	return fanout, nil
}

func (a *app) aggregateStore() *aggregator.Store {
	if a.aggregates == nil {
		a.aggregates = aggregator.NewStore(a.cfg.Processing.RetainedWindows)
	}
	return a.aggregates
}

// addMetricsServer serves the registry and /healthz on the metrics address.
func (a *app) addMetricsServer() error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	srv := metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.registry,
		a.cfg.Security.TLS.Server, a.logger.With("component", "metrics-server"))
	srv.Handle("/healthz", a.checker.Handler(appName))
	a.metricsServer = srv
	return a.manager.Add(service.NewFuncService("metrics-server", srv.Start, srv.Stop, a.serviceOptions()...))
}

func (a *app) newHandler(pipeline, streamName string, out sink.Sink) (consumer.Handler, error) {
	logger := a.logger.With("component", pipeline+"-processor", "stream", streamName)
	switch pipeline {
	case config.LogsStream:
		return logs.New(logs.Deps{
			Config:   a.cfg.Processing.Logs,
			Stream:   streamName,
			Sink:     out,
			Registry: a.registry,
			Logger:   logger,
		})
	case config.MetricsStream:
		return procmetrics.New(procmetrics.Deps{
			Config:   a.cfg.Processing.Metrics,
			Stream:   streamName,
			Sink:     out,
			Store:    a.aggregateStore(),
			Metrics:  a.core,
			Registry: a.registry,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown pipeline %q: must be %s or %s", pipeline, config.LogsStream, config.MetricsStream)
	}
}

// addWorkers starts one consumer per selected partition of pipeline and a
// trimmer for its streams. An empty selection means every partition.
func (a *app) addWorkers(ctx context.Context, pipeline string, partitions []int) error {
	var wcfg consumer.Config
	switch pipeline {
	case config.LogsStream:
		wcfg = a.cfg.Workers.Logs
	case config.MetricsStream:
		wcfg = a.cfg.Workers.Metrics
	default:
		return fmt.Errorf("unknown pipeline %q: must be %s or %s", pipeline, config.LogsStream, config.MetricsStream)
	}

	r, err := a.router(ctx, pipeline)
	if err != nil {
		return err
	}
	dlq, err := a.deadLetters(ctx)
	if err != nil {
		return err
	}
	out, err := a.sinkFanout(ctx)
	if err != nil {
		return err
	}

	if len(partitions) == 0 {
		partitions = make([]int, r.Partitions())
		for i := range partitions {
			partitions[i] = i
		}
	}
	for _, p := range partitions {
		if p < 0 || p >= r.Partitions() {
			return fmt.Errorf("partition %d out of range: %s has %d partitions", p, pipeline, r.Partitions())
		}
		part := r.Partition(p)
		handler, err := a.newHandler(pipeline, part.Name(), out)
		if err != nil {
			return err
		}
		w, err := consumer.New(consumer.Deps{
			Config:      wcfg,
			Stream:      part,
			Handler:     handler,
			DeadLetters: dlq,
			Metrics:     a.core,
			Logger:      a.logger.With("component", "consumer", "stream", part.Name()),
		})
		if err != nil {
			return err
		}
		if err := a.manager.Add(service.NewRunner("worker:"+part.Name(), w.Run, a.serviceOptions()...)); err != nil {
			return err
		}
	}
	return a.manager.Add(service.NewRunner("trimmer:"+pipeline, a.trimLoop(r), a.serviceOptions()...))
}

// trimLoop applies the age bound, which appends alone never enforce on an
// idle stream.
func (a *app) trimLoop(r *stream.Router) service.RunFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(trimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := r.Trim(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					a.logger.Warn("Stream trim failed", "stream", r.Name(), "error", err)
					continue
				}
				if n > 0 {
					a.logger.Debug("Stream trimmed", "stream", r.Name(), "removed", n)
				}
			}
		}
	}
}

// addReceivers starts the HTTP and UDP receivers, whichever are enabled.
func (a *app) addReceivers(ctx context.Context) error {
	logStream, err := a.router(ctx, config.LogsStream)
	if err != nil {
		return err
	}
	metricStream, err := a.router(ctx, config.MetricsStream)
	if err != nil {
		return err
	}
	allow, err := security.NewAllowlist(a.cfg.Security.AllowedCIDRs)
	if err != nil {
		return err
	}

	if a.cfg.HTTP.Enabled {
		authn, err := auth.New(a.cfg.Auth, nil)
		if err != nil {
			return err
		}
		var client redis.UniversalClient
		if a.cfg.RateLimit.Enabled && a.cfg.RateLimit.Backend == ratelimit.BackendRedis {
			rc, err := a.redisClient(ctx)
			if err != nil {
				return err
			}
			client = rc
		}
		limiter, err := ratelimit.New(a.cfg.RateLimit, client, nil, a.logger.With("component", "ratelimit"))
		if err != nil {
			return err
		}
		a.onClose(limiter.Close)
		dlq, err := a.deadLetters(ctx)
		if err != nil {
			return err
		}

		gw, err := gatewayhttp.New(gatewayhttp.Deps{
			Name:        "http-receiver",
			Config:      a.cfg.HTTP,
			TLS:         a.cfg.Security.TLS.Server,
			Logs:        logStream,
			Metrics:     metricStream,
			Limits:      a.cfg.Stream.Limits,
			Allowlist:   allow,
			Auth:        authn,
			Limiter:     limiter,
			Aggregates:  a.aggregates,
			DeadLetters: dlq,
			Checker:     a.checker,
			Registry:    a.registry,
			Logger:      a.logger.With("component", "http-receiver"),
		})
		if err != nil {
			return err
		}
		a.gateway = gw
		if err := a.manager.Add(service.FromComponent(gw, a.serviceOptions()...)); err != nil {
			return err
		}
	}

	if a.cfg.UDP.Enabled {
		rcv, err := udp.New(udp.Deps{
			Name:      "syslog",
			Config:    a.cfg.UDP,
			Stream:    logStream,
			Allowlist: allow,
			Metrics:   a.core,
			Registry:  a.registry,
			Logger:    a.logger.With("component", "udp-receiver"),
		})
		if err != nil {
			return err
		}
		a.udp = rcv
		if err := a.manager.Add(service.FromComponent(rcv, a.serviceOptions()...)); err != nil {
			return err
		}
	}
	return nil
}

// run starts every added service and blocks until a signal, a cancelled ctx
// or a failed service, then stops them in reverse order.
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration, ready func(*app)) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.manager.RegisterHealth(a.checker)
	if ready != nil {
		ready(a)
	}
	a.logger.Info("Starting services", "count", len(a.manager.Services()))
	err := a.manager.Run(ctx, shutdownTimeout)
	if err != nil {
		a.logger.Error("Services stopped with error", "error", err)
	} else {
		a.logger.Info("Shutdown complete")
	}
	return err
}
