package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mtl-publisher/config"
	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/metrics"
	"mtl-publisher/internal/mq"
	"mtl-publisher/internal/pipeline"
	"mtl-publisher/internal/reactor"
	"mtl-publisher/internal/records"
	"mtl-publisher/internal/routing"
	"mtl-publisher/internal/tracing"
)

// Process exit codes.
const (
	exitOK         = 0
	exitUsage      = 1
	exitMalformed  = 2
	exitIncomplete = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	if len(args) != 1 {
		logger.Error("usage: publisher <records.json>", "error", errs.ErrUsage)
		return exitUsage
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return exitUsage
	}
	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	seq, key, err := load(args[0])
	if err != nil {
		logger.Error("failed to load records", "path", args[0], "error", err)
		return exitCode(err)
	}
	logger.Info("records loaded", "path", args[0], "records", seq.Len(), "routing_key", key)

	tracer, flush, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		return exitUsage
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flush(ctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	collector := metrics.NewClient()
	r := reactor.New()
	runner := pipeline.NewRunner(r, pipeline.Config{
		URL: cfg.RabbitMQ.URL,
		Dialer: mq.AMQPDialer{
			Timeout:   cfg.RabbitMQ.DialTimeout,
			Heartbeat: cfg.RabbitMQ.Heartbeat,
			Attempts:  cfg.RabbitMQ.DialAttempts,
			Logger:    logger,
		},
		RoutingKey:   key,
		Records:      seq,
		Topology:     cfg.PipelineTopology(),
		TopologyGate: cfg.Topology.Gate,
		Publish: pipeline.PublishOptions{
			Policy:      cfg.Publisher.CommitPolicy,
			ContentType: cfg.Publisher.ContentType,
			Persistent:  cfg.Publisher.Persistent,
		},
		Termination:  cfg.Publisher.Termination,
		DrainTimeout: cfg.Publisher.DrainTimeout,
		Metrics:      collector,
		Tracer:       tracer,
		Logger:       logger,
	})

	signals, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, ctx := errgroup.WithContext(runCtx)

	runner.Start()
	g.Go(func() error {
		// the reactor returns once the connection detaches
		defer cancelRun()
		return r.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-signals.Done():
			logger.Info("signal received, shutting down")
			r.Post(runner.Shutdown)
		case <-ctx.Done():
		}
		return nil
	})
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:          cfg.Metrics.Addr,
			MetricsPath:   cfg.Metrics.Path,
			LivenessPath:  cfg.Metrics.LivenessPath,
			ReadinessPath: cfg.Metrics.ReadinessPath,
		}, collector)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run aborted", "error", err)
		return exitIncomplete
	}
	return outcome(logger, runner)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(
		os.Stdout,
		&slog.HandlerOptions{Level: level},
	))
}

// load decodes the records at path and resolves their routing key.
func load(path string) (*records.Sequence, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errs.ErrUsage, err)
	}
	defer f.Close()

	seq, err := records.Decode(f)
	if err != nil {
		return nil, "", err
	}
	return seq, routing.Resolve(routing.Identity(path)), nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errs.ErrUsage):
		return exitUsage
	case errors.Is(err, errs.ErrMalformedInput):
		return exitMalformed
	default:
		return exitIncomplete
	}
}

// outcome reports the run and picks the exit code: success only when
// every record was acknowledged.
func outcome(logger *slog.Logger, runner *pipeline.Runner) int {
	stats := runner.Stats()
	logger.Info("run finished",
		"records", stats.Records,
		"acked", stats.Acked,
		"failed", stats.Failed,
		"unknown", stats.Unknown(),
		"unissued", stats.Records-stats.Started,
	)
	if err := runner.Err(); err != nil {
		logger.Error("run ended with error", "error", err, "kind", errs.Kind(err))
		return exitIncomplete
	}
	if stats.Acked != stats.Records {
		return exitIncomplete
	}
	return exitOK
}
