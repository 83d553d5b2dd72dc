// Package main implements the entry point for the telemetry pipeline
// daemon: MQTT ingestion, reliable per-category queues, processing workers,
// time-series storage, SPC limits, the websocket fan-out gateway and the
// HTTP read API, wired together with graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tutuCH/opcua-backend-sub000/api"
	"github.com/tutuCH/opcua-backend-sub000/bus"
	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/gateway"
	"github.com/tutuCH/opcua-backend-sub000/ingest"
	"github.com/tutuCH/opcua-backend-sub000/machines"
	"github.com/tutuCH/opcua-backend-sub000/metric"
	"github.com/tutuCH/opcua-backend-sub000/process"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/spc"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "telemetryd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting telemetry pipeline", "version", Version, "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	directory, err := loadMachines(cliCfg.MachinesPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runPipeline(ctx, cfg, directory, logger, cliCfg.ShutdownTimeout)
}

func runPipeline(
	ctx context.Context,
	cfg *config.Config,
	directory *machines.InMemoryDirectory,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	metrics := metric.NewRegistry()
	core := metrics.Core

	// Queue store.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	q := queue.New(redisClient,
		queue.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		queue.WithDefaultMaxAttempts(cfg.Queue.DefaultMaxRetries),
		queue.WithLogger(logger),
		queue.WithMetrics(core),
	)

	// Time-series store. Points batch in the client; the flusher keeps
	// latency bounded at low traffic.
	store := timeseries.New(cfg.Influx,
		timeseries.WithLogger(logger),
		timeseries.WithMetrics(core),
	)
	stopFlush := store.RunPeriodicFlush(ctx, cfg.Influx.FlushInterval)

	// Hot caches and processed-event bus.
	statuses := status.NewStore()
	defer statuses.Close()

	eventBus, err := bus.Connect(cfg.NATS, bus.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eventBus.Close()

	// SPC engine feeds on the store and is kept current by the spc worker.
	engine := spc.NewEngine(store, spc.WithLogger(logger))
	defer engine.Close()

	processor := process.New(store, eventBus, statuses,
		process.WithLimitUpdater(engine),
		process.WithLogger(logger),
		process.WithMetrics(core),
	)

	// Worker pools, one per category.
	concurrency := map[telemetry.Category]int{
		telemetry.CategoryRealtime: cfg.Workers.Realtime,
		telemetry.CategorySPC:      cfg.Workers.SPC,
		telemetry.CategoryTech:     cfg.Workers.Tech,
		telemetry.CategoryWarning:  cfg.Workers.Warning,
	}
	poolStops := make([]func(), 0, len(concurrency))
	queueNames := make([]string, 0, len(concurrency))
	for _, category := range telemetry.Categories() {
		name := category.QueueName()
		queueNames = append(queueNames, name)
		stop := q.RunWorkerPool(ctx, name, processor.Handler(category), queue.PoolOptions{
			Concurrency:  concurrency[category],
			PollInterval: cfg.Queue.PollInterval,
		})
		poolStops = append(poolStops, stop)
	}

	reaper := queue.NewReaper(q, queueNames, cfg.Queue.ReapInterval)
	reaper.Start(ctx)

	// Fan-out gateway.
	gw := gateway.New(cfg.Gateway, statuses, eventBus,
		gateway.WithLogger(logger),
		gateway.WithMetrics(core),
	)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	// Read API.
	apiServer := api.NewServer(cfg.API, directory, store, engine, q, statuses,
		api.WithLogger(logger),
		api.WithMetricsHandler(metrics.Handler()),
	)
	if err := apiServer.Start(); err != nil {
		return err
	}

	// Ingestion last: no message arrives before the pipeline can take it.
	ingestor := ingest.New(cfg.MQTT, q, directory,
		ingest.WithLogger(logger),
		ingest.WithMetrics(core),
	)
	if err := ingestor.Start(ctx); err != nil {
		return err
	}

	slog.Info("telemetry pipeline started")
	<-ctx.Done()
	slog.Info("received shutdown signal")

	// Shutdown mirrors the data flow: stop intake, drain workers, flush the
	// store, then tear down the outward surfaces.
	ingestor.Stop()
	for _, stop := range poolStops {
		stop()
	}
	reaper.Stop()
	stopFlush()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	if err := store.Close(flushCtx); err != nil {
		slog.Warn("time-series flush on shutdown failed", "error", err)
	}

	if err := gw.Stop(shutdownTimeout); err != nil {
		slog.Warn("gateway stop failed", "error", err)
	}
	if err := apiServer.Stop(shutdownTimeout); err != nil {
		slog.Warn("api stop failed", "error", err)
	}

	slog.Info("telemetry pipeline stopped")
	return nil
}
