package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/secflowhq/secflow/common/config"
	"github.com/secflowhq/secflow/common/logger"
	"github.com/secflowhq/secflow/common/metrics"
	redisw "github.com/secflowhq/secflow/common/redis"
	"github.com/secflowhq/secflow/orchestrator"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/runtime"
	"github.com/secflowhq/secflow/runtime/runner"
	"github.com/secflowhq/secflow/store"
	"github.com/secflowhq/secflow/store/postgres"
	"github.com/secflowhq/secflow/tracebus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("worker starting",
		"environment", cfg.Service.Environment,
		"task_queue", cfg.Engine.TaskQueue,
		"namespace", cfg.Engine.Namespace)

	deps, err := initializeDependencies(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.shutdown()

	worker, err := createWorker(cfg, log, deps)
	if err != nil {
		log.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- worker.Start(ctx)
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Service.MetricsPort)
		log.Info("metrics listening", "addr", addr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(deps.promRegistry, promhttp.HandlerOpts{}))
		errChan <- http.ListenAndServe(addr, mux)
	}()

	log.Info("worker started")
	waitForShutdown(ctx, cancel, errChan, log)
	log.Info("worker shutting down gracefully")
}

// dependencies holds all external dependencies of the worker
type dependencies struct {
	pool         *pgxpool.Pool
	redisClient  *goredis.Client
	redisWrapper *redisw.Client
	store        store.Store
	recorder     *tracebus.Recorder
	bus          *tracebus.Bus
	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry
}

func (d *dependencies) shutdown() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redisClient != nil {
		d.redisClient.Close()
	}
}

func initializeDependencies(ctx context.Context, cfg *config.Config, log *logger.Logger) (*dependencies, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}
	log.Info("connected to Postgres", "host", cfg.Database.Host)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	log.Info("connected to Redis", "addr", cfg.Redis.Addr)

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry, "secflow")

	redisWrapper := redisw.NewClient(redisClient, log)
	spiller := store.NewSpiller(redisWrapper, cfg.Engine.SpillThreshold)
	spiller.Metrics = m

	st := postgres.New(&postgres.Opts{
		Pool:    pool,
		Spiller: spiller,
		Logger:  log,
	})

	bus := tracebus.New(log)
	recorder := tracebus.NewRecorder(st, bus, redisWrapper, log).WithMetrics(m)

	return &dependencies{
		pool:         pool,
		redisClient:  redisClient,
		redisWrapper: redisWrapper,
		store:        st,
		recorder:     recorder,
		bus:          bus,
		metrics:      m,
		promRegistry: promRegistry,
	}, nil
}

func createWorker(cfg *config.Config, log *logger.Logger, deps *dependencies) (*orchestrator.Worker, error) {
	builder := registry.NewBuilder()
	for _, def := range registry.CoreComponents() {
		builder.Register(def)
	}
	reg, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build component registry: %w", err)
	}

	runners := runner.NewDispatcher(&runner.Opts{
		ContainerBinary: cfg.Engine.ContainerBinary,
		Logger:          log,
	})

	executor := runtime.NewExecutor(&runtime.Opts{
		Registry:   reg,
		Store:      deps.store,
		Recorder:   deps.recorder,
		Runners:    runners,
		Logger:     log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})

	engine := orchestrator.NewEngine(&orchestrator.Opts{
		Store:          deps.store,
		Registry:       reg,
		Executor:       executor,
		Recorder:       deps.recorder,
		Logger:         log,
		Metrics:        deps.metrics,
		GracePeriod:    cfg.Engine.GracePeriod,
		RunTimeout:     cfg.Engine.RunTimeout,
		MaxConcurrency: cfg.Engine.RunMaxConcurrency,
	})

	return orchestrator.NewWorker(&orchestrator.WorkerOpts{
		Redis:       deps.redisWrapper,
		Engine:      engine,
		Logger:      log,
		TaskQueue:   cfg.Engine.TaskQueue,
		Concurrency: cfg.Engine.WorkerConcurrency,
	}), nil
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error("component failed", "error", err)
		}
		cancel()
	case <-ctx.Done():
	}
}
