// Command taskgate-worker consumes task queues, runs tasks on the external
// executor, and schedules maintenance jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	redisbroker "github.com/mihaimyh/taskgate/broker/redis"
	"github.com/mihaimyh/taskgate/pkg/bridge"
	"github.com/mihaimyh/taskgate/pkg/config"
	"github.com/mihaimyh/taskgate/pkg/api"
	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/maintenance"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	zerologadapter "github.com/mihaimyh/taskgate/pkg/taskgate/logger/zerolog"
	prommetrics "github.com/mihaimyh/taskgate/pkg/taskgate/metrics/prometheus"
	"github.com/mihaimyh/taskgate/pkg/worker"
	"github.com/mihaimyh/taskgate/storage/postgres"
	redisstore "github.com/mihaimyh/taskgate/storage/redis"
)

const metricsNamespace = "taskgate"

func main() {
	configPath := flag.String("config", "taskgate.yaml", "path to the YAML configuration file")
	flag.Parse()

	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "taskgate-worker").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to load configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		zl.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	logger := zerologadapter.NewLogger(zl.Level(level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", taskgate.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zerologadapter.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(reg, metricsNamespace)

	client := goredis.NewUniversalClient(cfg.RedisOptions())
	defer client.Close()

	store, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.Redis.StorePrefix})
	if err != nil {
		return fmt.Errorf("failed to create counter store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		// Admission fails open, so a cold Redis is not fatal for startup.
		logger.Warn("counter store not reachable at startup", taskgate.Err(err))
	}
	counters := taskgate.NewBreakerStoreFromConfig(store, cfg.CircuitBreakerConfig(), metrics, logger)

	broker, err := redisbroker.New(client, redisbroker.Config{
		KeyPrefix:         cfg.Redis.BrokerPrefix,
		VisibilityTimeout: cfg.Redis.VisibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	tiers, tierDB, err := tierProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if tierDB != nil {
		defer tierDB.Close()
	}

	gate, err := taskgate.NewGate(counters, tiers, cfg.GateConfig(logger, metrics))
	if err != nil {
		return fmt.Errorf("failed to create admission gate: %w", err)
	}

	routes, err := cfg.DispatchRoutes()
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.NewDispatcher(broker, dispatch.Config{Routes: routes, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	reg.MustRegister(prommetrics.NewQueueCollector(broker, queueNames(dispatcher.Queues()), metricsNamespace))

	bridgeConfig, err := cfg.BridgeClientConfig()
	if err != nil {
		return err
	}
	bridgeConfig.Logger = logger
	executorClient := bridge.New(bridgeConfig)

	mux := worker.NewMux()
	for _, kind := range taskgate.ExecutorKinds() {
		mux.Handle(kind, executorClient)
	}

	hooks := []maintenance.Hook{maintenance.ReclaimHook(broker, dispatcher.Queues(), logger)}
	if tierDB != nil {
		hooks = append(hooks, maintenance.CleanupHook(tierDB, logger))
	}
	schedConfig := maintenance.Config{Hooks: cfg.MaintenanceHooks(hooks), RunOnStart: cfg.Maintenance.RunOnStart, Logger: logger}
	if cfg.Maintenance.Enqueue {
		schedConfig.Enqueuer = dispatcher
	}
	scheduler, err := maintenance.NewScheduler(schedConfig)
	if err != nil {
		return err
	}
	scheduler.Register(mux)

	sink := worker.Sinks{worker.NewLogSink(logger), metrics}
	executor, err := worker.NewExecutor(broker, mux, gate, cfg.ExecutorConfig(logger, sink))
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	pool, err := worker.NewPool(broker, executor, cfg.PoolConfig(dispatcher.Queues(), logger))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	usage, err := api.NewHandler(api.Config{Gate: gate, GetUserID: userFromPath, Logger: logger})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler: (&admin{
			reg:       reg,
			broker:    broker,
			stats:     broker,
			queues:    queueNames(dispatcher.Queues()),
			scheduler: scheduler,
			usage:     usage,
			logger:    logger,
		}).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	if cfg.Maintenance.Enabled {
		g.Go(func() error { return scheduler.Run(ctx) })
	}
	g.Go(func() error {
		logger.Info("admin server listening", taskgate.F("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// tierProvider returns the Postgres tier provider when a DSN is configured,
// and the static tier table otherwise.
func tierProvider(ctx context.Context, cfg config.Config,
	logger taskgate.Logger) (taskgate.TierProvider, *postgres.TierProvider, error) {
	if cfg.Postgres.DSN == "" {
		logger.Info("no tier database configured, using static tiers",
			taskgate.F("fallbackTier", cfg.Gate.FallbackTier),
		)
		return taskgate.NewStaticTierProvider(cfg.Tiers, cfg.Gate.FallbackTier), nil, nil
	}

	db, err := postgres.New(ctx, cfg.PostgresStoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to tier database: %w", err)
	}
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate tier database: %w", err)
		}
		if err := db.UpsertTiers(ctx, cfg.Tiers); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to seed tiers: %w", err)
		}
	}
	return db, db, nil
}
