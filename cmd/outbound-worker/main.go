// Command outbound-worker runs one SMTP delivery worker per configured
// (zone, egress-IP) pair. Wiring mirrors the teacher's root main.go:
// flag-parsed config path, zap logger, Postgres + Redis connections, a
// Prometheus metrics HTTP server, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oonrumail/outbound-worker/bodyfetch"
	"github.com/oonrumail/outbound-worker/config"
	"github.com/oonrumail/outbound-worker/dsn"
	"github.com/oonrumail/outbound-worker/metrics"
	"github.com/oonrumail/outbound-worker/notify"
	"github.com/oonrumail/outbound-worker/queueclient"
	"github.com/oonrumail/outbound-worker/resolver"
	"github.com/oonrumail/outbound-worker/srs"
	"github.com/oonrumail/outbound-worker/worker"
	"github.com/oonrumail/outbound-worker/zone"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("starting outbound worker", zap.String("version", "1.0.0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	redisClient := initRedis(cfg.Redis)
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	timers := metrics.New(logger.Named("metrics"), registry)
	go timers.Run(ctx.Done(), cfg.Metrics.FlushInterval)

	zoneRepo := zone.NewPostgresRepository(dbPool)
	zoneStore := zone.NewStore(zoneRepo, logger.Named("zone"), cfg.Queue.ZoneRefreshInterval, redisClient)
	if err := zoneStore.Start(ctx); err != nil {
		logger.Fatal("failed to start zone store", zap.Error(err))
	}
	defer zoneStore.Stop()

	res, err := resolver.New()
	if err != nil {
		logger.Fatal("failed to build resolver", zap.Error(err))
	}

	body := bodyfetch.New(cfg.API.Hostname, cfg.API.Port, cfg.API.Timeout)
	queue := queueclient.New(redisClient, logger.Named("queueclient"), timers)
	go queue.Run(ctx, ctx.Done(), cfg.Queue.SweepInterval, zoneStore.Names)

	notifier := notify.New(cfg.Bounces.URL, cfg.Bounces.Enabled, cfg.API.Hostname, queue,
		dsn.NewGenerator(cfg.API.Hostname), logger.Named("notify"))

	var srsPolicy worker.SrsPolicy
	if cfg.SRS.Enabled {
		srsPolicy = worker.SrsPolicy{
			Enabled:        true,
			Rewriter:       srs.New(cfg.SRS.Secret),
			RewriteDomain:  cfg.SRS.RewriteDomain,
			ExcludeDomains: cfg.SRS.ExcludeDomains,
		}
	}

	workers := startWorkers(ctx, cfg, zoneStore, queue, res, body, notifier, timers, srsPolicy, logger)

	metricsServer := initMetricsServer(cfg.Metrics, registry)
	go func() {
		logger.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr()))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	for _, w := range workers {
		w.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// startWorkers launches one Worker.Run goroutine per (zone, egress-IP)
// pair currently known to zoneStore (spec.md §5: "typically one per
// (zone, egress-IP) pair").
func startWorkers(ctx context.Context, cfg *config.Config, zoneStore *zone.Store, queue *queueclient.Client,
	res *resolver.Resolver, body *bodyfetch.Fetcher, notifier *notify.Notifier, timers *metrics.Registry,
	srsPolicy worker.SrsPolicy, logger *zap.Logger) []*worker.Worker {

	var workers []*worker.Worker
	for _, zoneName := range zoneStore.Names() {
		z, ok := zoneStore.Get(zoneName)
		if !ok {
			continue
		}
		addressCount := len(z.Addresses)
		if addressCount == 0 {
			addressCount = 1
		}
		for i := 0; i < addressCount; i++ {
			w := worker.New(worker.Config{
				ZoneName:    zoneName,
				Zone:        z,
				ZoneStore:   zoneStore,
				Queue:       queue,
				Resolver:    res,
				Body:        body,
				Notifier:    notifier,
				Timers:      timers,
				DkimEnabled: cfg.DKIM.Enabled,
				Srs:         srsPolicy,
				Logger:      logger.Named("worker").With(zap.String("zone", zoneName)),
			})
			workers = append(workers, w)
			go func() {
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("worker exited", zap.String("zone", zoneName), zap.Error(err))
				}
			}()
		}
	}
	return workers
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func initMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)

	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
