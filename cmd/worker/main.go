package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "jmxcluster/configs"
	"jmxcluster/pkg/api"
	"jmxcluster/pkg/auth"
	"jmxcluster/pkg/cluster"
	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/coordination/etcd"
	"jmxcluster/pkg/coordination/memory"
	"jmxcluster/pkg/logger"
	"jmxcluster/pkg/notify"
	tracing "jmxcluster/pkg/observability"
	"jmxcluster/pkg/resilience"
	"jmxcluster/pkg/storage"
	"jmxcluster/pkg/storage/postgres"
	"jmxcluster/pkg/storage/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "jmxcluster-worker",
		Worker:     cfg.WorkerAlias,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("Worker exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("jmxcluster-worker")
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Endpoint = cfg.OTLPEndpoint
	tcfg.WorkerAlias = cfg.WorkerAlias
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer shutdown(log, "tracing", tp.Shutdown)

	registry := notify.NewRegistry()
	listeners := cluster.Listeners{notify.NewLogListener(logger.Named("engine")), registry}

	var audit storage.AuditStore
	if cfg.RedisAddr != "" {
		rcfg := redis.DefaultConfig(cfg.RedisAddr)
		rcfg.Stream = cfg.RedisStream
		stream, err := redis.NewEventStreamWithConfig(rcfg)
		if err != nil {
			return err
		}
		defer stream.Close()
		sink := notify.NewSinkListener("redis", cfg.WorkerAlias, stream.Publish,
			resilience.New("redis", resilience.DefaultConfig()), logger.Named("sink"))
		defer shutdown(log, "redis sink", sink.Close)
		listeners = append(listeners, sink)
		log.Info("Publishing ownership events", zap.String("stream", stream.Stream()))
	}
	if cfg.DatabaseURL != "" {
		store, err := postgres.NewAuditStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		sink := notify.NewSinkListener("postgres", cfg.WorkerAlias, store.Record,
			resilience.New("postgres", resilience.DefaultConfig()), logger.Named("sink"))
		defer shutdown(log, "postgres sink", sink.Close)
		listeners = append(listeners, sink)
		audit = store
		log.Info("Recording ownership history")
	}

	connect, err := connector(cfg, log)
	if err != nil {
		return err
	}
	session := cluster.NewSession(cluster.Config{
		WorkerAlias:       cfg.WorkerAlias,
		Endpoints:         cfg.EtcdEndpoints,
		WorkersRoot:       cfg.WorkersRoot,
		TargetsRoot:       cfg.TargetsRoot,
		LockTimeout:       cfg.LockTimeout,
		ReconcileSchedule: cfg.ReconcileSchedule,
	}, connect, listeners, cluster.WithLogger(logger.Named("cluster")))

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer shutdown(log, "cluster session", session.Stop)

	var tokens *auth.TokenService
	if cfg.JWTSecret != "" {
		if tokens, err = auth.NewTokenService(auth.DefaultTokenConfig(cfg.JWTSecret)); err != nil {
			return err
		}
	} else {
		log.Warn("JWT_SECRET not set, elect endpoint disabled")
	}

	server := api.NewServer(api.Config{
		Port:     cfg.APIPort,
		Cluster:  session,
		Registry: registry,
		Audit:    audit,
		Tokens:   tokens,
		Logger:   logger.Named("api"),
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	layout := session.Layout()
	log.Info("Worker running",
		zap.String("workers_root", layout.WorkersRoot),
		zap.String("targets_root", layout.TargetsRoot),
		zap.Int("targets", len(session.Targets())),
		zap.Int("misconfigured", len(session.Misconfigured())))

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			log.Error("Status API failed", zap.Error(err))
		}
	}

	shutdown(log, "status API", server.Shutdown)
	return nil
}

// connector returns the coordination backend named by COORD_BACKEND. The
// memory backend only coordinates within this process.
func connector(cfg *config.Config, log *zap.Logger) (cluster.Connector, error) {
	switch cfg.Backend {
	case "etcd":
		return func(ctx context.Context, endpoints []string) (coordination.Service, error) {
			return etcd.Connect(ctx, etcd.Config{
				Endpoints:       endpoints,
				DialTimeout:     cfg.DialTimeout,
				SessionTTL:      cfg.SessionTTL,
				RetryCount:      cfg.RetryCount,
				RetryBackoff:    cfg.RetryBackoff,
				RetryMaxBackoff: cfg.RetryMaxBackoff,
				Logger:          logger.Named("etcd"),
			})
		}, nil
	case "memory":
		log.Warn("Using in-process coordination, ownership is not shared with other workers")
		tree := memory.NewTree()
		return func(context.Context, []string) (coordination.Service, error) {
			return tree.Connect(cfg.WorkerAlias), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown coordination backend %q", cluster.ErrConfig, cfg.Backend)
	}
}

// shutdown runs fn with a fresh deadline and logs its failure.
func shutdown(log *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Shutdown step failed", zap.String("step", what), zap.Error(err))
	}
}
