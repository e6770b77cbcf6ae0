package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"qpool_cache/internal/cache"
	"qpool_cache/internal/config"
	"qpool_cache/internal/exam"
	"qpool_cache/internal/logger"
	"qpool_cache/internal/ops"
	"qpool_cache/internal/session"
	"qpool_cache/internal/source"
	"qpool_cache/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional in production, convenient in development.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisStore, err := storage.NewRedisStorage(ctx, cfg.Redis.URL, cfg.Redis.OpTimeout())
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisStore.Close()
	logger.Info().Msg("Connected to Redis")

	pgStore, err := storage.NewPostgresStorage(ctx, cfg.Postgres.URL, cfg.Postgres.QueryTimeout())
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer pgStore.Close()
	if err := pgStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	logger.Info().Msg("Connected to Postgres")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sourceClient := source.NewClient(cfg.Source)
	manager := cache.NewManager(
		[]cache.Tier{
			cache.NewRedisTier(redisStore, cfg.Cache.PoolTTL()),
			cache.NewPostgresTier(pgStore, cfg.Cache.DurableTTL()),
		},
		sourceClient,
		cache.NewStats(registry),
	)

	sessions := session.NewStore(redisStore, cfg.Session.TTL())
	locks := session.NewSubmissionLock(redisStore, cfg.Session.LockTTL())
	sweeper := session.NewSweeper(sessions, cfg.Sweeper.Interval(), cfg.Sweeper.InactivityThreshold(), registry)
	go sweeper.Run(ctx)

	questions := cache.NewQuestionCache(redisStore, cfg.Cache.QuestionTTL())
	exams := exam.NewService(manager, questions, sessions, locks, pgStore, nil)

	server := ops.NewServer(manager, exams, sweeper, redisStore, pgStore, registry)
	return server.Run(ctx, cfg.Server.Addr)
}
