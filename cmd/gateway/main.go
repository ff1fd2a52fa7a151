package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/pipeline"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Strings("drivers", cfg.DeliveryDrivers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redis.New(ctx, redis.Config{
		Host:            cfg.RedisHost,
		Port:            cfg.RedisPort,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		ConnectAttempts: cfg.RedisConnectAttempts,
		RetryBase:       cfg.RedisRetryBase,
		RetryMax:        cfg.RedisRetryMax,
		PingInterval:    cfg.RedisPingInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()
	metrics.SetRedisConnected(true)

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "delivery",
		MaxFailures:     cfg.BreakerMaxFailures,
		RecoveryTimeout: cfg.BreakerRecoveryTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	}, logger)
	metrics.SetBreakerState(breaker.Name(), int(circuitbreaker.StateClosed))

	q := queue.New(redisClient.Redis(), queue.Config{
		Prefix:       cfg.QueuePrefix,
		MaxAttempts:  cfg.QueueMaxAttempts,
		BackoffBase:  cfg.QueueBackoffBase,
		MaxBackoff:   cfg.QueueBackoffMax,
		PollInterval: cfg.QueuePollInterval,
		LeaseTimeout: cfg.QueueLeaseTimeout,
		Concurrency:  cfg.QueueWorkers,
	}, logger)

	bus := events.New()
	p := pipeline.New(
		redisClient,
		redis.NewStatusStore(redisClient, logger),
		q,
		circuitbreaker.NewProtectedSender(sender, breaker, logger),
		bus,
		pipeline.Config{
			RateLimit: cfg.DeliveryRateLimit,
			Burst:     cfg.DeliveryBurst,
		},
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Optional delivery history archive
	var history api.HistoryReader
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to migrate history schema: %w", err)
		}

		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		repo := db.NewHistoryRepository(database, logger)
		history = repo

		archiver := db.NewArchiver(bus, repo, logger)
		g.Go(func() error {
			archiver.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		redisClient.Monitor(gctx)
		return nil
	})

	g.Go(func() error {
		p.Run(gctx)
		return nil
	})

	var limiter *redis.RateLimiter
	if cfg.APIRateLimit > 0 {
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
	}

	handler := api.NewHandler(logger, p, history)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}
