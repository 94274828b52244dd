package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hackgods/slot-reallocation-engine/internal/api"
	"github.com/hackgods/slot-reallocation-engine/internal/appointment"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/db"
	"github.com/hackgods/slot-reallocation-engine/internal/logging"
	"github.com/hackgods/slot-reallocation-engine/internal/metrics"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "error")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	locker := redisclient.NewRedisSlotLocker(rdb, redisclient.LockOptions{
		TTL:        cfg.LockTTL,
		Attempts:   cfg.LockRetryAttempts,
		RetryDelay: cfg.LockRetryDelay,
	})
	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		locker,
		cfg,
		appointment.WithLogger(logger.With().Str("component", "engine").Logger()),
		appointment.WithMetrics(metrics.NewEngineMetrics(reg)),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Postgres:  pgPool,
		Redis:     rdb,
		Locks:     locker,
		Logger:    logger,
		Metrics:   metrics.NewHTTPMetrics(reg),
		Gatherer:  reg,
		JWTSecret: cfg.JWTSecret,
		Env:       cfg.Env,
		Version:   version,
	})
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET is empty, authenticated routes will reject every request")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
			pgPool.Close()
			_ = rdb.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("api-server stopped")
}
