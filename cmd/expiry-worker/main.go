package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/appointment"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/db"
	"github.com/hackgods/slot-reallocation-engine/internal/logging"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
)

type expirer interface {
	ExpireUnconfirmedAppointments(ctx context.Context) (int, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "error")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "expiry-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("confirmation_timeout", cfg.ConfirmationTimeout).
		Msg("expiry worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()

	locker := redisclient.NewRedisSlotLocker(rdb, redisclient.LockOptions{
		TTL:        cfg.LockTTL,
		Attempts:   cfg.LockRetryAttempts,
		RetryDelay: cfg.LockRetryDelay,
	})
	svc := appointment.NewService(appointment.NewPgRepository(pgPool), locker, cfg, appointment.WithLogger(logger))

	run(rootCtx, svc, cfg.WorkerInterval, logger)
	logger.Info().Msg("expiry worker stopped")
}

// run sweeps once at startup and then on every tick until ctx is done.
func run(ctx context.Context, svc expirer, interval time.Duration, logger zerolog.Logger) {
	runOnce(ctx, svc, interval, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, svc, interval, logger)
		}
	}
}

func runOnce(ctx context.Context, svc expirer, interval time.Duration, logger zerolog.Logger) int {
	timeout := 20 * time.Second
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireUnconfirmedAppointments(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("expiry run error")
		return 0
	}
	logger.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("expiry run complete")
	return n
}
