package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PostgresPinger is satisfied by *pgxpool.Pool.
type PostgresPinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is satisfied by *redis.Client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// LockChecker takes and releases a lock; redisclient.Locker satisfies it.
type LockChecker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// readyLockPrefix never collides with slot, doctor or patient lock keys. Each
// check takes its own key so concurrent checks do not contend.
const readyLockPrefix = "lock:health:ready:"

type HealthHandler struct {
	pg      PostgresPinger
	redis   RedisPinger
	locks   LockChecker
	env     string
	version string
}

func NewHealthHandler(pg PostgresPinger, rdb RedisPinger, locks LockChecker, env, version string) *HealthHandler {
	return &HealthHandler{
		pg:      pg,
		redis:   rdb,
		locks:   locks,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness reports Postgres, Redis and a full slot-lock round trip. Without
// Postgres nothing works, so that is an error. A failed ping or lock round
// trip means every slot mutation fails while reads still work, which is
// reported as degraded.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	pgCtx, pgCancel := context.WithTimeout(ctx, time.Second)
	err := h.pg.Ping(pgCtx)
	pgCancel()
	if err != nil {
		deps["postgres"] = "down"
		status = "error"
	} else {
		deps["postgres"] = "ok"
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, time.Second)
	err = h.redis.Ping(redisCtx).Err()
	redisCancel()
	if err != nil {
		deps["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		deps["redis"] = "ok"
	}

	if h.locks != nil {
		lockCtx, lockCancel := context.WithTimeout(ctx, time.Second)
		err = h.locks.WithLock(lockCtx, readyLockPrefix+uuid.NewString(), func(context.Context) error { return nil })
		lockCancel()
		if err != nil {
			deps["slot_locks"] = "down"
			if status == "ok" {
				status = "degraded"
			}
		} else {
			deps["slot_locks"] = "ok"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	})
}
