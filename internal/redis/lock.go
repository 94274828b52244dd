package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("slot lock not acquired")
)

// Locker is used by the scheduling service to guard critical sections per slot
// and per patient-day.
type Locker interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// LockOptions tunes acquisition. Attempts below 1 are treated as 1.
type LockOptions struct {
	TTL        time.Duration
	Attempts   int
	RetryDelay time.Duration
}

type redisSlotLocker struct {
	client *redis.Client
	opts   LockOptions
}

// NewRedisSlotLocker creates a locker that uses a per resource Redis key
func NewRedisSlotLocker(client *redis.Client, opts LockOptions) Locker {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	return &redisSlotLocker{
		client: client,
		opts:   opts,
	}
}

func SlotKey(slotID uuid.UUID) string {
	return fmt.Sprintf("lock:slot:%s", slotID.String())
}

// DoctorSlotsKey serializes slot creation for one doctor so overlap checks
// see each other's inserts.
func DoctorSlotsKey(doctorID uuid.UUID) string {
	return fmt.Sprintf("lock:doctor:%s:slots", doctorID)
}

// PatientDayKey guards the one-appointment-per-day rule across slots.
func PatientDayKey(patientID, doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("lock:patient:%s:doctor:%s:%s", patientID, doctorID, date.Format("2006-01-02"))
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	return l.WithLock(ctx, SlotKey(slotID), fn)
}

func (l *redisSlotLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// release with a fresh context so an aborted request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.opts.TTL)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisSlotLocker) acquire(ctx context.Context, key, token string) error {
	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if attempt >= l.opts.Attempts {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.RetryDelay):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
