package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/appointment"
	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/db"
	"github.com/hackgods/slot-reallocation-engine/internal/logging"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

var specializations = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "error")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "seed").Logger()

	doctors := getInt("SEED_DOCTORS", 20)
	patients := getInt("SEED_PATIENTS", 2000)
	days := getInt("SEED_DAYS", 14)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(ctx, pool, doctors, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(ctx, pool, patients, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	firstDay := timeutil.DateOf(time.Now(), cfg.Timezone).AddDate(0, 0, 1)
	repo := appointment.NewPgRepository(pool)
	created, err := seedSlots(ctx, repo, doctorIDs, firstDay, days)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}
	logger.Info().Int("slots", created).Int("days", days).Msg("slots seeded")

	if cfg.JWTSecret != "" {
		token, err := auth.IssueToken(cfg.JWTSecret, auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin}, 24*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue admin token")
		}
		fmt.Fprintf(os.Stdout, "admin token (24h): %s\n", token)
	}

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding doctors")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specializations[gofakeit.Number(0, len(specializations)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, owner_id, name, specialization, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, uuid.New(), "Dr. "+gofakeit.Name(), spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, owner_id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), uuid.New(), gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		logger.Debug().Int("seeded", end).Int("total", count).Msg("patients batch committed")
	}
	return nil
}

func seedSlots(ctx context.Context, repo appointment.Repository, doctorIDs []uuid.UUID, firstDay time.Time, days int) (int, error) {
	created := 0
	for _, doctorID := range doctorIDs {
		err := repo.WithinTx(ctx, func(tx appointment.Repository) error {
			for d := 0; d < days; d++ {
				date := firstDay.AddDate(0, 0, d)
				if date.Weekday() == time.Sunday {
					continue
				}
				for _, s := range dayTemplate(doctorID, date) {
					if err := tx.CreateSlot(ctx, &s); err != nil {
						return fmt.Errorf("create slot %s %s: %w", timeutil.FormatDate(date), s.StartTime, err)
					}
					created++
				}
			}
			return nil
		})
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// dayTemplate lays out a clinic day: a stream morning, a wave afternoon and
// a buffer hour that absorbs shrink overflow.
func dayTemplate(doctorID uuid.UUID, date time.Time) []appointment.Slot {
	slot := func(start, end string, mode appointment.SlotMode, duration, maxBookings int, typ appointment.SlotType) appointment.Slot {
		return appointment.Slot{
			ID:           uuid.New(),
			DoctorID:     doctorID,
			Date:         date,
			StartTime:    timeutil.MustClock(start),
			EndTime:      timeutil.MustClock(end),
			Mode:         mode,
			SlotDuration: duration,
			MaxBookings:  maxBookings,
			Type:         typ,
		}
	}
	return []appointment.Slot{
		slot("09:00", "12:00", appointment.ModeStream, 15, 1, appointment.SlotNormal),
		slot("13:00", "15:00", appointment.ModeWave, 30, 3, appointment.SlotNormal),
		slot("15:00", "16:00", appointment.ModeStream, 15, 1, appointment.SlotBuffer),
	}
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
