package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/db"
	"github.com/hackgods/slot-reallocation-engine/internal/logging"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

var reasonCategories = []string{
	"Chest Pain",
	"Breathing Difficulty",
	"Fever",
	"Injury",
	"Follow Up",
	"Routine Checkup",
	"Consultation",
}

const shrinkStep = 5

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	CancelRatio  float64
	ShrinkRatio  float64
	UrgencyRatio float64
	PatientLimit int
	SlotLimit    int
	PostgresDSN  string
	JWTSecret    string
}

type patientRef struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
}

type slotRef struct {
	ID          uuid.UUID
	DoctorOwner uuid.UUID
	Start       timeutil.Clock
	End         timeutil.Clock
}

type bookedRef struct {
	ID          uuid.UUID
	PatientOwn  uuid.UUID
	DoctorOwner uuid.UUID
}

type DataPool struct {
	Patients     []patientRef
	Slots        []slotRef
	mu           sync.Mutex
	appointments []bookedRef
}

func (dp *DataPool) AddAppointment(ref bookedRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, ref)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (bookedRef, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return bookedRef{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// TakeAppointment removes a random appointment so it is not cancelled twice.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (bookedRef, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return bookedRef{}, false
	}
	i := rng.Intn(len(dp.appointments))
	ref := dp.appointments[i]
	dp.appointments[i] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return ref, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error, okStatus int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status == okStatus:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && (status == http.StatusConflict || status == http.StatusBadRequest):
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking OperationMetrics
	Confirm OperationMetrics
	Cancel  OperationMetrics
	Shrink  OperationMetrics
	Urgency OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
	tokens  sync.Map
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "error")
		bootLogger.Fatal().Err(err).Msg("failed to load base config")
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("component", "simulate").Logger()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("shrink", cfg.ShrinkRatio).
		Float64("urgency", cfg.UrgencyRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport(os.Stdout)
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.1),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ShrinkRatio:  getFloat("SIM_SHRINK_RATIO", 0.1),
		UrgencyRatio: getFloat("SIM_URGENCY_RATIO", 0.2),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 1000),
		PostgresDSN:  base.PostgresDSN,
		JWTSecret:    base.JWTSecret,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CancelRatio + cfg.ShrinkRatio + cfg.UrgencyRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CancelRatio /= total
		cfg.ShrinkRatio /= total
		cfg.UrgencyRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to sign caller tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id, owner_id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var p patientRef
		if err := rows.Scan(&p.ID, &p.OwnerID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT s.id, d.owner_id, s.start_time, s.end_time
		FROM slots s
		JOIN doctors d ON d.id = s.doctor_id
		WHERE s.type = 'normal' AND s.date > current_date
		ORDER BY s.date, s.start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s          slotRef
			start, end string
		)
		if err := rows.Scan(&s.ID, &s.DoctorOwner, &start, &end); err != nil {
			return nil, err
		}
		if s.Start, err = timeutil.ParseClock(start); err != nil {
			return nil, err
		}
		if s.End, err = timeutil.ParseClock(end); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no future slots loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio+c.CancelRatio:
			s.doCancel(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio+c.CancelRatio+c.ShrinkRatio:
			s.doShrink(ctx, rng)
		default:
			s.doUrgency(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	who := auth.Identity{UserID: patient.OwnerID, Role: auth.RolePatient}

	var subs []struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	status, _, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/slots/%s/sub-slots", slot.ID), nil, who, &subs)
	if err != nil || status != http.StatusOK || len(subs) == 0 {
		return
	}
	pick := subs[rng.Intn(len(subs))]

	desc := strings.Join([]string{gofakeit.Adjective(), gofakeit.Noun(), "since", gofakeit.WeekDay()}, " ")
	body := map[string]any{
		"slot_id":            slot.ID.String(),
		"patient_id":         patient.ID.String(),
		"reason_category":    reasonCategories[rng.Intn(len(reasonCategories))],
		"reason_description": desc,
		"start_time":         pick.StartTime,
		"end_time":           pick.EndTime,
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments", body, who, &created)
	s.metrics.Booking.Record(latency, status, err, http.StatusCreated)
	if err == nil && status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(bookedRef{ID: created.ID, PatientOwn: patient.OwnerID, DoctorOwner: slot.DoctorOwner})
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	who := auth.Identity{UserID: ref.PatientOwn, Role: auth.RolePatient}
	status, latency, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/confirm", ref.ID), nil, who, nil)
	s.metrics.Confirm.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}
	who := auth.Identity{UserID: ref.PatientOwn, Role: auth.RolePatient}
	status, latency, err := s.call(ctx, http.MethodDelete, fmt.Sprintf("/appointments/%s", ref.ID), nil, who, nil)
	s.metrics.Cancel.Record(latency, status, err, http.StatusNoContent)
}

// doShrink trims a slot by a random number of 5 minute steps, never below
// half its original length.
func (s *Simulator) doShrink(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	minutes := timeutil.MinutesBetween(slot.Start, slot.End)
	steps := minutes / 2 / shrinkStep
	if steps < 1 {
		return
	}
	newEnd := slot.End - timeutil.Clock(shrinkStep*(1+rng.Intn(steps)))

	who := auth.Identity{UserID: slot.DoctorOwner, Role: auth.RoleDoctor}
	body := map[string]string{"new_end_time": newEnd.String()}
	status, latency, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/slots/%s/shrink", slot.ID), body, who, nil)
	s.metrics.Shrink.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doUrgency(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	who := auth.Identity{UserID: ref.DoctorOwner, Role: auth.RoleDoctor}
	body := map[string]bool{"is_urgent": rng.Intn(2) == 0}
	status, latency, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/urgency", ref.ID), body, who, nil)
	s.metrics.Urgency.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) token(who auth.Identity) (string, error) {
	if tok, ok := s.tokens.Load(who); ok {
		return tok.(string), nil
	}
	tok, err := auth.IssueToken(s.config.JWTSecret, who, s.config.Duration+time.Hour)
	if err != nil {
		return "", err
	}
	s.tokens.Store(who, tok)
	return tok, nil
}

// call sends one authenticated request and decodes a 2xx body into out.
func (s *Simulator) call(ctx context.Context, method, path string, body any, who auth.Identity, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	tok, err := s.token(who)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport(w io.Writer) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "SIMULATION REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "Duration: %s\n", s.config.Duration)
	fmt.Fprintf(w, "Workers: %d\n\n", s.config.Workers)

	printOperationReport(w, "Booking", &s.metrics.Booking)
	printOperationReport(w, "Confirm", &s.metrics.Confirm)
	printOperationReport(w, "Cancel", &s.metrics.Cancel)
	printOperationReport(w, "Shrink", &s.metrics.Shrink)
	printOperationReport(w, "Urgency", &s.metrics.Urgency)
}

func printOperationReport(w io.Writer, name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, min, max, p50, p95 := om.Stats()

	fmt.Fprintf(w, "%s:\n", name)
	fmt.Fprintf(w, "  Total: %d\n", total)
	fmt.Fprintf(w, "  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Fprintf(w, "  Rejected: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Fprintf(w, "  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Fprintf(w, "  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
