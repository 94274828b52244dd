package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	"github.com/hackgods/slot-reallocation-engine/internal/metrics"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

const (
	EventSlotCreated          = "SLOT_CREATED"
	EventSlotRescheduled      = "SLOT_RESCHEDULED"
	EventSlotDeleted          = "SLOT_DELETED"
	EventSlotShrunk           = "SLOT_SHRUNK"
	EventSlotsShifted         = "SLOTS_SHIFTED"
	EventRecurrenceCreated    = "RECURRENCE_CREATED"
	EventRecurrenceDeleted    = "RECURRENCE_DELETED"
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentMoved     = "APPOINTMENT_RESCHEDULED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventUrgencyFinalized     = "URGENCY_FINALIZED"
)

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	cfg        config.Config
	priorities PriorityTable
	logger     zerolog.Logger
	metrics    *metrics.EngineMetrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.DefaultSlotDuration < 1 {
		cfg.DefaultSlotDuration = 15
	}
	s := &Service{
		repo:       repo,
		locker:     locker,
		cfg:        cfg,
		priorities: NewPriorityTable(cfg.ReasonPriorities),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("github.com/hackgods/slot-reallocation-engine/internal/appointment"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Priorities exposes the resolved reason table.
func (s *Service) Priorities() PriorityTable {
	return s.priorities
}

func (s *Service) today() time.Time {
	return timeutil.DateOf(s.now(), s.cfg.Timezone)
}

func (s *Service) instant(date time.Time, c timeutil.Clock) time.Time {
	return timeutil.At(date, c, s.cfg.Timezone)
}

// begin opens a span and returns a finisher that records outcome metrics.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "appointment."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveOperation(op, outcome(err), time.Since(start).Seconds())
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// withSlotLock runs fn while holding the slot's distributed lock and maps
// contention onto ErrSlotBusy.
func (s *Service) withSlotLock(ctx context.Context, op string, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithSlotLock(ctx, slotID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.metrics.ObserveLockContention(op)
		return ErrSlotBusy
	}
	return err
}

func (s *Service) withLock(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.metrics.ObserveLockContention(op)
		return ErrSlotBusy
	}
	return err
}

// authorizeDoctor loads the doctor and checks the caller owns it.
func authorizeDoctor(ctx context.Context, repo Directory, doctorID uuid.UUID, who auth.Identity) (*Doctor, error) {
	doctor, err := repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if doctor.OwnerID != who.UserID {
		return nil, ErrNotSlotOwner
	}
	return doctor, nil
}

func loadSlot(ctx context.Context, repo SlotStore, id uuid.UUID) (*Slot, error) {
	slot, err := repo.GetSlotByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	return slot, nil
}

func loadAppointment(ctx context.Context, repo AppointmentStore, id uuid.UUID) (*Appointment, error) {
	appt, err := repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

// events collects audit rows during a transaction; they are written after
// commit so a failing audit insert never aborts the business change.
type events []EventLog

func (e *events) add(at time.Time, eventType string, appointmentID, slotID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	*e = append(*e, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     at,
	})
}

func (s *Service) flush(ctx context.Context, evs events) {
	for _, ev := range evs {
		if err := s.repo.InsertEvent(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("failed to insert event log")
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
