package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DBTX that can open transactions.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db   DBTX
	pool Pool // nil inside a transaction
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool Pool) *PgRepository {
	return &PgRepository{db: pool, pool: pool}
}

func (r *PgRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PgRepository{db: tx}); err != nil {
		// the request context may already be gone
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tx.Rollback(rbCtx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

const (
	doctorColumns  = `id, owner_id, name, specialization, created_at, updated_at`
	patientColumns = `id, owner_id, name, email, created_at, updated_at`
	slotColumns    = `id, doctor_id, date, start_time, end_time, mode, slot_duration, max_bookings, type, recurring_id, is_booked, created_at, updated_at`
	apptColumns    = `a.id, a.slot_id, a.patient_id, a.start_time, a.end_time, a.reason_category, a.reason_description, a.priority,
		a.is_urgency_finalized, a.is_confirmed, a.displaced, a.confirmation_requested_at, a.overflow_from_slot_id, a.created_at, a.updated_at`
)

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Specialization, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var start, end, mode, typ string

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&start,
		&end,
		&mode,
		&s.SlotDuration,
		&s.MaxBookings,
		&typ,
		&s.RecurringID,
		&s.IsBooked,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	if s.StartTime, err = timeutil.ParseClock(start); err != nil {
		return nil, fmt.Errorf("slot %s start_time: %w", s.ID, err)
	}
	if s.EndTime, err = timeutil.ParseClock(end); err != nil {
		return nil, fmt.Errorf("slot %s end_time: %w", s.ID, err)
	}
	s.Mode = SlotMode(mode)
	s.Type = SlotType(typ)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end string

	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&start,
		&end,
		&a.ReasonCategory,
		&a.ReasonDescription,
		&a.Priority,
		&a.IsUrgencyFinalized,
		&a.IsConfirmed,
		&a.Displaced,
		&a.ConfirmationRequestedAt,
		&a.OverflowFromSlotID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.StartTime, err = timeutil.ParseClock(start); err != nil {
		return nil, fmt.Errorf("appointment %s start_time: %w", a.ID, err)
	}
	if a.EndTime, err = timeutil.ParseClock(end); err != nil {
		return nil, fmt.Errorf("appointment %s end_time: %w", a.ID, err)
	}
	return &a, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Directory

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

// Slots

func (r *PgRepository) CreateSlot(ctx context.Context, s *Slot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO slots (id, doctor_id, date, start_time, end_time, mode, slot_duration, max_bookings, type, recurring_id, is_booked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, s.ID, s.DoctorID, s.Date, s.StartTime.String(), s.EndTime.String(), string(s.Mode),
		s.SlotDuration, s.MaxBookings, string(s.Type), s.RecurringID, s.IsBooked,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1 AND date >= $2
		ORDER BY date, start_time
	`, doctorID, from)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListSlotsByDoctorAndDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1 AND date = $2
		ORDER BY start_time
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListSlotsByRecurrence(ctx context.Context, doctorID, recurringID uuid.UUID, from *time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND recurring_id = $2
		  AND ($3::date IS NULL OR date >= $3::date)
		ORDER BY date, start_time
	`, doctorID, recurringID, from)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) UpdateSlot(ctx context.Context, s *Slot) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET date = $2,
		    start_time = $3,
		    end_time = $4,
		    mode = $5,
		    slot_duration = $6,
		    max_bookings = $7,
		    is_booked = $8,
		    updated_at = now()
		WHERE id = $1
	`, s.ID, s.Date, s.StartTime.String(), s.EndTime.String(), string(s.Mode), s.SlotDuration, s.MaxBookings, s.IsBooked)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) ClaimBufferSlot(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET is_booked = true,
		    updated_at = now()
		WHERE id = $1
		  AND type = 'buffer'
		  AND NOT is_booked
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim buffer slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ReleaseBufferSlot(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE slots
		SET is_booked = false,
		    updated_at = now()
		WHERE id = $1
		  AND type = 'buffer'
	`, id)
	if err != nil {
		return fmt.Errorf("release buffer slot: %w", err)
	}
	return nil
}

// Appointments

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, patient_id, start_time, end_time, reason_category, reason_description,
		                          priority, is_urgency_finalized, is_confirmed, displaced, confirmation_requested_at,
		                          overflow_from_slot_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.SlotID, a.PatientID, a.StartTime.String(), a.EndTime.String(), a.ReasonCategory, a.ReasonDescription,
		a.Priority, a.IsUrgencyFinalized, a.IsConfirmed, a.Displaced, a.ConfirmationRequestedAt, a.OverflowFromSlotID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments a WHERE a.id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments a
		WHERE a.slot_id = $1
		ORDER BY a.start_time, a.created_at, a.id
	`, slotID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListOverflowAppointments(ctx context.Context, fromSlotID uuid.UUID) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments a
		WHERE a.overflow_from_slot_id = $1
		ORDER BY a.created_at, a.id
	`, fromSlotID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListPatientAppointmentsOn(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.patient_id = $1
		  AND s.doctor_id = $2
		  AND s.date = $3
	`, patientID, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    start_time = $3,
		    end_time = $4,
		    priority = $5,
		    is_urgency_finalized = $6,
		    is_confirmed = $7,
		    displaced = $8,
		    confirmation_requested_at = $9,
		    overflow_from_slot_id = $10,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.SlotID, a.StartTime.String(), a.EndTime.String(), a.Priority, a.IsUrgencyFinalized,
		a.IsConfirmed, a.Displaced, a.ConfirmationRequestedAt, a.OverflowFromSlotID)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindExpiredUnconfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments a
		WHERE NOT a.is_confirmed
		  AND a.confirmation_requested_at IS NOT NULL
		  AND a.confirmation_requested_at < $1
		ORDER BY a.confirmation_requested_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
