package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Directory resolves the read-only doctor and patient records.
type Directory interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// SlotStore owns slot rows.
type SlotStore interface {
	CreateSlot(ctx context.Context, s *Slot) error
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]Slot, error)
	ListSlotsByDoctorAndDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error)
	ListSlotsByRecurrence(ctx context.Context, doctorID, recurringID uuid.UUID, from *time.Time) ([]Slot, error)
	UpdateSlot(ctx context.Context, s *Slot) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error

	// ClaimBufferSlot flips is_booked from false to true. It reports false
	// when another caller got there first.
	ClaimBufferSlot(ctx context.Context, id uuid.UUID) (bool, error)
	ReleaseBufferSlot(ctx context.Context, id uuid.UUID) error
}

// AppointmentStore owns appointment rows.
type AppointmentStore interface {
	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error)
	ListOverflowAppointments(ctx context.Context, fromSlotID uuid.UUID) ([]Appointment, error)
	ListPatientAppointmentsOn(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Expiry worker
	FindExpiredUnconfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error)
}

// EventStore is the append-only audit trail.
type EventStore interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	Directory
	SlotStore
	AppointmentStore
	EventStore

	// WithinTx runs fn against a transactional view of the repository. The
	// transaction commits only when fn returns nil.
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}
