package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

type SlotMode string

const (
	ModeStream SlotMode = "stream"
	ModeWave   SlotMode = "wave"
)

type SlotType string

const (
	SlotNormal SlotType = "normal"
	SlotBuffer SlotType = "buffer"
)

// MinSubSlotMinutes is the shortest window a shrink may hand a patient.
const MinSubSlotMinutes = 5

type Patient struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Name           string
	Specialization *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Slot struct {
	ID           uuid.UUID
	DoctorID     uuid.UUID
	Date         time.Time
	StartTime    timeutil.Clock
	EndTime      timeutil.Clock
	Mode         SlotMode
	SlotDuration int
	MaxBookings  int
	Type         SlotType
	RecurringID  *uuid.UUID
	IsBooked     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Minutes is the length of the slot window.
func (s Slot) Minutes() int {
	return timeutil.MinutesBetween(s.StartTime, s.EndTime)
}

// Contains reports whether [start, end) lies inside the slot window.
func (s Slot) Contains(start, end timeutil.Clock) bool {
	return start >= s.StartTime && end <= s.EndTime && start < end
}

// BucketCapacity is how many appointments one sub-slot admits.
func (s Slot) BucketCapacity() int {
	if s.Mode == ModeWave {
		return s.MaxBookings
	}
	return 1
}

type Appointment struct {
	ID                      uuid.UUID
	SlotID                  uuid.UUID
	PatientID               uuid.UUID
	StartTime               timeutil.Clock
	EndTime                 timeutil.Clock
	ReasonCategory          string
	ReasonDescription       *string
	Priority                int
	IsUrgencyFinalized      bool
	IsConfirmed             bool
	Displaced               bool
	ConfirmationRequestedAt *time.Time
	OverflowFromSlotID      *uuid.UUID
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HoldsCapacity is false once a shrink pushed the appointment out of its slot.
// Such rows wait for the patient to cancel or reschedule.
func (a Appointment) HoldsCapacity() bool {
	return !a.Displaced
}

func (a *Appointment) requestConfirmation(now time.Time) {
	a.IsConfirmed = false
	t := now
	a.ConfirmationRequestedAt = &t
}

func (a *Appointment) markConfirmed() {
	a.IsConfirmed = true
	a.ConfirmationRequestedAt = nil
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SubSlot is one bookable window of a slot. Remaining is only filled by
// availability queries.
type SubSlot struct {
	SlotID    uuid.UUID
	Date      time.Time
	StartTime timeutil.Clock
	EndTime   timeutil.Clock
	Capacity  int
	Remaining int
}
