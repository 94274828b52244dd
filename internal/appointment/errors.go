package appointment

import (
	"errors"
	"fmt"
)

// Error kinds. Every error the service returns wraps exactly one of these so
// callers can switch on errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrForbidden      = errors.New("forbidden")
)

var (
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrSlotNotFound        = fmt.Errorf("slot %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrRecurrenceNotFound  = fmt.Errorf("recurrence %w", ErrNotFound)
	ErrAlreadyFinalized    = fmt.Errorf("appointment already urgency-finalized: %w", ErrNotFound)

	ErrNotSlotOwner = fmt.Errorf("%w: caller does not own this doctor", ErrForbidden)
	ErrNotPatient   = fmt.Errorf("%w: caller does not own this appointment", ErrForbidden)

	ErrSlotBusy         = fmt.Errorf("%w: slot is being modified, please retry", ErrConflict)
	ErrSlotOverlap      = fmt.Errorf("%w: slot overlaps an existing slot", ErrConflict)
	ErrSlotHasBookings  = fmt.Errorf("%w: slot has existing bookings", ErrConflict)
	ErrWindowTaken      = fmt.Errorf("%w: requested window is already booked", ErrConflict)
	ErrBucketFull       = fmt.Errorf("%w: wave bucket is full", ErrConflict)
	ErrDuplicateBooking = fmt.Errorf("%w: patient already has an appointment with this doctor that day", ErrConflict)
	ErrNoBufferSlot     = fmt.Errorf("%w: no buffer slot available, create one before shrinking", ErrConflict)
	ErrDisplaced        = fmt.Errorf("%w: appointment was displaced, reschedule or cancel it", ErrConflict)

	ErrCannotFitMinimum  = fmt.Errorf("%w: cannot fit minimum window", ErrInvalidRequest)
	ErrBufferNotBookable = fmt.Errorf("%w: buffer slots cannot be booked directly", ErrInvalidRequest)
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
