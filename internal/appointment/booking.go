package appointment

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

type BookRequest struct {
	SlotID            uuid.UUID
	PatientID         uuid.UUID
	ReasonCategory    string
	ReasonDescription *string
	StartTime         timeutil.Clock
	EndTime           timeutil.Clock
}

type RescheduleRequest struct {
	SlotID    uuid.UUID
	StartTime timeutil.Clock
	EndTime   timeutil.Clock
}

// authorizePatient loads the patient and checks the caller acts for it.
func authorizePatient(ctx context.Context, repo Directory, patientID uuid.UUID, who auth.Identity) (*Patient, error) {
	patient, err := repo.GetPatientByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient.OwnerID != who.UserID && who.Role != auth.RoleAdmin {
		return nil, ErrNotPatient
	}
	return patient, nil
}

// admit checks that [start, end) fits the slot's capacity. The appointment
// named by exclude is ignored, so a reschedule inside the same slot does not
// collide with itself.
func admit(slot *Slot, appts []Appointment, start, end timeutil.Clock, exclude uuid.UUID) error {
	if err := validateWindow(start, end); err != nil {
		return err
	}
	if !slot.Contains(start, end) {
		return invalidf("window %s-%s is outside slot %s-%s", start, end, slot.StartTime, slot.EndTime)
	}
	if slot.Type == SlotBuffer {
		return ErrBufferNotBookable
	}

	switch slot.Mode {
	case ModeWave:
		idx := BucketIndex(*slot, start)
		if idx < 0 {
			return invalidf("start %s is not inside a whole wave bucket", start)
		}
		n := 0
		for _, a := range appts {
			if a.ID == exclude || !a.HoldsCapacity() {
				continue
			}
			if BucketIndex(*slot, a.StartTime) == idx {
				n++
			}
		}
		if n >= slot.MaxBookings {
			return ErrBucketFull
		}
	default:
		for _, a := range appts {
			if a.ID == exclude || !a.HoldsCapacity() {
				continue
			}
			if overlaps(start, end, a.StartTime, a.EndTime) {
				return fmt.Errorf("%w: %s-%s", ErrWindowTaken, a.StartTime, a.EndTime)
			}
		}
	}
	return nil
}

func checkDuplicate(ctx context.Context, tx Repository, patientID uuid.UUID, slot *Slot, exclude uuid.UUID) error {
	existing, err := tx.ListPatientAppointmentsOn(ctx, patientID, slot.DoctorID, slot.Date)
	if err != nil {
		return fmt.Errorf("list patient appointments: %w", err)
	}
	for _, a := range existing {
		if a.ID != exclude && a.HoldsCapacity() {
			return ErrDuplicateBooking
		}
	}
	return nil
}

// Book admits a new appointment into a slot.
func (s *Service) Book(ctx context.Context, req BookRequest, who auth.Identity) (_ *Appointment, err error) {
	ctx, done := s.begin(ctx, "book",
		attribute.String("slot_id", req.SlotID.String()),
		attribute.String("patient_id", req.PatientID.String()),
	)
	defer func() { done(err) }()

	slot, err := loadSlot(ctx, s.repo, req.SlotID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizePatient(ctx, s.repo, req.PatientID, who); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ReasonCategory) == "" {
		return nil, invalidf("reasonCategory is required")
	}

	var created *Appointment
	var evs events
	dayKey := redisclient.PatientDayKey(req.PatientID, slot.DoctorID, slot.Date)
	err = s.withSlotLock(ctx, "book", req.SlotID, func(slotCtx context.Context) error {
		return s.withLock(slotCtx, "book", dayKey, func(lockCtx context.Context) error {
			return s.repo.WithinTx(lockCtx, func(tx Repository) error {
				current, err := loadSlot(lockCtx, tx, req.SlotID)
				if err != nil {
					return err
				}
				appts, err := tx.ListAppointmentsBySlot(lockCtx, current.ID)
				if err != nil {
					return fmt.Errorf("list slot appointments: %w", err)
				}
				if err := admit(current, appts, req.StartTime, req.EndTime, uuid.Nil); err != nil {
					return err
				}
				if err := checkDuplicate(lockCtx, tx, req.PatientID, current, uuid.Nil); err != nil {
					return err
				}

				appt := &Appointment{
					SlotID:            current.ID,
					PatientID:         req.PatientID,
					StartTime:         req.StartTime,
					EndTime:           req.EndTime,
					ReasonCategory:    req.ReasonCategory,
					ReasonDescription: req.ReasonDescription,
					Priority:          s.priorities.Lookup(req.ReasonCategory),
					IsConfirmed:       true,
				}
				if err := tx.CreateAppointment(lockCtx, appt); err != nil {
					return fmt.Errorf("create appointment: %w", err)
				}
				created = appt
				evs.add(s.now(), EventAppointmentCreated, &appt.ID, &current.ID, map[string]any{
					"patient_id": appt.PatientID,
					"start":      appt.StartTime.String(),
					"end":        appt.EndTime.String(),
					"priority":   appt.Priority,
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return created, nil
}

// CancelAppointment deletes an appointment. The patient or the slot's doctor
// may cancel.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID uuid.UUID, who auth.Identity) (err error) {
	ctx, done := s.begin(ctx, "cancel_appointment", attribute.String("appointment_id", appointmentID.String()))
	defer func() { done(err) }()

	appt, err := loadAppointment(ctx, s.repo, appointmentID)
	if err != nil {
		return err
	}
	if err := s.authorizeCancel(ctx, appt, who); err != nil {
		return err
	}

	var evs events
	err = s.withSlotLock(ctx, "cancel_appointment", appt.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			current, err := loadAppointment(lockCtx, tx, appointmentID)
			if err != nil {
				return err
			}
			slot, err := loadSlot(lockCtx, tx, current.SlotID)
			if err != nil {
				return err
			}
			if err := tx.DeleteAppointment(lockCtx, current.ID); err != nil {
				return fmt.Errorf("delete appointment: %w", err)
			}
			if slot.Type == SlotBuffer && slot.IsBooked {
				if err := tx.ReleaseBufferSlot(lockCtx, slot.ID); err != nil {
					return fmt.Errorf("release buffer slot: %w", err)
				}
			}
			evs.add(s.now(), EventAppointmentCancelled, &current.ID, &slot.ID, map[string]any{
				"patient_id": current.PatientID,
				"by":         who.UserID,
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.flush(ctx, evs)
	return nil
}

func (s *Service) authorizeCancel(ctx context.Context, appt *Appointment, who auth.Identity) error {
	if who.Role == auth.RoleAdmin {
		return nil
	}
	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return err
	}
	if patient.OwnerID == who.UserID {
		return nil
	}
	slot, err := loadSlot(ctx, s.repo, appt.SlotID)
	if err != nil {
		return err
	}
	if _, err := authorizeDoctor(ctx, s.repo, slot.DoctorID, who); err != nil {
		return ErrNotPatient
	}
	return nil
}

// RescheduleAppointment moves a patient's appointment to another window,
// possibly in another slot, through the same admission checks as Book.
func (s *Service) RescheduleAppointment(ctx context.Context, appointmentID uuid.UUID, req RescheduleRequest, who auth.Identity) (_ *Appointment, err error) {
	ctx, done := s.begin(ctx, "reschedule_appointment",
		attribute.String("appointment_id", appointmentID.String()),
		attribute.String("slot_id", req.SlotID.String()),
	)
	defer func() { done(err) }()

	appt, err := loadAppointment(ctx, s.repo, appointmentID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizePatient(ctx, s.repo, appt.PatientID, who); err != nil {
		return nil, err
	}
	target, err := loadSlot(ctx, s.repo, req.SlotID)
	if err != nil {
		return nil, err
	}

	var moved *Appointment
	var evs events
	dayKey := redisclient.PatientDayKey(appt.PatientID, target.DoctorID, target.Date)
	err = s.withSlotLocks(ctx, "reschedule_appointment", []uuid.UUID{appt.SlotID, target.ID}, func(slotCtx context.Context) error {
		return s.withLock(slotCtx, "reschedule_appointment", dayKey, func(lockCtx context.Context) error {
			return s.repo.WithinTx(lockCtx, func(tx Repository) error {
				current, err := loadAppointment(lockCtx, tx, appointmentID)
				if err != nil {
					return err
				}
				from, err := loadSlot(lockCtx, tx, current.SlotID)
				if err != nil {
					return err
				}
				to, err := loadSlot(lockCtx, tx, req.SlotID)
				if err != nil {
					return err
				}
				appts, err := tx.ListAppointmentsBySlot(lockCtx, to.ID)
				if err != nil {
					return fmt.Errorf("list slot appointments: %w", err)
				}
				if err := admit(to, appts, req.StartTime, req.EndTime, current.ID); err != nil {
					return err
				}
				if err := checkDuplicate(lockCtx, tx, current.PatientID, to, current.ID); err != nil {
					return err
				}

				if from.Type == SlotBuffer && from.ID != to.ID && from.IsBooked {
					if err := tx.ReleaseBufferSlot(lockCtx, from.ID); err != nil {
						return fmt.Errorf("release buffer slot: %w", err)
					}
				}

				previous := fmt.Sprintf("%s %s-%s", timeutil.FormatDate(from.Date), current.StartTime, current.EndTime)
				current.SlotID = to.ID
				current.StartTime = req.StartTime
				current.EndTime = req.EndTime
				current.Displaced = false
				current.OverflowFromSlotID = nil
				current.markConfirmed()
				if err := tx.UpdateAppointment(lockCtx, current); err != nil {
					return fmt.Errorf("update appointment: %w", err)
				}
				moved = current
				evs.add(s.now(), EventAppointmentMoved, &current.ID, &to.ID, map[string]any{
					"from":      previous,
					"from_slot": from.ID,
					"to":        fmt.Sprintf("%s %s-%s", timeutil.FormatDate(to.Date), current.StartTime, current.EndTime),
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return moved, nil
}

// ConfirmAppointment accepts a tentative placement made by a shrink or an
// urgency decision.
func (s *Service) ConfirmAppointment(ctx context.Context, appointmentID uuid.UUID, who auth.Identity) (_ *Appointment, err error) {
	ctx, done := s.begin(ctx, "confirm_appointment", attribute.String("appointment_id", appointmentID.String()))
	defer func() { done(err) }()

	appt, err := loadAppointment(ctx, s.repo, appointmentID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizePatient(ctx, s.repo, appt.PatientID, who); err != nil {
		return nil, err
	}

	var confirmed *Appointment
	var evs events
	err = s.withSlotLock(ctx, "confirm_appointment", appt.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			current, err := loadAppointment(lockCtx, tx, appointmentID)
			if err != nil {
				return err
			}
			if current.Displaced {
				return ErrDisplaced
			}
			confirmed = current
			if current.IsConfirmed {
				return nil
			}
			current.markConfirmed()
			if err := tx.UpdateAppointment(lockCtx, current); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}
			evs.add(s.now(), EventAppointmentConfirmed, &current.ID, &current.SlotID, map[string]any{
				"start": current.StartTime.String(),
				"end":   current.EndTime.String(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return confirmed, nil
}

// withSlotLocks takes several slot locks in a fixed order so two callers
// locking the same pair cannot deadlock.
func (s *Service) withSlotLocks(ctx context.Context, op string, ids []uuid.UUID, fn func(ctx context.Context) error) error {
	uniq := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return bytes.Compare(uniq[i][:], uniq[j][:]) < 0 })

	var run func(ctx context.Context, i int) error
	run = func(ctx context.Context, i int) error {
		if i == len(uniq) {
			return fn(ctx)
		}
		return s.withSlotLock(ctx, op, uniq[i], func(inner context.Context) error {
			return run(inner, i+1)
		})
	}
	return run(ctx, 0)
}
