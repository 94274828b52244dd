package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

const (
	ActionOfferCancelOrReschedule = "offer-cancel-or-reschedule"
	ActionPatientSelfReschedule   = "patient-self-reschedule"
	ActionTentativelyMoved        = "tentatively-moved"
	ActionChooseSubSlot           = "choose-sub-slot"
)

type UrgencyResult struct {
	Appointment Appointment
	Action      string
	// Candidates are the vacant sub-slots found when no buffer was free.
	Candidates []SubSlot
}

// FinalizeUrgency records the doctor's one-time urgency decision for an
// appointment. Urgent appointments are moved to a free buffer slot when one
// exists, otherwise to a vacant sub-slot far enough ahead.
func (s *Service) FinalizeUrgency(ctx context.Context, appointmentID uuid.UUID, isUrgent bool, who auth.Identity) (_ *UrgencyResult, err error) {
	ctx, done := s.begin(ctx, "finalize_urgency",
		attribute.String("appointment_id", appointmentID.String()),
		attribute.Bool("urgent", isUrgent),
	)
	defer func() { done(err) }()

	appt, err := loadAppointment(ctx, s.repo, appointmentID)
	if err != nil {
		return nil, err
	}
	slot, err := loadSlot(ctx, s.repo, appt.SlotID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeDoctor(ctx, s.repo, slot.DoctorID, who); err != nil {
		return nil, err
	}
	if appt.IsUrgencyFinalized {
		return nil, ErrAlreadyFinalized
	}

	var result *UrgencyResult
	var evs events
	err = s.withSlotLock(ctx, "finalize_urgency", slot.ID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			current, err := loadAppointment(lockCtx, tx, appointmentID)
			if err != nil {
				return err
			}
			if current.IsUrgencyFinalized {
				return ErrAlreadyFinalized
			}
			if current.SlotID != slot.ID {
				// moved by a concurrent shrink; the caller retries against the new slot
				return ErrSlotBusy
			}

			if isUrgent {
				result, err = s.finalizeUrgent(lockCtx, tx, current, slot)
			} else {
				current.Priority = s.priorities.Lookup(current.ReasonCategory)
				current.IsUrgencyFinalized = true
				result = &UrgencyResult{Action: ActionOfferCancelOrReschedule}
			}
			if err != nil {
				return err
			}
			if err := tx.UpdateAppointment(lockCtx, current); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}
			result.Appointment = *current
			evs.add(s.now(), EventUrgencyFinalized, &current.ID, &current.SlotID, map[string]any{
				"urgent":     isUrgent,
				"priority":   current.Priority,
				"action":     result.Action,
				"candidates": len(result.Candidates),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return result, nil
}

func (s *Service) finalizeUrgent(ctx context.Context, tx Repository, appt *Appointment, slot *Slot) (*UrgencyResult, error) {
	appt.Priority = UrgentPriority
	appt.IsUrgencyFinalized = true

	if slot.Type == SlotBuffer {
		appt.markConfirmed()
		return &UrgencyResult{Action: ActionMovedToBuffer}, nil
	}

	buffer, err := claimBuffer(ctx, tx, slot.DoctorID, slot.Date, slot.ID)
	if err != nil {
		return nil, err
	}
	if buffer != nil {
		appt.SlotID = buffer.ID
		appt.StartTime = buffer.StartTime
		appt.EndTime = buffer.EndTime
		appt.Displaced = false
		appt.OverflowFromSlotID = nil
		appt.markConfirmed()
		return &UrgencyResult{Action: ActionMovedToBuffer}, nil
	}

	candidates, err := s.urgentCandidates(ctx, tx, appt, slot.DoctorID)
	if err != nil {
		return nil, err
	}
	appt.requestConfirmation(s.now())

	switch len(candidates) {
	case 0:
		return &UrgencyResult{Action: ActionPatientSelfReschedule}, nil
	case 1:
		target := candidates[0]
		if err := s.moveTentatively(ctx, tx, appt, target); err != nil {
			return nil, err
		}
		return &UrgencyResult{Action: ActionTentativelyMoved, Candidates: candidates}, nil
	default:
		return &UrgencyResult{Action: ActionChooseSubSlot, Candidates: candidates}, nil
	}
}

// urgentCandidates lists the doctor's vacant normal sub-slots starting at
// least UrgentLeadTime from now. Days on which the patient already holds
// another appointment with the doctor are left out.
func (s *Service) urgentCandidates(ctx context.Context, tx Repository, appt *Appointment, doctorID uuid.UUID) ([]SubSlot, error) {
	earliest := s.now().Add(s.cfg.UrgentLeadTime)
	slots, err := tx.ListSlotsByDoctor(ctx, doctorID, s.today())
	if err != nil {
		return nil, fmt.Errorf("list doctor slots: %w", err)
	}

	busyDay := make(map[string]bool)
	var out []SubSlot
	for i := range slots {
		sl := slots[i]
		if sl.Type != SlotNormal {
			continue
		}
		day := timeutil.FormatDate(sl.Date)
		busy, seen := busyDay[day]
		if !seen {
			busy, err = s.patientBusyOn(ctx, tx, appt, doctorID, sl.Date)
			if err != nil {
				return nil, err
			}
			busyDay[day] = busy
		}
		if busy {
			continue
		}

		appts, err := tx.ListAppointmentsBySlot(ctx, sl.ID)
		if err != nil {
			return nil, fmt.Errorf("list slot appointments: %w", err)
		}
		for _, sub := range AvailableSubSlots(sl, appts) {
			if sub.SlotID == appt.SlotID && overlaps(sub.StartTime, sub.EndTime, appt.StartTime, appt.EndTime) {
				continue
			}
			if s.instant(sub.Date, sub.StartTime).Before(earliest) {
				continue
			}
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Service) patientBusyOn(ctx context.Context, tx Repository, appt *Appointment, doctorID uuid.UUID, date time.Time) (bool, error) {
	existing, err := tx.ListPatientAppointmentsOn(ctx, appt.PatientID, doctorID, date)
	if err != nil {
		return false, fmt.Errorf("list patient appointments: %w", err)
	}
	for _, a := range existing {
		if a.ID != appt.ID && a.HoldsCapacity() {
			return true, nil
		}
	}
	return false, nil
}

// moveTentatively places the appointment on a sub-slot of another slot while
// holding that slot's lock, re-checking capacity under it.
func (s *Service) moveTentatively(ctx context.Context, tx Repository, appt *Appointment, target SubSlot) error {
	place := func(ctx context.Context) error {
		slot, err := loadSlot(ctx, tx, target.SlotID)
		if err != nil {
			return err
		}
		appts, err := tx.ListAppointmentsBySlot(ctx, slot.ID)
		if err != nil {
			return fmt.Errorf("list slot appointments: %w", err)
		}
		if err := admit(slot, appts, target.StartTime, target.EndTime, appt.ID); err != nil {
			return err
		}
		appt.SlotID = slot.ID
		appt.StartTime = target.StartTime
		appt.EndTime = target.EndTime
		// the new window is held for the patient until they confirm or expire
		appt.Displaced = false
		appt.OverflowFromSlotID = nil
		return nil
	}
	if target.SlotID == appt.SlotID {
		return place(ctx)
	}
	return s.withSlotLock(ctx, "finalize_urgency", target.SlotID, place)
}
