package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ExpireUnconfirmedAppointments is intended to be called by the worker
// periodically. It deletes appointments that waited longer than the
// confirmation timeout and reports how many went.
func (s *Service) ExpireUnconfirmedAppointments(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ConfirmationTimeout)
	candidates, err := s.repo.FindExpiredUnconfirmed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find expired unconfirmed appointments: %w", err)
	}

	expired := 0
	for _, appt := range candidates {
		ok, err := s.expireOne(ctx, appt.ID, appt.SlotID)
		if err != nil {
			// the next sweep picks it up again
			s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to expire appointment")
			continue
		}
		if ok {
			expired++
		}
	}

	s.metrics.ObserveExpired(expired)
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, appointmentID, slotID uuid.UUID) (bool, error) {
	cutoff := s.now().Add(-s.cfg.ConfirmationTimeout)
	expired := false
	var evs events
	err := s.withSlotLock(ctx, "expire_appointment", slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			appt, err := loadAppointment(lockCtx, tx, appointmentID)
			if errors.Is(err, ErrAppointmentNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			// confirmed or re-requested since the scan
			if appt.IsConfirmed || appt.ConfirmationRequestedAt == nil || !appt.ConfirmationRequestedAt.Before(cutoff) {
				return nil
			}
			slot, err := loadSlot(lockCtx, tx, appt.SlotID)
			if err != nil {
				return err
			}
			if err := tx.DeleteAppointment(lockCtx, appt.ID); err != nil {
				return fmt.Errorf("delete appointment: %w", err)
			}
			if slot.Type == SlotBuffer && slot.IsBooked {
				if err := tx.ReleaseBufferSlot(lockCtx, slot.ID); err != nil {
					return fmt.Errorf("release buffer slot: %w", err)
				}
			}
			expired = true
			evs.add(s.now(), EventAppointmentExpired, &appt.ID, &slot.ID, map[string]any{
				"reason":                    "worker",
				"confirmation_requested_at": appt.ConfirmationRequestedAt,
				"displaced":                 appt.Displaced,
			})
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	s.flush(ctx, evs)
	return expired, nil
}
