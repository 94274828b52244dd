package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// SlotRequest describes a slot to create. Zero SlotDuration means the
// configured default; empty Type means normal.
type SlotRequest struct {
	Date         time.Time
	StartTime    timeutil.Clock
	EndTime      timeutil.Clock
	Mode         SlotMode
	SlotDuration int
	MaxBookings  int
	Type         SlotType
}

// SlotPatch carries the fields a doctor may change on an empty slot.
type SlotPatch struct {
	Date      *time.Time
	StartTime *timeutil.Clock
	EndTime   *timeutil.Clock
	Mode      *SlotMode
}

type DeleteSlotResult struct {
	Deleted bool
	// Shrink is set when the slot still had appointments and was shrunk to
	// the latest appointment end instead.
	Shrink *ShrinkResult
}

func (s *Service) normalizeSlotRequest(req SlotRequest) (SlotRequest, error) {
	if req.Mode != ModeStream && req.Mode != ModeWave {
		return req, invalidf("mode must be %q or %q", ModeStream, ModeWave)
	}
	if req.Type == "" {
		req.Type = SlotNormal
	}
	if req.Type != SlotNormal && req.Type != SlotBuffer {
		return req, invalidf("type must be %q or %q", SlotNormal, SlotBuffer)
	}
	if err := validateWindow(req.StartTime, req.EndTime); err != nil {
		return req, err
	}
	if req.SlotDuration == 0 {
		req.SlotDuration = s.cfg.DefaultSlotDuration
	}
	if req.SlotDuration < 1 {
		return req, invalidf("slotDuration must be at least 1 minute")
	}
	if req.SlotDuration > timeutil.MinutesBetween(req.StartTime, req.EndTime) {
		return req, invalidf("slotDuration %d exceeds the %s-%s window", req.SlotDuration, req.StartTime, req.EndTime)
	}
	switch req.Mode {
	case ModeWave:
		if req.MaxBookings < 1 {
			return req, invalidf("maxBookings must be at least 1 for wave mode")
		}
	case ModeStream:
		req.MaxBookings = 1
	}
	return req, nil
}

func validateWindow(start, end timeutil.Clock) error {
	if !start.Valid() || !end.Valid() || start >= timeutil.MinutesPerDay {
		return invalidf("time outside the day")
	}
	if end <= start {
		return invalidf("end time %s must be after start time %s", end, start)
	}
	return nil
}

func findOverlap(slots []Slot, date time.Time, start, end timeutil.Clock, skip uuid.UUID) *Slot {
	for i := range slots {
		sl := slots[i]
		if sl.ID == skip || !timeutil.SameDay(sl.Date, date) {
			continue
		}
		if overlaps(start, end, sl.StartTime, sl.EndTime) {
			return &sl
		}
	}
	return nil
}

// CreateSlot adds a one-off slot for the caller's doctor profile.
func (s *Service) CreateSlot(ctx context.Context, doctorID uuid.UUID, req SlotRequest, who auth.Identity) (_ *Slot, err error) {
	ctx, done := s.begin(ctx, "create_slot", attribute.String("doctor_id", doctorID.String()))
	defer func() { done(err) }()

	if _, err := authorizeDoctor(ctx, s.repo, doctorID, who); err != nil {
		return nil, err
	}
	req, err = s.normalizeSlotRequest(req)
	if err != nil {
		return nil, err
	}
	if s.instant(req.Date, req.StartTime).Before(s.now()) {
		return nil, invalidf("cannot create a slot in the past")
	}

	var created *Slot
	var evs events
	err = s.withLock(ctx, "create_slot", redisclient.DoctorSlotsKey(doctorID), func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			existing, err := tx.ListSlotsByDoctorAndDate(lockCtx, doctorID, req.Date)
			if err != nil {
				return fmt.Errorf("list doctor slots: %w", err)
			}
			if o := findOverlap(existing, req.Date, req.StartTime, req.EndTime, uuid.Nil); o != nil {
				return fmt.Errorf("%w: %s-%s", ErrSlotOverlap, o.StartTime, o.EndTime)
			}

			slot := &Slot{
				DoctorID:     doctorID,
				Date:         req.Date,
				StartTime:    req.StartTime,
				EndTime:      req.EndTime,
				Mode:         req.Mode,
				SlotDuration: req.SlotDuration,
				MaxBookings:  req.MaxBookings,
				Type:         req.Type,
			}
			if err := tx.CreateSlot(lockCtx, slot); err != nil {
				return fmt.Errorf("create slot: %w", err)
			}
			created = slot
			evs.add(s.now(), EventSlotCreated, nil, &slot.ID, map[string]any{
				"date":  timeutil.FormatDate(slot.Date),
				"start": slot.StartTime.String(),
				"end":   slot.EndTime.String(),
				"mode":  slot.Mode,
				"type":  slot.Type,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return created, nil
}

// RescheduleSlot moves an empty slot. Slots holding appointments must be
// shrunk instead.
func (s *Service) RescheduleSlot(ctx context.Context, slotID uuid.UUID, patch SlotPatch, who auth.Identity) (_ *Slot, err error) {
	ctx, done := s.begin(ctx, "reschedule_slot", attribute.String("slot_id", slotID.String()))
	defer func() { done(err) }()

	slot, err := loadSlot(ctx, s.repo, slotID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeDoctor(ctx, s.repo, slot.DoctorID, who); err != nil {
		return nil, err
	}

	var updated *Slot
	var evs events
	err = s.withSlotLock(ctx, "reschedule_slot", slotID, func(slotCtx context.Context) error {
		return s.withLock(slotCtx, "reschedule_slot", redisclient.DoctorSlotsKey(slot.DoctorID), func(lockCtx context.Context) error {
			return s.repo.WithinTx(lockCtx, func(tx Repository) error {
				current, err := loadSlot(lockCtx, tx, slotID)
				if err != nil {
					return err
				}
				appts, err := tx.ListAppointmentsBySlot(lockCtx, slotID)
				if err != nil {
					return fmt.Errorf("list slot appointments: %w", err)
				}
				if len(appts) > 0 || current.IsBooked {
					return ErrSlotHasBookings
				}

				next := *current
				if patch.Date != nil {
					next.Date = *patch.Date
				}
				if patch.StartTime != nil {
					next.StartTime = *patch.StartTime
				}
				if patch.EndTime != nil {
					next.EndTime = *patch.EndTime
				}
				if patch.Mode != nil {
					next.Mode = *patch.Mode
				}
				req, err := s.normalizeSlotRequest(SlotRequest{
					Date:         next.Date,
					StartTime:    next.StartTime,
					EndTime:      next.EndTime,
					Mode:         next.Mode,
					SlotDuration: next.SlotDuration,
					MaxBookings:  next.MaxBookings,
					Type:         next.Type,
				})
				if err != nil {
					return err
				}
				next.SlotDuration = req.SlotDuration
				next.MaxBookings = req.MaxBookings
				if s.instant(next.Date, next.StartTime).Before(s.now()) {
					return invalidf("cannot reschedule to a past time")
				}

				existing, err := tx.ListSlotsByDoctorAndDate(lockCtx, next.DoctorID, next.Date)
				if err != nil {
					return fmt.Errorf("list doctor slots: %w", err)
				}
				if o := findOverlap(existing, next.Date, next.StartTime, next.EndTime, next.ID); o != nil {
					return fmt.Errorf("%w: %s-%s", ErrSlotOverlap, o.StartTime, o.EndTime)
				}

				if err := tx.UpdateSlot(lockCtx, &next); err != nil {
					return fmt.Errorf("update slot: %w", err)
				}
				updated = &next
				evs.add(s.now(), EventSlotRescheduled, nil, &next.ID, map[string]any{
					"from": fmt.Sprintf("%s %s-%s", timeutil.FormatDate(current.Date), current.StartTime, current.EndTime),
					"to":   fmt.Sprintf("%s %s-%s", timeutil.FormatDate(next.Date), next.StartTime, next.EndTime),
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return updated, nil
}

// DeleteSlot removes an empty slot. A slot with appointments is shrunk to
// the end of its latest appointment instead.
func (s *Service) DeleteSlot(ctx context.Context, slotID uuid.UUID, who auth.Identity) (_ *DeleteSlotResult, err error) {
	ctx, done := s.begin(ctx, "delete_slot", attribute.String("slot_id", slotID.String()))
	defer func() { done(err) }()

	slot, err := loadSlot(ctx, s.repo, slotID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeDoctor(ctx, s.repo, slot.DoctorID, who); err != nil {
		return nil, err
	}

	result := &DeleteSlotResult{}
	var evs events
	err = s.withSlotLock(ctx, "delete_slot", slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			current, err := loadSlot(lockCtx, tx, slotID)
			if err != nil {
				return err
			}
			appts, err := tx.ListAppointmentsBySlot(lockCtx, slotID)
			if err != nil {
				return fmt.Errorf("list slot appointments: %w", err)
			}

			if len(appts) == 0 && !current.IsBooked {
				if err := tx.DeleteSlot(lockCtx, slotID); err != nil {
					return fmt.Errorf("delete slot: %w", err)
				}
				result.Deleted = true
				evs.add(s.now(), EventSlotDeleted, nil, &slotID, map[string]any{"date": timeutil.FormatDate(current.Date)})
				return nil
			}

			latest := current.StartTime + MinSubSlotMinutes
			for _, a := range appts {
				if a.HoldsCapacity() && a.EndTime > latest {
					latest = a.EndTime
				}
			}
			if latest >= current.EndTime {
				return nil
			}

			shrunk, err := s.shrinkInTx(lockCtx, tx, current, latest, &evs)
			if err != nil {
				return err
			}
			result.Shrink = shrunk
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return result, nil
}

// ListDoctorSlots returns a doctor's slots ordered by date and start. Buffer
// slots are only visible to the owning doctor.
func (s *Service) ListDoctorSlots(ctx context.Context, doctorID uuid.UUID, who auth.Identity) ([]Slot, error) {
	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	slots, err := s.repo.ListSlotsByDoctor(ctx, doctorID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list doctor slots: %w", err)
	}
	if doctor.OwnerID == who.UserID {
		return slots, nil
	}
	out := slots[:0]
	for _, sl := range slots {
		if sl.Type != SlotBuffer {
			out = append(out, sl)
		}
	}
	return out, nil
}

// GetAvailableSubSlots lists the sub-slots of a normal slot that still have
// room. Buffer slots are hidden from discovery.
func (s *Service) GetAvailableSubSlots(ctx context.Context, slotID uuid.UUID) ([]SubSlot, error) {
	slot, err := loadSlot(ctx, s.repo, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Type == SlotBuffer {
		return nil, ErrSlotNotFound
	}
	appts, err := s.repo.ListAppointmentsBySlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("list slot appointments: %w", err)
	}
	return AvailableSubSlots(*slot, appts), nil
}

// ShiftRequest moves slots by a whole number of minutes. Without slot or
// appointment ids every upcoming slot of the doctor moves; appointment ids
// select the slots those appointments sit in.
type ShiftRequest struct {
	ShiftMinutes   int
	SlotIDs        []uuid.UUID
	AppointmentIDs []uuid.UUID
}

type ShiftResult struct {
	Slots             []Slot
	AppointmentsMoved int
}

// ShiftSlots moves the selected slots of a doctor, with the appointments
// inside them, by req.ShiftMinutes. Either every slot moves or none does.
func (s *Service) ShiftSlots(ctx context.Context, doctorID uuid.UUID, req ShiftRequest, who auth.Identity) (_ *ShiftResult, err error) {
	ctx, done := s.begin(ctx, "shift_slots",
		attribute.String("doctor_id", doctorID.String()),
		attribute.Int("shift_minutes", req.ShiftMinutes),
	)
	defer func() { done(err) }()

	if _, err := authorizeDoctor(ctx, s.repo, doctorID, who); err != nil {
		return nil, err
	}
	if req.ShiftMinutes == 0 {
		return nil, invalidf("shiftMinutes must not be zero")
	}
	if req.ShiftMinutes <= -timeutil.MinutesPerDay || req.ShiftMinutes >= timeutil.MinutesPerDay {
		return nil, invalidf("shiftMinutes must stay within one day")
	}

	ids, err := s.shiftTargets(ctx, doctorID, req)
	if err != nil {
		return nil, err
	}
	result := &ShiftResult{}
	if len(ids) == 0 {
		return result, nil
	}

	var evs events
	err = s.withSlotLocks(ctx, "shift_slots", ids, func(slotCtx context.Context) error {
		return s.withLock(slotCtx, "shift_slots", redisclient.DoctorSlotsKey(doctorID), func(lockCtx context.Context) error {
			return s.repo.WithinTx(lockCtx, func(tx Repository) error {
				return s.shiftInTx(lockCtx, tx, doctorID, ids, req.ShiftMinutes, result, &evs)
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return result, nil
}

// shiftTargets resolves the request to distinct slot ids owned by doctorID.
func (s *Service) shiftTargets(ctx context.Context, doctorID uuid.UUID, req ShiftRequest) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if len(req.SlotIDs) == 0 && len(req.AppointmentIDs) == 0 {
		slots, err := s.repo.ListSlotsByDoctor(ctx, doctorID, s.today())
		if err != nil {
			return nil, fmt.Errorf("list doctor slots: %w", err)
		}
		for _, sl := range slots {
			if !s.instant(sl.Date, sl.StartTime).Before(s.now()) {
				add(sl.ID)
			}
		}
		return ids, nil
	}

	for _, id := range req.SlotIDs {
		slot, err := loadSlot(ctx, s.repo, id)
		if err != nil {
			return nil, err
		}
		if slot.DoctorID != doctorID {
			return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, id)
		}
		add(slot.ID)
	}
	for _, id := range req.AppointmentIDs {
		appt, err := loadAppointment(ctx, s.repo, id)
		if err != nil {
			return nil, err
		}
		slot, err := loadSlot(ctx, s.repo, appt.SlotID)
		if err != nil {
			return nil, err
		}
		if slot.DoctorID != doctorID {
			return nil, fmt.Errorf("%w: %s", ErrAppointmentNotFound, id)
		}
		add(slot.ID)
	}
	return ids, nil
}

func (s *Service) shiftInTx(ctx context.Context, tx Repository, doctorID uuid.UUID, ids []uuid.UUID, minutes int, result *ShiftResult, evs *events) error {
	selected := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	all, err := tx.ListSlotsByDoctor(ctx, doctorID, time.Time{})
	if err != nil {
		return fmt.Errorf("list doctor slots: %w", err)
	}

	// positions after the move, used for the overlap check
	final := make([]Slot, 0, len(all))
	var moved []Slot
	for _, sl := range all {
		if !selected[sl.ID] {
			final = append(final, sl)
			continue
		}
		next, err := s.shiftedSlot(sl, minutes)
		if err != nil {
			return err
		}
		final = append(final, next)
		moved = append(moved, next)
	}
	if len(moved) != len(ids) {
		return fmt.Errorf("%w: a selected slot was removed", ErrSlotNotFound)
	}
	for _, m := range moved {
		if o := findOverlap(final, m.Date, m.StartTime, m.EndTime, m.ID); o != nil {
			return fmt.Errorf("%w: %s-%s would overlap %s-%s", ErrSlotOverlap, m.StartTime, m.EndTime, o.StartTime, o.EndTime)
		}
	}

	for i := range moved {
		next := moved[i]
		appts, err := tx.ListAppointmentsBySlot(ctx, next.ID)
		if err != nil {
			return fmt.Errorf("list slot appointments: %w", err)
		}
		for j := range appts {
			a := appts[j]
			if !a.HoldsCapacity() {
				continue
			}
			start, err := a.StartTime.Add(minutes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			end, err := a.EndTime.Add(minutes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			a.StartTime, a.EndTime = start, end
			if err := tx.UpdateAppointment(ctx, &a); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}
			result.AppointmentsMoved++
		}
		if err := tx.UpdateSlot(ctx, &next); err != nil {
			return fmt.Errorf("update slot: %w", err)
		}
		result.Slots = append(result.Slots, next)
	}

	evs.add(s.now(), EventSlotsShifted, nil, nil, map[string]any{
		"doctor_id":     doctorID,
		"shift_minutes": minutes,
		"slots":         len(result.Slots),
		"appointments":  result.AppointmentsMoved,
	})
	return nil
}

// shiftedSlot returns sl moved by minutes, validated like a new slot.
func (s *Service) shiftedSlot(sl Slot, minutes int) (Slot, error) {
	start, err := sl.StartTime.Add(minutes)
	if err != nil {
		return sl, fmt.Errorf("%w: slot %s-%s: %v", ErrInvalidRequest, sl.StartTime, sl.EndTime, err)
	}
	end, err := sl.EndTime.Add(minutes)
	if err != nil {
		return sl, fmt.Errorf("%w: slot %s-%s: %v", ErrInvalidRequest, sl.StartTime, sl.EndTime, err)
	}
	req, err := s.normalizeSlotRequest(SlotRequest{
		Date:         sl.Date,
		StartTime:    start,
		EndTime:      end,
		Mode:         sl.Mode,
		SlotDuration: sl.SlotDuration,
		MaxBookings:  sl.MaxBookings,
		Type:         sl.Type,
	})
	if err != nil {
		return sl, err
	}
	if s.instant(sl.Date, start).Before(s.now()) {
		return sl, invalidf("slot %s-%s would move into the past", sl.StartTime, sl.EndTime)
	}
	sl.StartTime, sl.EndTime = req.StartTime, req.EndTime
	return sl, nil
}
