package appointment

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

const (
	ActionRepacked                  = "repacked"
	ActionMovedToBuffer             = "moved-to-buffer"
	ActionPatientCancelOrReschedule = "patient-cancel-or-reschedule"
	ActionCancelInsideNoSpace       = "cancel-inside-no-space"
	ActionCancelOrReschedule        = "cancel-or-reschedule"

	GroupInside   = "inside"
	GroupAffected = "affected"
)

// Metric labels for wave actions whose status text embeds a time.
const (
	outcomeRetained    = "retained-in-wave"
	outcomeReassigned  = "reassigned"
	outcomeRescheduled = "rescheduled-wave"
)

// AppointmentStatus explains what a shrink did to one appointment. SlotID,
// StartTime and EndTime are the appointment's placement afterwards.
type AppointmentStatus struct {
	AppointmentID uuid.UUID
	Group         string
	Action        string
	SlotID        uuid.UUID
	StartTime     timeutil.Clock
	EndTime       timeutil.Clock

	outcome string
}

type ShrinkResult struct {
	Slot        Slot
	PreviousEnd timeutil.Clock
	// SubSlotMinutes is the repacked window length in stream mode and the
	// bucket width in wave mode.
	SubSlotMinutes int
	BucketCount    int
	// Status lists overflow in stream mode and every candidate in wave mode.
	Status []AppointmentStatus
	// Repacked lists the stream appointments that stayed in the slot.
	Repacked []AppointmentStatus
}

type candidate struct {
	appt      *Appointment
	group     string
	origStart timeutil.Clock
}

func (c candidate) status(action, outcome string) AppointmentStatus {
	return AppointmentStatus{
		AppointmentID: c.appt.ID,
		Group:         c.group,
		Action:        action,
		SlotID:        c.appt.SlotID,
		StartTime:     c.appt.StartTime,
		EndTime:       c.appt.EndTime,
		outcome:       outcome,
	}
}

// Shrink moves a slot's end earlier and reallocates the appointments it
// holds according to the slot's mode.
func (s *Service) Shrink(ctx context.Context, slotID uuid.UUID, newEnd timeutil.Clock, who auth.Identity) (_ *ShrinkResult, err error) {
	ctx, done := s.begin(ctx, "shrink",
		attribute.String("slot_id", slotID.String()),
		attribute.String("new_end", newEnd.String()),
	)
	defer func() { done(err) }()

	slot, err := loadSlot(ctx, s.repo, slotID)
	if err != nil {
		return nil, err
	}
	if _, err := authorizeDoctor(ctx, s.repo, slot.DoctorID, who); err != nil {
		return nil, err
	}

	var result *ShrinkResult
	var evs events
	err = s.withSlotLock(ctx, "shrink", slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			current, err := loadSlot(lockCtx, tx, slotID)
			if err != nil {
				return err
			}
			result, err = s.shrinkInTx(lockCtx, tx, current, newEnd, &evs)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, evs)
	return result, nil
}

func validateShrink(slot *Slot, newEnd timeutil.Clock) error {
	if !newEnd.Valid() || newEnd <= slot.StartTime {
		return invalidf("new end %s must be after slot start %s", newEnd, slot.StartTime)
	}
	if newEnd > slot.EndTime {
		return invalidf("new end %s is later than current end %s, shrinking cannot extend a slot", newEnd, slot.EndTime)
	}
	if timeutil.MinutesBetween(slot.StartTime, newEnd) < MinSubSlotMinutes {
		return fmt.Errorf("%w: %s-%s is shorter than %d minutes", ErrCannotFitMinimum, slot.StartTime, newEnd, MinSubSlotMinutes)
	}
	return nil
}

// shrinkInTx does the reallocation against an open transaction. The caller
// holds the slot lock.
func (s *Service) shrinkInTx(ctx context.Context, tx Repository, slot *Slot, newEnd timeutil.Clock, evs *events) (*ShrinkResult, error) {
	if err := validateShrink(slot, newEnd); err != nil {
		return nil, err
	}

	result := &ShrinkResult{PreviousEnd: slot.EndTime}
	if newEnd == slot.EndTime {
		result.Slot = *slot
		result.SubSlotMinutes = slot.SlotDuration
		result.BucketCount = len(DeriveSubSlots(*slot))
		return result, nil
	}

	pulled, err := s.pullBackOverflow(ctx, tx, slot)
	if err != nil {
		return nil, err
	}
	appts, err := tx.ListAppointmentsBySlot(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("list slot appointments: %w", err)
	}

	var inside, affected []candidate
	for i := range appts {
		a := &appts[i]
		if !a.HoldsCapacity() {
			continue
		}
		c := candidate{appt: a, origStart: a.StartTime}
		if a.EndTime <= newEnd {
			c.group = GroupInside
			inside = append(inside, c)
		} else {
			c.group = GroupAffected
			affected = append(affected, c)
		}
	}
	for _, a := range pulled {
		affected = append(affected, candidate{appt: a, group: GroupAffected, origStart: a.StartTime})
	}
	sortFirstComeFirstServed(inside)
	sortFirstComeFirstServed(affected)
	sort.SliceStable(affected, func(i, j int) bool {
		return !affected[i].appt.IsUrgencyFinalized && affected[j].appt.IsUrgencyFinalized
	})
	cands := append(inside, affected...)

	switch slot.Mode {
	case ModeWave:
		s.rebucketWave(slot, newEnd, cands, result)
	default:
		if err := s.repackStream(ctx, tx, slot, newEnd, cands, result); err != nil {
			return nil, err
		}
	}

	slot.EndTime = newEnd
	if err := tx.UpdateSlot(ctx, slot); err != nil {
		return nil, fmt.Errorf("update slot: %w", err)
	}
	for _, c := range cands {
		if err := tx.UpdateAppointment(ctx, c.appt); err != nil {
			return nil, fmt.Errorf("update appointment %s: %w", c.appt.ID, err)
		}
	}

	for _, st := range result.Status {
		s.metrics.ObserveReallocation(string(slot.Mode), st.outcome)
	}
	evs.add(s.now(), EventSlotShrunk, nil, &slot.ID, map[string]any{
		"from":         result.PreviousEnd.String(),
		"to":           newEnd.String(),
		"mode":         slot.Mode,
		"sub_slot_min": result.SubSlotMinutes,
		"max_bookings": slot.MaxBookings,
		"status":       statusPayload(result.Status),
		"repacked":     len(result.Repacked),
	})

	result.Slot = *slot
	return result, nil
}

// pullBackOverflow returns appointments an earlier shrink of this slot moved
// into buffer slots, releasing those buffers so the recomputation can claim
// them again.
func (s *Service) pullBackOverflow(ctx context.Context, tx Repository, slot *Slot) ([]*Appointment, error) {
	overflow, err := tx.ListOverflowAppointments(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("list overflow appointments: %w", err)
	}
	out := make([]*Appointment, 0, len(overflow))
	for i := range overflow {
		a := &overflow[i]
		if err := tx.ReleaseBufferSlot(ctx, a.SlotID); err != nil {
			return nil, fmt.Errorf("release buffer slot: %w", err)
		}
		a.SlotID = slot.ID
		a.OverflowFromSlotID = nil
		out = append(out, a)
	}
	return out, nil
}

func sortFirstComeFirstServed(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].appt, cs[j].appt
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

// streamFit returns how many candidates fit the window and the window each
// gets. n is 0 when not even one candidate gets MinSubSlotMinutes.
func streamFit(minutes, count int) (n, duration int) {
	for n = count; n > 0; n-- {
		duration = minutes / n
		if duration >= MinSubSlotMinutes {
			return n, duration
		}
	}
	return 0, 0
}

func (s *Service) repackStream(ctx context.Context, tx Repository, slot *Slot, newEnd timeutil.Clock, cands []candidate, result *ShrinkResult) error {
	minutes := timeutil.MinutesBetween(slot.StartTime, newEnd)
	if len(cands) == 0 {
		result.SubSlotMinutes = slot.SlotDuration
		result.BucketCount = minutes / slot.SlotDuration
		return nil
	}

	n, duration := streamFit(minutes, len(cands))
	if n == 0 {
		return ErrCannotFitMinimum
	}
	result.SubSlotMinutes = duration
	result.BucketCount = n

	cur := slot.StartTime
	for _, c := range cands[:n] {
		c.appt.SlotID = slot.ID
		c.appt.StartTime = cur
		c.appt.EndTime = cur + timeutil.Clock(duration)
		cur = c.appt.EndTime
		result.Repacked = append(result.Repacked, c.status(ActionRepacked, ActionRepacked))
	}

	for _, c := range cands[n:] {
		if c.appt.IsUrgencyFinalized {
			buffer, err := claimBuffer(ctx, tx, slot.DoctorID, slot.Date, slot.ID)
			if err != nil {
				return err
			}
			if buffer == nil {
				return fmt.Errorf("%w: appointment %s", ErrNoBufferSlot, c.appt.ID)
			}
			c.appt.SlotID = buffer.ID
			c.appt.StartTime = buffer.StartTime
			c.appt.EndTime = buffer.EndTime
			c.appt.OverflowFromSlotID = ptr(slot.ID)
			result.Status = append(result.Status, c.status(ActionMovedToBuffer, ActionMovedToBuffer))
			continue
		}
		c.appt.Displaced = true
		c.appt.requestConfirmation(s.now())
		result.Status = append(result.Status, c.status(ActionPatientCancelOrReschedule, ActionPatientCancelOrReschedule))
	}
	return nil
}

// waveLayout sizes the shrunk wave. Trailing candidates are dropped until
// each gets at least MinSubSlotMinutes of the window.
func waveLayout(minutes, slotDuration, currentMax, total int) (considered, width, buckets, maxBookings int) {
	considered = total
	for considered > 0 && minutes < MinSubSlotMinutes*considered {
		considered--
	}
	width = slotDuration
	if considered > 0 {
		if share := ceilDiv(minutes, considered); share > width {
			width = share
		}
	}
	if width > minutes {
		width = minutes
	}
	buckets = minutes / width
	maxBookings = currentMax
	if considered > 0 {
		maxBookings = ceilDiv(considered, buckets)
	}
	return considered, width, buckets, maxBookings
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (s *Service) rebucketWave(slot *Slot, newEnd timeutil.Clock, cands []candidate, result *ShrinkResult) {
	minutes := timeutil.MinutesBetween(slot.StartTime, newEnd)
	considered, width, buckets, maxBookings := waveLayout(minutes, slot.SlotDuration, slot.MaxBookings, len(cands))

	slot.SlotDuration = width
	slot.MaxBookings = maxBookings
	result.SubSlotMinutes = width
	result.BucketCount = buckets

	counts := make([]int, buckets)
	bucketStart := func(i int) timeutil.Clock { return slot.StartTime + timeutil.Clock(i*width) }
	place := func(c candidate, i int) {
		counts[i]++
		c.appt.SlotID = slot.ID
		c.appt.StartTime = bucketStart(i)
		c.appt.EndTime = bucketStart(i) + timeutil.Clock(width)
	}
	nearest := func(t timeutil.Clock) int {
		best := -1
		for i := 0; i < buckets; i++ {
			if counts[i] >= maxBookings {
				continue
			}
			if best < 0 || timeutil.Distance(bucketStart(i), t) < timeutil.Distance(bucketStart(best), t) {
				best = i
			}
		}
		return best
	}

	statuses := make([]AppointmentStatus, len(cands))
	done := make([]bool, len(cands))

	for i, c := range cands[:considered] {
		if c.group != GroupInside || c.origStart < slot.StartTime {
			continue
		}
		idx := timeutil.MinutesBetween(slot.StartTime, c.origStart) / width
		if idx < buckets && counts[idx] < maxBookings {
			place(c, idx)
			statuses[i] = c.status(fmt.Sprintf("%s-%s", outcomeRetained, bucketStart(idx)), outcomeRetained)
			done[i] = true
		}
	}

	for i, c := range cands {
		if done[i] {
			continue
		}
		idx := -1
		if i < considered {
			idx = nearest(c.origStart)
		}
		switch {
		case idx >= 0 && c.group == GroupInside:
			place(c, idx)
			statuses[i] = c.status(fmt.Sprintf("reassigned-from-%s-to-%s", c.origStart, bucketStart(idx)), outcomeReassigned)
		case idx >= 0:
			place(c, idx)
			statuses[i] = c.status(fmt.Sprintf("%s-%s", outcomeRescheduled, bucketStart(idx)), outcomeRescheduled)
		case c.group == GroupInside:
			c.appt.Displaced = true
			c.appt.requestConfirmation(s.now())
			statuses[i] = c.status(ActionCancelInsideNoSpace, ActionCancelInsideNoSpace)
		default:
			c.appt.Displaced = true
			c.appt.requestConfirmation(s.now())
			statuses[i] = c.status(ActionCancelOrReschedule, ActionCancelOrReschedule)
		}
	}
	result.Status = statuses
}

// claimBuffer books the earliest free buffer slot of the doctor on date.
// It returns nil when every buffer is taken.
func claimBuffer(ctx context.Context, tx Repository, doctorID uuid.UUID, date time.Time, exclude uuid.UUID) (*Slot, error) {
	slots, err := tx.ListSlotsByDoctorAndDate(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list buffer slots: %w", err)
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].StartTime < slots[j].StartTime })
	for i := range slots {
		b := slots[i]
		if b.Type != SlotBuffer || b.IsBooked || b.ID == exclude {
			continue
		}
		ok, err := tx.ClaimBufferSlot(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("claim buffer slot: %w", err)
		}
		if ok {
			b.IsBooked = true
			return &b, nil
		}
	}
	return nil, nil
}

func statusPayload(status []AppointmentStatus) []map[string]any {
	out := make([]map[string]any, 0, len(status))
	for _, st := range status {
		out = append(out, map[string]any{
			"appointment_id": st.AppointmentID,
			"group":          st.Group,
			"action":         st.Action,
		})
	}
	return out
}
