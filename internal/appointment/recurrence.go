package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// MaxRecurrenceDays bounds how far one recurrence request may reach.
const MaxRecurrenceDays = 366

const (
	SkipPast      = "past"
	SkipDuplicate = "duplicate"
	SkipOverlap   = "overlap"
)

type RecurrenceRequest struct {
	StartDate    time.Time
	EndDate      time.Time
	DaysOfWeek   []string
	StartTime    timeutil.Clock
	EndTime      timeutil.Clock
	Mode         SlotMode
	MaxBookings  int
	SlotDuration int
	Type         SlotType
}

type SkippedDay struct {
	Date   time.Time
	Reason string
}

type RecurrenceResult struct {
	RecurringID uuid.UUID
	Created     []Slot
	Skipped     []SkippedDay
}

type RecurrenceDeleteResult struct {
	Deleted []uuid.UUID
	// Kept are slots that still hold appointments.
	Kept []uuid.UUID
}

func parseDays(days []string) (map[time.Weekday]bool, error) {
	if len(days) == 0 {
		return nil, invalidf("daysOfWeek must name at least one day")
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, err := timeutil.ParseWeekday(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		set[wd] = true
	}
	return set, nil
}

// CreateRecurring expands a date range and weekday set into one slot per
// matching day, all sharing a new recurrence id. Past days and days already
// holding an identical slot are skipped.
func (s *Service) CreateRecurring(ctx context.Context, doctorID uuid.UUID, req RecurrenceRequest, who auth.Identity) (_ *RecurrenceResult, err error) {
	ctx, done := s.begin(ctx, "create_recurring", attribute.String("doctor_id", doctorID.String()))
	defer func() { done(err) }()

	if _, err := authorizeDoctor(ctx, s.repo, doctorID, who); err != nil {
		return nil, err
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return nil, invalidf("startDate and endDate are required")
	}
	if req.StartDate.After(req.EndDate) {
		return nil, invalidf("startDate %s is after endDate %s", timeutil.FormatDate(req.StartDate), timeutil.FormatDate(req.EndDate))
	}
	if req.EndDate.Sub(req.StartDate) > MaxRecurrenceDays*24*time.Hour {
		return nil, invalidf("recurrence may span at most %d days", MaxRecurrenceDays)
	}
	days, err := parseDays(req.DaysOfWeek)
	if err != nil {
		return nil, err
	}
	template, err := s.normalizeSlotRequest(SlotRequest{
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		Mode:         req.Mode,
		SlotDuration: req.SlotDuration,
		MaxBookings:  req.MaxBookings,
		Type:         req.Type,
	})
	if err != nil {
		return nil, err
	}

	result := &RecurrenceResult{RecurringID: uuid.New()}
	var evs events
	err = s.withLock(ctx, "create_recurring", redisclient.DoctorSlotsKey(doctorID), func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			now := s.now()
			for d := req.StartDate; !d.After(req.EndDate); d = d.AddDate(0, 0, 1) {
				if !days[d.Weekday()] {
					continue
				}
				if s.instant(d, template.StartTime).Before(now) {
					result.Skipped = append(result.Skipped, SkippedDay{Date: d, Reason: SkipPast})
					continue
				}

				existing, err := tx.ListSlotsByDoctorAndDate(lockCtx, doctorID, d)
				if err != nil {
					return fmt.Errorf("list doctor slots: %w", err)
				}
				if hasIdentical(existing, template) {
					result.Skipped = append(result.Skipped, SkippedDay{Date: d, Reason: SkipDuplicate})
					continue
				}
				if findOverlap(existing, d, template.StartTime, template.EndTime, uuid.Nil) != nil {
					result.Skipped = append(result.Skipped, SkippedDay{Date: d, Reason: SkipOverlap})
					continue
				}

				slot := &Slot{
					DoctorID:     doctorID,
					Date:         d,
					StartTime:    template.StartTime,
					EndTime:      template.EndTime,
					Mode:         template.Mode,
					SlotDuration: template.SlotDuration,
					MaxBookings:  template.MaxBookings,
					Type:         template.Type,
					RecurringID:  ptr(result.RecurringID),
				}
				if err := tx.CreateSlot(lockCtx, slot); err != nil {
					return fmt.Errorf("create slot: %w", err)
				}
				result.Created = append(result.Created, *slot)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	evs.add(s.now(), EventRecurrenceCreated, nil, nil, map[string]any{
		"recurring_id": result.RecurringID,
		"doctor_id":    doctorID,
		"created":      len(result.Created),
		"skipped":      len(result.Skipped),
	})
	s.flush(ctx, evs)
	return result, nil
}

func hasIdentical(slots []Slot, t SlotRequest) bool {
	for _, sl := range slots {
		if sl.StartTime == t.StartTime && sl.EndTime == t.EndTime && sl.Type == t.Type {
			return true
		}
	}
	return false
}

// DeleteRecurring removes every slot of a recurrence.
func (s *Service) DeleteRecurring(ctx context.Context, doctorID, recurringID uuid.UUID, who auth.Identity) (*RecurrenceDeleteResult, error) {
	return s.deleteRecurring(ctx, doctorID, recurringID, nil, who)
}

// DeleteRecurringFromDate removes the recurrence's slots dated on or after
// from.
func (s *Service) DeleteRecurringFromDate(ctx context.Context, doctorID, recurringID uuid.UUID, from time.Time, who auth.Identity) (*RecurrenceDeleteResult, error) {
	return s.deleteRecurring(ctx, doctorID, recurringID, &from, who)
}

func (s *Service) deleteRecurring(ctx context.Context, doctorID, recurringID uuid.UUID, from *time.Time, who auth.Identity) (_ *RecurrenceDeleteResult, err error) {
	ctx, done := s.begin(ctx, "delete_recurring",
		attribute.String("doctor_id", doctorID.String()),
		attribute.String("recurring_id", recurringID.String()),
	)
	defer func() { done(err) }()

	if _, err := authorizeDoctor(ctx, s.repo, doctorID, who); err != nil {
		return nil, err
	}
	slots, err := s.repo.ListSlotsByRecurrence(ctx, doctorID, recurringID, from)
	if err != nil {
		return nil, fmt.Errorf("list recurrence slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, ErrRecurrenceNotFound
	}
	ids := make([]uuid.UUID, 0, len(slots))
	for _, sl := range slots {
		ids = append(ids, sl.ID)
	}

	result := &RecurrenceDeleteResult{}
	var evs events
	err = s.withSlotLocks(ctx, "delete_recurring", ids, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			for _, id := range ids {
				slot, err := tx.GetSlotByID(lockCtx, id)
				if errors.Is(err, ErrSlotNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("load slot: %w", err)
				}
				appts, err := tx.ListAppointmentsBySlot(lockCtx, id)
				if err != nil {
					return fmt.Errorf("list slot appointments: %w", err)
				}
				if len(appts) > 0 || slot.IsBooked {
					result.Kept = append(result.Kept, id)
					continue
				}
				if err := tx.DeleteSlot(lockCtx, id); err != nil {
					return fmt.Errorf("delete slot: %w", err)
				}
				result.Deleted = append(result.Deleted, id)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"recurring_id": recurringID,
		"deleted":      len(result.Deleted),
		"kept":         result.Kept,
	}
	if from != nil {
		payload["from"] = timeutil.FormatDate(*from)
	}
	evs.add(s.now(), EventRecurrenceDeleted, nil, nil, payload)
	s.flush(ctx, evs)
	return result, nil
}
