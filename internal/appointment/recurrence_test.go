package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

func weeklyRequest() RecurrenceRequest {
	return RecurrenceRequest{
		StartDate:    testDay,
		EndDate:      testDay.AddDate(0, 0, 13),
		DaysOfWeek:   []string{"Monday", "wednesday"},
		StartTime:    clock("09:00"),
		EndTime:      clock("10:00"),
		Mode:         ModeStream,
		SlotDuration: 15,
	}
}

func dates(slots []Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, timeutil.FormatDate(s.Date))
	}
	return out
}

func TestCreateRecurringExpandsMatchingWeekdays(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, weeklyRequest(), f.owner)
	require.NoError(t, err)

	assert.Equal(t, []string{"2030-01-07", "2030-01-09", "2030-01-14", "2030-01-16"}, dates(res.Created))
	assert.Empty(t, res.Skipped)
	for _, s := range res.Created {
		require.NotNil(t, s.RecurringID)
		assert.Equal(t, res.RecurringID, *s.RecurringID)
		assert.Equal(t, 1, s.MaxBookings)
		assert.Equal(t, SlotNormal, s.Type)
	}
	assert.Contains(t, f.eventTypes(), EventRecurrenceCreated)

	again, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, weeklyRequest(), f.owner)
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	require.Len(t, again.Skipped, 4)
	for _, sk := range again.Skipped {
		assert.Equal(t, SkipDuplicate, sk.Reason)
	}
}

func TestCreateRecurringSkipsPastAndOverlappingDays(t *testing.T) {
	f := newFixture(t)
	f.addSlot(Slot{Date: testDay.AddDate(0, 0, 2), StartTime: clock("09:30"), EndTime: clock("10:30"), Mode: ModeStream, SlotDuration: 15})

	req := weeklyRequest()
	req.StartTime = clock("07:00")
	req.EndTime = clock("10:00")
	res, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, req, f.owner)
	require.NoError(t, err)

	assert.Equal(t, []string{"2030-01-14", "2030-01-16"}, dates(res.Created))
	assert.Equal(t, []SkippedDay{
		{Date: testDay, Reason: SkipPast},
		{Date: testDay.AddDate(0, 0, 2), Reason: SkipOverlap},
	}, res.Skipped)
}

func TestCreateRecurringValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*RecurrenceRequest)
	}{
		{"start after end", func(r *RecurrenceRequest) { r.StartDate, r.EndDate = r.EndDate, r.StartDate }},
		{"missing end date", func(r *RecurrenceRequest) { r.EndDate = time.Time{} }},
		{"range too long", func(r *RecurrenceRequest) { r.EndDate = r.StartDate.AddDate(0, 0, MaxRecurrenceDays+1) }},
		{"no weekdays", func(r *RecurrenceRequest) { r.DaysOfWeek = nil }},
		{"unknown weekday", func(r *RecurrenceRequest) { r.DaysOfWeek = []string{"funday"} }},
		{"bad mode", func(r *RecurrenceRequest) { r.Mode = "burst" }},
		{"reversed window", func(r *RecurrenceRequest) { r.StartTime, r.EndTime = r.EndTime, r.StartTime }},
		{"wave without capacity", func(r *RecurrenceRequest) { r.Mode = ModeWave }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := weeklyRequest()
			tt.mutate(&req)
			_, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, req, f.owner)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.st.slots)

	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}
	_, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, weeklyRequest(), stranger)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteRecurringKeepsSlotsWithAppointments(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, weeklyRequest(), f.owner)
	require.NoError(t, err)
	busy := res.Created[1]
	f.addAppointment(busy, "09:00", "09:15")

	del, err := f.svc.DeleteRecurring(context.Background(), f.doctor.ID, res.RecurringID, f.owner)
	require.NoError(t, err)

	assert.Len(t, del.Deleted, 3)
	assert.Equal(t, []uuid.UUID{busy.ID}, del.Kept)
	assert.Len(t, f.st.slots, 1)
	assert.Contains(t, f.eventTypes(), EventRecurrenceDeleted)
}

func TestDeleteRecurringFromDate(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateRecurring(context.Background(), f.doctor.ID, weeklyRequest(), f.owner)
	require.NoError(t, err)

	from := testDay.AddDate(0, 0, 7)
	del, err := f.svc.DeleteRecurringFromDate(context.Background(), f.doctor.ID, res.RecurringID, from, f.owner)
	require.NoError(t, err)

	assert.ElementsMatch(t, []uuid.UUID{res.Created[2].ID, res.Created[3].ID}, del.Deleted)
	assert.Empty(t, del.Kept)
	assert.Contains(t, f.st.slots, res.Created[0].ID)
	assert.Contains(t, f.st.slots, res.Created[1].ID)

	// nothing left after the cut-off
	_, err = f.svc.DeleteRecurringFromDate(context.Background(), f.doctor.ID, res.RecurringID, from, f.owner)
	require.ErrorIs(t, err, ErrRecurrenceNotFound)
}

func TestDeleteRecurringUnknownID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DeleteRecurring(context.Background(), f.doctor.ID, uuid.New(), f.owner)
	require.ErrorIs(t, err, ErrRecurrenceNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}
