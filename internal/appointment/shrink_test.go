package appointment

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// assertSlotInvariants checks every capacity-holding appointment of a slot.
func assertSlotInvariants(t *testing.T, f *fixture, slotID uuid.UUID) {
	t.Helper()
	slot := f.slot(slotID)
	var holding []Appointment
	for _, a := range f.apptsIn(slotID) {
		if a.HoldsCapacity() {
			holding = append(holding, a)
		}
	}

	for _, a := range holding {
		assert.Truef(t, slot.Contains(a.StartTime, a.EndTime), "appointment %s-%s outside slot %s-%s", a.StartTime, a.EndTime, slot.StartTime, slot.EndTime)
	}

	switch slot.Mode {
	case ModeStream:
		for i := range holding {
			for j := i + 1; j < len(holding); j++ {
				a, b := holding[i], holding[j]
				assert.Falsef(t, overlaps(a.StartTime, a.EndTime, b.StartTime, b.EndTime), "%s-%s overlaps %s-%s", a.StartTime, a.EndTime, b.StartTime, b.EndTime)
			}
		}
	case ModeWave:
		counts := map[int]int{}
		for _, a := range holding {
			idx := BucketIndex(slot, a.StartTime)
			require.GreaterOrEqual(t, idx, 0)
			counts[idx]++
		}
		for idx, n := range counts {
			assert.LessOrEqualf(t, n, slot.MaxBookings, "bucket %d over capacity", idx)
		}
	}
}

func actions(status []AppointmentStatus) []string {
	out := make([]string, 0, len(status))
	for _, st := range status {
		out = append(out, st.Action)
	}
	return out
}

func TestShrinkStreamSingleAppointmentTakesWholeWindow(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	a := f.addAppointment(slot, "09:00", "09:15")

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:30"), f.owner)
	require.NoError(t, err)

	assert.Empty(t, res.Status)
	require.Len(t, res.Repacked, 1)
	assert.Equal(t, 30, res.SubSlotMinutes)
	assert.Equal(t, clock("09:30"), res.Slot.EndTime)
	assert.Equal(t, clock("10:00"), res.PreviousEnd)

	got := f.appt(a.ID)
	assert.Equal(t, clock("09:00"), got.StartTime)
	assert.Equal(t, clock("09:30"), got.EndTime)
	assert.True(t, got.IsConfirmed)
	assert.Equal(t, clock("09:30"), f.slot(slot.ID).EndTime)
	assert.Contains(t, f.eventTypes(), EventSlotShrunk)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkStreamSplitsWindowEvenly(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 10})
	starts := []string{"09:00", "09:10", "09:20", "09:30", "09:40", "09:50"}
	ends := []string{"09:10", "09:20", "09:30", "09:40", "09:50", "10:00"}
	ids := make([]uuid.UUID, len(starts))
	for i := range starts {
		ids[i] = f.addAppointment(slot, starts[i], ends[i]).ID
	}

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:30"), f.owner)
	require.NoError(t, err)

	// floor(30/6) = 5 minutes each, inside appointments first
	assert.Equal(t, 5, res.SubSlotMinutes)
	assert.Empty(t, res.Status)
	require.Len(t, res.Repacked, 6)
	for i, id := range ids {
		got := f.appt(id)
		assert.Equal(t, clock("09:00")+timeutil.Clock(5*i), got.StartTime)
		assert.Equal(t, clock("09:05")+timeutil.Clock(5*i), got.EndTime)
	}
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkStreamDropsTrailingCandidatesBelowMinimum(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 10})
	starts := []string{"09:00", "09:10", "09:20", "09:30", "09:40", "09:50"}
	ends := []string{"09:10", "09:20", "09:30", "09:40", "09:50", "10:00"}
	ids := make([]uuid.UUID, len(starts))
	for i := range starts {
		ids[i] = f.addAppointment(slot, starts[i], ends[i]).ID
	}

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:20"), f.owner)
	require.NoError(t, err)

	// 20/6 and 20/5 are below five minutes, 20/4 is not
	assert.Equal(t, 5, res.SubSlotMinutes)
	require.Len(t, res.Repacked, 4)
	require.Len(t, res.Status, 2)
	assert.Equal(t, []string{ActionPatientCancelOrReschedule, ActionPatientCancelOrReschedule}, actions(res.Status))
	assert.Equal(t, ids[4], res.Status[0].AppointmentID)
	assert.Equal(t, ids[5], res.Status[1].AppointmentID)

	for _, id := range ids[4:] {
		got := f.appt(id)
		assert.True(t, got.Displaced)
		assert.False(t, got.IsConfirmed)
		require.NotNil(t, got.ConfirmationRequestedAt)
		assert.Equal(t, testNow, *got.ConfirmationRequestedAt)
	}
	assert.Equal(t, clock("09:15"), f.appt(ids[3]).StartTime)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkStreamMovesFinalizedOverflowToBuffer(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	buffer := f.addSlot(Slot{StartTime: clock("11:00"), EndTime: clock("11:30"), Mode: ModeStream, SlotDuration: 30, Type: SlotBuffer})
	a := f.addAppointment(slot, "09:00", "09:15")
	b := f.addAppointment(slot, "09:15", "09:30", finalized)
	c := f.addAppointment(slot, "09:30", "09:45")
	d := f.addAppointment(slot, "09:45", "10:00", finalized)

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:15"), f.owner)
	require.NoError(t, err)

	// a inside, then c before the finalized b and d
	require.Len(t, res.Repacked, 3)
	assert.Equal(t, []uuid.UUID{a.ID, c.ID, b.ID}, []uuid.UUID{res.Repacked[0].AppointmentID, res.Repacked[1].AppointmentID, res.Repacked[2].AppointmentID})
	require.Len(t, res.Status, 1)
	assert.Equal(t, d.ID, res.Status[0].AppointmentID)
	assert.Equal(t, ActionMovedToBuffer, res.Status[0].Action)
	assert.Equal(t, buffer.ID, res.Status[0].SlotID)

	moved := f.appt(d.ID)
	assert.Equal(t, buffer.ID, moved.SlotID)
	assert.Equal(t, clock("11:00"), moved.StartTime)
	assert.Equal(t, clock("11:30"), moved.EndTime)
	require.NotNil(t, moved.OverflowFromSlotID)
	assert.Equal(t, slot.ID, *moved.OverflowFromSlotID)
	assert.True(t, f.slot(buffer.ID).IsBooked)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkStreamWithoutBufferRollsBack(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	a := f.addAppointment(slot, "09:00", "09:15")
	f.addAppointment(slot, "09:15", "09:30", finalized)
	f.addAppointment(slot, "09:30", "09:45")
	d := f.addAppointment(slot, "09:45", "10:00", finalized)

	_, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:15"), f.owner)
	require.ErrorIs(t, err, ErrNoBufferSlot)
	assert.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, clock("10:00"), f.slot(slot.ID).EndTime)
	assert.Equal(t, clock("09:15"), f.appt(a.ID).EndTime)
	assert.Equal(t, slot.ID, f.appt(d.ID).SlotID)
	assert.NotContains(t, f.eventTypes(), EventSlotShrunk)
}

func TestShrinkAgainPullsBackBufferOverflow(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	first := f.addSlot(Slot{StartTime: clock("11:00"), EndTime: clock("11:30"), Mode: ModeStream, SlotDuration: 30, Type: SlotBuffer})
	second := f.addSlot(Slot{StartTime: clock("12:00"), EndTime: clock("12:30"), Mode: ModeStream, SlotDuration: 30, Type: SlotBuffer})
	f.addAppointment(slot, "09:00", "09:15")
	b := f.addAppointment(slot, "09:15", "09:30", finalized)
	f.addAppointment(slot, "09:30", "09:45")
	d := f.addAppointment(slot, "09:45", "10:00", finalized)

	_, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:15"), f.owner)
	require.NoError(t, err)
	require.Equal(t, first.ID, f.appt(d.ID).SlotID)

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:10"), f.owner)
	require.NoError(t, err)

	// d came back into the pool, so both finalized appointments overflow
	assert.Equal(t, []string{ActionMovedToBuffer, ActionMovedToBuffer}, actions(res.Status))
	assert.Equal(t, first.ID, f.appt(b.ID).SlotID)
	assert.Equal(t, second.ID, f.appt(d.ID).SlotID)
	assert.True(t, f.slot(first.ID).IsBooked)
	assert.True(t, f.slot(second.ID).IsBooked)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkWaveRedistributesInsideAppointments(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeWave, SlotDuration: 10, MaxBookings: 3})
	a := f.addAppointment(slot, "09:00", "09:10")
	b := f.addAppointment(slot, "09:00", "09:10")
	c := f.addAppointment(slot, "09:00", "09:10")
	d := f.addAppointment(slot, "09:10", "09:20")
	e := f.addAppointment(slot, "09:20", "09:30")

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:30"), f.owner)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Slot.MaxBookings)
	assert.Equal(t, 3, res.BucketCount)
	assert.Equal(t, 10, res.SubSlotMinutes)
	require.Len(t, res.Status, 5)
	assert.Equal(t, []string{
		"retained-in-wave-09:00",
		"retained-in-wave-09:00",
		"reassigned-from-09:00-to-09:10",
		"retained-in-wave-09:10",
		"retained-in-wave-09:20",
	}, actions(res.Status))
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID, d.ID, e.ID}, []uuid.UUID{
		res.Status[0].AppointmentID, res.Status[1].AppointmentID, res.Status[2].AppointmentID,
		res.Status[3].AppointmentID, res.Status[4].AppointmentID,
	})

	stored := f.slot(slot.ID)
	assert.Equal(t, 2, stored.MaxBookings)
	assert.Equal(t, clock("09:30"), stored.EndTime)
	assert.Equal(t, clock("09:10"), f.appt(c.ID).StartTime)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkWaveReschedulesAffectedAppointments(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeWave, SlotDuration: 10, MaxBookings: 2})
	f.addAppointment(slot, "09:00", "09:10")
	b := f.addAppointment(slot, "09:40", "09:50")
	f.addAppointment(slot, "09:50", "10:00")

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:20"), f.owner)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"retained-in-wave-09:00",
		"rescheduled-wave-09:10",
		"rescheduled-wave-09:10",
	}, actions(res.Status))
	assert.Equal(t, GroupAffected, res.Status[1].Group)

	got := f.appt(b.ID)
	assert.Equal(t, clock("09:10"), got.StartTime)
	assert.Equal(t, clock("09:20"), got.EndTime)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkWaveDropsCandidatesThatCannotGetMinimum(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeWave, SlotDuration: 5, MaxBookings: 5})
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.addAppointment(slot, "09:00", "09:05").ID)
	}

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:20"), f.owner)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Slot.MaxBookings)
	assert.Equal(t, 4, res.BucketCount)
	assert.Equal(t, []string{
		"retained-in-wave-09:00",
		"reassigned-from-09:00-to-09:05",
		"reassigned-from-09:00-to-09:10",
		"reassigned-from-09:00-to-09:15",
		ActionCancelInsideNoSpace,
	}, actions(res.Status))

	last := f.appt(ids[4])
	assert.True(t, last.Displaced)
	assert.False(t, last.IsConfirmed)
	assertSlotInvariants(t, f, slot.ID)
}

func TestShrinkValidation(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})

	tests := []struct {
		name   string
		newEnd string
		want   error
	}{
		{"extends slot", "10:30", ErrInvalidRequest},
		{"before start", "08:30", ErrInvalidRequest},
		{"equal to start", "09:00", ErrInvalidRequest},
		{"below minimum window", "09:04", ErrCannotFitMinimum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Shrink(context.Background(), slot.ID, clock(tt.newEnd), f.owner)
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, clock("10:00"), f.slot(slot.ID).EndTime)
}

func TestShrinkToCurrentEndIsNoop(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	a := f.addAppointment(slot, "09:15", "09:30")

	res, err := f.svc.Shrink(context.Background(), slot.ID, clock("10:00"), f.owner)
	require.NoError(t, err)
	assert.Empty(t, res.Status)
	assert.Equal(t, clock("09:15"), f.appt(a.ID).StartTime)
}

func TestShrinkRequiresSlotOwner(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(Slot{StartTime: clock("09:00"), EndTime: clock("10:00"), Mode: ModeStream, SlotDuration: 15})
	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}

	_, err := f.svc.Shrink(context.Background(), slot.ID, clock("09:30"), stranger)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Shrink(context.Background(), uuid.New(), clock("09:30"), f.owner)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStreamFit(t *testing.T) {
	tests := []struct {
		minutes, count int
		n, duration    int
	}{
		{30, 1, 1, 30},
		{30, 6, 6, 5},
		{20, 6, 4, 5},
		{60, 4, 4, 15},
		{4, 1, 0, 0},
	}
	for _, tt := range tests {
		n, d := streamFit(tt.minutes, tt.count)
		assert.Equal(t, tt.n, n, "minutes=%d count=%d", tt.minutes, tt.count)
		assert.Equal(t, tt.duration, d, "minutes=%d count=%d", tt.minutes, tt.count)
	}
}

func TestWaveLayout(t *testing.T) {
	considered, width, buckets, maxBookings := waveLayout(30, 10, 3, 5)
	assert.Equal(t, []int{5, 10, 3, 2}, []int{considered, width, buckets, maxBookings})

	// share of 7.5 minutes widens 5 minute buckets to 8
	considered, width, buckets, maxBookings = waveLayout(30, 5, 3, 4)
	assert.Equal(t, []int{4, 8, 3, 2}, []int{considered, width, buckets, maxBookings})

	// no candidates keeps capacity
	considered, width, buckets, maxBookings = waveLayout(30, 10, 3, 0)
	assert.Equal(t, []int{0, 10, 3, 3}, []int{considered, width, buckets, maxBookings})

	// bucket wider than the shrunk window collapses to one bucket
	considered, width, buckets, maxBookings = waveLayout(20, 30, 2, 3)
	assert.Equal(t, []int{3, 20, 1, 3}, []int{considered, width, buckets, maxBookings})
}
