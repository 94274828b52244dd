package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slotCols = []string{"id", "doctor_id", "date", "start_time", "end_time", "mode", "slot_duration", "max_bookings", "type", "recurring_id", "is_booked", "created_at", "updated_at"}

var apptCols = []string{"id", "slot_id", "patient_id", "start_time", "end_time", "reason_category", "reason_description", "priority",
	"is_urgency_finalized", "is_confirmed", "displaced", "confirmation_requested_at", "overflow_from_slot_id", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPgRepository(mock)
}

func TestPgGetSlotByIDParsesClockColumns(t *testing.T) {
	mock, repo := newMockRepo(t)
	id, doctorID := uuid.New(), uuid.New()
	created := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM slots WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			id, doctorID, testDay, "09:00", "09:45", "wave", 15, 2, "normal", nil, false, created, created,
		))

	slot, err := repo.GetSlotByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, clock("09:00"), slot.StartTime)
	assert.Equal(t, clock("09:45"), slot.EndTime)
	assert.Equal(t, ModeWave, slot.Mode)
	assert.Equal(t, SlotNormal, slot.Type)
	assert.Equal(t, 2, slot.MaxBookings)
	assert.Nil(t, slot.RecurringID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetSlotByIDMapsNoRows(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()
	mock.ExpectQuery(`FROM slots WHERE id`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetSlotByID(context.Background(), id)
	require.ErrorIs(t, err, ErrSlotNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetSlotByIDRejectsCorruptClock(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`FROM slots WHERE id`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			id, uuid.New(), testDay, "9am", "09:45", "stream", 15, 1, "normal", nil, false, now, now,
		))

	_, err := repo.GetSlotByID(context.Background(), id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSlotNotFound)
}

func TestPgListAppointmentsBySlot(t *testing.T) {
	mock, repo := newMockRepo(t)
	slotID := uuid.New()
	first, second := uuid.New(), uuid.New()
	requested := testNow
	now := time.Now()

	mock.ExpectQuery(`FROM appointments a\s+WHERE a.slot_id = \$1`).
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows(apptCols).
			AddRow(first, slotID, uuid.New(), "09:00", "09:15", "consultation", nil, 5, false, true, false, nil, nil, now, now).
			AddRow(second, slotID, uuid.New(), "09:15", "09:30", "chest-pain", nil, 1, true, false, true, &requested, &slotID, now, now))

	appts, err := repo.ListAppointmentsBySlot(context.Background(), slotID)
	require.NoError(t, err)
	require.Len(t, appts, 2)

	assert.Equal(t, first, appts[0].ID)
	assert.Nil(t, appts[0].ConfirmationRequestedAt)
	assert.True(t, appts[0].HoldsCapacity())

	assert.Equal(t, clock("09:15"), appts[1].StartTime)
	assert.True(t, appts[1].Displaced)
	require.NotNil(t, appts[1].ConfirmationRequestedAt)
	assert.True(t, appts[1].ConfirmationRequestedAt.Equal(requested))
	require.NotNil(t, appts[1].OverflowFromSlotID)
	assert.Equal(t, slotID, *appts[1].OverflowFromSlotID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgClaimBufferSlot(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE slots\s+SET is_booked = true`).WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE slots\s+SET is_booked = true`).WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.ClaimBufferSlot(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimBufferSlot(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "already booked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateAppointmentMissingRow(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := &Appointment{ID: uuid.New(), SlotID: uuid.New(), StartTime: clock("09:00"), EndTime: clock("09:15"), Priority: 5, IsConfirmed: true}

	mock.ExpectExec(`UPDATE appointments`).
		WithArgs(a.ID, a.SlotID, "09:00", "09:15", 5, false, true, false, a.ConfirmationRequestedAt, a.OverflowFromSlotID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateAppointment(context.Background(), a)
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithinTxCommits(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM slots`).WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := repo.WithinTx(context.Background(), func(tx Repository) error {
		return tx.DeleteSlot(context.Background(), id)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithinTxRollsBackOnError(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM appointments`).WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(tx Repository) error {
		// nested calls reuse the open transaction
		return tx.WithinTx(context.Background(), func(inner Repository) error {
			return inner.DeleteAppointment(context.Background(), id)
		})
	})
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithinTxBeginFailure(t *testing.T) {
	mock, repo := newMockRepo(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	called := false
	err := repo.WithinTx(context.Background(), func(Repository) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestPgInsertEventDefaultsTimestamp(t *testing.T) {
	mock, repo := newMockRepo(t)
	slotID := uuid.New()
	payload := []byte(`{"k":1}`)

	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(EventSlotCreated, (*uuid.UUID)(nil), &slotID, payload, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.InsertEvent(context.Background(), EventLog{EventType: EventSlotCreated, SlotID: &slotID, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
