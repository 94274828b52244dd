package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reallocation-engine/internal/appointment"
	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// Scheduler is the engine surface the HTTP layer drives. *appointment.Service
// implements it.
type Scheduler interface {
	CreateSlot(ctx context.Context, doctorID uuid.UUID, req appointment.SlotRequest, who auth.Identity) (*appointment.Slot, error)
	CreateRecurring(ctx context.Context, doctorID uuid.UUID, req appointment.RecurrenceRequest, who auth.Identity) (*appointment.RecurrenceResult, error)
	ListDoctorSlots(ctx context.Context, doctorID uuid.UUID, who auth.Identity) ([]appointment.Slot, error)
	DeleteRecurring(ctx context.Context, doctorID, recurringID uuid.UUID, who auth.Identity) (*appointment.RecurrenceDeleteResult, error)
	DeleteRecurringFromDate(ctx context.Context, doctorID, recurringID uuid.UUID, from time.Time, who auth.Identity) (*appointment.RecurrenceDeleteResult, error)
	RescheduleSlot(ctx context.Context, slotID uuid.UUID, patch appointment.SlotPatch, who auth.Identity) (*appointment.Slot, error)
	DeleteSlot(ctx context.Context, slotID uuid.UUID, who auth.Identity) (*appointment.DeleteSlotResult, error)
	ShiftSlots(ctx context.Context, doctorID uuid.UUID, req appointment.ShiftRequest, who auth.Identity) (*appointment.ShiftResult, error)
	Shrink(ctx context.Context, slotID uuid.UUID, newEnd timeutil.Clock, who auth.Identity) (*appointment.ShrinkResult, error)
	GetAvailableSubSlots(ctx context.Context, slotID uuid.UUID) ([]appointment.SubSlot, error)
	Book(ctx context.Context, req appointment.BookRequest, who auth.Identity) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID uuid.UUID, who auth.Identity) error
	RescheduleAppointment(ctx context.Context, appointmentID uuid.UUID, req appointment.RescheduleRequest, who auth.Identity) (*appointment.Appointment, error)
	ConfirmAppointment(ctx context.Context, appointmentID uuid.UUID, who auth.Identity) (*appointment.Appointment, error)
	FinalizeUrgency(ctx context.Context, appointmentID uuid.UUID, isUrgent bool, who auth.Identity) (*appointment.UrgencyResult, error)
}

var _ Scheduler = (*appointment.Service)(nil)

// Slots

func createSlotHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, doctorID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req CreateSlotRequest
		if !decode(w, r, &req) {
			return
		}
		in, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		slot, err := svc.CreateSlot(r.Context(), doctorID, in, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSlotResponse(*slot))
	}
}

func createRecurrenceHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, doctorID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req CreateRecurrenceRequest
		if !decode(w, r, &req) {
			return
		}
		in, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		res, err := svc.CreateRecurring(r.Context(), doctorID, in, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRecurrenceResponse(*res))
	}
}

func shiftSlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, doctorID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req ShiftSlotsRequest
		if !decode(w, r, &req) {
			return
		}
		in, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		res, err := svc.ShiftSlots(r.Context(), doctorID, in, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toShiftResponse(*res))
	}
}

func listDoctorSlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, doctorID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		slots, err := svc.ListDoctorSlots(r.Context(), doctorID, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func deleteRecurrenceHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, doctorID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		recurringID, err := parseUUID("rid", chi.URLParam(r, "rid"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		var res *appointment.RecurrenceDeleteResult
		if from := r.URL.Query().Get("from"); from != "" {
			d, err := parseDate("from", from)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			res, err = svc.DeleteRecurringFromDate(r.Context(), doctorID, recurringID, d, who)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
		} else {
			res, err = svc.DeleteRecurring(r.Context(), doctorID, recurringID, who)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, RecurrenceDeleteResponse{Deleted: nonNil(res.Deleted), Kept: nonNil(res.Kept)})
	}
}

func rescheduleSlotHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, slotID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleSlotRequest
		if !decode(w, r, &req) {
			return
		}
		patch, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		slot, err := svc.RescheduleSlot(r.Context(), slotID, patch, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

func deleteSlotHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, slotID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		res, err := svc.DeleteSlot(r.Context(), slotID, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := DeleteSlotResponse{Deleted: res.Deleted}
		if res.Shrink != nil {
			sr := toShrinkResponse(*res.Shrink)
			resp.Shrink = &sr
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func shrinkSlotHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, slotID, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req ShrinkSlotRequest
		if !decode(w, r, &req) {
			return
		}
		newEnd, err := parseClock("new_end_time", req.NewEndTime)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		res, err := svc.Shrink(r.Context(), slotID, newEnd, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toShrinkResponse(*res))
	}
}

func subSlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, err := parseUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		subs, err := svc.GetAvailableSubSlots(r.Context(), slotID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubSlotResponses(subs))
	}
}

// Appointments

func createAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, ok := caller(w, r)
		if !ok {
			return
		}
		var req CreateAppointmentRequest
		if !decode(w, r, &req) {
			return
		}
		in, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		appt, err := svc.Book(r.Context(), in, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func cancelAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, id, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		if err := svc.CancelAppointment(r.Context(), id, who); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func rescheduleAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, id, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleAppointmentRequest
		if !decode(w, r, &req) {
			return
		}
		in, err := req.toDomain()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		appt, err := svc.RescheduleAppointment(r.Context(), id, in, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func confirmAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, id, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.ConfirmAppointment(r.Context(), id, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func finalizeUrgencyHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, id, ok := callerAndID(w, r, "id")
		if !ok {
			return
		}
		var req FinalizeUrgencyRequest
		if !decode(w, r, &req) {
			return
		}
		if req.IsUrgent == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "is_urgent is required")
			return
		}

		res, err := svc.FinalizeUrgency(r.Context(), id, *req.IsUrgent, who)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, UrgencyResponse{
			Appointment: toAppointmentResponse(res.Appointment),
			Action:      res.Action,
			Candidates:  toSubSlotResponses(res.Candidates),
		})
	}
}

// Helpers

func caller(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	who, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return auth.Identity{}, false
	}
	return who, true
}

func callerAndID(w http.ResponseWriter, r *http.Request, param string) (auth.Identity, uuid.UUID, bool) {
	who, ok := caller(w, r)
	if !ok {
		return who, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
		return who, uuid.Nil, false
	}
	return who, id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; specific sentinels come before the
// kinds they wrap.
var errorMappings = []errorMapping{
	{appointment.ErrAlreadyFinalized, http.StatusNotFound, "already_finalized"},
	{appointment.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{appointment.ErrRecurrenceNotFound, http.StatusNotFound, "recurrence_not_found"},
	{appointment.ErrNotFound, http.StatusNotFound, "not_found"},

	{appointment.ErrCannotFitMinimum, http.StatusBadRequest, "cannot_fit_minimum"},
	{appointment.ErrBufferNotBookable, http.StatusBadRequest, "buffer_not_bookable"},
	{appointment.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},

	{appointment.ErrForbidden, http.StatusForbidden, "forbidden"},

	{appointment.ErrSlotBusy, http.StatusConflict, "slot_busy"},
	{redisclient.ErrLockNotAcquired, http.StatusConflict, "slot_busy"},
	{appointment.ErrSlotOverlap, http.StatusConflict, "slot_overlap"},
	{appointment.ErrSlotHasBookings, http.StatusConflict, "slot_has_bookings"},
	{appointment.ErrWindowTaken, http.StatusConflict, "window_taken"},
	{appointment.ErrBucketFull, http.StatusConflict, "bucket_full"},
	{appointment.ErrDuplicateBooking, http.StatusConflict, "duplicate_booking"},
	{appointment.ErrNoBufferSlot, http.StatusConflict, "no_buffer_slot"},
	{appointment.ErrDisplaced, http.StatusConflict, "displaced"},
	{appointment.ErrConflict, http.StatusConflict, "conflict"},
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
