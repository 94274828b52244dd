package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-reallocation-engine/internal/appointment"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// Requests

type CreateSlotRequest struct {
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Mode         string `json:"mode"`
	SlotDuration int    `json:"slot_duration,omitempty"`
	MaxBookings  int    `json:"max_bookings,omitempty"`
	Type         string `json:"type,omitempty"`
}

type CreateRecurrenceRequest struct {
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	DaysOfWeek   []string `json:"days_of_week"`
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	Mode         string   `json:"mode"`
	SlotDuration int      `json:"slot_duration,omitempty"`
	MaxBookings  int      `json:"max_bookings,omitempty"`
	Type         string   `json:"type,omitempty"`
}

type RescheduleSlotRequest struct {
	Date      *string `json:"date,omitempty"`
	StartTime *string `json:"start_time,omitempty"`
	EndTime   *string `json:"end_time,omitempty"`
	Mode      *string `json:"mode,omitempty"`
}

type ShrinkSlotRequest struct {
	NewEndTime string `json:"new_end_time"`
}

// ShiftSlotsRequest moves a doctor's upcoming slots by ShiftMinutes. With no
// ids every upcoming slot moves.
type ShiftSlotsRequest struct {
	ShiftMinutes   int      `json:"shift_minutes"`
	SlotIDs        []string `json:"slot_ids,omitempty"`
	AppointmentIDs []string `json:"appointment_ids,omitempty"`
}

type CreateAppointmentRequest struct {
	SlotID            string  `json:"slot_id"`
	PatientID         string  `json:"patient_id"`
	ReasonCategory    string  `json:"reason_category"`
	ReasonDescription *string `json:"reason_description,omitempty"`
	StartTime         string  `json:"start_time"`
	EndTime           string  `json:"end_time"`
}

type RescheduleAppointmentRequest struct {
	SlotID    string `json:"slot_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type FinalizeUrgencyRequest struct {
	IsUrgent *bool `json:"is_urgent"`
}

// Responses

type SlotResponse struct {
	ID           uuid.UUID  `json:"id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	Date         string     `json:"date"`
	StartTime    string     `json:"start_time"`
	EndTime      string     `json:"end_time"`
	Mode         string     `json:"mode"`
	SlotDuration int        `json:"slot_duration"`
	MaxBookings  int        `json:"max_bookings"`
	Type         string     `json:"type"`
	RecurringID  *uuid.UUID `json:"recurring_id,omitempty"`
	IsBooked     bool       `json:"is_booked"`
}

type AppointmentResponse struct {
	ID                      uuid.UUID  `json:"id"`
	SlotID                  uuid.UUID  `json:"slot_id"`
	PatientID               uuid.UUID  `json:"patient_id"`
	StartTime               string     `json:"start_time"`
	EndTime                 string     `json:"end_time"`
	ReasonCategory          string     `json:"reason_category"`
	ReasonDescription       *string    `json:"reason_description,omitempty"`
	Priority                int        `json:"priority"`
	IsUrgencyFinalized      bool       `json:"is_urgency_finalized"`
	IsConfirmed             bool       `json:"is_confirmed"`
	Displaced               bool       `json:"displaced"`
	ConfirmationRequestedAt *time.Time `json:"confirmation_requested_at,omitempty"`
}

type SubSlotResponse struct {
	SlotID    uuid.UUID `json:"slot_id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Capacity  int       `json:"capacity"`
	Remaining int       `json:"remaining,omitempty"`
}

type AppointmentStatusResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Group         string    `json:"group"`
	Action        string    `json:"action"`
	SlotID        uuid.UUID `json:"slot_id"`
	StartTime     string    `json:"start_time"`
	EndTime       string    `json:"end_time"`
}

type ShrinkResponse struct {
	Slot           SlotResponse                `json:"slot"`
	PreviousEnd    string                      `json:"previous_end_time"`
	SubSlotMinutes int                         `json:"sub_slot_minutes"`
	BucketCount    int                         `json:"bucket_count,omitempty"`
	Status         []AppointmentStatusResponse `json:"status"`
	Repacked       []AppointmentStatusResponse `json:"repacked,omitempty"`
}

type ShiftResponse struct {
	Slots             []SlotResponse `json:"slots"`
	AppointmentsMoved int            `json:"appointments_moved"`
}

type DeleteSlotResponse struct {
	Deleted bool            `json:"deleted"`
	Shrink  *ShrinkResponse `json:"shrink,omitempty"`
}

type SkippedDayResponse struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

type RecurrenceResponse struct {
	RecurringID uuid.UUID            `json:"recurring_id"`
	Created     []SlotResponse       `json:"created"`
	Skipped     []SkippedDayResponse `json:"skipped"`
}

type RecurrenceDeleteResponse struct {
	Deleted []uuid.UUID `json:"deleted"`
	Kept    []uuid.UUID `json:"kept"`
}

type UrgencyResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Action      string              `json:"action"`
	Candidates  []SubSlotResponse   `json:"candidates,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Parsing

func parseClock(field, v string) (timeutil.Clock, error) {
	c, err := timeutil.ParseClock(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", appointment.ErrInvalidRequest, field, err)
	}
	return c, nil
}

func parseDate(field, v string) (time.Time, error) {
	d, err := timeutil.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", appointment.ErrInvalidRequest, field, err)
	}
	return d, nil
}

func parseUUID(field, v string) (uuid.UUID, error) {
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid UUID", appointment.ErrInvalidRequest, field)
	}
	return id, nil
}

func (req CreateSlotRequest) toDomain() (appointment.SlotRequest, error) {
	out := appointment.SlotRequest{
		Mode:         appointment.SlotMode(req.Mode),
		SlotDuration: req.SlotDuration,
		MaxBookings:  req.MaxBookings,
		Type:         appointment.SlotType(req.Type),
	}
	var err error
	if out.Date, err = parseDate("date", req.Date); err != nil {
		return out, err
	}
	if out.StartTime, err = parseClock("start_time", req.StartTime); err != nil {
		return out, err
	}
	if out.EndTime, err = parseClock("end_time", req.EndTime); err != nil {
		return out, err
	}
	return out, nil
}

func (req CreateRecurrenceRequest) toDomain() (appointment.RecurrenceRequest, error) {
	out := appointment.RecurrenceRequest{
		DaysOfWeek:   req.DaysOfWeek,
		Mode:         appointment.SlotMode(req.Mode),
		SlotDuration: req.SlotDuration,
		MaxBookings:  req.MaxBookings,
		Type:         appointment.SlotType(req.Type),
	}
	var err error
	if out.StartDate, err = parseDate("start_date", req.StartDate); err != nil {
		return out, err
	}
	if out.EndDate, err = parseDate("end_date", req.EndDate); err != nil {
		return out, err
	}
	if out.StartTime, err = parseClock("start_time", req.StartTime); err != nil {
		return out, err
	}
	if out.EndTime, err = parseClock("end_time", req.EndTime); err != nil {
		return out, err
	}
	return out, nil
}

func (req RescheduleSlotRequest) toDomain() (appointment.SlotPatch, error) {
	var out appointment.SlotPatch
	if req.Date != nil {
		d, err := parseDate("date", *req.Date)
		if err != nil {
			return out, err
		}
		out.Date = &d
	}
	if req.StartTime != nil {
		c, err := parseClock("start_time", *req.StartTime)
		if err != nil {
			return out, err
		}
		out.StartTime = &c
	}
	if req.EndTime != nil {
		c, err := parseClock("end_time", *req.EndTime)
		if err != nil {
			return out, err
		}
		out.EndTime = &c
	}
	if req.Mode != nil {
		m := appointment.SlotMode(*req.Mode)
		out.Mode = &m
	}
	return out, nil
}

func (req ShiftSlotsRequest) toDomain() (appointment.ShiftRequest, error) {
	out := appointment.ShiftRequest{ShiftMinutes: req.ShiftMinutes}
	for _, v := range req.SlotIDs {
		id, err := parseUUID("slot_ids", v)
		if err != nil {
			return out, err
		}
		out.SlotIDs = append(out.SlotIDs, id)
	}
	for _, v := range req.AppointmentIDs {
		id, err := parseUUID("appointment_ids", v)
		if err != nil {
			return out, err
		}
		out.AppointmentIDs = append(out.AppointmentIDs, id)
	}
	return out, nil
}

func (req CreateAppointmentRequest) toDomain() (appointment.BookRequest, error) {
	out := appointment.BookRequest{
		ReasonCategory:    req.ReasonCategory,
		ReasonDescription: req.ReasonDescription,
	}
	var err error
	if out.SlotID, err = parseUUID("slot_id", req.SlotID); err != nil {
		return out, err
	}
	if out.PatientID, err = parseUUID("patient_id", req.PatientID); err != nil {
		return out, err
	}
	if out.StartTime, err = parseClock("start_time", req.StartTime); err != nil {
		return out, err
	}
	if out.EndTime, err = parseClock("end_time", req.EndTime); err != nil {
		return out, err
	}
	return out, nil
}

func (req RescheduleAppointmentRequest) toDomain() (appointment.RescheduleRequest, error) {
	var out appointment.RescheduleRequest
	var err error
	if out.SlotID, err = parseUUID("slot_id", req.SlotID); err != nil {
		return out, err
	}
	if out.StartTime, err = parseClock("start_time", req.StartTime); err != nil {
		return out, err
	}
	if out.EndTime, err = parseClock("end_time", req.EndTime); err != nil {
		return out, err
	}
	return out, nil
}

// Mapping

func toSlotResponse(s appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:           s.ID,
		DoctorID:     s.DoctorID,
		Date:         timeutil.FormatDate(s.Date),
		StartTime:    s.StartTime.String(),
		EndTime:      s.EndTime.String(),
		Mode:         string(s.Mode),
		SlotDuration: s.SlotDuration,
		MaxBookings:  s.MaxBookings,
		Type:         string(s.Type),
		RecurringID:  s.RecurringID,
		IsBooked:     s.IsBooked,
	}
}

func toSlotResponses(slots []appointment.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toShiftResponse(res appointment.ShiftResult) ShiftResponse {
	return ShiftResponse{
		Slots:             toSlotResponses(res.Slots),
		AppointmentsMoved: res.AppointmentsMoved,
	}
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                      a.ID,
		SlotID:                  a.SlotID,
		PatientID:               a.PatientID,
		StartTime:               a.StartTime.String(),
		EndTime:                 a.EndTime.String(),
		ReasonCategory:          a.ReasonCategory,
		ReasonDescription:       a.ReasonDescription,
		Priority:                a.Priority,
		IsUrgencyFinalized:      a.IsUrgencyFinalized,
		IsConfirmed:             a.IsConfirmed,
		Displaced:               a.Displaced,
		ConfirmationRequestedAt: a.ConfirmationRequestedAt,
	}
}

func toSubSlotResponses(subs []appointment.SubSlot) []SubSlotResponse {
	out := make([]SubSlotResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubSlotResponse{
			SlotID:    s.SlotID,
			Date:      timeutil.FormatDate(s.Date),
			StartTime: s.StartTime.String(),
			EndTime:   s.EndTime.String(),
			Capacity:  s.Capacity,
			Remaining: s.Remaining,
		})
	}
	return out
}

func toStatusResponses(status []appointment.AppointmentStatus) []AppointmentStatusResponse {
	out := make([]AppointmentStatusResponse, 0, len(status))
	for _, st := range status {
		out = append(out, AppointmentStatusResponse{
			AppointmentID: st.AppointmentID,
			Group:         st.Group,
			Action:        st.Action,
			SlotID:        st.SlotID,
			StartTime:     st.StartTime.String(),
			EndTime:       st.EndTime.String(),
		})
	}
	return out
}

func toShrinkResponse(r appointment.ShrinkResult) ShrinkResponse {
	resp := ShrinkResponse{
		Slot:           toSlotResponse(r.Slot),
		PreviousEnd:    r.PreviousEnd.String(),
		SubSlotMinutes: r.SubSlotMinutes,
		BucketCount:    r.BucketCount,
		Status:         toStatusResponses(r.Status),
	}
	if len(r.Repacked) > 0 {
		resp.Repacked = toStatusResponses(r.Repacked)
	}
	return resp
}

func toRecurrenceResponse(r appointment.RecurrenceResult) RecurrenceResponse {
	skipped := make([]SkippedDayResponse, 0, len(r.Skipped))
	for _, sk := range r.Skipped {
		skipped = append(skipped, SkippedDayResponse{Date: timeutil.FormatDate(sk.Date), Reason: sk.Reason})
	}
	return RecurrenceResponse{
		RecurringID: r.RecurringID,
		Created:     toSlotResponses(r.Created),
		Skipped:     skipped,
	}
}
