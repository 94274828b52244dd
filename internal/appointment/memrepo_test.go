package appointment

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-reallocation-engine/internal/auth"
	"github.com/hackgods/slot-reallocation-engine/internal/config"
	redisclient "github.com/hackgods/slot-reallocation-engine/internal/redis"
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// testNow is a Monday morning; slots in tests start later the same day.
var (
	testNow = time.Date(2030, time.January, 7, 8, 0, 0, 0, time.UTC)
	testDay = time.Date(2030, time.January, 7, 0, 0, 0, 0, time.UTC)
)

// memStore is an in-memory Repository. A transaction holds mu for its whole
// run and restores a snapshot when fn fails.
type memStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]Doctor
	patients map[uuid.UUID]Patient
	slots    map[uuid.UUID]Slot
	appts    map[uuid.UUID]Appointment
	events   []EventLog
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		doctors:  map[uuid.UUID]Doctor{},
		patients: map[uuid.UUID]Patient{},
		slots:    map[uuid.UUID]Slot{},
		appts:    map[uuid.UUID]Appointment{},
	}
}

func (st *memStore) tick() time.Time {
	st.seq++
	return testNow.Add(time.Duration(st.seq) * time.Second)
}

type memRepo struct {
	st   *memStore
	inTx bool
}

var _ Repository = (*memRepo)(nil)

func (r *memRepo) guard() func() {
	if r.inTx {
		return func() {}
	}
	r.st.mu.Lock()
	return r.st.mu.Unlock
}

func (r *memRepo) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	slots := cloneMap(r.st.slots)
	appts := cloneMap(r.st.appts)
	if err := fn(&memRepo{st: r.st, inTx: true}); err != nil {
		r.st.slots = slots
		r.st.appts = appts
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *memRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	defer r.guard()()
	d, ok := r.st.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *memRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	defer r.guard()()
	p, ok := r.st.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *memRepo) CreateSlot(ctx context.Context, s *Slot) error {
	defer r.guard()()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = r.st.tick()
	s.UpdatedAt = s.CreatedAt
	r.st.slots[s.ID] = *s
	return nil
}

func (r *memRepo) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *memRepo) listSlots(keep func(Slot) bool) []Slot {
	var out []Slot
	for _, s := range r.st.slots {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out
}

func (r *memRepo) ListSlotsByDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]Slot, error) {
	defer r.guard()()
	return r.listSlots(func(s Slot) bool {
		return s.DoctorID == doctorID && !s.Date.Before(from)
	}), nil
}

func (r *memRepo) ListSlotsByDoctorAndDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error) {
	defer r.guard()()
	return r.listSlots(func(s Slot) bool {
		return s.DoctorID == doctorID && timeutil.SameDay(s.Date, date)
	}), nil
}

func (r *memRepo) ListSlotsByRecurrence(ctx context.Context, doctorID, recurringID uuid.UUID, from *time.Time) ([]Slot, error) {
	defer r.guard()()
	return r.listSlots(func(s Slot) bool {
		if s.DoctorID != doctorID || s.RecurringID == nil || *s.RecurringID != recurringID {
			return false
		}
		return from == nil || !s.Date.Before(*from)
	}), nil
}

func (r *memRepo) UpdateSlot(ctx context.Context, s *Slot) error {
	defer r.guard()()
	if _, ok := r.st.slots[s.ID]; !ok {
		return ErrSlotNotFound
	}
	r.st.slots[s.ID] = *s
	return nil
}

func (r *memRepo) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	defer r.guard()()
	if _, ok := r.st.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(r.st.slots, id)
	return nil
}

func (r *memRepo) ClaimBufferSlot(ctx context.Context, id uuid.UUID) (bool, error) {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok || s.Type != SlotBuffer || s.IsBooked {
		return false, nil
	}
	s.IsBooked = true
	r.st.slots[id] = s
	return true, nil
}

func (r *memRepo) ReleaseBufferSlot(ctx context.Context, id uuid.UUID) error {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok || s.Type != SlotBuffer {
		return nil
	}
	s.IsBooked = false
	r.st.slots[id] = s
	return nil
}

func (r *memRepo) CreateAppointment(ctx context.Context, a *Appointment) error {
	defer r.guard()()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.st.tick()
	a.UpdatedAt = a.CreatedAt
	r.st.appts[a.ID] = *a
	return nil
}

func (r *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	defer r.guard()()
	a, ok := r.st.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) listAppts(keep func(Appointment) bool) []Appointment {
	var out []Appointment
	for _, a := range r.st.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (r *memRepo) ListAppointmentsBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error) {
	defer r.guard()()
	return r.listAppts(func(a Appointment) bool { return a.SlotID == slotID }), nil
}

func (r *memRepo) ListOverflowAppointments(ctx context.Context, fromSlotID uuid.UUID) ([]Appointment, error) {
	defer r.guard()()
	return r.listAppts(func(a Appointment) bool {
		return a.OverflowFromSlotID != nil && *a.OverflowFromSlotID == fromSlotID
	}), nil
}

func (r *memRepo) ListPatientAppointmentsOn(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	defer r.guard()()
	return r.listAppts(func(a Appointment) bool {
		s, ok := r.st.slots[a.SlotID]
		return ok && a.PatientID == patientID && s.DoctorID == doctorID && timeutil.SameDay(s.Date, date)
	}), nil
}

func (r *memRepo) UpdateAppointment(ctx context.Context, a *Appointment) error {
	defer r.guard()()
	if _, ok := r.st.appts[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	r.st.appts[a.ID] = *a
	return nil
}

func (r *memRepo) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	defer r.guard()()
	if _, ok := r.st.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.st.appts, id)
	return nil
}

func (r *memRepo) FindExpiredUnconfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	defer r.guard()()
	return r.listAppts(func(a Appointment) bool {
		return !a.IsConfirmed && a.ConfirmationRequestedAt != nil && a.ConfirmationRequestedAt.Before(cutoff)
	}), nil
}

func (r *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	defer r.guard()()
	r.st.events = append(r.st.events, ev)
	return nil
}

// fixture wires a Service to the in-memory store and a miniredis locker.
type fixture struct {
	svc     *Service
	st      *memStore
	mr      *miniredis.Miniredis
	doctor  Doctor
	owner   auth.Identity
	patient auth.Identity
	clock   *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewRedisSlotLocker(client, redisclient.LockOptions{
		TTL:        5 * time.Second,
		Attempts:   200,
		RetryDelay: 5 * time.Millisecond,
	})

	st := newMemStore()
	f := &fixture{st: st, mr: mr}
	now := testNow
	f.clock = &now

	cfg := config.Config{
		Timezone:            time.UTC,
		ConfirmationTimeout: 5 * time.Minute,
		UrgentLeadTime:      30 * time.Minute,
		DefaultSlotDuration: 15,
	}
	all := append([]Option{WithClock(func() time.Time { return *f.clock })}, opts...)
	f.svc = NewService(&memRepo{st: st}, locker, cfg, all...)

	f.owner = auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}
	f.doctor = f.addDoctor(f.owner.UserID)
	return f
}

func (f *fixture) addDoctor(owner uuid.UUID) Doctor {
	d := Doctor{ID: uuid.New(), OwnerID: owner, Name: "Dr. Test"}
	f.st.doctors[d.ID] = d
	return d
}

// addPatient registers a patient and returns it with the identity acting for it.
func (f *fixture) addPatient() (Patient, auth.Identity) {
	who := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	p := Patient{ID: uuid.New(), OwnerID: who.UserID, Name: "Patient"}
	f.st.patients[p.ID] = p
	return p, who
}

func (f *fixture) addSlot(s Slot) Slot {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.DoctorID == uuid.Nil {
		s.DoctorID = f.doctor.ID
	}
	if s.Date.IsZero() {
		s.Date = testDay
	}
	if s.Type == "" {
		s.Type = SlotNormal
	}
	if s.MaxBookings == 0 {
		s.MaxBookings = 1
	}
	s.CreatedAt = f.st.tick()
	f.st.slots[s.ID] = s
	return s
}

// addAppointment inserts an appointment directly, bypassing admission.
func (f *fixture) addAppointment(slot Slot, start, end string, mutate ...func(*Appointment)) Appointment {
	p, _ := f.addPatient()
	a := Appointment{
		ID:             uuid.New(),
		SlotID:         slot.ID,
		PatientID:      p.ID,
		StartTime:      timeutil.MustClock(start),
		EndTime:        timeutil.MustClock(end),
		ReasonCategory: "consultation",
		Priority:       DefaultPriority,
		IsConfirmed:    true,
		CreatedAt:      f.st.tick(),
	}
	for _, m := range mutate {
		m(&a)
	}
	f.st.appts[a.ID] = a
	return a
}

func (f *fixture) slot(id uuid.UUID) Slot {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.slots[id]
}

func (f *fixture) appt(id uuid.UUID) Appointment {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.appts[id]
}

func (f *fixture) apptsIn(slotID uuid.UUID) []Appointment {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	r := &memRepo{st: f.st, inTx: true}
	return r.listAppts(func(a Appointment) bool { return a.SlotID == slotID })
}

func (f *fixture) eventTypes() []string {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	out := make([]string, 0, len(f.st.events))
	for _, ev := range f.st.events {
		out = append(out, ev.EventType)
	}
	return out
}

func finalized(a *Appointment) { a.IsUrgencyFinalized = true }

func clock(s string) timeutil.Clock { return timeutil.MustClock(s) }
