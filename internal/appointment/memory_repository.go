package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

// MemoryRepository is a process-local Repository. A single mutex stands in
// for the store's unique indexes and transactions, so it offers the same
// conflict semantics as PgRepository. Used by tests and STORE=memory.
type MemoryRepository struct {
	mu            sync.Mutex
	practitioners map[uuid.UUID]Practitioner
	patients      map[uuid.UUID]Patient
	weekly        map[uuid.UUID]map[time.Weekday]schedule.DaySchedule
	overrides     map[uuid.UUID]map[schedule.Date]schedule.DaySchedule
	appointments  map[uuid.UUID]Appointment
	orders        map[string]PaymentOrder
	payments      map[string]PaymentReceipt
	events        []EventLog
	now           func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		practitioners: make(map[uuid.UUID]Practitioner),
		patients:      make(map[uuid.UUID]Patient),
		weekly:        make(map[uuid.UUID]map[time.Weekday]schedule.DaySchedule),
		overrides:     make(map[uuid.UUID]map[schedule.Date]schedule.DaySchedule),
		appointments:  make(map[uuid.UUID]Appointment),
		orders:        make(map[string]PaymentOrder),
		payments:      make(map[string]PaymentReceipt),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) AddPractitioner(p Practitioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.practitioners[p.ID] = p
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

// Events returns a copy of the audit log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) GetPractitioner(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.practitioners[id]
	if !ok {
		return nil, ErrPractitionerNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetDateOverride(_ context.Context, practitionerID uuid.UUID, date schedule.Date) (*schedule.DaySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.overrides[practitionerID][date]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) GetWeeklySchedule(_ context.Context, practitionerID uuid.UUID, day time.Weekday) (*schedule.DaySchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.weekly[practitionerID][day]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) ListAvailability(_ context.Context, practitionerID uuid.UUID) ([]schedule.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []schedule.Entry
	for day := time.Sunday; day <= time.Saturday; day++ {
		if s, ok := r.weekly[practitionerID][day]; ok {
			entries = append(entries, schedule.WeeklyEntry{Day: day, DaySchedule: s})
		}
	}

	dates := make([]schedule.Date, 0, len(r.overrides[practitionerID]))
	for d := range r.overrides[practitionerID] {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	for _, d := range dates {
		entries = append(entries, schedule.DateOverrideEntry{Date: d, DaySchedule: r.overrides[practitionerID][d]})
	}
	return entries, nil
}

func (r *MemoryRepository) ReplaceAvailability(_ context.Context, practitionerID uuid.UUID, entries []schedule.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.practitioners[practitionerID]; !ok {
		return ErrPractitionerNotFound
	}

	weekly := make(map[time.Weekday]schedule.DaySchedule)
	overrides := make(map[schedule.Date]schedule.DaySchedule)
	for _, e := range entries {
		switch v := e.(type) {
		case schedule.WeeklyEntry:
			weekly[v.Day] = v.DaySchedule
		case schedule.DateOverrideEntry:
			overrides[v.Date] = v.DaySchedule
		}
	}
	r.weekly[practitionerID] = weekly
	r.overrides[practitionerID] = overrides
	return nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListActiveByPractitionerDate(_ context.Context, practitionerID uuid.UUID, date schedule.Date) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterLocked(func(a Appointment) bool {
		return a.PractitionerID == practitionerID && a.Date == date && a.Status.Active()
	}), nil
}

func (r *MemoryRepository) ListActiveByPatientDate(_ context.Context, patientID uuid.UUID, date schedule.Date) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterLocked(func(a Appointment) bool {
		return a.PatientID == patientID && a.Date == date && a.Status.Active()
	}), nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f Filter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.filterLocked(func(a Appointment) bool {
		if f.PractitionerID != nil && a.PractitionerID != *f.PractitionerID {
			return false
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			return false
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			return false
		}
		if f.FromDate != nil && a.Date.Before(*f.FromDate) {
			return false
		}
		if f.ToDate != nil && a.Date.After(*f.ToDate) {
			return false
		}
		if f.CreatedBefore != nil && !a.CreatedAt.Before(*f.CreatedBefore) {
			return false
		}
		return true
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// filterLocked returns matches ordered by date then slot start.
func (r *MemoryRepository) filterLocked(keep func(Appointment) bool) []Appointment {
	var out []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].Slot.Start != out[j].Slot.Start {
			return out[i].Slot.Start < out[j].Slot.Start
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// checkUniqueLocked mirrors the partial unique indexes of the SQL schema.
func (r *MemoryRepository) checkUniqueLocked(a *Appointment) error {
	for _, other := range r.appointments {
		if other.ID == a.ID || !other.Status.Active() || other.Date != a.Date || other.Slot.Start != a.Slot.Start {
			continue
		}
		if other.PractitionerID == a.PractitionerID {
			return slotConflictFor(PractitionerSlotIndex)
		}
		if other.PatientID == a.PatientID {
			return slotConflictFor(PatientSlotIndex)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(a)
}

func (r *MemoryRepository) insertLocked(a *Appointment) (*Appointment, error) {
	if err := r.checkUniqueLocked(a); err != nil {
		return nil, err
	}

	stored := *a
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := r.now()
	stored.Status = StatusPending
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.appointments[stored.ID] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, t Transition) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(t)
}

func (r *MemoryRepository) transitionLocked(t Transition) (*Appointment, error) {
	a, ok := r.appointments[t.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != t.From || (t.ExpectedVersion != 0 && a.Version != t.ExpectedVersion) {
		return nil, ErrStaleAppointment
	}
	if t.To == StatusConfirmed && !a.Payment.AdvancePaid {
		return nil, ErrStaleAppointment
	}

	a.Status = t.To
	if t.To == StatusCancelled {
		reason := t.CancelReason
		a.CancelReason = &reason
		a.CancelledBy = t.CancelledBy
	}
	a.Version++
	a.UpdatedAt = r.now()
	r.appointments[a.ID] = a

	out := a
	return &out, nil
}

func (r *MemoryRepository) Reschedule(_ context.Context, cancel Transition, replacement *Appointment) (*Appointment, *Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	original, ok := r.appointments[cancel.ID]
	if !ok {
		return nil, nil, ErrAppointmentNotFound
	}

	cancelled, err := r.transitionLocked(cancel)
	if err != nil {
		return nil, nil, err
	}

	created, err := r.insertLocked(replacement)
	if err != nil {
		// roll back the cancellation
		r.appointments[original.ID] = original
		return nil, nil, err
	}
	return cancelled, created, nil
}

func (r *MemoryRepository) SavePaymentOrder(_ context.Context, o PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now()
	}
	r.orders[o.OrderRef] = o
	return nil
}

func (r *MemoryRepository) GetPaymentOrder(_ context.Context, orderRef string) (*PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderRef]
	if !ok {
		return nil, ErrPaymentOrderNotFound
	}
	return &o, nil
}

func (r *MemoryRepository) MarkPaid(_ context.Context, rc PaymentReceipt) (*Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[rc.AppointmentID]
	if !ok {
		return nil, false, ErrAppointmentNotFound
	}
	if _, seen := r.payments[rc.PaymentRef]; seen {
		out := a
		return &out, false, nil
	}

	switch rc.Phase {
	case PhaseAdvance:
		if a.Payment.AdvancePaid || a.Status == StatusCancelled || a.Status == StatusCompleted {
			return nil, false, ErrStaleAppointment
		}
		a.Payment.AdvancePaid = true
	case PhaseFinal:
		if !a.Payment.AdvancePaid || a.Payment.FinalPaid {
			return nil, false, ErrStaleAppointment
		}
		a.Payment.FinalPaid = true
		a.Payment.RemainingAmount = 0
	default:
		return nil, false, apperror.Validation("mark paid", "unknown payment phase %q", rc.Phase)
	}

	a.Version++
	a.UpdatedAt = r.now()
	r.appointments[a.ID] = a
	r.payments[rc.PaymentRef] = rc

	out := a
	return &out, true, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// slotConflictFor maps a violated unique index to a SlotConflict.
func slotConflictFor(index string) error {
	if index == PatientSlotIndex {
		return apperror.SlotConflict("reserve", "patient already has an active appointment at this time")
	}
	return apperror.SlotConflict("reserve", "slot is already booked")
}
