package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/schedule"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrPaymentOrderNotFound = errors.New("payment order not found")

	// ErrStaleAppointment is returned by conditional writes whose guard no
	// longer matches the stored row.
	ErrStaleAppointment = errors.New("appointment changed concurrently")
)

// Unique index names shared by the SQL schema and the in-memory store.
const (
	PractitionerSlotIndex = "appointments_active_practitioner_slot_idx"
	PatientSlotIndex      = "appointments_active_patient_slot_idx"
)

// Transition is a conditional status change. It applies only while the
// row is still in From and, when ExpectedVersion is non-zero, at that
// version.
type Transition struct {
	ID              uuid.UUID
	From            Status
	To              Status
	ExpectedVersion int64
	CancelReason    string
	CancelledBy     *uuid.UUID
}

type Filter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Statuses       []Status
	FromDate       *schedule.Date
	ToDate         *schedule.Date
	CreatedBefore  *time.Time
	Limit          int
	Offset         int
}

// Repository contains all store interactions needed by the service.
type Repository interface {
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Availability. A missing entry is (nil, nil).
	GetDateOverride(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) (*schedule.DaySchedule, error)
	GetWeeklySchedule(ctx context.Context, practitionerID uuid.UUID, day time.Weekday) (*schedule.DaySchedule, error)
	ListAvailability(ctx context.Context, practitionerID uuid.UUID) ([]schedule.Entry, error)
	ReplaceAvailability(ctx context.Context, practitionerID uuid.UUID, entries []schedule.Entry) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveByPractitionerDate(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) ([]Appointment, error)
	ListActiveByPatientDate(ctx context.Context, patientID uuid.UUID, date schedule.Date) ([]Appointment, error)
	ListAppointments(ctx context.Context, f Filter) ([]Appointment, error)

	// CreateAppointment inserts a pending appointment. A clash with another
	// active appointment on either unique index is a SlotConflict.
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	TransitionStatus(ctx context.Context, t Transition) (*Appointment, error)
	// Reschedule applies cancel and inserts replacement atomically.
	Reschedule(ctx context.Context, cancel Transition, replacement *Appointment) (*Appointment, *Appointment, error)

	SavePaymentOrder(ctx context.Context, o PaymentOrder) error
	GetPaymentOrder(ctx context.Context, orderRef string) (*PaymentOrder, error)
	// MarkPaid records the receipt and sets the phase flag. A receipt whose
	// PaymentRef is already recorded returns applied=false.
	MarkPaid(ctx context.Context, r PaymentReceipt) (appt *Appointment, applied bool, err error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
