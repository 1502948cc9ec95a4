package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/pricing"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// ActiveStatuses are the statuses covered by the slot uniqueness guarantee.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusNoShow, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

func (s Status) Active() bool { return s.Valid() && !s.Terminal() }

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleAdmin        Role = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// SystemActor is used for gateway callbacks and scheduled jobs.
var SystemActor = Actor{Role: RoleAdmin}

// privilegedFor reports whether the actor may bypass patient-facing
// policy on a: admins always, practitioners only on their own bookings.
func (a Actor) privilegedFor(appt *Appointment) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RolePractitioner:
		return a.ID == appt.PractitionerID
	}
	return false
}

func (a Actor) partyTo(appt *Appointment) bool {
	if a.privilegedFor(appt) {
		return true
	}
	return a.Role == RolePatient && a.ID == appt.PatientID
}

type ConsultationType string

const (
	ConsultationVideo    ConsultationType = "video"
	ConsultationAudio    ConsultationType = "audio"
	ConsultationInPerson ConsultationType = "in_person"
)

func (c ConsultationType) Valid() bool {
	switch c {
	case ConsultationVideo, ConsultationAudio, ConsultationInPerson:
		return true
	}
	return false
}

type Practitioner struct {
	ID                  uuid.UUID
	Name                string
	Timezone            string
	ConsultationMinutes int
	ConsultationFee     int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentState is frozen from the practitioner's fee at booking time.
type PaymentState struct {
	AdvanceAmount   int64
	RemainingAmount int64
	TotalAmount     int64
	AdvancePaid     bool
	FinalPaid       bool
}

func newPaymentState(split pricing.Split) PaymentState {
	return PaymentState{
		AdvanceAmount:   split.AdvanceAmount,
		RemainingAmount: split.RemainingAmount,
		TotalAmount:     split.TotalAmount,
	}
}

type Appointment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	PractitionerID    uuid.UUID
	Date              schedule.Date
	Slot              schedule.Slot
	Status            Status
	ConsultationType  ConsultationType
	Payment           PaymentState
	CancelReason      *string
	CancelledBy       *uuid.UUID
	RescheduledFromID *uuid.UUID
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Joinable reports whether a session for the appointment may start.
func (a *Appointment) Joinable() bool {
	return a.Status == StatusConfirmed && a.Payment.AdvancePaid && a.Payment.FinalPaid
}

// StartsAt returns the absolute start of the appointment in loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	return a.Date.At(a.Slot.Start, loc)
}

type PaymentPhase string

const (
	PhaseAdvance PaymentPhase = "advance"
	PhaseFinal   PaymentPhase = "final"
)

func (p PaymentPhase) Valid() bool { return p == PhaseAdvance || p == PhaseFinal }

// PaymentOrder is an order created with the gateway for one payment phase.
type PaymentOrder struct {
	OrderRef      string
	AppointmentID uuid.UUID
	Phase         PaymentPhase
	Amount        int64
	Currency      string
	CreatedAt     time.Time
}

// PaymentReceipt is a verified payment. PaymentRef is unique per gateway
// payment and makes re-delivery a no-op.
type PaymentReceipt struct {
	AppointmentID uuid.UUID
	Phase         PaymentPhase
	OrderRef      string
	PaymentRef    string
	Amount        int64
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
