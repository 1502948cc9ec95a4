package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/payment"
	"github.com/hackgods/consultation-booking/internal/pricing"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
)

const (
	EventAppointmentRequested = "APPOINTMENT_REQUESTED"
	EventAdvancePaid          = "ADVANCE_PAID"
	EventFinalPaid            = "FINAL_PAID"
	EventConfirmed            = "APPOINTMENT_CONFIRMED"
	EventCompleted            = "APPOINTMENT_COMPLETED"
	EventNoShow               = "APPOINTMENT_NO_SHOW"
	EventCancelled            = "APPOINTMENT_CANCELLED"
	EventRescheduled          = "APPOINTMENT_RESCHEDULED"
	EventPaymentOrderCreated  = "PAYMENT_ORDER_CREATED"
	EventPaymentRejected      = "PAYMENT_CALLBACK_REJECTED"
	EventAvailabilityUpdated  = "AVAILABILITY_UPDATED"
)

// RescheduleReason is recorded on the appointment a reschedule replaces.
const RescheduleReason = "Rescheduled"

// TimeProvider abstracts the wall clock for tests.
type TimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Recorder receives engine metrics.
type Recorder interface {
	BookingAttempt(outcome string)
	Transition(from, to string)
	PaymentApplied(phase string, applied bool)
	NotificationFailed(kind string)
}

type nopRecorder struct{}

func (nopRecorder) BookingAttempt(string) {}
func (nopRecorder) Transition(string, string) {}
func (nopRecorder) PaymentApplied(string, bool) {}
func (nopRecorder) NotificationFailed(string) {}

// Policy holds the booking rules shared by every call site.
type Policy struct {
	AdvanceRatio    float64
	CancelLeadTime  time.Duration
	BookingBuffer   time.Duration
	DefaultTimezone string
	PaymentSecret   string
	Currency        string
	NotifyTimeout   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AdvanceRatio:    pricing.DefaultAdvanceRatio,
		CancelLeadTime:  2 * time.Hour,
		BookingBuffer:   30 * time.Minute,
		DefaultTimezone: "UTC",
		Currency:        "INR",
		NotifyTimeout:   5 * time.Second,
	}
}

// Deps are the collaborators injected into the service. Only Repo is
// required.
type Deps struct {
	Repo     Repository
	Locker   redisclient.Locker
	Gateway  payment.Gateway
	Notifier Notifier
	Metrics  Recorder
	Clock    TimeProvider
	Logger   zerolog.Logger
}

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	gateway    payment.Gateway
	notifier   Notifier
	metrics    Recorder
	clock      TimeProvider
	log        zerolog.Logger
	policy     Policy
	defaultLoc *time.Location
}

func NewService(deps Deps, policy Policy) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("appointment service: repository is required")
	}
	if err := pricing.ValidateRatio(policy.AdvanceRatio); err != nil {
		return nil, fmt.Errorf("appointment service: %w", err)
	}
	if policy.CancelLeadTime < 0 || policy.BookingBuffer < 0 {
		return nil, errors.New("appointment service: lead time and buffer must not be negative")
	}
	if policy.DefaultTimezone == "" {
		policy.DefaultTimezone = "UTC"
	}
	loc, err := time.LoadLocation(policy.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("appointment service: default timezone: %w", err)
	}
	if policy.NotifyTimeout <= 0 {
		policy.NotifyTimeout = 5 * time.Second
	}

	s := &Service{
		repo:       deps.Repo,
		locker:     deps.Locker,
		gateway:    deps.Gateway,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		log:        deps.Logger,
		policy:     policy,
		defaultLoc: loc,
	}
	if s.gateway == nil {
		s.gateway = payment.SandboxGateway{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.clock == nil {
		s.clock = systemTime{}
	}
	return s, nil
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) now() time.Time { return s.clock.Now() }

// location resolves the practitioner's reference zone, falling back to the
// service default for unknown or empty names.
func (s *Service) location(p *Practitioner) *time.Location {
	if p == nil || p.Timezone == "" {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		s.log.Warn().Str("practitioner_id", p.ID.String()).Str("timezone", p.Timezone).
			Msg("unknown practitioner timezone, using default")
		return s.defaultLoc
	}
	return loc
}

// storeError maps repository errors into the taxonomy.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrPractitionerNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrPaymentOrderNotFound):
		return &apperror.Error{Kind: apperror.KindNotFound, Op: op, Msg: err.Error(), Err: err}
	case apperror.KindOf(err) != "":
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) loadAppointment(ctx context.Context, op string, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	return appt, nil
}

func (s *Service) loadPractitioner(ctx context.Context, op string, id uuid.UUID) (*Practitioner, error) {
	p, err := s.repo.GetPractitioner(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	return p, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		l := s.log.Error().Err(err).Str("event_type", eventType)
		if appointmentID != nil {
			l = l.Str("appointment_id", appointmentID.String())
		}
		l.Msg("failed to insert event log")
	}
}

// notify delivers n best-effort; failures are logged and counted only.
func (s *Service) notify(ctx context.Context, n Notification) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.NotifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(nctx, n); err != nil {
		s.metrics.NotificationFailed(string(n.Kind))
		s.log.Warn().Err(err).
			Str("appointment_id", n.Appointment.ID.String()).
			Str("kind", string(n.Kind)).
			Msg("notification delivery failed")
	}
}

func actorRef(a Actor) *uuid.UUID {
	if a.ID == uuid.Nil {
		return nil
	}
	id := a.ID
	return &id
}
