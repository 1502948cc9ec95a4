package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/pricing"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type RequestInput struct {
	PractitionerID   uuid.UUID
	PatientID        uuid.UUID
	Date             schedule.Date
	Slot             schedule.Slot
	ConsultationType ConsultationType
}

// Request books a pending appointment for the patient. The slot must be
// offered and free; the store's uniqueness guarantee decides races.
func (s *Service) Request(ctx context.Context, actor Actor, in RequestInput) (*Appointment, error) {
	const op = "request appointment"

	appt, err := s.request(ctx, op, actor, in)
	s.metrics.BookingAttempt(bookingOutcome(err))
	return appt, err
}

func (s *Service) request(ctx context.Context, op string, actor Actor, in RequestInput) (*Appointment, error) {
	if in.ConsultationType == "" {
		in.ConsultationType = ConsultationVideo
	}
	if !in.ConsultationType.Valid() {
		return nil, apperror.Validation(op, "unknown consultation type %q", in.ConsultationType)
	}
	if in.PractitionerID == uuid.Nil || in.PatientID == uuid.Nil {
		return nil, apperror.Validation(op, "practitioner and patient are required")
	}
	if !(actor.Role == RoleAdmin || (actor.Role == RolePatient && actor.ID == in.PatientID)) {
		return nil, apperror.Forbidden(op, "patients may only book for themselves")
	}

	p, err := s.loadPractitioner(ctx, op, in.PractitionerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatient(ctx, in.PatientID); err != nil {
		return nil, storeError(op, err)
	}

	res, err := s.resolve(ctx, op, p, in.Date)
	if err != nil {
		return nil, err
	}
	slot := res.completeSlot(in.Slot)
	if err := res.checkBookable(op, in.Date, slot); err != nil {
		return nil, err
	}
	if err := s.checkPatientFree(ctx, op, in.PatientID, in.Date, slot, uuid.Nil); err != nil {
		return nil, err
	}

	split, err := pricing.Compute(p.ConsultationFee, s.policy.AdvanceRatio)
	if err != nil {
		return nil, err
	}

	created, err := s.reserve(ctx, op, &Appointment{
		PatientID:        in.PatientID,
		PractitionerID:   p.ID,
		Date:             in.Date,
		Slot:             slot,
		ConsultationType: in.ConsultationType,
		Payment:          newPaymentState(split),
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &created.ID, EventAppointmentRequested, map[string]any{
		"practitioner_id": created.PractitionerID.String(),
		"patient_id":      created.PatientID.String(),
		"date":            created.Date.String(),
		"slot":            created.Slot.String(),
		"advance_amount":  created.Payment.AdvanceAmount,
		"total_amount":    created.Payment.TotalAmount,
	})
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("practitioner_id", created.PractitionerID.String()).
		Str("date", created.Date.String()).
		Str("slot", created.Slot.String()).
		Msg("appointment requested")

	return created, nil
}

// completeSlot fills a missing end from the offered slot starting at the
// same time, so explicit slots of any length can be booked by start alone.
// Without a match it falls back to the consultation duration.
func (r *resolution) completeSlot(slot schedule.Slot) schedule.Slot {
	if slot.End != 0 {
		return slot
	}
	for _, o := range r.offered {
		if o.Start == slot.Start {
			return o
		}
	}
	slot.End = slot.Start.Add(r.practitioner.ConsultationMinutes)
	return slot
}

// checkPatientFree rejects a slot overlapping another active appointment of
// the patient on date. The store's patient index stays authoritative; this
// only gives the clash a clear message. except is skipped (reschedules).
func (s *Service) checkPatientFree(ctx context.Context, op string, patientID uuid.UUID, date schedule.Date, slot schedule.Slot, except uuid.UUID) error {
	mine, err := s.repo.ListActiveByPatientDate(ctx, patientID, date)
	if err != nil {
		return fmt.Errorf("%s: list patient appointments: %w", op, err)
	}
	for _, a := range mine {
		if a.ID == except {
			continue
		}
		if a.Slot.Start < slot.End && a.Slot.End > slot.Start {
			return apperror.SlotConflict(op, "patient already has an appointment at %s on %s", a.Slot, date)
		}
	}
	return nil
}

// reserve inserts appt, optionally behind the slot lock. The lock only
// thins out contention; the insert's unique indexes are authoritative.
func (s *Service) reserve(ctx context.Context, op string, appt *Appointment) (*Appointment, error) {
	var created *Appointment
	insert := func(ctx context.Context) error {
		var err error
		created, err = s.repo.CreateAppointment(ctx, appt)
		return err
	}

	err := s.withSlotLock(ctx, op, appt, insert)
	switch {
	case err == nil:
		return created, nil
	case apperror.KindOf(err) != "":
		return nil, err
	}
	return nil, fmt.Errorf("%s: create appointment: %w", op, err)
}

// withSlotLock runs fn under the slot's Redis lock when one is configured.
// A held lock is a conflict. An unreachable Redis only costs the contention
// shortcut, so fn still runs and the store decides.
func (s *Service) withSlotLock(ctx context.Context, op string, appt *Appointment, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	key := redisclient.SlotLockKey(appt.PractitionerID, appt.Date.String(), int(appt.Slot.Start))
	err := s.locker.WithLock(ctx, key, fn)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return apperror.SlotConflict(op, "slot %s on %s is being booked by another request", appt.Slot, appt.Date)
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.log.Warn().Err(err).Str("lock_key", key).Msg("slot lock unavailable, relying on store constraints")
		return fn(ctx)
	}
	return err
}

func bookingOutcome(err error) string {
	if err == nil {
		return "created"
	}
	if k := apperror.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
