package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type RescheduleInput struct {
	Date schedule.Date
	Slot schedule.Slot
}

// Reschedule cancels the appointment with reason "Rescheduled" and books a
// new pending one linked through RescheduledFromID, in one store
// transaction. When the new slot is taken nothing changes.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, in RescheduleInput) (original, replacement *Appointment, err error) {
	const op = "reschedule appointment"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, nil, err
	}
	if !actor.partyTo(appt) {
		return nil, nil, apperror.Forbidden(op, "not a party to this appointment")
	}
	if !CanTransition(appt.Status, StatusCancelled) {
		return nil, nil, apperror.InvalidTransition(op, string(appt.Status), string(StatusCancelled))
	}

	p, err := s.loadPractitioner(ctx, op, appt.PractitionerID)
	if err != nil {
		return nil, nil, err
	}
	if in.Date == appt.Date && in.Slot.Start == appt.Slot.Start {
		return nil, nil, apperror.Validation(op, "new slot is the same as the current one")
	}
	if err := s.checkLeadTime(ctx, op, actor, appt); err != nil {
		return nil, nil, err
	}

	res, err := s.resolve(ctx, op, p, in.Date)
	if err != nil {
		return nil, nil, err
	}
	slot := res.completeSlot(in.Slot)
	if err := res.checkBookable(op, in.Date, slot); err != nil {
		return nil, nil, err
	}
	if err := s.checkPatientFree(ctx, op, appt.PatientID, in.Date, slot, appt.ID); err != nil {
		return nil, nil, err
	}

	cancel := Transition{
		ID:              appt.ID,
		From:            appt.Status,
		To:              StatusCancelled,
		ExpectedVersion: appt.Version,
		CancelReason:    RescheduleReason,
		CancelledBy:     actorRef(actor),
	}
	originalID := appt.ID
	next := &Appointment{
		PatientID:         appt.PatientID,
		PractitionerID:    appt.PractitionerID,
		Date:              in.Date,
		Slot:              slot,
		ConsultationType:  appt.ConsultationType,
		Payment:           appt.Payment,
		RescheduledFromID: &originalID,
	}

	apply := func(ctx context.Context) error {
		original, replacement, err = s.repo.Reschedule(ctx, cancel, next)
		return err
	}
	err = s.withSlotLock(ctx, op, next, apply)

	switch {
	case err == nil:
	case errors.Is(err, ErrStaleAppointment):
		return nil, nil, s.staleError(ctx, op, appt.ID, StatusCancelled)
	case apperror.KindOf(err) != "":
		return nil, nil, err
	default:
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.Transition(string(cancel.From), string(StatusCancelled))
	s.logEvent(ctx, &original.ID, EventCancelled, map[string]any{
		"actor_id": actor.ID.String(),
		"reason":   RescheduleReason,
	})
	s.logEvent(ctx, &replacement.ID, EventRescheduled, map[string]any{
		"rescheduled_from_id": original.ID.String(),
		"date":                replacement.Date.String(),
		"slot":                replacement.Slot.String(),
	})
	s.log.Info().
		Str("appointment_id", replacement.ID.String()).
		Str("rescheduled_from_id", original.ID.String()).
		Msg("appointment rescheduled")
	s.notify(ctx, Notification{
		Kind:        NotifyRescheduled,
		Appointment: *replacement,
		Previous:    original,
		Reason:      RescheduleReason,
		ActorRole:   actor.Role,
	})

	return original, replacement, nil
}
