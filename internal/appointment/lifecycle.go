package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
)

// Confirm moves a paid pending appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	const op = "confirm appointment"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.privilegedFor(appt) {
		return nil, apperror.Forbidden(op, "only the practitioner may confirm")
	}
	if appt.Status == StatusPending && !appt.Payment.AdvancePaid {
		return nil, apperror.PreconditionFailed(op, "advance payment has not been received").
			WithStatuses(string(appt.Status), string(StatusConfirmed))
	}

	updated, err := s.transition(ctx, op, appt, Transition{To: StatusConfirmed})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &updated.ID, EventConfirmed, map[string]any{"actor_id": actor.ID.String()})
	s.notify(ctx, Notification{Kind: NotifyConfirmed, Appointment: *updated, ActorRole: actor.Role})
	return updated, nil
}

func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	const op = "complete appointment"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.privilegedFor(appt) {
		return nil, apperror.Forbidden(op, "only the practitioner may complete")
	}

	updated, err := s.transition(ctx, op, appt, Transition{To: StatusCompleted})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &updated.ID, EventCompleted, map[string]any{
		"actor_id":   actor.ID.String(),
		"final_paid": updated.Payment.FinalPaid,
	})
	return updated, nil
}

func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	const op = "mark no-show"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.privilegedFor(appt) {
		return nil, apperror.Forbidden(op, "only the practitioner may mark a no-show")
	}

	updated, err := s.transition(ctx, op, appt, Transition{To: StatusNoShow})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &updated.ID, EventNoShow, map[string]any{"actor_id": actor.ID.String()})
	return updated, nil
}

// Cancel cancels a pending or confirmed appointment. Patients must cancel
// at least CancelLeadTime before the start; the practitioner and admins
// may cancel at any time.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	const op = "cancel appointment"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.partyTo(appt) {
		return nil, apperror.Forbidden(op, "not a party to this appointment")
	}
	if !CanTransition(appt.Status, StatusCancelled) {
		return nil, apperror.InvalidTransition(op, string(appt.Status), string(StatusCancelled))
	}
	if err := s.checkLeadTime(ctx, op, actor, appt); err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Cancelled by " + string(actor.Role)
	}

	updated, err := s.transition(ctx, op, appt, Transition{
		To:           StatusCancelled,
		CancelReason: reason,
		CancelledBy:  actorRef(actor),
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &updated.ID, EventCancelled, map[string]any{
		"actor_id":   actor.ID.String(),
		"actor_role": string(actor.Role),
		"reason":     reason,
	})
	s.log.Info().Str("appointment_id", updated.ID.String()).Str("actor_role", string(actor.Role)).Msg("appointment cancelled")
	s.notify(ctx, Notification{Kind: NotifyCancelled, Appointment: *updated, Reason: reason, ActorRole: actor.Role})
	return updated, nil
}

// checkLeadTime rejects a non-privileged actor once now is past
// start - CancelLeadTime.
func (s *Service) checkLeadTime(ctx context.Context, op string, actor Actor, appt *Appointment) error {
	if actor.privilegedFor(appt) {
		return nil
	}

	p, err := s.loadPractitioner(ctx, op, appt.PractitionerID)
	if err != nil {
		return err
	}
	start := appt.StartsAt(s.location(p))
	if s.now().After(start.Add(-s.policy.CancelLeadTime)) {
		return apperror.Forbidden(op, "changes must be made at least %s before the appointment", s.policy.CancelLeadTime).
			WithStatuses(string(appt.Status), string(StatusCancelled))
	}
	return nil
}

// transition applies t to appt as a conditional update on its current
// status. t.From and t.ID are taken from appt.
func (s *Service) transition(ctx context.Context, op string, appt *Appointment, t Transition) (*Appointment, error) {
	if !CanTransition(appt.Status, t.To) {
		return nil, apperror.InvalidTransition(op, string(appt.Status), string(t.To))
	}
	t.ID = appt.ID
	t.From = appt.Status

	updated, err := s.repo.TransitionStatus(ctx, t)
	if err != nil {
		if errors.Is(err, ErrStaleAppointment) {
			return nil, s.staleError(ctx, op, appt.ID, t.To)
		}
		return nil, storeError(op, err)
	}

	s.metrics.Transition(string(t.From), string(t.To))
	s.log.Debug().
		Str("appointment_id", updated.ID.String()).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("status transition")
	return updated, nil
}

// staleError reloads an appointment whose conditional write lost a race and
// reports what it actually is now.
func (s *Service) staleError(ctx context.Context, op string, id uuid.UUID, requested Status) error {
	current, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return err
	}
	if requested == StatusConfirmed && current.Status == StatusPending && !current.Payment.AdvancePaid {
		return apperror.PreconditionFailed(op, "advance payment has not been received")
	}
	if CanTransition(current.Status, requested) {
		return &apperror.Error{
			Kind:      apperror.KindPreconditionFailed,
			Op:        op,
			Current:   string(current.Status),
			Requested: string(requested),
			Msg:       fmt.Sprintf("appointment changed concurrently (version %d), retry", current.Version),
		}
	}
	return apperror.InvalidTransition(op, string(current.Status), string(requested))
}
