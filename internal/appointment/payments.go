package appointment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/payment"
)

var errSignatureMismatch = errors.New("callback signature mismatch")

// PaymentCallback is the gateway's confirmation of a captured payment.
type PaymentCallback struct {
	OrderRef   string
	PaymentRef string
	Signature  string
}

// PayAdvance marks the advance as paid. Replaying the same receipt, or
// paying an already paid advance, leaves the appointment unchanged.
func (s *Service) PayAdvance(ctx context.Context, id uuid.UUID, receipt PaymentReceipt) (*Appointment, error) {
	receipt.AppointmentID = id
	receipt.Phase = PhaseAdvance
	return s.applyPayment(ctx, "pay advance", receipt)
}

// PayFinal marks the remainder as paid and zeroes RemainingAmount.
func (s *Service) PayFinal(ctx context.Context, id uuid.UUID, receipt PaymentReceipt) (*Appointment, error) {
	receipt.AppointmentID = id
	receipt.Phase = PhaseFinal
	return s.applyPayment(ctx, "pay final", receipt)
}

func paymentGuard(op string, appt *Appointment, phase PaymentPhase) (done bool, err error) {
	switch phase {
	case PhaseAdvance:
		if appt.Status == StatusCancelled || appt.Status == StatusCompleted {
			return false, apperror.InvalidTransition(op, string(appt.Status), "advance_paid")
		}
		return appt.Payment.AdvancePaid, nil
	case PhaseFinal:
		if !appt.Payment.AdvancePaid {
			return false, apperror.InvalidTransition(op, string(appt.Status), "final_paid")
		}
		return appt.Payment.FinalPaid, nil
	}
	return false, apperror.Validation(op, "unknown payment phase %q", phase)
}

func (s *Service) applyPayment(ctx context.Context, op string, rc PaymentReceipt) (*Appointment, error) {
	rc.PaymentRef = strings.TrimSpace(rc.PaymentRef)
	if rc.PaymentRef == "" {
		return nil, apperror.Validation(op, "payment reference is required")
	}

	appt, err := s.loadAppointment(ctx, op, rc.AppointmentID)
	if err != nil {
		return nil, err
	}
	done, err := paymentGuard(op, appt, rc.Phase)
	if err != nil {
		return nil, err
	}
	if done {
		s.metrics.PaymentApplied(string(rc.Phase), false)
		return appt, nil
	}
	if rc.Amount == 0 {
		rc.Amount = amountFor(appt, rc.Phase)
	}

	updated, applied, err := s.repo.MarkPaid(ctx, rc)
	if errors.Is(err, ErrStaleAppointment) {
		current, lerr := s.loadAppointment(ctx, op, rc.AppointmentID)
		if lerr != nil {
			return nil, lerr
		}
		done, gerr := paymentGuard(op, current, rc.Phase)
		if gerr != nil {
			return nil, gerr
		}
		if done {
			s.metrics.PaymentApplied(string(rc.Phase), false)
			return current, nil
		}
		return nil, apperror.PreconditionFailed(op, "appointment changed concurrently, retry")
	}
	if err != nil {
		return nil, storeError(op, err)
	}

	s.metrics.PaymentApplied(string(rc.Phase), applied)
	if !applied {
		return updated, nil
	}

	event := EventAdvancePaid
	if rc.Phase == PhaseFinal {
		event = EventFinalPaid
	}
	s.logEvent(ctx, &updated.ID, event, map[string]any{
		"order_ref":   rc.OrderRef,
		"payment_ref": rc.PaymentRef,
		"amount":      rc.Amount,
	})
	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Str("phase", string(rc.Phase)).
		Str("payment_ref", rc.PaymentRef).
		Msg("payment applied")
	return updated, nil
}

func amountFor(appt *Appointment, phase PaymentPhase) int64 {
	if phase == PhaseFinal {
		return appt.Payment.RemainingAmount
	}
	return appt.Payment.AdvanceAmount
}

// CreatePaymentOrder opens a gateway order for the given phase using the
// amounts frozen at booking. A gateway failure leaves the appointment as is.
func (s *Service) CreatePaymentOrder(ctx context.Context, actor Actor, id uuid.UUID, phase PaymentPhase) (*PaymentOrder, error) {
	const op = "create payment order"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.partyTo(appt) {
		return nil, apperror.Forbidden(op, "not a party to this appointment")
	}

	done, err := paymentGuard(op, appt, phase)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, apperror.PreconditionFailed(op, "%s payment already received", phase)
	}
	if phase == PhaseAdvance && appt.Status.Terminal() {
		return nil, apperror.InvalidTransition(op, string(appt.Status), "advance_paid")
	}

	amount := amountFor(appt, phase)
	if amount <= 0 {
		return nil, apperror.PreconditionFailed(op, "nothing to pay for the %s phase", phase)
	}

	order, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
		Amount:   amount,
		Currency: s.policy.Currency,
		Receipt:  appt.ID.String(),
		Notes: map[string]string{
			"appointment_id": appt.ID.String(),
			"phase":          string(phase),
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("payment gateway order failed")
		return nil, apperror.ExternalGateway(op, err)
	}

	po := PaymentOrder{
		OrderRef:      order.Ref,
		AppointmentID: appt.ID,
		Phase:         phase,
		Amount:        amount,
		Currency:      s.policy.Currency,
		CreatedAt:     s.now(),
	}
	if err := s.repo.SavePaymentOrder(ctx, po); err != nil {
		return nil, storeError(op, err)
	}

	s.logEvent(ctx, &appt.ID, EventPaymentOrderCreated, map[string]any{
		"order_ref": po.OrderRef,
		"phase":     string(phase),
		"amount":    amount,
	})
	return &po, nil
}

// HandlePaymentCallback verifies the gateway signature before applying the
// payment it confirms. A bad signature is an ExternalGatewayError and
// changes nothing.
func (s *Service) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (*Appointment, error) {
	const op = "payment callback"

	if cb.OrderRef == "" || cb.PaymentRef == "" {
		return nil, apperror.Validation(op, "order and payment references are required")
	}
	if !payment.Verify(s.policy.PaymentSecret, cb.OrderRef, cb.PaymentRef, cb.Signature) {
		s.log.Warn().Str("order_ref", cb.OrderRef).Str("payment_ref", cb.PaymentRef).Msg("rejected payment callback")
		s.logEvent(ctx, nil, EventPaymentRejected, map[string]any{
			"order_ref":   cb.OrderRef,
			"payment_ref": cb.PaymentRef,
		})
		return nil, apperror.ExternalGateway(op, errSignatureMismatch)
	}

	order, err := s.repo.GetPaymentOrder(ctx, cb.OrderRef)
	if err != nil {
		return nil, storeError(op, err)
	}

	receipt := PaymentReceipt{
		OrderRef:   order.OrderRef,
		PaymentRef: cb.PaymentRef,
		Amount:     order.Amount,
	}
	target, err := s.currentBooking(ctx, op, order.AppointmentID)
	if err != nil {
		return nil, err
	}
	if target != order.AppointmentID {
		s.log.Info().
			Str("order_ref", order.OrderRef).
			Str("ordered_for", order.AppointmentID.String()).
			Str("appointment_id", target.String()).
			Msg("payment callback forwarded to rescheduled appointment")
	}
	if order.Phase == PhaseFinal {
		return s.PayFinal(ctx, target, receipt)
	}
	return s.PayAdvance(ctx, target, receipt)
}

// currentBooking follows reschedule links forward from id to the
// appointment that replaced it. An appointment that was not rescheduled
// away is returned as is.
func (s *Service) currentBooking(ctx context.Context, op string, id uuid.UUID) (uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	for !seen[id] {
		seen[id] = true

		appt, err := s.loadAppointment(ctx, op, id)
		if err != nil {
			return uuid.Nil, err
		}
		if appt.Status != StatusCancelled || appt.CancelReason == nil || *appt.CancelReason != RescheduleReason {
			return id, nil
		}

		mine, err := s.listAll(ctx, Filter{PatientID: &appt.PatientID, PractitionerID: &appt.PractitionerID})
		if err != nil {
			return uuid.Nil, storeError(op, err)
		}
		next := uuid.Nil
		for _, a := range mine {
			if a.RescheduledFromID != nil && *a.RescheduledFromID == id {
				next = a.ID
				break
			}
		}
		if next == uuid.Nil {
			return id, nil
		}
		id = next
	}
	return id, nil
}

// IsJoinable reports whether the video session may start.
func (s *Service) IsJoinable(ctx context.Context, id uuid.UUID) (bool, error) {
	appt, err := s.loadAppointment(ctx, "is joinable", id)
	if err != nil {
		return false, err
	}
	return appt.Joinable(), nil
}
