// Package notify delivers appointment notifications. Every notifier is
// best-effort; the booking engine logs failures and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/appointment"
)

// Render formats n as a short plain-text message.
func Render(n appointment.Notification) string {
	a := n.Appointment
	when := fmt.Sprintf("%s %s", a.Date, a.Slot)

	var b strings.Builder
	switch n.Kind {
	case appointment.NotifyConfirmed:
		fmt.Fprintf(&b, "Appointment confirmed for %s (%s).", when, a.ConsultationType)
	case appointment.NotifyCancelled:
		fmt.Fprintf(&b, "Appointment on %s was cancelled by the %s.", when, n.ActorRole)
		if n.Reason != "" {
			fmt.Fprintf(&b, " Reason: %s.", strings.TrimSuffix(n.Reason, "."))
		}
	case appointment.NotifyRescheduled:
		if n.Previous != nil {
			fmt.Fprintf(&b, "Appointment moved from %s %s to %s.", n.Previous.Date, n.Previous.Slot, when)
		} else {
			fmt.Fprintf(&b, "Appointment rescheduled to %s.", when)
		}
	case appointment.NotifyReminder:
		fmt.Fprintf(&b, "Reminder: your %s consultation starts at %s.", a.ConsultationType, when)
	default:
		fmt.Fprintf(&b, "Appointment update (%s) for %s.", n.Kind, when)
	}
	fmt.Fprintf(&b, "\nRef: %s", a.ID)
	return b.String()
}

// LogNotifier writes notifications to the log. It never fails.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n appointment.Notification) error {
	l.log.Info().
		Str("kind", string(n.Kind)).
		Str("appointment_id", n.Appointment.ID.String()).
		Str("patient_id", n.Appointment.PatientID.String()).
		Str("practitioner_id", n.Appointment.PractitionerID.String()).
		Msg(Render(n))
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []appointment.Notifier

func (m Multi) Notify(ctx context.Context, n appointment.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
