package appointment

import "context"

type NotificationKind string

const (
	NotifyConfirmed   NotificationKind = "confirmed"
	NotifyCancelled   NotificationKind = "cancelled"
	NotifyRescheduled NotificationKind = "rescheduled"
	NotifyReminder    NotificationKind = "reminder"
)

// Notification describes an appointment event for the parties involved.
// Previous is set for reschedules.
type Notification struct {
	Kind        NotificationKind
	Appointment Appointment
	Previous    *Appointment
	Reason      string
	ActorRole   Role
}

// Notifier delivers notifications. Delivery is best-effort: an error never
// undoes the state change that triggered it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
