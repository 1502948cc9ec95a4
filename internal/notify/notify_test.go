package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

func sampleAppointment() appointment.Appointment {
	return appointment.Appointment{
		ID:               uuid.MustParse("6f1c3f0e-8a51-4d6e-9d2b-1b2f3c4d5e6f"),
		PatientID:        uuid.New(),
		PractitionerID:   uuid.New(),
		Date:             schedule.Date{Year: 2025, Month: time.March, Day: 10},
		Slot:             schedule.Slot{Start: schedule.NewClock(9, 30), End: schedule.NewClock(10, 0)},
		Status:           appointment.StatusConfirmed,
		ConsultationType: appointment.ConsultationVideo,
	}
}

func TestRender(t *testing.T) {
	a := sampleAppointment()
	prev := a
	prev.Slot = schedule.Slot{Start: schedule.NewClock(9, 0), End: schedule.NewClock(9, 30)}

	tests := []struct {
		name string
		n    appointment.Notification
		want string
	}{
		{
			name: "confirmed",
			n:    appointment.Notification{Kind: appointment.NotifyConfirmed, Appointment: a},
			want: "Appointment confirmed for 2025-03-10 09:30-10:00 (video).",
		},
		{
			name: "cancelled with reason",
			n: appointment.Notification{
				Kind:        appointment.NotifyCancelled,
				Appointment: a,
				Reason:      "Doctor unavailable.",
				ActorRole:   appointment.RolePractitioner,
			},
			want: "Appointment on 2025-03-10 09:30-10:00 was cancelled by the practitioner. Reason: Doctor unavailable.",
		},
		{
			name: "rescheduled",
			n:    appointment.Notification{Kind: appointment.NotifyRescheduled, Appointment: a, Previous: &prev},
			want: "Appointment moved from 2025-03-10 09:00-09:30 to 2025-03-10 09:30-10:00.",
		},
		{
			name: "reminder",
			n:    appointment.Notification{Kind: appointment.NotifyReminder, Appointment: a},
			want: "Reminder: your video consultation starts at 2025-03-10 09:30-10:00.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.n)
			assert.Equal(t, tt.want+"\nRef: "+a.ID.String(), got)
		})
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	err := n.Notify(context.Background(), appointment.Notification{
		Kind:        appointment.NotifyConfirmed,
		Appointment: sampleAppointment(),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"kind":"confirmed"`)
	assert.Contains(t, buf.String(), "6f1c3f0e-8a51-4d6e-9d2b-1b2f3c4d5e6f")
}

type notifierFunc func(context.Context, appointment.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n appointment.Notification) error { return f(ctx, n) }

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := notifierFunc(func(context.Context, appointment.Notification) error { calls++; return nil })
	errA := errors.New("a down")
	errB := errors.New("b down")

	m := Multi{
		ok,
		notifierFunc(func(context.Context, appointment.Notification) error { calls++; return errA }),
		nil,
		notifierFunc(func(context.Context, appointment.Notification) error { calls++; return errB }),
	}

	err := m.Notify(context.Background(), appointment.Notification{Kind: appointment.NotifyReminder})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), appointment.Notification{}))
}

type fakeSender struct {
	params []*bot.SendMessageParams
	err    error
}

func (f *fakeSender) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: len(f.params)}, nil
}

func TestTelegramNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := &TelegramNotifier{sender: sender, chatID: 4242}

	msg := appointment.Notification{Kind: appointment.NotifyConfirmed, Appointment: sampleAppointment()}
	require.NoError(t, n.Notify(context.Background(), msg))
	require.Len(t, sender.params, 1)
	assert.Equal(t, int64(4242), sender.params[0].ChatID)
	assert.Equal(t, Render(msg), sender.params[0].Text)

	sender.err = errors.New("429 too many requests")
	err := n.Notify(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, sender.err)
}

func TestNewTelegramNotifierValidates(t *testing.T) {
	_, err := NewTelegramNotifier("", 1)
	assert.Error(t, err)

	_, err = NewTelegramNotifier("123:abc", 0)
	assert.Error(t, err)
}
