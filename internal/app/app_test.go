package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

func memoryConfig() config.Config {
	return config.Config{
		Env:             "dev",
		Store:           config.StoreMemory,
		PaymentMode:     config.PaymentSandbox,
		PaymentCurrency: "INR",
		AdvanceRatio:    0.3,
		CancelLeadTime:  2 * time.Hour,
		DefaultTimezone: "UTC",
		MetricsEnabled:  true,
	}
}

func TestBuildMemoryRuntime(t *testing.T) {
	rt, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Memory)
	assert.Same(t, rt.Memory, rt.Repo)
	assert.Nil(t, rt.Pool)
	assert.Nil(t, rt.Redis)
	assert.NotNil(t, rt.Metrics)
	assert.Equal(t, 0.3, rt.Service.Policy().AdvanceRatio)
	assert.NoError(t, rt.Close())
}

func TestBuildRejectsBadPolicy(t *testing.T) {
	cfg := memoryConfig()
	cfg.AdvanceRatio = 2
	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildGateway(t *testing.T) {
	cfg := memoryConfig()
	gw, err := buildGateway(cfg)
	require.NoError(t, err)
	assert.IsType(t, payment.SandboxGateway{}, gw)

	cfg.PaymentMode = config.PaymentHTTP
	cfg.PaymentBaseURL = "https://pay.example.test"
	cfg.PaymentKeyID = "key"
	gw, err = buildGateway(cfg)
	require.NoError(t, err)
	assert.IsType(t, &payment.HTTPGateway{}, gw)

	cfg.PaymentMode = "cash"
	_, err = buildGateway(cfg)
	assert.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	cfg := memoryConfig()
	n, err := buildNotifier(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, n.(notify.Multi), 1)

	cfg.TelegramToken = "123:abc"
	cfg.TelegramChatID = -100
	n, err = buildNotifier(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, n.(notify.Multi), 2)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingNotifier struct {
	mu    sync.Mutex
	kinds []appointment.NotificationKind
}

func (n *countingNotifier) Notify(_ context.Context, msg appointment.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, msg.Kind)
	return nil
}

func (n *countingNotifier) count(kind appointment.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	// Wednesday; the practitioner works Monday mornings
	clock := &stepClock{t: time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)}
	monday := schedule.Date{Year: 2025, Month: time.March, Day: 10}

	repo := appointment.NewMemoryRepository()
	repo.SetClock(clock.Now)
	practitioner := appointment.Practitioner{ID: uuid.New(), Name: "Dr. Iyer", Timezone: "UTC", ConsultationMinutes: 30, ConsultationFee: 1000}
	paid := appointment.Patient{ID: uuid.New(), Name: "Meera"}
	unpaid := appointment.Patient{ID: uuid.New(), Name: "Karan"}
	repo.AddPractitioner(practitioner)
	repo.AddPatient(paid)
	repo.AddPatient(unpaid)
	require.NoError(t, repo.ReplaceAvailability(ctx, practitioner.ID, []schedule.Entry{
		schedule.WeeklyEntry{Day: time.Monday, DaySchedule: schedule.DaySchedule{Windows: []schedule.Window{
			{Start: schedule.NewClock(9, 0), End: schedule.NewClock(11, 0), Available: true},
		}}},
	}))

	notifier := &countingNotifier{}
	svc, err := appointment.NewService(appointment.Deps{
		Repo:     repo,
		Notifier: notifier,
		Clock:    clock,
		Logger:   zerolog.Nop(),
	}, appointment.DefaultPolicy())
	require.NoError(t, err)

	book := func(p appointment.Patient, h int) *appointment.Appointment {
		a, err := svc.Request(ctx, appointment.Actor{ID: p.ID, Role: appointment.RolePatient}, appointment.RequestInput{
			PractitionerID: practitioner.ID,
			PatientID:      p.ID,
			Date:           monday,
			Slot:           schedule.Slot{Start: schedule.NewClock(h, 0)},
		})
		require.NoError(t, err)
		return a
	}

	confirmed := book(paid, 9)
	_, err = svc.PayAdvance(ctx, confirmed.ID, appointment.PaymentReceipt{PaymentRef: "pay_1"})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, appointment.Actor{ID: practitioner.ID, Role: appointment.RolePractitioner}, confirmed.ID)
	require.NoError(t, err)
	book(unpaid, 10)

	m := metrics.New("jobs_test")
	jobs := NewJobs(svc, nil, m, zerolog.Nop(), JobConfig{
		ReminderWindow:    time.Hour,
		StalePendingAfter: 24 * time.Hour,
	})

	// too early for a reminder, too young to be stale
	sent, err := jobs.SendReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	stale, err := jobs.ReportStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, stale)

	clock.Set(time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC))

	sent, err = jobs.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// a second run inside the window does not repeat the reminder
	sent, err = jobs.SendReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 1, notifier.count(appointment.NotifyReminder))

	stale, err = jobs.ReportStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	expected := `
# HELP jobs_test_stale_pending_appointments Pending appointments older than the configured threshold at the last sweep.
# TYPE jobs_test_stale_pending_appointments gauge
jobs_test_stale_pending_appointments 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "jobs_test_stale_pending_appointments"))

	// the stale booking is only reported, never expired
	still, err := repo.ListAppointments(ctx, appointment.Filter{Statuses: []appointment.Status{appointment.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, still, 1)
}

func TestLocalOnceExpires(t *testing.T) {
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	o := newLocalOnce(func() time.Time { return now })

	first, err := o.MarkOnce(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, _ := o.MarkOnce(context.Background(), "k", time.Minute)
	assert.False(t, again)

	now = now.Add(2 * time.Minute)
	after, _ := o.MarkOnce(context.Background(), "k", time.Minute)
	assert.True(t, after)
}
