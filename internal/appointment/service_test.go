package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

const testSecret = "test-secret"

var (
	// Wednesday
	testNow = time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)
	// the following Monday
	nextMonday = schedule.Date{Year: 2025, Month: time.March, Day: 10}
)

type fixture struct {
	repo         *MemoryRepository
	svc          *Service
	clock        *fixedClock
	notifier     *recordingNotifier
	practitioner Practitioner
	patient      Patient
	other        Patient
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		repo:     NewMemoryRepository(),
		clock:    &fixedClock{t: testNow},
		notifier: &recordingNotifier{},
		practitioner: Practitioner{
			ID:                  uuid.New(),
			Name:                "Dr. Rao",
			Timezone:            "UTC",
			ConsultationMinutes: 30,
			ConsultationFee:     800,
		},
		patient: Patient{ID: uuid.New(), Name: "Asha"},
		other:   Patient{ID: uuid.New(), Name: "Ben"},
	}
	f.repo.SetClock(f.clock.Now)
	f.repo.AddPractitioner(f.practitioner)
	f.repo.AddPatient(f.patient)
	f.repo.AddPatient(f.other)

	require.NoError(t, f.repo.ReplaceAvailability(context.Background(), f.practitioner.ID, []schedule.Entry{
		schedule.WeeklyEntry{Day: time.Monday, DaySchedule: schedule.DaySchedule{Windows: []schedule.Window{
			{Start: schedule.NewClock(9, 0), End: schedule.NewClock(11, 0), Available: true},
		}}},
	}))

	deps := Deps{
		Repo:     f.repo,
		Notifier: f.notifier,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	policy := DefaultPolicy()
	policy.PaymentSecret = testSecret

	svc, err := NewService(deps, policy)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) patientActor() Actor      { return Actor{ID: f.patient.ID, Role: RolePatient} }
func (f *fixture) otherActor() Actor        { return Actor{ID: f.other.ID, Role: RolePatient} }
func (f *fixture) practitionerActor() Actor { return Actor{ID: f.practitioner.ID, Role: RolePractitioner} }

func at(h, m int) schedule.Slot {
	start := schedule.NewClock(h, m)
	return schedule.Slot{Start: start, End: start.Add(30)}
}

func (f *fixture) book(t *testing.T, patient Patient, slot schedule.Slot) *Appointment {
	t.Helper()
	appt, err := f.svc.Request(context.Background(), Actor{ID: patient.ID, Role: RolePatient}, RequestInput{
		PractitionerID: f.practitioner.ID,
		PatientID:      patient.ID,
		Date:           nextMonday,
		Slot:           slot,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) payAdvance(t *testing.T, id uuid.UUID) *Appointment {
	t.Helper()
	appt, err := f.svc.PayAdvance(context.Background(), id, PaymentReceipt{PaymentRef: "pay_adv_" + id.String()})
	require.NoError(t, err)
	return appt
}

func requireKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), "error: %v", err)
}

func TestNewServiceRejectsBadPolicy(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := NewService(Deps{}, DefaultPolicy())
	assert.Error(t, err)

	p := DefaultPolicy()
	p.AdvanceRatio = 0
	_, err = NewService(Deps{Repo: repo}, p)
	assert.Error(t, err)

	p = DefaultPolicy()
	p.DefaultTimezone = "Nowhere/City"
	_, err = NewService(Deps{Repo: repo}, p)
	assert.Error(t, err)
}

func TestRequestFreezesPricing(t *testing.T) {
	f := newFixture(t)

	appt := f.book(t, f.patient, at(9, 30))
	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, PaymentState{AdvanceAmount: 240, RemainingAmount: 560, TotalAmount: 800}, appt.Payment)
	assert.Equal(t, ConsultationVideo, appt.ConsultationType)

	// a later fee change does not touch the booking
	changed := f.practitioner
	changed.ConsultationFee = 1000
	f.repo.AddPractitioner(changed)

	order, err := f.svc.CreatePaymentOrder(context.Background(), f.patientActor(), appt.ID, PhaseAdvance)
	require.NoError(t, err)
	assert.Equal(t, int64(240), order.Amount)
}

func TestRequestFillsSlotEnd(t *testing.T) {
	f := newFixture(t)

	appt := f.book(t, f.patient, schedule.Slot{Start: schedule.NewClock(10, 0)})
	assert.Equal(t, "10:00-10:30", appt.Slot.String())
}

func TestRequestExplicitSlotByStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.ReplaceAvailability(ctx, f.practitioner.ID, []schedule.Entry{
		schedule.DateOverrideEntry{Date: nextMonday, DaySchedule: schedule.DaySchedule{
			Explicit: true,
			Windows: []schedule.Window{
				{Start: schedule.NewClock(10, 0), End: schedule.NewClock(10, 45), Available: true},
			},
		}},
	}))

	appt := f.book(t, f.patient, schedule.Slot{Start: schedule.NewClock(10, 0)})
	assert.Equal(t, "10:00-10:45", appt.Slot.String())

	avail, err := f.svc.ResolveAvailability(ctx, f.practitioner.ID, nextMonday)
	require.NoError(t, err)
	assert.Empty(t, avail.Slots)

	// a full slot naming the consultation length is still not offered
	_, err = f.svc.Request(ctx, f.otherActor(), RequestInput{
		PractitionerID: f.practitioner.ID,
		PatientID:      f.other.ID,
		Date:           nextMonday,
		Slot:           at(10, 0),
	})
	requireKind(t, err, apperror.KindValidation)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := RequestInput{
		PractitionerID: f.practitioner.ID,
		PatientID:      f.patient.ID,
		Date:           nextMonday,
		Slot:           at(9, 0),
	}

	in := base
	in.Slot = at(12, 0)
	_, err := f.svc.Request(ctx, f.patientActor(), in)
	requireKind(t, err, apperror.KindValidation)

	in = base
	in.Slot = schedule.Slot{Start: schedule.NewClock(9, 10), End: schedule.NewClock(9, 40)}
	_, err = f.svc.Request(ctx, f.patientActor(), in)
	requireKind(t, err, apperror.KindValidation)

	in = base
	in.PractitionerID = uuid.New()
	_, err = f.svc.Request(ctx, f.patientActor(), in)
	requireKind(t, err, apperror.KindNotFound)

	in = base
	in.PatientID = uuid.New()
	_, err = f.svc.Request(ctx, Actor{ID: in.PatientID, Role: RolePatient}, in)
	requireKind(t, err, apperror.KindNotFound)

	in = base
	in.ConsultationType = "carrier-pigeon"
	_, err = f.svc.Request(ctx, f.patientActor(), in)
	requireKind(t, err, apperror.KindValidation)

	// booking on someone else's behalf
	_, err = f.svc.Request(ctx, f.otherActor(), base)
	requireKind(t, err, apperror.KindForbidden)

	// tuesday has no availability
	in = base
	in.Date = nextMonday.AddDays(1)
	_, err = f.svc.Request(ctx, f.patientActor(), in)
	requireKind(t, err, apperror.KindValidation)
}

// Scenario B: a booked slot disappears from availability.
func TestBookedSlotLeavesAvailability(t *testing.T) {
	f := newFixture(t)

	f.book(t, f.patient, at(9, 30))

	avail, err := f.svc.ResolveAvailability(context.Background(), f.practitioner.ID, nextMonday)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Slot{at(9, 0), at(10, 0), at(10, 30)}, avail.Slots)

	_, err = f.svc.Request(context.Background(), f.otherActor(), RequestInput{
		PractitionerID: f.practitioner.ID,
		PatientID:      f.other.ID,
		Date:           nextMonday,
		Slot:           at(9, 30),
	})
	requireKind(t, err, apperror.KindSlotConflict)
}

// Scenario C: concurrent requests for one slot produce exactly one booking.
func TestConcurrentRequestsForSameSlot(t *testing.T) {
	f := newFixture(t)

	const callers = 12
	patients := make([]Patient, callers)
	for i := range patients {
		patients[i] = Patient{ID: uuid.New(), Name: "p"}
		f.repo.AddPatient(patients[i])
	}

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p Patient) {
			defer wg.Done()
			<-start
			_, err := f.svc.Request(context.Background(), Actor{ID: p.ID, Role: RolePatient}, RequestInput{
				PractitionerID: f.practitioner.ID,
				PatientID:      p.ID,
				Date:           nextMonday,
				Slot:           at(9, 30),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperror.ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, conflicts)

	active, err := f.repo.ListActiveByPractitionerDate(context.Background(), f.practitioner.ID, nextMonday)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPatientCannotHoldTwoAppointmentsAtOnce(t *testing.T) {
	f := newFixture(t)

	second := Practitioner{ID: uuid.New(), Name: "Dr. Lee", Timezone: "UTC", ConsultationMinutes: 30, ConsultationFee: 500}
	f.repo.AddPractitioner(second)
	require.NoError(t, f.repo.ReplaceAvailability(context.Background(), second.ID, []schedule.Entry{
		schedule.WeeklyEntry{Day: time.Monday, DaySchedule: schedule.DaySchedule{Windows: []schedule.Window{
			{Start: schedule.NewClock(9, 0), End: schedule.NewClock(12, 0), Available: true},
		}}},
	}))

	f.book(t, f.patient, at(9, 30))

	_, err := f.svc.Request(context.Background(), f.patientActor(), RequestInput{
		PractitionerID: second.ID,
		PatientID:      f.patient.ID,
		Date:           nextMonday,
		Slot:           at(9, 30),
	})
	requireKind(t, err, apperror.KindSlotConflict)
	assert.Contains(t, err.Error(), "patient already has an appointment")

	// a different time is fine
	_, err = f.svc.Request(context.Background(), f.patientActor(), RequestInput{
		PractitionerID: second.ID,
		PatientID:      f.patient.ID,
		Date:           nextMonday,
		Slot:           at(11, 0),
	})
	require.NoError(t, err)
}

// Scenario D: the happy path, and complete before confirm.
func TestLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.patient, at(9, 0))

	_, err := f.svc.Complete(ctx, f.practitionerActor(), appt.ID)
	requireKind(t, err, apperror.KindInvalidTransition)
	e, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, "pending", e.Current)
	assert.Equal(t, "completed", e.Requested)

	paid := f.payAdvance(t, appt.ID)
	assert.True(t, paid.Payment.AdvancePaid)

	confirmed, err := f.svc.Confirm(ctx, f.practitionerActor(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	completed, err := f.svc.Complete(ctx, f.practitionerActor(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	var types []string
	for _, ev := range f.repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{EventAppointmentRequested, EventAdvancePaid, EventConfirmed, EventCompleted}, types)
	assert.Equal(t, []NotificationKind{NotifyConfirmed}, f.notifier.kinds())
}

func TestConfirmRequiresAdvance(t *testing.T) {
	f := newFixture(t)

	appt := f.book(t, f.patient, at(9, 0))

	_, err := f.svc.Confirm(context.Background(), f.practitionerActor(), appt.ID)
	requireKind(t, err, apperror.KindPreconditionFailed)
	e, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, string(StatusPending), e.Current)
	assert.Equal(t, string(StatusConfirmed), e.Requested)

	stored, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestPractitionerOnlyTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.patient, at(9, 0))
	f.payAdvance(t, appt.ID)

	_, err := f.svc.Confirm(ctx, f.patientActor(), appt.ID)
	requireKind(t, err, apperror.KindForbidden)

	strange := Actor{ID: uuid.New(), Role: RolePractitioner}
	_, err = f.svc.Confirm(ctx, strange, appt.ID)
	requireKind(t, err, apperror.KindForbidden)

	_, err = f.svc.Confirm(ctx, Actor{ID: uuid.New(), Role: RoleAdmin}, appt.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkNoShow(ctx, f.patientActor(), appt.ID)
	requireKind(t, err, apperror.KindForbidden)

	noShow, err := f.svc.MarkNoShow(ctx, f.practitionerActor(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, noShow.Status)
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.patient, at(9, 0))
	_, err := f.svc.Cancel(ctx, f.patientActor(), appt.ID, "changed plans")
	require.NoError(t, err)

	_, err = f.svc.PayAdvance(ctx, appt.ID, PaymentReceipt{PaymentRef: "late"})
	requireKind(t, err, apperror.KindInvalidTransition)

	_, err = f.svc.Confirm(ctx, f.practitionerActor(), appt.ID)
	requireKind(t, err, apperror.KindInvalidTransition)

	_, err = f.svc.Complete(ctx, f.practitionerActor(), appt.ID)
	requireKind(t, err, apperror.KindInvalidTransition)

	_, err = f.svc.Cancel(ctx, f.practitionerActor(), appt.ID, "again")
	requireKind(t, err, apperror.KindInvalidTransition)

	for _, from := range []Status{StatusCancelled, StatusCompleted, StatusNoShow} {
		for _, to := range []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCancelFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.patient, at(9, 0))
	cancelled, err := f.svc.Cancel(ctx, f.patientActor(), appt.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "Cancelled by patient", *cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, f.patient.ID, *cancelled.CancelledBy)

	again := f.book(t, f.other, at(9, 0))
	assert.Equal(t, StatusPending, again.Status)
}

func TestCancelLeadTime(t *testing.T) {
	start := nextMonday.At(schedule.NewClock(10, 0), time.UTC)

	t.Run("patient three hours ahead", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.patient, at(10, 0))
		f.clock.Set(start.Add(-3 * time.Hour))

		_, err := f.svc.Cancel(context.Background(), f.patientActor(), appt.ID, "")
		require.NoError(t, err)
	})

	t.Run("patient one hour ahead", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.patient, at(10, 0))
		f.clock.Set(start.Add(-1 * time.Hour))

		_, err := f.svc.Cancel(context.Background(), f.patientActor(), appt.ID, "")
		requireKind(t, err, apperror.KindForbidden)
		e, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, string(StatusPending), e.Current)
		assert.Equal(t, string(StatusCancelled), e.Requested)
	})

	t.Run("practitioner one hour ahead", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.patient, at(10, 0))
		f.clock.Set(start.Add(-1 * time.Hour))

		_, err := f.svc.Cancel(context.Background(), f.practitionerActor(), appt.ID, "emergency")
		require.NoError(t, err)
	})

	t.Run("stranger", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.patient, at(10, 0))

		_, err := f.svc.Cancel(context.Background(), f.otherActor(), appt.ID, "")
		requireKind(t, err, apperror.KindForbidden)
	})
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	appt := f.book(t, f.patient, at(9, 0))
	f.payAdvance(t, appt.ID)

	confirmed, err := f.svc.Confirm(context.Background(), f.practitionerActor(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	cancelled, err := f.svc.Cancel(context.Background(), f.practitionerActor(), appt.ID, "sick")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	assert.Equal(t, []NotificationKind{NotifyConfirmed, NotifyCancelled}, f.notifier.kinds())
}

func TestStaleTransitionReportsCurrentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.patient, at(9, 0))

	// someone else cancels between our read and our write
	_, err := f.repo.TransitionStatus(ctx, Transition{ID: appt.ID, From: StatusPending, To: StatusCancelled, CancelReason: "x"})
	require.NoError(t, err)

	_, err = f.svc.transition(ctx, "cancel", appt, Transition{To: StatusCancelled})
	requireKind(t, err, apperror.KindInvalidTransition)
	e, _ := apperror.As(err)
	assert.Equal(t, "cancelled", e.Current)
}

func TestGetAndListAreScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := f.book(t, f.patient, at(9, 0))
	theirs := f.book(t, f.other, at(9, 30))

	_, err := f.svc.GetAppointment(ctx, f.otherActor(), mine.ID)
	requireKind(t, err, apperror.KindForbidden)

	got, err := f.svc.GetAppointment(ctx, f.practitionerActor(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = f.svc.GetAppointment(ctx, f.patientActor(), uuid.New())
	requireKind(t, err, apperror.KindNotFound)

	list, err := f.svc.ListAppointments(ctx, f.otherActor(), Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, theirs.ID, list[0].ID)

	list, err = f.svc.ListAppointments(ctx, f.practitionerActor(), Filter{Statuses: []Status{StatusPending}})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.ListAppointments(ctx, f.practitionerActor(), Filter{Statuses: []Status{"bogus"}})
	requireKind(t, err, apperror.KindValidation)
}

func TestUpcomingAndStaleQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.book(t, f.patient, at(9, 0))
	f.payAdvance(t, early.ID)
	_, err := f.svc.Confirm(ctx, f.practitionerActor(), early.ID)
	require.NoError(t, err)

	f.clock.Set(testNow.Add(time.Hour))
	late := f.book(t, f.other, at(10, 30))

	// an hour before the 09:00 appointment
	f.clock.Set(nextMonday.At(schedule.NewClock(8, 0), time.UTC))

	upcoming, err := f.svc.UpcomingConfirmed(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, early.ID, upcoming[0].ID)

	stale, err := f.svc.StalePending(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, late.ID, stale[0].ID)

	// nothing is expired by the query
	stored, err := f.repo.GetAppointment(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}
