package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/metrics"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
)

const (
	JobReminders    = "reminders"
	JobStalePending = "stale_pending"
)

type JobConfig struct {
	ReminderWindow    time.Duration
	StalePendingAfter time.Duration
}

// Jobs are the periodic tasks. They only read through the service and
// send reminders; nothing here changes an appointment's status.
type Jobs struct {
	svc     *appointment.Service
	once    redisclient.Once
	metrics *metrics.Metrics
	log     zerolog.Logger
	cfg     JobConfig
}

// NewJobs builds the job set. A nil once falls back to process-local
// dedup, which is only safe with a single worker.
func NewJobs(svc *appointment.Service, once redisclient.Once, m *metrics.Metrics, log zerolog.Logger, cfg JobConfig) *Jobs {
	if once == nil {
		once = newLocalOnce(time.Now)
	}
	return &Jobs{svc: svc, once: once, metrics: m, log: log, cfg: cfg}
}

// Jobs wires the periodic tasks for rt, sharing its Redis client for
// reminder dedup when one is configured.
func (rt *Runtime) Jobs() *Jobs {
	var once redisclient.Once
	if rt.Redis != nil {
		once = redisclient.NewRedisOnce(rt.Redis)
	}
	return NewJobs(rt.Service, once, rt.Metrics, rt.Log.With().Str("component", "jobs").Logger(), JobConfig{
		ReminderWindow:    rt.Config.ReminderWindow,
		StalePendingAfter: rt.Config.StalePendingAfter,
	})
}

// SendReminders notifies each confirmed appointment starting within the
// reminder window, at most once per appointment.
func (j *Jobs) SendReminders(ctx context.Context) (int, error) {
	upcoming, err := j.svc.UpcomingConfirmed(ctx, j.cfg.ReminderWindow)
	if err != nil {
		j.record(JobReminders, err)
		return 0, err
	}

	sent := 0
	for _, a := range upcoming {
		// keep the marker past the window so a later run cannot repeat it
		first, err := j.once.MarkOnce(ctx, "reminder:"+a.ID.String(), 2*j.cfg.ReminderWindow)
		if err != nil {
			j.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("reminder dedup failed, skipping")
			continue
		}
		if !first {
			continue
		}
		j.svc.Remind(ctx, a)
		sent++
	}

	j.record(JobReminders, nil)
	j.log.Info().Int("candidates", len(upcoming)).Int("sent", sent).Msg("reminder run done")
	return sent, nil
}

// ReportStalePending logs pending bookings left unpaid too long. They are
// reported, never expired.
func (j *Jobs) ReportStalePending(ctx context.Context) (int, error) {
	stale, err := j.svc.StalePending(ctx, j.cfg.StalePendingAfter)
	if err != nil {
		j.record(JobStalePending, err)
		return 0, err
	}

	for _, a := range stale {
		j.log.Warn().
			Str("appointment_id", a.ID.String()).
			Str("practitioner_id", a.PractitionerID.String()).
			Time("created_at", a.CreatedAt).
			Msg("pending appointment without payment")
	}
	if j.metrics != nil {
		j.metrics.SetStalePending(len(stale))
	}
	j.record(JobStalePending, nil)
	return len(stale), nil
}

// RunOnce runs every job, logging failures.
func (j *Jobs) RunOnce(ctx context.Context) {
	if _, err := j.SendReminders(ctx); err != nil {
		j.log.Error().Err(err).Msg("reminder run failed")
	}
	if _, err := j.ReportStalePending(ctx); err != nil {
		j.log.Error().Err(err).Msg("stale pending run failed")
	}
}

func (j *Jobs) record(job string, err error) {
	if j.metrics != nil {
		j.metrics.JobRun(job, err)
	}
}

type localOnce struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[string]time.Time
}

func newLocalOnce(now func() time.Time) *localOnce {
	return &localOnce{now: now, seen: make(map[string]time.Time)}
}

func (o *localOnce) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for k, exp := range o.seen {
		if !now.Before(exp) {
			delete(o.seen, k)
		}
	}
	if _, ok := o.seen[key]; ok {
		return false, nil
	}
	o.seen[key] = now.Add(ttl)
	return true, nil
}
