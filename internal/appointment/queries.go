package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	sweepPageSize    = 200
)

// GetAppointment returns an appointment visible to actor.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	const op = "get appointment"

	appt, err := s.loadAppointment(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.partyTo(appt) {
		return nil, apperror.Forbidden(op, "not a party to this appointment")
	}
	return appt, nil
}

// ListAppointments lists appointments, scoped to the actor's own unless the
// actor is an admin.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f Filter) ([]Appointment, error) {
	const op = "list appointments"

	switch actor.Role {
	case RoleAdmin:
	case RolePatient:
		id := actor.ID
		f.PatientID = &id
	case RolePractitioner:
		id := actor.ID
		f.PractitionerID = &id
	default:
		return nil, apperror.Forbidden(op, "unknown role %q", actor.Role)
	}

	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, apperror.Validation(op, "unknown status %q", st)
		}
	}

	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	list, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, storeError(op, err)
	}
	return list, nil
}

// listAll pages through every appointment matching f.
func (s *Service) listAll(ctx context.Context, f Filter) ([]Appointment, error) {
	var all []Appointment
	f.Limit = sweepPageSize
	for f.Offset = 0; ; f.Offset += sweepPageSize {
		page, err := s.repo.ListAppointments(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < sweepPageSize {
			return all, nil
		}
	}
}

// UpcomingConfirmed returns confirmed appointments starting within the
// next window, each evaluated in its practitioner's zone.
func (s *Service) UpcomingConfirmed(ctx context.Context, window time.Duration) ([]Appointment, error) {
	const op = "upcoming appointments"

	now := s.now()
	until := now.Add(window)
	// widen by a day either side so every zone is covered
	from := schedule.DateOf(now.UTC()).AddDays(-1)
	to := schedule.DateOf(until.UTC()).AddDays(1)

	candidates, err := s.listAll(ctx, Filter{
		Statuses: []Status{StatusConfirmed},
		FromDate: &from,
		ToDate:   &to,
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	locs := map[uuid.UUID]*time.Location{}
	var out []Appointment
	for _, a := range candidates {
		loc, ok := locs[a.PractitionerID]
		if !ok {
			p, err := s.loadPractitioner(ctx, op, a.PractitionerID)
			if err != nil {
				return nil, err
			}
			loc = s.location(p)
			locs[a.PractitionerID] = loc
		}

		start := a.StartsAt(loc)
		if !start.Before(now) && !start.After(until) {
			out = append(out, a)
		}
	}
	return out, nil
}

// StalePending returns pending appointments created more than olderThan
// ago. Nothing expires them; callers decide what to do.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration) ([]Appointment, error) {
	cutoff := s.now().Add(-olderThan)
	list, err := s.listAll(ctx, Filter{
		Statuses:      []Status{StatusPending},
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return nil, storeError("stale pending", err)
	}
	return list, nil
}

// Remind sends a reminder for a. Used by the reminder job.
func (s *Service) Remind(ctx context.Context, a Appointment) {
	s.notify(ctx, Notification{Kind: NotifyReminder, Appointment: a, ActorRole: RoleAdmin})
}
