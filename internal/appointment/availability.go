package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const (
	SourceOverride = "override"
	SourceWeekly   = "weekly"
)

// Availability is a snapshot of the bookable slots of one practitioner on
// one date. It may be stale by the time a booking lands.
type Availability struct {
	PractitionerID uuid.UUID
	Date           schedule.Date
	Timezone       string
	IsAvailable    bool
	Reason         string
	Source         string
	Windows        []schedule.Window
	Slots          []schedule.Slot
}

// resolution carries the intermediate results booking needs to tell a
// taken slot from one that was never offered.
type resolution struct {
	practitioner *Practitioner
	loc          *time.Location
	offered      []schedule.Slot
	booked       []Appointment
	cutoff       time.Time
	result       Availability
}

// ResolveAvailability returns the free slots of practitionerID on date.
func (s *Service) ResolveAvailability(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) (*Availability, error) {
	const op = "resolve availability"

	p, err := s.loadPractitioner(ctx, op, practitionerID)
	if err != nil {
		return nil, err
	}
	res, err := s.resolve(ctx, op, p, date)
	if err != nil {
		return nil, err
	}
	return &res.result, nil
}

func (s *Service) resolve(ctx context.Context, op string, p *Practitioner, date schedule.Date) (*resolution, error) {
	if date.IsZero() {
		return nil, apperror.Validation(op, "date is required")
	}

	loc := s.location(p)
	now := s.now()
	if date.Before(schedule.Today(now, loc)) {
		return nil, apperror.Validation(op, "date %s is in the past", date)
	}

	res := &resolution{
		practitioner: p,
		loc:          loc,
		cutoff:       now.Add(s.policy.BookingBuffer),
		result: Availability{
			PractitionerID: p.ID,
			Date:           date,
			Timezone:       loc.String(),
			Slots:          []schedule.Slot{},
		},
	}

	sched, source, err := s.daySchedule(ctx, p.ID, date)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sched == nil {
		res.result.Reason = fmt.Sprintf("no availability configured for %s", date.Weekday())
		return res, nil
	}
	res.result.Source = source
	res.result.Windows = sched.Windows
	if !sched.Available() {
		res.result.Reason = "practitioner is not available on this date"
		return res, nil
	}

	if p.ConsultationMinutes <= 0 {
		return nil, apperror.Validation(op, "practitioner has no consultation duration")
	}
	res.offered, err = sched.Slots(p.ConsultationMinutes)
	if err != nil {
		return nil, err
	}

	res.booked, err = s.repo.ListActiveByPractitionerDate(ctx, p.ID, date)
	if err != nil {
		return nil, fmt.Errorf("%s: list booked slots: %w", op, err)
	}

	for _, slot := range res.offered {
		if res.taken(slot) || res.tooSoon(date, slot) {
			continue
		}
		res.result.Slots = append(res.result.Slots, slot)
	}

	res.result.IsAvailable = len(res.result.Slots) > 0
	if !res.result.IsAvailable {
		if len(res.offered) == 0 {
			res.result.Reason = "working window is shorter than one consultation"
		} else {
			res.result.Reason = "no free slots left on this date"
		}
	}
	return res, nil
}

// daySchedule returns the override for date if any, else the weekly entry.
func (s *Service) daySchedule(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) (*schedule.DaySchedule, string, error) {
	override, err := s.repo.GetDateOverride(ctx, practitionerID, date)
	if err != nil {
		return nil, "", fmt.Errorf("load date override: %w", err)
	}
	if override != nil {
		return override, SourceOverride, nil
	}

	weekly, err := s.repo.GetWeeklySchedule(ctx, practitionerID, date.Weekday())
	if err != nil {
		return nil, "", fmt.Errorf("load weekly schedule: %w", err)
	}
	if weekly == nil {
		return nil, "", nil
	}
	return weekly, SourceWeekly, nil
}

// taken reports whether an active appointment overlaps slot.
func (r *resolution) taken(slot schedule.Slot) bool {
	for _, a := range r.booked {
		if a.Slot.Start < slot.End && a.Slot.End > slot.Start {
			return true
		}
	}
	return false
}

func (r *resolution) tooSoon(date schedule.Date, slot schedule.Slot) bool {
	return date.At(slot.Start, r.loc).Before(r.cutoff)
}

// checkBookable explains why slot cannot be booked, or returns nil.
func (r *resolution) checkBookable(op string, date schedule.Date, slot schedule.Slot) error {
	if !schedule.Contains(r.offered, slot) {
		if r.result.Reason != "" && len(r.offered) == 0 {
			return apperror.Validation(op, "slot %s is not offered: %s", slot, r.result.Reason)
		}
		return apperror.Validation(op, "slot %s is not offered on %s", slot, date)
	}
	if r.tooSoon(date, slot) {
		return apperror.Validation(op, "slot %s starts too soon to be booked", slot)
	}
	if r.taken(slot) {
		return apperror.SlotConflict(op, "slot %s on %s is already booked", slot, date)
	}
	return nil
}

// SetAvailability replaces a practitioner's weekly pattern and overrides
// with the normalised payload.
func (s *Service) SetAvailability(ctx context.Context, actor Actor, practitionerID uuid.UUID, payload []byte) ([]schedule.Entry, error) {
	const op = "set availability"

	if !(actor.Role == RoleAdmin || (actor.Role == RolePractitioner && actor.ID == practitionerID)) {
		return nil, apperror.Forbidden(op, "only the practitioner or an admin may change availability")
	}

	entries, err := schedule.ParseAvailability(payload)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ReplaceAvailability(ctx, practitionerID, entries); err != nil {
		return nil, storeError(op, err)
	}

	s.logEvent(ctx, nil, EventAvailabilityUpdated, map[string]any{
		"practitioner_id": practitionerID.String(),
		"entries":         len(entries),
		"actor_id":        actor.ID.String(),
	})
	s.log.Info().Str("practitioner_id", practitionerID.String()).Int("entries", len(entries)).Msg("availability updated")

	return entries, nil
}

func (s *Service) GetAvailabilityConfig(ctx context.Context, practitionerID uuid.UUID) ([]schedule.Entry, error) {
	const op = "get availability"

	if _, err := s.loadPractitioner(ctx, op, practitionerID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAvailability(ctx, practitionerID)
	if err != nil {
		return nil, storeError(op, err)
	}
	return entries, nil
}
