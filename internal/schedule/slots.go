package schedule

import (
	"sort"

	"github.com/hackgods/consultation-booking/internal/apperror"
)

// Slot is a half-open interval [Start, End) within one day.
type Slot struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func (s Slot) Minutes() int { return int(s.End - s.Start) }

func (s Slot) String() string { return s.Start.String() + "-" + s.End.String() }

// Window is a working window, or an explicit slot when the owning
// DaySchedule is explicit.
type Window struct {
	Start     Clock `json:"start"`
	End       Clock `json:"end"`
	Available bool  `json:"available"`
}

// Generate cuts [windowStart, windowEnd) into consecutive slots of
// durationMinutes. A trailing slot that would overrun windowEnd is dropped.
func Generate(windowStart, windowEnd Clock, durationMinutes int) ([]Slot, error) {
	if durationMinutes <= 0 {
		return nil, apperror.Validation("generate slots", "duration must be positive, got %d", durationMinutes)
	}
	if windowStart < 0 || windowEnd > minutesPerDay {
		return nil, apperror.Validation("generate slots", "window %s-%s outside the day", windowStart, windowEnd)
	}
	if windowStart >= windowEnd {
		return nil, apperror.Validation("generate slots", "window start %s must be before end %s", windowStart, windowEnd)
	}

	slots := make([]Slot, 0, int(windowEnd-windowStart)/durationMinutes)
	for start := windowStart; ; start = start.Add(durationMinutes) {
		end := start.Add(durationMinutes)
		if end > windowEnd {
			break
		}
		slots = append(slots, Slot{Start: start, End: end})
	}
	return slots, nil
}

// DaySchedule is the availability of one weekday or one override date.
// When Explicit is set every available window is offered as-is instead of
// being cut into consultation-length slots.
type DaySchedule struct {
	Windows  []Window `json:"windows"`
	Explicit bool     `json:"explicit,omitempty"`
}

// Available reports whether at least one window is marked available.
func (d DaySchedule) Available() bool {
	for _, w := range d.Windows {
		if w.Available {
			return true
		}
	}
	return false
}

// Slots returns the ordered, de-duplicated slot list for the schedule.
func (d DaySchedule) Slots(durationMinutes int) ([]Slot, error) {
	var all []Slot
	for _, w := range d.Windows {
		if !w.Available {
			continue
		}
		if d.Explicit {
			if w.Start >= w.End {
				return nil, apperror.Validation("generate slots", "slot start %s must be before end %s", w.Start, w.End)
			}
			all = append(all, Slot{Start: w.Start, End: w.End})
			continue
		}
		slots, err := Generate(w.Start, w.End, durationMinutes)
		if err != nil {
			return nil, err
		}
		all = append(all, slots...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End < all[j].End
	})

	out := all[:0]
	for i, s := range all {
		if i > 0 && s.Start == out[len(out)-1].Start {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Contains reports whether slots holds a slot starting and ending exactly
// like s.
func Contains(slots []Slot, s Slot) bool {
	for _, x := range slots {
		if x == s {
			return true
		}
	}
	return false
}
