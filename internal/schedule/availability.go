package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hackgods/consultation-booking/internal/apperror"
)

// Entry is one normalised availability record: either a WeeklyEntry or a
// DateOverrideEntry.
type Entry interface {
	Schedule() DaySchedule
	entry()
}

type WeeklyEntry struct {
	Day time.Weekday
	DaySchedule
}

type DateOverrideEntry struct {
	Date Date
	DaySchedule
}

func (e WeeklyEntry) Schedule() DaySchedule       { return e.DaySchedule }
func (e DateOverrideEntry) Schedule() DaySchedule { return e.DaySchedule }

func (WeeklyEntry) entry()       {}
func (DateOverrideEntry) entry() {}

// rawWindow and rawEntry accept the field spellings clients send.
type rawWindow struct {
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	Start       string `json:"start"`
	End         string `json:"end"`
	IsAvailable *bool  `json:"isAvailable"`
	Available   *bool  `json:"available"`
}

type rawEntry struct {
	Day  string `json:"day"`
	Date string `json:"date"`
	rawWindow
	Slots   []rawWindow `json:"slots"`
	Windows []rawWindow `json:"windows"`
}

// ParseAvailability normalises the loose availability payloads into
// entries. Two top-level shapes are accepted:
//
//	[{"day":"monday","startTime":"09:00","endTime":"11:00"}, {"date":"2025-03-10","slots":[...]}]
//	{"monday": {"startTime":"09:00","endTime":"11:00"}, "2025-03-10": [{"startTime":"10:00","endTime":"10:30"}]}
//
// "slots" lists explicit slots; "windows" or a bare startTime/endTime is a
// working window cut by the consultation duration.
func ParseAvailability(data []byte) ([]Entry, error) {
	const op = "parse availability"

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, apperror.Validation(op, "empty availability payload")
	}

	var raws []rawEntry
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, apperror.Validation(op, "malformed availability list: %v", err)
		}
	case '{':
		keyed, err := parseKeyed(trimmed)
		if err != nil {
			return nil, err
		}
		raws = keyed
	default:
		return nil, apperror.Validation(op, "availability must be a JSON array or object")
	}

	entries := make([]Entry, 0, len(raws))
	seenDays := map[time.Weekday]bool{}
	seenDates := map[Date]bool{}
	for i, raw := range raws {
		e, err := normalise(raw)
		if err != nil {
			return nil, apperror.Validation(op, "entry %d: %v", i, err)
		}
		switch v := e.(type) {
		case WeeklyEntry:
			if seenDays[v.Day] {
				return nil, apperror.Validation(op, "duplicate entry for %s", v.Day)
			}
			seenDays[v.Day] = true
		case DateOverrideEntry:
			if seenDates[v.Date] {
				return nil, apperror.Validation(op, "duplicate override for %s", v.Date)
			}
			seenDates[v.Date] = true
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseKeyed(data []byte) ([]rawEntry, error) {
	const op = "parse availability"

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, apperror.Validation(op, "malformed availability object: %v", err)
	}

	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	raws := make([]rawEntry, 0, len(keys))
	for _, k := range keys {
		var raw rawEntry
		val := bytes.TrimSpace(keyed[k])
		if len(val) > 0 && val[0] == '[' {
			if err := json.Unmarshal(val, &raw.Slots); err != nil {
				return nil, apperror.Validation(op, "malformed slots for %q: %v", k, err)
			}
		} else if err := json.Unmarshal(val, &raw); err != nil {
			return nil, apperror.Validation(op, "malformed entry for %q: %v", k, err)
		}

		if strings.Count(k, "-") == 2 {
			raw.Date = k
		} else {
			raw.Day = k
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func normalise(raw rawEntry) (Entry, error) {
	if (raw.Day == "") == (raw.Date == "") {
		return nil, fmt.Errorf("exactly one of day or date is required")
	}

	sched, err := normaliseSchedule(raw)
	if err != nil {
		return nil, err
	}

	if raw.Day != "" {
		wd, err := ParseWeekday(raw.Day)
		if err != nil {
			return nil, err
		}
		return WeeklyEntry{Day: wd, DaySchedule: sched}, nil
	}

	date, err := ParseDate(raw.Date)
	if err != nil {
		return nil, err
	}
	return DateOverrideEntry{Date: date, DaySchedule: sched}, nil
}

func normaliseSchedule(raw rawEntry) (DaySchedule, error) {
	var sched DaySchedule

	switch {
	case len(raw.Slots) > 0:
		sched.Explicit = true
		for _, rw := range raw.Slots {
			w, err := rw.window(true)
			if err != nil {
				return DaySchedule{}, err
			}
			sched.Windows = append(sched.Windows, w)
		}
	case len(raw.Windows) > 0:
		for _, rw := range raw.Windows {
			w, err := rw.window(true)
			if err != nil {
				return DaySchedule{}, err
			}
			sched.Windows = append(sched.Windows, w)
		}
	case raw.StartTime != "" || raw.Start != "":
		w, err := raw.rawWindow.window(true)
		if err != nil {
			return DaySchedule{}, err
		}
		sched.Windows = append(sched.Windows, w)
	default:
		// a bare {"day":"sunday","isAvailable":false} closes the day
		if avail := raw.rawWindow.available(false); avail {
			return DaySchedule{}, fmt.Errorf("available entry without any window")
		}
	}

	// an entry-level isAvailable=false closes every window it carries
	if !raw.rawWindow.available(true) {
		for i := range sched.Windows {
			sched.Windows[i].Available = false
		}
	}
	return sched, nil
}

func (rw rawWindow) available(def bool) bool {
	switch {
	case rw.IsAvailable != nil:
		return *rw.IsAvailable
	case rw.Available != nil:
		return *rw.Available
	default:
		return def
	}
}

func (rw rawWindow) window(def bool) (Window, error) {
	startRaw, endRaw := rw.StartTime, rw.EndTime
	if startRaw == "" {
		startRaw = rw.Start
	}
	if endRaw == "" {
		endRaw = rw.End
	}

	start, err := ParseClock(startRaw)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(endRaw)
	if err != nil {
		return Window{}, err
	}
	if start >= end {
		return Window{}, fmt.Errorf("window start %s must be before end %s", start, end)
	}
	return Window{Start: start, End: end, Available: rw.available(def)}, nil
}
