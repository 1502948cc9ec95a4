package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-booking/internal/apperror"
)

func mustClock(t *testing.T, s string) Clock {
	t.Helper()
	c, err := ParseClock(s)
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		duration int
		want     []string
	}{
		{
			name:     "exact fit",
			start:    "09:00",
			end:      "11:00",
			duration: 30,
			want:     []string{"09:00-09:30", "09:30-10:00", "10:00-10:30", "10:30-11:00"},
		},
		{
			name:     "trailing overrun dropped",
			start:    "09:00",
			end:      "10:10",
			duration: 30,
			want:     []string{"09:00-09:30", "09:30-10:00"},
		},
		{
			name:     "duration longer than window",
			start:    "09:00",
			end:      "09:20",
			duration: 30,
			want:     []string{},
		},
		{
			name:     "window ending at midnight",
			start:    "23:00",
			end:      "24:00",
			duration: 45,
			want:     []string{"23:00-23:45"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, err := Generate(mustClock(t, tt.start), mustClock(t, tt.end), tt.duration)
			require.NoError(t, err)

			got := make([]string, 0, len(slots))
			for _, s := range slots {
				got = append(got, s.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateRejectsMalformedInput(t *testing.T) {
	nine, ten := NewClock(9, 0), NewClock(10, 0)

	_, err := Generate(ten, nine, 30)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = Generate(nine, nine, 30)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = Generate(nine, ten, 0)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = Generate(nine, ten, -15)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestGeneratedSlotsDoNotOverlap(t *testing.T) {
	for _, d := range []int{7, 15, 20, 45, 60} {
		slots, err := Generate(NewClock(8, 0), NewClock(17, 0), d)
		require.NoError(t, err)
		for i := 1; i < len(slots); i++ {
			assert.Equal(t, slots[i-1].End, slots[i].Start)
			assert.Equal(t, d, slots[i].Minutes())
		}
		if len(slots) > 0 {
			assert.LessOrEqual(t, int(slots[len(slots)-1].End), int(NewClock(17, 0)))
		}
	}
}

func TestParseDateWeekdayIsStable(t *testing.T) {
	d, err := ParseDate("2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d.Weekday())
	assert.Equal(t, "2025-03-10", d.String())

	// a practitioner far east of UTC must still see Monday
	loc := time.FixedZone("UTC+14", 14*3600)
	at := d.At(NewClock(0, 30), loc)
	assert.Equal(t, d, DateOf(at))
	assert.Equal(t, time.Monday, at.Weekday())
}

func TestParseDateRejectsInvalid(t *testing.T) {
	for _, s := range []string{"2025-02-30", "2025/03/10", "10-03", "", "2025-13-01"} {
		_, err := ParseDate(s)
		assert.Error(t, err, s)
	}
}

func TestDateArithmetic(t *testing.T) {
	d := Date{Year: 2024, Month: time.December, Day: 31}
	assert.Equal(t, Date{Year: 2025, Month: time.January, Day: 1}, d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))

	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, d, Today(now, loc))
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("9:05")
	require.NoError(t, err)
	assert.Equal(t, "09:05", c.String())

	for _, s := range []string{"25:00", "10:60", "10", "ab:cd", "10:5", "24:30"} {
		_, err := ParseClock(s)
		assert.Error(t, err, s)
	}
}

func TestDayScheduleSlots(t *testing.T) {
	sched := DaySchedule{Windows: []Window{
		{Start: NewClock(14, 0), End: NewClock(15, 0), Available: true},
		{Start: NewClock(9, 0), End: NewClock(10, 0), Available: true},
		{Start: NewClock(11, 0), End: NewClock(12, 0), Available: false},
		{Start: NewClock(9, 30), End: NewClock(10, 0), Available: true},
	}}

	slots, err := sched.Slots(30)
	require.NoError(t, err)

	var got []string
	for _, s := range slots {
		got = append(got, s.String())
	}
	assert.Equal(t, []string{"09:00-09:30", "09:30-10:00", "14:00-14:30", "14:30-15:00"}, got)
}

func TestExplicitScheduleKeepsSlotsAsGiven(t *testing.T) {
	sched := DaySchedule{Explicit: true, Windows: []Window{
		{Start: NewClock(10, 0), End: NewClock(10, 45), Available: true},
		{Start: NewClock(9, 0), End: NewClock(9, 20), Available: true},
		{Start: NewClock(11, 0), End: NewClock(11, 30), Available: false},
	}}

	slots, err := sched.Slots(30)
	require.NoError(t, err)
	assert.Equal(t, []Slot{
		{Start: NewClock(9, 0), End: NewClock(9, 20)},
		{Start: NewClock(10, 0), End: NewClock(10, 45)},
	}, slots)
}

func TestParseAvailabilityArray(t *testing.T) {
	payload := []byte(`[
		{"day": "Monday", "startTime": "09:00", "endTime": "11:00", "isAvailable": true},
		{"day": "tue", "windows": [{"start": "08:00", "end": "09:00"}, {"start": "13:00", "end": "14:00"}]},
		{"day": "sunday", "isAvailable": false},
		{"date": "2025-03-10", "slots": [{"startTime": "10:00", "endTime": "10:30"}]}
	]`)

	entries, err := ParseAvailability(payload)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	mon, ok := entries[0].(WeeklyEntry)
	require.True(t, ok)
	assert.Equal(t, time.Monday, mon.Day)
	assert.True(t, mon.Available())
	assert.False(t, mon.Explicit)

	tue := entries[1].(WeeklyEntry)
	assert.Equal(t, time.Tuesday, tue.Day)
	assert.Len(t, tue.Windows, 2)

	sun := entries[2].(WeeklyEntry)
	assert.False(t, sun.Available())

	override, ok := entries[3].(DateOverrideEntry)
	require.True(t, ok)
	assert.Equal(t, Date{Year: 2025, Month: time.March, Day: 10}, override.Date)
	assert.True(t, override.Explicit)
}

func TestParseAvailabilityKeyedObject(t *testing.T) {
	payload := []byte(`{
		"wednesday": {"startTime": "09:00", "endTime": "12:00"},
		"friday": {"startTime": "09:00", "endTime": "12:00", "available": false},
		"2025-03-12": [{"startTime": "15:00", "endTime": "15:30"}]
	}`)

	entries, err := ParseAvailability(payload)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var weekly []WeeklyEntry
	var overrides []DateOverrideEntry
	for _, e := range entries {
		switch v := e.(type) {
		case WeeklyEntry:
			weekly = append(weekly, v)
		case DateOverrideEntry:
			overrides = append(overrides, v)
		}
	}
	require.Len(t, weekly, 2)
	require.Len(t, overrides, 1)
	assert.Equal(t, "2025-03-12", overrides[0].Date.String())
	for _, w := range weekly {
		if w.Day == time.Friday {
			assert.False(t, w.Available())
		} else {
			assert.Equal(t, time.Wednesday, w.Day)
			assert.True(t, w.Available())
		}
	}
}

func TestParseAvailabilityRejects(t *testing.T) {
	cases := map[string]string{
		"empty":           ``,
		"scalar":          `"monday"`,
		"both day & date": `[{"day":"monday","date":"2025-03-10","startTime":"09:00","endTime":"10:00"}]`,
		"neither":         `[{"startTime":"09:00","endTime":"10:00"}]`,
		"bad weekday":     `[{"day":"funday","startTime":"09:00","endTime":"10:00"}]`,
		"inverted window": `[{"day":"monday","startTime":"11:00","endTime":"10:00"}]`,
		"duplicate day":   `[{"day":"monday","startTime":"09:00","endTime":"10:00"},{"day":"Mon","startTime":"11:00","endTime":"12:00"}]`,
		"open no window":  `[{"day":"monday","isAvailable":true}]`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAvailability([]byte(payload))
			assert.True(t, errors.Is(err, apperror.ErrValidation), "got %v", err)
		})
	}
}
