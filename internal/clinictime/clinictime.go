// Package clinictime holds the clinic's calendar arithmetic: the fixed
// clinic zone, calendar days, times of day and the booking slot grid.
package clinictime

import (
	"errors"
	"fmt"
	"time"
)

// Zone is the clinic timezone. It is a fixed UTC-3 offset; the clinic's
// locale (America/Sao_Paulo) has not observed daylight saving since 2019.
var Zone = time.FixedZone("BRT", -3*60*60)

const (
	// SlotLength is the booking grid step and the default appointment length.
	SlotLength = 30 * time.Minute

	dateLayout = "2006-01-02"
)

var (
	// DayOpen and DayClose bound the slot grid and the window used to
	// render full-day blocks on the external calendar.
	DayOpen  = Clock(8, 0)
	DayClose = Clock(18, 0)
)

var (
	ErrInvalidDate      = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidTimeOfDay = errors.New("invalid time of day, expected HH:MM")
)

// Date is a calendar day in the clinic zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the clinic calendar day t falls on.
func DateOf(t time.Time) Date {
	y, m, d := t.In(Zone).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate accepts YYYY-MM-DD, or a full RFC 3339 timestamp which is
// reduced to its clinic day.
func ParseDate(s string) (Date, error) {
	if t, err := time.ParseInLocation(dateLayout, s, Zone); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Start is midnight of d in the clinic zone.
func (d Date) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, Zone)
}

// At returns the instant of tod on day d.
func (d Date) At(tod TimeOfDay) time.Time {
	return d.Start().Add(time.Duration(tod) * time.Minute)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Start().AddDate(0, 0, n))
}

// UTCMidnight is the representation used for DATE columns.
func (d Date) UTCMidnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// DateFromUTCMidnight is the inverse of UTCMidnight.
func DateFromUTCMidnight(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

// TimeOfDay is a wall clock time in minutes since midnight.
type TimeOfDay int

func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses HH:MM in 24-hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

// TimeOfDayOf returns the clinic wall clock minute of t. Seconds are truncated.
func TimeOfDayOf(t time.Time) TimeOfDay {
	lt := t.In(Zone)
	return Clock(lt.Hour(), lt.Minute())
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Normalize splits an instant into its clinic day and time of day.
func Normalize(t time.Time) (Date, TimeOfDay) {
	return DateOf(t), TimeOfDayOf(t)
}

// Range is a half-open [Start, End) interval of the day.
type Range struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (r Range) Valid() bool {
	return r.Start >= 0 && r.Start < r.End && r.End <= Clock(24, 0)
}

// Contains reports whether t falls inside r. End is exclusive.
func (r Range) Contains(t TimeOfDay) bool {
	return r.Start <= t && t < r.End
}

// Slots returns the bookable start instants of day d, from DayOpen to
// DayClose inclusive, every SlotLength.
func Slots(d Date) []time.Time {
	step := int(SlotLength / time.Minute)
	slots := make([]time.Time, 0, int(DayClose-DayOpen)/step+1)
	for tod := DayOpen; tod <= DayClose; tod += TimeOfDay(step) {
		slots = append(slots, d.At(tod))
	}
	return slots
}

// Window returns [start of the day daysBack before now, start of the day
// after daysForward from now), aligned to clinic days.
func Window(now time.Time, daysBack, daysForward int) (time.Time, time.Time) {
	today := DateOf(now)
	return today.AddDays(-daysBack).Start(), today.AddDays(daysForward + 1).Start()
}
