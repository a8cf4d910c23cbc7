package clinictime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, Date{Year: 2024, Month: time.January, Day: 2}, d)
	assert.Equal(t, "2024-01-02", d.String())

	// 01:00 UTC on the 3rd is still the 2nd in the clinic zone
	d, err = ParseDate("2024-01-03T01:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", d.String())

	_, err = ParseDate("02/01/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("13:45")
	require.NoError(t, err)
	assert.Equal(t, Clock(13, 45), tod)
	assert.Equal(t, "13:45", tod.String())

	for _, bad := range []string{"", "25:00", "12:60", "noon"} {
		_, err := ParseTimeOfDay(bad)
		assert.ErrorIs(t, err, ErrInvalidTimeOfDay, bad)
	}
}

func TestNormalizeUsesClinicZone(t *testing.T) {
	instant := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	day, tod := Normalize(instant)
	assert.Equal(t, Date{Year: 2024, Month: time.January, Day: 2}, day)
	assert.Equal(t, Clock(13, 0), tod)
	assert.True(t, day.At(tod).Equal(instant))
}

func TestRangeIsHalfOpen(t *testing.T) {
	r := Range{Start: Clock(12, 0), End: Clock(14, 0)}
	require.True(t, r.Valid())

	assert.False(t, r.Contains(Clock(11, 59)))
	assert.True(t, r.Contains(Clock(12, 0)))
	assert.True(t, r.Contains(Clock(13, 59)))
	assert.False(t, r.Contains(Clock(14, 0)))

	assert.False(t, Range{Start: Clock(14, 0), End: Clock(12, 0)}.Valid())
	assert.False(t, Range{Start: Clock(9, 0), End: Clock(9, 0)}.Valid())
}

func TestSlots(t *testing.T) {
	d := Date{Year: 2024, Month: time.March, Day: 4}
	slots := Slots(d)
	require.Len(t, slots, 21)
	assert.Equal(t, "08:00", TimeOfDayOf(slots[0]).String())
	assert.Equal(t, "18:00", TimeOfDayOf(slots[len(slots)-1]).String())
	assert.Equal(t, SlotLength, slots[1].Sub(slots[0]))
}

func TestWindow(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 30, 0, 0, Zone)
	from, to := Window(now, 30, 60)
	assert.Equal(t, time.Date(2024, 4, 10, 0, 0, 0, 0, Zone), from)
	assert.Equal(t, time.Date(2024, 7, 10, 0, 0, 0, 0, Zone), to)
}

func TestDateColumnRoundTrip(t *testing.T) {
	d := Date{Year: 2024, Month: time.December, Day: 31}
	assert.Equal(t, d, DateFromUTCMidnight(d.UTCMidnight()))
	assert.Equal(t, Date{Year: 2025, Month: time.January, Day: 1}, d.AddDays(1))
}
