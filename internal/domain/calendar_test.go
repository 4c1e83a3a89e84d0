package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyWindowCalendar_IsTimeIncluded(t *testing.T) {
	cal := DailyWindowCalendar{StartHour: 9, EndHour: 17, Location: time.UTC}

	assert.True(t, cal.IsTimeIncluded(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)))
	assert.True(t, cal.IsTimeIncluded(time.Date(2026, 1, 5, 16, 59, 0, 0, time.UTC)))
	assert.False(t, cal.IsTimeIncluded(time.Date(2026, 1, 5, 8, 59, 0, 0, time.UTC)))
	assert.False(t, cal.IsTimeIncluded(time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)))
}

func TestBaseCalendar_ExcludesNothing(t *testing.T) {
	var cal Calendar = BaseCalendar{}
	assert.True(t, cal.IsTimeIncluded(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMarshalUnmarshalCalendar_RoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cases := []Calendar{
		BaseCalendar{},
		DailyWindowCalendar{StartHour: 8, EndHour: 18, Location: loc},
	}
	for _, cal := range cases {
		kind, data, err := MarshalCalendar(cal)
		require.NoError(t, err)

		got, err := UnmarshalCalendar(kind, data)
		require.NoError(t, err)
		assert.Equal(t, cal, got)
	}
}

func TestUnmarshalCalendar_UnknownKind(t *testing.T) {
	_, err := UnmarshalCalendar("nonsense", nil)
	assert.Error(t, err)
}

func TestMarshalCalendar_UnknownType(t *testing.T) {
	_, _, err := MarshalCalendar(unknownCalendar{})
	assert.Error(t, err)
}

type unknownCalendar struct{}

func (unknownCalendar) IsTimeIncluded(time.Time) bool { return true }
