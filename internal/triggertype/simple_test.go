package triggertype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/domain"
)

func TestSimple_OneShot(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSimple(0, 0)

	t.Run("fires once at start", func(t *testing.T) {
		first, ok := s.ComputeFirstFireTime(start, nil)
		require.True(t, ok)
		assert.Equal(t, start, first)
		assert.True(t, s.MayFireAgain())
	})

	t.Run("has no next fire and is exhausted", func(t *testing.T) {
		_, ok := s.ComputeNextFireTime(start, nil)
		assert.False(t, ok)
		assert.False(t, s.MayFireAgain())
	})
}

func TestSimple_RepeatCount(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSimple(time.Minute, 2) // fires at start, +1m, +2m

	first, ok := s.ComputeFirstFireTime(start, nil)
	require.True(t, ok)
	assert.Equal(t, start, first)
	require.True(t, s.MayFireAgain())

	next, ok := s.ComputeNextFireTime(first, nil)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), next)
	require.True(t, s.MayFireAgain())

	next, ok = s.ComputeNextFireTime(next, nil)
	require.True(t, ok)
	assert.Equal(t, start.Add(2*time.Minute), next)
	assert.False(t, s.MayFireAgain())

	_, ok = s.ComputeNextFireTime(next, nil)
	assert.False(t, ok)
}

func TestSimple_RepeatForever(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSimple(time.Hour, -1)

	next := start
	for i := 0; i < 5; i++ {
		var ok bool
		next, ok = s.ComputeNextFireTime(next, nil)
		require.True(t, ok)
	}
	assert.True(t, s.MayFireAgain())
}

func TestSimple_UpdateAfterMisfire(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Minute)
	currentNext := start.Add(time.Minute)

	t.Run("ignore keeps current next", func(t *testing.T) {
		s := NewSimple(time.Minute, -1)
		next, ok := s.UpdateAfterMisfire(domain.MisfireIgnore, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, currentNext, next)
	})

	t.Run("fire now jumps to now", func(t *testing.T) {
		s := NewSimple(time.Minute, -1)
		next, ok := s.UpdateAfterMisfire(domain.MisfireFireNow, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, now, next)
	})

	t.Run("smart policy resolves to fire now for simple triggers", func(t *testing.T) {
		s := NewSimple(time.Minute, -1)
		next, ok := s.UpdateAfterMisfire(domain.MisfireSmartPolicy, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, now, next)
	})

	t.Run("reschedule next recomputes from now", func(t *testing.T) {
		s := NewSimple(time.Minute, -1)
		next, ok := s.UpdateAfterMisfire(domain.MisfireRescheduleNextWithRemainingCount, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Minute), next)
	})
}

func TestSimple_CalendarExclusion(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cal := domain.DailyWindowCalendar{StartHour: 9, EndHour: 17, Location: time.UTC}
	s := NewSimple(time.Hour, -1)

	first, ok := s.ComputeFirstFireTime(start, cal)
	require.True(t, ok)
	assert.True(t, cal.IsTimeIncluded(first))
}
