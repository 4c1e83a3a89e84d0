package triggertype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/domain"
)

func TestNewCron_InvalidExpression(t *testing.T) {
	_, err := NewCron("not a cron expr", nil)
	assert.Error(t, err)
}

func TestCron_EveryMinute(t *testing.T) {
	c, err := NewCron("* * * * *", time.UTC)
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	first, ok := c.ComputeFirstFireTime(start, nil)
	require.True(t, ok)
	assert.Equal(t, start, first)

	next, ok := c.ComputeNextFireTime(first, nil)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), next)
	assert.True(t, c.MayFireAgain())
}

func TestCron_AtMidnight(t *testing.T) {
	c, err := NewCron("0 0 * * *", time.UTC)
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	first, ok := c.ComputeFirstFireTime(start, nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), first)
}

func TestCron_UpdateAfterMisfire(t *testing.T) {
	_, err := NewCron("0 * * * *", time.UTC) // hourly
	require.NoError(t, err)

	currentNext := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 9, 45, 0, 0, time.UTC)

	t.Run("ignore keeps stale next", func(t *testing.T) {
		c2, _ := NewCron("0 * * * *", time.UTC)
		next, ok := c2.UpdateAfterMisfire(domain.MisfireIgnore, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, currentNext, next)
	})

	t.Run("fire now jumps to now", func(t *testing.T) {
		c2, _ := NewCron("0 * * * *", time.UTC)
		next, ok := c2.UpdateAfterMisfire(domain.MisfireFireNow, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, now, next)
	})

	t.Run("smart policy skips ahead to next cadence boundary instead of firing immediately", func(t *testing.T) {
		c2, _ := NewCron("0 * * * *", time.UTC)
		next, ok := c2.UpdateAfterMisfire(domain.MisfireSmartPolicy, currentNext, now, nil)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), next)
	})
}

func TestCron_Location(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	c, err := NewCron("0 9 * * *", loc)
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first, ok := c.ComputeFirstFireTime(start, nil)
	require.True(t, ok)
	assert.Equal(t, 9, first.In(loc).Hour())
}
