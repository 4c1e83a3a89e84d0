package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())

	next := f.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), next)
	assert.Equal(t, next, f.Now())
}

func TestFakeSetNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("TEST", 3600)
	f := NewFake(time.Unix(0, 0))
	f.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, f.Now().Location())
}

func TestSystemNowIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, System{}.Now().Location())
}
