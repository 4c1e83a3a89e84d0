package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_GroupEquals(t *testing.T) {
	m := GroupEquals("ops")
	assert.True(t, m.MatchesGroup("ops"))
	assert.False(t, m.MatchesGroup("ops-team"))
	assert.False(t, m.MatchesGroup(DefaultGroup))
	assert.Equal(t, "ops", m.GroupMatcherToken())
}

func TestMatcher_GroupStartsWith(t *testing.T) {
	m := GroupStartsWith("ops-")
	assert.True(t, m.MatchesGroup("ops-east"))
	assert.True(t, m.MatchesGroup("ops-west"))
	assert.False(t, m.MatchesGroup("ops"))
	assert.Equal(t, "ops-*", m.GroupMatcherToken())
}

func TestGroupMatcherToken_RoundTrip(t *testing.T) {
	eq := GroupEquals("ops")
	sw := GroupStartsWith("ops-")
	assert.Equal(t, eq, DecodeGroupMatcherToken(eq.GroupMatcherToken()))
	assert.Equal(t, sw, DecodeGroupMatcherToken(sw.GroupMatcherToken()))
}

func TestGroupPaused(t *testing.T) {
	tokens := []string{"ops", "g*"}
	assert.True(t, GroupPaused(tokens, "ops"))
	assert.True(t, GroupPaused(tokens, "gX"))
	assert.False(t, GroupPaused(tokens, "other"))
}

func TestJobKey_String(t *testing.T) {
	k := JobKey{Name: "report", Group: DefaultGroup}
	assert.Equal(t, "DEFAULT.report", k.String())
}

func TestTriggerKey_String(t *testing.T) {
	k := TriggerKey{Name: "hourly", Group: "batch"}
	assert.Equal(t, "batch.hourly", k.String())
}
