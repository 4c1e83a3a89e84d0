package domain

import "strings"

// JobKey identifies a JobDefinition by (name, group).
type JobKey struct {
	Name  string
	Group string
}

func (k JobKey) String() string { return k.Group + "." + k.Name }

// TriggerKey identifies a Trigger by (name, group).
type TriggerKey struct {
	Name  string
	Group string
}

func (k TriggerKey) String() string { return k.Group + "." + k.Name }

const DefaultGroup = "DEFAULT"

// RecoveringJobsGroup is the group synthetic recovery triggers are created
// in (spec §4.5.1).
const RecoveringJobsGroup = "RECOVERING_JOBS"

// Matcher selects a subset of job or trigger groups for the group-wide
// façade operations (pauseJobs(matcher), pauseTriggers(matcher)).
type Matcher struct {
	kind  matcherKind
	value string
}

type matcherKind int

const (
	matcherEquals matcherKind = iota
	matcherStartsWith
)

// GroupEquals matches triggers/jobs whose group is exactly group.
func GroupEquals(group string) Matcher { return Matcher{kind: matcherEquals, value: group} }

// GroupStartsWith matches triggers/jobs whose group has the given prefix.
func GroupStartsWith(prefix string) Matcher { return Matcher{kind: matcherStartsWith, value: prefix} }

func (m Matcher) MatchesGroup(group string) bool {
	switch m.kind {
	case matcherStartsWith:
		return strings.HasPrefix(group, m.value)
	default:
		return group == m.value
	}
}

// GroupMatcherToken encodes the matcher for PausedTriggerGroup
// persistence: an equals matcher becomes its literal group name; a
// starts-with matcher becomes its prefix with a trailing "*" glob marker,
// matching the "g*" notation spec §6's own example uses. This is the
// value stores must remember so a later-added trigger's group can be
// checked against the matcher itself, not just the prefix string (spec
// §6, §S6).
func (m Matcher) GroupMatcherToken() string {
	if m.kind == matcherStartsWith {
		return m.value + "*"
	}
	return m.value
}

// DecodeGroupMatcherToken reverses GroupMatcherToken.
func DecodeGroupMatcherToken(token string) Matcher {
	if strings.HasSuffix(token, "*") {
		return GroupStartsWith(strings.TrimSuffix(token, "*"))
	}
	return GroupEquals(token)
}

// GroupPaused reports whether group is paused given the stored set of
// paused-group tokens: a trigger stored into group starts PAUSED if any
// remembered matcher token matches it (spec §6, §S6).
func GroupPaused(tokens []string, group string) bool {
	for _, tok := range tokens {
		if DecodeGroupMatcherToken(tok).MatchesGroup(group) {
			return true
		}
	}
	return false
}
