// Package triggertype provides example trigger-type implementations of
// domain.ScheduleSpec. These are external collaborators per spec §6: the
// core never branches on which of these is in use, only calls through the
// interface.
package triggertype

import (
	"time"

	"github.com/onpoc/quartznet/internal/domain"
)

// maxCalendarScan bounds how many candidate instants a schedule will try
// before giving up on finding one the calendar doesn't exclude.
const maxCalendarScan = 1000

// Simple is a one-shot or fixed-interval trigger, the ancestor of
// spec §4.6's "simple triggers" case for FIRE_NOW misfire handling.
//
// RepeatInterval == 0 means fire exactly once. RepeatCount < 0 means
// repeat indefinitely; RepeatCount >= 0 means fire 1+RepeatCount times
// total.
type Simple struct {
	RepeatInterval time.Duration
	RepeatCount    int

	timesFired int
	exhausted  bool
}

func NewSimple(repeatInterval time.Duration, repeatCount int) *Simple {
	return &Simple{RepeatInterval: repeatInterval, RepeatCount: repeatCount}
}

// simpleState is the wire shape stores persist Simple's mutable state as
// (spec §6: "the core consumes each trigger type only through ... reading
// and writing the type's state").
type simpleState struct {
	RepeatInterval time.Duration `json:"repeatInterval"`
	RepeatCount    int           `json:"repeatCount"`
	TimesFired     int           `json:"timesFired"`
	Exhausted      bool          `json:"exhausted"`
}

func (s *Simple) marshalState() simpleState {
	return simpleState{
		RepeatInterval: s.RepeatInterval,
		RepeatCount:    s.RepeatCount,
		TimesFired:     s.timesFired,
		Exhausted:      s.exhausted,
	}
}

func newSimpleFromState(st simpleState) *Simple {
	return &Simple{
		RepeatInterval: st.RepeatInterval,
		RepeatCount:    st.RepeatCount,
		timesFired:     st.TimesFired,
		exhausted:      st.Exhausted,
	}
}

func (s *Simple) Kind() string { return "simple" }

func (s *Simple) ComputeFirstFireTime(startTime time.Time, cal domain.Calendar) (time.Time, bool) {
	candidate := startTime
	step := s.RepeatInterval
	if step <= 0 {
		step = time.Second
	}
	for i := 0; i < maxCalendarScan; i++ {
		if cal == nil || cal.IsTimeIncluded(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(step)
	}
	return time.Time{}, false
}

func (s *Simple) ComputeNextFireTime(afterTime time.Time, cal domain.Calendar) (time.Time, bool) {
	if s.RepeatInterval <= 0 {
		// One-shot: afterTime was the only fire.
		s.exhausted = true
		return time.Time{}, false
	}
	if s.RepeatCount >= 0 && s.timesFired >= s.RepeatCount {
		s.exhausted = true
		return time.Time{}, false
	}

	candidate := afterTime
	for i := 0; i < maxCalendarScan; i++ {
		candidate = candidate.Add(s.RepeatInterval)
		if cal == nil || cal.IsTimeIncluded(candidate) {
			s.timesFired++
			if s.RepeatCount >= 0 && s.timesFired >= s.RepeatCount {
				s.exhausted = true
			}
			return candidate, true
		}
	}
	s.exhausted = true
	return time.Time{}, false
}

func (s *Simple) UpdateAfterMisfire(instr domain.MisfireInstruction, currentNext, now time.Time, cal domain.Calendar) (time.Time, bool) {
	switch instr {
	case domain.MisfireIgnore:
		return currentNext, true
	case domain.MisfireRescheduleNextWithExistingCount, domain.MisfireRescheduleNextWithRemainingCount:
		return s.ComputeNextFireTime(now, cal)
	case domain.MisfireFireNow, domain.MisfireSmartPolicy:
		fallthrough
	default:
		// SMART_POLICY for a simple trigger resolves to FIRE_NOW (spec §9:
		// the mapping is type-specific and reproduced verbatim per type).
		return now, true
	}
}

func (s *Simple) MayFireAgain() bool {
	return !s.exhausted
}
