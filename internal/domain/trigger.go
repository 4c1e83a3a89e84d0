package domain

import "time"

// ScheduleSpec is the boundary the core consumes a trigger type's schedule
// semantics through (spec §6). Cron expressions, fixed intervals, and
// calendar-interval schedules are all external collaborators implementing
// this interface; the core never branches on a trigger's concrete type.
type ScheduleSpec interface {
	// Kind names the trigger type for storage/serialization purposes only.
	Kind() string

	// ComputeFirstFireTime returns the first instant at or after
	// startTime that is not excluded by cal. ok is false if the schedule
	// can never fire (e.g. an end time before any candidate instant).
	ComputeFirstFireTime(startTime time.Time, cal Calendar) (t time.Time, ok bool)

	// ComputeNextFireTime returns the first instant strictly after
	// afterTime that is not excluded by cal. ok is false if the schedule
	// has no more fires.
	ComputeNextFireTime(afterTime time.Time, cal Calendar) (t time.Time, ok bool)

	// UpdateAfterMisfire resolves a misfire per instr, given the trigger's
	// current next-fire time and now, and returns the trigger's new
	// next-fire time. ok is false if the trigger should move to COMPLETE.
	UpdateAfterMisfire(instr MisfireInstruction, currentNext, now time.Time, cal Calendar) (t time.Time, ok bool)

	// MayFireAgain reports whether this schedule could ever produce
	// another fire (used by callers that want to distinguish "exhausted"
	// from "temporarily has no computed next fire").
	MayFireAgain() bool
}

// Trigger is a schedule attached to a job (spec §3). Invariant: StartTime
// <= NextFireTime <= EndTime when all three are defined; a trigger with a
// nil NextFireTime is COMPLETE or in ERROR.
type Trigger struct {
	Key      TriggerKey
	JobKey   JobKey
	Calendar string // calendar name, "" if none

	Priority int

	StartTime        time.Time
	EndTime          *time.Time
	PreviousFireTime *time.Time
	NextFireTime     *time.Time

	MisfireInstruction MisfireInstruction

	Schedule ScheduleSpec

	// Data overrides the job's data map for this trigger's firings only,
	// when non-nil.
	Data map[string]any

	State TriggerState
}

// Clone returns a deep-enough copy (Data and the time pointers) so the
// caller can freely mutate the result without aliasing store state.
func (t Trigger) Clone() Trigger {
	clone := t
	if t.EndTime != nil {
		et := *t.EndTime
		clone.EndTime = &et
	}
	if t.PreviousFireTime != nil {
		pt := *t.PreviousFireTime
		clone.PreviousFireTime = &pt
	}
	if t.NextFireTime != nil {
		nt := *t.NextFireTime
		clone.NextFireTime = &nt
	}
	if t.Data != nil {
		clone.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			clone.Data[k] = v
		}
	}
	return clone
}

// CompareForAcquire orders triggers the way acquireNextTriggers must
// return them: nextFireTime ascending, priority descending, name
// ascending (spec §4.2).
func CompareForAcquire(a, b Trigger) bool {
	an, bn := fireTimeOrMax(a.NextFireTime), fireTimeOrMax(b.NextFireTime)
	if !an.Equal(bn) {
		return an.Before(bn)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Key.Name < b.Key.Name
}

func fireTimeOrMax(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(1<<62, 0)
	}
	return *t
}
