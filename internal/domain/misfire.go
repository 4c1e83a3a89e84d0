package domain

// MisfireInstruction selects how a trigger's misfire is resolved (spec
// §4.6). The instruction is stored on the Trigger; the actual policy is
// applied by the trigger type (an external collaborator per spec §6), but
// the instruction codes themselves are shared vocabulary the core must
// know about.
type MisfireInstruction int

const (
	// MisfireSmartPolicy lets the trigger type pick its own resolution
	// based on its own parameters. This is the default.
	MisfireSmartPolicy MisfireInstruction = 0

	// MisfireIgnore keeps nextFireTime untouched.
	MisfireIgnore MisfireInstruction = 1

	// MisfireFireNow sets nextFireTime to now. Meaningful for simple
	// (one-shot/interval) triggers.
	MisfireFireNow MisfireInstruction = 2

	// MisfireRescheduleNextWithExistingCount advances the schedule to the
	// next instant at or after now without changing any remaining-repeat
	// bookkeeping.
	MisfireRescheduleNextWithExistingCount MisfireInstruction = 3

	// MisfireRescheduleNextWithRemainingCount advances the schedule to the
	// next instant at or after now, decrementing a remaining repeat count
	// if the trigger type tracks one.
	MisfireRescheduleNextWithRemainingCount MisfireInstruction = 4
)
