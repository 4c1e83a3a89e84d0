package domain

import "time"

// FiredTriggerState is the subset of TriggerState a FiredTrigger row may
// carry: it exists only between acquire and completion.
type FiredTriggerState string

const (
	FiredAcquired  FiredTriggerState = "ACQUIRED"
	FiredExecuting FiredTriggerState = "EXECUTING"
)

// FiredTrigger is a durable record of an in-progress or just-acquired fire
// (spec §3). It exists to survive a crash so another cluster node can
// recover the work.
type FiredTrigger struct {
	EntryID     string
	TriggerKey  TriggerKey
	JobKey      JobKey
	InstanceID  string
	State       FiredTriggerState
	FiredAt     time.Time
	ScheduledAt time.Time
	Priority    int

	NonConcurrent    bool
	RequestsRecovery bool
}
