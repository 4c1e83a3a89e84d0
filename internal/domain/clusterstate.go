package domain

import "time"

// SchedulerStateRecord is one cluster node's liveness row (spec §3). A
// node is considered failed when now-lastCheckIn exceeds
// checkInInterval plus a tolerance the Cluster Manager configures.
type SchedulerStateRecord struct {
	InstanceID      string
	LastCheckIn     time.Time
	CheckInInterval time.Duration
}

// PausedTriggerGroup remembers a paused group name so triggers later added
// into that group start PAUSED (spec §3, §S6).
type PausedTriggerGroup struct {
	Group string
}
