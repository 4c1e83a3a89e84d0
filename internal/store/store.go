// Package store defines the transactional contract every persistence
// backend (in-memory, embeddable SQLite, clustered Postgres) must satisfy
// (spec §4.2). The scheduler engine is written entirely against the Store
// interface; it never branches on which backend is in use.
package store

import (
	"context"
	"time"

	"github.com/onpoc/quartznet/internal/domain"
)

// FiredBundle is what triggersFired hands back per successfully-fired
// trigger: everything the Job Runner Pool needs to build a
// JobExecutionContext, without a second round-trip to the store.
type FiredBundle struct {
	Trigger          domain.Trigger
	Job              domain.JobDefinition
	ResolvedCalendar domain.Calendar
	PreviousFire     *time.Time
	ScheduledFire    time.Time
	NextFire         *time.Time
}

// FailedInstance is one row findFailedInstances reports: a peer whose
// check-in has gone stale past tolerance.
type FailedInstance struct {
	InstanceID  string
	LastCheckIn time.Time
}

// RecoveredTrigger is a synthesized RECOVERING_JOBS trigger produced by
// recoverJobs, returned so the caller can log/signal about it without a
// second read.
type RecoveredTrigger struct {
	Trigger           domain.Trigger
	OriginalKey       domain.TriggerKey
	OriginalFireTime  time.Time
	ScheduledFireTime time.Time
}

// Store is the Job Store contract of spec §4.2. Every method is expected
// to be transactional: it either commits as a whole or leaves state
// unchanged. Implementations serialize TRIGGER_ACCESS and STATE_ACCESS
// according to their own locking primitive (a mutex, a Postgres advisory
// lock, ...); callers never acquire locks directly.
type Store interface {
	// StoreJobAndTrigger upserts job, then inserts trigger in WAITING (or
	// PAUSED if trigger's group is remembered paused). Returns
	// domain.ErrObjectAlreadyExists if !replaceExisting and the trigger's
	// key already exists.
	StoreJobAndTrigger(ctx context.Context, job domain.JobDefinition, trigger domain.Trigger, replaceExisting bool) error

	// StoreJob upserts a job definition on its own, with no trigger.
	StoreJob(ctx context.Context, job domain.JobDefinition, replaceExisting bool) error

	// StoreTrigger inserts or replaces a trigger against an already-stored
	// job.
	StoreTrigger(ctx context.Context, trigger domain.Trigger, replaceExisting bool) error

	// RemoveJob deletes a job and every trigger that references it.
	// Reports domain.ErrJobNotFound if absent.
	RemoveJob(ctx context.Context, key domain.JobKey) error

	// RemoveTrigger deletes a trigger. If the trigger's job is
	// non-durable and has no other triggers left, the job is deleted too.
	// Reports domain.ErrTriggerNotFound if absent.
	RemoveTrigger(ctx context.Context, key domain.TriggerKey) error

	// GetJob returns the stored job definition.
	GetJob(ctx context.Context, key domain.JobKey) (domain.JobDefinition, error)

	// GetTrigger returns the stored trigger, including its current state.
	GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)

	// GetTriggersForJob lists every trigger referencing job.
	GetTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error)

	// GetJobKeys / GetTriggerKeys list keys whose group matches matcher.
	GetJobKeys(ctx context.Context, matcher domain.Matcher) ([]domain.JobKey, error)
	GetTriggerKeys(ctx context.Context, matcher domain.Matcher) ([]domain.TriggerKey, error)

	// PauseTrigger / ResumeTrigger move a single trigger between WAITING
	// (or BLOCKED) and its PAUSED counterpart.
	PauseTrigger(ctx context.Context, key domain.TriggerKey) error
	ResumeTrigger(ctx context.Context, key domain.TriggerKey) error

	// PauseTriggers / ResumeTriggers apply to every trigger in a matched
	// group, and remember the group as paused so triggers added to it
	// later (spec §S6) start PAUSED.
	PauseTriggers(ctx context.Context, matcher domain.Matcher) error
	ResumeTriggers(ctx context.Context, matcher domain.Matcher) error

	// IsGroupPaused reports whether group is currently remembered paused.
	IsGroupPaused(ctx context.Context, group string) (bool, error)

	// StoreCalendar / GetCalendar / RemoveCalendar register the named
	// Calendar a Trigger's Calendar field refers to; triggersFired
	// resolves a trigger's calendar through this registry into the
	// bundle's ResolvedCalendar.
	StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replaceExisting bool) error
	GetCalendar(ctx context.Context, name string) (domain.Calendar, error)
	RemoveCalendar(ctx context.Context, name string) error

	// AcquireNextTriggers implements spec §4.2's acquireNextTriggers:
	// returns up to maxCount WAITING triggers due at or before
	// noLaterThan+timeWindow, atomically marked ACQUIRED and bound to
	// instanceID via a new FiredTrigger row.
	AcquireNextTriggers(ctx context.Context, instanceID string, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error)

	// TriggersFired implements spec §4.2's triggersFired: advances each
	// acquired trigger's schedule, applies the resulting state transition,
	// and flips its FiredTrigger row ACQUIRED->EXECUTING. Triggers deleted
	// out from underneath are simply omitted from the result.
	TriggersFired(ctx context.Context, keys []domain.TriggerKey) ([]FiredBundle, error)

	// TriggeredJobComplete implements spec §4.2's triggeredJobComplete:
	// applies decision's post-execution directive, deletes trigger's
	// FiredTrigger row, persists job's data map if
	// PersistJobDataAfterExecution, and releases any BLOCKED peers of the
	// same job. decision is nil on a successful execution.
	TriggeredJobComplete(ctx context.Context, trigger domain.Trigger, job domain.JobDefinition, decision *domain.JobExecutionError) error

	// ReleaseAcquiredTrigger returns an ACQUIRED trigger to WAITING and
	// deletes its FiredTrigger row, for clean shutdown or a scheduler
	// loop that decides not to fire what it acquired.
	ReleaseAcquiredTrigger(ctx context.Context, key domain.TriggerKey) error

	// GetMisfiredTriggers returns up to limit WAITING triggers whose
	// NextFireTime is at or before cutoff, for the Misfire Handler sweep.
	GetMisfiredTriggers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trigger, error)

	// UpdateTriggerFireTimes persists a trigger's new NextFireTime after
	// misfire resolution, moving it to COMPLETE if next is nil.
	UpdateTriggerFireTimes(ctx context.Context, key domain.TriggerKey, next *time.Time) error

	// CheckIn implements spec §4.5's per-cycle liveness update, under
	// STATE_ACCESS.
	CheckIn(ctx context.Context, instanceID string, now time.Time, interval time.Duration) error

	// FindFailedInstances implements spec §4.5 step 2: peers whose
	// check-in is stale beyond their own interval plus tolerance.
	FindFailedInstances(ctx context.Context, now time.Time, tolerance time.Duration) ([]FailedInstance, error)

	// RecoverJobs implements spec §4.5.1 for one failed (or restarting)
	// instance: synthesizes RECOVERING_JOBS triggers for every fired row
	// that requested recovery, returns its other in-flight triggers to a
	// sane state, then deletes the instance's fired rows and state
	// record.
	RecoverJobs(ctx context.Context, instanceID string) ([]RecoveredTrigger, error)

	// ClearAllSchedulingData wipes every job, trigger, fired row, paused
	// group, and calendar. Scheduler state (check-in) records are kept.
	ClearAllSchedulingData(ctx context.Context) error

	// Close releases any resources (connections, pools) the backend
	// holds.
	Close() error
}
