// Package engine implements the core of spec §4: the acquire-fire-complete
// pipeline (Scheduler Loop + Job Runner Pool), the Misfire Handler, the
// Cluster Manager, and the Scheduler Façade lifecycle that wires them
// together. Every core component is written against store.Store and
// signaling.Signaler only; it never branches on which backend or
// transport is in use.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onpoc/quartznet/internal/domain"
)

// JobFunc is the boundary the core dispatches an application's job
// implementation through (spec §6's job "execute(context)" operation).
// Registered per JobDefinition.Type; the core never does anything with
// Type beyond this lookup.
type JobFunc func(ctx context.Context, jec *JobExecutionContext) error

// JobExecutionContext carries everything a JobFunc needs about the fire
// that invoked it: the trigger and job as of firing, the merged data map
// (trigger.Data overrides job.Data, spec §3), and the previous/scheduled
// fire times. SaveData mutations are written back to the job's stored
// data map only if the job declared PersistJobDataAfterExecution.
type JobExecutionContext struct {
	FireInstanceID string
	InstanceID     string

	Trigger domain.Trigger
	Job     domain.JobDefinition

	PreviousFireTime *time.Time
	ScheduledFireTime time.Time
	NextFireTime      *time.Time
	FiredAt           time.Time

	data map[string]any

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func newJobExecutionContext(ctx context.Context, fireInstanceID, instanceID string, trig domain.Trigger, job domain.JobDefinition, prev *time.Time, scheduled time.Time, next *time.Time, firedAt time.Time) *JobExecutionContext {
	merged := make(map[string]any, len(job.Data)+len(trig.Data))
	for k, v := range job.Data {
		merged[k] = v
	}
	for k, v := range trig.Data {
		merged[k] = v
	}
	return &JobExecutionContext{
		FireInstanceID:    fireInstanceID,
		InstanceID:        instanceID,
		Trigger:           trig,
		Job:               job,
		PreviousFireTime:  prev,
		ScheduledFireTime: scheduled,
		NextFireTime:      next,
		FiredAt:           firedAt,
		data:              merged,
		ctx:               ctx,
	}
}

// Context returns the cancellable context the job should observe for
// cooperative interruption (spec §5's interrupt(jobKey)/interrupt(fireId)).
func (j *JobExecutionContext) Context() context.Context { return j.ctx }

// MergedData returns the data map merging Job.Data and any Trigger.Data
// override (spec §3).
func (j *JobExecutionContext) MergedData() map[string]any { return j.data }

// SaveData replaces the data map that will be written back to the job's
// stored data if PersistJobDataAfterExecution is set.
func (j *JobExecutionContext) SaveData(data map[string]any) { j.data = data }

// Cancelled reports whether interrupt(jobKey) / interrupt(fireId) has
// flipped this execution's cancellation flag. Cooperation is the job's
// responsibility (spec §5).
func (j *JobExecutionContext) Cancelled() bool { return j.cancelled.Load() }

// Registry maps a JobDefinition's Type discriminator to the JobFunc that
// implements it.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

func NewRegistry() *Registry { return &Registry{funcs: make(map[string]JobFunc)} }

func (r *Registry) Register(jobType string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[jobType] = fn
}

func (r *Registry) Lookup(jobType string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[jobType]
	return fn, ok
}
