package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/triggertype"
)

// LifecycleState is the Scheduler Façade's own state (spec §6): stand-by,
// running, or terminally shut down.
type LifecycleState int

const (
	StateStandBy LifecycleState = iota
	StateRunning
	StateShutdown
)

// Config bundles every tunable the façade wires into its engine
// components.
type Config struct {
	SchedulerName string
	InstanceID    string
	ThreadCount   int

	Loop    LoopConfig
	Misfire MisfireConfig
	Cluster ClusterConfig
}

// Scheduler is the exported façade type (spec §6, §3.7): internal/adapters
// and cmd/schedulerctl are both thin clients of its method set, never
// reimplementing any transition logic themselves.
type Scheduler struct {
	store    store.Store
	clock    clock.Clock
	signaler signaling.WakeSignaler
	registry *Registry
	pool     *RunnerPool
	loop     *Loop
	misfire  *MisfireHandler
	cluster  *ClusterManager

	instanceID    string
	schedulerName string

	mu     sync.Mutex
	state  LifecycleState
	cancel context.CancelFunc

	log logging.Logger
}

// New wires a Scheduler against st using sig as its Signaler transport
// (a *signaling.Channel for single-node, a *redissignal.Broker for
// clustered deployments).
func New(st store.Store, clk clock.Clock, sig signaling.WakeSignaler, cfg Config, log logging.Logger) *Scheduler {
	threadCount := cfg.ThreadCount
	if threadCount <= 0 {
		threadCount = 10
	}
	registry := NewRegistry()
	pool := NewRunnerPool(threadCount, st, registry, clk, cfg.InstanceID, sig, log)
	loop := NewLoop(st, pool, clk, sig, cfg.InstanceID, cfg.Loop, log)
	misfire := NewMisfireHandler(st, clk, sig, cfg.Misfire, log)
	cluster := NewClusterManager(st, clk, sig, cfg.InstanceID, cfg.Cluster, log)

	return &Scheduler{
		store:         st,
		clock:         clk,
		signaler:      sig,
		registry:      registry,
		pool:          pool,
		loop:          loop,
		misfire:       misfire,
		cluster:       cluster,
		instanceID:    cfg.InstanceID,
		schedulerName: cfg.SchedulerName,
		state:         StateStandBy,
		log:           log,
	}
}

// RegisterJobFunc binds a job implementation to the JobDefinition.Type
// discriminator the Job Runner Pool dispatches on.
func (s *Scheduler) RegisterJobFunc(jobType string, fn JobFunc) { s.registry.Register(jobType, fn) }

// State reports the façade's current lifecycle state.
func (s *Scheduler) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions stand-by -> running, recovers this instance's own
// orphaned fired rows from a previous crash, and launches the Scheduler
// Loop, Misfire Handler, and Cluster Manager (spec §6).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateShutdown {
		return errors.Wrap(domain.ErrSchedulerOperation, "cannot start a shut-down scheduler")
	}
	if s.state == StateRunning {
		return nil
	}

	if err := s.cluster.RecoverSelf(ctx); err != nil {
		s.log.Warn("self-recovery failed on start", logging.Err(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loop.SetStandBy(false)

	go s.loop.Run(runCtx)
	go s.misfire.Run(runCtx)
	go s.cluster.Run(runCtx)

	s.state = StateRunning
	return nil
}

// StandBy pauses acquisition of new work; in-flight jobs continue
// running to completion (spec §6).
func (s *Scheduler) StandBy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.loop.SetStandBy(true)
	s.state = StateStandBy
}

// Shutdown is terminal (spec §6, §5): it stops the loop from acquiring
// new work and cancels the Misfire/Cluster timers. If wait is true it
// blocks until every runner slot has drained; otherwise it returns
// immediately and jobs finish on their own.
func (s *Scheduler) Shutdown(wait bool) error {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShutdown
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wait {
		s.pool.Wait()
	}
	return nil
}

// ScheduleJob upserts job and trigger, computing trigger's first fire
// time from its schedule if it has none set (spec §6 scheduleJob).
func (s *Scheduler) ScheduleJob(ctx context.Context, job domain.JobDefinition, trig domain.Trigger) error {
	if err := s.primeFirstFire(ctx, &trig); err != nil {
		return err
	}
	if err := s.store.StoreJobAndTrigger(ctx, job, trig, false); err != nil {
		return err
	}
	s.signaler.SignalSchedulingChange(trig.NextFireTime)
	return nil
}

// ScheduleTrigger is ScheduleJob's counterpart for a job that already
// exists in the store: it adds trig and fails if a trigger with the same
// key is already stored.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, trig domain.Trigger) error {
	if err := s.primeFirstFire(ctx, &trig); err != nil {
		return err
	}
	if err := s.store.StoreTrigger(ctx, trig, false); err != nil {
		return err
	}
	s.signaler.SignalSchedulingChange(trig.NextFireTime)
	return nil
}

func (s *Scheduler) primeFirstFire(ctx context.Context, trig *domain.Trigger) error {
	if trig.NextFireTime != nil || trig.Schedule == nil {
		return nil
	}
	cal := s.resolveCalendar(ctx, trig.Calendar)
	first, ok := trig.Schedule.ComputeFirstFireTime(trig.StartTime, cal)
	if !ok {
		return errors.Wrapf(domain.ErrSchedulerOperation, "trigger %s's schedule never fires from its start time", trig.Key)
	}
	if trig.EndTime != nil && first.After(*trig.EndTime) {
		return errors.Wrapf(domain.ErrSchedulerOperation, "trigger %s's first fire is after its end time", trig.Key)
	}
	trig.NextFireTime = &first
	return nil
}

func (s *Scheduler) resolveCalendar(ctx context.Context, name string) domain.Calendar {
	if name == "" {
		return domain.BaseCalendar{}
	}
	cal, err := s.store.GetCalendar(ctx, name)
	if err != nil {
		return domain.BaseCalendar{}
	}
	return cal
}

// UnscheduleJob deletes a trigger; the store cascades job deletion if the
// job is non-durable and now has no other triggers (spec §6).
func (s *Scheduler) UnscheduleJob(ctx context.Context, key domain.TriggerKey) error {
	trig, err := s.store.GetTrigger(ctx, key)
	if err != nil {
		return err
	}
	if err := s.store.RemoveTrigger(ctx, key); err != nil {
		return err
	}
	if _, err := s.store.GetJob(ctx, trig.JobKey); errors.Is(err, domain.ErrJobNotFound) {
		s.signaler.NotifyJobDeleted(trig.JobKey)
	}
	s.signaler.SignalSchedulingChange(nil)
	return nil
}

// RescheduleJob deletes the trigger at key and inserts replacement in
// WAITING, returning replacement's first fire time. Returns (nil, nil) if
// key did not exist (spec §6).
func (s *Scheduler) RescheduleJob(ctx context.Context, key domain.TriggerKey, replacement domain.Trigger) (*time.Time, error) {
	if _, err := s.store.GetTrigger(ctx, key); errors.Is(err, domain.ErrTriggerNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := s.store.RemoveTrigger(ctx, key); err != nil {
		return nil, err
	}
	if err := s.primeFirstFire(ctx, &replacement); err != nil {
		return nil, err
	}
	if err := s.store.StoreTrigger(ctx, replacement, true); err != nil {
		return nil, err
	}
	s.signaler.SignalSchedulingChange(replacement.NextFireTime)
	return replacement.NextFireTime, nil
}

// PauseJob moves every trigger of jobKey to PAUSED/PAUSED_BLOCKED.
func (s *Scheduler) PauseJob(ctx context.Context, jobKey domain.JobKey) error {
	triggers, err := s.store.GetTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.store.PauseTrigger(ctx, t.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.store.PauseTrigger(ctx, key)
}

// PauseJobs pauses every trigger of every job matching matcher (spec §6
// pauseJobs(matcher)); it does not remember a paused-group for jobs added
// later, since job groups and trigger groups are distinct namespaces.
func (s *Scheduler) PauseJobs(ctx context.Context, matcher domain.Matcher) error {
	keys, err := s.store.GetJobKeys(ctx, matcher)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.PauseJob(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// PauseTriggers pauses every trigger matching matcher and remembers the
// group so triggers added later start PAUSED (spec §6, §S6).
func (s *Scheduler) PauseTriggers(ctx context.Context, matcher domain.Matcher) error {
	return s.store.PauseTriggers(ctx, matcher)
}

// PauseAll pauses every trigger group.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.store.PauseTriggers(ctx, domain.GroupStartsWith(""))
}

func (s *Scheduler) ResumeJob(ctx context.Context, jobKey domain.JobKey) error {
	triggers, err := s.store.GetTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.resumeTriggerAndSignal(ctx, t.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.resumeTriggerAndSignal(ctx, key)
}

func (s *Scheduler) resumeTriggerAndSignal(ctx context.Context, key domain.TriggerKey) error {
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	// spec §6: if nextFireTime < now - threshold on resume, it is
	// immediately scheduled for misfire processing. Signalling a
	// scheduling change is enough to prompt the loop to reconsider; the
	// Misfire Handler's own sweep classifies and resolves the actual
	// misfire on its next cycle.
	trig, err := s.store.GetTrigger(ctx, key)
	if err == nil {
		s.signaler.SignalSchedulingChange(trig.NextFireTime)
	}
	return nil
}

func (s *Scheduler) ResumeJobs(ctx context.Context, matcher domain.Matcher) error {
	keys, err := s.store.GetJobKeys(ctx, matcher)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.ResumeJob(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) ResumeTriggers(ctx context.Context, matcher domain.Matcher) error {
	if err := s.store.ResumeTriggers(ctx, matcher); err != nil {
		return err
	}
	s.signaler.SignalSchedulingChange(nil)
	return nil
}

func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.ResumeTriggers(ctx, domain.GroupStartsWith(""))
}

// TriggerJob inserts a synthetic one-shot trigger firing now with data
// overriding the job's own data map (spec §6 triggerJob).
func (s *Scheduler) TriggerJob(ctx context.Context, jobKey domain.JobKey, data map[string]any) error {
	now := s.clock.Now()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "manual_" + jobKey.Name + "_" + now.Format("20060102T150405.000000000"), Group: domain.DefaultGroup},
		JobKey:       jobKey,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
		Data:         data,
	}
	if err := s.store.StoreTrigger(ctx, trig, false); err != nil {
		return err
	}
	s.signaler.SignalSchedulingChange(&now)
	return nil
}

// Interrupt flips the cancellation flag on every currently-executing
// instance of jobKey, reporting whether at least one matched (spec §6
// interrupt(jobKey)).
func (s *Scheduler) Interrupt(jobKey domain.JobKey) bool { return s.pool.InterruptByJobKey(jobKey) }

// InterruptFire flips the cancellation flag on the execution identified
// by fireInstanceID (spec §6 interrupt(fireInstanceId)).
func (s *Scheduler) InterruptFire(fireInstanceID string) bool {
	return s.pool.InterruptByFireID(fireInstanceID)
}

// Clear deletes all jobs, triggers, calendars, and paused-group records,
// but not scheduler-state records (spec §6).
func (s *Scheduler) Clear(ctx context.Context) error {
	return s.store.ClearAllSchedulingData(ctx)
}

// Store exposes the underlying Store for callers (the admin HTTP layer,
// schedulerctl) that need read-only access the façade doesn't wrap 1:1.
func (s *Scheduler) Store() store.Store { return s.store }
