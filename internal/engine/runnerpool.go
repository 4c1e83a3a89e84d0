package engine

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store"
)

// RunnerPool is the bounded set of worker slots spec §4.4 describes. A
// slot, given a FiredBundle, builds a JobExecutionContext, invokes the
// registered JobFunc, classifies the outcome, and calls
// TriggeredJobComplete on the store. The slot is released back to the
// Scheduler Loop as soon as the JobFunc returns, before the
// TriggeredJobComplete call completes, so the loop can acquire new work
// in parallel with that store round-trip.
type RunnerPool struct {
	slots      chan struct{}
	store      store.Store
	registry   *Registry
	clock      clock.Clock
	instanceID string
	signaler   signaling.Signaler
	log        logging.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	byFireID map[string]*JobExecutionContext
	byJobKey map[domain.JobKey][]*JobExecutionContext
}

// NewRunnerPool returns a pool with n slots (spec's thread-count
// setting).
func NewRunnerPool(n int, st store.Store, registry *Registry, clk clock.Clock, instanceID string, sig signaling.Signaler, log logging.Logger) *RunnerPool {
	if n <= 0 {
		n = 1
	}
	slots := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		slots <- struct{}{}
	}
	return &RunnerPool{
		slots:      slots,
		store:      st,
		registry:   registry,
		clock:      clk,
		instanceID: instanceID,
		signaler:   sig,
		log:        log,
		byFireID:   make(map[string]*JobExecutionContext),
		byJobKey:   make(map[domain.JobKey][]*JobExecutionContext),
	}
}

// Available reports how many slots are currently free, used by the
// Scheduler Loop to bound its batch size.
func (p *RunnerPool) Available() int { return len(p.slots) }

// Acquire blocks until a slot is free or ctx is cancelled.
func (p *RunnerPool) Acquire(ctx context.Context) bool {
	select {
	case <-p.slots:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release returns an already-acquired slot without running anything,
// used by the Scheduler Loop when it decides not to fire what it
// acquired (e.g. the batch came back empty).
func (p *RunnerPool) Release() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Dispatch runs bundle in an already-acquired slot. The caller must have
// obtained that slot via Acquire first.
func (p *RunnerPool) Dispatch(ctx context.Context, bundle store.FiredBundle) {
	p.wg.Add(1)
	go p.run(ctx, bundle)
}

// Wait blocks until every in-flight execution has returned.
func (p *RunnerPool) Wait() { p.wg.Wait() }

func (p *RunnerPool) run(parent context.Context, bundle store.FiredBundle) {
	defer p.wg.Done()

	fireInstanceID := uuid.NewString()
	execCtx, cancel := context.WithCancel(parent)
	defer cancel()

	jec := newJobExecutionContext(execCtx, fireInstanceID, p.instanceID, bundle.Trigger, bundle.Job,
		bundle.PreviousFire, bundle.ScheduledFire, bundle.NextFire, p.clock.Now())
	jec.cancel = cancel

	p.track(jec)

	var execErr error
	fn, ok := p.registry.Lookup(bundle.Job.Type)
	if !ok {
		execErr = errors.Wrapf(domain.ErrJobPersistence, "no job implementation registered for type %q", bundle.Job.Type)
	} else {
		execErr = func() error {
			defer func() {
				if r := recover(); r != nil {
					execErr = domain.AsJobExecutionError(toError(r))
				}
			}()
			return fn(execCtx, jec)
		}()
	}

	// Slot released immediately: the store round-trip below runs with the
	// slot already back in circulation.
	p.Release()
	p.untrack(jec)

	var decision *domain.JobExecutionError
	if execErr != nil {
		decision = domain.AsJobExecutionError(execErr)
		p.log.Warn("job execution failed",
			logging.String("trigger", bundle.Trigger.Key.String()),
			logging.String("job", bundle.Job.Key.String()),
			logging.Err(execErr))
	}

	if persisted := jec.MergedData(); bundle.Job.PersistJobDataAfterExecution {
		bundle.Job.Data = persisted
	}

	if err := p.store.TriggeredJobComplete(parent, bundle.Trigger, bundle.Job, decision); err != nil {
		p.log.Error("triggeredJobComplete failed",
			logging.String("trigger", bundle.Trigger.Key.String()), logging.Err(err))
		p.signaler.NotifyError("triggeredJobComplete failed", err)
		return
	}
	p.signaler.NotifyFinalized(bundle.Trigger)
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.Newf("job panicked: %v", r)
}

func (p *RunnerPool) track(jec *JobExecutionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byFireID[jec.FireInstanceID] = jec
	p.byJobKey[jec.Job.Key] = append(p.byJobKey[jec.Job.Key], jec)
}

func (p *RunnerPool) untrack(jec *JobExecutionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byFireID, jec.FireInstanceID)
	peers := p.byJobKey[jec.Job.Key]
	for i, c := range peers {
		if c == jec {
			p.byJobKey[jec.Job.Key] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(p.byJobKey[jec.Job.Key]) == 0 {
		delete(p.byJobKey, jec.Job.Key)
	}
}

// InterruptByFireID flips the cancellation flag on the execution
// identified by fireInstanceID and cancels its context, reporting
// whether one was found.
func (p *RunnerPool) InterruptByFireID(fireInstanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	jec, ok := p.byFireID[fireInstanceID]
	if !ok {
		return false
	}
	jec.cancelled.Store(true)
	if jec.cancel != nil {
		jec.cancel()
	}
	return true
}

// InterruptByJobKey flips the cancellation flag on every execution of
// jobKey currently running and cancels its context, reporting whether at
// least one matched.
func (p *RunnerPool) InterruptByJobKey(jobKey domain.JobKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := p.byJobKey[jobKey]
	for _, jec := range peers {
		jec.cancelled.Store(true)
		if jec.cancel != nil {
			jec.cancel()
		}
	}
	return len(peers) > 0
}
