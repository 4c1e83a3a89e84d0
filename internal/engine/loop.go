package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store"
)

// LoopConfig holds the Scheduler Loop's tunables (spec §4.3).
type LoopConfig struct {
	IdleWaitTime    time.Duration // default 30s
	BatchTimeWindow time.Duration // default 0: strictly-due only
	MaxBatchSize    int           // default 1

	DBFailureRetryInterval time.Duration // spec §7
	MaxRetries             int
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.IdleWaitTime <= 0 {
		c.IdleWaitTime = 30 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1
	}
	if c.DBFailureRetryInterval <= 0 {
		c.DBFailureRetryInterval = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Loop is the single long-running worker per scheduler instance
// implementing spec §4.3's acquire-fire-complete cycle.
type Loop struct {
	store      store.Store
	pool       *RunnerPool
	clock      clock.Clock
	signaler   signaling.WakeSignaler
	instanceID string
	log        logging.Logger

	cfg LoopConfig

	// standby gates new acquisition (spec §6 standBy); a shutdown-time
	// cancel of runCtx stops the loop outright.
	standby atomic.Bool
}

// NewLoop wires a Loop. cfg is copied and defaulted.
func NewLoop(st store.Store, pool *RunnerPool, clk clock.Clock, sig signaling.WakeSignaler, instanceID string, cfg LoopConfig, log logging.Logger) *Loop {
	return &Loop{
		store:      st,
		pool:       pool,
		clock:      clk,
		signaler:   sig,
		instanceID: instanceID,
		cfg:        cfg.withDefaults(),
		log:        log,
	}
}

// SetStandBy toggles whether the loop is allowed to acquire new work
// (spec §6 standBy/start). In-flight executions are never affected.
func (l *Loop) SetStandBy(standby bool) { l.standby.Store(standby) }

func (l *Loop) isStandBy() bool { return l.standby.Load() }

// Run executes the loop's cycle until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if l.isStandBy() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		if !l.pool.Acquire(ctx) {
			return
		}

		n := l.pool.Available() + 1 // the slot we just took counts too
		if n > l.cfg.MaxBatchSize {
			n = l.cfg.MaxBatchSize
		}

		now := l.clock.Now()
		noLaterThan := now.Add(l.cfg.IdleWaitTime)

		acquired, err := l.store.AcquireNextTriggers(ctx, l.instanceID, noLaterThan, n, l.cfg.BatchTimeWindow)
		if err != nil {
			l.pool.Release()
			retries++
			l.signaler.NotifyError("acquireNextTriggers failed", err)
			if retries > l.cfg.MaxRetries {
				l.log.Error("acquireNextTriggers repeatedly failing; backing off", logging.Err(err))
			}
			if !l.sleep(ctx, l.cfg.DBFailureRetryInterval) {
				return
			}
			continue
		}
		retries = 0

		if len(acquired) == 0 {
			l.pool.Release()
			if !l.waitForWork(ctx, l.cfg.IdleWaitTime) {
				return
			}
			continue
		}

		// Take one more slot for each trigger beyond the first; if a slot
		// cannot be had, release the rest of the batch back to the store.
		for i := 1; i < len(acquired); i++ {
			if !l.pool.Acquire(ctx) {
				l.releaseTriggers(ctx, acquired[i:])
				acquired = acquired[:i]
				break
			}
		}

		earliest := earliestFire(acquired)
		if wait := earliest.Sub(l.clock.Now()); wait > 0 {
			if !l.waitForEarliest(ctx, wait, earliest, acquired) {
				continue // batch was released inside waitForEarliest
			}
		}

		keys := make([]domain.TriggerKey, len(acquired))
		for i, t := range acquired {
			keys[i] = t.Key
		}
		bundles, err := l.store.TriggersFired(ctx, keys)
		if err != nil {
			l.log.Error("triggersFired failed", logging.Err(err))
			l.signaler.NotifyError("triggersFired failed", err)
			l.releaseTriggers(ctx, acquired)
			continue
		}

		fired := make(map[domain.TriggerKey]bool, len(bundles))
		for _, b := range bundles {
			fired[b.Trigger.Key] = true
			l.pool.Dispatch(context.Background(), b)
		}
		for _, t := range acquired {
			if !fired[t.Key] {
				// rejected: deleted out from underneath between acquire and
				// fire. The store has already dropped its FiredTrigger row
				// for it; give back the slot we reserved for it.
				l.pool.Release()
			}
		}
	}
}

func earliestFire(triggers []domain.Trigger) time.Time {
	earliest := triggers[0].NextFireTime
	for _, t := range triggers[1:] {
		if t.NextFireTime != nil && (earliest == nil || t.NextFireTime.Before(*earliest)) {
			earliest = t.NextFireTime
		}
	}
	if earliest == nil {
		return time.Time{}
	}
	return *earliest
}

func (l *Loop) releaseTriggers(ctx context.Context, triggers []domain.Trigger) {
	for _, t := range triggers {
		if err := l.store.ReleaseAcquiredTrigger(ctx, t.Key); err != nil {
			l.log.Warn("releaseAcquiredTrigger failed", logging.String("trigger", t.Key.String()), logging.Err(err))
		}
		l.pool.Release()
	}
}

// waitForWork sleeps up to idleWait or until the Signaler wakes the loop,
// reporting false if ctx was cancelled.
func (l *Loop) waitForWork(ctx context.Context, idleWait time.Duration) bool {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-l.signaler.Wake():
		return true
	}
}

// waitForEarliest sleeps until earliest. If the Signaler reports a
// candidate strictly earlier than earliest during the sleep, the whole
// batch is released back to WAITING and the loop restarts (spec §4.3
// step 4). Returns true if the sleep completed normally (proceed to
// fire), false if the batch was released and the caller should restart.
func (l *Loop) waitForEarliest(ctx context.Context, wait time.Duration, earliest time.Time, batch []domain.Trigger) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.releaseTriggers(context.Background(), batch)
			return false
		case <-timer.C:
			return true
		case <-l.signaler.Wake():
			cand := l.signaler.TakeCandidate()
			if cand != nil && cand.Before(earliest) {
				l.releaseTriggers(ctx, batch)
				return false
			}
			// Not earlier than what we're already waiting on; keep waiting.
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
