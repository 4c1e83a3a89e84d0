package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store"
)

// ClusterConfig holds the Cluster Manager's tunables (spec §4.5). Tolerance
// defaults to one full CheckInInterval beyond the stored interval per
// spec §9's "implementers should add a tolerance (>= one full interval)".
type ClusterConfig struct {
	CheckInInterval time.Duration // default 15s
	Tolerance       time.Duration // default == CheckInInterval
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.CheckInInterval <= 0 {
		c.CheckInInterval = 15 * time.Second
	}
	if c.Tolerance <= 0 {
		c.Tolerance = c.CheckInInterval
	}
	return c
}

// ClusterManager runs check-in and failed-peer recovery on every node
// (spec §4.5). Its own orphaned rows from a previous crash are recovered
// via the same RecoverJobs call, applied once to self.instanceID on
// Start.
type ClusterManager struct {
	store      store.Store
	clock      clock.Clock
	signaler   signaling.Signaler
	instanceID string
	cfg        ClusterConfig
	log        logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClusterManager(st store.Store, clk clock.Clock, sig signaling.Signaler, instanceID string, cfg ClusterConfig, log logging.Logger) *ClusterManager {
	return &ClusterManager{
		store:      st,
		clock:      clk,
		signaler:   sig,
		instanceID: instanceID,
		cfg:        cfg.withDefaults(),
		log:        log,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// RecoverSelf runs the recovery procedure against this node's own
// instanceID, for rows orphaned by a previous crash of this same process
// identity. Call once before the Scheduler Loop starts acquiring work.
func (m *ClusterManager) RecoverSelf(ctx context.Context) error {
	_, err := m.store.RecoverJobs(ctx, m.instanceID)
	return err
}

// Run loops check-in + failed-peer recovery at CheckInInterval until ctx
// is cancelled.
func (m *ClusterManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.cycle(ctx); err != nil {
				m.log.Warn("cluster manager cycle failed", logging.Err(err))
				m.signaler.NotifyError("cluster manager cycle failed", err)
			}
		}
	}
}

func (m *ClusterManager) cycle(ctx context.Context) error {
	now := m.clock.Now()

	// Step 1: STATE_ACCESS-guarded check-in.
	if err := m.store.CheckIn(ctx, m.instanceID, now, m.cfg.CheckInInterval); err != nil {
		return err
	}

	// Step 2: find peers whose check-in is stale beyond tolerance.
	failed, err := m.store.FindFailedInstances(ctx, now, m.cfg.Tolerance)
	if err != nil {
		return err
	}

	// Step 3: TRIGGER_ACCESS-guarded recovery, one failed peer at a time.
	for _, peer := range failed {
		if peer.InstanceID == m.instanceID {
			continue
		}
		recovered, err := m.store.RecoverJobs(ctx, peer.InstanceID)
		if err != nil {
			m.log.Warn("recoverJobs failed", logging.String("instance", peer.InstanceID), logging.Err(err))
			continue
		}
		if m.limiter(peer.InstanceID).Allow() {
			m.log.Warn("recovered failed peer",
				logging.String("instance", peer.InstanceID),
				logging.Int("recovery_triggers", len(recovered)))
		}
		for _, r := range recovered {
			m.signaler.SignalSchedulingChange(r.Trigger.NextFireTime)
		}
	}
	return nil
}

// limiter returns a per-instance rate limiter, lazily created, so a
// long-dead peer logs at most once per Tolerance window instead of
// spamming every cycle.
func (m *ClusterManager) limiter(instanceID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[instanceID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.Tolerance), 1)
		m.limiters[instanceID] = lim
	}
	return lim
}
