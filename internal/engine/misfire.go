package engine

import (
	"context"
	"time"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store"
)

// MisfireConfig holds the Misfire Handler's tunables (spec §4.6).
type MisfireConfig struct {
	Threshold time.Duration // default 60s
	BatchSize int           // default 20
}

func (c MisfireConfig) withDefaults() MisfireConfig {
	if c.Threshold <= 0 {
		c.Threshold = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	return c
}

// MisfireHandler is the background sweeper of spec §4.6: it promotes
// stale WAITING triggers, applies the trigger type's misfire policy
// (consulted through domain.ScheduleSpec.UpdateAfterMisfire, never
// branching on the concrete type), and recomputes the next fire time.
type MisfireHandler struct {
	store    store.Store
	clock    clock.Clock
	signaler signaling.Signaler
	cfg      MisfireConfig
	log      logging.Logger
}

func NewMisfireHandler(st store.Store, clk clock.Clock, sig signaling.Signaler, cfg MisfireConfig, log logging.Logger) *MisfireHandler {
	return &MisfireHandler{store: st, clock: clk, signaler: sig, cfg: cfg.withDefaults(), log: log}
}

// Run loops sweeping until ctx is cancelled. If a sweep consumes the full
// batch size, it loops immediately (more misfires likely remain);
// otherwise it sleeps for min(threshold, 60s).
func (h *MisfireHandler) Run(ctx context.Context) {
	sleepDur := h.cfg.Threshold
	if sleepDur > 60*time.Second {
		sleepDur = 60 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := h.sweepOnce(ctx)
		if err != nil {
			h.log.Warn("misfire sweep failed", logging.Err(err))
			h.signaler.NotifyError("misfire sweep failed", err)
		}
		if err == nil && n >= h.cfg.BatchSize {
			continue
		}
		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// sweepOnce runs exactly one sweep cycle, returning how many triggers it
// processed.
func (h *MisfireHandler) sweepOnce(ctx context.Context) (int, error) {
	now := h.clock.Now()
	cutoff := now.Add(-h.cfg.Threshold)

	triggers, err := h.store.GetMisfiredTriggers(ctx, cutoff, h.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, trig := range triggers {
		if trig.NextFireTime == nil || trig.Schedule == nil {
			continue
		}
		cal := h.resolveCalendar(ctx, trig.Calendar)

		next, ok := trig.Schedule.UpdateAfterMisfire(trig.MisfireInstruction, *trig.NextFireTime, now, cal)

		var nextPtr *time.Time
		if ok {
			nextPtr = &next
		}

		if err := h.store.UpdateTriggerFireTimes(ctx, trig.Key, nextPtr); err != nil {
			h.log.Warn("updateTriggerFireTimes failed after misfire",
				logging.String("trigger", trig.Key.String()), logging.Err(err))
			continue
		}

		h.signaler.NotifyMisfired(trig)
		if nextPtr == nil {
			h.signaler.NotifyFinalized(trig)
			continue
		}
		h.signaler.SignalSchedulingChange(nextPtr)
	}
	return len(triggers), nil
}

func (h *MisfireHandler) resolveCalendar(ctx context.Context, name string) domain.Calendar {
	if name == "" {
		return domain.BaseCalendar{}
	}
	cal, err := h.store.GetCalendar(ctx, name)
	if err != nil {
		return domain.BaseCalendar{}
	}
	return cal
}
