package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store/memstore"
	"github.com/onpoc/quartznet/internal/triggertype"
)

func TestMisfireHandler_SweepOnce_FireNowRescheduleSimpleTrigger(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j", Group: domain.DefaultGroup}, Type: "noop"}
	missed := now.Add(-5 * time.Minute)
	trig := domain.Trigger{
		Key:                domain.TriggerKey{Name: "t", Group: domain.DefaultGroup},
		JobKey:             job.Key,
		StartTime:          missed,
		NextFireTime:       &missed,
		MisfireInstruction: domain.MisfireSmartPolicy,
		Schedule:           triggertype.NewSimple(time.Minute, -1),
	}
	require.NoError(t, st.StoreJobAndTrigger(ctx, job, trig, false))

	sig := signaling.NewChannel()
	h := NewMisfireHandler(st, fake, sig, MisfireConfig{Threshold: time.Minute, BatchSize: 10}, logging.Nop())

	n, err := h.sweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)
	// SMART_POLICY on a simple trigger resolves to FIRE_NOW: next fire is
	// brought forward to "now", not left five minutes in the past.
	assert.True(t, got.NextFireTime.Equal(now) || got.NextFireTime.After(now.Add(-time.Second)))

	select {
	case misfired := <-sig.Misfired():
		assert.Equal(t, trig.Key, misfired.Key)
	default:
		t.Fatal("expected a misfire notification")
	}
}

func TestMisfireHandler_SweepOnce_IgnoresTriggersNotYetDue(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j2", Group: domain.DefaultGroup}, Type: "noop"}
	future := now.Add(time.Hour)
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t2", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &future,
		Schedule:     triggertype.NewSimple(time.Minute, -1),
	}
	require.NoError(t, st.StoreJobAndTrigger(ctx, job, trig, false))

	sig := signaling.NewChannel()
	h := NewMisfireHandler(st, fake, sig, MisfireConfig{Threshold: time.Minute, BatchSize: 10}, logging.Nop())

	n, err := h.sweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMisfireHandler_SweepOnce_OneShotExhaustsAndFinalizes(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j3", Group: domain.DefaultGroup}, Type: "noop"}
	missed := now.Add(-5 * time.Minute)
	trig := domain.Trigger{
		Key:                domain.TriggerKey{Name: "t3", Group: domain.DefaultGroup},
		JobKey:             job.Key,
		StartTime:          missed,
		NextFireTime:       &missed,
		MisfireInstruction: domain.MisfireRescheduleNextWithExistingCount,
		Schedule:           triggertype.NewSimple(0, 0),
	}
	require.NoError(t, st.StoreJobAndTrigger(ctx, job, trig, false))

	sig := signaling.NewChannel()
	h := NewMisfireHandler(st, fake, sig, MisfireConfig{Threshold: time.Minute, BatchSize: 10}, logging.Nop())

	n, err := h.sweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-sig.Finalized():
	default:
		t.Fatal("expected a finalized notification for a one-shot trigger with no remaining fires")
	}
}
