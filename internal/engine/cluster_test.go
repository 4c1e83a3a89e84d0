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

func TestClusterManager_Cycle_RecoversFailedPeer(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j", Group: domain.DefaultGroup}, Type: "noop", RequestsRecovery: true}
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, st.StoreJobAndTrigger(ctx, job, trig, false))

	// peer-1 checks in, acquires and fires the trigger, then goes silent.
	require.NoError(t, st.CheckIn(ctx, "peer-1", now, 15*time.Second))
	acquired, err := st.AcquireNextTriggers(ctx, "peer-1", now.Add(time.Second), 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	keys := []domain.TriggerKey{acquired[0].Key}
	_, err = st.TriggersFired(ctx, keys)
	require.NoError(t, err)

	// self checks in at a much later time; peer-1's check-in is now stale
	// well beyond its interval + tolerance.
	fake.Advance(time.Hour)
	sig := signaling.NewChannel()
	mgr := NewClusterManager(st, fake, sig, "self", ClusterConfig{CheckInInterval: 15 * time.Second, Tolerance: 15 * time.Second}, logging.Nop())
	require.NoError(t, mgr.cycle(ctx))

	keysAfter, err := st.GetTriggerKeys(ctx, domain.GroupEquals(domain.RecoveringJobsGroup))
	require.NoError(t, err)
	assert.Len(t, keysAfter, 1, "cycle should have synthesized one recovery trigger for peer-1's orphaned fired row")
}

func TestClusterManager_Cycle_DoesNotRecoverItself(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	sig := signaling.NewChannel()
	mgr := NewClusterManager(st, fake, sig, "self", ClusterConfig{CheckInInterval: 15 * time.Second, Tolerance: 15 * time.Second}, logging.Nop())

	require.NoError(t, mgr.cycle(ctx))
	fake.Advance(time.Hour)
	require.NoError(t, mgr.cycle(ctx))

	keysAfter, err := st.GetTriggerKeys(ctx, domain.GroupEquals(domain.RecoveringJobsGroup))
	require.NoError(t, err)
	assert.Empty(t, keysAfter, "cycle must never treat its own instanceID as a failed peer")
}

func TestClusterManager_RecoverSelf_ReclaimsOwnOrphanedFiredRows(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	now := time.Now().UTC()
	fake := clock.NewFake(now)

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j2", Group: domain.DefaultGroup}, Type: "noop", RequestsRecovery: true}
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t2", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, st.StoreJobAndTrigger(ctx, job, trig, false))

	acquired, err := st.AcquireNextTriggers(ctx, "self", now.Add(time.Second), 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	_, err = st.TriggersFired(ctx, []domain.TriggerKey{acquired[0].Key})
	require.NoError(t, err)

	sig := signaling.NewChannel()
	mgr := NewClusterManager(st, fake, sig, "self", ClusterConfig{}, logging.Nop())
	require.NoError(t, mgr.RecoverSelf(ctx))

	keysAfter, err := st.GetTriggerKeys(ctx, domain.GroupEquals(domain.RecoveringJobsGroup))
	require.NoError(t, err)
	assert.Len(t, keysAfter, 1)
}
