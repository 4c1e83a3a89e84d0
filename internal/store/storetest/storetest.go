// Package storetest is a black-box test suite run against every Store
// backend (memstore, sqlitestore, pgstore) so the three implementations
// are held to the exact same contract instead of duplicating assertions
// three times.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/triggertype"
)

// Factory builds a fresh, empty Store for one subtest. Implementations
// typically wrap this around a temp file or a truncated schema.
type Factory func(t *testing.T) store.Store

// Run exercises every operation in the Store contract against s. Call it
// once per backend from that backend's own _test.go file.
func Run(t *testing.T, newStore Factory) {
	t.Run("StoreJobAndTrigger", func(t *testing.T) { testStoreJobAndTrigger(t, newStore) })
	t.Run("DuplicateWithoutReplace", func(t *testing.T) { testDuplicateWithoutReplace(t, newStore) })
	t.Run("AcquireOrdering", func(t *testing.T) { testAcquireOrdering(t, newStore) })
	t.Run("TriggersFiredAdvancesSchedule", func(t *testing.T) { testTriggersFiredAdvancesSchedule(t, newStore) })
	t.Run("ConcurrentExecutionDisallowedBlocks", func(t *testing.T) { testConcurrentExecutionDisallowedBlocks(t, newStore) })
	t.Run("ReleaseAcquiredTrigger", func(t *testing.T) { testReleaseAcquiredTrigger(t, newStore) })
	t.Run("PauseResumeGroupMemory", func(t *testing.T) { testPauseResumeGroupMemory(t, newStore) })
	t.Run("RemoveNonDurableJobCascades", func(t *testing.T) { testRemoveNonDurableJobCascades(t, newStore) })
	t.Run("RecoverJobsSynthesizesBreadcrumbs", func(t *testing.T) { testRecoverJobsSynthesizesBreadcrumbs(t, newStore) })
	t.Run("CheckInAndFindFailedInstances", func(t *testing.T) { testCheckInAndFindFailedInstances(t, newStore) })
	t.Run("ClearAllSchedulingData", func(t *testing.T) { testClearAllSchedulingData(t, newStore) })
}

func simpleTrigger(name string, next time.Time, jobKey domain.JobKey) domain.Trigger {
	return domain.Trigger{
		Key:          domain.TriggerKey{Name: name, Group: domain.DefaultGroup},
		JobKey:       jobKey,
		StartTime:    next,
		NextFireTime: &next,
		Schedule:     triggertype.NewSimple(0, 0),
		State:        domain.StateWaiting,
	}
}

func testStoreJobAndTrigger(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	job := domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("t1", start, jobKey)

	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig, false))

	gotJob, err := s.GetJob(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, jobKey, gotJob.Key)

	gotTrig, err := s.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, gotTrig.State)
	require.NotNil(t, gotTrig.NextFireTime)
	assert.True(t, start.Equal(*gotTrig.NextFireTime))
}

func testDuplicateWithoutReplace(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	job := domain.JobDefinition{Key: jobKey, Type: "noop"}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("t1", start, jobKey)

	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig, false))
	err := s.StoreJobAndTrigger(ctx, job, trig, false)
	assert.ErrorIs(t, err, domain.ErrObjectAlreadyExists)

	require.NoError(t, s.StoreJobAndTrigger(ctx, job, trig, true))
}

func testAcquireOrdering(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}, false))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := simpleTrigger("low-priority", base, jobKey)
	low.Priority = 1
	high := simpleTrigger("high-priority", base, jobKey)
	high.Priority = 5
	later := simpleTrigger("later", base.Add(time.Minute), jobKey)

	require.NoError(t, s.StoreTrigger(ctx, low, false))
	require.NoError(t, s.StoreTrigger(ctx, high, false))
	require.NoError(t, s.StoreTrigger(ctx, later, false))

	acquired, err := s.AcquireNextTriggers(ctx, "inst-1", base.Add(time.Minute), 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 3)
	assert.Equal(t, "high-priority", acquired[0].Key.Name)
	assert.Equal(t, "low-priority", acquired[1].Key.Name)
	assert.Equal(t, "later", acquired[2].Key.Name)

	for _, trig := range acquired {
		got, err := s.GetTrigger(ctx, trig.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.StateAcquired, got.State)
	}
}

func testTriggersFiredAdvancesSchedule(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}, false))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "repeat", Group: domain.DefaultGroup},
		JobKey:       jobKey,
		StartTime:    base,
		NextFireTime: &base,
		Schedule:     triggertype.NewSimple(time.Minute, -1),
		State:        domain.StateWaiting,
	}
	require.NoError(t, s.StoreTrigger(ctx, trig, false))

	acquired, err := s.AcquireNextTriggers(ctx, "inst-1", base, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	bundles, err := s.TriggersFired(ctx, []domain.TriggerKey{trig.Key})
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	b := bundles[0]
	assert.True(t, base.Equal(b.ScheduledFire))
	require.NotNil(t, b.NextFire)
	assert.True(t, base.Add(time.Minute).Equal(*b.NextFire))

	got, err := s.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, got.State)
}

func testConcurrentExecutionDisallowedBlocks(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "exclusive", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{
		Key: jobKey, Type: "noop", Durable: true, ConcurrentExecutionDisallowed: true,
	}, false))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := domain.Trigger{
		Key: domain.TriggerKey{Name: "a", Group: domain.DefaultGroup}, JobKey: jobKey,
		StartTime: base, NextFireTime: &base, Schedule: triggertype.NewSimple(time.Minute, -1), State: domain.StateWaiting,
	}
	bTime := base
	b := domain.Trigger{
		Key: domain.TriggerKey{Name: "b", Group: domain.DefaultGroup}, JobKey: jobKey,
		StartTime: base, NextFireTime: &bTime, Schedule: triggertype.NewSimple(time.Minute, -1), State: domain.StateWaiting,
	}
	require.NoError(t, s.StoreTrigger(ctx, a, false))
	require.NoError(t, s.StoreTrigger(ctx, b, false))

	acquired, err := s.AcquireNextTriggers(ctx, "inst-1", base, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 2)

	keys := []domain.TriggerKey{a.Key, b.Key}
	_, err = s.TriggersFired(ctx, keys)
	require.NoError(t, err)

	var waitingCount, blockedCount int
	for _, k := range keys {
		got, err := s.GetTrigger(ctx, k)
		require.NoError(t, err)
		switch got.State {
		case domain.StateWaiting:
			waitingCount++
		case domain.StateBlocked:
			blockedCount++
		}
	}
	assert.Equal(t, 1, waitingCount)
	assert.Equal(t, 1, blockedCount)
}

func testReleaseAcquiredTrigger(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}, false))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("t1", base, jobKey)
	require.NoError(t, s.StoreTrigger(ctx, trig, false))

	_, err := s.AcquireNextTriggers(ctx, "inst-1", base, 10, 0)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, trig.Key))
	got, err := s.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, got.State)
}

func testPauseResumeGroupMemory(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	require.NoError(t, s.PauseTriggers(ctx, domain.GroupStartsWith("g")))

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}, false))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("t1", base, jobKey)
	trig.Key.Group = "gX"
	require.NoError(t, s.StoreTrigger(ctx, trig, false))

	got, err := s.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)

	require.NoError(t, s.ResumeTriggers(ctx, domain.GroupStartsWith("g")))
	got, err = s.GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, got.State)
}

func testRemoveNonDurableJobCascades(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "ephemeral", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: false}, false))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("only", base, jobKey)
	require.NoError(t, s.StoreTrigger(ctx, trig, false))

	require.NoError(t, s.RemoveTrigger(ctx, trig.Key))

	_, err := s.GetJob(ctx, jobKey)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testRecoverJobsSynthesizesBreadcrumbs(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "recoverable", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{
		Key: jobKey, Type: "noop", Durable: true, RequestsRecovery: true,
	}, false))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trig := simpleTrigger("failed", base, jobKey)
	require.NoError(t, s.StoreTrigger(ctx, trig, false))

	_, err := s.AcquireNextTriggers(ctx, "dead-instance", base, 10, 0)
	require.NoError(t, err)
	_, err = s.TriggersFired(ctx, []domain.TriggerKey{trig.Key})
	require.NoError(t, err)

	recovered, err := s.RecoverJobs(ctx, "dead-instance")
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, trig.Key, recovered[0].OriginalKey)
	assert.Equal(t, domain.RecoveringJobsGroup, recovered[0].Trigger.Key.Group)
	assert.Equal(t, "failed", recovered[0].Trigger.Data["recovery_original_trigger_key"])
	assert.Equal(t, domain.DefaultGroup, recovered[0].Trigger.Data["recovery_original_trigger_group"])
}

func testCheckInAndFindFailedInstances(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CheckIn(ctx, "node-a", base, 15*time.Second))

	failed, err := s.FindFailedInstances(ctx, base.Add(5*time.Second), 15*time.Second)
	require.NoError(t, err)
	assert.Empty(t, failed)

	failed, err = s.FindFailedInstances(ctx, base.Add(45*time.Second), 15*time.Second)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node-a", failed[0].InstanceID)
}

func testClearAllSchedulingData(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	jobKey := domain.JobKey{Name: "j1", Group: domain.DefaultGroup}
	require.NoError(t, s.StoreJob(ctx, domain.JobDefinition{Key: jobKey, Type: "noop", Durable: true}, false))

	require.NoError(t, s.ClearAllSchedulingData(ctx))

	_, err := s.GetJob(ctx, jobKey)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
