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

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	sched := New(memstore.New(), clock.System{}, signaling.NewChannel(), Config{
		InstanceID:    "test-node",
		SchedulerName: "test",
		ThreadCount:   2,
		Loop: LoopConfig{
			IdleWaitTime: 20 * time.Millisecond,
			MaxBatchSize: 5,
		},
	}, logging.Nop())
	t.Cleanup(func() { require.NoError(t, sched.Shutdown(true)) })
	return sched
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduler_ScheduleJobFiresRegisteredFunc(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	fired := make(chan *JobExecutionContext, 1)
	sched.RegisterJobFunc("noop", func(ctx context.Context, jec *JobExecutionContext) error {
		fired <- jec
		return nil
	})

	require.NoError(t, sched.Start(ctx))

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j1", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t1", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, sched.ScheduleJob(ctx, job, trig))

	select {
	case jec := <-fired:
		assert.Equal(t, job.Key, jec.Job.Key)
		assert.Equal(t, trig.Key, jec.Trigger.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("registered job func was never invoked")
	}

	waitFor(t, time.Second, func() bool {
		_, err := sched.Store().GetTrigger(ctx, trig.Key)
		return domain.IsNotFound(err)
	})
}

func TestScheduler_TriggerJobManualFire(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	fired := make(chan string, 1)
	sched.RegisterJobFunc("noop", func(ctx context.Context, jec *JobExecutionContext) error {
		fired <- jec.MergedData()["reason"].(string)
		return nil
	})
	require.NoError(t, sched.Start(ctx))

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j2", Group: domain.DefaultGroup}, Type: "noop", Durable: true}
	require.NoError(t, sched.Store().StoreJob(ctx, job, false))

	require.NoError(t, sched.TriggerJob(ctx, job.Key, map[string]any{"reason": "manual"}))

	select {
	case reason := <-fired:
		assert.Equal(t, "manual", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("manually triggered job was never invoked")
	}
}

func TestScheduler_PauseTriggerBlocksAcquisition(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	fired := make(chan struct{}, 1)
	sched.RegisterJobFunc("noop", func(ctx context.Context, jec *JobExecutionContext) error {
		fired <- struct{}{}
		return nil
	})

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j3", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t3", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, sched.Store().StoreJobAndTrigger(ctx, job, trig, false))
	require.NoError(t, sched.PauseTrigger(ctx, trig.Key))

	require.NoError(t, sched.Start(ctx))

	select {
	case <-fired:
		t.Fatal("paused trigger fired")
	case <-time.After(150 * time.Millisecond):
	}

	got, err := sched.Store().GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)

	require.NoError(t, sched.ResumeTrigger(ctx, trig.Key))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed trigger never fired")
	}
}

func TestScheduler_UnscheduleJobRemovesTrigger(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j4", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t4", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(time.Hour, -1),
	}
	require.NoError(t, sched.Store().StoreJobAndTrigger(ctx, job, trig, false))

	require.NoError(t, sched.UnscheduleJob(ctx, trig.Key))

	_, err := sched.Store().GetTrigger(ctx, trig.Key)
	assert.True(t, domain.IsNotFound(err))
	_, err = sched.Store().GetJob(ctx, job.Key)
	assert.True(t, domain.IsNotFound(err), "non-durable job with no remaining triggers should cascade-delete")
}

func TestScheduler_InterruptStopsExecution(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	started := make(chan struct{})
	stopped := make(chan error, 1)
	sched.RegisterJobFunc("slow", func(ctx context.Context, jec *JobExecutionContext) error {
		close(started)
		<-jec.Context().Done()
		stopped <- jec.Context().Err()
		return jec.Context().Err()
	})
	require.NoError(t, sched.Start(ctx))

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j5", Group: domain.DefaultGroup}, Type: "slow"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t5", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, sched.ScheduleJob(ctx, job, trig))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, sched.Interrupt(job.Key))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted job never observed cancellation")
	}
}

func TestScheduler_StartOnShutdownSchedulerErrors(t *testing.T) {
	sched := newTestScheduler(t)
	require.NoError(t, sched.Shutdown(true))

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsSchedulerOperation(err))
}

func TestScheduler_StandByStopsAcquisition(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	assert.Equal(t, StateRunning, sched.State())
	sched.StandBy()
	assert.Equal(t, StateStandBy, sched.State())

	fired := make(chan struct{}, 1)
	sched.RegisterJobFunc("noop", func(ctx context.Context, jec *JobExecutionContext) error {
		fired <- struct{}{}
		return nil
	})
	job := domain.JobDefinition{Key: domain.JobKey{Name: "j6", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t6", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
		Schedule:     triggertype.NewSimple(0, 0),
	}
	require.NoError(t, sched.ScheduleJob(ctx, job, trig))

	select {
	case <-fired:
		t.Fatal("job fired while scheduler was in stand-by")
	case <-time.After(150 * time.Millisecond):
	}
}
