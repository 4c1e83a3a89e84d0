package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/engine"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/store/memstore"
)

func newTestRouter(t *testing.T) (*gin.Engine, *engine.Scheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	sched := engine.New(st, clock.System{}, signaling.NewChannel(), engine.Config{
		InstanceID:    "test-instance",
		SchedulerName: "test",
	}, logging.Nop())

	handler := NewSchedulerHandler(sched)
	router := gin.New()
	handler.Register(router)
	return router, sched
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestScheduleJob_CreatesWaitingTrigger(t *testing.T) {
	router, sched := newTestRouter(t)

	req := ScheduleRequest{
		JobName:  "send-email",
		JobType:  "email",
		JobData:  map[string]any{"to": "a@example.com"},
		TriggerName: "send-email-trigger",
		Priority:    5,
		Schedule: ScheduleSpecRequest{
			Kind:           "simple",
			RepeatInterval: time.Minute,
			RepeatCount:    -1,
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", req)
	require.Equal(t, http.StatusCreated, rec.Code)

	trig, err := sched.Store().GetTrigger(context.Background(), domain.TriggerKey{Name: "send-email-trigger", Group: domain.DefaultGroup})
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, trig.State)
	assert.NotNil(t, trig.NextFireTime)
}

func TestScheduleJob_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{"jobName": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/DEFAULT/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs_FiltersByGroup(t *testing.T) {
	router, sched := newTestRouter(t)
	ctx := context.Background()

	for _, g := range []string{"alpha", "beta"} {
		job := domain.JobDefinition{Key: domain.JobKey{Name: "j-" + g, Group: g}, Type: "noop", Durable: true}
		require.NoError(t, sched.Store().StoreJob(ctx, job, false))
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/jobs?group=alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]domain.JobKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["jobs"], 1)
	assert.Equal(t, "alpha", body["jobs"][0].Group)
}

func TestPauseAndResumeTrigger(t *testing.T) {
	router, sched := newTestRouter(t)
	ctx := context.Background()

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{
		Key:          domain.TriggerKey{Name: "t", Group: domain.DefaultGroup},
		JobKey:       job.Key,
		StartTime:    now,
		NextFireTime: &now,
	}
	require.NoError(t, sched.Store().StoreJobAndTrigger(ctx, job, trig, false))

	rec := doJSON(t, router, http.MethodPost, "/v1/triggers/DEFAULT/t/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := sched.Store().GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)

	rec = doJSON(t, router, http.MethodPost, "/v1/triggers/DEFAULT/t/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = sched.Store().GetTrigger(ctx, trig.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, got.State)
}

func TestUnscheduleJob(t *testing.T) {
	router, sched := newTestRouter(t)
	ctx := context.Background()

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j", Group: domain.DefaultGroup}, Type: "noop"}
	now := time.Now().UTC()
	trig := domain.Trigger{Key: domain.TriggerKey{Name: "t", Group: domain.DefaultGroup}, JobKey: job.Key, StartTime: now, NextFireTime: &now}
	require.NoError(t, sched.Store().StoreJobAndTrigger(ctx, job, trig, false))

	rec := doJSON(t, router, http.MethodDelete, fmt.Sprintf("/v1/triggers/%s/%s", trig.Key.Group, trig.Key.Name), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := sched.Store().GetTrigger(ctx, trig.Key)
	require.Error(t, err)
}

func TestTriggerJob_Manual(t *testing.T) {
	router, sched := newTestRouter(t)
	ctx := context.Background()

	job := domain.JobDefinition{Key: domain.JobKey{Name: "j", Group: domain.DefaultGroup}, Type: "noop", Durable: true}
	require.NoError(t, sched.Store().StoreJob(ctx, job, false))

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs/DEFAULT/j/trigger", TriggerJobRequest{Data: map[string]any{"x": 1}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quartznet_scheduler_running")
}
