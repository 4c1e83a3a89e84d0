// Package http is the admin HTTP surface of SPEC_FULL §1.6: a thin
// gin-gonic layer transcribing the façade operations of spec §6 onto
// JSON routes, grounded directly on massanaRoger-flux-go's
// internal/adapters/http/handlers.go (a handler struct wrapping a
// service, ShouldBindJSON request DTOs). It holds zero scheduling logic
// of its own — every handler is a parse-call-render wrapper around
// *engine.Scheduler.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/engine"
	"github.com/onpoc/quartznet/internal/triggertype"
)

// SchedulerHandler wraps an *engine.Scheduler, exposing its façade
// operations as JSON endpoints.
type SchedulerHandler struct {
	scheduler *engine.Scheduler
}

func NewSchedulerHandler(scheduler *engine.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// Register wires every route this handler serves onto router: /healthz
// and /metrics at the root, the scheduling API under prefix "/v1".
func (h *SchedulerHandler) Register(router gin.IRouter) {
	router.GET("/healthz", h.Healthz)
	router.GET("/metrics", h.Metrics)

	v1 := router.Group("/v1")
	v1.POST("/jobs", h.ScheduleJob)
	v1.GET("/jobs/:group/:name", h.GetJob)
	v1.GET("/jobs", h.ListJobs)
	v1.DELETE("/triggers/:group/:name", h.UnscheduleJob)
	v1.POST("/jobs/:group/:name/trigger", h.TriggerJob)
	v1.POST("/jobs/:group/:name/interrupt", h.InterruptJob)
	v1.POST("/triggers/:group/:name/pause", h.PauseTrigger)
	v1.POST("/triggers/:group/:name/resume", h.ResumeTrigger)
	v1.POST("/triggers/groups/pause", h.PauseTriggerGroup)
	v1.POST("/triggers/groups/resume", h.ResumeTriggerGroup)
}

// ScheduleRequest is the wire shape of scheduleJob (spec §6): a job
// definition plus one trigger to attach to it.
type ScheduleRequest struct {
	JobName  string         `json:"jobName" binding:"required"`
	JobGroup string         `json:"jobGroup"`
	JobType  string         `json:"jobType" binding:"required"`
	JobData  map[string]any `json:"jobData"`

	Durable                       bool `json:"durable"`
	PersistJobDataAfterExecution  bool `json:"persistJobDataAfterExecution"`
	ConcurrentExecutionDisallowed bool `json:"concurrentExecutionDisallowed"`
	RequestsRecovery              bool `json:"requestsRecovery"`

	TriggerName  string         `json:"triggerName" binding:"required"`
	TriggerGroup string         `json:"triggerGroup"`
	Priority     int            `json:"priority"`
	StartTime    *time.Time     `json:"startTime"`
	EndTime      *time.Time     `json:"endTime"`
	Calendar     string         `json:"calendar"`
	TriggerData  map[string]any `json:"triggerData"`

	// Schedule selects exactly one of the two trigger-type shapes below.
	Schedule ScheduleSpecRequest `json:"schedule" binding:"required"`
}

// ScheduleSpecRequest is the JSON shape of a domain.ScheduleSpec, kept
// outside internal/triggertype since that package is an external
// collaborator the core (and this transport layer) never imports for
// anything beyond the codec.
type ScheduleSpecRequest struct {
	Kind string `json:"kind" binding:"required,oneof=simple cron"`

	// simple
	RepeatInterval time.Duration `json:"repeatInterval"`
	RepeatCount    int           `json:"repeatCount"`

	// cron
	CronExpr     string `json:"cronExpr"`
	CronLocation string `json:"cronLocation"`
}

func (r ScheduleSpecRequest) toSpec() (domain.ScheduleSpec, error) {
	switch r.Kind {
	case "cron":
		loc := time.UTC
		if r.CronLocation != "" {
			var err error
			loc, err = time.LoadLocation(r.CronLocation)
			if err != nil {
				return nil, domain.ErrUnknownTimeZone
			}
		}
		return triggertype.NewCron(r.CronExpr, loc)
	default:
		return triggertype.NewSimple(r.RepeatInterval, r.RepeatCount), nil
	}
}

// ScheduleJob implements spec §6 scheduleJob(j, t).
func (h *SchedulerHandler) ScheduleJob(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := req.Schedule.toSpec()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobGroup := req.JobGroup
	if jobGroup == "" {
		jobGroup = domain.DefaultGroup
	}
	triggerGroup := req.TriggerGroup
	if triggerGroup == "" {
		triggerGroup = domain.DefaultGroup
	}

	job := domain.JobDefinition{
		Key:                           domain.JobKey{Name: req.JobName, Group: jobGroup},
		Type:                          req.JobType,
		Data:                          req.JobData,
		Durable:                       req.Durable,
		PersistJobDataAfterExecution:  req.PersistJobDataAfterExecution,
		ConcurrentExecutionDisallowed: req.ConcurrentExecutionDisallowed,
		RequestsRecovery:              req.RequestsRecovery,
	}
	startTime := time.Now().UTC()
	if req.StartTime != nil {
		startTime = req.StartTime.UTC()
	}
	trig := domain.Trigger{
		Key:                 domain.TriggerKey{Name: req.TriggerName, Group: triggerGroup},
		JobKey:              job.Key,
		Calendar:            req.Calendar,
		Priority:            req.Priority,
		StartTime:           startTime,
		EndTime:             req.EndTime,
		MisfireInstruction:  domain.MisfireSmartPolicy,
		Schedule:            spec,
		Data:                req.TriggerData,
	}

	if err := h.scheduler.ScheduleJob(c.Request.Context(), job, trig); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job.Key, "trigger": trig.Key, "nextFireTime": trig.NextFireTime})
}

// GetJob reads back a stored job definition.
func (h *SchedulerHandler) GetJob(c *gin.Context) {
	key := domain.JobKey{Name: c.Param("name"), Group: c.Param("group")}
	job, err := h.scheduler.Store().GetJob(c.Request.Context(), key)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs lists job keys in group (defaulting to every group when
// ?group= is omitted, via a prefix match on "").
func (h *SchedulerHandler) ListJobs(c *gin.Context) {
	matcher := domain.GroupStartsWith("")
	if group := c.Query("group"); group != "" {
		matcher = domain.GroupEquals(group)
	}
	keys, err := h.scheduler.Store().GetJobKeys(c.Request.Context(), matcher)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": keys})
}

// UnscheduleJob implements spec §6 unscheduleJob(tk).
func (h *SchedulerHandler) UnscheduleJob(c *gin.Context) {
	key := domain.TriggerKey{Name: c.Param("name"), Group: c.Param("group")}
	if err := h.scheduler.UnscheduleJob(c.Request.Context(), key); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "trigger unscheduled"})
}

// TriggerJobRequest optionally overrides the job's data map for this one
// manual fire (spec §6 triggerJob(jk, data?)).
type TriggerJobRequest struct {
	Data map[string]any `json:"data"`
}

func (h *SchedulerHandler) TriggerJob(c *gin.Context) {
	var req TriggerJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	key := domain.JobKey{Name: c.Param("name"), Group: c.Param("group")}
	if err := h.scheduler.TriggerJob(c.Request.Context(), key, req.Data); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "job triggered"})
}

// InterruptJob implements spec §6 interrupt(jobKey).
func (h *SchedulerHandler) InterruptJob(c *gin.Context) {
	key := domain.JobKey{Name: c.Param("name"), Group: c.Param("group")}
	matched := h.scheduler.Interrupt(key)
	if !matched {
		c.JSON(http.StatusNotFound, gin.H{"interrupted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true})
}

func (h *SchedulerHandler) PauseTrigger(c *gin.Context) {
	key := domain.TriggerKey{Name: c.Param("name"), Group: c.Param("group")}
	if err := h.scheduler.PauseTrigger(c.Request.Context(), key); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "trigger paused"})
}

func (h *SchedulerHandler) ResumeTrigger(c *gin.Context) {
	key := domain.TriggerKey{Name: c.Param("name"), Group: c.Param("group")}
	if err := h.scheduler.ResumeTrigger(c.Request.Context(), key); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "trigger resumed"})
}

// GroupRequest names a trigger group or prefix for the group-wide pause
// and resume façade operations (spec §6 pauseTriggers(matcher)).
type GroupRequest struct {
	Group    string `json:"group" binding:"required"`
	IsPrefix bool   `json:"isPrefix"`
}

func (r GroupRequest) matcher() domain.Matcher {
	if r.IsPrefix {
		return domain.GroupStartsWith(r.Group)
	}
	return domain.GroupEquals(r.Group)
}

func (h *SchedulerHandler) PauseTriggerGroup(c *gin.Context) {
	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.PauseTriggers(c.Request.Context(), req.matcher()); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "trigger group paused"})
}

func (h *SchedulerHandler) ResumeTriggerGroup(c *gin.Context) {
	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.ResumeTriggers(c.Request.Context(), req.matcher()); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "trigger group resumed"})
}

// Healthz reports the façade's lifecycle state; a load balancer treats
// anything but StateShutdown as healthy.
func (h *SchedulerHandler) Healthz(c *gin.Context) {
	state := h.scheduler.State()
	if state == engine.StateShutdown {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutdown"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "lifecycle": lifecycleName(state)})
}

// Metrics is a minimal Prometheus text exporter. Real metric plumbing
// (histograms per job type, acquire latency) is outside spec.md's
// scope (§1 lists "listener plumbing ... logging adapters" as external
// collaborators); this endpoint only reports the lifecycle gauge so
// schedulerctl and scrapers have something to point at.
func (h *SchedulerHandler) Metrics(c *gin.Context) {
	state := h.scheduler.State()
	running := 0
	if state == engine.StateRunning {
		running = 1
	}
	c.String(http.StatusOK,
		"# HELP quartznet_scheduler_running Whether the scheduler facade is running (1) or not (0).\n"+
			"# TYPE quartznet_scheduler_running gauge\n"+
			"quartznet_scheduler_running %d\n", running)
}

func lifecycleName(s engine.LifecycleState) string {
	switch s {
	case engine.StateRunning:
		return "running"
	case engine.StateShutdown:
		return "shutdown"
	default:
		return "standby"
	}
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsAlreadyExists(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case domain.IsSchedulerOperation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
