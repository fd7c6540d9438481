// Package api exposes the master's orchestration contract over HTTP/JSON.
// Each route maps 1:1 onto a core operation; error kinds travel as stable
// `kind` strings so the external CLI can render them and pick exit codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/master"
	"github.com/talus-framework/talus-master/pkg/models"
)

// API wraps the master and provides HTTP handlers.
type API struct {
	master *master.Master
	log    *zap.Logger
}

// New creates the API layer.
func New(m *master.Master, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{master: m, log: log}
}

// SetupRoutes configures all routes on the given engine.
func (a *API) SetupRoutes(router *gin.Engine) {
	jobs := router.Group("/api/jobs")
	{
		jobs.POST("", a.submitJob)
		jobs.GET("/:id", a.getJob)
		jobs.DELETE("/:id", a.cancelJob)
		jobs.GET("/:id/result", a.getResult)
		jobs.POST("/:id/report", a.report)
	}

	slaves := router.Group("/api/slaves")
	{
		slaves.GET("", a.listSlaves)
		slaves.POST("/register", a.registerSlave)
		slaves.POST("/:id/heartbeat", a.heartbeat)
		slaves.POST("/:id/dequeue", a.dequeue)
	}

	router.GET("/api/master/info", a.masterInfo)

	events := router.Group("/api/events")
	{
		events.GET("/status", a.statusSSE)
		events.GET("/jobs", a.jobsSSE)
		events.GET("/slaves", a.slavesSSE)
	}

	router.GET("/health", a.healthCheck)
}

// SubmitRequest is the body for POST /api/jobs.
type SubmitRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority"`
}

// RegisterRequest is the body for POST /api/slaves/register.
type RegisterRequest struct {
	ID       string `json:"id" binding:"required"`
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

// HeartbeatRequest is the body for POST /api/slaves/:id/heartbeat.
type HeartbeatRequest struct {
	ActiveJobIDs []string `json:"active_job_ids"`
}

// ReportRequest is the body for POST /api/jobs/:id/report.
type ReportRequest struct {
	WorkerID string        `json:"worker_id" binding:"required"`
	Result   models.Result `json:"result"`
}

func (a *API) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	job := a.master.Submit(req.Payload, priority)
	c.JSON(http.StatusCreated, gin.H{
		"job_id": job.ID,
		"state":  job.State,
	})
}

func (a *API) getJob(c *gin.Context) {
	job, err := a.master.GetJob(c.Param("id"))
	if err != nil {
		abortWithKind(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) cancelJob(c *gin.Context) {
	if err := a.master.Cancel(c.Param("id")); err != nil {
		abortWithKind(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": c.Param("id"),
		"state":  models.JobCancelled,
	})
}

func (a *API) getResult(c *gin.Context) {
	state, result, err := a.master.GetResult(c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrResultPending) {
			c.JSON(http.StatusAccepted, gin.H{
				"job_id": c.Param("id"),
				"state":  state,
				"kind":   models.ErrorKind(err),
			})
			return
		}
		abortWithKind(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": c.Param("id"),
		"state":  state,
		"result": result,
	})
}

func (a *API) report(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.master.Report(c.Param("id"), req.WorkerID, req.Result); err != nil {
		abortWithKind(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (a *API) registerSlave(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	worker := a.master.Register(req.ID, req.Hostname, req.Address, req.Capacity)
	c.JSON(http.StatusCreated, worker)
}

func (a *API) listSlaves(c *gin.Context) {
	slaves := a.master.SlaveList()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(slaves),
		"slaves": slaves,
	})
}

func (a *API) heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.master.Heartbeat(c.Param("id"), req.ActiveJobIDs); err != nil {
		abortWithKind(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (a *API) dequeue(c *gin.Context) {
	job, ok, err := a.master.DequeueFor(c.Param("id"))
	if err != nil {
		abortWithKind(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) masterInfo(c *gin.Context) {
	c.JSON(http.StatusOK, a.master.Info())
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// abortWithKind maps core error kinds onto HTTP statuses. The mapping is
// part of the external contract; the CLI derives exit codes from `kind`.
func abortWithKind(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrUnknownWorker):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrWorkerMismatch):
		status = http.StatusConflict
	case errors.Is(err, models.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrTransportFailure):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  models.ErrorKind(err),
	})
}
