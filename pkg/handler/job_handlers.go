// Background job HTTP handlers
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/service"
)

type JobHandler struct {
	tracker *service.BackgroundJobTracker
	local   *service.LocalJobService
}

func NewJobHandler(tracker *service.BackgroundJobTracker, local *service.LocalJobService) *JobHandler {
	return &JobHandler{tracker: tracker, local: local}
}

// RegisterRoutes registers job routes
func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.POST("", h.Schedule)
		jobs.POST("/:id/cancel", h.Cancel)
		jobs.POST("/:id/dismiss", h.Dismiss)
	}
}

// List returns the merged job view: authoritative listing plus optimistic
// records the backend has not confirmed yet.
func (h *JobHandler) List(c *gin.Context) {
	jobs, err := h.tracker.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"jobs": jobs}})
}

// Schedule submits a new export, import or bulk-delete job.
func (h *JobHandler) Schedule(c *gin.Context) {
	var req struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	switch req.Type {
	case db.JobTypeExport, db.JobTypeImport, db.JobTypeBulkDelete:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Unknown job type"})
		return
	}

	clientKey, err := h.tracker.Schedule(c.Request.Context(), req.Type, req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"client_key": clientKey}})
}

// Cancel cancels a queued or running local job.
func (h *JobHandler) Cancel(c *gin.Context) {
	if err := h.local.CancelJob(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

// Dismiss removes a finished job from tracking.
func (h *JobHandler) Dismiss(c *gin.Context) {
	h.tracker.Dismiss(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}
