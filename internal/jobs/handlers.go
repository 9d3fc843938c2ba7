package jobs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/auth"
)

// Handler provides HTTP endpoints for jobs.
type Handler struct {
	service *Service
}

// NewHandler creates a new job handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up job routes (auth required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/jobs", h.ListJobs)
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The authenticated user posts the job as its client.
	req.ClientID = auth.UserID(c)

	job, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	jobs, err := h.service.ListByClient(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list jobs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
