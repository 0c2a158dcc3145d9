package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"consistency-checker/internal/models"
	"consistency-checker/internal/redisclient"
	"consistency-checker/internal/service"
	"consistency-checker/internal/store"
	"consistency-checker/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runner starts validation runs and serves their reports
type Runner interface {
	Start(ctx context.Context, req service.RunRequest) (string, error)
	GetReport(ctx context.Context, runID string) (*models.Report, error)
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	runner Runner
	checks map[string]ReadinessCheck
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(runner Runner, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		runner: runner,
		checks: checks,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/validations", h.startValidation)
		v1.GET("/validations/:id", h.getValidation)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// startValidation starts a validation run in the background
func (h *Handler) startValidation(c *gin.Context) {
	var req service.RunRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	runID, err := h.runner.Start(c.Request.Context(), req)
	if errors.Is(err, redisclient.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Validation already running",
			"test_id": req.TestID,
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to start validation", zap.String("test_id", req.TestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to start validation",
			"details": err.Error(),
		})
		return
	}

	c.Header("Location", "/api/v1/validations/"+runID)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"status": models.RunStatusRunning,
	})
}

// getValidation returns the report of a run
func (h *Handler) getValidation(c *gin.Context) {
	runID := c.Param("id")

	report, err := h.runner.GetReport(c.Request.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Validation run not found",
			"run_id": runID,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load validation run",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report":     report,
		"counts":     report.Counts(),
		"consistent": report.Status == models.RunStatusCompleted && report.Consistent(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
