package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

// orchestratorService is the subset of *orchestrator.Orchestrator used by the
// HTTP handlers.
type orchestratorService interface {
	RunBootstrap(ctx context.Context) (*orchestrator.BootstrapResult, error)
	RunDeepHealth(ctx context.Context) map[string]orchestrator.ProbeResult
	LastResult() *orchestrator.BootstrapResult
	IsReady() bool
	IsBootstrapInProgress() bool
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	orchestrator orchestratorService
}

// Bootstrap handles POST /api/v1/bootstrap.
// It returns 202 when a new run is started in the background, or 409 if one
// is already in progress.
func (h *Handler) Bootstrap(c *gin.Context) {
	if h.orchestrator.IsBootstrapInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": orchestrator.StatusInProgress})
		return
	}
	go func() {
		// The outcome is kept as LastResult and logged by the orchestrator.
		h.orchestrator.RunBootstrap(context.Background()) //nolint:errcheck,contextcheck
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// BootstrapStatus handles GET /api/v1/bootstrap.
// It returns the result of the most recent run, or 404 before the first one
// finishes.
func (h *Handler) BootstrapStatus(c *gin.Context) {
	if h.orchestrator.IsBootstrapInProgress() {
		c.JSON(http.StatusOK, gin.H{"status": orchestrator.StatusInProgress})
		return
	}
	result := h.orchestrator.LastResult()
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "not-run"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// bootstrapState names where the bootstrap stands: in-progress, not-run,
// or the status of the last run.
func (h *Handler) bootstrapState() string {
	if h.orchestrator.IsBootstrapInProgress() {
		return orchestrator.StatusInProgress
	}
	if last := h.orchestrator.LastResult(); last != nil {
		return last.Status
	}
	return "not-run"
}

// Health handles GET /health. The process is alive as long as it answers,
// whatever the bootstrap state.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alive":     true,
		"bootstrap": h.bootstrapState(),
	})
}

// DeepHealth handles GET /health/deep with a single probe of each endpoint.
// An endpoint left unconfigured does not fail the check.
func (h *Handler) DeepHealth(c *gin.Context) {
	endpoints := h.orchestrator.RunDeepHealth(c.Request.Context())

	if !AllHealthy(endpoints) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    orchestrator.StatusError,
			"endpoints": endpoints,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    orchestrator.StatusOK,
		"endpoints": endpoints,
	})
}

// Ready handles GET /ready: 200 after a run that leaves CKAN startable,
// degraded included, and 503 before that.
func (h *Handler) Ready(c *gin.Context) {
	code := http.StatusServiceUnavailable
	ready := h.orchestrator.IsReady()
	if ready {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{
		"ready":     ready,
		"bootstrap": h.bootstrapState(),
	})
}

// AllHealthy reports whether every probe succeeded.
func AllHealthy(probes map[string]orchestrator.ProbeResult) bool {
	for _, p := range probes {
		if !p.OK {
			return false
		}
	}
	return true
}
