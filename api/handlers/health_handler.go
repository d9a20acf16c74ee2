package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// ReadinessChecker reports whether the engine accepts work
type ReadinessChecker interface {
	Running() bool
}

// HealthHandler handles health check requests
type HealthHandler struct {
	engine  ReadinessChecker
	network NetworkService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(engine ReadinessChecker, network NetworkService) *HealthHandler {
	return &HealthHandler{engine: engine, network: network}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Engine  struct {
		Running bool `json:"running"`
	} `json:"engine"`
	OnlineAllowed bool `json:"online_allowed"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	response.Engine.Running = h.engine.Running()
	response.OnlineAllowed = h.network.Status().IsOnlineAllowed()

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.engine.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "download engine not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
