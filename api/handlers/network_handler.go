package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// NetworkService reports and controls whether network work may run
type NetworkService interface {
	Status() domain.NetworkStatus
	SetOfflineMode(enabled bool) error
}

// NetworkHandler handles connectivity requests
type NetworkHandler struct {
	network NetworkService
}

// NewNetworkHandler creates a new network handler
func NewNetworkHandler(network NetworkService) *NetworkHandler {
	return &NetworkHandler{network: network}
}

// OfflineRequest toggles the manual offline mode
type OfflineRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GetStatus handles GET /api/v1/network
func (h *NetworkHandler) GetStatus(c *gin.Context) {
	status := h.network.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"online_allowed": status.IsOnlineAllowed(),
	})
}

// SetOffline handles PUT /api/v1/network/offline
func (h *NetworkHandler) SetOffline(c *gin.Context) {
	var req OfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.network.SetOfflineMode(*req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.network.Status())
}
