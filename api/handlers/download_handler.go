package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// DownloadService is the download engine surface the handler drives
type DownloadService interface {
	Enqueue(ctx context.Context, req domain.DownloadRequest) (string, error)
	Get(ctx context.Context, id string) (*domain.DownloadTask, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]*domain.DownloadTask, error)
	Items(ctx context.Context, id string) ([]*domain.DownloadedItem, error)
	Stats(ctx context.Context) (*domain.DownloadStats, error)
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context) (int, error)
}

// DownloadHandler handles download-related HTTP requests
type DownloadHandler struct {
	engine DownloadService
	logger *zap.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(engine DownloadService, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		engine: engine,
		logger: logger,
	}
}

// errorStatus maps engine errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrKindMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConfigured), errors.Is(err, domain.ErrOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *DownloadHandler) fail(c *gin.Context, msg string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("id", c.Param("id")), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// AddDownload handles POST /api/v1/downloads
func (h *DownloadHandler) AddDownload(c *gin.Context) {
	var req domain.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.engine.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to enqueue download", err)
		return
	}

	task, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to load enqueued task", err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetDownload handles GET /api/v1/downloads/:id
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	task, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get download", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetItems handles GET /api/v1/downloads/:id/items
func (h *DownloadHandler) GetItems(c *gin.Context) {
	items, err := h.engine.Items(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get items", err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// ListDownloads handles GET /api/v1/downloads
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	filter := domain.TaskFilter{
		Status: domain.TaskStatus(c.Query("status")),
		Format: domain.DownloadFormat(c.Query("format")),
	}
	if s := c.Query("series_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid series_id"})
			return
		}
		filter.SeriesID = id
	}

	tasks, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "Failed to list downloads", err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetStats handles GET /api/v1/downloads/stats
func (h *DownloadHandler) GetStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *DownloadHandler) transition(op func(context.Context, string) error, failMsg, okMsg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context(), c.Param("id")); err != nil {
			h.fail(c, failMsg, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": okMsg})
	}
}

// CancelDownload handles POST /api/v1/downloads/:id/cancel
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	h.transition(h.engine.Cancel, "Failed to cancel download", "download canceled")(c)
}

// PauseDownload handles POST /api/v1/downloads/:id/pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	h.transition(h.engine.Pause, "Failed to pause download", "download paused")(c)
}

// ResumeDownload handles POST /api/v1/downloads/:id/resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	h.transition(h.engine.Resume, "Failed to resume download", "download resumed")(c)
}

// RetryDownload handles POST /api/v1/downloads/:id/retry
func (h *DownloadHandler) RetryDownload(c *gin.Context) {
	h.transition(h.engine.Retry, "Failed to retry download", "download queued for retry")(c)
}

// DeleteDownload handles DELETE /api/v1/downloads/:id
func (h *DownloadHandler) DeleteDownload(c *gin.Context) {
	h.transition(h.engine.Delete, "Failed to delete download", "download deleted")(c)
}

// ClearCompleted handles DELETE /api/v1/downloads/completed
func (h *DownloadHandler) ClearCompleted(c *gin.Context) {
	n, err := h.engine.ClearCompleted(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to clear completed downloads", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
