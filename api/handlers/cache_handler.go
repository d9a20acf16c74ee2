package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// CacheService is the entity cache surface the handler drives
type CacheService interface {
	GetList(ctx context.Context, listType domain.ListType, listKey string, order domain.ListOrder) ([]domain.Entity, error)
	LoadSeriesList(ctx context.Context, scope domain.CacheScope, listType domain.ListType, listKey string, filter domain.ListFilter, page, pageSize int) ([]domain.Entity, error)
	Get(ctx context.Context, kind domain.EntityKind, id int64) (domain.Entity, error)
	LoadSeries(ctx context.Context, scope domain.CacheScope, id int64) (*domain.Series, error)
	LoadDetail(ctx context.Context, seriesID int64) (*domain.Detail, error)
	Counts(ctx context.Context) (map[string]int64, error)
	Clear(ctx context.Context, scope domain.ClearScope) (bool, error)
	ClearSeries(ctx context.Context, seriesID int64) (bool, error)
}

// CacheHandler handles entity cache requests
type CacheHandler struct {
	cache  CacheService
	logger *zap.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(cache CacheService, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{cache: cache, logger: logger}
}

// GetList handles GET /api/v1/cache/lists/:type/:key
func (h *CacheHandler) GetList(c *gin.Context) {
	listType := domain.ListType(c.Param("type"))
	if !domain.ValidateListType(listType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid list type"})
		return
	}
	order := domain.ListOrder(c.DefaultQuery("order", string(domain.OrderPosition)))
	if order != domain.OrderPosition && order != domain.OrderName {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be position or name"})
		return
	}

	entities, err := h.cache.GetList(c.Request.Context(), listType, c.Param("key"), order)
	if err != nil {
		h.logger.Error("Failed to read cached list", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"list_type": listType,
		"list_key":  c.Param("key"),
		"count":     len(entities),
		"entities":  entities,
	})
}

// RefreshList handles POST /api/v1/cache/lists/:type/:key/refresh. One page
// of series is fetched with the filter in the query and cached as the list.
func (h *CacheHandler) RefreshList(c *gin.Context) {
	listType := domain.ListType(c.Param("type"))
	if !domain.ValidateListType(listType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid list type"})
		return
	}
	scope, ok := scopeQuery(c)
	if !ok {
		return
	}

	var filter domain.ListFilter
	page, pageSize := 1, 20
	parsed := []struct {
		name string
		dst  *int64
	}{
		{"library_id", &filter.LibraryID},
		{"collection_id", &filter.CollectionID},
		{"reading_list_id", &filter.ReadingList},
	}
	for _, p := range parsed {
		if v := c.Query(p.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + p.name})
				return
			}
			*p.dst = n
		}
	}
	if !intQuery(c, "page", &page) || !intQuery(c, "page_size", &pageSize) {
		return
	}

	listKey := c.Param("key")
	entities, err := h.cache.LoadSeriesList(c.Request.Context(), scope, listType, listKey, filter, page, pageSize)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to refresh list", zap.String("list_key", listKey), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"list_type": listType,
		"list_key":  listKey,
		"count":     len(entities),
		"entities":  entities,
	})
}

// GetEntity handles GET /api/v1/cache/entities/:kind/:id. Series are loaded
// through the remote when missing or stale; other kinds are served from the
// cache only.
func (h *CacheHandler) GetEntity(c *gin.Context) {
	kind := domain.EntityKind(c.Param("kind"))
	if !domain.ValidateKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity kind"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var entity domain.Entity
	if kind == domain.KindSeries {
		scope, ok := scopeQuery(c)
		if !ok {
			return
		}
		var series *domain.Series
		series, err = h.cache.LoadSeries(c.Request.Context(), scope, id)
		if series != nil {
			entity = series
		}
	} else {
		entity, err = h.cache.Get(c.Request.Context(), kind, id)
	}
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if entity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": string(kind) + " not cached"})
		return
	}
	c.JSON(http.StatusOK, entity)
}

func scopeQuery(c *gin.Context) (domain.CacheScope, bool) {
	scope := domain.CacheScope(c.DefaultQuery("scope", string(domain.ScopeLibrary)))
	if scope != domain.ScopeLibrary && scope != domain.ScopeBrowse {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be library or browse"})
		return "", false
	}
	return scope, true
}

func intQuery(c *gin.Context, name string, dst *int) bool {
	v := c.Query(name)
	if v == "" {
		return true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return false
	}
	*dst = n
	return true
}

// GetSeriesDetail handles GET /api/v1/cache/series/:id
func (h *CacheHandler) GetSeriesDetail(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	detail, err := h.cache.LoadDetail(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "series not cached"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetStats handles GET /api/v1/cache/stats
func (h *CacheHandler) GetStats(c *gin.Context) {
	counts, err := h.cache.Counts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count cache rows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// Clear handles DELETE /api/v1/cache?scope=all|thumbnails|data|details
func (h *CacheHandler) Clear(c *gin.Context) {
	scope := domain.ClearScope(c.DefaultQuery("scope", string(domain.ClearAll)))
	switch scope {
	case domain.ClearAll, domain.ClearThumbnails, domain.ClearData, domain.ClearDetails:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope"})
		return
	}

	cleared, err := h.cache.Clear(c.Request.Context(), scope)
	if err != nil {
		h.logger.Error("Failed to clear cache", zap.String("scope", string(scope)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "cleared": cleared})
}

// ClearSeries handles DELETE /api/v1/cache/series/:id
func (h *CacheHandler) ClearSeries(c *gin.Context) {
	id, ok := seriesParam(c)
	if !ok {
		return
	}
	cleared, err := h.cache.ClearSeries(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to clear series", zap.Int64("series_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"series_id": id, "cleared": cleared})
}

func seriesParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid series id"})
		return 0, false
	}
	return id, true
}
