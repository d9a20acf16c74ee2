package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// ThumbnailEnricher fills in local cover thumbnails for entities
type ThumbnailEnricher interface {
	Enrich(ctx context.Context, entities []domain.Entity) int
	Clear() error
}

// EntityCache stores remote snapshots locally and answers reads from the
// store only. Writes are gated by the cache policy; reads never are.
type EntityCache struct {
	repo   domain.CacheRepository
	policy *PolicyEvaluator
	thumbs ThumbnailEnricher
	remote domain.RemoteFetch
	logger *zap.Logger
}

// NewEntityCache creates a new entity cache. thumbs and remote may be nil:
// without thumbs no enrichment runs, without remote the Load* helpers only
// serve cached data.
func NewEntityCache(repo domain.CacheRepository, policy *PolicyEvaluator, thumbs ThumbnailEnricher, remote domain.RemoteFetch, logger *zap.Logger) *EntityCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityCache{
		repo:   repo,
		policy: policy,
		thumbs: thumbs,
		remote: remote,
		logger: logger,
	}
}

func (c *EntityCache) denied(op string, scope domain.CacheScope) bool {
	if c.policy.Policy().Allows(scope) {
		return false
	}
	c.logger.Debug("Cache write skipped by policy", zap.String("op", op), zap.String("scope", string(scope)))
	return true
}

func (c *EntityCache) enrich(ctx context.Context, entities []domain.Entity) {
	if c.thumbs == nil || len(entities) == 0 {
		return
	}
	if n := c.thumbs.Enrich(ctx, entities); n > 0 {
		c.logger.Debug("Thumbnails cached", zap.Int("count", n))
	}
}

// CacheList replaces the membership of (listType, listKey) with entities in
// order. An empty slice means the list is now empty and only removes the
// membership; entity rows referenced elsewhere stay.
func (c *EntityCache) CacheList(ctx context.Context, scope domain.CacheScope, listType domain.ListType, listKey string, entities []domain.Entity) error {
	if c.denied("cache_list", scope) {
		return nil
	}
	if !domain.ValidateListType(listType) {
		return fmt.Errorf("invalid list type: %s", listType)
	}
	if err := listType.CheckMembers(entities); err != nil {
		return err
	}

	if len(entities) == 0 {
		if err := c.repo.DeleteList(ctx, listType, listKey); err != nil {
			return fmt.Errorf("failed to clear list %s/%s: %w", listType, listKey, err)
		}
		return nil
	}

	c.enrich(ctx, entities)

	now := domain.NowMillis()
	for _, e := range entities {
		e.Touch(now)
	}
	if err := c.repo.ReplaceList(ctx, listType, listKey, entities, now); err != nil {
		return fmt.Errorf("failed to cache list %s/%s: %w", listType, listKey, err)
	}

	c.logger.Debug("List cached",
		zap.String("list_type", string(listType)),
		zap.String("list_key", listKey),
		zap.Int("count", len(entities)))
	return nil
}

// GetList returns the cached members of a list
func (c *EntityCache) GetList(ctx context.Context, listType domain.ListType, listKey string, order domain.ListOrder) ([]domain.Entity, error) {
	return c.repo.GetList(ctx, listType, listKey, order)
}

// CacheDetail stores a complete series snapshot, replacing all its volumes
// and chapters
func (c *EntityCache) CacheDetail(ctx context.Context, detail *domain.Detail) error {
	if c.denied("cache_detail", domain.ScopeLibrary) {
		return nil
	}
	if detail == nil || detail.Series.ID == 0 {
		return fmt.Errorf("detail has no series")
	}

	enrichable := []domain.Entity{&detail.Series}
	for i := range detail.Volumes {
		enrichable = append(enrichable, &detail.Volumes[i].Volume)
	}
	c.enrich(ctx, enrichable)

	now := domain.NowMillis()
	detail.Series.Touch(now)
	detail.Info.UpdatedAt = now
	detail.Info.TotalChapters = detail.ChapterCount()
	for i := range detail.Volumes {
		detail.Volumes[i].Volume.Touch(now)
		for j := range detail.Volumes[i].Chapters {
			detail.Volumes[i].Chapters[j].Touch(now)
		}
	}

	if err := c.repo.ReplaceDetail(ctx, detail); err != nil {
		return fmt.Errorf("failed to cache detail of series %d: %w", detail.Series.ID, err)
	}
	return nil
}

// GetDetail returns the cached detail of a series, or nil if none is cached
func (c *EntityCache) GetDetail(ctx context.Context, seriesID int64) (*domain.Detail, error) {
	return c.repo.GetDetail(ctx, seriesID)
}

// CacheEntity stores a single entity row
func (c *EntityCache) CacheEntity(ctx context.Context, scope domain.CacheScope, entity domain.Entity) error {
	if c.denied("cache_entity", scope) {
		return nil
	}
	c.enrich(ctx, []domain.Entity{entity})
	entity.Touch(domain.NowMillis())
	if err := c.repo.UpsertEntities(ctx, []domain.Entity{entity}); err != nil {
		return fmt.Errorf("failed to cache %s %d: %w", entity.Kind(), entity.EntityID(), err)
	}
	return nil
}

// Get returns a cached entity, or nil on a miss
func (c *EntityCache) Get(ctx context.Context, kind domain.EntityKind, id int64) (domain.Entity, error) {
	entity, err := c.repo.GetEntity(ctx, kind, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return entity, err
}

// GetSeries returns a cached series, or nil on a miss
func (c *EntityCache) GetSeries(ctx context.Context, id int64) (*domain.Series, error) {
	e, err := c.Get(ctx, domain.KindSeries, id)
	if e == nil || err != nil {
		return nil, err
	}
	return e.(*domain.Series), nil
}

// IsStale reports whether a row written at updatedAt should be refreshed
func (c *EntityCache) IsStale(updatedAt int64) bool {
	ttl := c.policy.StaleAfter()
	if ttl <= 0 {
		return false
	}
	return time.Since(time.UnixMilli(updatedAt)) > ttl
}

// LoadDetail returns the cached detail while it is fresh, otherwise fetches
// it from the remote and caches it. A remote failure falls back to the
// cached copy when there is one.
func (c *EntityCache) LoadDetail(ctx context.Context, seriesID int64) (*domain.Detail, error) {
	cached, err := c.repo.GetDetail(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if cached != nil && !c.IsStale(cached.Info.UpdatedAt) {
		return cached, nil
	}
	if c.remote == nil {
		return cached, nil
	}

	fresh, err := c.remote.GetDetail(ctx, seriesID)
	if err != nil {
		c.logger.Warn("Detail refresh failed", zap.Int64("series_id", seriesID), zap.Error(err))
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	if err := c.CacheDetail(ctx, fresh); err != nil {
		c.logger.Warn("Failed to cache detail", zap.Int64("series_id", seriesID), zap.Error(err))
	}
	return fresh, nil
}

// LoadSeries returns the cached series row while it is fresh, otherwise
// fetches and caches it. A remote failure falls back to the cached row.
func (c *EntityCache) LoadSeries(ctx context.Context, scope domain.CacheScope, id int64) (*domain.Series, error) {
	cached, err := c.GetSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	if (cached != nil && !c.IsStale(cached.UpdatedAt)) || c.remote == nil {
		return cached, nil
	}

	fresh, err := c.remote.GetSeries(ctx, id)
	if err != nil {
		c.logger.Warn("Series refresh failed", zap.Int64("series_id", id), zap.Error(err))
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	if err := c.CacheEntity(ctx, scope, fresh); err != nil {
		c.logger.Warn("Failed to cache series", zap.Int64("series_id", id), zap.Error(err))
	}
	return fresh, nil
}

// LoadSeriesList fetches one page of series and caches it as the membership
// of (listType, listKey). A remote failure falls back to the cached list.
func (c *EntityCache) LoadSeriesList(ctx context.Context, scope domain.CacheScope, listType domain.ListType, listKey string, filter domain.ListFilter, page, pageSize int) ([]domain.Entity, error) {
	if listType.Kind() != domain.KindSeries {
		return nil, fmt.Errorf("%w: %s is not a series list", domain.ErrKindMismatch, listType)
	}
	if c.remote == nil {
		return c.GetList(ctx, listType, listKey, domain.OrderPosition)
	}

	series, err := c.remote.GetSeriesList(ctx, filter, page, pageSize)
	if err != nil {
		c.logger.Warn("List refresh failed",
			zap.String("list_type", string(listType)),
			zap.String("list_key", listKey),
			zap.Error(err))
		return c.GetList(ctx, listType, listKey, domain.OrderPosition)
	}

	entities := make([]domain.Entity, len(series))
	for i := range series {
		entities[i] = &series[i]
	}
	if err := c.CacheList(ctx, scope, listType, listKey, entities); err != nil {
		c.logger.Warn("Failed to cache list", zap.String("list_key", listKey), zap.Error(err))
	}
	return entities, nil
}

// Clear removes cached data at the given granularity. It returns false when
// the global cache toggle is off and nothing was cleared.
func (c *EntityCache) Clear(ctx context.Context, scope domain.ClearScope) (bool, error) {
	if !c.policy.Policy().GlobalEnabled {
		c.logger.Debug("Cache clear skipped by policy", zap.String("scope", string(scope)))
		return false, nil
	}

	switch scope {
	case domain.ClearAll:
		if err := c.repo.ClearData(ctx); err != nil {
			return false, fmt.Errorf("failed to clear cache data: %w", err)
		}
		if err := c.clearThumbnailFiles(); err != nil {
			return false, err
		}
	case domain.ClearThumbnails:
		if err := c.clearThumbnailFiles(); err != nil {
			return false, err
		}
		if err := c.repo.ClearThumbnailPaths(ctx); err != nil {
			return false, fmt.Errorf("failed to reset thumbnail paths: %w", err)
		}
	case domain.ClearData:
		if err := c.repo.ClearData(ctx); err != nil {
			return false, fmt.Errorf("failed to clear cache data: %w", err)
		}
	case domain.ClearDetails:
		if err := c.repo.ClearDetails(ctx); err != nil {
			return false, fmt.Errorf("failed to clear details: %w", err)
		}
	default:
		return false, fmt.Errorf("invalid clear scope: %s", scope)
	}

	c.logger.Info("Cache cleared", zap.String("scope", string(scope)))
	return true, nil
}

func (c *EntityCache) clearThumbnailFiles() error {
	if c.thumbs == nil {
		return nil
	}
	if err := c.thumbs.Clear(); err != nil {
		return fmt.Errorf("failed to clear thumbnails: %w", err)
	}
	return nil
}

// ClearSeries removes one series with its detail, children and memberships
func (c *EntityCache) ClearSeries(ctx context.Context, seriesID int64) (bool, error) {
	if !c.policy.Policy().GlobalEnabled {
		c.logger.Debug("Series clear skipped by policy", zap.Int64("series_id", seriesID))
		return false, nil
	}
	if err := c.repo.ClearSeries(ctx, seriesID); err != nil {
		return false, fmt.Errorf("failed to clear series %d: %w", seriesID, err)
	}
	return true, nil
}

// Counts returns cached row counts per table
func (c *EntityCache) Counts(ctx context.Context) (map[string]int64, error) {
	return c.repo.Counts(ctx)
}
