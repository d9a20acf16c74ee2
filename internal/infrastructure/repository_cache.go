package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

type entityTable struct {
	name       string
	nameColumn string
}

var entityTables = map[domain.EntityKind]entityTable{
	domain.KindSeries:      {name: "series", nameColumn: "name"},
	domain.KindVolume:      {name: "volumes", nameColumn: "name"},
	domain.KindChapter:     {name: "chapters", nameColumn: "title"},
	domain.KindCollection:  {name: "collections", nameColumn: "title"},
	domain.KindPerson:      {name: "people", nameColumn: "name"},
	domain.KindReadingList: {name: "reading_lists", nameColumn: "title"},
}

// cacheTables lists every structured cache table, children first
var cacheTables = []string{
	"list_refs", "chapters", "volumes", "series_details",
	"series", "collections", "people", "reading_lists",
}

// SQLiteCacheRepository implements CacheRepository using SQLite
type SQLiteCacheRepository struct {
	db *gorm.DB
}

// NewSQLiteCacheRepository creates a new SQLite cache repository
func NewSQLiteCacheRepository(database *Database) *SQLiteCacheRepository {
	return &SQLiteCacheRepository{db: database.DB()}
}

// UpsertEntities writes full-row replacements of the given entities
func (r *SQLiteCacheRepository) UpsertEntities(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertEntities(tx, entities)
	})
}

func upsertEntities(tx *gorm.DB, entities []domain.Entity) error {
	for _, e := range entities {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(e).Error; err != nil {
			return fmt.Errorf("failed to upsert %s %d: %w", e.Kind(), e.EntityID(), err)
		}
	}
	return nil
}

// ReplaceList upserts the entities and replaces the membership of
// (listType, listKey) in a single transaction, so readers never see a
// half-replaced list
func (r *SQLiteCacheRepository) ReplaceList(ctx context.Context, listType domain.ListType, listKey string, entities []domain.Entity, updatedAt int64) error {
	if err := listType.CheckMembers(entities); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertEntities(tx, entities); err != nil {
			return err
		}
		if err := tx.Where("list_type = ? AND list_key = ?", listType, listKey).
			Delete(&domain.ListRef{}).Error; err != nil {
			return fmt.Errorf("failed to clear membership: %w", err)
		}

		refs := make([]domain.ListRef, 0, len(entities))
		seen := make(map[int64]bool, len(entities))
		for _, e := range entities {
			if seen[e.EntityID()] {
				continue
			}
			seen[e.EntityID()] = true
			refs = append(refs, domain.ListRef{
				ListType:  listType,
				ListKey:   listKey,
				EntityID:  e.EntityID(),
				Position:  len(refs),
				UpdatedAt: updatedAt,
			})
		}
		if len(refs) == 0 {
			return nil
		}
		return tx.Create(&refs).Error
	})
}

// DeleteList removes the membership of (listType, listKey)
func (r *SQLiteCacheRepository) DeleteList(ctx context.Context, listType domain.ListType, listKey string) error {
	return r.db.WithContext(ctx).
		Where("list_type = ? AND list_key = ?", listType, listKey).
		Delete(&domain.ListRef{}).Error
}

// CountList returns the number of membership rows of (listType, listKey)
func (r *SQLiteCacheRepository) CountList(ctx context.Context, listType domain.ListType, listKey string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ListRef{}).
		Where("list_type = ? AND list_key = ?", listType, listKey).
		Count(&count).Error
	return count, err
}

// GetList returns the members of (listType, listKey) joined to their rows
func (r *SQLiteCacheRepository) GetList(ctx context.Context, listType domain.ListType, listKey string, order domain.ListOrder) ([]domain.Entity, error) {
	kind := listType.Kind()
	table := entityTables[kind]

	orderBy := "r.position ASC"
	if order == domain.OrderName {
		orderBy = fmt.Sprintf("LOWER(e.%s) ASC, e.id ASC", table.nameColumn)
	}

	query := r.db.WithContext(ctx).
		Table(table.name+" AS e").
		Select("e.*").
		Joins("JOIN list_refs AS r ON r.entity_id = e.id").
		Where("r.list_type = ? AND r.list_key = ?", listType, listKey).
		Order(orderBy)

	return findEntities(query, kind)
}

// GetEntity returns a cached entity or domain.ErrNotFound
func (r *SQLiteCacheRepository) GetEntity(ctx context.Context, kind domain.EntityKind, id int64) (domain.Entity, error) {
	table, ok := entityTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	query := r.db.WithContext(ctx).Table(table.name).Where("id = ?", id).Limit(1)
	entities, err := findEntities(query, kind)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return entities[0], nil
}

func findEntities(query *gorm.DB, kind domain.EntityKind) ([]domain.Entity, error) {
	switch kind {
	case domain.KindSeries:
		return scanEntities[domain.Series](query)
	case domain.KindVolume:
		return scanEntities[domain.Volume](query)
	case domain.KindChapter:
		return scanEntities[domain.Chapter](query)
	case domain.KindCollection:
		return scanEntities[domain.Collection](query)
	case domain.KindPerson:
		return scanEntities[domain.Person](query)
	case domain.KindReadingList:
		return scanEntities[domain.ReadingList](query)
	}
	return nil, fmt.Errorf("unknown entity kind: %s", kind)
}

func scanEntities[T any, PT interface {
	*T
	domain.Entity
}](query *gorm.DB) ([]domain.Entity, error) {
	var rows []T
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	entities := make([]domain.Entity, len(rows))
	for i := range rows {
		entities[i] = PT(&rows[i])
	}
	return entities, nil
}

// ReplaceDetail upserts the series and its detail row, then replaces every
// volume and chapter of the series. Children are never merged.
func (r *SQLiteCacheRepository) ReplaceDetail(ctx context.Context, detail *domain.Detail) error {
	seriesID := detail.Series.ID
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&detail.Series).Error; err != nil {
			return fmt.Errorf("failed to upsert series: %w", err)
		}
		detail.Info.SeriesID = seriesID
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&detail.Info).Error; err != nil {
			return fmt.Errorf("failed to upsert series detail: %w", err)
		}

		if err := tx.Where("series_id = ?", seriesID).Delete(&domain.Chapter{}).Error; err != nil {
			return fmt.Errorf("failed to clear chapters: %w", err)
		}
		if err := tx.Where("series_id = ?", seriesID).Delete(&domain.Volume{}).Error; err != nil {
			return fmt.Errorf("failed to clear volumes: %w", err)
		}

		var volumes []domain.Volume
		var chapters []domain.Chapter
		for _, vd := range detail.Volumes {
			v := vd.Volume
			v.SeriesID = seriesID
			volumes = append(volumes, v)
			for _, c := range vd.Chapters {
				c.SeriesID = seriesID
				c.VolumeID = v.ID
				chapters = append(chapters, c)
			}
		}
		if len(volumes) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&volumes).Error; err != nil {
				return fmt.Errorf("failed to insert volumes: %w", err)
			}
		}
		if len(chapters) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&chapters).Error; err != nil {
				return fmt.Errorf("failed to insert chapters: %w", err)
			}
		}
		return nil
	})
}

// GetDetail reconstructs a cached detail. Returns nil if no detail row
// exists, even when the series row itself is cached.
func (r *SQLiteCacheRepository) GetDetail(ctx context.Context, seriesID int64) (*domain.Detail, error) {
	db := r.db.WithContext(ctx)

	var info domain.SeriesDetail
	if err := db.First(&info, "series_id = ?", seriesID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var series domain.Series
	if err := db.First(&series, "id = ?", seriesID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var volumes []domain.Volume
	if err := db.Where("series_id = ?", seriesID).Order("number ASC, id ASC").Find(&volumes).Error; err != nil {
		return nil, err
	}
	var chapters []domain.Chapter
	if err := db.Where("series_id = ?", seriesID).Order("id ASC").Find(&chapters).Error; err != nil {
		return nil, err
	}

	byVolume := make(map[int64][]domain.Chapter, len(volumes))
	for _, c := range chapters {
		byVolume[c.VolumeID] = append(byVolume[c.VolumeID], c)
	}

	detail := &domain.Detail{Series: series, Info: info}
	for _, v := range volumes {
		detail.Volumes = append(detail.Volumes, domain.VolumeDetail{
			Volume:   v,
			Chapters: byVolume[v.ID],
		})
	}
	return detail, nil
}

// ThumbnailPaths returns every non-empty thumbnail path on record
func (r *SQLiteCacheRepository) ThumbnailPaths(ctx context.Context) ([]string, error) {
	var paths []string
	for _, t := range entityTables {
		var p []string
		if err := r.db.WithContext(ctx).Table(t.name).
			Where("thumbnail_path <> ''").
			Pluck("thumbnail_path", &p).Error; err != nil {
			return nil, err
		}
		paths = append(paths, p...)
	}
	return paths, nil
}

// ClearThumbnailPaths resets thumbnail paths on every entity row
func (r *SQLiteCacheRepository) ClearThumbnailPaths(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range entityTables {
			if err := tx.Table(t.name).
				Where("thumbnail_path <> ''").
				Update("thumbnail_path", "").Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearData truncates every structured cache table
func (r *SQLiteCacheRepository) ClearData(ctx context.Context) error {
	return r.truncate(ctx, cacheTables...)
}

// ClearDetails truncates detail, volume and chapter tables, preserving
// top-level list caches
func (r *SQLiteCacheRepository) ClearDetails(ctx context.Context) error {
	return r.truncate(ctx, "chapters", "volumes", "series_details")
}

func (r *SQLiteCacheRepository) truncate(ctx context.Context, tables ...string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tables {
			if err := tx.Exec("DELETE FROM " + t).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", t, err)
			}
		}
		return nil
	})
}

// ClearSeries removes one series with its detail, children and memberships
func (r *SQLiteCacheRepository) ClearSeries(ctx context.Context, seriesID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("series_id = ?", seriesID).Delete(&domain.Chapter{}).Error; err != nil {
			return err
		}
		if err := tx.Where("series_id = ?", seriesID).Delete(&domain.Volume{}).Error; err != nil {
			return err
		}
		if err := tx.Where("series_id = ?", seriesID).Delete(&domain.SeriesDetail{}).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_id = ? AND list_type IN ?", seriesID, seriesListTypes()).
			Delete(&domain.ListRef{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Series{}, "id = ?", seriesID).Error
	})
}

func seriesListTypes() []domain.ListType {
	return []domain.ListType{
		domain.ListOnDeck, domain.ListRecentlyAdded, domain.ListLibrarySeries, domain.ListBrowse,
		domain.ListWantToRead, domain.ListCollectionSeries, domain.ListReadingListItems,
	}
}

// Counts returns row counts per cache table
func (r *SQLiteCacheRepository) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(cacheTables))
	for _, t := range cacheTables {
		var n int64
		if err := r.db.WithContext(ctx).Table(t).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}
