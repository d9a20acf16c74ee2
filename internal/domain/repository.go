package domain

import "context"

// CacheRepository defines persistence for cached entities and list memberships
type CacheRepository interface {
	// UpsertEntities writes full-row replacements of the given entities
	UpsertEntities(ctx context.Context, entities []Entity) error

	// ReplaceList upserts the entities and atomically replaces the membership
	// of (listType, listKey) with them, in order
	ReplaceList(ctx context.Context, listType ListType, listKey string, entities []Entity, updatedAt int64) error

	// DeleteList removes the membership of (listType, listKey)
	DeleteList(ctx context.Context, listType ListType, listKey string) error

	// GetList returns the members of (listType, listKey) joined to their entity rows
	GetList(ctx context.Context, listType ListType, listKey string, order ListOrder) ([]Entity, error)

	// CountList returns the number of membership rows of (listType, listKey)
	CountList(ctx context.Context, listType ListType, listKey string) (int64, error)

	// GetEntity returns a cached entity, or ErrNotFound
	GetEntity(ctx context.Context, kind EntityKind, id int64) (Entity, error)

	// ReplaceDetail upserts the series and detail rows and replaces all of
	// the series' volumes and chapters
	ReplaceDetail(ctx context.Context, detail *Detail) error

	// GetDetail reconstructs a cached detail, or returns nil if none is cached
	GetDetail(ctx context.Context, seriesID int64) (*Detail, error)

	// ThumbnailPaths returns every non-empty thumbnail path on record
	ThumbnailPaths(ctx context.Context) ([]string, error)

	// ClearThumbnailPaths resets thumbnail paths on every entity row
	ClearThumbnailPaths(ctx context.Context) error

	// ClearData truncates every entity, detail and membership table
	ClearData(ctx context.Context) error

	// ClearDetails truncates detail, volume and chapter tables only
	ClearDetails(ctx context.Context) error

	// ClearSeries removes one series with its detail, children and memberships
	ClearSeries(ctx context.Context, seriesID int64) error

	// Counts returns row counts per cache table
	Counts(ctx context.Context) (map[string]int64, error)
}

// TaskFilter narrows a task listing
type TaskFilter struct {
	Status   TaskStatus
	SeriesID int64
	Format   DownloadFormat
}

// DownloadRepository defines the interface for task and item persistence
type DownloadRepository interface {
	// Create persists a task with its items in one transaction
	Create(ctx context.Context, task *DownloadTask, items []*DownloadedItem) error

	// Update updates an existing task
	Update(ctx context.Context, task *DownloadTask) error

	// UpdateProgress updates only the progress counters of a task
	UpdateProgress(ctx context.Context, id string, progress, total int, bytes, bytesTotal int64) error

	// Delete deletes a task and its items
	Delete(ctx context.Context, id string) error

	// FindByID finds a task by ID, or returns ErrNotFound
	FindByID(ctx context.Context, id string) (*DownloadTask, error)

	// FindActiveByKey finds a pending or running task with the dedup key
	FindActiveByKey(ctx context.Context, key string) (*DownloadTask, error)

	// FindCompletedByKey finds completed tasks with the dedup key, newest first
	FindCompletedByKey(ctx context.Context, key string) ([]*DownloadTask, error)

	// FindPending finds undispatched pending tasks ordered by priority and age
	FindPending(ctx context.Context, limit int) ([]*DownloadTask, error)

	// FindAll finds tasks matching the filter, newest first
	FindAll(ctx context.Context, filter TaskFilter) ([]*DownloadTask, error)

	// CountActive counts running tasks and pending tasks bound to a handle
	CountActive(ctx context.Context) (int64, error)

	// ResetOrphaned returns running and dispatched-pending tasks to the queue
	ResetOrphaned(ctx context.Context) (int64, error)

	// FindByStatus finds tasks in a given status
	FindByStatus(ctx context.Context, status TaskStatus) ([]*DownloadTask, error)

	// GetStats returns task statistics
	GetStats(ctx context.Context) (*DownloadStats, error)

	// Items returns the items of a task
	Items(ctx context.Context, taskID string) ([]*DownloadedItem, error)

	// UpdateItem updates an existing item
	UpdateItem(ctx context.Context, item *DownloadedItem) error

	// AddItems appends items to an existing task
	AddItems(ctx context.Context, taskID string, items []*DownloadedItem) error
}

// DownloadStats represents task statistics
type DownloadStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Paused    int64 `json:"paused"`
}
