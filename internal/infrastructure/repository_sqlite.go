package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// SQLiteDownloadRepository implements DownloadRepository using SQLite
type SQLiteDownloadRepository struct {
	db *gorm.DB
}

// NewSQLiteDownloadRepository creates a new SQLite download repository
func NewSQLiteDownloadRepository(database *Database) *SQLiteDownloadRepository {
	return &SQLiteDownloadRepository{db: database.DB()}
}

// Create persists a task with its items in one transaction
func (r *SQLiteDownloadRepository) Create(ctx context.Context, task *domain.DownloadTask, items []*domain.DownloadedItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		for _, item := range items {
			item.TaskID = task.ID
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

// Update updates every column of an existing task. A task deleted in the
// meantime is not recreated.
func (r *SQLiteDownloadRepository) Update(ctx context.Context, task *domain.DownloadTask) error {
	result := r.db.WithContext(ctx).Model(task).Select("*").Updates(task)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, domain.ErrNotFound)
	}
	return nil
}

// UpdateProgress updates only the progress counters of a task
func (r *SQLiteDownloadRepository) UpdateProgress(ctx context.Context, id string, progress, total int, bytes, bytesTotal int64) error {
	return r.db.WithContext(ctx).Model(&domain.DownloadTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress":    progress,
			"total":       total,
			"bytes":       bytes,
			"bytes_total": bytesTotal,
		}).Error
}

// Delete deletes a task and its items
func (r *SQLiteDownloadRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&domain.DownloadedItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.DownloadTask{}, "id = ?", id).Error
	})
}

// FindByID finds a task by ID
func (r *SQLiteDownloadRepository) FindByID(ctx context.Context, id string) (*domain.DownloadTask, error) {
	var task domain.DownloadTask
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &task, nil
}

// FindActiveByKey finds a pending or running task with the dedup key.
// Returns nil if none exists.
func (r *SQLiteDownloadRepository) FindActiveByKey(ctx context.Context, key string) (*domain.DownloadTask, error) {
	var task domain.DownloadTask
	err := r.db.WithContext(ctx).
		Where("dedup_key = ? AND status IN ?", key, []domain.TaskStatus{domain.StatusPending, domain.StatusRunning}).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// FindCompletedByKey finds completed tasks with the dedup key, newest first
func (r *SQLiteDownloadRepository) FindCompletedByKey(ctx context.Context, key string) ([]*domain.DownloadTask, error) {
	var tasks []*domain.DownloadTask
	err := r.db.WithContext(ctx).
		Where("dedup_key = ? AND status = ?", key, domain.StatusCompleted).
		Order("completed_at DESC").
		Find(&tasks).Error
	return tasks, err
}

// FindPending finds undispatched pending tasks ordered by priority and creation time
func (r *SQLiteDownloadRepository) FindPending(ctx context.Context, limit int) ([]*domain.DownloadTask, error) {
	var tasks []*domain.DownloadTask
	query := r.db.WithContext(ctx).
		Where("status = ? AND (work_handle = '' OR work_handle IS NULL)", domain.StatusPending).
		Order("priority DESC, created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&tasks).Error
	return tasks, err
}

// FindAll finds tasks matching the filter
func (r *SQLiteDownloadRepository) FindAll(ctx context.Context, filter domain.TaskFilter) ([]*domain.DownloadTask, error) {
	var tasks []*domain.DownloadTask
	query := r.db.WithContext(ctx)

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.SeriesID != 0 {
		query = query.Where("series_id = ?", filter.SeriesID)
	}
	if filter.Format != "" {
		query = query.Where("format = ?", filter.Format)
	}

	err := query.Order("created_at DESC").Find(&tasks).Error
	return tasks, err
}

// FindByStatus finds tasks by status
func (r *SQLiteDownloadRepository) FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.DownloadTask, error) {
	var tasks []*domain.DownloadTask
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

// CountActive returns the number of running tasks plus pending tasks already
// bound to an execution handle
func (r *SQLiteDownloadRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.DownloadTask{}).
		Where("status = ? OR (status = ? AND work_handle <> '')", domain.StatusRunning, domain.StatusPending).
		Count(&count).Error
	return count, err
}

// ResetOrphaned returns tasks left running or dispatched by a previous
// process to the undispatched pending queue. Failed tasks that were waiting
// for an automatic retry lose their handle and stay failed.
func (r *SQLiteDownloadRepository) ResetOrphaned(ctx context.Context) (int64, error) {
	var reset int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.DownloadTask{}).
			Where("status = ? OR (status = ? AND work_handle <> '')", domain.StatusRunning, domain.StatusPending).
			Updates(map[string]interface{}{
				"status":      domain.StatusPending,
				"work_handle": "",
			})
		if result.Error != nil {
			return result.Error
		}
		reset = result.RowsAffected
		return tx.Model(&domain.DownloadTask{}).
			Where("status = ? AND work_handle <> ''", domain.StatusFailed).
			Update("work_handle", "").Error
	})
	return reset, err
}

// GetStats returns task statistics
func (r *SQLiteDownloadRepository) GetStats(ctx context.Context) (*domain.DownloadStats, error) {
	stats := &domain.DownloadStats{}
	db := r.db.WithContext(ctx)

	if err := db.Model(&domain.DownloadTask{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	statusCounts := []struct {
		Status domain.TaskStatus
		Count  int64
	}{}

	if err := db.Model(&domain.DownloadTask{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		switch sc.Status {
		case domain.StatusPending:
			stats.Pending = sc.Count
		case domain.StatusRunning:
			stats.Running = sc.Count
		case domain.StatusCompleted:
			stats.Completed = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		case domain.StatusCanceled:
			stats.Canceled = sc.Count
		case domain.StatusPaused:
			stats.Paused = sc.Count
		}
	}

	return stats, nil
}

// Items returns the items of a task ordered by page
func (r *SQLiteDownloadRepository) Items(ctx context.Context, taskID string) ([]*domain.DownloadedItem, error) {
	var items []*domain.DownloadedItem
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("page ASC, id ASC").
		Find(&items).Error
	return items, err
}

// UpdateItem updates an existing item
func (r *SQLiteDownloadRepository) UpdateItem(ctx context.Context, item *domain.DownloadedItem) error {
	result := r.db.WithContext(ctx).Model(item).Select("*").Updates(item)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("item %d: %w", item.ID, domain.ErrNotFound)
	}
	return nil
}

// AddItems appends items to an existing task
func (r *SQLiteDownloadRepository) AddItems(ctx context.Context, taskID string, items []*domain.DownloadedItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		item.TaskID = taskID
	}
	return r.db.WithContext(ctx).Create(&items).Error
}
