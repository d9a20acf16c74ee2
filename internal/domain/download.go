package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
	StatusPaused    TaskStatus = "paused"
)

// DownloadType represents what a task downloads
type DownloadType string

const (
	TypeSeries  DownloadType = "series"
	TypeVolume  DownloadType = "volume"
	TypeChapter DownloadType = "chapter"
	TypePages   DownloadType = "pages"
)

// DownloadFormat selects the strategy that executes a task
type DownloadFormat string

const (
	FormatPaged   DownloadFormat = "paged"   // HTML per page plus embedded assets
	FormatPDF     DownloadFormat = "pdf"     // single whole-document file
	FormatArchive DownloadFormat = "archive" // single proxied archive/image file
	FormatProxy   DownloadFormat = "proxy"   // generic series/volume/chapter download
)

// ValidateType checks if a download type is valid
func ValidateType(t DownloadType) bool {
	return t == TypeSeries || t == TypeVolume || t == TypeChapter || t == TypePages
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:  {StatusRunning, StatusFailed, StatusCanceled, StatusPaused},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCanceled, StatusPaused, StatusPending},
	StatusPaused:   {StatusPending, StatusCanceled},
	StatusFailed:   {StatusPending, StatusCanceled},
	StatusCanceled: {StatusPending},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DownloadRequest describes the work a caller wants downloaded
type DownloadRequest struct {
	SeriesID  int64          `json:"series_id" binding:"required"`
	VolumeID  *int64         `json:"volume_id,omitempty"`
	ChapterID *int64         `json:"chapter_id,omitempty"`
	PageStart *int           `json:"page_start,omitempty"`
	PageEnd   *int           `json:"page_end,omitempty"`
	Type      DownloadType   `json:"type" binding:"required"`
	Format    DownloadFormat `json:"format" binding:"required"`
	Priority  int            `json:"priority"`
}

// Validate checks that the request is internally consistent
func (r DownloadRequest) Validate() error {
	if r.SeriesID <= 0 {
		return fmt.Errorf("series id is required")
	}
	if !ValidateType(r.Type) {
		return fmt.Errorf("invalid download type: %s", r.Type)
	}
	if (r.Type == TypeChapter || r.Type == TypePages) && r.ChapterID == nil {
		return fmt.Errorf("chapter id is required for %s downloads", r.Type)
	}
	if r.Type == TypeVolume && r.VolumeID == nil {
		return fmt.Errorf("volume id is required for volume downloads")
	}
	if (r.PageStart == nil) != (r.PageEnd == nil) {
		return fmt.Errorf("page range needs both start and end")
	}
	if r.PageStart != nil && (*r.PageStart < 0 || *r.PageEnd < *r.PageStart) {
		return fmt.Errorf("invalid page range %d-%d", *r.PageStart, *r.PageEnd)
	}
	return nil
}

// Pages returns the inclusive page numbers of the request's range
func (r DownloadRequest) Pages() []int {
	if r.PageStart == nil || r.PageEnd == nil {
		return nil
	}
	pages := make([]int, 0, *r.PageEnd-*r.PageStart+1)
	for p := *r.PageStart; p <= *r.PageEnd; p++ {
		pages = append(pages, p)
	}
	return pages
}

// DedupKey identifies equivalent work: series, volume, chapter, page range
// (or "file" for whole-file work) and type.
func (r DownloadRequest) DedupKey() string {
	unit := "file"
	if r.PageStart != nil && r.PageEnd != nil {
		unit = fmt.Sprintf("%d-%d", *r.PageStart, *r.PageEnd)
	}
	return strings.Join([]string{
		strconv.FormatInt(r.SeriesID, 10),
		optInt64(r.VolumeID),
		optInt64(r.ChapterID),
		unit,
		string(r.Type),
	}, "|")
}

func optInt64(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

// DownloadTask is a unit of download work tracked through a persisted state machine
type DownloadTask struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	SeriesID    int64          `json:"series_id" gorm:"not null;index"`
	VolumeID    *int64         `json:"volume_id,omitempty"`
	ChapterID   *int64         `json:"chapter_id,omitempty"`
	PageStart   *int           `json:"page_start,omitempty"`
	PageEnd     *int           `json:"page_end,omitempty"`
	Type        DownloadType   `json:"type" gorm:"not null"`
	Format      DownloadFormat `json:"format" gorm:"not null"`
	Status      TaskStatus     `json:"status" gorm:"not null;index"`
	Priority    int            `json:"priority" gorm:"default:0;index"`
	DedupKey    string         `json:"dedup_key" gorm:"index"`
	Progress    int            `json:"progress"`
	Total       int            `json:"total"`
	Bytes       int64          `json:"bytes"`
	BytesTotal  int64          `json:"bytes_total"`
	Attempts    int            `json:"attempts" gorm:"default:0"`
	Error       string         `json:"error,omitempty"`
	WorkHandle  string         `json:"work_handle,omitempty" gorm:"index"`
	CreatedAt   time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewDownloadTask creates a new pending task for a request
func NewDownloadTask(req DownloadRequest) *DownloadTask {
	now := time.Now()
	return &DownloadTask{
		ID:        uuid.New().String(),
		SeriesID:  req.SeriesID,
		VolumeID:  req.VolumeID,
		ChapterID: req.ChapterID,
		PageStart: req.PageStart,
		PageEnd:   req.PageEnd,
		Type:      req.Type,
		Format:    req.Format,
		Status:    StatusPending,
		Priority:  req.Priority,
		DedupKey:  req.DedupKey(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Request rebuilds the request a task was created from
func (t *DownloadTask) Request() DownloadRequest {
	return DownloadRequest{
		SeriesID:  t.SeriesID,
		VolumeID:  t.VolumeID,
		ChapterID: t.ChapterID,
		PageStart: t.PageStart,
		PageEnd:   t.PageEnd,
		Type:      t.Type,
		Format:    t.Format,
		Priority:  t.Priority,
	}
}

// BindHandle associates the task with an execution handle. The task stays
// pending until the executor starts it.
func (t *DownloadTask) BindHandle(handle string) {
	t.WorkHandle = handle
	t.UpdatedAt = time.Now()
}

// MarkRunning marks the task as running
func (t *DownloadTask) MarkRunning() {
	t.Status = StatusRunning
	t.Attempts++
	t.Error = ""
	now := time.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
}

// MarkCompleted marks the task as completed
func (t *DownloadTask) MarkCompleted() {
	t.Status = StatusCompleted
	t.Error = ""
	t.WorkHandle = ""
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed marks the task as failed
func (t *DownloadTask) MarkFailed(err error) {
	t.Status = StatusFailed
	t.Error = err.Error()
	t.WorkHandle = ""
	t.UpdatedAt = time.Now()
}

// MarkCanceled marks the task as canceled, keeping its last progress
func (t *DownloadTask) MarkCanceled() {
	t.Status = StatusCanceled
	t.WorkHandle = ""
	t.UpdatedAt = time.Now()
}

// MarkPaused marks the task as paused, keeping its last progress
func (t *DownloadTask) MarkPaused() {
	t.Status = StatusPaused
	t.WorkHandle = ""
	t.UpdatedAt = time.Now()
}

// Requeue puts the task back into the pending queue without a handle
func (t *DownloadTask) Requeue() {
	t.Status = StatusPending
	t.WorkHandle = ""
	t.Error = ""
	t.UpdatedAt = time.Now()
}

// ResetAttempts clears the attempt counter for a user-initiated retry
func (t *DownloadTask) ResetAttempts() {
	t.Attempts = 0
}

// IsDispatched reports whether the task holds an execution handle
func (t *DownloadTask) IsDispatched() bool {
	return t.WorkHandle != ""
}

// CanRetry checks if an automatic retry is allowed after a failed attempt
func (t *DownloadTask) CanRetry(maxAttempts int) bool {
	return t.Attempts < maxAttempts
}

// ItemType is the kind of unit an item tracks
type ItemType string

const (
	ItemPage  ItemType = "page"
	ItemFile  ItemType = "file"
	ItemAsset ItemType = "asset"
)

// ItemStatus represents the state of a downloaded item
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// DownloadedItem is the smallest trackable unit within a task
type DownloadedItem struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	TaskID     string     `json:"task_id" gorm:"not null;index"`
	Type       ItemType   `json:"type" gorm:"not null"`
	Page       *int       `json:"page,omitempty"`
	LocalPath  string     `json:"local_path,omitempty"`
	Bytes      int64      `json:"bytes"`
	BytesTotal int64      `json:"bytes_total"`
	Status     ItemStatus `json:"status" gorm:"not null;index"`
	Error      string     `json:"error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// NewPageItem creates a pending page item
func NewPageItem(page int) *DownloadedItem {
	p := page
	return &DownloadedItem{Type: ItemPage, Page: &p, Status: ItemPending}
}

// NewFileItem creates a pending whole-file item
func NewFileItem(localPath string) *DownloadedItem {
	return &DownloadedItem{Type: ItemFile, LocalPath: localPath, Status: ItemPending}
}

// MarkCompleted marks the item as completed
func (i *DownloadedItem) MarkCompleted(localPath string, bytes int64) {
	i.Status = ItemCompleted
	i.LocalPath = localPath
	i.Bytes = bytes
	if i.BytesTotal < bytes {
		i.BytesTotal = bytes
	}
	i.Error = ""
	i.UpdatedAt = time.Now()
}

// MarkFailed marks the item as failed
func (i *DownloadedItem) MarkFailed(err error) {
	i.Status = ItemFailed
	i.Error = err.Error()
	i.UpdatedAt = time.Now()
}

// IsCompleted reports whether the item is completed
func (i *DownloadedItem) IsCompleted() bool {
	return i.Status == ItemCompleted
}

// AllCompleted reports whether every item is completed. A task is complete
// iff this holds for its items.
func AllCompleted(items []*DownloadedItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, i := range items {
		if !i.IsCompleted() {
			return false
		}
	}
	return true
}
