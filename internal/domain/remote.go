package domain

import (
	"context"
	"io"
)

// FileKind selects a whole-file endpoint on the media server
type FileKind string

const (
	FileSeries  FileKind = "series"
	FileVolume  FileKind = "volume"
	FileChapter FileKind = "chapter"
	FilePDF     FileKind = "pdf"
	FileArchive FileKind = "archive"
)

// ListFilter narrows a remote list query
type ListFilter struct {
	LibraryID    int64 `json:"library_id,omitempty"`
	CollectionID int64 `json:"collection_id,omitempty"`
	ReadingList  int64 `json:"reading_list_id,omitempty"`
}

// FileStream is an open response body with its declared length (-1 if unknown)
type FileStream struct {
	Body          io.ReadCloser
	ContentLength int64
}

// RemoteFetch is the media server capability consumed by the cache and the
// download strategies. Failures are *HTTPError, ErrEmptyBody, ErrOffline or
// ErrNotConfigured.
type RemoteFetch interface {
	BaseURL() string
	GetSeries(ctx context.Context, id int64) (*Series, error)
	GetSeriesList(ctx context.Context, filter ListFilter, page, pageSize int) ([]Series, error)
	GetDetail(ctx context.Context, seriesID int64) (*Detail, error)
	GetPageContent(ctx context.Context, chapterID int64, page int) (string, error)
	GetFileStream(ctx context.Context, kind FileKind, id int64) (*FileStream, error)
	GetCover(ctx context.Context, kind EntityKind, id int64) ([]byte, error)
	GetAsset(ctx context.Context, absoluteURL string) ([]byte, error)
}
