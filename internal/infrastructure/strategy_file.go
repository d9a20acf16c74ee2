package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// progressStep is how many bytes are copied between progress writes
const progressStep = 256 * 1024

// FileStrategy downloads a single whole file per task. It backs the PDF,
// archive and generic proxy formats, which differ only in the endpoint used.
type FileStrategy struct {
	strategyBase
	format domain.DownloadFormat
}

// NewPDFStrategy creates the strategy for whole-document PDF downloads
func NewPDFStrategy(repo domain.DownloadRepository, remote domain.RemoteFetch, gate domain.NetworkGate, downloadsDir string, logger *zap.Logger) *FileStrategy {
	return &FileStrategy{strategyBase: newStrategyBase(repo, remote, gate, downloadsDir, logger), format: domain.FormatPDF}
}

// NewArchiveStrategy creates the strategy for proxied archive files
func NewArchiveStrategy(repo domain.DownloadRepository, remote domain.RemoteFetch, gate domain.NetworkGate, downloadsDir string, logger *zap.Logger) *FileStrategy {
	return &FileStrategy{strategyBase: newStrategyBase(repo, remote, gate, downloadsDir, logger), format: domain.FormatArchive}
}

// NewProxyStrategy creates the strategy for series, volume and chapter downloads
func NewProxyStrategy(repo domain.DownloadRepository, remote domain.RemoteFetch, gate domain.NetworkGate, downloadsDir string, logger *zap.Logger) *FileStrategy {
	return &FileStrategy{strategyBase: newStrategyBase(repo, remote, gate, downloadsDir, logger), format: domain.FormatProxy}
}

// Format returns the format this strategy handles
func (s *FileStrategy) Format() domain.DownloadFormat {
	return s.format
}

// endpoint resolves the remote file kind and id for a request
func (s *FileStrategy) endpoint(req domain.DownloadRequest) (domain.FileKind, int64, error) {
	switch s.format {
	case domain.FormatPDF, domain.FormatArchive:
		if req.ChapterID == nil {
			return "", 0, fmt.Errorf("%s downloads need a chapter id", s.format)
		}
		kind := domain.FilePDF
		if s.format == domain.FormatArchive {
			kind = domain.FileArchive
		}
		return kind, *req.ChapterID, nil
	}

	switch req.Type {
	case domain.TypeSeries:
		return domain.FileSeries, req.SeriesID, nil
	case domain.TypeVolume:
		return domain.FileVolume, *req.VolumeID, nil
	case domain.TypeChapter:
		return domain.FileChapter, *req.ChapterID, nil
	}
	return "", 0, fmt.Errorf("%s downloads do not support type %s", s.format, req.Type)
}

func (s *FileStrategy) targetPath(req domain.DownloadRequest, kind domain.FileKind, id int64) string {
	ext := ".zip"
	switch s.format {
	case domain.FormatPDF:
		ext = ".pdf"
	case domain.FormatArchive:
		ext = ".cbz"
	}
	return filepath.Join(s.seriesDir(req.SeriesID), fmt.Sprintf("%s_%s_%d%s", s.format, kind, id, ext))
}

// Enqueue returns an equivalent active task, a completed task whose file is
// still on disk, or a new pending task with a single file item
func (s *FileStrategy) Enqueue(ctx context.Context, req domain.DownloadRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	kind, id, err := s.endpoint(req)
	if err != nil {
		return "", err
	}

	key := req.DedupKey()
	if existing, err := s.findActive(ctx, key); err != nil || existing != "" {
		return existing, err
	}
	if existing, err := s.findReusableFile(ctx, key); err != nil || existing != "" {
		if existing != "" {
			s.logger.Debug("Reusing completed download", zap.String("id", existing))
		}
		return existing, err
	}

	return s.create(ctx, req, []*domain.DownloadedItem{domain.NewFileItem(s.targetPath(req, kind, id))})
}

// Run streams the file to a temporary path and renames it into place
func (s *FileStrategy) Run(ctx context.Context, taskID string) error {
	task, items, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("task %s has no file item", taskID)
	}
	item := items[0]
	if item.IsCompleted() && fileExists(item.LocalPath) {
		return nil
	}

	if err := s.checkOnline(); err != nil {
		return err
	}

	req := task.Request()
	kind, id, err := s.endpoint(req)
	if err != nil {
		return err
	}
	if item.LocalPath == "" {
		item.LocalPath = s.targetPath(req, kind, id)
	}

	stream, err := s.remote.GetFileStream(ctx, kind, id)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	if stream.ContentLength > 0 {
		item.BytesTotal = stream.ContentLength
	}

	written, err := s.writeStream(ctx, task.ID, item, stream.Body)
	if err != nil {
		return err
	}

	item.MarkCompleted(item.LocalPath, written)
	if err := s.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if err := s.repo.UpdateProgress(ctx, task.ID, 1, 1, written, item.BytesTotal); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	s.logger.Info("File downloaded",
		zap.String("id", task.ID),
		zap.String("path", item.LocalPath),
		zap.Int64("bytes", written))
	return nil
}

// writeStream copies body into item.LocalPath through a .part file
func (s *FileStrategy) writeStream(ctx context.Context, taskID string, item *domain.DownloadedItem, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(item.LocalPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp := item.LocalPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	pw := &progressWriter{
		w: f,
		report: func(n int64) {
			if err := s.repo.UpdateProgress(ctx, taskID, 0, 1, n, item.BytesTotal); err != nil {
				s.logger.Debug("Progress update failed", zap.String("id", taskID), zap.Error(err))
			}
		},
	}
	written, copyErr := io.Copy(pw, &ctxReader{ctx: ctx, r: body})
	closeErr := f.Close()

	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && written == 0 {
		copyErr = domain.ErrEmptyBody
	}
	if copyErr != nil {
		os.Remove(tmp)
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, domain.ErrEmptyBody) {
			return 0, copyErr
		}
		return 0, fmt.Errorf("failed to write file: %w", copyErr)
	}

	if err := os.Rename(tmp, item.LocalPath); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}
	return written, nil
}

// ctxReader stops a copy as soon as its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// progressWriter reports the running byte count every progressStep bytes
type progressWriter struct {
	w        io.Writer
	written  int64
	reported int64
	report   func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written-p.reported >= progressStep {
		p.reported = p.written
		p.report(p.written)
	}
	return n, err
}
