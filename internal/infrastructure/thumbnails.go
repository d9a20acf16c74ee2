package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// ThumbnailStore keeps resized cover images on local disk, one file per entity
type ThumbnailStore struct {
	dir     string
	remote  domain.RemoteFetch
	maxDim  int
	quality int
	logger  *zap.Logger
}

// NewThumbnailStore creates a new thumbnail store rooted at dir
func NewThumbnailStore(dir string, remote domain.RemoteFetch, config *domain.CacheConfig, logger *zap.Logger) *ThumbnailStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxDim := config.ThumbnailMaxDimension
	if maxDim <= 0 {
		maxDim = 320
	}
	quality := config.ThumbnailQuality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &ThumbnailStore{
		dir:     dir,
		remote:  remote,
		maxDim:  maxDim,
		quality: quality,
		logger:  logger,
	}
}

// Enrich downloads thumbnails for entities that lack a usable local file.
// A cover stored by an earlier refresh is reused as is; clearing the
// thumbnails forces new downloads. Failures are swallowed: the entity keeps
// an empty thumbnail path. Returns the number of thumbnails written.
func (s *ThumbnailStore) Enrich(ctx context.Context, entities []domain.Entity) int {
	written := 0
	for _, e := range entities {
		if ctx.Err() != nil {
			return written
		}
		if p := e.Thumbnail(); p != "" && fileExists(p) {
			continue
		}
		if p := s.PathFor(e.Kind(), e.EntityID()); fileExists(p) {
			e.SetThumbnail(p)
			continue
		}
		path, err := s.Fetch(ctx, e.Kind(), e.EntityID())
		if err != nil {
			s.logger.Debug("Thumbnail enrichment skipped",
				zap.String("kind", string(e.Kind())),
				zap.Int64("id", e.EntityID()),
				zap.Error(err))
			e.SetThumbnail("")
			continue
		}
		e.SetThumbnail(path)
		written++
	}
	return written
}

// Fetch downloads, resizes and stores the cover of one entity
func (s *ThumbnailStore) Fetch(ctx context.Context, kind domain.EntityKind, id int64) (string, error) {
	data, err := s.remote.GetCover(ctx, kind, id)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode cover: %w", err)
	}
	img = fitWithin(img, s.maxDim)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	path := s.PathFor(kind, id)
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create thumbnail: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: s.quality}); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// PathFor returns the thumbnail file of an entity
func (s *ThumbnailStore) PathFor(kind domain.EntityKind, id int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.jpg", kind, id))
}

// Clear deletes every stored thumbnail
func (s *ThumbnailStore) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove thumbnails: %w", err)
	}
	return os.MkdirAll(s.dir, 0755)
}

// fitWithin scales img down so its long edge is at most maxDim
func fitWithin(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
