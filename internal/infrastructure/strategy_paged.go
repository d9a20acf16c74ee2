package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// assetConcurrency bounds parallel asset fetches within one page
const assetConcurrency = 4

// PagedStrategy downloads a chapter page by page: each page's markup is
// stored with its embedded assets fetched once and rewritten to local files
type PagedStrategy struct {
	strategyBase
	cache  domain.CacheRepository
	assets *AssetStore
}

// NewPagedStrategy creates the paged strategy. cache may be nil, in which
// case chapters without an explicit page range are sized from the remote.
func NewPagedStrategy(repo domain.DownloadRepository, cache domain.CacheRepository, remote domain.RemoteFetch, assets *AssetStore, gate domain.NetworkGate, downloadsDir string, logger *zap.Logger) *PagedStrategy {
	return &PagedStrategy{
		strategyBase: newStrategyBase(repo, remote, gate, downloadsDir, logger),
		cache:        cache,
		assets:       assets,
	}
}

// Format returns the format this strategy handles
func (s *PagedStrategy) Format() domain.DownloadFormat {
	return domain.FormatPaged
}

// Enqueue returns an equivalent active task or creates one with a pending
// item per page
func (s *PagedStrategy) Enqueue(ctx context.Context, req domain.DownloadRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.ChapterID == nil {
		return "", fmt.Errorf("paged downloads need a chapter id")
	}

	if existing, err := s.findActive(ctx, req.DedupKey()); err != nil || existing != "" {
		return existing, err
	}

	pages := req.Pages()
	if pages == nil {
		count, err := s.pageCount(ctx, req.SeriesID, *req.ChapterID)
		if errors.Is(err, domain.ErrOffline) {
			// sized by the first run
			s.logger.Debug("Chapter size deferred", zap.Int64("chapter_id", *req.ChapterID))
			return s.create(ctx, req, nil)
		}
		if err != nil {
			return "", err
		}
		pages = pageRange(count)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("chapter %d has no pages", *req.ChapterID)
	}
	return s.create(ctx, req, pageItems(pages))
}

func pageRange(count int) []int {
	pages := make([]int, 0, count)
	for p := 0; p < count; p++ {
		pages = append(pages, p)
	}
	return pages
}

func pageItems(pages []int) []*domain.DownloadedItem {
	items := make([]*domain.DownloadedItem, 0, len(pages))
	for _, p := range pages {
		items = append(items, domain.NewPageItem(p))
	}
	return items
}

// sizeChapter adds one item per page to a task enqueued before its
// chapter's page count was known
func (s *PagedStrategy) sizeChapter(ctx context.Context, task *domain.DownloadTask) ([]*domain.DownloadedItem, error) {
	count, err := s.pageCount(ctx, task.SeriesID, *task.ChapterID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("chapter %d has no pages", *task.ChapterID)
	}
	items := pageItems(pageRange(count))
	if err := s.repo.AddItems(ctx, task.ID, items); err != nil {
		return nil, fmt.Errorf("failed to add page items: %w", err)
	}
	if err := s.repo.UpdateProgress(ctx, task.ID, 0, len(items), 0, 0); err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}
	task.Total = len(items)
	s.logger.Info("Chapter sized",
		zap.String("id", task.ID),
		zap.Int64("chapter_id", *task.ChapterID),
		zap.Int("pages", count))
	return items, nil
}

// pageCount reads the chapter's page count from the cache, falling back to
// the series detail on the remote
func (s *PagedStrategy) pageCount(ctx context.Context, seriesID, chapterID int64) (int, error) {
	if s.cache != nil {
		entity, err := s.cache.GetEntity(ctx, domain.KindChapter, chapterID)
		if err == nil {
			if ch, ok := entity.(*domain.Chapter); ok && ch.Pages > 0 {
				return ch.Pages, nil
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
	}

	if err := s.checkOnline(); err != nil {
		return 0, fmt.Errorf("page count of chapter %d unknown: %w", chapterID, err)
	}
	detail, err := s.remote.GetDetail(ctx, seriesID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch series %d: %w", seriesID, err)
	}
	for _, v := range detail.Volumes {
		for _, ch := range v.Chapters {
			if ch.ID == chapterID {
				return ch.Pages, nil
			}
		}
	}
	return 0, fmt.Errorf("chapter %d: %w", chapterID, domain.ErrNotFound)
}

func (s *PagedStrategy) chapterDir(task *domain.DownloadTask) string {
	return filepath.Join(s.seriesDir(task.SeriesID), fmt.Sprintf("chapter_%d", *task.ChapterID))
}

// Run downloads every page not yet completed. A failed page fails the run
// and leaves earlier pages completed so a later run resumes after them.
func (s *PagedStrategy) Run(ctx context.Context, taskID string) error {
	task, items, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ChapterID == nil {
		return fmt.Errorf("task %s has no chapter", taskID)
	}
	if len(items) == 0 {
		if items, err = s.sizeChapter(ctx, task); err != nil {
			return err
		}
	}
	if domain.AllCompleted(items) {
		return nil
	}
	if err := s.checkOnline(); err != nil {
		return err
	}

	base, err := url.Parse(s.remote.BaseURL())
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	dir := s.chapterDir(task)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chapter directory: %w", err)
	}

	done, written := progressOf(items)
	for _, item := range items {
		if item.IsCompleted() || item.Page == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		page := *item.Page
		raw, err := s.remote.GetPageContent(ctx, *task.ChapterID, page)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		pagePath := filepath.Join(dir, fmt.Sprintf("page_%04d.html", page))
		rendered, assetBytes, err := s.rewritePage(ctx, raw, base, dir)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if err := writeFileAtomic(pagePath, rendered); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		size := int64(len(rendered)) + assetBytes
		item.MarkCompleted(pagePath, size)
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}
		done++
		written += size
		if err := s.repo.UpdateProgress(ctx, task.ID, done, len(items), written, written); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		s.logger.Debug("Page downloaded",
			zap.String("id", task.ID),
			zap.Int("page", page),
			zap.Int("progress", done),
			zap.Int("total", len(items)))
	}
	return nil
}

// rewritePage fetches every asset referenced by the page markup and points
// the references at the local copies
func (s *PagedStrategy) rewritePage(ctx context.Context, raw string, base *url.URL, pageDir string) ([]byte, int64, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(raw), body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse page: %w", err)
	}

	var refs []*html.Attribute
	for _, n := range nodes {
		refs = collectRefs(n, refs)
	}

	unique := make(map[string]struct{})
	for _, attr := range refs {
		if abs := resolveAssetURL(base, attr.Val); abs != "" {
			unique[abs] = struct{}{}
		}
	}

	var (
		mu       sync.Mutex
		local    = make(map[string]string, len(unique))
		assetLen int64
	)
	g := new(errgroup.Group)
	g.SetLimit(assetConcurrency)
	for abs := range unique {
		abs := abs
		g.Go(func() error {
			rec, err := s.assets.Ensure(ctx, abs)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("Asset skipped", zap.String("url", abs), zap.Error(err))
				return nil
			}
			mu.Lock()
			local[abs] = rec.Path
			assetLen += rec.Bytes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	for _, attr := range refs {
		abs := resolveAssetURL(base, attr.Val)
		p, ok := local[abs]
		if !ok {
			continue
		}
		if rel, err := filepath.Rel(pageDir, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		attr.Val = p
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return nil, 0, fmt.Errorf("failed to render page: %w", err)
		}
	}
	return buf.Bytes(), assetLen, nil
}

// collectRefs appends every src attribute, plus the href of SVG image
// elements, found under n
func collectRefs(n *html.Node, refs []*html.Attribute) []*html.Attribute {
	if n.Type == html.ElementNode {
		for i := range n.Attr {
			a := &n.Attr[i]
			if a.Key == "src" || (n.Data == "image" && a.Key == "href") {
				refs = append(refs, a)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		refs = collectRefs(c, refs)
	}
	return refs
}

// resolveAssetURL returns the absolute form of ref, or "" for references
// that are not fetchable (inline data, fragments, empty values)
func resolveAssetURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
