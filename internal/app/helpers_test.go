package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/internal/infrastructure"
)

func testCtx() context.Context { return context.Background() }

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

// newTestConfig returns a provider over the default configuration with
// storage under a temporary directory
func newTestConfig(t *testing.T, mod func(*domain.Config)) *ConfigProvider {
	t.Helper()
	dir := t.TempDir()
	cfg := domain.DefaultConfig()
	cfg.Storage = domain.StorageConfig{
		BaseDir:        dir,
		DatabasePath:   filepath.Join(dir, "shelfcache.db"),
		DownloadsDir:   filepath.Join(dir, "downloads"),
		ThumbnailsDir:  filepath.Join(dir, "thumbnails"),
		AssetsDir:      filepath.Join(dir, "assets"),
		AssetIndexPath: filepath.Join(dir, "assets.db"),
		LogsDir:        filepath.Join(dir, "logs"),
	}
	if mod != nil {
		mod(cfg)
	}
	return NewConfigProvider(cfg, nil)
}

func setupDatabase(t *testing.T) *infrastructure.Database {
	t.Helper()
	db, err := infrastructure.OpenDatabase(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeStrategy creates tasks with a fixed number of page items and completes
// them all on Run unless the hook fails first
type fakeStrategy struct {
	format  domain.DownloadFormat
	repo    domain.DownloadRepository
	items   int
	partial bool

	mu      sync.Mutex
	hook    func(ctx context.Context, taskID string) error
	running int
	maxSeen int
	runs    int
}

func newFakeStrategy(format domain.DownloadFormat, repo domain.DownloadRepository, items int) *fakeStrategy {
	return &fakeStrategy{format: format, repo: repo, items: items}
}

func (s *fakeStrategy) Format() domain.DownloadFormat { return s.format }

func (s *fakeStrategy) Enqueue(ctx context.Context, req domain.DownloadRequest) (string, error) {
	existing, err := s.repo.FindActiveByKey(ctx, req.DedupKey())
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	task := domain.NewDownloadTask(req)
	task.Total = s.items
	items := make([]*domain.DownloadedItem, s.items)
	for i := range items {
		items[i] = domain.NewPageItem(i)
	}
	return task.ID, s.repo.Create(ctx, task, items)
}

func (s *fakeStrategy) Run(ctx context.Context, taskID string) error {
	s.mu.Lock()
	s.running++
	s.runs++
	if s.running > s.maxSeen {
		s.maxSeen = s.running
	}
	hook := s.hook
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	if hook != nil {
		if err := hook(ctx, taskID); err != nil {
			return err
		}
	}
	if s.partial {
		return nil
	}
	items, err := s.repo.Items(ctx, taskID)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.MarkCompleted("", 10)
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return err
		}
	}
	return s.repo.UpdateProgress(ctx, taskID, len(items), len(items), int64(10*len(items)), int64(10*len(items)))
}

func (s *fakeStrategy) setHook(hook func(ctx context.Context, taskID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *fakeStrategy) stats() (running, maxSeen, runs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.maxSeen, s.runs
}

// blockUntilDone is a hook that reports the start of a run and then waits
// for the run to be canceled
func blockUntilDone(started chan<- string) func(ctx context.Context, taskID string) error {
	return func(ctx context.Context, taskID string) error {
		started <- taskID
		<-ctx.Done()
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case id := <-started:
		return id
	case <-time.After(5 * time.Second):
		require.FailNow(t, "run did not start")
		return ""
	}
}

// stubRemote implements domain.RemoteFetch with overridable detail and list calls
type stubRemote struct {
	mu          sync.Mutex
	detail      *domain.Detail
	detailErr   error
	series      []domain.Series
	listErr     error
	detailCalls int
}

func (r *stubRemote) BaseURL() string { return "http://media.local" }

func (r *stubRemote) GetSeries(ctx context.Context, id int64) (*domain.Series, error) {
	return &domain.Series{ID: id}, nil
}

func (r *stubRemote) GetSeriesList(ctx context.Context, filter domain.ListFilter, page, pageSize int) ([]domain.Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]domain.Series(nil), r.series...), nil
}

func (r *stubRemote) GetDetail(ctx context.Context, seriesID int64) (*domain.Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detailCalls++
	if r.detailErr != nil {
		return nil, r.detailErr
	}
	d := *r.detail
	return &d, nil
}

func (r *stubRemote) GetPageContent(ctx context.Context, chapterID int64, page int) (string, error) {
	return "", domain.ErrEmptyBody
}

func (r *stubRemote) GetFileStream(ctx context.Context, kind domain.FileKind, id int64) (*domain.FileStream, error) {
	return nil, domain.ErrEmptyBody
}

func (r *stubRemote) GetCover(ctx context.Context, kind domain.EntityKind, id int64) ([]byte, error) {
	return nil, &domain.HTTPError{StatusCode: 404}
}

func (r *stubRemote) GetAsset(ctx context.Context, absoluteURL string) ([]byte, error) {
	return nil, &domain.HTTPError{StatusCode: 404}
}
