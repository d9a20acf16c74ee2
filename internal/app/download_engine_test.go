package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/internal/infrastructure"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

type engineFixture struct {
	engine    *DownloadEngine
	repo      *infrastructure.SQLiteDownloadRepository
	config    *ConfigProvider
	conn      *infrastructure.StaticConnectivity
	scheduler *NetworkScheduler
	executor  *Executor
	paged     *fakeStrategy
	pdf       *fakeStrategy
}

func setupEngine(t *testing.T, online bool, mod func(*domain.Config)) *engineFixture {
	t.Helper()
	config := newTestConfig(t, func(c *domain.Config) {
		c.Download.RetryDelay = 5 * time.Millisecond
		if mod != nil {
			mod(c)
		}
	})
	repo := infrastructure.NewSQLiteDownloadRepository(setupDatabase(t))
	conn := infrastructure.NewStaticConnectivity(domain.Connectivity{Online: online, Type: domain.ConnectionWiFi})

	f := &engineFixture{
		repo:   repo,
		config: config,
		conn:   conn,
		paged:  newFakeStrategy(domain.FormatPaged, repo, 3),
		pdf:    newFakeStrategy(domain.FormatPDF, repo, 1),
	}
	f.scheduler = NewNetworkScheduler(conn, config, 0, nil)
	settings := config.DownloadSettings()
	f.executor = NewExecutor(settings.MaxConcurrent, f.scheduler, settings.RetryDelay, nil)
	f.executor.pollEvery = tick
	f.engine = NewDownloadEngine(
		repo,
		domain.NewStrategySet(f.paged, f.pdf),
		f.scheduler,
		NewConcurrencyLimiter(repo, config),
		f.executor,
		config,
		nil,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	f.scheduler.Start(ctx)
	require.NoError(t, f.engine.Start(ctx))
	t.Cleanup(func() {
		f.engine.Stop()
		cancel()
	})
	return f
}

func chapterReq(chapterID int64, format domain.DownloadFormat) domain.DownloadRequest {
	return domain.DownloadRequest{
		SeriesID:  7,
		ChapterID: int64Ptr(chapterID),
		Type:      domain.TypeChapter,
		Format:    format,
	}
}

func (f *engineFixture) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := f.repo.FindByID(testCtx(), id)
	require.NoError(t, err)
	return task.Status
}

func (f *engineFixture) waitStatus(t *testing.T, id string, want domain.TaskStatus) *domain.DownloadTask {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := f.repo.FindByID(testCtx(), id)
		return err == nil && task.Status == want
	}, waitFor, tick, "task %s never reached %s", id, want)
	task, err := f.repo.FindByID(testCtx(), id)
	require.NoError(t, err)
	return task
}

func TestEngine_EnqueueDeduplicatesAcrossFormats(t *testing.T) {
	f := setupEngine(t, false, nil)

	first, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	second, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	third, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPDF))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)

	tasks, err := f.engine.List(testCtx(), domain.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestEngine_ConcurrentEnqueueCreatesOneTask(t *testing.T) {
	f := setupEngine(t, false, nil)

	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	first := <-ids
	for i := 1; i < 8; i++ {
		assert.Equal(t, first, <-ids)
	}
}

func TestEngine_UnknownFormatCreatesFailedTask(t *testing.T) {
	f := setupEngine(t, true, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatArchive))
	require.NoError(t, err)

	task, err := f.engine.Get(testCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "no strategy for format archive")
}

func TestEngine_InvalidRequest(t *testing.T) {
	f := setupEngine(t, true, nil)

	_, err := f.engine.Enqueue(testCtx(), domain.DownloadRequest{Type: domain.TypeChapter, Format: domain.FormatPaged})
	assert.Error(t, err)
}

func TestEngine_CompletesTask(t *testing.T) {
	f := setupEngine(t, true, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, 3, task.Progress)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.WorkHandle)
	assert.NotNil(t, task.CompletedAt)
}

func TestEngine_RespectsConcurrencyLimit(t *testing.T) {
	f := setupEngine(t, true, func(c *domain.Config) { c.Download.MaxConcurrent = 2 })
	release := make(chan struct{})
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var ids []string
	for ch := int64(1); ch <= 5; ch++ {
		id, err := f.engine.Enqueue(testCtx(), chapterReq(ch, domain.FormatPaged))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		running, _, _ := f.paged.stats()
		return running == 2
	}, waitFor, tick)

	active, err := f.repo.CountActive(testCtx())
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	close(release)
	for _, id := range ids {
		f.waitStatus(t, id, domain.StatusCompleted)
	}
	_, maxSeen, runs := f.paged.stats()
	assert.Equal(t, 2, maxSeen)
	assert.Equal(t, 5, runs)
}

func TestEngine_PriorityOrder(t *testing.T) {
	f := setupEngine(t, false, func(c *domain.Config) { c.Download.MaxConcurrent = 1 })

	low := chapterReq(1, domain.FormatPaged)
	high := chapterReq(2, domain.FormatPaged)
	high.Priority = 10
	lowID, err := f.engine.Enqueue(testCtx(), low)
	require.NoError(t, err)
	highID, err := f.engine.Enqueue(testCtx(), high)
	require.NoError(t, err)

	var order []string
	orderCh := make(chan string, 2)
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		orderCh <- taskID
		return nil
	})
	f.conn.Set(domain.Connectivity{Online: true, Type: domain.ConnectionWiFi})

	for i := 0; i < 2; i++ {
		order = append(order, waitStarted(t, orderCh))
	}
	assert.Equal(t, []string{highID, lowID}, order)
}

func TestEngine_OfflineModeDefersDispatch(t *testing.T) {
	f := setupEngine(t, true, func(c *domain.Config) { c.Network.OfflineMode = true })

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	task, err := f.repo.FindByID(testCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Empty(t, task.WorkHandle)
	_, _, runs := f.paged.stats()
	assert.Zero(t, runs)

	require.NoError(t, f.scheduler.SetOfflineMode(false))
	f.waitStatus(t, id, domain.StatusCompleted)
}

func TestEngine_ConnectivityRegainedDispatches(t *testing.T) {
	f := setupEngine(t, false, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, f.status(t, id))

	f.conn.Set(domain.Connectivity{Online: true, Type: domain.ConnectionWiFi})
	f.waitStatus(t, id, domain.StatusCompleted)
}

func TestEngine_MeteredConnectionWaits(t *testing.T) {
	f := setupEngine(t, false, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	f.conn.Set(domain.Connectivity{Online: true, Type: domain.ConnectionCellular, Metered: true})
	require.Eventually(t, func() bool {
		task, err := f.repo.FindByID(testCtx(), id)
		return err == nil && task.WorkHandle != ""
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StatusPending, f.status(t, id))

	f.conn.Set(domain.Connectivity{Online: true, Type: domain.ConnectionWiFi})
	f.waitStatus(t, id, domain.StatusCompleted)
}

func TestEngine_CancelRunningKeepsProgress(t *testing.T) {
	f := setupEngine(t, true, nil)
	started := make(chan string, 1)
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		assert.NoError(t, f.repo.UpdateProgress(testCtx(), taskID, 1, 3, 10, 30))
		return blockUntilDone(started)(ctx, taskID)
	})

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	waitStarted(t, started)

	require.NoError(t, f.engine.Cancel(testCtx(), id))

	task := f.waitStatus(t, id, domain.StatusCanceled)
	assert.Equal(t, 1, task.Progress)
	assert.Empty(t, task.WorkHandle)
}

func TestEngine_CancelPendingTask(t *testing.T) {
	f := setupEngine(t, false, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(testCtx(), id))

	assert.Equal(t, domain.StatusCanceled, f.status(t, id))
}

func (f *engineFixture) pendingIntents() int {
	f.engine.intentMu.Lock()
	defer f.engine.intentMu.Unlock()
	return len(f.engine.intents)
}

func TestEngine_CancelWaitingTaskReleasesIntent(t *testing.T) {
	f := setupEngine(t, false, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	// metered: dispatched, but the job waits for its constraints
	f.conn.Set(domain.Connectivity{Online: true, Type: domain.ConnectionCellular, Metered: true})
	require.Eventually(t, func() bool {
		task, err := f.repo.FindByID(testCtx(), id)
		return err == nil && task.IsDispatched()
	}, waitFor, tick)

	require.NoError(t, f.engine.Cancel(testCtx(), id))

	assert.Equal(t, domain.StatusCanceled, f.status(t, id))
	require.Eventually(t, func() bool { return f.executor.Active() == 0 }, waitFor, tick)
	assert.Zero(t, f.pendingIntents())
	_, _, runs := f.paged.stats()
	assert.Zero(t, runs)
}

func TestEngine_PauseAndResume(t *testing.T) {
	f := setupEngine(t, true, nil)
	started := make(chan string, 1)
	var calls atomic.Int32
	block := blockUntilDone(started)
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		if calls.Add(1) == 1 {
			return block(ctx, taskID)
		}
		return nil
	})

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	waitStarted(t, started)

	require.NoError(t, f.engine.Pause(testCtx(), id))
	f.waitStatus(t, id, domain.StatusPaused)

	require.NoError(t, f.engine.Resume(testCtx(), id))
	task := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, 2, task.Attempts)
}

func TestEngine_ResumeRequiresPaused(t *testing.T) {
	f := setupEngine(t, true, nil)

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	f.waitStatus(t, id, domain.StatusCompleted)

	assert.ErrorIs(t, f.engine.Resume(testCtx(), id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Cancel(testCtx(), id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Retry(testCtx(), id), domain.ErrInvalidTransition)
}

func TestEngine_AutomaticRetry(t *testing.T) {
	f := setupEngine(t, true, func(c *domain.Config) { c.Download.MaxAttempts = 3 })
	var calls atomic.Int32
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		if calls.Add(1) < 3 {
			return &domain.HTTPError{StatusCode: http.StatusServiceUnavailable, URL: "page"}
		}
		return nil
	})

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, 3, task.Attempts)
	assert.Empty(t, task.Error)
}

func TestEngine_PermanentFailureIsNotRetried(t *testing.T) {
	f := setupEngine(t, true, nil)
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		return &domain.HTTPError{StatusCode: http.StatusNotFound, URL: "page"}
	})

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusFailed)
	time.Sleep(30 * time.Millisecond)
	task, err = f.repo.FindByID(testCtx(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.WorkHandle)
	assert.Contains(t, task.Error, "http 404")
}

func TestEngine_ManualRetryAfterExhaustion(t *testing.T) {
	f := setupEngine(t, true, func(c *domain.Config) { c.Download.MaxAttempts = 2 })
	var healthy atomic.Bool
	f.paged.setHook(func(ctx context.Context, taskID string) error {
		if !healthy.Load() {
			return errors.New("connection reset")
		}
		return nil
	})

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := f.repo.FindByID(testCtx(), id)
		return err == nil && task.Status == domain.StatusFailed && task.Attempts == 2 && task.WorkHandle == ""
	}, waitFor, tick)

	healthy.Store(true)
	require.NoError(t, f.engine.Retry(testCtx(), id))
	task := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, 1, task.Attempts)
}

func TestEngine_IncompleteRunFails(t *testing.T) {
	f := setupEngine(t, true, func(c *domain.Config) { c.Download.RetryEnabled = false })
	f.paged.partial = true

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusFailed)
	assert.Equal(t, "incomplete: 0 of 3 items completed", task.Error)
}

func TestEngine_StopRequeuesRunningTask(t *testing.T) {
	f := setupEngine(t, true, nil)
	started := make(chan string, 1)
	f.paged.setHook(blockUntilDone(started))

	id, err := f.engine.Enqueue(testCtx(), chapterReq(42, domain.FormatPaged))
	require.NoError(t, err)
	waitStarted(t, started)

	f.engine.Stop()

	task, err := f.repo.FindByID(testCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Empty(t, task.WorkHandle)
}

func TestEngine_ReconcileOrphans(t *testing.T) {
	f := setupEngine(t, false, nil)

	running := domain.NewDownloadTask(chapterReq(1, domain.FormatPaged))
	running.BindHandle("stale-1")
	running.MarkRunning()
	dispatched := domain.NewDownloadTask(chapterReq(2, domain.FormatPaged))
	dispatched.BindHandle("stale-2")
	require.NoError(t, f.repo.Create(testCtx(), running, nil))
	require.NoError(t, f.repo.Create(testCtx(), dispatched, nil))

	n, err := f.engine.ReconcileOrphans(testCtx())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{running.ID, dispatched.ID} {
		task, err := f.repo.FindByID(testCtx(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, task.Status)
		assert.Empty(t, task.WorkHandle)
	}
}

func TestEngine_DeleteRemovesFiles(t *testing.T) {
	f := setupEngine(t, false, nil)
	path := filepath.Join(t.TempDir(), "book.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0644))
	require.NoError(t, os.WriteFile(path+".part", []byte("p"), 0644))

	task := domain.NewDownloadTask(chapterReq(42, domain.FormatPDF))
	require.NoError(t, f.repo.Create(testCtx(), task, []*domain.DownloadedItem{domain.NewFileItem(path)}))

	require.NoError(t, f.engine.Delete(testCtx(), task.ID))

	_, err := f.repo.FindByID(testCtx(), task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_ClearCompletedKeepsFiles(t *testing.T) {
	f := setupEngine(t, false, nil)
	path := filepath.Join(t.TempDir(), "book.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0644))

	done := domain.NewDownloadTask(chapterReq(1, domain.FormatPDF))
	done.MarkCompleted()
	require.NoError(t, f.repo.Create(testCtx(), done, []*domain.DownloadedItem{domain.NewFileItem(path)}))
	pending := domain.NewDownloadTask(chapterReq(2, domain.FormatPDF))
	require.NoError(t, f.repo.Create(testCtx(), pending, nil))

	n, err := f.engine.ClearCompleted(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(path)
	assert.NoError(t, err)
	stats, err := f.engine.Stats(testCtx())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestEngine_ItemsOfUnknownTask(t *testing.T) {
	f := setupEngine(t, false, nil)

	_, err := f.engine.Items(testCtx(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// TestEngine_PagedChapterEndToEnd drives the real paged strategy against a
// fake media server: pages 1-3 of chapter 42 with one download slot
func TestEngine_PagedChapterEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Book/42/book-page" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		fmt.Fprintf(w, "<p>page %d</p>", page)
	}))
	defer srv.Close()

	config := newTestConfig(t, func(c *domain.Config) {
		c.Remote.BaseURL = srv.URL
		c.Download.MaxConcurrent = 1
	})
	settings := config.Config()
	db := setupDatabase(t)
	repo := infrastructure.NewSQLiteDownloadRepository(db)
	remote := infrastructure.NewHTTPRemote(&settings.Remote, nil)
	index, err := infrastructure.OpenAssetIndex(settings.Storage.AssetIndexPath)
	require.NoError(t, err)
	defer index.Close()

	conn := infrastructure.NewStaticConnectivity(domain.Connectivity{Online: true, Type: domain.ConnectionWiFi})
	scheduler := NewNetworkScheduler(conn, config, 0, nil)
	assets := infrastructure.NewAssetStore(settings.Storage.AssetsDir, index, remote, nil)
	paged := infrastructure.NewPagedStrategy(repo, infrastructure.NewSQLiteCacheRepository(db), remote, assets, scheduler, settings.Storage.DownloadsDir, nil)

	executor := NewExecutor(1, scheduler, time.Millisecond, nil)
	engine := NewDownloadEngine(repo, domain.NewStrategySet(paged), scheduler, NewConcurrencyLimiter(repo, config), executor, config, nil, nil)
	require.NoError(t, engine.Start(testCtx()))
	defer engine.Stop()

	req := domain.DownloadRequest{
		SeriesID:  7,
		ChapterID: int64Ptr(42),
		PageStart: intPtr(1),
		PageEnd:   intPtr(3),
		Type:      domain.TypePages,
		Format:    domain.FormatPaged,
	}
	id, err := engine.Enqueue(testCtx(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := repo.FindByID(testCtx(), id)
		return err == nil && task.Status == domain.StatusCompleted
	}, waitFor, tick)

	task, err := repo.FindByID(testCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, task.Progress)
	assert.Equal(t, 3, task.Total)

	for p := 1; p <= 3; p++ {
		path := filepath.Join(settings.Storage.DownloadsDir, "series_7", "chapter_42", fmt.Sprintf("page_%04d.html", p))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), fmt.Sprintf("page %d", p))
	}
}
