package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/pkg/logger"
)

type fakeDownloads struct {
	mu      sync.Mutex
	tasks   map[string]*domain.DownloadTask
	calls   []string
	failAll error
}

func newFakeDownloads() *fakeDownloads {
	return &fakeDownloads{tasks: make(map[string]*domain.DownloadTask)}
}

func (f *fakeDownloads) record(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	if f.failAll != nil {
		return f.failAll
	}
	if _, ok := f.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (f *fakeDownloads) Enqueue(_ context.Context, req domain.DownloadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := domain.NewDownloadTask(req)
	f.tasks[task.ID] = task
	return task.ID, nil
}

func (f *fakeDownloads) Get(_ context.Context, id string) (*domain.DownloadTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return task, nil
}

func (f *fakeDownloads) List(_ context.Context, filter domain.TaskFilter) ([]*domain.DownloadTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DownloadTask
	for _, t := range f.tasks {
		if filter.SeriesID != 0 && t.SeriesID != filter.SeriesID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeDownloads) Items(_ context.Context, id string) ([]*domain.DownloadedItem, error) {
	if err := f.record("items", id); err != nil {
		return nil, err
	}
	return []*domain.DownloadedItem{{TaskID: id}}, nil
}

func (f *fakeDownloads) Stats(context.Context) (*domain.DownloadStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.DownloadStats{Total: int64(len(f.tasks)), Pending: int64(len(f.tasks))}, nil
}

func (f *fakeDownloads) Cancel(_ context.Context, id string) error { return f.record("cancel", id) }
func (f *fakeDownloads) Pause(_ context.Context, id string) error  { return f.record("pause", id) }
func (f *fakeDownloads) Resume(_ context.Context, id string) error { return f.record("resume", id) }
func (f *fakeDownloads) Retry(_ context.Context, id string) error  { return f.record("retry", id) }
func (f *fakeDownloads) Delete(_ context.Context, id string) error { return f.record("delete", id) }

func (f *fakeDownloads) ClearCompleted(context.Context) (int, error) { return 2, nil }

type fakeCache struct {
	globalOff bool
	cleared   []domain.ClearScope
	detail    *domain.Detail
	refreshed []string
	filter    domain.ListFilter
	series    map[int64]*domain.Series
}

func (f *fakeCache) LoadSeriesList(_ context.Context, scope domain.CacheScope, listType domain.ListType, listKey string, filter domain.ListFilter, page, pageSize int) ([]domain.Entity, error) {
	if listType.Kind() != domain.KindSeries {
		return nil, fmt.Errorf("%w: %s", domain.ErrKindMismatch, listType)
	}
	f.refreshed = append(f.refreshed, fmt.Sprintf("%s/%s/%s:%d:%d", scope, listType, listKey, page, pageSize))
	f.filter = filter
	return []domain.Entity{&domain.Series{ID: 5, Name: "Fetched"}}, nil
}

func (f *fakeCache) Get(_ context.Context, kind domain.EntityKind, id int64) (domain.Entity, error) {
	if kind == domain.KindCollection && id == 3 {
		return &domain.Collection{ID: 3, Title: "Favorites"}, nil
	}
	return nil, nil
}

func (f *fakeCache) LoadSeries(_ context.Context, _ domain.CacheScope, id int64) (*domain.Series, error) {
	return f.series[id], nil
}

func (f *fakeCache) GetList(_ context.Context, listType domain.ListType, _ string, _ domain.ListOrder) ([]domain.Entity, error) {
	return []domain.Entity{&domain.Series{ID: 1, Name: "Alpha"}, &domain.Series{ID: 2, Name: "beta"}}, nil
}

func (f *fakeCache) LoadDetail(_ context.Context, seriesID int64) (*domain.Detail, error) {
	if f.detail == nil || f.detail.Series.ID != seriesID {
		return nil, nil
	}
	return f.detail, nil
}

func (f *fakeCache) Counts(context.Context) (map[string]int64, error) {
	return map[string]int64{"series": 2}, nil
}

func (f *fakeCache) Clear(_ context.Context, scope domain.ClearScope) (bool, error) {
	if f.globalOff {
		return false, nil
	}
	f.cleared = append(f.cleared, scope)
	return true, nil
}

func (f *fakeCache) ClearSeries(context.Context, int64) (bool, error) { return !f.globalOff, nil }

type fakeNetwork struct {
	status domain.NetworkStatus
}

func (f *fakeNetwork) Status() domain.NetworkStatus { return f.status }

func (f *fakeNetwork) SetOfflineMode(enabled bool) error {
	f.status.OfflineMode = enabled
	return nil
}

type fakeReadiness bool

func (r fakeReadiness) Running() bool { return bool(r) }

type apiFixture struct {
	server    *httptest.Server
	downloads *fakeDownloads
	cache     *fakeCache
	network   *fakeNetwork
	ml        *logger.MultiLogger
}

func setupAPI(t *testing.T, ready bool) *apiFixture {
	t.Helper()
	ml, err := logger.NewMultiLogger(logger.MultiLoggerConfig{Level: "info", LogsDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { ml.Close() })

	f := &apiFixture{
		downloads: newFakeDownloads(),
		cache:     &fakeCache{},
		network:   &fakeNetwork{status: domain.NetworkStatus{IsOnline: true, ConnectionType: domain.ConnectionWiFi}},
		ml:        ml,
	}
	router := SetupRouter(Services{
		Downloads: f.downloads,
		Cache:     f.cache,
		Network:   f.network,
		Readiness: fakeReadiness(ready),
		LogsDir:   ml.GetLogsDir(),
	}, zap.NewNop(), ml)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["online_allowed"])

	resp, _ = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_EngineStopped(t *testing.T) {
	f := setupAPI(t, false)

	resp, body := f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not ready", body["status"])
}

func TestAddDownload(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{
		"series_id":  7,
		"chapter_id": 42,
		"type":       "chapter",
		"format":     "pdf",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "7|-|42|file|chapter", body["dedup_key"])

	id := body["id"].(string)
	resp, body = f.do(t, http.MethodGet, "/api/v1/downloads/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
}

func TestAddDownload_Invalid(t *testing.T) {
	f := setupAPI(t, true)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{"series_id": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{
		"series_id": 7,
		"type":      "chapter",
		"format":    "paged",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "chapter id is required")
}

func TestDownloadTransitions(t *testing.T) {
	f := setupAPI(t, true)
	id, err := f.downloads.Enqueue(context.Background(), domain.DownloadRequest{SeriesID: 1, Type: domain.TypeSeries, Format: domain.FormatProxy})
	require.NoError(t, err)

	for _, op := range []string{"cancel", "pause", "resume", "retry"} {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/downloads/"+id+"/"+op, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, op)
	}
	resp, _ := f.do(t, http.MethodDelete, "/api/v1/downloads/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"cancel:" + id, "pause:" + id, "resume:" + id, "retry:" + id, "delete:" + id}, f.downloads.calls)
}

func TestDownloadErrorsMapToStatus(t *testing.T) {
	f := setupAPI(t, true)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/downloads/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.downloads.failAll = fmt.Errorf("%w: completed -> paused", domain.ErrInvalidTransition)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/downloads/x/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClearCompletedRoute(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodDelete, "/api/v1/downloads/completed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["removed"])
	assert.Empty(t, f.downloads.calls)
}

func TestListDownloads_BadSeries(t *testing.T) {
	f := setupAPI(t, true)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/downloads?series_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheRoutes(t *testing.T) {
	f := setupAPI(t, true)
	f.cache.detail = &domain.Detail{Series: domain.Series{ID: 7, Name: "Seven"}}

	resp, body := f.do(t, http.MethodGet, "/api/v1/cache/lists/library_series/3?order=name", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cache/lists/nope/3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/cache/series/7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Seven", body["series"].(map[string]interface{})["name"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cache/series/8", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, "/api/v1/cache?scope=details", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cleared"])
	assert.Equal(t, []domain.ClearScope{domain.ClearDetails}, f.cache.cleared)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/cache?scope=everything", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheListRefresh(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/cache/lists/library_series/lib-3/refresh?library_id=3&page=2&page_size=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, []string{"library/library_series/lib-3:2:50"}, f.cache.refreshed)
	assert.Equal(t, int64(3), f.cache.filter.LibraryID)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cache/lists/collections/home/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cache/lists/browse/p1/refresh?scope=everything", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cache/lists/browse/p1/refresh?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheEntityRoutes(t *testing.T) {
	f := setupAPI(t, true)
	f.cache.series = map[int64]*domain.Series{9: {ID: 9, Name: "Nine"}}

	resp, body := f.do(t, http.MethodGet, "/api/v1/cache/entities/series/9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Nine", body["name"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cache/entities/series/10", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/cache/entities/collection/3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Favorites", body["title"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/cache/entities/shelf/3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheClear_DisabledByPolicy(t *testing.T) {
	f := setupAPI(t, true)
	f.cache.globalOff = true

	resp, body := f.do(t, http.MethodDelete, "/api/v1/cache", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cleared"])

	resp, body = f.do(t, http.MethodDelete, "/api/v1/cache/series/7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cleared"])
}

func TestNetworkRoutes(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodPut, "/api/v1/network/offline", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["offline_mode"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/network", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["online_allowed"])

	resp, _ = f.do(t, http.MethodPut, "/api/v1/network/offline", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogRoutes(t *testing.T) {
	f := setupAPI(t, true)
	f.ml.LogDownloadEvent("download_enqueued", zap.String("id", "abc"))
	f.ml.LogDownloadEvent("download_failed", zap.String("id", "def"))
	require.NoError(t, f.ml.Sync())

	resp, body := f.do(t, http.MethodGet, "/api/v1/logs/download?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/logs/download/search?q=enqueued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/logs/queue", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/logs/download?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/logs/cache/export?date="+time.Now().AddDate(0, 0, -3).Format("2006-01-02"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNoRoute(t *testing.T) {
	f := setupAPI(t, true)

	resp, body := f.do(t, http.MethodGet, "/api/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])
}
