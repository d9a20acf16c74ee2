package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMultiLogger(t *testing.T) *MultiLogger {
	t.Helper()
	ml, err := NewMultiLogger(MultiLoggerConfig{Level: "debug", LogsDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { ml.Close() })
	return ml
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	log, err := New(Config{Level: "bogus", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hello", zap.String("k", "v"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewMultiLogger_RequiresDir(t *testing.T) {
	_, err := NewMultiLogger(MultiLoggerConfig{})
	assert.Error(t, err)
}

func TestMultiLogger_CategoryFiles(t *testing.T) {
	ml := newTestMultiLogger(t)

	ml.LogDownloadEvent("download_completed", zap.String("id", "t1"))
	ml.LogCacheEvent("cache_cleared", zap.String("scope", "all"))
	ml.GetLogger(CategoryError).Info("filtered below error level")
	ml.LogAppError("boom", zap.String("id", "t2"))
	require.NoError(t, ml.Sync())

	reader := NewLogReader(ml.GetLogsDir())
	downloads, err := reader.ReadLogs(CategoryDownload, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "download_completed", downloads[0].Message)
	assert.Equal(t, "t1", downloads[0].Fields["id"])

	errs, err := reader.ReadLogs(CategoryError, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Level)
}

func TestLogReader_LimitKeepsNewest(t *testing.T) {
	ml := newTestMultiLogger(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		ml.LogDownloadEvent("download_enqueued", zap.String("id", id))
	}
	require.NoError(t, ml.Sync())

	entries, err := NewLogReader(ml.GetLogsDir()).ReadLogs(CategoryDownload, time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Fields["id"])
	assert.Equal(t, "d", entries[1].Fields["id"])
}

func TestLogReader_Search(t *testing.T) {
	ml := newTestMultiLogger(t)
	ml.LogDownloadEvent("download_failed", zap.String("error", "HTTP 503 from server"))
	ml.LogDownloadEvent("download_completed", zap.String("id", "x"))
	require.NoError(t, ml.Sync())

	entries, err := NewLogReader(ml.GetLogsDir()).SearchLogs(CategoryDownload, time.Now(), "http 503", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "download_failed", entries[0].Message)
}

func TestLogReader_MissingFile(t *testing.T) {
	entries, err := NewLogReader(t.TempDir()).ReadLogs(CategoryCache, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogReader_Tail(t *testing.T) {
	ml := newTestMultiLogger(t)
	reader := NewLogReader(ml.GetLogsDir())
	ml.LogCacheEvent("before_tail")
	require.NoError(t, ml.Sync())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan LogEntry, 4)
	go reader.Tail(ctx, CategoryCache, out)

	deadline := time.After(5 * time.Second)
	for {
		ml.LogCacheEvent("list_cached")
		require.NoError(t, ml.Sync())
		select {
		case entry := <-out:
			assert.Equal(t, "list_cached", entry.Message)
			return
		case <-time.After(250 * time.Millisecond):
		case <-deadline:
			t.Fatal("no entry tailed")
		}
	}
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory(CategoryDownload))
	assert.False(t, ValidCategory(LogCategory("queue")))
}

func TestMultiLogger_Tee(t *testing.T) {
	ml := newTestMultiLogger(t)
	log := ml.Tee(zap.NewNop(), CategoryCache)

	log.Info("Cache cleared", zap.String("scope", "details"))
	require.NoError(t, ml.Sync())

	entries, err := NewLogReader(ml.GetLogsDir()).ReadLogs(CategoryCache, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "details", entries[0].Fields["scope"])
}

func TestMultiLogger_RotatesOnNewDay(t *testing.T) {
	ml := newTestMultiLogger(t)
	tomorrow := time.Now().AddDate(0, 0, 1)

	ml.rotate(tomorrow)
	ml.GetLogger(CategoryDownload).Info("after_rotation")
	require.NoError(t, ml.Sync())

	_, err := os.Stat(ml.CategoryLogPath(CategoryDownload, tomorrow))
	assert.NoError(t, err)
}
