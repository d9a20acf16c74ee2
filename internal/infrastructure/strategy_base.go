package infrastructure

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// strategyBase holds what every download strategy shares: persistence, the
// remote, the network gate and the downloads root
type strategyBase struct {
	repo         domain.DownloadRepository
	remote       domain.RemoteFetch
	gate         domain.NetworkGate
	downloadsDir string
	logger       *zap.Logger
}

func newStrategyBase(repo domain.DownloadRepository, remote domain.RemoteFetch, gate domain.NetworkGate, downloadsDir string, logger *zap.Logger) strategyBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return strategyBase{
		repo:         repo,
		remote:       remote,
		gate:         gate,
		downloadsDir: downloadsDir,
		logger:       logger,
	}
}

// checkOnline fails fast when network work is deferred or the server is unset
func (b *strategyBase) checkOnline() error {
	if b.gate != nil && b.gate.ShouldDeferNetworkWork() {
		return domain.ErrOffline
	}
	if b.remote.BaseURL() == "" {
		return domain.ErrNotConfigured
	}
	return nil
}

// findActive returns the id of a pending or running task for the same work
func (b *strategyBase) findActive(ctx context.Context, key string) (string, error) {
	existing, err := b.repo.FindActiveByKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to look up existing task: %w", err)
	}
	if existing == nil {
		return "", nil
	}
	return existing.ID, nil
}

// findReusableFile returns the id of a completed task whose file is still on disk
func (b *strategyBase) findReusableFile(ctx context.Context, key string) (string, error) {
	completed, err := b.repo.FindCompletedByKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to look up completed task: %w", err)
	}
	for _, task := range completed {
		items, err := b.repo.Items(ctx, task.ID)
		if err != nil {
			return "", err
		}
		for _, item := range items {
			if item.Type == domain.ItemFile && item.IsCompleted() && fileExists(item.LocalPath) {
				return task.ID, nil
			}
		}
	}
	return "", nil
}

// create persists a new pending task with its items
func (b *strategyBase) create(ctx context.Context, req domain.DownloadRequest, items []*domain.DownloadedItem) (string, error) {
	task := domain.NewDownloadTask(req)
	task.Total = len(items)
	if err := b.repo.Create(ctx, task, items); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	b.logger.Info("Download task created",
		zap.String("id", task.ID),
		zap.String("format", string(task.Format)),
		zap.String("dedup_key", task.DedupKey),
		zap.Int("items", len(items)))
	return task.ID, nil
}

// load returns a task with its items
func (b *strategyBase) load(ctx context.Context, taskID string) (*domain.DownloadTask, []*domain.DownloadedItem, error) {
	task, err := b.repo.FindByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	items, err := b.repo.Items(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load items: %w", err)
	}
	return task, items, nil
}

// seriesDir is where every file of a series is written
func (b *strategyBase) seriesDir(seriesID int64) string {
	return filepath.Join(b.downloadsDir, fmt.Sprintf("series_%d", seriesID))
}

// progressOf sums completed items into task counters
func progressOf(items []*domain.DownloadedItem) (done int, bytes int64) {
	for _, item := range items {
		if item.IsCompleted() {
			done++
			bytes += item.Bytes
		}
	}
	return done, bytes
}
