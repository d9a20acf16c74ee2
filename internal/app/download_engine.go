package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/pkg/logger"
)

// DownloadEngine accepts download requests, persists them as tasks and
// drives them through their strategies within the concurrency limit
type DownloadEngine struct {
	repo        domain.DownloadRepository
	strategies  domain.StrategySet
	scheduler   *NetworkScheduler
	limiter     *ConcurrencyLimiter
	executor    *Executor
	config      domain.ConfigProvider
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	enqueueMu  sync.Mutex
	dispatchMu sync.Mutex

	intentMu sync.Mutex
	intents  map[string]domain.TaskStatus // handle -> status requested by the user

	unsubscribe func()
	running     atomic.Bool
}

// NewDownloadEngine creates a new download engine
func NewDownloadEngine(
	repo domain.DownloadRepository,
	strategies domain.StrategySet,
	scheduler *NetworkScheduler,
	limiter *ConcurrencyLimiter,
	executor *Executor,
	config domain.ConfigProvider,
	log *zap.Logger,
	multiLogger *logger.MultiLogger,
) *DownloadEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &DownloadEngine{
		repo:        repo,
		strategies:  strategies,
		scheduler:   scheduler,
		limiter:     limiter,
		executor:    executor,
		config:      config,
		logger:      log,
		multiLogger: multiLogger,
		intents:     make(map[string]domain.TaskStatus),
	}
}

func (e *DownloadEngine) event(name string, fields ...zap.Field) {
	if e.multiLogger != nil {
		e.multiLogger.LogDownloadEvent(name, fields...)
	}
}

func (e *DownloadEngine) appError(msg string, fields ...zap.Field) {
	e.logger.Error(msg, fields...)
	if e.multiLogger != nil {
		e.multiLogger.LogAppError(msg, fields...)
	}
}

// Start reconciles tasks orphaned by a previous process, re-dispatches
// whenever network work becomes allowed and dispatches the current queue
func (e *DownloadEngine) Start(ctx context.Context) error {
	if _, err := e.ReconcileOrphans(ctx); err != nil {
		return err
	}
	e.unsubscribe = e.scheduler.Subscribe(func(status domain.NetworkStatus) {
		if status.IsOnlineAllowed() {
			e.RebalanceQueue(context.Background())
		}
	})
	e.running.Store(true)
	e.event("engine_started")
	e.RebalanceQueue(ctx)
	return nil
}

// Running reports whether Start succeeded and Stop has not been called
func (e *DownloadEngine) Running() bool {
	return e.running.Load()
}

// Stop cancels running work. Interrupted tasks go back to the queue.
func (e *DownloadEngine) Stop() {
	e.running.Store(false)
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.executor.Shutdown()
	e.event("engine_stopped")
}

// ReconcileOrphans returns tasks left running or dispatched by a previous
// process to the pending queue
func (e *DownloadEngine) ReconcileOrphans(ctx context.Context) (int64, error) {
	n, err := e.repo.ResetOrphaned(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned tasks: %w", err)
	}
	if n > 0 {
		e.logger.Info("Orphaned tasks requeued", zap.Int64("count", n))
		e.event("orphans_requeued", zap.Int64("count", n))
	}
	return n, nil
}

// Enqueue returns the id of the task serving req, creating it if no
// equivalent active task exists, then tries to dispatch pending work
func (e *DownloadEngine) Enqueue(ctx context.Context, req domain.DownloadRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	id, err := e.enqueue(ctx, req)
	if err != nil {
		return "", err
	}

	if _, err := e.MaybeDispatchPending(ctx); err != nil {
		e.logger.Warn("Dispatch after enqueue failed", zap.Error(err))
	}
	return id, nil
}

func (e *DownloadEngine) enqueue(ctx context.Context, req domain.DownloadRequest) (string, error) {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	strategy, ok := e.strategies.Lookup(req.Format)
	if !ok {
		task := domain.NewDownloadTask(req)
		task.MarkFailed(fmt.Errorf("%w %s", domain.ErrNoStrategy, req.Format))
		if err := e.repo.Create(ctx, task, nil); err != nil {
			return "", fmt.Errorf("failed to create task: %w", err)
		}
		e.logger.Warn("No strategy for format", zap.String("id", task.ID), zap.String("format", string(req.Format)))
		e.event("download_rejected", zap.String("id", task.ID), zap.String("error", task.Error))
		return task.ID, nil
	}

	id, err := strategy.Enqueue(ctx, req)
	if err != nil {
		return "", err
	}
	e.event("download_enqueued",
		zap.String("id", id),
		zap.String("dedup_key", req.DedupKey()),
		zap.String("format", string(req.Format)))
	return id, nil
}

// MaybeDispatchPending binds queued tasks to execution handles while free
// slots remain. Nothing is dispatched while network work is deferred.
// Returns the number of tasks dispatched.
func (e *DownloadEngine) MaybeDispatchPending(ctx context.Context) (int, error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	if e.executor.Closed() {
		return 0, nil
	}
	if e.scheduler.ShouldDeferNetworkWork() {
		e.logger.Debug("Dispatch deferred: network work not allowed")
		return 0, nil
	}

	free, err := e.limiter.FreeSlots(ctx)
	if err != nil {
		return 0, err
	}
	if free == 0 {
		return 0, nil
	}

	tasks, err := e.repo.FindPending(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending tasks: %w", err)
	}

	settings := e.config.DownloadSettings()
	constraints := e.scheduler.BuildConstraints(settings.AllowMetered, !settings.AllowLowBattery)

	dispatched := 0
	for _, task := range tasks {
		handle := uuid.New().String()
		task.BindHandle(handle)
		if err := e.repo.Update(ctx, task); err != nil {
			return dispatched, fmt.Errorf("failed to bind task %s: %w", task.ID, err)
		}

		taskID := task.ID
		e.executor.Submit(handle, constraints, func(ctx context.Context) error {
			return e.Run(ctx, taskID, handle)
		})
		dispatched++

		e.event("download_dispatched", zap.String("id", taskID), zap.String("handle", handle))
	}
	return dispatched, nil
}

// RebalanceQueue fills slots freed by finished tasks
func (e *DownloadEngine) RebalanceQueue(ctx context.Context) {
	if _, err := e.MaybeDispatchPending(ctx); err != nil {
		e.appError("Failed to rebalance queue", zap.Error(err))
	}
}

// Run executes one attempt of a task bound to handle. A returned error
// wrapping domain.ErrRetry asks the executor for another attempt.
func (e *DownloadEngine) Run(ctx context.Context, taskID, handle string) error {
	// Outcomes are persisted even when ctx was canceled
	pctx := context.WithoutCancel(ctx)
	defer e.RebalanceQueue(pctx)

	task, err := e.repo.FindByID(pctx, taskID)
	if err != nil {
		e.takeIntent(handle)
		return err
	}
	if task.WorkHandle != handle {
		return nil
	}
	if ctx.Err() != nil {
		return e.interrupted(pctx, task, handle)
	}

	if task.Status == domain.StatusFailed {
		// an automatic retry re-enters the queue under the same handle
		task.Status = domain.StatusPending
	}
	if !domain.CanTransition(task.Status, domain.StatusRunning) {
		return nil
	}
	if e.scheduler.ShouldDeferNetworkWork() {
		task.Requeue()
		return e.repo.Update(pctx, task)
	}

	strategy, ok := e.strategies.Lookup(task.Format)
	if !ok {
		task.MarkFailed(fmt.Errorf("%w %s", domain.ErrNoStrategy, task.Format))
		return e.repo.Update(pctx, task)
	}

	task.MarkRunning()
	if err := e.repo.Update(pctx, task); err != nil {
		return err
	}
	e.logger.Info("Download started",
		zap.String("id", task.ID),
		zap.String("format", string(task.Format)),
		zap.Int("attempt", task.Attempts))
	e.event("download_started", zap.String("id", task.ID), zap.Int("attempt", task.Attempts))

	runErr := strategy.Run(ctx, task.ID)

	// the strategy persisted progress; reload before recording the outcome
	task, err = e.repo.FindByID(pctx, taskID)
	if err != nil {
		e.takeIntent(handle)
		return err
	}
	return e.finish(pctx, ctx, task, handle, runErr)
}

func (e *DownloadEngine) finish(pctx, runCtx context.Context, task *domain.DownloadTask, handle string, runErr error) error {
	if runCtx.Err() != nil {
		return e.interrupted(pctx, task, handle)
	}
	e.takeIntent(handle)

	if runErr == nil {
		items, err := e.repo.Items(pctx, task.ID)
		if err != nil {
			return err
		}
		if domain.AllCompleted(items) {
			task.MarkCompleted()
			if err := e.repo.Update(pctx, task); err != nil {
				return err
			}
			e.logger.Info("Download completed", zap.String("id", task.ID), zap.Int64("bytes", task.Bytes))
			e.event("download_completed", zap.String("id", task.ID), zap.Int("progress", task.Progress), zap.Int64("bytes", task.Bytes))
			return nil
		}
		runErr = fmt.Errorf("incomplete: %d of %d items completed", countCompleted(items), len(items))
	}

	task.MarkFailed(runErr)
	settings := e.config.DownloadSettings()
	retry := settings.RetryEnabled && task.CanRetry(settings.MaxAttempts) && !domain.IsPermanent(runErr)
	if retry {
		task.WorkHandle = handle
	}
	if err := e.repo.Update(pctx, task); err != nil {
		return err
	}

	e.logger.Warn("Download failed",
		zap.String("id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.Bool("retry", retry),
		zap.Error(runErr))
	e.event("download_failed", zap.String("id", task.ID), zap.Int("attempt", task.Attempts), zap.String("error", task.Error))

	if retry {
		return fmt.Errorf("%w: %v", domain.ErrRetry, runErr)
	}
	return nil
}

// interrupted records an attempt whose context was canceled. Without a user
// intent the stop came from shutdown, unless a user stop already persisted
// its outcome and released the handle.
func (e *DownloadEngine) interrupted(ctx context.Context, task *domain.DownloadTask, handle string) error {
	status, ok := e.takeIntent(handle)
	if !ok {
		current, err := e.repo.FindByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.WorkHandle != handle {
			return nil
		}
	}
	return e.persistStopped(ctx, task, status)
}

// persistStopped records a run interrupted by the user (canceled or paused)
// or by shutdown (back to pending)
func (e *DownloadEngine) persistStopped(ctx context.Context, task *domain.DownloadTask, status domain.TaskStatus) error {
	switch status {
	case domain.StatusCanceled:
		task.MarkCanceled()
	case domain.StatusPaused:
		task.MarkPaused()
	default:
		task.Requeue()
	}
	if err := e.repo.Update(ctx, task); err != nil {
		return err
	}
	e.logger.Info("Download stopped", zap.String("id", task.ID), zap.String("status", string(task.Status)))
	e.event("download_stopped", zap.String("id", task.ID), zap.String("status", string(task.Status)))
	return nil
}

func countCompleted(items []*domain.DownloadedItem) int {
	done := 0
	for _, item := range items {
		if item.IsCompleted() {
			done++
		}
	}
	return done
}

func (e *DownloadEngine) setIntent(handle string, status domain.TaskStatus) {
	e.intentMu.Lock()
	defer e.intentMu.Unlock()
	e.intents[handle] = status
}

func (e *DownloadEngine) takeIntent(handle string) (domain.TaskStatus, bool) {
	e.intentMu.Lock()
	defer e.intentMu.Unlock()
	status, ok := e.intents[handle]
	delete(e.intents, handle)
	return status, ok
}

// Cancel stops a task and marks it canceled, keeping its progress
func (e *DownloadEngine) Cancel(ctx context.Context, id string) error {
	return e.stop(ctx, id, domain.StatusCanceled)
}

// Pause stops a task and marks it paused so it can be resumed
func (e *DownloadEngine) Pause(ctx context.Context, id string) error {
	return e.stop(ctx, id, domain.StatusPaused)
}

func (e *DownloadEngine) stop(ctx context.Context, id string, status domain.TaskStatus) error {
	task, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(task.Status, status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, status)
	}

	// a running attempt persists the outcome itself once it sees the signal.
	// Otherwise the outcome is written here and the intent taken back, since
	// a job still waiting for its constraints never consumes it.
	handle := task.WorkHandle
	if task.IsDispatched() {
		e.setIntent(handle, status)
		if e.executor.Cancel(handle) && task.Status == domain.StatusRunning {
			e.logger.Info("Stop signaled", zap.String("id", id), zap.String("status", string(status)))
			return nil
		}
	}

	err = e.persistStopped(ctx, task, status)
	if handle != "" {
		e.takeIntent(handle)
	}
	if err != nil {
		return err
	}
	e.RebalanceQueue(ctx)
	return nil
}

// Resume puts a paused task back into the queue
func (e *DownloadEngine) Resume(ctx context.Context, id string) error {
	task, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusPaused {
		return fmt.Errorf("%w: cannot resume %s task", domain.ErrInvalidTransition, task.Status)
	}
	return e.requeue(ctx, task, false)
}

// Retry puts a failed or canceled task back into the queue with a fresh
// attempt budget
func (e *DownloadEngine) Retry(ctx context.Context, id string) error {
	task, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusFailed && task.Status != domain.StatusCanceled {
		return fmt.Errorf("%w: cannot retry %s task", domain.ErrInvalidTransition, task.Status)
	}
	return e.requeue(ctx, task, true)
}

func (e *DownloadEngine) requeue(ctx context.Context, task *domain.DownloadTask, resetAttempts bool) error {
	if task.IsDispatched() {
		e.executor.Cancel(task.WorkHandle)
	}
	task.Requeue()
	if resetAttempts {
		task.ResetAttempts()
	}
	if err := e.repo.Update(ctx, task); err != nil {
		return err
	}
	e.event("download_requeued", zap.String("id", task.ID))
	_, err := e.MaybeDispatchPending(ctx)
	return err
}

// Delete stops a task and removes it with its items and files
func (e *DownloadEngine) Delete(ctx context.Context, id string) error {
	task, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if task.IsDispatched() {
		if task.Status == domain.StatusRunning {
			e.setIntent(task.WorkHandle, domain.StatusCanceled)
		}
		e.executor.Cancel(task.WorkHandle)
	}

	items, err := e.repo.Items(ctx, id)
	if err != nil {
		return err
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	for _, item := range items {
		if item.LocalPath == "" {
			continue
		}
		for _, p := range []string{item.LocalPath, item.LocalPath + ".part"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("Failed to remove file", zap.String("path", p), zap.Error(err))
			}
		}
	}

	e.event("download_deleted", zap.String("id", id))
	e.RebalanceQueue(ctx)
	return nil
}

// ClearCompleted removes the records of completed tasks. Downloaded files
// stay on disk. Returns the number of tasks removed.
func (e *DownloadEngine) ClearCompleted(ctx context.Context) (int, error) {
	tasks, err := e.repo.FindByStatus(ctx, domain.StatusCompleted)
	if err != nil {
		return 0, err
	}
	for i, task := range tasks {
		if err := e.repo.Delete(ctx, task.ID); err != nil {
			return i, fmt.Errorf("failed to delete task %s: %w", task.ID, err)
		}
	}
	e.event("completed_cleared", zap.Int("count", len(tasks)))
	return len(tasks), nil
}

// Get returns a task by id
func (e *DownloadEngine) Get(ctx context.Context, id string) (*domain.DownloadTask, error) {
	return e.repo.FindByID(ctx, id)
}

// List returns tasks matching filter, newest first
func (e *DownloadEngine) List(ctx context.Context, filter domain.TaskFilter) ([]*domain.DownloadTask, error) {
	return e.repo.FindAll(ctx, filter)
}

// Items returns the items of a task
func (e *DownloadEngine) Items(ctx context.Context, id string) ([]*domain.DownloadedItem, error) {
	if _, err := e.repo.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.Items(ctx, id)
}

// Stats returns task counts per status
func (e *DownloadEngine) Stats(ctx context.Context) (*domain.DownloadStats, error) {
	return e.repo.GetStats(ctx)
}
