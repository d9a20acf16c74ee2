package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// maxRetryDelay caps the exponential backoff between attempts
const maxRetryDelay = 10 * time.Minute

// Job is one execution attempt of a submitted unit of work. Returning an
// error wrapping domain.ErrRetry schedules another attempt.
type Job func(ctx context.Context) error

// StatusSource reports the network status constraints are checked against
type StatusSource interface {
	Status() domain.NetworkStatus
}

// Executor runs submitted jobs on their own goroutines, at most limit at a
// time. Each job is addressed by a handle through which it can be canceled.
type Executor struct {
	sem        *semaphore.Weighted
	status     StatusSource
	retryDelay time.Duration
	pollEvery  time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutor creates an executor. limit bounds concurrent jobs; retryDelay
// is the base of the backoff between attempts.
func NewExecutor(limit int, status StatusSource, retryDelay time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit < 1 {
		limit = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		sem:        semaphore.NewWeighted(int64(limit)),
		status:     status,
		retryDelay: retryDelay,
		pollEvery:  time.Second,
		logger:     logger,
		ctx:        ctx,
		stop:       stop,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit starts job under handle once constraints hold
func (e *Executor) Submit(handle string, constraints domain.Constraints, job Job) {
	e.mu.Lock()
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancels[handle] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.release(handle)
		e.execute(ctx, handle, constraints, job)
	}()
}

func (e *Executor) execute(ctx context.Context, handle string, constraints domain.Constraints, job Job) {
	for attempt := 1; ; attempt++ {
		if err := e.waitFor(ctx, constraints); err != nil {
			return
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := job(ctx)
		e.sem.Release(1)

		if err == nil || !errors.Is(err, domain.ErrRetry) {
			return
		}

		delay := backoff(e.retryDelay, attempt)
		e.logger.Info("Retry scheduled",
			zap.String("handle", handle),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// waitFor blocks until constraints are satisfied or ctx is done
func (e *Executor) waitFor(ctx context.Context, constraints domain.Constraints) error {
	if e.status == nil || constraints.SatisfiedBy(e.status.Status()) {
		return ctx.Err()
	}

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if constraints.SatisfiedBy(e.status.Status()) {
				return nil
			}
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (e *Executor) release(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[handle]; ok {
		cancel()
		delete(e.cancels, handle)
	}
}

// Cancel signals the job under handle to stop. Returns false if no such
// job is live.
func (e *Executor) Cancel(handle string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[handle]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of live handles
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

// Shutdown cancels every job and waits for them to return
func (e *Executor) Shutdown() {
	e.stop()
	e.wg.Wait()
}

// Closed reports whether Shutdown has been called
func (e *Executor) Closed() bool {
	return e.ctx.Err() != nil
}

// Wait blocks until every submitted job has returned
func (e *Executor) Wait() {
	e.wg.Wait()
}
