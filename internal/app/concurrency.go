package app

import (
	"context"
	"fmt"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// ConcurrencyLimiter admits dispatches up to the configured maximum. The
// active count always comes from the store so rows left over by a previous
// process are accounted for.
type ConcurrencyLimiter struct {
	repo   domain.DownloadRepository
	config domain.ConfigProvider
}

// NewConcurrencyLimiter creates a new concurrency limiter
func NewConcurrencyLimiter(repo domain.DownloadRepository, config domain.ConfigProvider) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{repo: repo, config: config}
}

// Limit returns the configured maximum of in-flight tasks
func (l *ConcurrencyLimiter) Limit() int {
	if n := l.config.DownloadSettings().MaxConcurrent; n > 0 {
		return n
	}
	return 1
}

// FreeSlots returns how many more tasks may be dispatched now
func (l *ConcurrencyLimiter) FreeSlots(ctx context.Context) (int, error) {
	active, err := l.repo.CountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	free := l.Limit() - int(active)
	if free < 0 {
		free = 0
	}
	return free, nil
}
