package domain

import "context"

// Strategy defines a format-specific download algorithm. Each strategy owns
// its fetch/transform/persist logic and its item-level progress tracking.
type Strategy interface {
	// Format returns the format this strategy handles
	Format() DownloadFormat

	// Enqueue persists a task for the request (or returns an equivalent
	// existing one) and returns its id
	Enqueue(ctx context.Context, req DownloadRequest) (string, error)

	// Run executes the task. A canceled context leaves the task for the
	// caller to mark canceled or paused.
	Run(ctx context.Context, taskID string) error
}

// StrategySet maps each format to the strategy that executes it
type StrategySet map[DownloadFormat]Strategy

// NewStrategySet resolves strategies once into a lookup table
func NewStrategySet(strategies ...Strategy) StrategySet {
	set := make(StrategySet, len(strategies))
	for _, s := range strategies {
		set[s.Format()] = s
	}
	return set
}

// Lookup returns the strategy for a format
func (s StrategySet) Lookup(format DownloadFormat) (Strategy, bool) {
	strategy, ok := s[format]
	return strategy, ok
}
