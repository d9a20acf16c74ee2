package app

import (
	"time"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// PolicyEvaluator derives the cache policy from the current configuration.
// Nothing is memoized: a toggle flip applies to the very next write.
type PolicyEvaluator struct {
	config domain.ConfigProvider
}

// NewPolicyEvaluator creates a new policy evaluator
func NewPolicyEvaluator(config domain.ConfigProvider) *PolicyEvaluator {
	return &PolicyEvaluator{config: config}
}

// Policy returns the policy in effect now
func (e *PolicyEvaluator) Policy() domain.CachePolicy {
	c := e.config.CacheSettings()
	return domain.CachePolicy{
		GlobalEnabled:  c.Enabled,
		LibraryEnabled: c.LibraryEnabled,
		BrowseEnabled:  c.BrowseEnabled,
	}
}

// StaleAfter returns the age past which cached rows should be refreshed.
// Zero disables staleness.
func (e *PolicyEvaluator) StaleAfter() time.Duration {
	return time.Duration(e.config.CacheSettings().StaleHours) * time.Hour
}
