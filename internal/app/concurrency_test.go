package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/internal/infrastructure"
)

func TestConcurrencyLimiter_FreeSlots(t *testing.T) {
	repo := infrastructure.NewSQLiteDownloadRepository(setupDatabase(t))
	config := newTestConfig(t, func(c *domain.Config) { c.Download.MaxConcurrent = 2 })
	limiter := NewConcurrencyLimiter(repo, config)

	free, err := limiter.FreeSlots(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 2, free)

	running := domain.NewDownloadTask(chapterReq(1, domain.FormatPaged))
	running.MarkRunning()
	require.NoError(t, repo.Create(testCtx(), running, nil))
	queued := domain.NewDownloadTask(chapterReq(2, domain.FormatPaged))
	require.NoError(t, repo.Create(testCtx(), queued, nil))

	free, err = limiter.FreeSlots(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, free, "undispatched pending tasks do not hold a slot")

	queued.BindHandle("h")
	require.NoError(t, repo.Update(testCtx(), queued))
	free, err = limiter.FreeSlots(testCtx())
	require.NoError(t, err)
	assert.Zero(t, free)

	config.Update(func(c *domain.Config) { c.Download.MaxConcurrent = 1 })
	free, err = limiter.FreeSlots(testCtx())
	require.NoError(t, err)
	assert.Zero(t, free, "never negative")
}

func TestConcurrencyLimiter_MinimumOne(t *testing.T) {
	config := newTestConfig(t, func(c *domain.Config) { c.Download.MaxConcurrent = 0 })
	assert.Equal(t, 1, NewConcurrencyLimiter(nil, config).Limit())
}

func TestPolicyEvaluator(t *testing.T) {
	config := newTestConfig(t, func(c *domain.Config) {
		c.Cache.BrowseEnabled = false
		c.Cache.StaleHours = 6
	})
	eval := NewPolicyEvaluator(config)

	policy := eval.Policy()
	assert.True(t, policy.Allows(domain.ScopeLibrary))
	assert.False(t, policy.Allows(domain.ScopeBrowse))
	assert.Equal(t, "6h0m0s", eval.StaleAfter().String())

	config.Update(func(c *domain.Config) { c.Cache.Enabled = false })
	assert.False(t, eval.Policy().Allows(domain.ScopeLibrary))
}
