package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.NotNil(t, config)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 8085, config.Server.Port)
	assert.True(t, config.Cache.Enabled)
	assert.True(t, config.Cache.LibraryEnabled)
	assert.True(t, config.Cache.BrowseEnabled)
	assert.Equal(t, 24, config.Cache.StaleHours)
	assert.Equal(t, 320, config.Cache.ThumbnailMaxDimension)
	assert.Equal(t, 2, config.Download.MaxConcurrent)
	assert.True(t, config.Download.RetryEnabled)
	assert.Equal(t, 3, config.Download.MaxAttempts)
	assert.Equal(t, 30*time.Second, config.Download.RetryDelay)
	assert.False(t, config.Download.AllowMetered)
	assert.False(t, config.Network.OfflineMode)
	assert.Equal(t, 500*time.Millisecond, config.Network.Debounce)
	assert.Equal(t, "info", config.Logging.Level)
}
