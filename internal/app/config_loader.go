package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decodeConfig(v)
}

// newViper prepares a viper instance with defaults, env binding and the
// config file (if any) read in
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, domain.DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.shelfcache")
		v.AddConfigPath("/etc/shelfcache")
	}

	v.SetEnvPrefix("SHELFCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// setDefaults registers every key of d so env overrides apply to keys that
// are absent from the file
func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.requests_per_second", d.Remote.RequestsPerSecond)
	v.SetDefault("remote.burst", d.Remote.Burst)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.library_enabled", d.Cache.LibraryEnabled)
	v.SetDefault("cache.browse_enabled", d.Cache.BrowseEnabled)
	v.SetDefault("cache.stale_hours", d.Cache.StaleHours)
	v.SetDefault("cache.thumbnail_max_dimension", d.Cache.ThumbnailMaxDimension)
	v.SetDefault("cache.thumbnail_quality", d.Cache.ThumbnailQuality)

	v.SetDefault("download.max_concurrent", d.Download.MaxConcurrent)
	v.SetDefault("download.retry_enabled", d.Download.RetryEnabled)
	v.SetDefault("download.max_attempts", d.Download.MaxAttempts)
	v.SetDefault("download.retry_delay", d.Download.RetryDelay)
	v.SetDefault("download.allow_metered", d.Download.AllowMetered)
	v.SetDefault("download.allow_low_battery", d.Download.AllowLowBattery)

	v.SetDefault("network.offline_mode", d.Network.OfflineMode)
	v.SetDefault("network.check_interval", d.Network.CheckInterval)
	v.SetDefault("network.debounce", d.Network.Debounce)
	v.SetDefault("network.metered", d.Network.Metered)

	v.SetDefault("storage.base_dir", d.Storage.BaseDir)
	v.SetDefault("storage.database_path", d.Storage.DatabasePath)
	v.SetDefault("storage.downloads_dir", d.Storage.DownloadsDir)
	v.SetDefault("storage.thumbnails_dir", d.Storage.ThumbnailsDir)
	v.SetDefault("storage.assets_dir", d.Storage.AssetsDir)
	v.SetDefault("storage.asset_index_path", d.Storage.AssetIndexPath)
	v.SetDefault("storage.logs_dir", d.Storage.LogsDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
}

func decodeConfig(v *viper.Viper) (*domain.Config, error) {
	config := domain.DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	s := &config.Storage
	s.BaseDir = expandPath(s.BaseDir)
	s.DatabasePath = expandPath(s.DatabasePath)
	s.DownloadsDir = expandPath(s.DownloadsDir)
	s.ThumbnailsDir = expandPath(s.ThumbnailsDir)
	s.AssetsDir = expandPath(s.AssetsDir)
	s.AssetIndexPath = expandPath(s.AssetIndexPath)
	s.LogsDir = expandPath(s.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}
	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Download.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}

	if config.Download.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if config.Cache.StaleHours < 0 {
		return fmt.Errorf("stale hours cannot be negative")
	}

	if config.Storage.DatabasePath == "" {
		return fmt.Errorf("database path not configured")
	}

	if config.Storage.DownloadsDir == "" {
		return fmt.Errorf("downloads directory not configured")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, config)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigProvider serves the current configuration. When backed by a config
// file it reloads on every file change, so each read sees the latest value.
type ConfigProvider struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	v        *viper.Viper
	config   *domain.Config
	logger   *zap.Logger
	onChange []func(*domain.Config)
}

// NewConfigProvider wraps an already loaded configuration
func NewConfigProvider(config *domain.Config, logger *zap.Logger) *ConfigProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigProvider{config: config, logger: logger}
}

// LoadConfigProvider loads configuration and watches the file for changes
func LoadConfigProvider(configPath string, logger *zap.Logger) (*ConfigProvider, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	config, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}

	p := NewConfigProvider(config, logger)
	p.v = v
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			p.reload(e.Name)
		})
		v.WatchConfig()
	}
	return p, nil
}

func (p *ConfigProvider) reload(name string) {
	config, err := decodeConfig(p.v)
	if err != nil {
		p.logger.Warn("Ignoring invalid config change", zap.String("file", name), zap.Error(err))
		return
	}

	p.mu.Lock()
	p.config = config
	listeners := append([]func(*domain.Config){}, p.onChange...)
	p.mu.Unlock()

	p.logger.Info("Configuration reloaded", zap.String("file", name))
	for _, fn := range listeners {
		fn(config)
	}
}

// OnChange registers fn to run after each reload
func (p *ConfigProvider) OnChange(fn func(*domain.Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// Config returns a copy of the whole configuration
func (p *ConfigProvider) Config() domain.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.config
}

// CacheSettings returns the current cache toggles
func (p *ConfigProvider) CacheSettings() domain.CacheConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Cache
}

// DownloadSettings returns the current download toggles
func (p *ConfigProvider) DownloadSettings() domain.DownloadConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Download
}

// OfflineMode returns the manual offline flag
func (p *ConfigProvider) OfflineMode() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Network.OfflineMode
}

// SetOfflineMode changes the manual offline flag, persisting it to the
// config file when one is in use. Only the file's own keys are rewritten:
// defaults and environment overrides stay out of it, and later edits of the
// file still take effect.
func (p *ConfigProvider) SetOfflineMode(enabled bool) error {
	p.Update(func(c *domain.Config) { c.Network.OfflineMode = enabled })

	if p.v == nil || p.v.ConfigFileUsed() == "" {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	file := viper.New()
	file.SetConfigFile(p.v.ConfigFileUsed())
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	file.Set("network.offline_mode", enabled)
	if err := file.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist offline mode: %w", err)
	}
	return nil
}

// Update applies fn to the in-memory configuration
func (p *ConfigProvider) Update(fn func(*domain.Config)) {
	p.mu.Lock()
	next := *p.config
	fn(&next)
	p.config = &next
	p.mu.Unlock()
}
