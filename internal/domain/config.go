package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Download DownloadConfig `mapstructure:"download"`
	Network  NetworkConfig  `mapstructure:"network"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig contains control API configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RemoteConfig contains media server connection configuration
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// CacheConfig contains cache policy toggles
type CacheConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	LibraryEnabled        bool `mapstructure:"library_enabled"`
	BrowseEnabled         bool `mapstructure:"browse_enabled"`
	StaleHours            int  `mapstructure:"stale_hours"`
	ThumbnailMaxDimension int  `mapstructure:"thumbnail_max_dimension"`
	ThumbnailQuality      int  `mapstructure:"thumbnail_quality"`
}

// DownloadConfig contains download toggles and limits
type DownloadConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryEnabled    bool          `mapstructure:"retry_enabled"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AllowMetered    bool          `mapstructure:"allow_metered"`
	AllowLowBattery bool          `mapstructure:"allow_low_battery"`
}

// NetworkConfig contains connectivity configuration
type NetworkConfig struct {
	OfflineMode   bool          `mapstructure:"offline_mode"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	Metered       bool          `mapstructure:"metered"`
}

// StorageConfig contains on-disk locations
type StorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	DatabasePath   string `mapstructure:"database_path"`
	DownloadsDir   string `mapstructure:"downloads_dir"`
	ThumbnailsDir  string `mapstructure:"thumbnails_dir"`
	AssetsDir      string `mapstructure:"assets_dir"`
	AssetIndexPath string `mapstructure:"asset_index_path"`
	LogsDir        string `mapstructure:"logs_dir"`
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// ConfigProvider exposes user configuration. Every call reads the current
// value; callers must not hold on to results across operations.
type ConfigProvider interface {
	CacheSettings() CacheConfig
	DownloadSettings() DownloadConfig
	OfflineMode() bool
	SetOfflineMode(enabled bool) error
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8085,
		},
		Remote: RemoteConfig{
			BaseURL:           "",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 8,
			Burst:             4,
		},
		Cache: CacheConfig{
			Enabled:               true,
			LibraryEnabled:        true,
			BrowseEnabled:         true,
			StaleHours:            24,
			ThumbnailMaxDimension: 320,
			ThumbnailQuality:      80,
		},
		Download: DownloadConfig{
			MaxConcurrent:   2,
			RetryEnabled:    true,
			MaxAttempts:     3,
			RetryDelay:      30 * time.Second,
			AllowMetered:    false,
			AllowLowBattery: false,
		},
		Network: NetworkConfig{
			OfflineMode:   false,
			CheckInterval: 30 * time.Second,
			Debounce:      500 * time.Millisecond,
		},
		Storage: StorageConfig{
			BaseDir:        "$HOME/.shelfcache",
			DatabasePath:   "$HOME/.shelfcache/shelfcache.db",
			DownloadsDir:   "$HOME/.shelfcache/downloads",
			ThumbnailsDir:  "$HOME/.shelfcache/thumbnails",
			AssetsDir:      "$HOME/.shelfcache/assets",
			AssetIndexPath: "$HOME/.shelfcache/assets.db",
			LogsDir:        "$HOME/.shelfcache/logs",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
