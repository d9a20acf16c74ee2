package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategoryDownload LogCategory = "download" // Task lifecycle events (JSON)
	CategoryCache    LogCategory = "cache"    // Cache writes and clears (JSON)
	CategoryError    LogCategory = "error"    // Application errors (JSON)
)

// Categories lists every category in file-name order
var Categories = []LogCategory{CategoryCache, CategoryDownload, CategoryError}

const dayFormat = "20060102"

// MultiLogger provides categorized logging with one dated JSON file per
// category. Files roll over to a new name when the day changes.
type MultiLogger struct {
	loggers     map[LogCategory]*zap.Logger
	files       []*os.File
	config      MultiLoggerConfig
	level       zapcore.Level
	currentDate string
	mu          sync.RWMutex
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}

	if err := os.MkdirAll(config.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	ml := &MultiLogger{config: config, level: level}
	now := time.Now()
	loggers, files, err := ml.openLoggers(now)
	if err != nil {
		return nil, err
	}
	ml.loggers, ml.files, ml.currentDate = loggers, files, now.Format(dayFormat)
	return ml, nil
}

// openLoggers opens one JSON logger per category for the day of now
func (ml *MultiLogger) openLoggers(now time.Time) (map[LogCategory]*zap.Logger, []*os.File, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.CallerKey = ""

	loggers := make(map[LogCategory]*zap.Logger, len(Categories))
	var files []*os.File
	for _, category := range Categories {
		file, err := os.OpenFile(ml.CategoryLogPath(category, now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			closeFiles(files)
			return nil, nil, fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		files = append(files, file)

		level := ml.level
		if category == CategoryError {
			level = zapcore.ErrorLevel
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level)
		loggers[category] = zap.New(core)
	}
	return loggers, files, nil
}

func closeFiles(files []*os.File) error {
	var lastErr error
	for _, f := range files {
		if err := f.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// rotate switches to the files of a new day. On failure the current files
// stay in use.
func (ml *MultiLogger) rotate(now time.Time) {
	day := now.Format(dayFormat)
	ml.mu.RLock()
	current := ml.currentDate
	ml.mu.RUnlock()
	if day == current {
		return
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if day == ml.currentDate || ml.files == nil {
		return
	}
	loggers, files, err := ml.openLoggers(now)
	if err != nil {
		return
	}
	for _, logger := range ml.loggers {
		_ = logger.Sync()
	}
	closeFiles(ml.files)
	ml.loggers, ml.files, ml.currentDate = loggers, files, day
}

// CategoryLogPath returns the log file of a category for the given day
func (ml *MultiLogger) CategoryLogPath(category LogCategory, day time.Time) string {
	return CategoryLogPath(ml.config.LogsDir, category, day)
}

// CategoryLogPath returns the log file of a category under logsDir
func CategoryLogPath(logsDir string, category LogCategory, day time.Time) string {
	filename := fmt.Sprintf("%s-%s.log", category, day.Format(dayFormat))
	return filepath.Join(logsDir, filename)
}

// GetLogsDir returns the logs directory path
func (ml *MultiLogger) GetLogsDir() string {
	return ml.config.LogsDir
}

// GetLogger returns the structured logger for a specific category
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	ml.rotate(time.Now())

	ml.mu.RLock()
	defer ml.mu.RUnlock()

	if logger, ok := ml.loggers[category]; ok {
		return logger
	}
	if logger, ok := ml.loggers[CategoryError]; ok {
		return logger
	}
	return zap.NewNop()
}

// LogAppError logs an application-level error
func (ml *MultiLogger) LogAppError(msg string, fields ...zap.Field) {
	ml.GetLogger(CategoryError).Error(msg, fields...)
}

// LogDownloadEvent logs a task lifecycle event with structured data
func (ml *MultiLogger) LogDownloadEvent(event string, fields ...zap.Field) {
	ml.GetLogger(CategoryDownload).Info(event, fields...)
}

// LogCacheEvent logs a cache write or clear with structured data
func (ml *MultiLogger) LogCacheEvent(event string, fields ...zap.Field) {
	ml.GetLogger(CategoryCache).Info(event, fields...)
}

// Tee returns base extended to also write to a category file, subject to
// that category's level
func (ml *MultiLogger) Tee(base *zap.Logger, category LogCategory) *zap.Logger {
	categoryCore := &categoryCore{ml: ml, category: category}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, categoryCore)
	}))
}

// categoryCore resolves the category logger on every write so teed loggers
// follow rotation
type categoryCore struct {
	ml       *MultiLogger
	category LogCategory
	fields   []zapcore.Field
}

func (c *categoryCore) current() zapcore.Core {
	return c.ml.GetLogger(c.category).Core()
}

func (c *categoryCore) Enabled(level zapcore.Level) bool {
	return c.current().Enabled(level)
}

func (c *categoryCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	return &categoryCore{ml: c.ml, category: c.category, fields: append(merged, fields...)}
}

func (c *categoryCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *categoryCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.current().With(c.fields).Write(entry, fields)
}

func (c *categoryCore) Sync() error {
	return c.current().Sync()
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var lastErr error
	for _, logger := range ml.loggers {
		if err := logger.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close flushes all loggers and closes their files
func (ml *MultiLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var lastErr error
	for _, logger := range ml.loggers {
		if err := logger.Sync(); err != nil {
			lastErr = err
		}
	}
	if err := closeFiles(ml.files); err != nil {
		lastErr = err
	}
	ml.files = nil
	return lastErr
}
