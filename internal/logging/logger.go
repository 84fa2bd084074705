// Package logging provides config-driven categorized file logging for scadsmith.
// Logs are written to <state_dir>/logs/ through a single zap core; each category
// is a named child logger. Logging is controlled by logging.debug_mode in
// config.yaml - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategorySession     Category = "session"     // Session state machine, persistence
	CategoryPerformance Category = "performance" // Slow operations
	CategoryAPI         Category = "api"         // LLM API calls
	CategoryPerception  Category = "perception"  // Response parsing, streaming clients
	CategoryTactile     Category = "tactile"     // Subprocess execution
	CategoryRender      Category = "render"      // Render orchestration
	CategoryCamera      Category = "camera"      // View geometry resolution
	CategoryStore       Category = "store"       // SQLite history mirror
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string
	Format     string // json, console
	DebugMode  bool
	Categories map[string]bool
}

// Logger is a categorized printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	opts    Options
	logsDir string
	loggers = make(map[Category]*Logger)
)

// Initialize sets up the logs directory under stateDir and builds the zap core.
// With DebugMode off this is a silent no-op.
func Initialize(stateDir string, o Options) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	CloseAll()

	mu.Lock()
	opts = o
	if !o.DebugMode {
		mu.Unlock()
		return nil
	}

	dir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_scadsmith.log", date))

	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(o.Level))
	cfg.OutputPaths = []string{logPath}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.ToLower(o.Format) != "json" {
		cfg.Encoding = "console"
	}

	logger, err := cfg.Build()
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("failed to build logger: %w", err)
	}
	base = logger
	logsDir = dir
	mu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== scadsmith logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", o.Level)
	if len(o.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogsDir returns the active logs directory, or "" when logging is disabled.
func LogsDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logsDir
}

// IsDebugMode returns whether file logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with key-value fields at the given level.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch strings.ToLower(level) {
	case "debug":
		l.sugar.Debugw(msg, kv...)
	case "warn", "warning":
		l.sugar.Warnw(msg, kv...)
	case "error":
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// CloseAll flushes the core and resets every logger to a no-op (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()

	_ = base.Sync()
	base = zap.NewNop()
	logsDir = ""
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }
func SessionError(format string, args ...interface{}) { Get(CategorySession).Error(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func Perception(format string, args ...interface{})      { Get(CategoryPerception).Info(format, args...) }
func PerceptionDebug(format string, args ...interface{}) { Get(CategoryPerception).Debug(format, args...) }
func PerceptionWarn(format string, args ...interface{})  { Get(CategoryPerception).Warn(format, args...) }
func PerceptionError(format string, args ...interface{}) { Get(CategoryPerception).Error(format, args...) }

func Tactile(format string, args ...interface{})      { Get(CategoryTactile).Info(format, args...) }
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }
func TactileWarn(format string, args ...interface{})  { Get(CategoryTactile).Warn(format, args...) }
func TactileError(format string, args ...interface{}) { Get(CategoryTactile).Error(format, args...) }

func Render(format string, args ...interface{})      { Get(CategoryRender).Info(format, args...) }
func RenderDebug(format string, args ...interface{}) { Get(CategoryRender).Debug(format, args...) }
func RenderWarn(format string, args ...interface{})  { Get(CategoryRender).Warn(format, args...) }
func RenderError(format string, args ...interface{}) { Get(CategoryRender).Error(format, args...) }

func CameraDebug(format string, args ...interface{}) { Get(CategoryCamera).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a performance warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
