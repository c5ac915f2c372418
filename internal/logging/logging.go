// Package logging provides the process-wide zap logger used by every
// component of the device supervisor.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base = newDefault()
)

func newDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a logger that is always usable; this should not
		// happen with a static config.
		return zap.NewNop()
	}
	return l
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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

// Base returns the process-wide root logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// SetBase replaces the process-wide root logger. Intended for tests that
// want to capture output or boot code that wants to swap in a configured
// logger before any component starts.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// Named returns a child logger scoped to the given component.
func Named(component string) *zap.SugaredLogger {
	return Base().Named(component).Sugar()
}

// Sync flushes any buffered log entries. Call once, on shutdown.
func Sync() {
	_ = Base().Sync()
}
