package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.RWMutex
	globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	logFile      *os.File
)

// InitLogger configures the global logger from a level name and an optional
// file path. Output always goes to stdout; the file receives a copy.
func InitLogger(level, filePath string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if filePath != "" {
		if err := EnsureDir(filepath.Dir(filePath)); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		writers = append(writers, f)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	globalLogger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	return nil
}

// SetLogger replaces the global logger. Tests use it to capture or silence output.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = l
}

// CloseLogger closes the log file if one is open.
func CloseLogger() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// GetLogger returns the global logger.
func GetLogger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	l := GetLogger()
	return l.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

// Debug logs a debug message using the global logger.
func Debug(format string, args ...interface{}) {
	l := GetLogger()
	l.Debug().Msgf(format, args...)
}

// Info logs an info message using the global logger.
func Info(format string, args ...interface{}) {
	l := GetLogger()
	l.Info().Msgf(format, args...)
}

// Warn logs a warning message using the global logger.
func Warn(format string, args ...interface{}) {
	l := GetLogger()
	l.Warn().Msgf(format, args...)
}

// Error logs an error message using the global logger.
func Error(format string, args ...interface{}) {
	l := GetLogger()
	l.Error().Msgf(format, args...)
}
