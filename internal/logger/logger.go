// Package logger provides the leveled line logger used across sysutil.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents a logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns string representation of log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger writes timestamped, leveled lines to a single destination through a
// shared logrus logger. Loggers derived with WithPrefix share that destination.
type Logger struct {
	mu       sync.RWMutex
	level    Level
	base     *logrus.Logger
	entry    *logrus.Entry
	prefix   string
	closer   io.Closer
	disabled bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// lineFormatter renders "2006-01-02 15:04:05.000 [LEVEL] [prefix] msg".
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(fromLogrusLevel(e.Level).String())
	b.WriteString("] ")
	if prefix, _ := e.Data["prefix"].(string); prefix != "" {
		b.WriteString("[" + prefix + "] ")
	}
	b.WriteString(e.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func toLogrusLevel(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

func fromLogrusLevel(l logrus.Level) Level {
	switch l {
	case logrus.TraceLevel, logrus.DebugLevel:
		return LevelDebug
	case logrus.InfoLevel:
		return LevelInfo
	case logrus.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

// New creates a logger writing to w. A nil writer or LevelNone yields a logger that
// drops everything.
func New(level Level, w io.Writer, prefix string) *Logger {
	base := logrus.New()
	base.SetFormatter(lineFormatter{})
	// filtering happens per Logger so derived loggers keep their own level
	base.SetLevel(logrus.DebugLevel)

	l := &Logger{level: level, base: base, prefix: prefix}
	if w == nil || level == LevelNone {
		base.SetOutput(io.Discard)
		l.disabled = true
	} else {
		base.SetOutput(w)
	}
	l.entry = base.WithField("prefix", prefix)
	return l
}

// Open creates a logger appending to the file at path. An empty path logs to stderr.
func Open(level Level, path string, prefix string) (*Logger, error) {
	if path == "" {
		return New(level, os.Stderr, prefix), nil
	}
	if level == LevelNone {
		return New(level, nil, prefix), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := New(level, file, prefix)
	l.closer = file
	return l, nil
}

// SetGlobal replaces the logger used by the package-level helpers.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger. Until SetGlobal is called it logs warnings and
// errors to stderr.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = New(LevelWarn, os.Stderr, "")
	}
	return globalLogger
}

// WithPrefix returns a logger sharing the destination, with prefix appended to the
// existing one as "parent:child".
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{
		level:    l.level,
		base:     l.base,
		entry:    l.base.WithField("prefix", newPrefix),
		prefix:   newPrefix,
		disabled: l.disabled,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disabled || level < l.level || level == LevelNone {
		return
	}
	l.entry.Log(toLogrusLevel(level), fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying file, if the logger owns one. Loggers derived
// with WithPrefix stop writing as well.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer != nil {
		l.base.SetOutput(io.Discard)
		err := l.closer.Close()
		l.closer = nil
		l.disabled = true
		return err
	}
	return nil
}

func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
