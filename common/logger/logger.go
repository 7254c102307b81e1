// Package logger provides leveled, key/value structured logging for the
// PrinterHub server. Entries go to the console and to a rotating log file.
package logger

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// RotationPolicy defines when log files are rotated and how many survive.
type RotationPolicy struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

// Logger provides structured logging with levels. Context is passed as
// alternating key/value pairs: logger.Info("msg", "key", value).
type Logger struct {
	mu            sync.RWMutex
	level         LogLevel
	file          *lumberjack.Logger
	buffer        []LogEntry
	maxBufferSize int
	consoleOutput bool
	console       io.Writer
	rateLimiters  map[string]time.Time
}

// New creates a Logger writing to <logDir>/server.log. An empty logDir
// disables file output. maxBufferSize bounds the in-memory tail kept for
// introspection.
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	l := &Logger{
		level:         level,
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		consoleOutput: true,
		rateLimiters:  make(map[string]time.Time),
	}
	if logDir != "" {
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "server.log"),
			MaxSize:    50, // megabytes
			MaxAge:     7,  // days
			MaxBackups: 10,
		}
	}
	return l
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetConsoleWriter redirects console output, primarily for tests.
func (l *Logger) SetConsoleWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = w
}

// SetRotationPolicy reconfigures file rotation.
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if policy.MaxSizeMB > 0 {
		l.file.MaxSize = policy.MaxSizeMB
	}
	if policy.MaxAgeDays > 0 {
		l.file.MaxAge = policy.MaxAgeDays
	}
	if policy.MaxFiles > 0 {
		l.file.MaxBackups = policy.MaxFiles
	}
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// WarnRateLimited logs a warning at most once per interval for the given key.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	last := l.rateLimiters[key]
	now := time.Now()
	if now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.rateLimiters[key] = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if l.maxBufferSize > 0 && len(l.buffer) >= l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, entry)

	line := formatLogEntry(entry)
	if l.consoleOutput {
		if l.console != nil {
			fmt.Fprintln(l.console, line)
		} else {
			fmt.Println(line)
		}
	}
	if l.file != nil {
		l.file.Write([]byte(line + "\n"))
	}
}

// formatLogEntry formats a log entry for output
func formatLogEntry(entry LogEntry) string {
	timestamp := entry.Timestamp.Format("2006-01-02T15:04:05-07:00")
	line := fmt.Sprintf("%s [%s] %s", timestamp, levelNames[entry.Level], entry.Message)
	for k, v := range entry.Context {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	return line
}

// GetBuffer returns a copy of the in-memory log buffer
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buffer := make([]LogEntry, len(l.buffer))
	copy(buffer, l.buffer)
	return buffer
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// LevelFromString converts a string to a LogLevel
func LevelFromString(s string) LogLevel {
	switch s {
	case "ERROR", "error":
		return ERROR
	case "WARN", "warn":
		return WARN
	case "INFO", "info":
		return INFO
	case "DEBUG", "debug":
		return DEBUG
	case "TRACE", "trace":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to a string
func LevelToString(level LogLevel) string {
	return levelNames[level]
}
