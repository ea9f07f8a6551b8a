package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured key/value data attached to an entry
type Fields map[string]interface{}

type contextKey string

// CorrelationIDKey is the context key holding the correlation ID. Optimization
// runs use their run ID as correlation ID so every line of a run can be grouped.
const CorrelationIDKey contextKey = "correlation_id"

// LogEntry is a single JSON line written to the configured sinks
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
	Function      string    `json:"function,omitempty"`
}

// Logger is an asynchronous structured logger. Entries are queued on a
// buffered channel and written by a single goroutine; when the buffer is
// full the caller writes synchronously instead of dropping the entry.
type Logger struct {
	level   LogLevel
	nodeID  string
	writers []io.Writer
	mu      sync.RWMutex
	logChan chan LogEntry
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	NodeID        string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
	// Writers are appended after the console and file writers.
	Writers []io.Writer
}

// NewLogger creates a new structured logger instance
func NewLogger(config Config) *Logger {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}

	logger := &Logger{
		level:   config.Level,
		nodeID:  config.NodeID,
		writers: make([]io.Writer, 0, len(config.Writers)+2),
		logChan: make(chan LogEntry, config.BufferSize),
		done:    make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}

	if config.EnableFile && config.LogFile != "" {
		if file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.writers = append(logger.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", config.LogFile, err)
		}
	}

	logger.writers = append(logger.writers, config.Writers...)

	logger.wg.Add(1)
	go logger.processLogs()

	return logger
}

func (l *Logger) processLogs() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.logChan:
			l.writeEntry(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.logChan:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, writer := range l.writers {
		_, _ = writer.Write(data)
	}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// Enabled reports whether entries at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

// log is the internal logging method. skip is the number of frames between
// the public entry point and the code that called it.
func (l *Logger) log(ctx context.Context, skip int, level LogLevel, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: GetCorrelationID(ctx),
		NodeID:        l.nodeID,
		Component:     component,
		Action:        action,
		Fields:        fields,
		File:          "unknown",
		Function:      "unknown",
	}

	if pc, file, line, ok := runtime.Caller(skip); ok {
		entry.File = file
		entry.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Function = fn.Name()
		}
	}

	if err != nil {
		entry.Error = err.Error()
	}

	if duration != nil {
		durationMs := duration.Milliseconds()
		entry.Duration = &durationMs
	}

	select {
	case <-l.done:
		// Closed loggers still write, synchronously.
		l.writeEntry(entry)
		return
	default:
	}

	select {
	case l.logChan <- entry:
	default:
		l.writeEntry(entry)
	}
}

func firstFields(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, 2, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, 2, INFO, component, action, message, firstFields(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, 2, WARN, component, action, message, firstFields(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, 2, ERROR, component, action, message, firstFields(fields), err, nil)
}

// Fatal logs a fatal message. It does not exit; callers decide.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, 2, FATAL, component, action, message, firstFields(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	l.log(ctx, 2, level, component, action, message, firstFields(fields), nil, &duration)
}

// StartTimer returns a function that logs duration when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start)
		l.log(ctx, 2, INFO, component, action, message, nil, nil, &duration)
	}
}

// Close drains queued entries and closes file writers. Safe to call twice.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()

		for _, writer := range l.writers {
			if closer, ok := writer.(io.Closer); ok && writer != os.Stdout && writer != os.Stderr {
				closer.Close()
			}
		}
	})
}

// AddWriter adds a new writer to the logger
func (l *Logger) AddWriter(writer io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, writer)
}

var (
	globalLogger *Logger
	loggerMutex  sync.RWMutex
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Package-level helpers write through the global logger and are no-ops
// until one is installed.

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, DEBUG, component, action, message, firstFields(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, INFO, component, action, message, firstFields(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, WARN, component, action, message, firstFields(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, ERROR, component, action, message, firstFields(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, FATAL, component, action, message, firstFields(fields), err, nil)
	}
}

func WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, 2, level, component, action, message, firstFields(fields), nil, &duration)
	}
}

func StartTimer(ctx context.Context, component, action, message string) func() {
	if logger := GetGlobalLogger(); logger != nil {
		return logger.StartTimer(ctx, component, action, message)
	}
	return func() {}
}
