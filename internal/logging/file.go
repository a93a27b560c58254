package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"clawd/internal/redaction"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config/env string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

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
	default:
		return "UNKNOWN"
	}
}

// FileLogger writes leveled, sanitized log lines to a file and, optionally,
// to a secondary writer (typically stderr).
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	echo      io.Writer
	level     Level
	component string
}

// Options configures a FileLogger.
type Options struct {
	// Path of the log file. Empty disables file output.
	Path string
	// Echo receives a copy of every line, typically os.Stderr. Nil disables.
	Echo io.Writer
	// Level is the minimum severity emitted.
	Level Level
}

// New opens (or creates) the log file and returns the logger. A file open
// failure degrades to echo-only logging rather than failing the caller.
func New(opts Options) *FileLogger {
	l := &FileLogger{echo: opts.Echo, level: opts.Level}
	if opts.Path == "" {
		return l
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return l
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l
	}
	l.file = file
	return l
}

// WithComponent returns a logger sharing the same sinks, tagged with component.
func (l *FileLogger) WithComponent(component string) *FileLogger {
	return &FileLogger{
		file:      l.file,
		echo:      l.echo,
		level:     l.level,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "clawd"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
	logLine = redaction.SanitizeLogLine(logLine)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.WriteString(logLine)
	}
	if l.echo != nil {
		_, _ = io.WriteString(l.echo, logLine)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

var _ Logger = (*FileLogger)(nil)
