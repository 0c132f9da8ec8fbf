package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel orders messages by severity; lines below the active level are dropped.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[90m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Logger writes level-filtered lines to the console and, optionally, to a
// size-rotated file.
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	console     io.Writer
	file        *os.File
	filePath    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	color       bool
}

// LoggerConfig mirrors the logger section of the node settings.
type LoggerConfig struct {
	Level LogLevel
	// FilePath enables file output when non-empty.
	FilePath string
	// MaxSize in megabytes before the file is rotated.
	MaxSize    int
	MaxBackups int
	Console    bool
	// Output overrides the console writer (os.Stdout by default).
	Output io.Writer
}

// DefaultConfig returns a console-only configuration at INFO.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New opens the log file when one is configured.
func New(config LoggerConfig) (*Logger, error) {
	l := &Logger{
		level:      config.Level,
		filePath:   config.FilePath,
		maxSize:    int64(config.MaxSize) * 1024 * 1024,
		maxBackups: config.MaxBackups,
	}

	if config.Console {
		l.console = config.Output
		if l.console == nil {
			l.console = os.Stdout
			l.color = true
		}
	}

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		if err := l.openFile(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Logger) openFile() error {
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to get log file info: %w", err)
	}
	l.file = file
	l.currentSize = info.Size()
	return nil
}

// SetLevel takes effect for the next line written.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the active level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		msg = component + ": " + msg
	}

	if l.console != nil {
		levelStr := level.String()
		if l.color {
			levelStr = levelColors[level] + levelStr + "\033[0m"
		}
		fmt.Fprintf(l.console, "%s [%s] %s\n", timestamp, levelStr, msg)
	}

	if l.file == nil {
		return
	}

	n, err := fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, level, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log: %v\n", err)
		return
	}
	l.currentSize += int64(n)
	if l.maxSize > 0 && l.currentSize >= l.maxSize {
		l.rotate()
	}
}

// rotate renames the active file to a timestamped backup and reopens.
func (l *Logger) rotate() {
	l.file.Close()
	l.file = nil

	dir := filepath.Dir(l.filePath)
	ext := filepath.Ext(l.filePath)
	name := strings.TrimSuffix(filepath.Base(l.filePath), ext)
	backup := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, time.Now().Format("20060102-150405"), ext))
	if err := os.Rename(l.filePath, backup); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}

	l.cleanOldLogs(dir, name, ext)

	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
	}
}

func (l *Logger) cleanOldLogs(dir, name, ext string) {
	matches, err := filepath.Glob(filepath.Join(dir, name+".*"+ext))
	if err != nil || len(matches) <= l.maxBackups {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		backups = append(backups, backup{match, info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.Before(backups[j].modTime) })

	for i := 0; i < len(backups)-l.maxBackups; i++ {
		os.Remove(backups[i].path)
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, "", format, args...) }

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) { l.log(INFO, "", format, args...) }

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) { l.log(WARN, "", format, args...) }

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, "", format, args...) }

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
