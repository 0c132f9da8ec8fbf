package logger

import (
	"fmt"
	"strings"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	defaultLogger.Store(l)
}

// InitFromConfig replaces the default logger.
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	if old := defaultLogger.Swap(l); old != nil {
		old.Close()
	}
	return nil
}

// Use installs l as the default logger.
func Use(l *Logger) {
	defaultLogger.Store(l)
}

// SetLevel changes the default logger level.
func SetLevel(level LogLevel) {
	defaultLogger.Load().SetLevel(level)
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) { defaultLogger.Load().log(DEBUG, "", format, args...) }

// Info logs info level messages
func Info(format string, args ...interface{}) { defaultLogger.Load().log(INFO, "", format, args...) }

// Warn logs warning level messages
func Warn(format string, args ...interface{}) { defaultLogger.Load().log(WARN, "", format, args...) }

// Error logs error level messages
func Error(format string, args ...interface{}) { defaultLogger.Load().log(ERROR, "", format, args...) }

// Close closes the default logger.
func Close() error {
	return defaultLogger.Load().Close()
}

// Tagged prefixes every line with a component name. It always writes
// through the current default logger, so a level change or file swap
// applies to existing tags.
type Tagged struct {
	component string
}

// Tag returns a logger for component.
func Tag(component string) Tagged {
	return Tagged{component: component}
}

func (t Tagged) Debug(format string, args ...interface{}) {
	defaultLogger.Load().log(DEBUG, t.component, format, args...)
}

func (t Tagged) Info(format string, args ...interface{}) {
	defaultLogger.Load().log(INFO, t.component, format, args...)
}

func (t Tagged) Warn(format string, args ...interface{}) {
	defaultLogger.Load().log(WARN, t.component, format, args...)
}

func (t Tagged) Error(format string, args ...interface{}) {
	defaultLogger.Load().log(ERROR, t.component, format, args...)
}
