package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = [...]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

var levelColors = [...]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

const resetColor = "\033[0m"

// Logger writes leveled, module-tagged lines to a single output.
type Logger struct {
	level    atomic.Int32
	useColor bool
	out      *log.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
	once          sync.Once
)

// Init installs the process-wide logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultMu.Lock()
		defaultLogger = New(level, output, useColor)
		defaultMu.Unlock()
	})
}

// New creates a standalone Logger.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the minimum level written.
func (l *Logger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

// GetLevel returns the minimum level written.
func (l *Logger) GetLevel() LogLevel { return LogLevel(l.level.Load()) }

// Enabled reports whether a message at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level < SILENT && level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	if l.useColor {
		b.WriteString(levelColors[level])
	}
	b.WriteByte('[')
	b.WriteString(levelNames[level])
	b.WriteByte(']')
	if l.useColor {
		b.WriteString(resetColor)
	}
	if module != "" {
		b.WriteString(" [")
		b.WriteString(module)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)

	l.out.Print(b.String())
}

func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Scope returns a handle that tags every line with module.
func (l *Logger) Scope(module string) Scoped {
	return Scoped{module: module, l: l}
}

// Scoped is a module-bound view of a Logger. A zero Scoped logs through the
// process-wide logger.
type Scoped struct {
	module string
	l      *Logger
}

// Module returns a Scoped bound to the process-wide logger.
func Module(name string) Scoped {
	return Scoped{module: name}
}

func (s Scoped) target() *Logger {
	if s.l != nil {
		return s.l
	}
	return current()
}

func (s Scoped) Debug(format string, args ...interface{}) {
	if t := s.target(); t != nil {
		t.Debug(s.module, format, args...)
	}
}

func (s Scoped) Info(format string, args ...interface{}) {
	if t := s.target(); t != nil {
		t.Info(s.module, format, args...)
	}
}

func (s Scoped) Warn(format string, args ...interface{}) {
	if t := s.target(); t != nil {
		t.Warn(s.module, format, args...)
	}
}

func (s Scoped) Error(format string, args ...interface{}) {
	if t := s.target(); t != nil {
		t.Error(s.module, format, args...)
	}
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Global logger functions (use default logger)

func SetLevel(level LogLevel) {
	if l := current(); l != nil {
		l.SetLevel(level)
	}
}

func GetLevel() LogLevel {
	if l := current(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

func Debug(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debug(module, format, args...)
	}
}

func Info(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Info(module, format, args...)
	}
}

func Warn(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warn(module, format, args...)
	}
}

func Error(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string (case-insensitive).
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none", "off":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l LogLevel) String() string {
	if l >= DEBUG && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}
