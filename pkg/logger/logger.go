// Package logger is a small leveled logger shared by every component.
// Messages carry an application prefix and a colorized level tag when the
// output is a terminal.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LogLevel is the severity of a log message.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[LogLevel]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

var levelColors = map[LogLevel]string{
	DebugLevel: "\033[90m",
	InfoLevel:  "\033[32m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
}

const colorReset = "\033[0m"

// String returns the level's tag.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger writes leveled, prefixed log lines.
type Logger struct {
	logger   *log.Logger
	level    LogLevel
	prefix   string
	useColor bool
}

// New creates a Logger writing to out.
func New(out io.Writer, prefix string, level LogLevel) *Logger {
	return &Logger{
		logger:   log.New(out, "", log.LstdFlags),
		level:    level,
		prefix:   prefix,
		useColor: isTerminal(out),
	}
}

// NewDefault creates a stdout logger at INFO level.
func NewDefault(prefix string) *Logger {
	return New(os.Stdout, prefix, InfoLevel)
}

// SetLevel sets the minimum level that gets written.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.write(DebugLevel, format, v...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, v ...interface{}) {
	l.write(InfoLevel, format, v...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, v ...interface{}) {
	l.write(WarnLevel, format, v...)
}

// Error logs an error message.
func (l *Logger) Error(format string, v ...interface{}) {
	l.write(ErrorLevel, format, v...)
}

// Printf provides compatibility with the standard log.Logger surface.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Info(format, v...)
}

// Println provides compatibility with the standard log.Logger surface.
func (l *Logger) Println(v ...interface{}) {
	l.Info("%s", fmt.Sprint(v...))
}

func (l *Logger) write(level LogLevel, format string, v ...interface{}) {
	if level < l.level {
		return
	}

	tag := level.String()
	if l.useColor {
		tag = levelColors[level] + tag + colorReset
	}

	l.logger.Printf("%s [%s] %s", l.prefix, tag, fmt.Sprintf(format, v...))
}

// isTerminal guesses whether the writer is an interactive terminal.
func isTerminal(w io.Writer) bool {
	if w == os.Stdout || w == os.Stderr {
		term := os.Getenv("TERM")
		return term != "" && !strings.Contains(term, "dumb")
	}
	return false
}
