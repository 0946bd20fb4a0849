// Package logging provides the level-gated logger used across bbflash's
// drivers, cache, and CLI/agent entry points.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Config controls where and how verbosely a Logger writes.
type Config struct {
	Level  string // debug|info|warn|error
	Output string // stdout|stderr|path
}

// Level is an ordered verbosity gate.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelMap = map[string]Level{
	"debug": Debug,
	"info":  Info,
	"warn":  Warn,
	"error": Error,
}

// Logger wraps a stdlib *log.Logger with a verbosity gate and a component
// prefix, matching the teacher's logging shape rather than pulling in a
// structured-logging library the teacher never reaches for either.
type Logger struct {
	mu     sync.Mutex
	logger *log.Logger
	level  Level
	prefix string
}

// New builds a Logger from a Config. A nil Config defaults to info/stdout.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Output: "stdout"}
	}

	level, ok := levelMap[cfg.Level]
	if !ok {
		level = Info
	}

	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.Output, err)
		}
		w = f
	}

	return &Logger{
		logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level:  level,
	}, nil
}

// With returns a child logger that prefixes every line with component,
// e.g. "[sdwriter]". Shares the underlying *log.Logger and level.
func (l *Logger) With(component string) *Logger {
	prefix := component
	if l.prefix != "" {
		prefix = l.prefix + "." + component
	}
	return &Logger{logger: l.logger, level: l.level, prefix: prefix}
}

func (l *Logger) tag() string {
	if l.prefix == "" {
		return ""
	}
	return "[" + l.prefix + "] "
}

func (l *Logger) Debugf(format string, args ...any) { l.printf(Debug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.printf(Info, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.printf(Warn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.printf(Error, "ERROR", format, args...) }

func (l *Logger) printf(level Level, tag, format string, args ...any) {
	if l.level > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("["+tag+"] "+l.tag()+format, args...)
}

// Default is a process-wide fallback logger for code paths that run before
// a Config has been loaded (flag parsing, early config errors).
var Default = mustDefault()

func mustDefault() *Logger {
	l, err := New(nil)
	if err != nil {
		// New(nil) only opens stdout; it cannot fail.
		panic(err)
	}
	return l
}
