// Package corelog provides the structured logging used throughout the
// engine. Each Engine handle owns its own *Logger so that multiple
// handles can coexist in one process without sharing log state.
package corelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger with the engine's formatter and level
// handling. It is safe for concurrent use.
type Logger struct {
	base *logrus.Logger
}

// Config controls where and how loudly a Logger writes.
type Config struct {
	// Level is one of debug, info, warn, error, fatal, panic. Empty
	// defaults to info.
	Level string
	// Output receives formatted log lines. Defaults to os.Stderr.
	Output io.Writer
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base := logrus.New()
	base.SetFormatter(&entryFormatter{})
	base.SetLevel(parseLevel(cfg.Level))
	base.SetOutput(out)
	return &Logger{base: base}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := New(Config{Level: "panic"})
	l.base.SetOutput(io.Discard)
	return l
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// entryFormatter renders "[time] [LEVL] (caller) message" lines.
type entryFormatter struct{}

func (f *entryFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "corelog/logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.base.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.base.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.base.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.base.Errorf(format, args...) }

// WithField returns a logrus entry for ad-hoc structured fields,
// escape-hatching to logrus directly for call sites that want it.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.base.WithField(key, value)
}
