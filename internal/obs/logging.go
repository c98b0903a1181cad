// Package obs provides the structured logging used across the pipeline:
// a logrus logger with stdout/stderr stream separation and a small
// context-aware wrapper for attaching request/operation fields.
package obs

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus-formatted error lines to stderr and
// everything else to stdout, so container log collectors can treat the two
// streams with different priority without parsing JSON first.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level   string // debug, info, warn, error
	Format  string // "json" or "text"
	Service string
}

// NewLogger builds a logrus.Logger configured per cfg, with output routed
// through OutputSplitter.
func NewLogger(cfg LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	logger.SetOutput(OutputSplitter{})
	return logger
}

// Log wraps a logrus.Logger with a fixed set of base fields (e.g. service
// name, component) that are merged into every entry.
type Log struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewLog creates a Log with base fields.
func NewLog(logger *logrus.Logger, fields map[string]interface{}) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &Log{logger: logger, fields: base}
}

// With returns a derived Log with additional fields merged in.
func (l *Log) With(fields map[string]interface{}) *Log {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Log{logger: l.logger, fields: merged}
}

// WithError attaches an error field.
func (l *Log) WithError(err error) *Log {
	return l.With(map[string]interface{}{"error": err.Error()})
}

func (l *Log) entry() *logrus.Entry { return l.logger.WithFields(l.fields) }

func (l *Log) Debug(msg string)                            { l.entry().Debug(msg) }
func (l *Log) Info(msg string)                             { l.entry().Info(msg) }
func (l *Log) Warn(msg string)                             { l.entry().Warn(msg) }
func (l *Log) Error(msg string)                            { l.entry().Error(msg) }
func (l *Log) Debugf(format string, args ...interface{})   { l.entry().Debugf(format, args...) }
func (l *Log) Infof(format string, args ...interface{})    { l.entry().Infof(format, args...) }
func (l *Log) Warnf(format string, args ...interface{})    { l.entry().Warnf(format, args...) }
func (l *Log) Errorf(format string, args ...interface{})   { l.entry().Errorf(format, args...) }

// Timed logs the start and outcome of an operation with elapsed duration,
// returning whatever error fn produced.
func Timed(l *Log, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	entry := l.With(map[string]interface{}{
		"operation":   operation,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}

// RecoverAndLog recovers from a panic in a deferred call and logs it instead
// of crashing the process; used at goroutine entry points (workers, agents).
func RecoverAndLog(l *Log) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		l.With(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}
