// Package logger provides structured logging for molq components.
package logger

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter is the interface used by loggers to format log entries.
type Formatter logrus.Formatter

type ctxKey string

// JobIDKey is the context key under which a job ID is stored.
// Loggers add it as a "jobID" field when a context is passed as an argument.
const JobIDKey ctxKey = "jobID"

// BackendKey is the context key under which a backend name is stored.
const BackendKey ctxKey = "backend"

// Logger handles structured logging.
type Logger struct {
	ns     string
	base   map[string]interface{}
	logrus *logrus.Logger
}

// NewLogger returns a new Logger instance configured with the given Config.
func NewLogger(ns string, conf Config) *Logger {
	l := New(ns)
	l.Configure(conf)
	return l
}

// New returns a new Logger instance.
// Arguments after the namespace are key/value pairs added to every message.
func New(ns string, args ...interface{}) *Logger {
	f := fields(args...)
	f["ns"] = ns
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.Formatter = &textFormatter{
		TextFormatConfig: DefaultConfig().TextFormat,
	}
	return &Logger{ns, f, l}
}

// Sub is a shortcut for l.WithFields("ns", ns), it creates a new logger
// which inherits the parent's configuration but changes the namespace.
func (l *Logger) Sub(ns string) *Logger {
	return l.WithFields("ns", ns)
}

// SetLevel sets the level of the logger.
func (l *Logger) SetLevel(lvl string) {
	if l == nil {
		return
	}
	switch strings.ToLower(lvl) {
	case "debug":
		l.logrus.SetLevel(logrus.DebugLevel)
	case "info":
		l.logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		l.logrus.SetLevel(logrus.WarnLevel)
	case "error":
		l.logrus.SetLevel(logrus.ErrorLevel)
	default:
		l.logrus.SetLevel(logrus.InfoLevel)
	}
}

// SetFormatter sets the formatter of the logger.
func (l *Logger) SetFormatter(f Formatter) {
	if l == nil {
		return
	}
	l.logrus.Formatter = f
}

// SetOutput sets the output of the logger.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.logrus.Out = w
}

// Discard configures the logger to discard all logs.
func (l *Logger) Discard() {
	l.SetOutput(ioutil.Discard)
}

// Debug logs a debug message.
//
// After the first argument, arguments are key-value pairs which are written as structured logs.
//
//	log.Debug("Some message here", "key1", value1, "key2", value2)
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Debug(msg)
}

// Info logs an info message
//
// After the first argument, arguments are key-value pairs which are written as structured logs.
//
//	log.Info("Some message here", "key1", value1, "key2", value2)
func (l *Logger) Info(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Info(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Warn(msg)
}

// Error logs an error message
//
// After the first argument, arguments are key-value pairs which are written as structured logs.
//
//	log.Error("Some message here", "key1", value1, "key2", value2)
//
// Error has a two-argument version that can be used as a shortcut.
//
//	err := startServer()
//	log.Error("Couldn't start server", err)
func (l *Logger) Error(msg string, args ...interface{}) {
	if l == nil {
		return
	}
	defer recoverLogErr()
	l.entry(args...).Error(msg)
}

// WithFields returns a new Logger instance with the given fields added to all log messages.
func (l *Logger) WithFields(args ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	defer recoverLogErr()
	f := fields(args...)
	for k, v := range l.base {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
	ns := l.ns
	if s, ok := f["ns"].(string); ok {
		ns = s
	}
	return &Logger{ns, f, l.logrus}
}

func (l *Logger) entry(args ...interface{}) *logrus.Entry {
	f := fields(args...)
	for k, v := range l.base {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
	return l.logrus.WithFields(f)
}

// recoverLogErr is used to recover from any panics during logging.
// Panics aren't expected of course, but logging should never crash
// a program, so this failsafe tries to prevent those crashes.
func recoverLogErr() {
	if r := recover(); r != nil {
		fmt.Println("Recovered from logging panic", r)
	}
}

func fields(args ...interface{}) map[string]interface{} {
	f := make(map[string]interface{}, len(args)/2)
	rest := make([]interface{}, 0, len(args))

	// Pull out context values and errors, which don't need a key.
	for _, a := range args {
		switch x := a.(type) {
		case context.Context:
			if id, ok := x.Value(JobIDKey).(string); ok {
				f["jobID"] = id
			}
			if b, ok := x.Value(BackendKey).(string); ok {
				f["backend"] = b
			}
		case error:
			if len(args) == 1 {
				f["error"] = x.Error()
			} else {
				rest = append(rest, x)
			}
		default:
			rest = append(rest, a)
		}
	}

	if len(rest) == 1 {
		f["unknown"] = rest[0]
		return f
	}
	for i := 0; i+1 < len(rest); i += 2 {
		k, ok := rest[i].(string)
		if !ok {
			k = fmt.Sprint(rest[i])
		}
		v := rest[i+1]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		f[k] = v
	}
	if len(rest) > 1 && len(rest)%2 != 0 {
		f["unknown"] = rest[len(rest)-1]
	}
	return f
}
