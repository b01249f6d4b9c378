package logging

import (
	"io"
)

// Logger is the logging interface used throughout the router. It is satisfied
// by the logrus adapter below; components receive a scoped logger via
// WithField("component", ...).
type Logger interface {
	// WithField creates a new logger with an additional field.
	WithField(key string, value interface{}) Logger
	// WithFields creates a new logger with additional fields.
	WithFields(fields map[string]interface{}) Logger
	// WithError creates a new logger with an error field.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Warnln(args ...interface{})
	Errorln(args ...interface{})

	// Writer returns a PipeWriter that writes to the logger. It is used as
	// the sink for backend engine stdout/stderr.
	Writer() *io.PipeWriter
}
