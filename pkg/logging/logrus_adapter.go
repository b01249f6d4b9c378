package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusAdapter wraps a logrus logger to implement the Logger interface.
type LogrusAdapter struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger.
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &LogrusAdapter{
		logger: logger,
		entry:  logrus.NewEntry(logger),
	}
}

// ParseLevel maps the router's log_level config values onto logrus levels.
// "critical" and "trace" are accepted in addition to the logrus names.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "critical":
		return logrus.FatalLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	}
	return logrus.ParseLevel(level)
}

// WithField creates a new logger with an additional field.
func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
	}
}

// WithFields creates a new logger with additional fields.
func (l *LogrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithFields(logrus.Fields(fields)),
	}
}

// WithError creates a new logger with an error field.
func (l *LogrusAdapter) WithError(err error) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithError(err),
	}
}

func (l *LogrusAdapter) Debug(args ...interface{}) { l.entry.Debug(args...) }

func (l *LogrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *LogrusAdapter) Debugln(args ...interface{}) { l.entry.Debugln(args...) }

func (l *LogrusAdapter) Info(args ...interface{}) { l.entry.Info(args...) }

func (l *LogrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *LogrusAdapter) Infoln(args ...interface{}) { l.entry.Infoln(args...) }

func (l *LogrusAdapter) Warn(args ...interface{}) { l.entry.Warn(args...) }

func (l *LogrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *LogrusAdapter) Warnln(args ...interface{}) { l.entry.Warnln(args...) }

func (l *LogrusAdapter) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *LogrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *LogrusAdapter) Errorln(args ...interface{}) { l.entry.Errorln(args...) }

// Writer returns a PipeWriter that writes to the logger at Info level.
func (l *LogrusAdapter) Writer() *io.PipeWriter {
	return l.entry.Writer()
}
