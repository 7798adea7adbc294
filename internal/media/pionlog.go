package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// pionLoggerFactory routes pion's internal ICE/DTLS/SCTP logs into the
// process slog stream so a single log sink covers the whole call path.
type pionLoggerFactory struct {
	log *slog.Logger
}

func newPionLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return &pionLoggerFactory{log: log}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.log.With("pion", scope)}
}

type pionLogger struct {
	log *slog.Logger
}

// Trace maps to Debug; slog has no finer level and pion trace output is
// only wanted when debugging anyway.
func (l *pionLogger) Trace(msg string) { l.log.Debug(msg) }

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Debug(msg string) { l.log.Debug(msg) }

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Info(msg string) { l.log.Info(msg) }

func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) { l.log.Warn(msg) }

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) { l.log.Error(msg) }

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
