package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's internal logging into zap. Each pion scope becomes
// a named child logger.
type PionFactory struct {
	Logger *zap.Logger
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

func NewPionFactory(log *zap.Logger) *PionFactory {
	return &PionFactory{Logger: log.Named("pion")}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.Logger.Named(scope).Sugar()}
}

type pionLogger struct {
	log *zap.SugaredLogger
}

// pion trace output is too chatty even for debug level
func (l *pionLogger) Trace(msg string)                          {}
func (l *pionLogger) Tracef(format string, args ...interface{}) {}

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
