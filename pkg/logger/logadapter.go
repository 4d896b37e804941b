package serverlogger

import (
	"fmt"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"
)

// scopedLogger is the pion logging.LeveledLogger of one pion scope.
type scopedLogger struct {
	scope  string
	logger logger.Logger
	level  zapcore.Level
}

func newScopedLogger(l logger.Logger, scope string, level zapcore.Level) *scopedLogger {
	return &scopedLogger{
		scope:  scope,
		logger: l.WithName("pion." + scope),
		level:  level,
	}
}

func (l *scopedLogger) enabled(level zapcore.Level) bool {
	return level >= l.level
}

func (l *scopedLogger) emit(level zapcore.Level, msg string) {
	if !l.enabled(level) {
		return
	}
	switch level {
	case zapcore.DebugLevel:
		l.logger.Debugw(msg)
	case zapcore.InfoLevel:
		l.logger.Infow(msg)
	case zapcore.WarnLevel:
		l.logger.Warnw(msg, nil)
	default:
		l.logger.Errorw(msg, nil)
	}
}

// pion traces per packet
func (l *scopedLogger) Trace(string)                  {}
func (l *scopedLogger) Tracef(string, ...interface{}) {}

func (l *scopedLogger) Debug(msg string) { l.emit(zapcore.DebugLevel, msg) }
func (l *scopedLogger) Info(msg string)  { l.emit(zapcore.InfoLevel, msg) }
func (l *scopedLogger) Warn(msg string)  { l.emit(zapcore.WarnLevel, msg) }
func (l *scopedLogger) Error(msg string) { l.emit(zapcore.ErrorLevel, msg) }

func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.emitf(zapcore.DebugLevel, format, args)
}

func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.emitf(zapcore.InfoLevel, format, args)
}

func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.emitf(zapcore.WarnLevel, format, args)
}

func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.emitf(zapcore.ErrorLevel, format, args)
}

// emitf formats only when the level is on.
func (l *scopedLogger) emitf(level zapcore.Level, format string, args []interface{}) {
	if !l.enabled(level) {
		return
	}
	l.emit(level, fmt.Sprintf(format, args...))
}
