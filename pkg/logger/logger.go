package serverlogger

import (
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

// pion/webrtc, pion/ice
type loggerFactory struct {
	logger logger.Logger
	level  zapcore.Level
	scopes map[string]zapcore.Level
}

// NewLoggerFactory routes pion logs into l. level is the default for every scope and
// scopeLevels overrides it per pion scope, e.g. "ice": "debug".
// valid levels: debug, info, warn, error
func NewLoggerFactory(l logger.Logger, level string, scopeLevels map[string]string) logging.LoggerFactory {
	f := &loggerFactory{
		logger: l,
		level:  parseLevel(level, zapcore.ErrorLevel),
		scopes: make(map[string]zapcore.Level, len(scopeLevels)),
	}
	for scope, lvl := range scopeLevels {
		f.scopes[strings.ToLower(scope)] = parseLevel(lvl, f.level)
	}
	return f
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	level, ok := f.scopes[strings.ToLower(scope)]
	if !ok {
		level = f.level
	}
	return newScopedLogger(f.logger, scope, level)
}

func parseLevel(level string, fallback zapcore.Level) zapcore.Level {
	if level == "" {
		return fallback
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fallback
	}
	return lvl
}
