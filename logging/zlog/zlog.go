// Package zlog implements logging.Logger against github.com/rs/zerolog, for
// applications that have already standardized on zerolog and don't want an
// intermediate facade.
package zlog

import (
	"github.com/dmitrywald/reactorcore/logging"
	"github.com/rs/zerolog"
)

// Logger adapts a zerolog.Logger to logging.Logger.
type Logger struct {
	Z zerolog.Logger
}

// New wraps z as a logging.Logger.
func New(z zerolog.Logger) *Logger {
	return &Logger{Z: z}
}

func (l *Logger) IsEnabled(level logging.Level) bool {
	return l.Z.GetLevel() <= toZerolog(level)
}

func (l *Logger) Log(entry logging.Entry) {
	evt := l.Z.WithLevel(toZerolog(entry.Level))
	evt = evt.Str("category", entry.Category)
	if entry.LoopID != 0 {
		evt = evt.Int64("loop", entry.LoopID)
	}
	if entry.ChannelID != 0 {
		evt = evt.Uint64("channel", entry.ChannelID)
	}
	for k, v := range entry.Fields {
		evt = evt.Interface(k, v)
	}
	if entry.Err != nil {
		evt = evt.Err(entry.Err)
	}
	evt.Msg(entry.Message)
}

func toZerolog(level logging.Level) zerolog.Level {
	switch level {
	case logging.LevelDebug:
		return zerolog.DebugLevel
	case logging.LevelInfo:
		return zerolog.InfoLevel
	case logging.LevelWarn:
		return zerolog.WarnLevel
	case logging.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
