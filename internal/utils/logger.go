package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger shared by every component. Key/value pairs
// follow the message, e.g. log.Info("room created", "documentId", id).
type Logger struct {
	l *zap.SugaredLogger
}

func NewLogger() *Logger {
	base, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return &Logger{l: base.Sugar()}
}

// NewNopLogger discards everything. Used by tests.
func NewNopLogger() *Logger { return &Logger{l: zap.NewNop().Sugar()} }

// NewLoggerWithCore wraps an arbitrary zap core, e.g. an observer in tests.
func NewLoggerWithCore(core zapcore.Core) *Logger {
	return &Logger{l: zap.New(core).Sugar()}
}

func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Errorw(msg, kv...) }
func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debugw(msg, kv...) }

// With returns a child logger that always carries kv.
func (lg *Logger) With(kv ...any) *Logger { return &Logger{l: lg.l.With(kv...)} }

func (lg *Logger) Sync() { _ = lg.l.Sync() }
