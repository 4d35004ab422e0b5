package logger

import (
	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// NewActivityLogger builds the structured logger used by activities and
// executors.
func NewActivityLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// ZapAdapter adapts Zap logger for Temporal's log.Logger interface
type ZapAdapter struct {
	zapLogger *zap.Logger
}

var (
	_ log.Logger     = (*ZapAdapter)(nil)
	_ log.WithLogger = (*ZapAdapter)(nil)
)

// NewZapAdapter creates a new ZapAdapter
func NewZapAdapter(zapLogger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{zapLogger: zapLogger}
}

// Debug logs a debug message
func (z *ZapAdapter) Debug(msg string, keyvals ...any) {
	z.zapLogger.Debug(msg, zapFields(keyvals)...)
}

// Info logs an info message
func (z *ZapAdapter) Info(msg string, keyvals ...any) {
	z.zapLogger.Info(msg, zapFields(keyvals)...)
}

// Warn logs a warning message
func (z *ZapAdapter) Warn(msg string, keyvals ...any) {
	z.zapLogger.Warn(msg, zapFields(keyvals)...)
}

// Error logs an error message
func (z *ZapAdapter) Error(msg string, keyvals ...any) {
	z.zapLogger.Error(msg, zapFields(keyvals)...)
}

// With returns a logger that always carries keyvals, so workflow and activity
// tags land on every line.
func (z *ZapAdapter) With(keyvals ...any) log.Logger {
	return &ZapAdapter{zapLogger: z.zapLogger.With(zapFields(keyvals)...)}
}

// zapFields converts key-value pairs into Zap fields
func zapFields(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "unknown_key"
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	return fields
}
