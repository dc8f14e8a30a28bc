package zap

import (
	"go.uber.org/zap"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Logger implements purchases.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new zap logger adapter. A nil logger is replaced by
// zap.NewNop.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...purchases.Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

func (l *Logger) Info(msg string, fields ...purchases.Field) {
	l.logger.Info(msg, toZap(fields)...)
}

func (l *Logger) Warn(msg string, fields ...purchases.Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

func (l *Logger) Error(msg string, fields ...purchases.Field) {
	l.logger.Error(msg, toZap(fields)...)
}

func toZap(fields []purchases.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
