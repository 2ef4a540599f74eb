// Package logging builds zap loggers and bridges them to cqrs.Logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/access-news/cqrs"
)

// New creates a new logger instance. "production" logs JSON at info;
// anything else logs colored console output at debug.
func New(environment string) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return config.Build(zap.AddCaller())
}

var _ cqrs.Logger = (*Logger)(nil)

// Logger adapts a zap logger to cqrs.Logger. Arguments are alternating
// key/value pairs, as zap's sugared "w" methods expect.
type Logger struct {
	sugar *zap.SugaredLogger
}

// Adapt wraps l. A nil logger yields a no-op logger.
func Adapt(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.sugar.Debugw(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.sugar.Infow(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.sugar.Warnw(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.sugar.Errorw(msg, args...)
}

// Named returns a logger scoped to a component, e.g. "projector".
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
