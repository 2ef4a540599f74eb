package cqrs

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RecoveryMiddleware recovers from panics further down the chain and
// returns them as errors.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, event Event) (result Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{
						Command: CommandFromContext(ctx),
						Value:   r,
						Stack:   string(debug.Stack()),
					}
					result = Event{}
				}
			}()
			return next(ctx, event)
		}
	}
}

// LoggingMiddleware logs every append.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, event Event) (Event, error) {
			start := time.Now()

			m.logger.Debug("Appending event",
				"command", CommandFromContext(ctx),
				"event", event.Name,
				"stream", event.StreamID,
				"seq", event.Seq,
			)

			stored, err := next(ctx, event)
			duration := time.Since(start)

			if err != nil {
				m.logger.Error("Append failed",
					"command", CommandFromContext(ctx),
					"event", event.Name,
					"stream", event.StreamID,
					"seq", event.Seq,
					"duration", duration,
					"error", err,
				)
			} else {
				m.logger.Info("Event appended",
					"command", CommandFromContext(ctx),
					"event", stored.Name,
					"stream", stored.StreamID,
					"seq", stored.Seq,
					"position", stored.Position,
					"duration", duration,
				)
			}

			return stored, err
		}
	}
}

// TimeoutMiddleware bounds how long an append may take.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, event Event) (Event, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, event)
		}
	}
}

// RetryConfig configures RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases on each retry.
	Multiplier float64

	// ShouldRetry determines if an error should be retried.
	// If nil, only transient store errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryMiddleware retries appends that fail with a retryable error.
//
// A retried append with seq 0 may store the event twice if the first
// attempt succeeded but its acknowledgement was lost. Appends with an
// explicit seq fail with a concurrency conflict instead.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, event Event) (Event, error) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = config.InitialDelay
			b.MaxInterval = config.MaxDelay
			b.Multiplier = config.Multiplier

			operation := func() (Event, error) {
				stored, err := next(ctx, event)
				if err != nil && !shouldRetry(err) {
					return stored, backoff.Permanent(err)
				}
				return stored, err
			}

			return backoff.Retry(ctx, operation,
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(config.MaxAttempts)),
			)
		}
	}
}

// MetricsCollector records append outcomes.
type MetricsCollector interface {
	// RecordCommand records one command's append.
	RecordCommand(aggregate, command string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware creates middleware that records metrics.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, event Event) (Event, error) {
			start := time.Now()
			stored, err := next(ctx, event)
			collector.RecordCommand(event.Aggregate, CommandFromContext(ctx), time.Since(start), err == nil, err)
			return stored, err
		}
	}
}
