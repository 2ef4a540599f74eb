// Package adapters provides interfaces and shared utilities for event log backends.
package adapters

import (
	"fmt"
)

// ConcurrencyError provides details about a failed seq compare-and-swap.
type ConcurrencyError struct {
	StreamID    string
	ExpectedSeq int64
	ActualSeq   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamID:    streamID,
		ExpectedSeq: expected,
		ActualSeq:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("cqrs: concurrency conflict on stream %q: seq %d requested, last seq is %d",
		e.StreamID, e.ExpectedSeq, e.ActualSeq)
}

// Is implements errors.Is compatibility.
// Returns true when compared with ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("cqrs: stream %q not found", e.StreamID)
}

// Is implements errors.Is compatibility.
// Returns true when compared with ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// NextSeq validates a requested seq against the stream's last seq and
// returns the seq the new event must be stored at.
//
// Behavior:
//   - requested 0 assigns last+1
//   - requested last+1 is accepted
//   - anything else is a ConcurrencyError
//   - negative values return ErrInvalidSeq
func NextSeq(streamID string, requested, last int64) (int64, error) {
	switch {
	case requested < 0:
		return 0, ErrInvalidSeq
	case requested == 0:
		return last + 1, nil
	case requested != last+1:
		return 0, NewConcurrencyError(streamID, requested, last)
	default:
		return requested, nil
	}
}

// DefaultLimit returns a default limit value if the provided limit is invalid.
// Used for pagination in LoadFromPosition and similar methods.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}
