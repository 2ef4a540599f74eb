package memory

import (
	"github.com/access-news/cqrs/adapters"
)

// Sentinel errors for the memory adapters.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	// ErrAdapterClosed is returned when an operation is attempted on a closed adapter.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrConcurrencyConflict is returned when the seq compare-and-swap fails.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound
)
