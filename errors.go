package cqrs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/access-news/cqrs/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Store-level sentinels are aliases to the adapters package errors.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates the requested seq was already taken.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrInvalidSeq indicates a negative seq was provided.
	ErrInvalidSeq = adapters.ErrInvalidSeq

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrTransientStore indicates a retryable store failure.
	ErrTransientStore = adapters.ErrTransientStore

	// ErrSchemaMismatch indicates a payload's key set differs from the command's required fields.
	ErrSchemaMismatch = errors.New("cqrs: schema mismatch")

	// ErrUnknownAggregate indicates no commands are registered for an aggregate type.
	ErrUnknownAggregate = errors.New("cqrs: unknown aggregate")

	// ErrUnknownCommand indicates the command is not registered for the aggregate.
	ErrUnknownCommand = errors.New("cqrs: unknown command")

	// ErrConstraintViolation indicates a command's domain constraint rejected its fields.
	ErrConstraintViolation = errors.New("cqrs: constraint violation")

	// ErrUnknownEventHandler indicates an event arrived that no handler can apply.
	// The projector treats this as fatal.
	ErrUnknownEventHandler = errors.New("cqrs: no handler for event")

	// ErrSerializationFailed indicates state or event encoding failed.
	ErrSerializationFailed = errors.New("cqrs: serialization failed")

	// ErrDispatcherClosed indicates the dispatcher no longer accepts commands.
	ErrDispatcherClosed = errors.New("cqrs: dispatcher closed")

	// ErrEmptyChain indicates a chain request without steps.
	ErrEmptyChain = errors.New("cqrs: chain has no steps")

	// ErrHandlerPanicked indicates a middleware or handler panicked.
	ErrHandlerPanicked = errors.New("cqrs: handler panicked")

	// ErrSubscriptionNotSupported indicates the event log cannot be read by position.
	ErrSubscriptionNotSupported = errors.New("cqrs: subscription not supported by adapter")

	// ErrProjectorRunning indicates Run, Subscribe or Rebuild is already in progress.
	ErrProjectorRunning = errors.New("cqrs: projector already running")
)

// ConcurrencyError is the adapters seq conflict error.
type ConcurrencyError = adapters.ConcurrencyError

// SchemaMismatchError provides detailed information about a payload whose
// keys are not exactly the required fields.
type SchemaMismatchError struct {
	Command  string
	Expected []string
	Got      []string
	Reason   string
}

// Error returns the error message.
func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("cqrs: schema mismatch for %q: expected [%s], got [%s]",
		e.Command, strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether this error matches the target error.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

// UnknownAggregateError provides detailed information about an unregistered aggregate.
type UnknownAggregateError struct {
	Aggregate string
}

// Error returns the error message.
func (e *UnknownAggregateError) Error() string {
	return fmt.Sprintf("cqrs: unknown aggregate %q", e.Aggregate)
}

// Is reports whether this error matches the target error.
func (e *UnknownAggregateError) Is(target error) bool {
	return target == ErrUnknownAggregate
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *UnknownAggregateError) Unwrap() error {
	return ErrUnknownAggregate
}

// UnknownCommandError provides detailed information about an unregistered command.
type UnknownCommandError struct {
	Aggregate string
	Command   string
}

// Error returns the error message.
func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("cqrs: unknown command %q for aggregate %q", e.Command, e.Aggregate)
}

// Is reports whether this error matches the target error.
func (e *UnknownCommandError) Is(target error) bool {
	return target == ErrUnknownCommand
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *UnknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}

// ConstraintViolationError wraps the error returned by a command constraint.
type ConstraintViolationError struct {
	Command string
	Cause   error
}

// Error returns the error message.
func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("cqrs: constraint violation for %q: %v", e.Command, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *ConstraintViolationError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// Unwrap returns the constraint's own error.
func (e *ConstraintViolationError) Unwrap() error {
	return e.Cause
}

// UnknownEventHandlerError reports an event the projector cannot apply.
type UnknownEventHandlerError struct {
	EventName string
	StreamID  string
	Seq       int64
}

// Error returns the error message.
func (e *UnknownEventHandlerError) Error() string {
	return fmt.Sprintf("cqrs: no handler for event %q (stream %q, seq %d)", e.EventName, e.StreamID, e.Seq)
}

// Is reports whether this error matches the target error.
func (e *UnknownEventHandlerError) Is(target error) bool {
	return target == ErrUnknownEventHandler
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *UnknownEventHandlerError) Unwrap() error {
	return ErrUnknownEventHandler
}

// SerializationError provides detailed information about an encoding failure.
type SerializationError struct {
	Subject   string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("cqrs: failed to %s %s: %v", e.Operation, e.Subject, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(subject, operation string, cause error) *SerializationError {
	return &SerializationError{
		Subject:   subject,
		Operation: operation,
		Cause:     cause,
	}
}

// PanicError provides detailed information about a recovered panic.
type PanicError struct {
	Command string
	Value   interface{}
	Stack   string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("cqrs: handler panicked while processing %q: %v", e.Command, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanicked
}

// StepError reports which chain step failed.
type StepError struct {
	Index   int
	Command string
	Seq     int64
	Cause   error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("cqrs: chain step %d (%s, seq %d) failed: %v", e.Index, e.Command, e.Seq, e.Cause)
}

// Unwrap returns the step's error.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
