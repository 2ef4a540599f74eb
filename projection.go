package cqrs

import (
	"time"
)

// ProjectionState represents the current state of a projector.
type ProjectionState string

const (
	// ProjectionStateStopped indicates the projector is not running.
	ProjectionStateStopped ProjectionState = "stopped"

	// ProjectionStateRunning indicates the projector is actively processing events.
	ProjectionStateRunning ProjectionState = "running"

	// ProjectionStateFaulted indicates the projector stopped on an error.
	ProjectionStateFaulted ProjectionState = "faulted"

	// ProjectionStateRebuilding indicates the projector is replaying the log.
	ProjectionStateRebuilding ProjectionState = "rebuilding"
)

// ProjectionStatus provides detailed information about a projector's current state.
type ProjectionStatus struct {
	// Name is the projector name, also used as the checkpoint key.
	Name string

	// State is the current state of the projector.
	State ProjectionState

	// LastPosition is the highest global position applied or checkpointed.
	LastPosition uint64

	// EventsApplied counts events that changed state.
	EventsApplied uint64

	// EventsSkipped counts duplicate or stale events.
	EventsSkipped uint64

	// Streams is the number of streams held in memory.
	Streams int

	// Parked is the number of events waiting for an earlier seq.
	Parked int

	// LastProcessedAt is when the last event was processed.
	LastProcessedAt time.Time

	// Error contains the error message if the projector is faulted.
	Error string
}

// ProjectionMetrics collects metrics about projection processing.
type ProjectionMetrics interface {
	// RecordEventProcessed records that an event changed state.
	RecordEventProcessed(projectionName, eventName string, duration time.Duration, success bool)

	// RecordEventSkipped records a duplicate or stale event.
	RecordEventSkipped(projectionName, eventName string)

	// RecordBatchProcessed records a rebuild batch.
	RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool)

	// RecordCheckpoint records a checkpoint update.
	RecordCheckpoint(projectionName string, position uint64)

	// RecordError records a projection error.
	RecordError(projectionName string, err error)
}

// noopProjectionMetrics is a no-op implementation of ProjectionMetrics.
type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordEventProcessed(projectionName, eventName string, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordEventSkipped(projectionName, eventName string) {
}

func (m *noopProjectionMetrics) RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordCheckpoint(projectionName string, position uint64) {
}

func (m *noopProjectionMetrics) RecordError(projectionName string, err error) {
}
