package cqrs

import (
	"context"
	"fmt"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// Rebuilder replays the Event Log through a Projector from position 0.
type Rebuilder struct {
	store       *EventStore
	checkpoints adapters.CheckpointAdapter
	batchSize   int
	logger      Logger
	metrics     ProjectionMetrics
}

// RebuilderOption configures a Rebuilder.
type RebuilderOption func(*Rebuilder)

// WithRebuilderBatchSize sets the batch size for loading events.
func WithRebuilderBatchSize(size int) RebuilderOption {
	return func(r *Rebuilder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) RebuilderOption {
	return func(r *Rebuilder) {
		r.logger = logger
	}
}

// WithRebuilderMetrics sets the metrics collector for the rebuilder.
func WithRebuilderMetrics(metrics ProjectionMetrics) RebuilderOption {
	return func(r *Rebuilder) {
		r.metrics = metrics
	}
}

// WithRebuilderCheckpoints records the last replayed position so a
// subscription can continue where the rebuild stopped.
func WithRebuilderCheckpoints(checkpoints adapters.CheckpointAdapter) RebuilderOption {
	return func(r *Rebuilder) {
		r.checkpoints = checkpoints
	}
}

// NewRebuilder creates a new Rebuilder.
func NewRebuilder(store *EventStore, opts ...RebuilderOption) *Rebuilder {
	r := &Rebuilder{
		store:     store,
		batchSize: 1000,
		logger:    &noopLogger{},
		metrics:   &noopProjectionMetrics{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RebuildProgress tracks the progress of a rebuild.
type RebuildProgress struct {
	// ProjectionName is the name of the projector being rebuilt.
	ProjectionName string

	// TotalEvents is the number of events in the log when the rebuild started.
	TotalEvents uint64

	// ProcessedEvents is the number of events replayed so far.
	ProcessedEvents uint64

	// AppliedEvents is the number of replayed events that changed state.
	AppliedEvents uint64

	// CurrentPosition is the global position of the last replayed event.
	CurrentPosition uint64

	// StartedAt is when the rebuild started.
	StartedAt time.Time

	// Duration is the elapsed time.
	Duration time.Duration

	// EventsPerSecond is the processing rate.
	EventsPerSecond float64

	// EstimatedRemaining is the estimated time remaining.
	EstimatedRemaining time.Duration

	// Completed indicates if the rebuild is complete.
	Completed bool

	// Error contains any error that occurred.
	Error error
}

// Fraction returns the share of events replayed, between 0 and 1.
func (p RebuildProgress) Fraction() float64 {
	if p.TotalEvents == 0 {
		if p.Completed {
			return 1
		}
		return 0
	}
	f := float64(p.ProcessedEvents) / float64(p.TotalEvents)
	if f > 1 {
		f = 1
	}
	return f
}

// ProgressCallback is called after every batch with progress updates.
type ProgressCallback func(progress RebuildProgress)

// RebuildOptions configures a rebuild.
type RebuildOptions struct {
	// ClearState empties the State Store before replaying.
	// Default: true
	ClearState bool

	// ProgressCallback is called after every batch and once at the end.
	ProgressCallback ProgressCallback

	// ToPosition stops replaying at a specific position.
	// Default: 0 (to end)
	ToPosition uint64
}

// DefaultRebuildOptions returns the default rebuild options.
func DefaultRebuildOptions() RebuildOptions {
	return RebuildOptions{
		ClearState: true,
	}
}

// Rebuild resets the projector and replays every event in append order.
func (r *Rebuilder) Rebuild(ctx context.Context, p *Projector, opts ...RebuildOptions) error {
	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	if !p.running.CompareAndSwap(false, true) {
		return ErrProjectorRunning
	}
	defer p.running.Store(false)

	p.setState(ProjectionStateRebuilding)
	err := r.rebuild(ctx, p, options)
	p.stopped(err)
	return err
}

func (r *Rebuilder) rebuild(ctx context.Context, p *Projector, options RebuildOptions) error {
	r.logger.Info("Starting projection rebuild", "projector", p.Name())
	startTime := time.Now()

	if options.ClearState {
		if err := p.states.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear state store: %w", err)
		}
	}
	p.Reset()

	var totalEvents uint64
	if pos, err := r.store.GetLastPosition(ctx); err == nil {
		totalEvents = pos
		if options.ToPosition > 0 && options.ToPosition < pos {
			totalEvents = options.ToPosition
		}
	}

	progress := RebuildProgress{
		ProjectionName: p.Name(),
		TotalEvents:    totalEvents,
		StartedAt:      startTime,
	}

	report := func(completed bool, err error) {
		if options.ProgressCallback == nil {
			return
		}
		options.ProgressCallback(r.buildProgress(progress, completed, err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batchStart := time.Now()
		events, err := r.store.LoadEventsFromPosition(ctx, progress.CurrentPosition, r.batchSize)
		if err != nil {
			report(false, err)
			return fmt.Errorf("failed to load events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		reachedEnd := false
		for _, event := range events {
			if options.ToPosition > 0 && event.Position > options.ToPosition {
				reachedEnd = true
				break
			}

			applied, err := p.Apply(ctx, event)
			if err != nil {
				r.metrics.RecordBatchProcessed(p.Name(), len(events), time.Since(batchStart), false)
				report(false, err)
				return fmt.Errorf("failed to apply event at position %d: %w", event.Position, err)
			}
			if applied {
				progress.AppliedEvents++
			}
			progress.ProcessedEvents++
			progress.CurrentPosition = event.Position
		}

		r.metrics.RecordBatchProcessed(p.Name(), len(events), time.Since(batchStart), true)

		if r.checkpoints != nil {
			if err := r.checkpoints.SetCheckpoint(ctx, p.Name(), progress.CurrentPosition); err != nil {
				r.logger.Warn("Failed to save checkpoint", "projector", p.Name(), "error", err)
			} else {
				r.metrics.RecordCheckpoint(p.Name(), progress.CurrentPosition)
			}
		}

		report(false, nil)

		if reachedEnd {
			break
		}
	}

	report(true, nil)

	r.logger.Info("Projection rebuild completed",
		"projector", p.Name(),
		"events", progress.ProcessedEvents,
		"applied", progress.AppliedEvents,
		"duration", time.Since(startTime))

	return nil
}

func (r *Rebuilder) buildProgress(progress RebuildProgress, completed bool, err error) RebuildProgress {
	progress.Duration = time.Since(progress.StartedAt)
	progress.Completed = completed
	progress.Error = err

	if progress.Duration.Seconds() > 0 {
		progress.EventsPerSecond = float64(progress.ProcessedEvents) / progress.Duration.Seconds()
		if progress.EventsPerSecond > 0 && progress.TotalEvents > progress.ProcessedEvents {
			remaining := progress.TotalEvents - progress.ProcessedEvents
			progress.EstimatedRemaining = time.Duration(float64(remaining)/progress.EventsPerSecond) * time.Second
		}
	}

	return progress
}
