package cqrs

import (
	"context"
	"sync"
)

// ExecuteRequest is one command against one stream.
type ExecuteRequest struct {
	Aggregate string
	StreamID  string
	Command   string
	Payload   Fields

	// Seq is the position the event must take in the stream.
	// Zero lets the log assign the next seq.
	Seq int64
}

// MiddlewareFunc is the signature of the append step and of every
// middleware wrapped around it.
type MiddlewareFunc func(ctx context.Context, event Event) (Event, error)

// Middleware wraps an append with additional behavior.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware creates a single middleware from multiple middleware.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// Dispatcher turns commands into events and appends them to the log.
// It never touches projected state.
type Dispatcher struct {
	store    *EventStore
	registry *Registry
	logger   Logger

	mu         sync.RWMutex
	middleware []Middleware
	closed     bool
	inflight   sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMiddleware adds middleware around every append.
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a Dispatcher over an event store and a command registry.
func NewDispatcher(store *EventStore, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		logger:   &noopLogger{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Use adds middleware to the dispatcher.
// Middleware is executed in the order it was added.
func (d *Dispatcher) Use(middleware ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, middleware...)
}

// Registry returns the command registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Store returns the event store.
func (d *Dispatcher) Store() *EventStore {
	return d.store
}

// Prepare looks up the command, validates the payload, runs the constraint
// and the transform, and returns the event that Execute would append.
func (d *Dispatcher) Prepare(req ExecuteRequest) (Event, error) {
	if req.StreamID == "" {
		return Event{}, ErrEmptyStreamID
	}
	if req.Seq < 0 {
		return Event{}, ErrInvalidSeq
	}

	def, err := d.registry.Lookup(req.Aggregate, req.Command)
	if err != nil {
		return Event{}, err
	}

	fields, err := def.Prepare(req.Command, req.Payload)
	if err != nil {
		return Event{}, err
	}

	return NewEvent(req.Aggregate, req.StreamID, def.EventName, fields, req.Seq), nil
}

// Execute validates a command and starts appending its event.
//
// Lookup, validation and constraint errors are returned directly and
// nothing is appended. Otherwise exactly one event is appended and the
// returned Future resolves with the stored event or the append error.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) (*Future[Event], error) {
	event, err := d.Prepare(req)
	if err != nil {
		d.logger.Debug("Command rejected",
			"aggregate", req.Aggregate,
			"command", req.Command,
			"stream", req.StreamID,
			"error", err,
		)
		return nil, err
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrDispatcherClosed
	}
	d.inflight.Add(1)
	middleware := make([]Middleware, len(d.middleware))
	copy(middleware, d.middleware)
	d.mu.RUnlock()

	chain := ChainMiddleware(middleware...)(d.store.Append)
	ctx = withCommand(ctx, req.Command)

	future := newFuture[Event]()
	go func() {
		defer d.inflight.Done()
		stored, err := chain(ctx, event)
		future.resolve(stored, err)
	}()

	return future, nil
}

// StreamSeq returns the last seq the log holds for a stream. The value is
// advisory and may be stale by the time it is used.
func (d *Dispatcher) StreamSeq(ctx context.Context, streamID string) (int64, error) {
	return d.store.LastSeq(ctx, streamID)
}

// Close stops accepting commands and waits for in-flight appends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type commandKey struct{}

func withCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, commandKey{}, command)
}

// CommandFromContext returns the command name an append was issued for.
func CommandFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(commandKey{}).(string); ok {
		return c
	}
	return ""
}
