// Package relay forwards appended events to external systems.
//
// A Relay tails the event log from its checkpoint, turns every event that
// matches a route into a Message carrying the JSON envelope produced by
// cqrs.MarshalEvent, and hands the messages to the Publisher registered for
// the route's destination prefix. The checkpoint advances only after a
// whole batch was published, so delivery is at-least-once.
//
//	r := relay.New(store, checkpoints,
//		relay.WithPublisher(kafka.New(kafka.WithBrokers("localhost:9092"))),
//		relay.WithRoute(relay.Route{Destination: "kafka:people"}),
//	)
//	if err := r.Start(ctx); err != nil { ... }
//	defer r.Stop(ctx)
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
)

// DefaultName is the checkpoint name used when none is configured.
const DefaultName = "relay"

// Header keys set on every message.
const (
	HeaderEventID   = "event-id"
	HeaderEventName = "event-name"
	HeaderAggregate = "aggregate"
	HeaderStreamID  = "stream-id"
	HeaderSeq       = "seq"
	HeaderPosition  = "position"
)

var (
	// ErrPublisherNotFound indicates a route points at a destination prefix
	// with no registered publisher.
	ErrPublisherNotFound = errors.New("relay: no publisher for destination")

	// ErrRelayRunning indicates Start was called on a running relay.
	ErrRelayRunning = errors.New("relay: already running")

	// ErrNoRoutes indicates the relay has nothing to publish to.
	ErrNoRoutes = errors.New("relay: no routes configured")
)

// Message is one event addressed to one destination.
type Message struct {
	// Destination is "<prefix>:<target>", e.g. "kafka:people".
	Destination string

	// Key is the stream id; publishers use it for partitioning.
	Key string

	// Payload is the JSON event envelope.
	Payload []byte

	// Headers carry the event's identifying fields.
	Headers map[string]string

	// Event is the decoded event.
	Event cqrs.Event
}

// Publisher delivers messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*Message) error

	// Destination returns the destination prefix this publisher handles (e.g., "webhook", "kafka", "sns").
	Destination() string
}

// Route selects events for a destination.
type Route struct {
	// Aggregates restricts the route to these aggregate types. Empty matches all.
	Aggregates []string

	// EventNames restricts the route to these event names. Empty matches all.
	EventNames []string

	// Destination is "<prefix>:<target>".
	Destination string
}

// Matches reports whether the event is routed.
func (r Route) Matches(e cqrs.Event) bool {
	return matches(r.Aggregates, e.Aggregate) && matches(r.EventNames, e.Name)
}

func matches(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

// Option configures a Relay.
type Option func(*Relay)

// WithName sets the checkpoint name.
func WithName(name string) Option {
	return func(r *Relay) {
		if name != "" {
			r.name = name
		}
	}
}

// WithBatchSize sets the maximum number of events read per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPollInterval sets how often the relay polls an idle log.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithMaxElapsedTime bounds how long one batch is retried before the
// relay gives up on it until the next poll.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.maxElapsed = d
		}
	}
}

// WithPublisher registers a publisher for its destination prefix.
func WithPublisher(p Publisher) Option {
	return func(r *Relay) {
		r.publishers[p.Destination()] = p
	}
}

// WithRoute adds a route.
func WithRoute(route Route) Option {
	return func(r *Relay) {
		r.routes = append(r.routes, route)
	}
}

// WithLogger sets the logger.
func WithLogger(l cqrs.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// Relay publishes the event log to external systems.
type Relay struct {
	store       *cqrs.EventStore
	checkpoints adapters.CheckpointAdapter
	publishers  map[string]Publisher
	routes      []Route
	logger      cqrs.Logger

	name         string
	batchSize    int
	pollInterval time.Duration
	maxElapsed   time.Duration

	mu       sync.Mutex
	position uint64
	loaded   bool

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a Relay. Checkpoints may be nil, in which case the relay
// starts from the beginning of the log on every process start.
func New(store *cqrs.EventStore, checkpoints adapters.CheckpointAdapter, opts ...Option) *Relay {
	r := &Relay{
		store:        store,
		checkpoints:  checkpoints,
		publishers:   make(map[string]Publisher),
		logger:       cqrs.NopLogger(),
		name:         DefaultName,
		batchSize:    100,
		pollInterval: time.Second,
		maxElapsed:   30 * time.Second,
		stopCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Name returns the checkpoint name.
func (r *Relay) Name() string {
	return r.name
}

// Position returns the position of the last published event.
func (r *Relay) Position() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Validate checks that every route has a publisher.
func (r *Relay) Validate() error {
	if len(r.routes) == 0 {
		return ErrNoRoutes
	}
	for _, route := range r.routes {
		prefix := DestinationPrefix(route.Destination)
		if _, ok := r.publishers[prefix]; !ok {
			return fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix)
		}
	}
	return nil
}

// Start begins the background publishing loop.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrRelayRunning
	}

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("Relay started", "relay", r.name)
	return nil
}

// Stop stops the loop and waits for the in-flight batch.
func (r *Relay) Stop(ctx context.Context) error {
	if !r.running.Load() {
		return nil
	}
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.running.Store(false)
		r.logger.Info("Relay stopped", "relay", r.name)
		return nil
	case <-ctx.Done():
		r.running.Store(false)
		return ctx.Err()
	}
}

// IsRunning returns true if the relay loop is running.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Relay batch failed", "relay", r.name, "position", r.Position(), "error", err)
		}

		// A full batch means there is probably more to read.
		if err == nil && n == r.batchSize {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// ProcessBatch publishes the next batch of events and advances the
// checkpoint. It returns the number of events read from the log.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	from, err := r.resume(ctx)
	if err != nil {
		return 0, err
	}

	events, err := r.store.LoadEventsFromPosition(ctx, from, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("relay: failed to load events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	grouped, err := r.group(events)
	if err != nil {
		return 0, err
	}

	for prefix, msgs := range grouped {
		publisher := r.publishers[prefix]
		if err := r.publish(ctx, publisher, msgs); err != nil {
			return 0, err
		}
	}

	last := events[len(events)-1].Position
	r.mu.Lock()
	r.position = last
	r.mu.Unlock()

	if r.checkpoints != nil {
		if err := r.checkpoints.SetCheckpoint(ctx, r.name, last); err != nil {
			return len(events), fmt.Errorf("relay: failed to save checkpoint: %w", err)
		}
	}

	r.logger.Debug("Relay published batch", "relay", r.name, "events", len(events), "position", last)
	return len(events), nil
}

func (r *Relay) resume(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return r.position, nil
	}
	if r.checkpoints != nil {
		pos, err := r.checkpoints.GetCheckpoint(ctx, r.name)
		if err != nil {
			return 0, fmt.Errorf("relay: failed to read checkpoint: %w", err)
		}
		r.position = pos
	}
	r.loaded = true
	return r.position, nil
}

func (r *Relay) group(events []cqrs.Event) (map[string][]*Message, error) {
	grouped := make(map[string][]*Message)
	for _, event := range events {
		var payload []byte
		for _, route := range r.routes {
			if !route.Matches(event) {
				continue
			}
			prefix := DestinationPrefix(route.Destination)
			if _, ok := r.publishers[prefix]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix)
			}
			if payload == nil {
				data, err := cqrs.MarshalEvent(event)
				if err != nil {
					return nil, err
				}
				payload = data
			}
			grouped[prefix] = append(grouped[prefix], &Message{
				Destination: route.Destination,
				Key:         event.StreamID,
				Payload:     payload,
				Headers:     Headers(event),
				Event:       event,
			})
		}
	}
	return grouped, nil
}

func (r *Relay) publish(ctx context.Context, publisher Publisher, msgs []*Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := publisher.Publish(ctx, msgs)
		if err != nil {
			r.logger.Warn("Relay publish failed", "relay", r.name, "destination", publisher.Destination(), "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(r.maxElapsed),
	)
	if err != nil {
		return fmt.Errorf("relay: publish to %s: %w", publisher.Destination(), err)
	}
	return nil
}

// Headers returns the message headers for an event.
func Headers(e cqrs.Event) map[string]string {
	return map[string]string{
		HeaderEventID:   e.ID,
		HeaderEventName: e.Name,
		HeaderAggregate: e.Aggregate,
		HeaderStreamID:  e.StreamID,
		HeaderSeq:       strconv.FormatInt(e.Seq, 10),
		HeaderPosition:  strconv.FormatUint(e.Position, 10),
	}
}

// DestinationPrefix extracts the prefix from a destination string.
// For example, "webhook:https://example.com" returns "webhook".
func DestinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}

// Target strips the "<prefix>:" part of a destination.
func Target(destination, prefix string) string {
	p := prefix + ":"
	if strings.HasPrefix(destination, p) {
		return destination[len(p):]
	}
	return ""
}
