package cqrs

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/access-news/cqrs/adapters"
)

// DefaultProjectorName is the checkpoint key used when none is configured.
const DefaultProjectorName = "state"

// PersistRetry configures retries of transient State Store failures.
type PersistRetry struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero retries until the context is done.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
}

// DefaultPersistRetry returns the default persist retry policy.
func DefaultPersistRetry() PersistRetry {
	return PersistRetry{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// Projector folds events into per-stream state and is the only writer of
// the State Store. Apply is idempotent: an event whose seq is not above the
// stream's current seq changes nothing, so redelivery and reordering are
// harmless.
type Projector struct {
	name       string
	states     adapters.StateStore
	handlers   HandlerTable
	serializer StateSerializer
	logger     Logger
	metrics    ProjectionMetrics
	retry      PersistRetry

	parkGaps     bool
	shardCount   int
	queueSize    int
	batchSize    int
	pollInterval time.Duration

	shards  []*shard
	running atomic.Bool

	statusMu sync.RWMutex
	status   ProjectionStatus

	checkpointMu   sync.Mutex
	lastCheckpoint uint64
}

type shard struct {
	mu     sync.Mutex
	states map[string]*State
	parked map[string]map[int64]Event
}

func newShard() *shard {
	return &shard{
		states: make(map[string]*State),
		parked: make(map[string]map[int64]Event),
	}
}

func (sh *shard) park(event Event) {
	byStream, ok := sh.parked[event.StreamID]
	if !ok {
		byStream = make(map[int64]Event)
		sh.parked[event.StreamID] = byStream
	}
	byStream[event.Seq] = event
}

func (sh *shard) unpark(streamID string, seq int64) (Event, bool) {
	byStream, ok := sh.parked[streamID]
	if !ok {
		return Event{}, false
	}
	event, ok := byStream[seq]
	if !ok {
		return Event{}, false
	}
	delete(byStream, seq)
	if len(byStream) == 0 {
		delete(sh.parked, streamID)
	}
	return event, true
}

func (sh *shard) parkedCount() int {
	n := 0
	for _, byStream := range sh.parked {
		n += len(byStream)
	}
	return n
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithProjectorName sets the name used for checkpoints and metrics.
func WithProjectorName(name string) ProjectorOption {
	return func(p *Projector) {
		p.name = name
	}
}

// WithShards sets how many streams partitions Run processes in parallel.
func WithShards(n int) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.shardCount = n
		}
	}
}

// WithQueueSize sets the per-shard queue length.
func WithQueueSize(n int) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithBatchSize sets how many events are read per query when subscribing.
func WithBatchSize(n int) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often Subscribe polls for new events.
func WithPollInterval(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithGapParking controls whether events that skip ahead of their stream
// are held until the missing seqs arrive. When disabled they are applied
// immediately and the skipped seqs are later ignored as stale.
func WithGapParking(enabled bool) ProjectorOption {
	return func(p *Projector) {
		p.parkGaps = enabled
	}
}

// WithStateSerializer sets the encoding of persisted state.
func WithStateSerializer(s StateSerializer) ProjectorOption {
	return func(p *Projector) {
		p.serializer = s
	}
}

// WithProjectorLogger sets the logger.
func WithProjectorLogger(logger Logger) ProjectorOption {
	return func(p *Projector) {
		p.logger = logger
	}
}

// WithProjectorMetrics sets the metrics collector.
func WithProjectorMetrics(metrics ProjectionMetrics) ProjectorOption {
	return func(p *Projector) {
		p.metrics = metrics
	}
}

// WithPersistRetry sets the retry policy for State Store writes.
func WithPersistRetry(retry PersistRetry) ProjectorOption {
	return func(p *Projector) {
		p.retry = retry
	}
}

// NewProjector creates a Projector writing to states and dispatching events
// through handlers.
func NewProjector(states adapters.StateStore, handlers HandlerTable, opts ...ProjectorOption) *Projector {
	p := &Projector{
		name:         DefaultProjectorName,
		states:       states,
		handlers:     handlers,
		serializer:   NewJSONSerializer(),
		logger:       &noopLogger{},
		metrics:      &noopProjectionMetrics{},
		retry:        DefaultPersistRetry(),
		parkGaps:     true,
		shardCount:   4,
		queueSize:    64,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.shards = make([]*shard, p.shardCount)
	for i := range p.shards {
		p.shards[i] = newShard()
	}
	p.status = ProjectionStatus{Name: p.name, State: ProjectionStateStopped}

	return p
}

// Name returns the projector name.
func (p *Projector) Name() string {
	return p.name
}

func (p *Projector) shardIndex(streamID string) int {
	return int(xxhash.Sum64String(streamID) % uint64(len(p.shards)))
}

func (p *Projector) shardFor(streamID string) *shard {
	return p.shards[p.shardIndex(streamID)]
}

// Load rehydrates the in-memory cache from the State Store.
func (p *Projector) Load(ctx context.Context) error {
	records, err := p.states.List(ctx, "")
	if err != nil {
		return err
	}

	for _, rec := range records {
		state, err := p.decode(rec)
		if err != nil {
			return err
		}
		sh := p.shardFor(rec.StreamID)
		sh.mu.Lock()
		sh.states[rec.StreamID] = state
		sh.mu.Unlock()
	}

	p.logger.Info("Projector state loaded", "projector", p.name, "streams", len(records))
	return nil
}

func (p *Projector) decode(rec adapters.StateRecord) (*State, error) {
	return DecodeState(p.serializer, rec)
}

// Apply folds one event into its stream's state and persists the result.
// It returns false when the event was already applied, is stale, or was
// parked.
//
// An event whose seq skips ahead of the stream is parked in memory and
// applied as soon as the missing seqs arrive, so delivery order does not
// change the final state. An event with no handler fails with
// *UnknownEventHandlerError. Transient State Store failures are retried;
// the in-memory state only advances once the write succeeds, so a failed
// Apply can be repeated.
func (p *Projector) Apply(ctx context.Context, event Event) (bool, error) {
	sh := p.shardFor(event.StreamID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.states[event.StreamID]
	if !ok {
		current = NewState(event.StreamID, event.Aggregate)
	}

	if event.Seq <= current.Meta.Seq {
		p.metrics.RecordEventSkipped(p.name, event.Name)
		p.recordSkipped(event)
		p.logger.Debug("Event already applied",
			"stream", event.StreamID,
			"event", event.Name,
			"seq", event.Seq,
			"state_seq", current.Meta.Seq,
		)
		return false, nil
	}

	if _, ok := p.handlers[event.Name]; !ok {
		err := &UnknownEventHandlerError{EventName: event.Name, StreamID: event.StreamID, Seq: event.Seq}
		p.fail(err)
		return false, err
	}

	if p.parkGaps && event.Seq > current.Meta.Seq+1 {
		sh.park(event)
		p.logger.Debug("Event parked",
			"stream", event.StreamID,
			"event", event.Name,
			"seq", event.Seq,
			"state_seq", current.Meta.Seq,
		)
		return false, nil
	}

	if err := p.fold(ctx, sh, current, event); err != nil {
		return false, err
	}

	for {
		state := sh.states[event.StreamID]
		next, ok := sh.unpark(event.StreamID, state.Meta.Seq+1)
		if !ok {
			break
		}
		if err := p.fold(ctx, sh, state, next); err != nil {
			sh.park(next)
			return true, err
		}
	}

	return true, nil
}

// fold applies event on top of current and stores the result. Callers
// hold sh.mu.
func (p *Projector) fold(ctx context.Context, sh *shard, current *State, event Event) error {
	start := time.Now()

	next := current.Clone()
	if next.Meta.Aggregate == "" {
		next.Meta.Aggregate = event.Aggregate
	}
	next.Meta.Seq = event.Seq
	next.Meta.EventIDs = append(next.Meta.EventIDs, EventStamp{ID: event.ID, Timestamp: event.Timestamp})

	if err := callHandler(p.handlers[event.Name], event, next); err != nil {
		p.metrics.RecordEventProcessed(p.name, event.Name, time.Since(start), false)
		p.fail(err)
		return err
	}

	if err := p.persist(ctx, next); err != nil {
		p.metrics.RecordEventProcessed(p.name, event.Name, time.Since(start), false)
		p.fail(err)
		return err
	}

	sh.states[event.StreamID] = next
	p.metrics.RecordEventProcessed(p.name, event.Name, time.Since(start), true)
	p.recordApplied(event)
	return nil
}

func callHandler(h Handler, event Event, state *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Command: event.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return h(event, state)
}

func (p *Projector) persist(ctx context.Context, state *State) error {
	data, err := p.serializer.Marshal(state.Document())
	if err != nil {
		return err
	}

	record := adapters.StateRecord{
		StreamID:  state.StreamID,
		Aggregate: state.Meta.Aggregate,
		Seq:       state.Meta.Seq,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}

	b := backoff.NewExponentialBackOff()
	if p.retry.InitialDelay > 0 {
		b.InitialInterval = p.retry.InitialDelay
	}
	if p.retry.MaxDelay > 0 {
		b.MaxInterval = p.retry.MaxDelay
	}

	attempts := p.retry.MaxAttempts
	if attempts < 0 {
		attempts = 1
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := p.states.Put(ctx, record)
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("Retrying state write",
				"projector", p.name,
				"stream", state.StreamID,
				"seq", state.Meta.Seq,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	return err
}

// runHooks observe events as Run routes and completes them.
type runHooks struct {
	dispatched func(Event)
	completed  func(Event)
}

// Run applies events from ch until ch is closed or ctx is done. Events are
// partitioned by stream id across shards that run in parallel; events of
// one stream are applied in arrival order. The first Apply error stops
// every shard and is returned.
func (p *Projector) Run(ctx context.Context, ch <-chan Event) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProjectorRunning
	}
	defer p.running.Store(false)

	p.setState(ProjectionStateRunning)
	err := p.run(ctx, ch, runHooks{})
	p.stopped(err)
	return err
}

func (p *Projector) run(ctx context.Context, ch <-chan Event, hooks runHooks) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan Event, len(p.shards))
	for i := range queues {
		queue := make(chan Event, p.queueSize)
		queues[i] = queue

		g.Go(func() error {
			for event := range queue {
				if gctx.Err() != nil {
					return nil
				}
				if _, err := p.Apply(gctx, event); err != nil {
					return err
				}
				if hooks.completed != nil {
					hooks.completed(event)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()

		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-ch:
				if !ok {
					return nil
				}
				if hooks.dispatched != nil {
					hooks.dispatched(event)
				}
				select {
				case queues[p.shardIndex(event.StreamID)] <- event:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Subscribe follows the Event Log from the stored checkpoint and applies
// every event until ctx is done. The checkpoint advances once every event
// up to a position has been applied.
func (p *Projector) Subscribe(ctx context.Context, store *EventStore, checkpoints adapters.CheckpointAdapter) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProjectorRunning
	}
	defer p.running.Store(false)

	var from uint64
	if checkpoints != nil {
		pos, err := checkpoints.GetCheckpoint(ctx, p.name)
		if err != nil {
			return err
		}
		from = pos
	}

	p.checkpointMu.Lock()
	p.lastCheckpoint = from
	p.checkpointMu.Unlock()

	sub := NewCatchupSubscription(store, from, SubscriptionOptions{
		BufferSize:   p.queueSize,
		BatchSize:    p.batchSize,
		RetryOnError: true,
	})
	if err := sub.Start(ctx, p.pollInterval); err != nil {
		return err
	}
	defer sub.Close()

	p.logger.Info("Projector subscribed", "projector", p.name, "from", from)
	p.setState(ProjectionStateRunning)

	tracker := newPositionTracker()
	err := p.run(ctx, sub.Events(), runHooks{
		dispatched: func(e Event) {
			tracker.dispatch(e.Position)
		},
		completed: func(e Event) {
			if pos, ok := tracker.complete(e.Position); ok && checkpoints != nil {
				p.commitCheckpoint(ctx, checkpoints, pos)
			}
		},
	})
	if err == nil {
		err = sub.Err()
	}

	p.stopped(err)
	return err
}

func (p *Projector) commitCheckpoint(ctx context.Context, checkpoints adapters.CheckpointAdapter, pos uint64) {
	p.checkpointMu.Lock()
	defer p.checkpointMu.Unlock()

	if pos <= p.lastCheckpoint {
		return
	}
	if err := checkpoints.SetCheckpoint(ctx, p.name, pos); err != nil {
		p.logger.Warn("Failed to save checkpoint", "projector", p.name, "position", pos, "error", err)
		p.metrics.RecordError(p.name, err)
		return
	}
	p.lastCheckpoint = pos
	p.metrics.RecordCheckpoint(p.name, pos)

	p.statusMu.Lock()
	if pos > p.status.LastPosition {
		p.status.LastPosition = pos
	}
	p.statusMu.Unlock()
}

// positionTracker reports the highest position below which every
// dispatched event has completed. Shards finish out of order.
type positionTracker struct {
	mu       sync.Mutex
	inflight []uint64
	done     map[uint64]bool
}

func newPositionTracker() *positionTracker {
	return &positionTracker{done: make(map[uint64]bool)}
}

func (t *positionTracker) dispatch(pos uint64) {
	t.mu.Lock()
	t.inflight = append(t.inflight, pos)
	t.mu.Unlock()
}

func (t *positionTracker) complete(pos uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[pos] = true

	var last uint64
	advanced := false
	for len(t.inflight) > 0 && t.done[t.inflight[0]] {
		last = t.inflight[0]
		delete(t.done, last)
		t.inflight = t.inflight[1:]
		advanced = true
	}
	return last, advanced
}

// State returns a copy of a stream's state.
func (p *Projector) State(streamID string) (*State, bool) {
	sh := p.shardFor(streamID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.states[streamID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// States returns copies of every state of an aggregate type, or of all
// states when aggregate is empty, ordered by stream id.
func (p *Projector) States(aggregate string) []*State {
	var out []*State
	for _, sh := range p.shards {
		sh.mu.Lock()
		for _, s := range sh.states {
			if aggregate == "" || s.Meta.Aggregate == aggregate {
				out = append(out, s.Clone())
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Reset drops the in-memory cache. The State Store is untouched.
func (p *Projector) Reset() {
	for _, sh := range p.shards {
		sh.mu.Lock()
		sh.states = make(map[string]*State)
		sh.parked = make(map[string]map[int64]Event)
		sh.mu.Unlock()
	}

	p.statusMu.Lock()
	p.status.EventsApplied = 0
	p.status.EventsSkipped = 0
	p.status.LastPosition = 0
	p.statusMu.Unlock()
}

// Rebuild clears the State Store and replays the whole log through Apply.
func (p *Projector) Rebuild(ctx context.Context, store *EventStore, opts ...RebuildOptions) error {
	r := NewRebuilder(store,
		WithRebuilderLogger(p.logger),
		WithRebuilderMetrics(p.metrics),
		WithRebuilderBatchSize(p.batchSize),
	)
	return r.Rebuild(ctx, p, opts...)
}

// Status returns the projector's current status.
func (p *Projector) Status() ProjectionStatus {
	streams, parked := 0, 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		streams += len(sh.states)
		parked += sh.parkedCount()
		sh.mu.Unlock()
	}

	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	status := p.status
	status.Streams = streams
	status.Parked = parked
	return status
}

// IsRunning reports whether Run, Subscribe or Rebuild is in progress.
func (p *Projector) IsRunning() bool {
	return p.running.Load()
}

func (p *Projector) setState(state ProjectionState) {
	p.statusMu.Lock()
	p.status.State = state
	p.status.Error = ""
	p.statusMu.Unlock()
}

func (p *Projector) stopped(err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		p.status.State = ProjectionStateFaulted
		p.status.Error = err.Error()
		return
	}
	p.status.State = ProjectionStateStopped
}

func (p *Projector) fail(err error) {
	p.metrics.RecordError(p.name, err)
	p.logger.Error("Projection failed", "projector", p.name, "error", err)
}

func (p *Projector) recordApplied(event Event) {
	p.statusMu.Lock()
	p.status.EventsApplied++
	p.status.LastProcessedAt = time.Now()
	if event.Position > p.status.LastPosition {
		p.status.LastPosition = event.Position
	}
	p.statusMu.Unlock()
}

func (p *Projector) recordSkipped(event Event) {
	p.statusMu.Lock()
	p.status.EventsSkipped++
	p.status.LastProcessedAt = time.Now()
	p.statusMu.Unlock()
}
