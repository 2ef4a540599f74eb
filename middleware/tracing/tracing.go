// Package tracing provides OpenTelemetry spans for command execution, the
// event log and the state store.
//
// Basic usage:
//
//	tp, _ := tracing.NewStdoutProvider(os.Stderr)
//	defer tp.Shutdown(ctx)
//
//	tracer := tracing.NewTracer(tracing.WithTracerProvider(tp))
//	dispatcher.Use(tracing.CommandMiddleware(tracer))
//	store := cqrs.NewEventStore(tracing.NewEventLogMiddleware(adapter, tracer))
//	projector := cqrs.NewProjector(tracing.NewStateStoreMiddleware(states, tracer), handlers)
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
)

const (
	// TracerName is the instrumentation name of the tracer.
	TracerName = "github.com/access-news/cqrs"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "cqrs"
)

var (
	_ adapters.EventLog            = (*EventLogMiddleware)(nil)
	_ adapters.SubscriptionAdapter = (*EventLogMiddleware)(nil)
	_ adapters.StateStore          = (*StateStoreMiddleware)(nil)
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewStdoutProvider returns a provider that writes finished spans to w as
// JSON. Callers must Shutdown it to flush.
func NewStdoutProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("cqrs/tracing: stdout exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), nil
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CommandMiddleware traces each command's append.
func CommandMiddleware(tracer *Tracer) cqrs.Middleware {
	return func(next cqrs.MiddlewareFunc) cqrs.MiddlewareFunc {
		return func(ctx context.Context, event cqrs.Event) (cqrs.Event, error) {
			command := cqrs.CommandFromContext(ctx)
			ctx, span := tracer.StartSpan(ctx, "command."+command,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("cqrs.service", tracer.serviceName),
				attribute.String("cqrs.command", command),
				attribute.String("cqrs.aggregate", event.Aggregate),
				attribute.String("cqrs.stream_id", event.StreamID),
				attribute.String("cqrs.event", event.Name),
				attribute.Int64("cqrs.requested_seq", event.Seq),
			)

			stored, err := next(ctx, event)
			if err == nil {
				span.SetAttributes(
					attribute.Int64("cqrs.seq", stored.Seq),
					attribute.String("cqrs.event_id", stored.ID),
				)
			}
			finish(span, err)
			return stored, err
		}
	}
}

// EventLogMiddleware wraps an adapters.EventLog with tracing.
type EventLogMiddleware struct {
	log    adapters.EventLog
	tracer *Tracer
}

// NewEventLogMiddleware wraps an event log with tracing.
func NewEventLogMiddleware(log adapters.EventLog, tracer *Tracer) *EventLogMiddleware {
	return &EventLogMiddleware{log: log, tracer: tracer}
}

func (m *EventLogMiddleware) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(append([]attribute.KeyValue{attribute.String("cqrs.service", m.tracer.serviceName)}, attrs...)...)
	return ctx, span
}

// Append stores an event with tracing.
func (m *EventLogMiddleware) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventlog.append",
		attribute.String("cqrs.stream_id", record.StreamID),
		attribute.String("cqrs.event", record.Name),
		attribute.Int64("cqrs.requested_seq", record.Seq),
	)
	defer span.End()

	stored, err := m.log.Append(ctx, record)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("cqrs.seq", stored.Seq),
			attribute.Int64("cqrs.global_position", int64(stored.GlobalPosition)),
		)
	}
	finish(span, err)
	return stored, err
}

// Load retrieves events with tracing.
func (m *EventLogMiddleware) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventlog.load",
		attribute.String("cqrs.stream_id", streamID),
		attribute.Int64("cqrs.from_seq", fromSeq),
	)
	defer span.End()

	events, err := m.log.Load(ctx, streamID, fromSeq)
	span.SetAttributes(attribute.Int("cqrs.events.count", len(events)))
	finish(span, err)
	return events, err
}

// LastSeq returns the stream's last seq with tracing.
func (m *EventLogMiddleware) LastSeq(ctx context.Context, streamID string) (int64, error) {
	ctx, span := m.start(ctx, "eventlog.last_seq", attribute.String("cqrs.stream_id", streamID))
	defer span.End()

	seq, err := m.log.LastSeq(ctx, streamID)
	finish(span, err)
	return seq, err
}

// GetLastPosition returns the last global position with tracing.
func (m *EventLogMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.start(ctx, "eventlog.get_last_position")
	defer span.End()

	pos, err := m.log.GetLastPosition(ctx)
	finish(span, err)
	return pos, err
}

// Initialize initializes the wrapped log with tracing.
func (m *EventLogMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "eventlog.initialize")
	defer span.End()

	err := m.log.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the wrapped log.
func (m *EventLogMiddleware) Close() error {
	return m.log.Close()
}

// LoadFromPosition loads events by global position with tracing.
func (m *EventLogMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	sub, ok := m.log.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, cqrs.ErrSubscriptionNotSupported
	}

	ctx, span := m.start(ctx, "eventlog.load_from_position",
		attribute.Int64("cqrs.from_position", int64(fromPosition)),
		attribute.Int("cqrs.limit", limit),
	)
	defer span.End()

	events, err := sub.LoadFromPosition(ctx, fromPosition, limit)
	span.SetAttributes(attribute.Int("cqrs.events.count", len(events)))
	finish(span, err)
	return events, err
}

// SubscribeAll subscribes to the wrapped log. Only the setup is traced.
func (m *EventLogMiddleware) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	sub, ok := m.log.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, cqrs.ErrSubscriptionNotSupported
	}

	_, span := m.start(ctx, "eventlog.subscribe_all", attribute.Int64("cqrs.from_position", int64(fromPosition)))
	ch, err := sub.SubscribeAll(ctx, fromPosition, opts...)
	finish(span, err)
	span.End()
	return ch, err
}

// StateStoreMiddleware wraps an adapters.StateStore with tracing.
type StateStoreMiddleware struct {
	states adapters.StateStore
	tracer *Tracer
}

// NewStateStoreMiddleware wraps a state store with tracing.
func NewStateStoreMiddleware(states adapters.StateStore, tracer *Tracer) *StateStoreMiddleware {
	return &StateStoreMiddleware{states: states, tracer: tracer}
}

func (m *StateStoreMiddleware) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(append([]attribute.KeyValue{attribute.String("cqrs.service", m.tracer.serviceName)}, attrs...)...)
	return ctx, span
}

// Get returns a state record with tracing.
func (m *StateStoreMiddleware) Get(ctx context.Context, streamID string) (*adapters.StateRecord, error) {
	ctx, span := m.start(ctx, "statestore.get", attribute.String("cqrs.stream_id", streamID))
	defer span.End()

	rec, err := m.states.Get(ctx, streamID)
	span.SetAttributes(attribute.Bool("cqrs.found", rec != nil))
	finish(span, err)
	return rec, err
}

// Put upserts a state record with tracing.
func (m *StateStoreMiddleware) Put(ctx context.Context, record adapters.StateRecord) error {
	ctx, span := m.start(ctx, "statestore.put",
		attribute.String("cqrs.stream_id", record.StreamID),
		attribute.String("cqrs.aggregate", record.Aggregate),
		attribute.Int64("cqrs.seq", record.Seq),
		attribute.Int("cqrs.bytes", len(record.Data)),
	)
	defer span.End()

	err := m.states.Put(ctx, record)
	finish(span, err)
	return err
}

// List lists state records with tracing.
func (m *StateStoreMiddleware) List(ctx context.Context, aggregate string) ([]adapters.StateRecord, error) {
	ctx, span := m.start(ctx, "statestore.list", attribute.String("cqrs.aggregate", aggregate))
	defer span.End()

	records, err := m.states.List(ctx, aggregate)
	span.SetAttributes(attribute.Int("cqrs.records.count", len(records)))
	finish(span, err)
	return records, err
}

// Clear clears the state store with tracing.
func (m *StateStoreMiddleware) Clear(ctx context.Context) error {
	ctx, span := m.start(ctx, "statestore.clear")
	defer span.End()

	err := m.states.Clear(ctx)
	finish(span, err)
	return err
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}
