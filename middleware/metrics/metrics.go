// Package metrics provides Prometheus metrics for the dispatcher, the event
// log and projectors.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("people"))
//	registry := prometheus.NewRegistry()
//	_ = m.Register(registry)
//
//	dispatcher.Use(cqrs.MetricsMiddleware(m))
//	store := cqrs.NewEventStore(m.WrapEventLog(adapter))
//	projector := cqrs.NewProjector(states, handlers, cqrs.WithProjectorMetrics(m))
//
//	http.Handle("/metrics", metrics.Handler(registry))
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
)

// Default metric labels.
const (
	LabelCommand        = "command"
	LabelAggregate      = "aggregate"
	LabelEvent          = "event"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorType      = "error_type"
	LabelService        = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Operation values.
const (
	OperationAppend    = "append"
	OperationLoad      = "load"
	OperationSubscribe = "subscribe"
)

var (
	_ cqrs.MetricsCollector       = (*Metrics)(nil)
	_ cqrs.ProjectionMetrics      = (*Metrics)(nil)
	_ adapters.EventLog           = (*EventLogMiddleware)(nil)
	_ adapters.StreamQueryAdapter = (*EventLogMiddleware)(nil)
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	eventLogOperationsTotal   *prometheus.CounterVec
	eventLogOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal       *prometheus.CounterVec
	eventsLoadedTotal         *prometheus.CounterVec

	projectionEventsTotal *prometheus.CounterVec
	projectionDuration    *prometheus.HistogramVec
	projectionBatches     *prometheus.CounterVec
	projectionCheckpoint  *prometheus.GaugeVec
	projectionLag         *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "cqrs",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total",
		"Total number of commands executed.", LabelAggregate, LabelCommand, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds",
		"Duration of command appends in seconds.", LabelAggregate, LabelCommand)

	m.eventLogOperationsTotal = m.counter("eventlog_operations_total",
		"Total number of event log operations.", LabelOperation, LabelStatus)
	m.eventLogOperationDuration = m.histogram("eventlog_operation_duration_seconds",
		"Duration of event log operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended.", LabelAggregate, LabelEvent)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded.")

	m.projectionEventsTotal = m.counter("projection_events_total",
		"Total number of events seen by projectors.", LabelProjectionName, LabelEvent, LabelStatus)
	m.projectionDuration = m.histogram("projection_duration_seconds",
		"Duration of projector event handling in seconds.", LabelProjectionName)
	m.projectionBatches = m.counter("projection_batches_total",
		"Total number of rebuild batches.", LabelProjectionName, LabelStatus)
	m.projectionCheckpoint = m.gauge("projection_checkpoint_position",
		"Current checkpoint position for each projector.", LabelProjectionName)
	m.projectionLag = m.gauge("projection_lag_events",
		"Number of events behind the log head for each projector.", LabelProjectionName)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.eventLogOperationsTotal,
		m.eventLogOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionEventsTotal,
		m.projectionDuration,
		m.projectionBatches,
		m.projectionCheckpoint,
		m.projectionLag,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics of a registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// RecordCommand implements cqrs.MetricsCollector.
func (m *Metrics) RecordCommand(aggregate, command string, duration time.Duration, success bool, err error) {
	m.commandDuration.WithLabelValues(m.serviceName, aggregate, command).Observe(duration.Seconds())

	status := StatusSuccess
	if !success {
		status = StatusError
		m.RecordErrorType(errorTypeName(err))
	}
	m.commandsTotal.WithLabelValues(m.serviceName, aggregate, command, status).Inc()
}

// RecordEventProcessed implements cqrs.ProjectionMetrics.
func (m *Metrics) RecordEventProcessed(projectionName, eventName string, duration time.Duration, success bool) {
	m.projectionDuration.WithLabelValues(m.serviceName, projectionName).Observe(duration.Seconds())

	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.projectionEventsTotal.WithLabelValues(m.serviceName, projectionName, eventName, status).Inc()
}

// RecordEventSkipped implements cqrs.ProjectionMetrics.
func (m *Metrics) RecordEventSkipped(projectionName, eventName string) {
	m.projectionEventsTotal.WithLabelValues(m.serviceName, projectionName, eventName, StatusSkipped).Inc()
}

// RecordBatchProcessed implements cqrs.ProjectionMetrics.
func (m *Metrics) RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.projectionBatches.WithLabelValues(m.serviceName, projectionName, status).Inc()
}

// RecordCheckpoint implements cqrs.ProjectionMetrics.
func (m *Metrics) RecordCheckpoint(projectionName string, position uint64) {
	m.projectionCheckpoint.WithLabelValues(m.serviceName, projectionName).Set(float64(position))
}

// RecordError implements cqrs.ProjectionMetrics.
func (m *Metrics) RecordError(projectionName string, err error) {
	m.RecordErrorType(errorTypeName(err))
}

// RecordErrorType counts an error under a custom type label.
func (m *Metrics) RecordErrorType(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// RecordProjectionLag records how far a projector trails the log head.
func (m *Metrics) RecordProjectionLag(projectionName string, lag int64) {
	m.projectionLag.WithLabelValues(m.serviceName, projectionName).Set(float64(lag))
}

// errorTypeName maps sentinel errors to a label value.
func errorTypeName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, cqrs.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, cqrs.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, cqrs.ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, cqrs.ErrUnknownAggregate):
		return "unknown_aggregate"
	case errors.Is(err, cqrs.ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, cqrs.ErrUnknownEventHandler):
		return "unknown_event_handler"
	case errors.Is(err, cqrs.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, cqrs.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, cqrs.ErrTransientStore):
		return "transient_store"
	case errors.Is(err, cqrs.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, cqrs.ErrInvalidSeq):
		return "invalid_seq"
	case errors.Is(err, cqrs.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, cqrs.ErrDispatcherClosed):
		return "dispatcher_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}

// EventLogMiddleware wraps an adapters.EventLog with metrics.
type EventLogMiddleware struct {
	log     adapters.EventLog
	metrics *Metrics
}

// WrapEventLog wraps an event log with metrics collection.
func (m *Metrics) WrapEventLog(log adapters.EventLog) *EventLogMiddleware {
	return &EventLogMiddleware{log: log, metrics: m}
}

// Unwrap returns the wrapped event log.
func (em *EventLogMiddleware) Unwrap() adapters.EventLog {
	return em.log
}

func (em *EventLogMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventLogOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.RecordErrorType(op + "_error")
	}
	m.eventLogOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// Append stores an event with metrics.
func (em *EventLogMiddleware) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.log.Append(ctx, record)
	em.observe(OperationAppend, start, err)
	if err == nil {
		em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, record.Aggregate, record.Name).Inc()
	}
	return stored, err
}

// Load retrieves events with metrics.
func (em *EventLogMiddleware) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.log.Load(ctx, streamID, fromSeq)
	em.observe(OperationLoad, start, err)
	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// LastSeq returns the stream's last seq with metrics.
func (em *EventLogMiddleware) LastSeq(ctx context.Context, streamID string) (int64, error) {
	start := time.Now()
	seq, err := em.log.LastSeq(ctx, streamID)
	em.observe("last_seq", start, err)
	return seq, err
}

// GetLastPosition returns the last global position with metrics.
func (em *EventLogMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	start := time.Now()
	pos, err := em.log.GetLastPosition(ctx)
	em.observe("get_last_position", start, err)
	return pos, err
}

// GetStreamInfo returns stream metadata when the wrapped log supports it.
func (em *EventLogMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	query, ok := em.log.(adapters.StreamQueryAdapter)
	if !ok {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	start := time.Now()
	info, err := query.GetStreamInfo(ctx, streamID)
	em.observe("get_stream_info", start, err)
	return info, err
}

// Initialize initializes the wrapped log.
func (em *EventLogMiddleware) Initialize(ctx context.Context) error {
	return em.log.Initialize(ctx)
}

// Close closes the wrapped log.
func (em *EventLogMiddleware) Close() error {
	return em.log.Close()
}

// LoadFromPosition loads events from a global position with metrics.
// Returns an error if the wrapped log doesn't support subscriptions.
func (em *EventLogMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	sub, ok := em.log.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, cqrs.ErrSubscriptionNotSupported
	}

	start := time.Now()
	events, err := sub.LoadFromPosition(ctx, fromPosition, limit)
	em.observe("load_from_position", start, err)
	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// SubscribeAll subscribes to all events with metrics.
// Returns an error if the wrapped log doesn't support subscriptions.
func (em *EventLogMiddleware) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	sub, ok := em.log.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, cqrs.ErrSubscriptionNotSupported
	}

	start := time.Now()
	ch, err := sub.SubscribeAll(ctx, fromPosition, opts...)
	em.observe(OperationSubscribe, start, err)
	return ch, err
}

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec {
	return m.commandsTotal
}

// EventLogOperationsTotal returns the event log operations counter.
func (m *Metrics) EventLogOperationsTotal() *prometheus.CounterVec {
	return m.eventLogOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// ProjectionEventsTotal returns the projector events counter.
func (m *Metrics) ProjectionEventsTotal() *prometheus.CounterVec {
	return m.projectionEventsTotal
}

// ProjectionCheckpoint returns the checkpoint gauge.
func (m *Metrics) ProjectionCheckpoint() *prometheus.GaugeVec {
	return m.projectionCheckpoint
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
