package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/adapters/memory"
	"github.com/access-news/cqrs/adapters/postgres"
	"github.com/access-news/cqrs/adapters/redis"
	"github.com/access-news/cqrs/adapters/sqlite"
	"github.com/access-news/cqrs/config"
	"github.com/access-news/cqrs/domain"
	"github.com/access-news/cqrs/identity"
	"github.com/access-news/cqrs/logging"
	"github.com/access-news/cqrs/middleware/metrics"
	"github.com/access-news/cqrs/middleware/tracing"
	"github.com/access-news/cqrs/relay"
	"github.com/access-news/cqrs/relay/kafka"
	"github.com/access-news/cqrs/relay/sns"
	"github.com/access-news/cqrs/relay/webhook"
	"github.com/access-news/cqrs/serializer/msgpack"
	"github.com/access-news/cqrs/serializer/protobuf"
)

// ErrRelayDisabled is returned by NewRelay when no destination is configured.
var ErrRelayDisabled = errors.New("relay: no destination configured")

// Runtime holds the engine components built from a Config.
type Runtime struct {
	Config      *config.Config
	Logger      *logging.Logger
	Store       *cqrs.EventStore
	States      adapters.StateStore
	Checkpoints adapters.CheckpointAdapter
	Serializer  cqrs.StateSerializer
	Dispatcher  *cqrs.Dispatcher

	// Metrics and Registry are set when observability.metrics_addr is.
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	log         adapters.EventLog
	pingers     []adapters.HealthChecker
	tracer      *tracing.Tracer
	provisioner identity.Provisioner
	closers     []func(context.Context) error
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	traceOutput io.Writer
	provisioner identity.Provisioner
}

// WithTraceOutput sets where spans are written when tracing is enabled.
// Default: stderr.
func WithTraceOutput(w io.Writer) RuntimeOption {
	return func(o *runtimeOptions) {
		o.traceOutput = w
	}
}

// WithProvisioner overrides the provisioner chosen from identity.endpoint.
func WithProvisioner(p identity.Provisioner) RuntimeOption {
	return func(o *runtimeOptions) {
		o.provisioner = p
	}
}

// NewRuntime validates cfg and opens every component it names. Close
// releases them.
func NewRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (*Runtime, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	options := runtimeOptions{traceOutput: os.Stderr}
	for _, opt := range opts {
		opt(&options)
	}

	zl, err := logging.New(cfg.Log.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	rt := &Runtime{
		Config:      cfg,
		Logger:      logging.Adapt(zl),
		provisioner: options.provisioner,
	}

	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(ctx)
		}
	}()

	if err := rt.openEventLog(ctx); err != nil {
		return nil, err
	}
	if err := rt.openStateStore(); err != nil {
		return nil, err
	}
	if rt.Serializer, err = newSerializer(cfg.State.Serializer); err != nil {
		return nil, err
	}
	if err := rt.instrument(options.traceOutput); err != nil {
		return nil, err
	}

	rt.Store = cqrs.NewEventStore(rt.log, cqrs.WithLogger(rt.Logger.Named("store")))
	rt.Dispatcher = cqrs.NewDispatcher(rt.Store, domain.NewRegistry(),
		cqrs.WithDispatcherLogger(rt.Logger.Named("dispatcher")),
		cqrs.WithMiddleware(cqrs.RecoveryMiddleware()),
	)
	if rt.Metrics != nil {
		rt.Dispatcher.Use(cqrs.MetricsMiddleware(rt.Metrics))
	}
	if rt.tracer != nil {
		rt.Dispatcher.Use(tracing.CommandMiddleware(rt.tracer))
	}
	rt.closers = append(rt.closers, rt.Dispatcher.Close)

	if rt.provisioner == nil {
		rt.provisioner = newProvisioner(cfg.Identity)
	}

	rt.Logger.Debug("Runtime opened",
		"store", cfg.Store.Driver,
		"state", cfg.State.Driver,
		"serializer", rt.Serializer.Name(),
	)
	ok = true
	return rt, nil
}

func (r *Runtime) openEventLog(ctx context.Context) error {
	sc := r.Config.Store

	switch sc.Driver {
	case config.DriverMemory:
		r.log = memory.NewAdapter()

	case config.DriverPostgres:
		var opts []postgres.Option
		if sc.Schema != "" {
			opts = append(opts, postgres.WithSchema(sc.Schema))
		}
		if sc.MaxConnections > 0 {
			opts = append(opts, postgres.WithMaxConnections(sc.MaxConnections))
		}
		a, err := postgres.NewAdapter(sc.URL, opts...)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		r.log = a
		if err := a.Initialize(ctx); err != nil {
			_ = a.Close()
			return fmt.Errorf("failed to initialize postgres schema: %w", err)
		}

	case config.DriverSQLite:
		a, err := sqlite.Open(ctx, sc.URL)
		if err != nil {
			return err
		}
		r.log = a

	default:
		return fmt.Errorf("unsupported store driver: %s", sc.Driver)
	}

	log := r.log
	r.closers = append(r.closers, func(context.Context) error { return log.Close() })
	if hc, ok := log.(adapters.HealthChecker); ok {
		r.pingers = append(r.pingers, hc)
	}

	checkpoints, ok := r.log.(adapters.CheckpointAdapter)
	if !ok {
		return fmt.Errorf("store driver %s does not keep checkpoints", sc.Driver)
	}
	r.Checkpoints = checkpoints
	return nil
}

func (r *Runtime) openStateStore() error {
	sc := r.Config.State

	switch sc.Driver {
	case config.DriverMemory:
		r.States = memory.NewStateStore()

	case config.DriverPostgres:
		r.States = r.log.(*postgres.PostgresAdapter).StateStore()

	case config.DriverSQLite:
		r.States = r.log.(*sqlite.Adapter).StateStore()

	case config.DriverRedis:
		var opts []redis.Option
		if sc.Prefix != "" {
			opts = append(opts, redis.WithPrefix(sc.Prefix))
		}
		store, err := redis.Dial(sc.URL, opts...)
		if err != nil {
			return err
		}
		r.States = store
		r.pingers = append(r.pingers, store)
		r.closers = append(r.closers, func(context.Context) error { return store.Close() })

	default:
		return fmt.Errorf("unsupported state driver: %s", sc.Driver)
	}
	return nil
}

func (r *Runtime) instrument(traceOutput io.Writer) error {
	oc := r.Config.Observability

	if oc.MetricsAddr != "" {
		r.Metrics = metrics.New(metrics.WithMetricsServiceName(r.Config.Project.Name))
		r.Registry = prometheus.NewRegistry()
		if err := r.Metrics.Register(r.Registry); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		r.log = r.Metrics.WrapEventLog(r.log)
	}

	if oc.Tracing {
		tp, err := tracing.NewStdoutProvider(traceOutput)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, tp.Shutdown)
		r.tracer = tracing.NewTracer(
			tracing.WithTracerProvider(tp),
			tracing.WithServiceName(r.Config.Project.Name),
		)
		r.log = tracing.NewEventLogMiddleware(r.log, r.tracer)
		r.States = tracing.NewStateStoreMiddleware(r.States, r.tracer)
	}
	return nil
}

func newSerializer(name string) (cqrs.StateSerializer, error) {
	switch name {
	case "", "json":
		return cqrs.NewJSONSerializer(), nil
	case msgpack.Name:
		return msgpack.NewSerializer(), nil
	case protobuf.Name:
		return protobuf.NewSerializer(), nil
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", name)
	}
}

func newProvisioner(ic config.IdentityConfig) identity.Provisioner {
	if ic.Endpoint == "" {
		return identity.NewMemoryProvisioner()
	}
	opts := []identity.Option{identity.WithTimeout(ic.Timeout)}
	if ic.Token != "" {
		opts = append(opts, identity.WithBearerToken(ic.Token))
	}
	return identity.NewHTTPProvisioner(ic.Endpoint, opts...)
}

// Provisioner returns the identity provisioner used for registrations.
func (r *Runtime) Provisioner() identity.Provisioner {
	return r.provisioner
}

// People returns the person registration service.
func (r *Runtime) People() *domain.People {
	return domain.NewPeople(r.Dispatcher, r.provisioner,
		domain.WithPeopleLogger(r.Logger.Named("people")),
	)
}

// NewProjector builds a projector from the projector section. extra
// options are applied last.
func (r *Runtime) NewProjector(extra ...cqrs.ProjectorOption) *cqrs.Projector {
	pc := r.Config.Projector

	opts := []cqrs.ProjectorOption{
		cqrs.WithProjectorName(pc.Name),
		cqrs.WithShards(pc.Shards),
		cqrs.WithQueueSize(pc.QueueSize),
		cqrs.WithBatchSize(pc.BatchSize),
		cqrs.WithPollInterval(pc.PollInterval),
		cqrs.WithGapParking(pc.GapParking),
		cqrs.WithStateSerializer(r.Serializer),
		cqrs.WithProjectorLogger(r.Logger.Named("projector")),
	}
	if r.Metrics != nil {
		opts = append(opts, cqrs.WithProjectorMetrics(r.Metrics))
	}
	return cqrs.NewProjector(r.States, domain.Handlers(), append(opts, extra...)...)
}

// NewRebuilder builds a rebuilder that records its final checkpoint.
func (r *Runtime) NewRebuilder() *cqrs.Rebuilder {
	opts := []cqrs.RebuilderOption{
		cqrs.WithRebuilderBatchSize(r.Config.Projector.BatchSize),
		cqrs.WithRebuilderLogger(r.Logger.Named("rebuilder")),
		cqrs.WithRebuilderCheckpoints(r.Checkpoints),
	}
	if r.Metrics != nil {
		opts = append(opts, cqrs.WithRebuilderMetrics(r.Metrics))
	}
	return cqrs.NewRebuilder(r.Store, opts...)
}

// NewRelay builds a relay with one publisher and route per configured
// destination. It returns ErrRelayDisabled when none is configured.
func (r *Runtime) NewRelay(ctx context.Context, extra ...relay.Option) (*relay.Relay, error) {
	rc := r.Config.Relay
	if !rc.Enabled() {
		return nil, ErrRelayDisabled
	}

	opts := []relay.Option{
		relay.WithName(rc.Name),
		relay.WithBatchSize(r.Config.Projector.BatchSize),
		relay.WithPollInterval(r.Config.Projector.PollInterval),
		relay.WithLogger(r.Logger.Named("relay")),
	}

	if rc.Kafka.Topic != "" {
		p := kafka.New(kafka.WithBrokers(rc.Kafka.Brokers...))
		r.closers = append(r.closers, func(context.Context) error { return p.Close() })
		opts = append(opts,
			relay.WithPublisher(p),
			relay.WithRoute(relay.Route{Destination: kafka.Prefix + ":" + rc.Kafka.Topic}),
		)
	}

	if rc.SNS.TopicARN != "" {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if rc.SNS.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(rc.SNS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		opts = append(opts,
			relay.WithPublisher(sns.NewFromConfig(awsCfg)),
			relay.WithRoute(relay.Route{Destination: sns.Prefix + ":" + rc.SNS.TopicARN}),
		)
	}

	if rc.Webhook.URL != "" {
		opts = append(opts,
			relay.WithPublisher(webhook.New()),
			relay.WithRoute(relay.Route{Destination: webhook.Prefix + ":" + rc.Webhook.URL}),
		)
	}

	rl := relay.New(r.Store, r.Checkpoints, append(opts, extra...)...)
	if err := rl.Validate(); err != nil {
		return nil, err
	}
	return rl, nil
}

// Ping checks every backend that supports it.
func (r *Runtime) Ping(ctx context.Context) error {
	var errs []error
	for _, hc := range r.pingers {
		errs = append(errs, hc.Ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases components in reverse order of opening.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	_ = r.Logger.Sync()
	return errors.Join(errs...)
}
