// Package kafka publishes relayed events to Kafka topics and reads them
// back as an event channel, using github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/relay"
)

// Prefix is the destination prefix handled by the publisher.
const Prefix = "kafka"

var _ relay.Publisher = (*Publisher)(nil)

// Writer is the subset of *kafkago.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher publishes relay messages to Kafka topics.
// Destination format: "kafka:topic-name"
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	newWriter    func(topic string) Writer

	mu      sync.RWMutex
	writers map[string]Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets the transport used by the default writers.
func WithTransport(t kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = t
	}
}

// WithWriterFactory replaces how per-topic writers are built.
func WithWriterFactory(fn func(topic string) Writer) Option {
	return func(p *Publisher) {
		p.newWriter = fn
	}
}

// New creates a new Kafka Publisher. Messages are keyed by stream id and
// the default balancer hashes keys, so one stream stays on one partition.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]Writer),
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.newWriter == nil {
		p.newWriter = p.defaultWriter
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish writes messages to the topic named by each destination.
// All topics are attempted even if some fail; errors are collected and returned as a joined error.
func (p *Publisher) Publish(ctx context.Context, messages []*relay.Message) error {
	grouped := make(map[string][]kafkago.Message)
	var order []string
	var errs []error
	for _, msg := range messages {
		topic := relay.Target(msg.Destination, Prefix)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}

		kafkaMsg := kafkago.Message{
			Key:   []byte(msg.Key),
			Value: msg.Payload,
		}
		for k, v := range msg.Headers {
			kafkaMsg.Headers = append(kafkaMsg.Headers, kafkago.Header{
				Key:   k,
				Value: []byte(v),
			})
		}

		if _, ok := grouped[topic]; !ok {
			order = append(order, topic)
		}
		grouped[topic] = append(grouped[topic], kafkaMsg)
	}

	for _, topic := range order {
		writer := p.getWriter(topic)
		if err := writer.WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			return err
		}
		delete(p.writers, topic)
	}
	return nil
}

// getWriter returns or creates a writer for the given topic.
func (p *Publisher) getWriter(topic string) Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) defaultWriter(topic string) Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
}

// Reader is the subset of *kafkago.Reader used by Source.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Applier is the subset of *cqrs.Projector used by Source.
type Applier interface {
	Apply(ctx context.Context, event cqrs.Event) (bool, error)
	State(streamID string) (*cqrs.State, bool)
}

// Source turns a topic written by the relay back into events and applies
// them to a projector in another process.
//
// An offset is committed only once its event is reflected in the
// projector's state, and never past an earlier offset of the same
// partition that is still waiting. A parked event holds back the commit
// until the seqs before it arrive. Replays after a crash are absorbed by
// the projector's seq check.
type Source struct {
	reader Reader
	logger cqrs.Logger
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceLogger sets the logger.
func WithSourceLogger(l cqrs.Logger) SourceOption {
	return func(s *Source) {
		s.logger = l
	}
}

// NewSource reads topic as a member of the consumer group groupID.
func NewSource(brokers []string, topic, groupID string, opts ...SourceOption) *Source {
	return NewSourceWithReader(kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	}), opts...)
}

// NewSourceWithReader wraps an existing reader.
func NewSourceWithReader(reader Reader, opts ...SourceOption) *Source {
	s := &Source{reader: reader, logger: cqrs.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pending is a fetched message whose offset is not committed yet. event is
// nil for messages that are not event envelopes.
type pending struct {
	msg   kafkago.Message
	event *cqrs.Event
}

// Project applies events to p until ctx is done or the reader or p fails.
// Messages that are not event envelopes are committed and skipped. A
// failed Apply leaves its offset uncommitted so the event is fetched again
// after a restart. A cancelled ctx is not an error.
func (s *Source) Project(ctx context.Context, p Applier) error {
	waiting := make(map[int][]pending)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}

		entry := pending{msg: msg}
		event, err := cqrs.UnmarshalEvent(msg.Value)
		if err != nil {
			s.logger.Warn("Skipping undecodable message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		} else {
			if _, err := p.Apply(ctx, event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("kafka: apply offset %d: %w", msg.Offset, err)
			}
			entry.event = &event
		}
		waiting[msg.Partition] = append(waiting[msg.Partition], entry)

		for partition, queue := range waiting {
			settled := 0
			for settled < len(queue) && applied(p, queue[settled].event) {
				settled++
			}
			if settled == 0 {
				continue
			}
			if err := s.reader.CommitMessages(ctx, queue[settled-1].msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("kafka: commit offset %d: %w", queue[settled-1].msg.Offset, err)
			}
			if settled == len(queue) {
				delete(waiting, partition)
			} else {
				waiting[partition] = queue[settled:]
			}
		}
	}
}

// applied reports whether p's state already covers event.
func applied(p Applier, event *cqrs.Event) bool {
	if event == nil {
		return true
	}
	state, ok := p.State(event.StreamID)
	return ok && state.Meta.Seq >= event.Seq
}

// Close closes the reader.
func (s *Source) Close() error {
	return s.reader.Close()
}
