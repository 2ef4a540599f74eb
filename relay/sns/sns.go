// Package sns publishes relayed events to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/access-news/cqrs/relay"
)

// Prefix is the destination prefix handled by the publisher.
const Prefix = "sns"

var _ relay.Publisher = (*Publisher)(nil)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes relay messages to AWS SNS topics.
// Destination format: "sns:arn:aws:sns:region:account:topic"
//
// For FIFO topics (ARN ending in ".fifo") the message group is the stream
// id, so events of one stream are delivered in order, and the
// deduplication id is the event id.
type Publisher struct {
	client         SNSClient
	messageGroupID string
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets a custom SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID pins every FIFO message to one group instead of the
// stream id.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.messageGroupID = groupID
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewFromConfig creates a Publisher backed by an SNS client built from cfg.
func NewFromConfig(cfg aws.Config, opts ...Option) *Publisher {
	return New(append([]Option{WithSNSClient(sns.NewFromConfig(cfg))}, opts...)...)
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish sends messages to the SNS topic specified in the destination.
// All messages are attempted even if some fail; errors are collected and returned as a joined error.
func (p *Publisher) Publish(ctx context.Context, messages []*relay.Message) error {
	if p.client == nil {
		return fmt.Errorf("sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		topicARN := relay.Target(msg.Destination, Prefix)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("sns: invalid destination %q: missing topic ARN", msg.Destination))
			continue
		}

		if _, err := p.client.Publish(ctx, p.input(topicARN, msg)); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish to %s: %w", topicARN, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) input(topicARN string, msg *relay.Message) *sns.PublishInput {
	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(msg.Payload)),
	}

	if len(msg.Headers) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Headers))
		for k, v := range msg.Headers {
			if v == "" {
				continue
			}
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	if strings.HasSuffix(topicARN, ".fifo") {
		group := p.messageGroupID
		if group == "" {
			group = msg.Key
		}
		input.MessageGroupId = aws.String(group)
		if id := msg.Headers[relay.HeaderEventID]; id != "" {
			input.MessageDeduplicationId = aws.String(id)
		}
	}

	return input
}
