package sns

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-news/cqrs/relay"
)

// mockSNSClient implements SNSClient for testing.
type mockSNSClient struct {
	publishCalls []*sns.PublishInput
	publishErr   error
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.publishCalls = append(m.publishCalls, params)
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-123")}, nil
}

const topic = "arn:aws:sns:us-east-1:123456789:people"

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "sns", New().Destination())
}

func TestNewFromConfig(t *testing.T) {
	p := NewFromConfig(aws.Config{Region: "us-east-1"})
	assert.IsType(t, &sns.Client{}, p.client)
}

func TestPublisher_Publish_Success(t *testing.T) {
	mock := &mockSNSClient{}
	p := New(WithSNSClient(mock))

	err := p.Publish(context.Background(), []*relay.Message{{
		Destination: "sns:" + topic,
		Key:         "p1",
		Payload:     []byte(`{"event_name":"person_added"}`),
		Headers:     map[string]string{relay.HeaderEventName: "person_added", relay.HeaderEventID: ""},
	}})
	require.NoError(t, err)
	require.Len(t, mock.publishCalls, 1)

	call := mock.publishCalls[0]
	assert.Equal(t, topic, *call.TopicArn)
	assert.Equal(t, `{"event_name":"person_added"}`, *call.Message)
	assert.Equal(t, "person_added", *call.MessageAttributes[relay.HeaderEventName].StringValue)
	assert.NotContains(t, call.MessageAttributes, relay.HeaderEventID)
	assert.Nil(t, call.MessageGroupId)
}

func TestPublisher_Publish_FIFO(t *testing.T) {
	t.Run("groups by stream", func(t *testing.T) {
		mock := &mockSNSClient{}
		p := New(WithSNSClient(mock))

		err := p.Publish(context.Background(), []*relay.Message{{
			Destination: "sns:" + topic + ".fifo",
			Key:         "p1",
			Payload:     []byte(`{}`),
			Headers:     map[string]string{relay.HeaderEventID: "e1"},
		}})
		require.NoError(t, err)
		assert.Equal(t, "p1", *mock.publishCalls[0].MessageGroupId)
		assert.Equal(t, "e1", *mock.publishCalls[0].MessageDeduplicationId)
	})

	t.Run("fixed group", func(t *testing.T) {
		mock := &mockSNSClient{}
		p := New(WithSNSClient(mock), WithMessageGroupID("people"))

		err := p.Publish(context.Background(), []*relay.Message{{
			Destination: "sns:" + topic + ".fifo", Key: "p1", Payload: []byte(`{}`),
		}})
		require.NoError(t, err)
		assert.Equal(t, "people", *mock.publishCalls[0].MessageGroupId)
	})
}

func TestPublisher_Publish_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no client", func(t *testing.T) {
		err := New().Publish(ctx, []*relay.Message{{Destination: "sns:arn"}})
		assert.ErrorContains(t, err, "client not configured")
	})

	t.Run("invalid destination", func(t *testing.T) {
		err := New(WithSNSClient(&mockSNSClient{})).Publish(ctx, []*relay.Message{{Destination: "invalid"}})
		assert.ErrorContains(t, err, "missing topic ARN")
	})

	t.Run("publish failure attempts every message", func(t *testing.T) {
		mock := &mockSNSClient{publishErr: errors.New("throttled")}
		err := New(WithSNSClient(mock)).Publish(ctx, []*relay.Message{
			{Destination: "sns:" + topic, Payload: []byte(`{}`)},
			{Destination: "sns:" + topic, Payload: []byte(`{}`)},
		})
		assert.ErrorContains(t, err, "throttled")
		assert.Len(t, mock.publishCalls, 2)
	})
}
