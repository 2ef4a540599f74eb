// Package webhook publishes relayed events as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/access-news/cqrs/relay"
)

// Prefix is the destination prefix handled by the publisher.
const Prefix = "webhook"

// HeaderPrefix is prepended to every relay header on the request.
const HeaderPrefix = "X-Cqrs-"

var _ relay.Publisher = (*Publisher)(nil)

// Publisher publishes relay messages as HTTP POST requests.
// Destination format: "webhook:https://example.com/events"
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets default headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a new webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish sends each message as an HTTP POST to the URL in its destination.
// It stops at the first failure; the relay retries the whole batch, so
// receivers must tolerate duplicates (the event-id header identifies them).
func (p *Publisher) Publish(ctx context.Context, messages []*relay.Message) error {
	for _, msg := range messages {
		url := relay.Target(msg.Destination, Prefix)
		if url == "" {
			return fmt.Errorf("webhook: invalid destination %q: missing URL", msg.Destination)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
		if err != nil {
			return fmt.Errorf("webhook: failed to create request: %w", err)
		}

		for k, v := range p.defaultHeaders {
			req.Header.Set(k, v)
		}
		for k, v := range msg.Headers {
			req.Header.Set(HeaderPrefix+k, v)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: request failed for %s: %w", url, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, url)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, url)
		}
	}

	return nil
}
