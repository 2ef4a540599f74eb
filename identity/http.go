package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var _ Provisioner = (*HTTPProvisioner)(nil)

// HTTPProvisioner creates accounts by POSTing to {endpoint}/accounts.
// Server errors are retried with exponential backoff; a 409 maps to
// ErrAccountExists.
type HTTPProvisioner struct {
	endpoint    string
	client      *http.Client
	headers     map[string]string
	maxAttempts uint
}

// Option configures an HTTPProvisioner.
type Option func(*HTTPProvisioner)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvisioner) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProvisioner) {
		p.client.Timeout = d
	}
}

// WithBearerToken authenticates requests.
func WithBearerToken(token string) Option {
	return func(p *HTTPProvisioner) {
		p.headers["Authorization"] = "Bearer " + token
	}
}

// WithMaxAttempts bounds retries of server errors.
func WithMaxAttempts(n uint) Option {
	return func(p *HTTPProvisioner) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// NewHTTPProvisioner creates a provisioner for the given base URL.
func NewHTTPProvisioner(endpoint string, opts ...Option) *HTTPProvisioner {
	p := &HTTPProvisioner{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: map[string]string{
			"Content-Type": "application/json",
		},
		maxAttempts: 3,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type createAccountResponse struct {
	AccountID string `json:"account_id"`
}

// CreateAccount submits the account and returns the id the server assigned.
func (p *HTTPProvisioner) CreateAccount(ctx context.Context, account Account) (string, error) {
	if err := account.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(account)
	if err != nil {
		return "", fmt.Errorf("identity: failed to encode account: %w", err)
	}

	url := p.endpoint + "/accounts"
	operation := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("identity: failed to create request: %w", err))
		}
		for k, v := range p.headers {
			req.Header.Set(k, v)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("identity: request failed for %s: %w", url, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			_, _ = io.Copy(io.Discard, resp.Body)
			return "", backoff.Permanent(ErrAccountExists)
		case resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return "", fmt.Errorf("identity: server error %d from %s", resp.StatusCode, url)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return "", backoff.Permanent(fmt.Errorf("identity: client error %d from %s: %s",
				resp.StatusCode, url, strings.TrimSpace(string(msg))))
		}

		var out createAccountResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", backoff.Permanent(fmt.Errorf("identity: failed to decode response: %w", err))
		}
		if out.AccountID == "" {
			return "", backoff.Permanent(fmt.Errorf("identity: response from %s has no account_id", url))
		}
		return out.AccountID, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxAttempts),
	)
}
