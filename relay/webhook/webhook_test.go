package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters/memory"
	"github.com/access-news/cqrs/domain"
	"github.com/access-news/cqrs/relay"
)

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "webhook", New().Destination())
}

func TestNew_Options(t *testing.T) {
	client := &http.Client{}
	p := New(
		WithHTTPClient(client),
		WithTimeout(5*time.Second),
		WithDefaultHeaders(map[string]string{"Authorization": "Bearer token"}),
	)

	assert.Same(t, client, p.client)
	assert.Equal(t, 5*time.Second, client.Timeout)
	assert.Equal(t, "Bearer token", p.defaultHeaders["Authorization"])
	assert.Equal(t, "application/json", p.defaultHeaders["Content-Type"])
}

func TestPublisher_Publish_Success(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := New().Publish(context.Background(), []*relay.Message{{
		Destination: "webhook:" + server.URL,
		Payload:     []byte(`{"event_name":"person_added"}`),
		Headers:     map[string]string{relay.HeaderStreamID: "p1"},
	}})
	require.NoError(t, err)

	assert.Equal(t, `{"event_name":"person_added"}`, string(receivedBody))
	assert.Equal(t, "application/json", receivedHeaders.Get("Content-Type"))
	assert.Equal(t, "p1", receivedHeaders.Get("X-Cqrs-Stream-Id"))
}

func TestPublisher_Publish_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"server error", http.StatusBadGateway, "server error 502"},
		{"client error", http.StatusBadRequest, "client error 400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := New().Publish(context.Background(), []*relay.Message{{Destination: "webhook:" + server.URL}})
			assert.ErrorContains(t, err, tt.want)
		})
	}

	t.Run("missing url", func(t *testing.T) {
		err := New().Publish(context.Background(), []*relay.Message{{Destination: "webhook:"}})
		assert.ErrorContains(t, err, "missing URL")
	})
}

func TestRelayToWebhook(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var received []cqrs.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		event, err := cqrs.UnmarshalEvent(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	log := memory.NewAdapter()
	store := cqrs.NewEventStore(log)
	dispatcher := cqrs.NewDispatcher(store, domain.NewRegistry())
	future, err := dispatcher.Execute(ctx, cqrs.ExecuteRequest{
		Aggregate: domain.Session, StreamID: "s1", Command: "start_session", Payload: cqrs.Fields{"user_id": "p1"},
	})
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	r := relay.New(store, log,
		relay.WithPublisher(New()),
		relay.WithRoute(relay.Route{Aggregates: []string{domain.Session}, Destination: "webhook:" + server.URL}),
	)
	n, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, domain.SessionStarted, received[0].Name)
	assert.Equal(t, "p1", received[0].Fields["user_id"])
}
