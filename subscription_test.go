package cqrs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-news/cqrs/adapters"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestCatchupSubscription(t *testing.T) {
	t.Run("catches up then follows", func(t *testing.T) {
		s := newTestStack(t)
		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p1", Command: "add_email", Payload: Fields{"email": "a@b.c"}})
		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p1", Command: "add_email", Payload: Fields{"email": "d@e.f"}})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub := NewCatchupSubscription(s.store, 0, SubscriptionOptions{BufferSize: 1, BatchSize: 1})
		require.NoError(t, sub.Start(ctx, 5*time.Millisecond))
		defer sub.Close()

		assert.Equal(t, uint64(1), receive(t, sub.Events()).Position)
		assert.Equal(t, uint64(2), receive(t, sub.Events()).Position)

		s.execute(t, ExecuteRequest{Aggregate: "session", StreamID: "s1", Command: "start_session", Payload: Fields{"user_id": "p1"}})
		live := receive(t, sub.Events())
		assert.Equal(t, "session_started", live.Name)
		assert.Equal(t, uint64(3), live.Position)
	})

	t.Run("filter skips but advances", func(t *testing.T) {
		s := newTestStack(t)
		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p1", Command: "add_email", Payload: Fields{"email": "a@b.c"}})
		s.execute(t, ExecuteRequest{Aggregate: "session", StreamID: "s1", Command: "start_session", Payload: Fields{"user_id": "p1"}})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub := NewCatchupSubscription(s.store, 0, SubscriptionOptions{Filter: AggregateFilter("session")})
		require.NoError(t, sub.Start(ctx, 5*time.Millisecond))
		defer sub.Close()

		e := receive(t, sub.Events())
		assert.Equal(t, "s1", e.StreamID)
		assert.Eventually(t, func() bool { return sub.Position() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("closes on cancel", func(t *testing.T) {
		s := newTestStack(t)
		ctx, cancel := context.WithCancel(context.Background())

		sub := NewCatchupSubscription(s.store, 0)
		require.NoError(t, sub.Start(ctx, 5*time.Millisecond))
		cancel()

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed")
		}
		assert.ErrorIs(t, sub.Err(), context.Canceled)
	})

	t.Run("requires a positional log", func(t *testing.T) {
		store := NewEventStore(positionlessLog{})
		sub := NewCatchupSubscription(store, 0)
		assert.ErrorIs(t, sub.Start(context.Background(), time.Millisecond), ErrSubscriptionNotSupported)
	})
}

// positionlessLog is an EventLog that cannot be read by global position.
type positionlessLog struct{}

func (positionlessLog) Append(ctx context.Context, record adapters.EventRecord) (adapters.StoredEvent, error) {
	return adapters.StoredEvent{}, nil
}

func (positionlessLog) Load(ctx context.Context, streamID string, fromSeq int64) ([]adapters.StoredEvent, error) {
	return nil, nil
}

func (positionlessLog) LastSeq(ctx context.Context, streamID string) (int64, error) {
	return 0, nil
}

func (positionlessLog) GetLastPosition(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (positionlessLog) Initialize(ctx context.Context) error { return nil }

func (positionlessLog) Close() error { return nil }
