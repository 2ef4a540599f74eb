package cqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/adapters/memory"
)

func personHistory(streamID string) []Event {
	return []Event{
		testEvent(streamID, "person_added", 1, Fields{"first_name": "El", "last_name": "Rodeo"}),
		testEvent(streamID, "email_added", 2, Fields{"email": "el.rod.eo"}),
		testEvent(streamID, "added_to_group", 3, Fields{"group": "admins"}),
		testEvent(streamID, "email_updated", 4, Fields{"from": "el.rod.eo", "to": "el@rodeo.com", "reason": "typo"}),
		testEvent(streamID, "removed_from_group", 5, Fields{"group": "admins", "reason": "left"}),
	}
}

func applyAll(t *testing.T, p *Projector, events []Event) {
	t.Helper()
	for _, e := range events {
		_, err := p.Apply(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestProjector_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("person lifecycle", func(t *testing.T) {
		s := newTestStack(t)
		history := personHistory("p1")
		applyAll(t, s.projector, history[:2])

		state, ok := s.projector.State("p1")
		require.True(t, ok)
		assert.Equal(t, map[string]interface{}{"first_name": "El", "last_name": "Rodeo"}, state.Attributes["name"])
		assert.Equal(t, map[string]interface{}{"el<dot>rod<dot>eo": history[1].ID}, state.Attributes["emails"])
		assert.Equal(t, int64(2), state.Meta.Seq)
		assert.Equal(t, "person", state.Meta.Aggregate)
		require.Len(t, state.Meta.EventIDs, 2)
		assert.Equal(t, history[0].ID, state.Meta.EventIDs[0].ID)
		assert.Equal(t, history[0].Timestamp, state.Created())
		assert.Equal(t, history[1].Timestamp, state.Updated())

		applyAll(t, s.projector, history[2:])
		state, _ = s.projector.State("p1")

		emails := state.Attributes["emails"].(map[string]interface{})
		assert.Nil(t, emails["el<dot>rod<dot>eo"])
		assert.Contains(t, emails, "el<dot>rod<dot>eo")
		assert.Equal(t, history[3].ID, emails["el@rodeo<dot>com"])
		assert.Equal(t, []string{"el@rodeo.com"}, state.Members("emails"))

		groups := state.Attributes["groups"].(map[string]interface{})
		assert.Contains(t, groups, "admins")
		assert.Nil(t, groups["admins"])
		assert.False(t, state.Has("groups", "admins"))
		assert.Empty(t, state.Members("groups"))
	})

	t.Run("persists every applied event", func(t *testing.T) {
		s := newTestStack(t)
		applyAll(t, s.projector, personHistory("p1")[:3])

		rec, err := s.states.Get(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(3), rec.Seq)
		assert.Equal(t, "person", rec.Aggregate)

		stored, err := DecodeState(NewJSONSerializer(), *rec)
		require.NoError(t, err)
		live, _ := s.projector.State("p1")
		assert.Equal(t, live.Document(), stored.Document())
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		s := newTestStack(t)
		history := personHistory("p1")
		applyAll(t, s.projector, history)

		before, _ := s.projector.State("p1")
		for _, e := range history {
			applied, err := s.projector.Apply(ctx, e)
			require.NoError(t, err)
			assert.False(t, applied)
		}
		after, _ := s.projector.State("p1")

		assert.Equal(t, before.Document(), after.Document())
		status := s.projector.Status()
		assert.Equal(t, uint64(5), status.EventsApplied)
		assert.Equal(t, uint64(5), status.EventsSkipped)
	})

	t.Run("stale event after a newer one is skipped", func(t *testing.T) {
		s := newTestStack(t, WithGapParking(false))
		history := personHistory("p1")

		applyAll(t, s.projector, history[:3])
		applied, err := s.projector.Apply(ctx, history[1])
		require.NoError(t, err)
		assert.False(t, applied)

		state, _ := s.projector.State("p1")
		assert.Equal(t, int64(3), state.Meta.Seq)
	})

	t.Run("delivery order does not change the result", func(t *testing.T) {
		history := personHistory("p1")

		forward := newTestStack(t)
		applyAll(t, forward.projector, history)

		reversed := newTestStack(t)
		for i := len(history) - 1; i >= 0; i-- {
			_, err := reversed.projector.Apply(ctx, history[i])
			require.NoError(t, err)
		}

		shuffled := newTestStack(t)
		for _, i := range []int{2, 0, 4, 1, 3} {
			_, err := shuffled.projector.Apply(ctx, history[i])
			require.NoError(t, err)
		}

		want, _ := forward.projector.State("p1")
		for _, p := range []*Projector{reversed.projector, shuffled.projector} {
			got, ok := p.State("p1")
			require.True(t, ok)
			assert.Equal(t, want.Document(), got.Document())
			assert.Equal(t, 0, p.Status().Parked)
		}
	})

	t.Run("gap is parked until filled", func(t *testing.T) {
		s := newTestStack(t)
		history := personHistory("p1")

		applied, err := s.projector.Apply(ctx, history[2])
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 1, s.projector.Status().Parked)
		_, ok := s.projector.State("p1")
		assert.False(t, ok)

		applyAll(t, s.projector, history[:2])
		state, _ := s.projector.State("p1")
		assert.Equal(t, int64(3), state.Meta.Seq)
		assert.Equal(t, 0, s.projector.Status().Parked)
	})

	t.Run("without parking a gap applies immediately", func(t *testing.T) {
		s := newTestStack(t, WithGapParking(false))
		history := personHistory("p1")

		applied, err := s.projector.Apply(ctx, history[2])
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.projector.Apply(ctx, history[0])
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("unknown event is fatal", func(t *testing.T) {
		s := newTestStack(t)

		_, err := s.projector.Apply(ctx, testEvent("p1", "fax_added", 1, Fields{"fax": "1"}))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownEventHandler)

		var handlerErr *UnknownEventHandlerError
		require.True(t, errors.As(err, &handlerErr))
		assert.Equal(t, "fax_added", handlerErr.EventName)
		assert.Equal(t, 0, s.states.Len())
	})

	t.Run("unknown event is fatal even when ahead", func(t *testing.T) {
		s := newTestStack(t)

		_, err := s.projector.Apply(ctx, testEvent("p1", "fax_added", 4, Fields{"fax": "1"}))
		assert.ErrorIs(t, err, ErrUnknownEventHandler)
		assert.Equal(t, 0, s.projector.Status().Parked)
	})

	t.Run("handler error leaves state untouched", func(t *testing.T) {
		s := newTestStack(t)
		applyAll(t, s.projector, personHistory("p1")[:2])

		bad := testEvent("p1", "email_updated", 3, Fields{"to": "x", "reason": "r"})
		_, err := s.projector.Apply(ctx, bad)
		require.Error(t, err)

		state, _ := s.projector.State("p1")
		assert.Equal(t, int64(2), state.Meta.Seq)
	})

	t.Run("handler panic is recovered", func(t *testing.T) {
		states := memory.NewStateStore()
		p := NewProjector(states, HandlerTable{
			"person_added": func(Event, *State) error { panic("boom") },
		})

		_, err := p.Apply(ctx, testEvent("p1", "person_added", 1, Fields{}))
		assert.ErrorIs(t, err, ErrHandlerPanicked)

		var panicErr *PanicError
		require.True(t, errors.As(err, &panicErr))
		assert.Equal(t, "person_added", panicErr.Command)
	})
}

func TestProjector_Persist(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures are retried", func(t *testing.T) {
		states := newFlakyStateStore(2, adapters.NewTransientError("put", errors.New("timeout")))
		logger := newTestLogger()
		p := NewProjector(states, testHandlers(),
			WithPersistRetry(fastRetry(5)),
			WithProjectorLogger(logger),
		)

		applied, err := p.Apply(ctx, personHistory("p1")[0])
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 3, states.attempts())
		assert.Len(t, logger.warnings(), 2)

		rec, err := states.Get(ctx, "p1")
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		states := newFlakyStateStore(10, adapters.NewTransientError("put", errors.New("timeout")))
		p := NewProjector(states, testHandlers(), WithPersistRetry(fastRetry(3)))

		_, err := p.Apply(ctx, personHistory("p1")[0])
		assert.ErrorIs(t, err, ErrTransientStore)
		assert.Equal(t, 3, states.attempts())

		_, ok := p.State("p1")
		assert.False(t, ok)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		boom := errors.New("disk full")
		states := newFlakyStateStore(10, boom)
		p := NewProjector(states, testHandlers(), WithPersistRetry(fastRetry(5)))

		_, err := p.Apply(ctx, personHistory("p1")[0])
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, states.attempts())
	})

	t.Run("failed apply can be repeated", func(t *testing.T) {
		states := newFlakyStateStore(1, errors.New("disk full"))
		p := NewProjector(states, testHandlers(), WithPersistRetry(fastRetry(1)))
		event := personHistory("p1")[0]

		_, err := p.Apply(ctx, event)
		require.Error(t, err)

		applied, err := p.Apply(ctx, event)
		require.NoError(t, err)
		assert.True(t, applied)
	})
}

func TestProjector_Load(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)
	applyAll(t, s.projector, personHistory("p1")[:3])

	fresh := NewProjector(s.states, testHandlers())
	require.NoError(t, fresh.Load(ctx))

	state, ok := fresh.State("p1")
	require.True(t, ok)
	assert.Equal(t, int64(3), state.Meta.Seq)

	applied, err := fresh.Apply(ctx, personHistory("p1")[2])
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = fresh.Apply(ctx, personHistory("p1")[3])
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestProjector_Run(t *testing.T) {
	t.Run("applies streams across shards", func(t *testing.T) {
		s := newTestStack(t, WithShards(3), WithQueueSize(2))

		ch := make(chan Event)
		go func() {
			defer close(ch)
			for i := 0; i < 10; i++ {
				for _, e := range personHistory(fmt.Sprintf("p%d", i)) {
					ch <- e
				}
			}
		}()

		require.NoError(t, s.projector.Run(context.Background(), ch))

		people := s.projector.States("person")
		require.Len(t, people, 10)
		for _, st := range people {
			assert.Equal(t, int64(5), st.Meta.Seq)
		}
		assert.Equal(t, 10, s.states.Len())
		assert.Equal(t, ProjectionStateStopped, s.projector.Status().State)
	})

	t.Run("first error stops the run", func(t *testing.T) {
		s := newTestStack(t)

		ch := make(chan Event, 4)
		ch <- testEvent("p1", "person_added", 1, Fields{"first_name": "A", "last_name": "B"})
		ch <- testEvent("p2", "fax_added", 1, Fields{"fax": "1"})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := s.projector.Run(ctx, ch)
		assert.ErrorIs(t, err, ErrUnknownEventHandler)

		status := s.projector.Status()
		assert.Equal(t, ProjectionStateFaulted, status.State)
		assert.NotEmpty(t, status.Error)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		s := newTestStack(t)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.projector.Run(ctx, make(chan Event))
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not stop")
		}
		assert.Equal(t, ProjectionStateStopped, s.projector.Status().State)
	})

	t.Run("rejects a second run", func(t *testing.T) {
		s := newTestStack(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		started := make(chan struct{})
		go func() {
			close(started)
			_ = s.projector.Run(ctx, make(chan Event))
		}()
		<-started
		require.Eventually(t, s.projector.IsRunning, time.Second, 5*time.Millisecond)

		err := s.projector.Run(ctx, make(chan Event))
		assert.ErrorIs(t, err, ErrProjectorRunning)
	})
}

func TestProjector_Subscribe(t *testing.T) {
	t.Run("follows the log and checkpoints", func(t *testing.T) {
		s := newTestStack(t, WithPollInterval(5*time.Millisecond), WithBatchSize(3))
		checkpoints := memory.NewCheckpointStore()

		for _, id := range []string{"p1", "p2"} {
			future, err := s.dispatcher.Chain(context.Background(), ChainRequest{
				Aggregate: "person", StreamID: id, StartSeq: 1,
				Steps: []Step{
					{Command: "add_person", Payload: Fields{"first_name": "El", "last_name": "Rodeo"}},
					{Command: "add_email", Payload: Fields{"email": id + "@example.com"}},
				},
			})
			require.NoError(t, err)
			_, err = future.Result()
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- s.projector.Subscribe(ctx, s.store, checkpoints)
		}()

		require.Eventually(t, func() bool {
			pos, _ := checkpoints.GetCheckpoint(context.Background(), DefaultProjectorName)
			return pos == 4
		}, 2*time.Second, 10*time.Millisecond)

		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p1", Command: "add_to_group", Payload: Fields{"group": "readers"}})

		require.Eventually(t, func() bool {
			st, ok := s.projector.State("p1")
			return ok && st.Has("groups", "readers")
		}, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			pos, _ := checkpoints.GetCheckpoint(context.Background(), DefaultProjectorName)
			return pos == 5
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("subscribe did not stop")
		}
		assert.Equal(t, uint64(5), s.projector.Status().LastPosition)
	})

	t.Run("resumes from the checkpoint", func(t *testing.T) {
		s := newTestStack(t, WithPollInterval(5*time.Millisecond))
		checkpoints := memory.NewCheckpointStore()

		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p1", Command: "add_person", Payload: Fields{"first_name": "A", "last_name": "B"}})
		s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: "p2", Command: "add_person", Payload: Fields{"first_name": "C", "last_name": "D"}})
		require.NoError(t, checkpoints.SetCheckpoint(context.Background(), DefaultProjectorName, 1))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			_ = s.projector.Subscribe(ctx, s.store, checkpoints)
		}()

		require.Eventually(t, func() bool {
			_, ok := s.projector.State("p2")
			return ok
		}, 2*time.Second, 10*time.Millisecond)

		_, ok := s.projector.State("p1")
		assert.False(t, ok)
	})
}

func TestPositionTracker(t *testing.T) {
	tr := newPositionTracker()
	for _, pos := range []uint64{1, 2, 3, 4} {
		tr.dispatch(pos)
	}

	_, ok := tr.complete(2)
	assert.False(t, ok)

	pos, ok := tr.complete(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), pos)

	_, ok = tr.complete(4)
	assert.False(t, ok)

	pos, ok = tr.complete(3)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), pos)
}

func TestProjector_Rebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("replays the whole log", func(t *testing.T) {
		s := newTestStack(t, WithBatchSize(2))
		for _, id := range []string{"p1", "p2"} {
			s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: id, Command: "add_person", Payload: Fields{"first_name": "A", "last_name": id}})
			s.execute(t, ExecuteRequest{Aggregate: "person", StreamID: id, Command: "add_email", Payload: Fields{"email": id + "@example.com"}})
		}
		s.execute(t, ExecuteRequest{Aggregate: "session", StreamID: "s1", Command: "start_session", Payload: Fields{"user_id": "p1"}})

		// Stale record that the rebuild must clear.
		require.NoError(t, s.states.Put(ctx, adapters.StateRecord{StreamID: "ghost", Aggregate: "person", Data: []byte(`{}`)}))

		var mu sync.Mutex
		var reports []RebuildProgress
		err := s.projector.Rebuild(ctx, s.store, RebuildOptions{
			ClearState: true,
			ProgressCallback: func(p RebuildProgress) {
				mu.Lock()
				reports = append(reports, p)
				mu.Unlock()
			},
		})
		require.NoError(t, err)

		assert.Equal(t, 3, s.states.Len())
		rec, err := s.states.Get(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, rec)

		session, ok := s.projector.State("s1")
		require.True(t, ok)
		assert.Equal(t, "p1", session.Attributes["user_id"])
		assert.Equal(t, "session", session.Meta.Aggregate)

		require.NotEmpty(t, reports)
		last := reports[len(reports)-1]
		assert.True(t, last.Completed)
		assert.Equal(t, uint64(5), last.ProcessedEvents)
		assert.Equal(t, uint64(5), last.AppliedEvents)
		assert.Equal(t, 1.0, last.Fraction())
		assert.Equal(t, ProjectionStateStopped, s.projector.Status().State)
	})

	t.Run("rebuild matches live projection", func(t *testing.T) {
		s := newTestStack(t)
		future, err := s.dispatcher.Chain(ctx, ChainRequest{
			Aggregate: "person", StreamID: "p1", StartSeq: 1,
			Steps: []Step{
				{Command: "add_person", Payload: Fields{"first_name": "El", "last_name": "Rodeo"}},
				{Command: "add_email", Payload: Fields{"email": "el.rod.eo"}},
				{Command: "update_email", Payload: Fields{"from": "el.rod.eo", "to": "el@rodeo.com", "reason": "typo"}},
			},
		})
		require.NoError(t, err)
		events, err := future.Result()
		require.NoError(t, err)
		applyAll(t, s.projector, events)
		live, _ := s.projector.State("p1")

		require.NoError(t, s.projector.Rebuild(ctx, s.store))
		rebuilt, ok := s.projector.State("p1")
		require.True(t, ok)
		assert.Equal(t, live.Document(), rebuilt.Document())
	})

	t.Run("stops at position and checkpoints", func(t *testing.T) {
		s := newTestStack(t)
		checkpoints := memory.NewCheckpointStore()
		for i := 0; i < 4; i++ {
			s.execute(t, ExecuteRequest{Aggregate: "session", StreamID: fmt.Sprintf("s%d", i), Command: "start_session", Payload: Fields{"user_id": "p1"}})
		}

		r := NewRebuilder(s.store, WithRebuilderCheckpoints(checkpoints), WithRebuilderBatchSize(10))
		require.NoError(t, r.Rebuild(ctx, s.projector, RebuildOptions{ClearState: true, ToPosition: 2}))

		assert.Equal(t, 2, s.states.Len())
		pos, err := checkpoints.GetCheckpoint(ctx, DefaultProjectorName)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), pos)
	})

	t.Run("fails on unknown event", func(t *testing.T) {
		log := memory.NewAdapter()
		_, err := log.Append(ctx, adapters.EventRecord{Aggregate: "person", StreamID: "p1", Name: "fax_added", Data: []byte(`{"fax":"1"}`)})
		require.NoError(t, err)

		p := NewProjector(memory.NewStateStore(), testHandlers())
		err = p.Rebuild(ctx, NewEventStore(log))
		assert.ErrorIs(t, err, ErrUnknownEventHandler)
		assert.Equal(t, ProjectionStateFaulted, p.Status().State)
	})
}

func TestRebuildProgress_Fraction(t *testing.T) {
	assert.Equal(t, 0.0, RebuildProgress{}.Fraction())
	assert.Equal(t, 1.0, RebuildProgress{Completed: true}.Fraction())
	assert.Equal(t, 0.5, RebuildProgress{TotalEvents: 10, ProcessedEvents: 5}.Fraction())
	assert.Equal(t, 1.0, RebuildProgress{TotalEvents: 10, ProcessedEvents: 12}.Fraction())
}
