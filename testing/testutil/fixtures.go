package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/domain"
)

var registry = domain.NewRegistry()

// Command builds the event a command produces, validated against the
// domain registry. It panics on an invalid payload.
func Command(aggregate, streamID, command string, payload cqrs.Fields, seq int64) cqrs.Event {
	def, err := registry.Lookup(aggregate, command)
	if err != nil {
		panic(err)
	}
	fields, err := def.Prepare(command, payload)
	if err != nil {
		panic(fmt.Sprintf("testutil: %s %s: %v", aggregate, command, err))
	}
	return cqrs.NewEvent(aggregate, streamID, def.EventName, fields, seq)
}

// PersonAdded builds the first event of a person stream.
func PersonAdded(streamID, firstName, lastName string) cqrs.Event {
	return Command(domain.Person, streamID, "add_person",
		cqrs.Fields{"first_name": firstName, "last_name": lastName}, 1)
}

// EmailAdded builds an email_added event.
func EmailAdded(streamID, email string, seq int64) cqrs.Event {
	return Command(domain.Person, streamID, "add_email", cqrs.Fields{"email": email}, seq)
}

// AddedToGroup builds an added_to_group event.
func AddedToGroup(streamID, group string, seq int64) cqrs.Event {
	return Command(domain.Person, streamID, "add_to_group", cqrs.Fields{"group": group}, seq)
}

// Person builds the chain a registration appends: the person, their email
// and one event per group.
func Person(streamID, firstName, lastName, email string, groups ...string) []cqrs.Event {
	events := []cqrs.Event{
		PersonAdded(streamID, firstName, lastName),
		EmailAdded(streamID, email, 2),
	}
	for i, g := range groups {
		events = append(events, AddedToGroup(streamID, g, int64(3+i)))
	}
	return events
}

// Session builds a started and ended listening session.
func Session(streamID, userID string, seconds int) []cqrs.Event {
	return []cqrs.Event{
		Command(domain.Session, streamID, "start_session", cqrs.Fields{"user_id": userID}, 1),
		Command(domain.Session, streamID, "end_session", cqrs.Fields{"seconds": seconds}, 2),
	}
}

// Recording builds a recording_added event.
func Recording(streamID, userID, publication, filename string, duration float64) cqrs.Event {
	return Command(domain.Recording, streamID, "add_recording", cqrs.Fields{
		"user_id":     userID,
		"publication": publication,
		"filename":    filename,
		"duration":    duration,
	}, 1)
}

// AppendAll appends events in order and returns them as stored.
func AppendAll(t testing.TB, store *cqrs.EventStore, events ...cqrs.Event) []cqrs.Event {
	t.Helper()

	stored := make([]cqrs.Event, 0, len(events))
	for _, e := range events {
		s, err := store.Append(context.Background(), e)
		if err != nil {
			t.Fatalf("testutil: append %s to %s: %v", e.Name, e.StreamID, err)
		}
		stored = append(stored, s)
	}
	return stored
}
