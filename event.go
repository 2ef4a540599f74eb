package cqrs

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// Event is an immutable fact appended to the log.
// ID, Timestamp and Position are assigned by the log on append.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"event_id"`

	// Aggregate is the aggregate type tag (person, session, recording).
	Aggregate string `json:"aggregate"`

	// StreamID identifies the aggregate instance.
	StreamID string `json:"stream_id"`

	// Name is the past-tense event name, e.g. email_added.
	Name string `json:"event_name"`

	// Fields holds exactly the command's required fields.
	Fields Fields `json:"fields"`

	// Timestamp is informational only; ordering comes from Seq.
	Timestamp time.Time `json:"timestamp"`

	// Version is the event schema version.
	Version int `json:"version"`

	// Seq is the position within the stream, starting at 1.
	Seq int64 `json:"seq"`

	// Position is the global append position.
	Position uint64 `json:"position,omitempty"`
}

// NewEvent builds an event ready for append. A zero seq lets the log
// assign the next one.
func NewEvent(aggregate, streamID, name string, fields Fields, seq int64) Event {
	return Event{
		Aggregate: aggregate,
		StreamID:  streamID,
		Name:      name,
		Fields:    fields.Copy(),
		Version:   SchemaVersion,
		Seq:       seq,
	}
}

// Same reports whether two events carry the same name and field values.
// Numbers compare by value regardless of Go type, so an event read back
// from the log matches the one that was appended.
func (e Event) Same(other Event) bool {
	if e.Name != other.Name || e.StreamID != other.StreamID {
		return false
	}
	a, errA := json.Marshal(e.Fields)
	b, errB := json.Marshal(other.Fields)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalEvent encodes an event as the JSON envelope used on the wire.
func MarshalEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, NewSerializationError("event "+e.Name, "serialize", err)
	}
	return data, nil
}

// UnmarshalEvent decodes a JSON envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, NewSerializationError("event", "deserialize", err)
	}
	return e, nil
}

func toRecord(e Event) (adapters.EventRecord, error) {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return adapters.EventRecord{}, NewSerializationError("fields of "+e.Name, "serialize", err)
	}
	return adapters.EventRecord{
		Aggregate: e.Aggregate,
		StreamID:  e.StreamID,
		Name:      e.Name,
		Data:      data,
		Version:   e.Version,
		Seq:       e.Seq,
	}, nil
}

// EventFromStored converts a stored record back into an Event.
func EventFromStored(stored adapters.StoredEvent) (Event, error) {
	var fields Fields
	if len(stored.Data) > 0 {
		if err := json.Unmarshal(stored.Data, &fields); err != nil {
			return Event{}, NewSerializationError("fields of "+stored.Name, "deserialize", err)
		}
	}
	return Event{
		ID:        stored.ID,
		Aggregate: stored.Aggregate,
		StreamID:  stored.StreamID,
		Name:      stored.Name,
		Fields:    fields,
		Timestamp: stored.Timestamp,
		Version:   stored.Version,
		Seq:       stored.Seq,
		Position:  stored.GlobalPosition,
	}, nil
}
