package cqrs

import (
	"fmt"
	"sort"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// MetaKey is the document key holding bookkeeping attributes.
const MetaKey = "_meta"

// EventStamp records one applied event.
type EventStamp struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta is the bookkeeping part of a projected state.
type Meta struct {
	Aggregate string       `json:"aggregate"`
	Seq       int64        `json:"seq"`
	EventIDs  []EventStamp `json:"event_ids"`
}

// State is the projected state of one stream.
//
// Attributes holds aggregate-specific values. Scalar attributes are maps
// replaced wholesale; multi-valued attributes are maps from a sanitized
// value to a marker, where a nil marker means the value was removed.
type State struct {
	StreamID   string
	Meta       Meta
	Attributes map[string]interface{}
}

// NewState returns the stub a stream starts from before its first event.
func NewState(streamID, aggregate string) *State {
	return &State{
		StreamID:   streamID,
		Meta:       Meta{Aggregate: aggregate},
		Attributes: make(map[string]interface{}),
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{
		StreamID: s.StreamID,
		Meta: Meta{
			Aggregate: s.Meta.Aggregate,
			Seq:       s.Meta.Seq,
			EventIDs:  append([]EventStamp(nil), s.Meta.EventIDs...),
		},
		Attributes: make(map[string]interface{}, len(s.Attributes)),
	}
	for k, v := range s.Attributes {
		out.Attributes[k] = deepCopy(v)
	}
	return out
}

// Created returns the timestamp of the first applied event.
func (s *State) Created() time.Time {
	if len(s.Meta.EventIDs) == 0 {
		return time.Time{}
	}
	return s.Meta.EventIDs[0].Timestamp
}

// Updated returns the timestamp of the last applied event.
func (s *State) Updated() time.Time {
	if len(s.Meta.EventIDs) == 0 {
		return time.Time{}
	}
	return s.Meta.EventIDs[len(s.Meta.EventIDs)-1].Timestamp
}

// Map returns the map stored under attr, creating it when absent.
func (s *State) Map(attr string) map[string]interface{} {
	if m, ok := s.Attributes[attr].(map[string]interface{}); ok {
		return m
	}
	m := make(map[string]interface{})
	s.Attributes[attr] = m
	return m
}

// Lookup returns the map stored under attr without creating it.
func (s *State) Lookup(attr string) (map[string]interface{}, bool) {
	m, ok := s.Attributes[attr].(map[string]interface{})
	return m, ok
}

// Members returns the desanitized keys of a multi-valued attribute whose
// marker is not the deletion sentinel, sorted.
func (s *State) Members(attr string) []string {
	m, ok := s.Lookup(attr)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v != nil {
			out = append(out, Desanitize(k))
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether value is a live member of a multi-valued attribute.
func (s *State) Has(attr, value string) bool {
	m, ok := s.Lookup(attr)
	if !ok {
		return false
	}
	return m[Sanitize(value)] != nil
}

// Document returns the state as a plain map: the attributes plus a
// MetaKey entry. It is what serializers encode.
func (s *State) Document() map[string]interface{} {
	doc := make(map[string]interface{}, len(s.Attributes)+1)
	for k, v := range s.Attributes {
		doc[k] = deepCopy(v)
	}

	ids := make([]interface{}, len(s.Meta.EventIDs))
	for i, st := range s.Meta.EventIDs {
		ids[i] = map[string]interface{}{
			"id":        st.ID,
			"timestamp": st.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	doc[MetaKey] = map[string]interface{}{
		"aggregate": s.Meta.Aggregate,
		"seq":       s.Meta.Seq,
		"event_ids": ids,
	}
	return doc
}

// StateFromDocument rebuilds a State from a decoded document.
func StateFromDocument(streamID string, doc map[string]interface{}) (*State, error) {
	s := NewState(streamID, "")

	for k, v := range doc {
		if k == MetaKey {
			continue
		}
		s.Attributes[k] = normalize(v)
	}

	meta, ok := normalize(doc[MetaKey]).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("cqrs: state %q has no %s", streamID, MetaKey)
	}

	s.Meta.Aggregate, _ = meta["aggregate"].(string)

	seq, err := toInt64(meta["seq"])
	if err != nil {
		return nil, fmt.Errorf("cqrs: state %q: seq: %w", streamID, err)
	}
	s.Meta.Seq = seq

	ids, _ := meta["event_ids"].([]interface{})
	for _, raw := range ids {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		stamp := EventStamp{}
		stamp.ID, _ = entry["id"].(string)
		if ts, ok := entry["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				stamp.Timestamp = t
			}
		}
		s.Meta.EventIDs = append(s.Meta.EventIDs, stamp)
	}

	return s, nil
}

// DecodeState rebuilds a State from a stored record.
func DecodeState(serializer StateSerializer, rec adapters.StateRecord) (*State, error) {
	doc, err := serializer.Unmarshal(rec.Data)
	if err != nil {
		return nil, err
	}
	state, err := StateFromDocument(rec.StreamID, doc)
	if err != nil {
		return nil, NewSerializationError("state "+rec.StreamID, "deserialize", err)
	}
	if state.Meta.Aggregate == "" {
		state.Meta.Aggregate = rec.Aggregate
	}
	return state, nil
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// normalize converts the map flavours decoders produce into
// map[string]interface{} so handlers see one shape.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
