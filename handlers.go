package cqrs

import (
	"fmt"
	"strings"
)

// Handler folds one event into a stream's state. The projector has already
// advanced the state's seq and recorded the event stamp.
type Handler func(event Event, state *State) error

// HandlerTable maps event names to handlers. An event without an entry is
// a configuration error.
type HandlerTable map[string]Handler

// Merge copies the entries of other into t, overwriting duplicates.
func (t HandlerTable) Merge(other HandlerTable) HandlerTable {
	for name, h := range other {
		t[name] = h
	}
	return t
}

// Names returns the event names in the table.
func (t HandlerTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}

// ScalarOverwrite replaces attr with the event's fields, minus drop.
func ScalarOverwrite(attr string, drop ...string) Handler {
	return func(event Event, state *State) error {
		state.Attributes[attr] = map[string]interface{}(event.Fields.Without(drop...))
		return nil
	}
}

// MergeFields copies the event's fields, minus drop, onto the top level of
// the state. Used by flat aggregates.
func MergeFields(drop ...string) Handler {
	return func(event Event, state *State) error {
		for k, v := range event.Fields.Without(drop...) {
			state.Attributes[k] = v
		}
		return nil
	}
}

// SetOp is an operation on a multi-valued attribute.
type SetOp int

const (
	// SetAdd marks a value present.
	SetAdd SetOp = iota

	// SetUpdate clears the "from" value and marks the other one present.
	SetUpdate

	// SetDelete clears a value and keeps its key.
	SetDelete
)

// String returns the operation name.
func (op SetOp) String() string {
	switch op {
	case SetAdd:
		return "add"
	case SetUpdate:
		return "update"
	case SetDelete:
		return "delete"
	default:
		return fmt.Sprintf("SetOp(%d)", int(op))
	}
}

// Marker produces the value stored for a present member.
type Marker func(event Event) interface{}

// MarkEventID stores the id of the event that added the member.
func MarkEventID(event Event) interface{} {
	return event.ID
}

// MarkTrue stores true, for plain membership sets.
func MarkTrue(Event) interface{} {
	return true
}

// Bookkeeping fields stripped by MultiValued before locating the value.
const (
	reasonField = "reason"
	fromField   = "from"
)

// MultiValued returns a handler for a multi-valued attribute. The value is
// the single field left after removing "reason" and "from"; it must be a
// non-blank string and is sanitized before use as a key.
func MultiValued(attr string, op SetOp, marker Marker) Handler {
	if marker == nil {
		marker = MarkTrue
	}

	return func(event Event, state *State) error {
		fields := event.Fields.Without(reasonField)
		slots := state.Map(attr)

		if op == SetUpdate {
			from, ok := fields[fromField]
			if !ok {
				return fmt.Errorf("cqrs: %s on %s: missing %q field", event.Name, attr, fromField)
			}
			key, err := slotKey(event, attr, fromField, from)
			if err != nil {
				return err
			}
			slots[key] = nil
			fields = fields.Without(fromField)
		}

		if len(fields) != 1 {
			return fmt.Errorf("cqrs: %s on %s: expected one value field, got %v", event.Name, attr, fields.Keys())
		}

		var (
			name  string
			value interface{}
		)
		for k, v := range fields {
			name, value = k, v
		}
		key, err := slotKey(event, attr, name, value)
		if err != nil {
			return err
		}

		if op == SetDelete {
			slots[key] = nil
			return nil
		}

		slots[key] = marker(event)
		return nil
	}
}

// slotKey turns a multi-valued field into a map key. Anything but a
// non-blank string would collapse distinct values onto one key.
func slotKey(event Event, attr, field string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("cqrs: %s on %s: %q must be a non-blank string, got %#v", event.Name, attr, field, value)
	}
	return Sanitize(s), nil
}
