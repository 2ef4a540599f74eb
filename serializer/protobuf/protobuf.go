// Package protobuf provides a Protocol Buffers state serializer.
//
// Documents are encoded as a google.protobuf.Struct, so any consumer with
// the well-known types can read them without generated code.
//
// Usage:
//
//	projector := cqrs.NewProjector(states, domain.Handlers(),
//		cqrs.WithStateSerializer(protobuf.NewSerializer()))
//
// Struct carries numbers as doubles. Integral values up to 2^53 decode as
// int64; everything else decodes as float64.
package protobuf

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/access-news/cqrs"
)

// Name is the serializer name recorded by the CLI and config.
const Name = "protobuf"

var _ cqrs.StateSerializer = (*Serializer)(nil)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilDocument indicates an attempt to serialize a nil document.
	ErrNilDocument = errors.New("cqrs/protobuf: cannot serialize nil document")

	// ErrEmptyData indicates an attempt to deserialize empty data.
	ErrEmptyData = errors.New("cqrs/protobuf: cannot deserialize empty data")
)

// SerializationError provides detailed error information for serialization failures.
type SerializationError struct {
	// Operation is either "serialize" or "deserialize".
	Operation string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("cqrs/protobuf: failed to %s state: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// Is matches cqrs.ErrSerializationFailed as well as the cause.
func (e *SerializationError) Is(target error) bool {
	if target == cqrs.ErrSerializationFailed {
		return true
	}
	return errors.Is(e.Cause, target)
}

// =============================================================================
// Serializer
// =============================================================================

// Serializer encodes state documents as google.protobuf.Struct.
type Serializer struct {
	marshal proto.MarshalOptions
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithDeterministic toggles deterministic map ordering. Enabled by default.
func WithDeterministic(on bool) SerializerOption {
	return func(s *Serializer) {
		s.marshal.Deterministic = on
	}
}

// NewSerializer creates a protobuf serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{marshal: proto.MarshalOptions{Deterministic: true}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns "protobuf".
func (s *Serializer) Name() string {
	return Name
}

// Marshal encodes a state document.
func (s *Serializer) Marshal(doc map[string]interface{}) ([]byte, error) {
	if doc == nil {
		return nil, &SerializationError{Operation: "serialize", Cause: ErrNilDocument}
	}

	st, err := structpb.NewStruct(plain(doc).(map[string]interface{}))
	if err != nil {
		return nil, &SerializationError{Operation: "serialize", Cause: err}
	}

	data, err := s.marshal.Marshal(st)
	if err != nil {
		return nil, &SerializationError{Operation: "serialize", Cause: err}
	}
	return data, nil
}

// Unmarshal decodes a state document.
func (s *Serializer) Unmarshal(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, &SerializationError{Operation: "deserialize", Cause: ErrEmptyData}
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, &SerializationError{Operation: "deserialize", Cause: err}
	}
	return integers(st.AsMap()).(map[string]interface{}), nil
}

// plain rewrites the named and typed collections handlers may leave in a
// document into the shapes structpb accepts.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case cqrs.Fields:
		return plain(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		return v
	}
}

const maxExactFloat = 1 << 53

func integers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = integers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = integers(val)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) <= maxExactFloat {
			return int64(t)
		}
		return t
	default:
		return v
	}
}
