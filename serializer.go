package cqrs

import (
	"bytes"
	"encoding/json"
)

// StateSerializer encodes state documents for the State Store.
// Implementations live in the serializer/ subpackages; JSON is the default.
type StateSerializer interface {
	// Marshal converts a state document to bytes.
	Marshal(doc map[string]interface{}) ([]byte, error)

	// Unmarshal converts bytes back to a state document.
	Unmarshal(data []byte) (map[string]interface{}, error)

	// Name identifies the format, e.g. "json".
	Name() string
}

// JSONSerializer is the default StateSerializer.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSONSerializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Marshal encodes the document as JSON.
func (s *JSONSerializer) Marshal(doc map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, NewSerializationError("state", "serialize", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON document. Numbers are kept as json.Number
// converted to int64 where they are integral.
func (s *JSONSerializer) Unmarshal(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, NewSerializationError("state", "deserialize", err)
	}
	return fromJSONNumbers(doc).(map[string]interface{}), nil
}

// Name returns "json".
func (s *JSONSerializer) Name() string {
	return "json"
}

func fromJSONNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = fromJSONNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = fromJSONNumbers(val)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
