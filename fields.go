package cqrs

import (
	"fmt"
	"sort"
)

// Fields is the flat payload of a command or event.
// Values are scalars: strings, booleans, numbers or nil.
type Fields map[string]interface{}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a shallow copy of the fields.
func (f Fields) Copy() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Without returns a copy of the fields with the named keys removed.
func (f Fields) Without(keys ...string) Fields {
	out := f.Copy()
	if out == nil {
		out = Fields{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// String returns the field value as a string, or "" if it is absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// ValidateFields checks that payload carries exactly the required fields,
// no more and no fewer, and that every value is a scalar. It returns a copy
// restricted to the required fields.
func ValidateFields(command string, required []string, payload Fields) (Fields, error) {
	mismatch := func(reason string) error {
		expected := append([]string(nil), required...)
		sort.Strings(expected)
		return &SchemaMismatchError{
			Command:  command,
			Expected: expected,
			Got:      payload.Keys(),
			Reason:   reason,
		}
	}

	if len(payload) != len(required) {
		return nil, mismatch("")
	}

	out := make(Fields, len(required))
	for _, name := range required {
		v, ok := payload[name]
		if !ok {
			return nil, mismatch("")
		}
		if !isScalar(v) {
			return nil, mismatch(fmt.Sprintf("field %q is not a scalar", name))
		}
		out[name] = v
	}

	return out, nil
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
