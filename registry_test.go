package cqrs

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFields(t *testing.T) {
	required := []string{"from", "to", "reason"}

	tests := []struct {
		name    string
		payload Fields
		wantErr bool
	}{
		{"exact", Fields{"from": "a", "to": "b", "reason": "typo"}, false},
		{"missing", Fields{"from": "a", "to": "b"}, true},
		{"extra", Fields{"from": "a", "to": "b", "reason": "typo", "note": "x"}, true},
		{"same size different keys", Fields{"from": "a", "to": "b", "why": "typo"}, true},
		{"empty", Fields{}, true},
		{"nil value is allowed", Fields{"from": "a", "to": "b", "reason": nil}, false},
		{"nested value", Fields{"from": "a", "to": map[string]interface{}{"x": 1}, "reason": "r"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := ValidateFields("update_email", required, tt.payload)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.ElementsMatch(t, required, fields.Keys())
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaMismatch)

			var schemaErr *SchemaMismatchError
			require.True(t, errors.As(err, &schemaErr))
			assert.Equal(t, "update_email", schemaErr.Command)
			assert.Equal(t, []string{"from", "reason", "to"}, schemaErr.Expected)
		})
	}

	t.Run("returns a copy", func(t *testing.T) {
		payload := Fields{"email": "a@b.c"}
		fields, err := ValidateFields("add_email", []string{"email"}, payload)
		require.NoError(t, err)

		fields["email"] = "changed"
		assert.Equal(t, "a@b.c", payload["email"])
	})
}

func TestFields(t *testing.T) {
	f := Fields{"b": 1, "a": "x", "reason": "r"}

	assert.Equal(t, []string{"a", "b", "reason"}, f.Keys())
	assert.Equal(t, Fields{"a": "x", "b": 1}, f.Without("reason"))
	assert.Len(t, f, 3)
	assert.Equal(t, "x", f.String("a"))
	assert.Equal(t, "", f.String("b"))
	assert.Nil(t, Fields(nil).Copy())
	assert.Equal(t, Fields{}, Fields(nil).Without("x"))
}

func TestRegistry(t *testing.T) {
	reg := newTestRegistry()

	t.Run("lookup", func(t *testing.T) {
		def, err := reg.Lookup("person", "add_email")
		require.NoError(t, err)
		assert.Equal(t, "email_added", def.EventName)
		assert.Equal(t, []string{"email"}, def.RequiredFields)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := reg.Lookup("invoice", "add_email")
		assert.ErrorIs(t, err, ErrUnknownAggregate)

		var aggErr *UnknownAggregateError
		require.True(t, errors.As(err, &aggErr))
		assert.Equal(t, "invoice", aggErr.Aggregate)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := reg.Lookup("person", "add_fax")
		assert.ErrorIs(t, err, ErrUnknownCommand)
		assert.NotErrorIs(t, err, ErrUnknownAggregate)
	})

	t.Run("listing", func(t *testing.T) {
		assert.Equal(t, []string{"person", "session"}, reg.Aggregates())
		assert.Contains(t, reg.Commands("person"), "add_to_group")
		assert.Empty(t, reg.Commands("invoice"))
	})

	t.Run("register copies required fields", func(t *testing.T) {
		r := NewRegistry()
		required := []string{"email"}
		r.Register("person", "add_email", CommandDefinition{EventName: "email_added", RequiredFields: required})
		required[0] = "changed"

		def, err := r.Lookup("person", "add_email")
		require.NoError(t, err)
		assert.Equal(t, []string{"email"}, def.RequiredFields)
	})
}

func TestCommandDefinition_Prepare(t *testing.T) {
	t.Run("constraint violation", func(t *testing.T) {
		def := CommandDefinition{
			EventName:      "added_to_group",
			RequiredFields: []string{"group"},
			Constraint:     OneOf("group", "admins", "readers"),
		}

		_, err := def.Prepare("add_to_group", Fields{"group": "pirates"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConstraintViolation)

		var cv *ConstraintViolationError
		require.True(t, errors.As(err, &cv))
		assert.Equal(t, "add_to_group", cv.Command)
		assert.Contains(t, cv.Error(), "pirates")
	})

	t.Run("constraint rejects non-string", func(t *testing.T) {
		err := OneOf("group", "admins")(Fields{"group": 3})
		assert.Error(t, err)
	})

	t.Run("non-blank constraint", func(t *testing.T) {
		check := NonBlank("from", "to")
		assert.NoError(t, check(Fields{"from": "a", "to": "b"}))
		assert.ErrorContains(t, check(Fields{"from": nil, "to": "b"}), "from must be a string")
		assert.ErrorContains(t, check(Fields{"from": "a", "to": 7}), "to must be a string")
		assert.ErrorContains(t, check(Fields{"from": "a", "to": " \t"}), "to must not be blank")
	})

	t.Run("schema checked before constraint", func(t *testing.T) {
		called := false
		def := CommandDefinition{
			RequiredFields: []string{"group"},
			Constraint: func(Fields) error {
				called = true
				return nil
			},
		}

		_, err := def.Prepare("add_to_group", Fields{"team": "x"})
		assert.ErrorIs(t, err, ErrSchemaMismatch)
		assert.False(t, called)
	})

	t.Run("transform", func(t *testing.T) {
		def := CommandDefinition{
			RequiredFields: []string{"email"},
			Transform: func(f Fields) Fields {
				f["email"] = strings.ToLower(f.String("email"))
				return f
			},
		}

		fields, err := def.Prepare("add_email", Fields{"email": "Ann@Example.COM"})
		require.NoError(t, err)
		assert.Equal(t, "ann@example.com", fields["email"])
	})

	t.Run("transform must keep the required fields", func(t *testing.T) {
		tests := []struct {
			name      string
			transform Transform
		}{
			{"adds a key", func(f Fields) Fields {
				f["extra"] = "x"
				return f
			}},
			{"drops a key", func(f Fields) Fields {
				delete(f, "email")
				return f
			}},
			{"swaps a key", func(f Fields) Fields {
				return Fields{"extra": f["email"]}
			}},
			{"nests a value", func(f Fields) Fields {
				f["email"] = map[string]interface{}{"address": f["email"]}
				return f
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				def := CommandDefinition{
					EventName:      "email_added",
					RequiredFields: []string{"email"},
					Transform:      tt.transform,
				}

				fields, err := def.Prepare("add_email", Fields{"email": "ann@example.com"})
				assert.ErrorIs(t, err, ErrSchemaMismatch)
				assert.Nil(t, fields)
			})
		}
	})
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"el.rod.eo", "el<dot>rod<dot>eo"},
		{"ann@example.com", "ann@example<dot>com"},
		{"a#b$c", "a<hash>b<dollar>c"},
		{"x/y", "x<forward-slash>y"},
		{"[1]", "<opening-bracket>1<closing-bracket>"},
		{"+15551234567", "+15551234567"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Sanitize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, Desanitize(got))
			assert.NotContains(t, got, ".")
		})
	}
}
