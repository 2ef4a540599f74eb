package cqrs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constraint checks domain rules on already-validated fields.
type Constraint func(fields Fields) error

// Transform rewrites validated fields before the event is built.
// Its result is validated again against the required fields.
type Transform func(fields Fields) Fields

// CommandDefinition is the static configuration of one command.
type CommandDefinition struct {
	// EventName is the event the command produces.
	EventName string

	// RequiredFields is matched against payload keys by set equality.
	RequiredFields []string

	// Constraint is optional.
	Constraint Constraint

	// Transform is optional and defaults to identity.
	Transform Transform
}

// Prepare runs the field validator, the constraint and the transform, and
// returns the fields the event will carry.
func (d CommandDefinition) Prepare(command string, payload Fields) (Fields, error) {
	fields, err := ValidateFields(command, d.RequiredFields, payload)
	if err != nil {
		return nil, err
	}

	if d.Constraint != nil {
		if err := d.Constraint(fields); err != nil {
			return nil, &ConstraintViolationError{Command: command, Cause: err}
		}
	}

	if d.Transform != nil {
		fields, err = ValidateFields(command, d.RequiredFields, d.Transform(fields))
		if err != nil {
			return nil, err
		}
	}

	return fields, nil
}

// OneOf returns a constraint that requires a string field to take one of
// the allowed values.
func OneOf(field string, allowed ...string) Constraint {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(fields Fields) error {
		v, ok := fields[field].(string)
		if !ok {
			return fmt.Errorf("%s must be a string", field)
		}
		if _, ok := set[v]; !ok {
			return fmt.Errorf("%s %q is not one of %v", field, v, allowed)
		}
		return nil
	}
}

// NonBlank returns a constraint that requires each field to be a string
// with at least one non-space character.
func NonBlank(fields ...string) Constraint {
	return func(f Fields) error {
		for _, field := range fields {
			v, ok := f[field].(string)
			if !ok {
				return fmt.Errorf("%s must be a string", field)
			}
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s must not be blank", field)
			}
		}
		return nil
	}
}

// Registry maps aggregate type and command name to a CommandDefinition.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]map[string]CommandDefinition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]map[string]CommandDefinition),
	}
}

// Register adds a command for an aggregate type.
// If the command is already registered, it will be replaced.
func (r *Registry) Register(aggregate, command string, def CommandDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmds, ok := r.commands[aggregate]
	if !ok {
		cmds = make(map[string]CommandDefinition)
		r.commands[aggregate] = cmds
	}
	def.RequiredFields = append([]string(nil), def.RequiredFields...)
	cmds[command] = def
}

// Lookup returns the definition of a command.
func (r *Registry) Lookup(aggregate, command string) (CommandDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds, ok := r.commands[aggregate]
	if !ok {
		return CommandDefinition{}, &UnknownAggregateError{Aggregate: aggregate}
	}
	def, ok := cmds[command]
	if !ok {
		return CommandDefinition{}, &UnknownCommandError{Aggregate: aggregate, Command: command}
	}
	return def, nil
}

// Aggregates returns the registered aggregate types in sorted order.
func (r *Registry) Aggregates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.commands))
	for a := range r.commands {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Commands returns the commands registered for an aggregate in sorted order.
func (r *Registry) Commands(aggregate string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.commands[aggregate]))
	for c := range r.commands[aggregate] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
