// Package domain defines the person, session and recording aggregates:
// their commands, the events those commands produce, and how each event is
// folded into projected state.
package domain

import (
	"github.com/access-news/cqrs"
)

// Aggregate type tags.
const (
	Person    = "person"
	Session   = "session"
	Recording = "recording"
)

// RegisterCommands installs every command of every aggregate.
func RegisterCommands(reg *cqrs.Registry) {
	registerPersonCommands(reg)
	registerSessionCommands(reg)
	registerRecordingCommands(reg)
}

// NewRegistry returns a registry holding every domain command.
func NewRegistry() *cqrs.Registry {
	reg := cqrs.NewRegistry()
	RegisterCommands(reg)
	return reg
}

// Handlers returns the handler table for every domain event.
func Handlers() cqrs.HandlerTable {
	return cqrs.HandlerTable{}.
		Merge(personHandlers()).
		Merge(sessionHandlers()).
		Merge(recordingHandlers())
}
