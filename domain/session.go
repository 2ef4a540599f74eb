package domain

import (
	"github.com/access-news/cqrs"
)

// Session event names.
const (
	SessionStarted     = "session_started"
	SessionTimeUpdated = "session_time_updated"
	SessionEnded       = "session_ended"
)

func registerSessionCommands(reg *cqrs.Registry) {
	reg.Register(Session, "start_session", cqrs.CommandDefinition{
		EventName:      SessionStarted,
		RequiredFields: []string{"user_id"},
	})
	reg.Register(Session, "update_session_time", cqrs.CommandDefinition{
		EventName:      SessionTimeUpdated,
		RequiredFields: []string{"seconds"},
	})
	reg.Register(Session, "end_session", cqrs.CommandDefinition{
		EventName:      SessionEnded,
		RequiredFields: []string{"seconds"},
	})
}

func sessionHandlers() cqrs.HandlerTable {
	merge := cqrs.MergeFields()
	return cqrs.HandlerTable{
		SessionStarted:     merge,
		SessionTimeUpdated: merge,
		SessionEnded:       merge,
	}
}
