package domain

import (
	"github.com/access-news/cqrs"
)

// RecordingAdded is the only recording event.
const RecordingAdded = "recording_added"

func registerRecordingCommands(reg *cqrs.Registry) {
	reg.Register(Recording, "add_recording", cqrs.CommandDefinition{
		EventName:      RecordingAdded,
		RequiredFields: []string{"user_id", "publication", "filename", "duration"},
	})
}

func recordingHandlers() cqrs.HandlerTable {
	return cqrs.HandlerTable{
		RecordingAdded: cqrs.MergeFields(),
	}
}
