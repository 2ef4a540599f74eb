// cqrs is the command-line interface of the people, session and recording
// event store.
//
// Usage:
//
//	cqrs <command> [flags]
//
// Commands:
//
//	init        Write a cqrs.yaml configuration
//	migrate     Create the event log, state and checkpoint tables
//	execute     Run one command against a stream
//	person      Register people
//	project     Apply new events to projected state until interrupted
//	rebuild     Rebuild projected state by replaying the event log
//	state       Inspect projected state
//	views       Print the read models built from projected state
//	status      Check backends and projector lag
//	version     Show version information
//
// Examples:
//
//	# Set up a single-file deployment
//	cqrs init --driver sqlite --url events.db --non-interactive
//
//	# Record a person and project their state
//	cqrs person register --first-name Ada --last-name Lovelace --email ada@example.com
//	cqrs project
//
//	# Check how far the projector trails the log
//	cqrs status
package main

import (
	"os"

	"github.com/access-news/cqrs/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
