// Package cqrs provides an event-sourced write path and an idempotent
// projection engine for the people, session and recording aggregates.
//
// All state is derived from an append-only log of events. Commands are
// validated against a static registry, turned into exactly one event, and
// appended to the log. A Projector consumes the log and folds each stream's
// events into a projected State record, skipping anything at or below the
// stream's last applied seq so that redelivery is harmless.
//
// # Quick Start
//
// Wire a dispatcher and a projector with the in-memory adapters:
//
//	import (
//	    "github.com/access-news/cqrs"
//	    "github.com/access-news/cqrs/adapters/memory"
//	    "github.com/access-news/cqrs/domain"
//	)
//
//	log := memory.NewAdapter()
//	store := cqrs.NewEventStore(log)
//
//	registry := cqrs.NewRegistry()
//	domain.RegisterCommands(registry)
//
//	dispatcher := cqrs.NewDispatcher(store, registry)
//	projector := cqrs.NewProjector(memory.NewStateStore(), domain.Handlers())
//
// # Executing Commands
//
// Validation, lookup and constraint failures are returned directly; the
// append itself completes through a Future:
//
//	future, err := dispatcher.Execute(ctx, cqrs.ExecuteRequest{
//	    Aggregate: "person",
//	    StreamID:  personID,
//	    Command:   "add_email",
//	    Payload:   cqrs.Fields{"email": "ann@example.com"},
//	})
//	if err != nil {
//	    return err
//	}
//	event, err := future.Wait(ctx)
//
// # Chaining Commands
//
// Chain runs several commands against one stream, one append at a time,
// with seq increasing by one per step:
//
//	future, err := dispatcher.Chain(ctx, cqrs.ChainRequest{
//	    Aggregate: "person",
//	    StreamID:  personID,
//	    StartSeq:  1,
//	    Steps: []cqrs.Step{
//	        {Command: "add_person", Payload: cqrs.Fields{"first_name": "Ann", "last_name": "Lee"}},
//	        {Command: "add_email", Payload: cqrs.Fields{"email": "ann@example.com"}},
//	    },
//	})
//
// # Projecting
//
// Load the persisted state and follow the log:
//
//	if err := projector.Load(ctx); err != nil {
//	    return err
//	}
//	err := projector.Subscribe(ctx, store, checkpoints)
//
// Apply is seq-gated: an event whose seq is less than or equal to the
// stream's last applied seq is a no-op.
package cqrs

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}

// SchemaVersion is attached to every new event. Readers apply events of any
// version with the same handlers.
var SchemaVersion = 0
