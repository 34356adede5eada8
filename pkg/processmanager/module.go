// Package processmanager implements the two-layer concurrent state
// machine at the heart of the runtime: the Process Router (one actor
// per process-manager definition) and the Process Manager Instance (one
// actor per correlation), plus the thin Instance Supervisor that spawns
// instances on demand.
package processmanager

import "github.com/fluxline/procman/pkg/types"

// UserModule is the pure decision-logic boundary a process-manager
// author implements. Interested?/Handle/Apply must be pure
// functions of their arguments; Error may be impure (logging only).
type UserModule interface {
	// Name identifies this module and is recorded as
	// SnapshotData.SourceType. The registry key is the router's
	// RouterConfig.Name, not this value.
	Name() string

	// InitialState returns the zero/default process_state value used
	// when no snapshot exists yet.
	InitialState() interface{}

	// Interested classifies an event payload into start/continue/stop
	// for zero or more correlation ids, or Ignore.
	Interested(eventData interface{}) types.ClassifierResult

	// Handle produces the commands an interesting event should cause,
	// given the current process_state. A non-nil error is treated as a
	// fatal instance error: the instance terminates
	// without applying, snapshotting, or acknowledging the event.
	Handle(state interface{}, eventData interface{}) ([]types.Command, error)

	// Apply folds an interesting event into process_state. Must be
	// total over every event this module ever classifies as
	// interesting.
	Apply(state interface{}, eventData interface{}) interface{}

	// Error is invoked when dispatcher.Dispatch fails for a command;
	// its tagged response selects how the dispatch loop proceeds.
	Error(dispatchErr error, failedCommand types.Command, fc types.FailureContext) types.ErrorResponse
}
