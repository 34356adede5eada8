// Package types defines the core data shapes shared by the process
// router, process instances, and the subscriptions registry.
package types

import "time"

// RecordedEvent is one durably stored event read from the "all events"
// stream. EventNumber is the monotone, global ordering key; StreamID and
// StreamVersion locate the event within its own aggregate stream.
type RecordedEvent struct {
	EventNumber    uint64
	EventID        string
	CorrelationID  string
	StreamID       string
	StreamVersion  uint64
	Data           interface{}
	Metadata       map[string]string
}

// SnapshotData is the persisted state of a single process instance.
type SnapshotData struct {
	SourceUUID    string
	SourceVersion uint64
	SourceType    string
	Data          interface{}
}

// SnapshotKey formats the "{process_manager_name}-{process_uuid}" key.
// Process instances do not use it: they read, record and delete their
// snapshots under the bare process_uuid.
func SnapshotKey(processManagerName, processUUID string) string {
	return processManagerName + "-" + processUUID
}

// Command is one outbound command produced by a user module's Handle
// callback, dispatched with CausationID/CorrelationID attached.
type Command struct {
	Name          string
	Payload       interface{}
	CausationID   string
	CorrelationID string
}

// DispatchOpts carries the correlation metadata attached to every
// dispatched command.
type DispatchOpts struct {
	CausationID   string
	CorrelationID string
}

// Consistency is the level a handler registers under with the
// Subscriptions Registry.
type Consistency string

const (
	// ConsistencyStrong handlers participate in dispatch-side waits.
	ConsistencyStrong Consistency = "strong"
	// ConsistencyEventual handlers are tracked for diagnostics only.
	ConsistencyEventual Consistency = "eventual"
)

// StartFromKind selects where a router's subscription begins.
type StartFromKind int

const (
	// StartFromOrigin begins at event_number 0.
	StartFromOrigin StartFromKind = iota
	// StartFromCurrent begins at the facade's latest known event.
	StartFromCurrent
	// StartFromPosition begins at an explicit event_number.
	StartFromPosition
)

// StartFrom describes a router's subscription starting point.
type StartFrom struct {
	Kind     StartFromKind
	Position uint64 // only meaningful when Kind == StartFromPosition
}

// Origin is the zero-value start position.
func Origin() StartFrom { return StartFrom{Kind: StartFromOrigin} }

// Current resolves to the facade's latest event at subscribe time.
func Current() StartFrom { return StartFrom{Kind: StartFromCurrent} }

// Position starts from an explicit event_number (exclusive — the first
// delivered event has EventNumber > n).
func Position(n uint64) StartFrom { return StartFrom{Kind: StartFromPosition, Position: n} }

// ClassifierAction is the verb half of a UserModule.Interested? result.
type ClassifierAction int

const (
	// ClassifierIgnore corresponds to a `false` classifier result.
	ClassifierIgnore ClassifierAction = iota
	ClassifierStart
	ClassifierContinue
	ClassifierStop
)

// ClassifierResult is the normalized return value of Interested?. A nil
// or empty UUIDs slice is equivalent to ClassifierIgnore.
type ClassifierResult struct {
	Action ClassifierAction
	UUIDs  []string
}

// Ignore is the `false` classifier result.
func Ignore() ClassifierResult { return ClassifierResult{Action: ClassifierIgnore} }

// Start classifies the event as starting one or more instances.
func Start(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ClassifierStart, UUIDs: uuids}
}

// Continue classifies the event as continuing one or more instances,
// spawning them if absent.
func Continue(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ClassifierContinue, UUIDs: uuids}
}

// Stop classifies the event as stopping one or more instances.
func Stop(uuids ...string) ClassifierResult {
	return ClassifierResult{Action: ClassifierStop, UUIDs: uuids}
}

// Normalize degrades an empty UUID list to Ignore regardless of the
// declared action.
func (r ClassifierResult) Normalize() ClassifierResult {
	if len(r.UUIDs) == 0 {
		return Ignore()
	}
	return r
}

// FailureContext is passed to a user module's Error callback when a
// dispatched command fails.
type FailureContext struct {
	PendingCommands     []Command
	ProcessManagerState interface{}
	LastEvent           RecordedEvent
	Context             interface{}
}

// ErrorResponseKind enumerates the tagged responses a user module's
// Error callback may return.
type ErrorResponseKind int

const (
	ErrorContinue ErrorResponseKind = iota
	ErrorRetry
	ErrorSkipDiscardPending
	ErrorSkipContinuePending
	ErrorStop
)

// ErrorResponse is the normalized return value of UserModule.Error.
type ErrorResponse struct {
	Kind        ErrorResponseKind
	NewCommands []Command     // ErrorContinue
	Delay       time.Duration // ErrorRetry, zero means immediate
	Context     interface{}   // ErrorContinue, ErrorRetry
	StopReason  error         // ErrorStop
}
