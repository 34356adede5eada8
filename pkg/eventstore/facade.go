// Package eventstore defines the Event Store Facade consumed by the
// process router and process instances, plus two reference
// implementations: an in-memory facade for tests and a bbolt-backed
// facade for durable single-process deployments.
//
// The facade is the runtime's only collaborator with the event store;
// neither the router nor an instance ever talks to a storage engine
// directly.
package eventstore

import (
	"errors"

	"github.com/fluxline/procman/pkg/types"
)

// ErrSnapshotNotFound is returned by ReadSnapshot when no snapshot has
// ever been recorded for a source_uuid.
var ErrSnapshotNotFound = errors.New("eventstore: snapshot not found")

// Listener receives the asynchronous callbacks a subscription produces:
// a one-time confirmation, then zero or more event batches, and
// possibly a terminal drop.
type Listener interface {
	// OnSubscribed is called once, synchronously with subscribe
	// confirmation, before any OnEvents call.
	OnSubscribed(sub Subscription)
	// OnEvents delivers one batch of events in ascending event_number
	// order.
	OnEvents(batch []types.RecordedEvent)
	// OnDropped is called at most once if the subscription is lost.
	// No further OnEvents calls follow.
	OnDropped(err error)
}

// Subscription is a live handle to an "all events" subscription.
type Subscription interface {
	// Name is the subscriber_name the subscription was created with.
	Name() string
	// Close cancels the subscription. Safe to call more than once.
	Close() error
}

// Facade abstracts the event store operations the runtime depends on.
type Facade interface {
	// SubscribeToAll opens a durable subscription to the "all events"
	// stream starting at `from`, delivering batches to listener.
	SubscribeToAll(subscriberName string, from types.StartFrom, listener Listener) (Subscription, error)

	// AckEvent acknowledges that `event` (and everything at or before
	// it) has been fully processed by `sub`, advancing the durable
	// subscription cursor.
	AckEvent(sub Subscription, event types.RecordedEvent) error

	// ReadSnapshot returns the most recently recorded snapshot for
	// sourceUUID, or ErrSnapshotNotFound.
	ReadSnapshot(sourceUUID string) (types.SnapshotData, error)

	// RecordSnapshot persists a snapshot, replacing any prior snapshot
	// for the same SourceUUID.
	RecordSnapshot(snap types.SnapshotData) error

	// DeleteSnapshot removes any snapshot recorded for sourceUUID. It is
	// not an error to delete a snapshot that does not exist.
	DeleteSnapshot(sourceUUID string) error
}
