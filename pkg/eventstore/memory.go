package eventstore

import (
	"sync"

	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/types"
)

// MemoryFacade is an in-process Event Store Facade backed by an
// append-only slice and a channel-driven broadcast loop, in the shape
// of a pub/sub broker. It is meant for tests and local experimentation,
// not production durability.
type MemoryFacade struct {
	mu         sync.Mutex
	events     []types.RecordedEvent
	subs       map[*memorySubscription]bool
	snapshots  map[string]types.SnapshotData
	appendCh   chan types.RecordedEvent
	stopCh     chan struct{}
	lastAppend uint64
}

// NewMemoryFacade creates a ready-to-use in-memory facade.
func NewMemoryFacade() *MemoryFacade {
	f := &MemoryFacade{
		subs:      make(map[*memorySubscription]bool),
		snapshots: make(map[string]types.SnapshotData),
		appendCh:  make(chan types.RecordedEvent, 256),
		stopCh:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Close stops the facade's broadcast loop.
func (f *MemoryFacade) Close() {
	close(f.stopCh)
}

// Append adds a new event to the stream (assigning EventNumber if zero)
// and broadcasts it to every live subscription. This stands in for the
// real event store's append path, which lives outside this runtime.
func (f *MemoryFacade) Append(e types.RecordedEvent) types.RecordedEvent {
	f.mu.Lock()
	if e.EventNumber == 0 {
		f.lastAppend++
		e.EventNumber = f.lastAppend
	} else if e.EventNumber > f.lastAppend {
		f.lastAppend = e.EventNumber
	}
	f.events = append(f.events, e)
	f.mu.Unlock()

	select {
	case f.appendCh <- e:
	case <-f.stopCh:
	}
	return e
}

func (f *MemoryFacade) run() {
	logger := log.WithComponent("eventstore-memory")
	for {
		select {
		case e := <-f.appendCh:
			f.mu.Lock()
			subs := make([]*memorySubscription, 0, len(f.subs))
			for s := range f.subs {
				subs = append(subs, s)
			}
			f.mu.Unlock()
			for _, s := range subs {
				if e.EventNumber <= s.from {
					continue
				}
				select {
				case s.events <- e:
				case <-s.closed:
				}
			}
		case <-f.stopCh:
			logger.Debug().Msg("memory facade stopped")
			return
		}
	}
}

func (f *MemoryFacade) SubscribeToAll(subscriberName string, from types.StartFrom, listener Listener) (Subscription, error) {
	f.mu.Lock()
	start := resolveStart(from, f.lastAppend)
	backlog := make([]types.RecordedEvent, 0, len(f.events))
	for _, e := range f.events {
		if e.EventNumber > start {
			backlog = append(backlog, e)
		}
	}
	sub := &memorySubscription{
		name:   subscriberName,
		from:   start,
		events: make(chan types.RecordedEvent, 256),
		closed: make(chan struct{}),
	}
	f.subs[sub] = true
	f.mu.Unlock()

	listener.OnSubscribed(sub)
	if len(backlog) > 0 {
		listener.OnEvents(backlog)
	}

	go func() {
		for {
			select {
			case e, ok := <-sub.events:
				if !ok {
					return
				}
				listener.OnEvents([]types.RecordedEvent{e})
			case <-sub.closed:
				return
			}
		}
	}()

	return sub, nil
}

func resolveStart(from types.StartFrom, latest uint64) uint64 {
	switch from.Kind {
	case types.StartFromOrigin:
		return 0
	case types.StartFromCurrent:
		return latest
	case types.StartFromPosition:
		return from.Position
	default:
		return 0
	}
}

func (f *MemoryFacade) AckEvent(sub Subscription, event types.RecordedEvent) error {
	return nil
}

func (f *MemoryFacade) ReadSnapshot(sourceUUID string) (types.SnapshotData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[sourceUUID]
	if !ok {
		return types.SnapshotData{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (f *MemoryFacade) RecordSnapshot(snap types.SnapshotData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.SourceUUID] = snap
	return nil
}

func (f *MemoryFacade) DeleteSnapshot(sourceUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, sourceUUID)
	return nil
}

type memorySubscription struct {
	name   string
	from   uint64
	events chan types.RecordedEvent
	closed chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Name() string { return s.name }

func (s *memorySubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
