package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/types"
)

var (
	bucketEvents    = []byte("events")
	bucketSnapshots = []byte("snapshots")
	bucketCursors   = []byte("cursors")
)

// BoltFacade is a durable, single-process Event Store Facade backed by
// bbolt. Subscriptions are durable across process restarts: once a
// subscriber_name has acknowledged through some event_number, a later
// SubscribeToAll call for the same name resumes from that cursor
// regardless of the `from` argument, mirroring a real event store's
// persistent subscription semantics.
type BoltFacade struct {
	db *bolt.DB

	mu   sync.Mutex
	subs map[string]*boltSubscription
}

// NewBoltFacade opens (creating if necessary) a bbolt-backed facade
// rooted at dataDir/events.db.
func NewBoltFacade(dataDir string) (*BoltFacade, error) {
	dbPath := filepath.Join(dataDir, "events.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketSnapshots, bucketCursors} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltFacade{db: db, subs: make(map[string]*boltSubscription)}, nil
}

// Close closes the underlying database and tears down any live
// subscriptions.
func (f *BoltFacade) Close() error {
	f.mu.Lock()
	subs := make([]*boltSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return f.db.Close()
}

func eventKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

type persistedEvent struct {
	EventNumber   uint64
	EventID       string
	CorrelationID string
	StreamID      string
	StreamVersion uint64
	Data          json.RawMessage
	Metadata      map[string]string
}

// Append adds a new event to the durable log, assigning EventNumber if
// zero, and wakes every live subscription so it can pick it up.
func (f *BoltFacade) Append(e types.RecordedEvent) (types.RecordedEvent, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return types.RecordedEvent{}, fmt.Errorf("eventstore: marshal event data: %w", err)
	}

	err = f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if e.EventNumber == 0 {
			e.EventNumber = f.latestEventNumber(tx) + 1
		}
		pe := persistedEvent{
			EventNumber:   e.EventNumber,
			EventID:       e.EventID,
			CorrelationID: e.CorrelationID,
			StreamID:      e.StreamID,
			StreamVersion: e.StreamVersion,
			Data:          data,
			Metadata:      e.Metadata,
		}
		encoded, err := json.Marshal(pe)
		if err != nil {
			return err
		}
		return b.Put(eventKey(e.EventNumber), encoded)
	})
	if err != nil {
		return types.RecordedEvent{}, err
	}

	f.mu.Lock()
	subs := make([]*boltSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.notify()
	}

	e.Data = json.RawMessage(data)
	return e, nil
}

func (f *BoltFacade) latestEventNumber(tx *bolt.Tx) uint64 {
	c := tx.Bucket(bucketEvents).Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

func (f *BoltFacade) readEventsAfter(after uint64, limit int) ([]types.RecordedEvent, error) {
	var out []types.RecordedEvent
	err := f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(eventKey(after + 1)); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var pe persistedEvent
			if err := json.Unmarshal(v, &pe); err != nil {
				return err
			}
			out = append(out, types.RecordedEvent{
				EventNumber:   pe.EventNumber,
				EventID:       pe.EventID,
				CorrelationID: pe.CorrelationID,
				StreamID:      pe.StreamID,
				StreamVersion: pe.StreamVersion,
				Data:          pe.Data,
				Metadata:      pe.Metadata,
			})
		}
		return nil
	})
	return out, err
}

func (f *BoltFacade) persistedCursor(name string) (uint64, bool, error) {
	var cursor uint64
	var found bool
	err := f.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCursors).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		cursor = binary.BigEndian.Uint64(v)
		return nil
	})
	return cursor, found, err
}

func (f *BoltFacade) setCursor(name string, n uint64) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Put([]byte(name), eventKey(n))
	})
}

// SubscribeToAll implements Facade.
func (f *BoltFacade) SubscribeToAll(subscriberName string, from types.StartFrom, listener Listener) (Subscription, error) {
	cursor, found, err := f.persistedCursor(subscriberName)
	if err != nil {
		return nil, err
	}
	if !found {
		var latest uint64
		_ = f.db.View(func(tx *bolt.Tx) error {
			latest = f.latestEventNumber(tx)
			return nil
		})
		cursor = resolveStart(from, latest)
	}

	sub := &boltSubscription{
		name:    subscriberName,
		facade:  f,
		cursor:  cursor,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		logger:  log.WithComponent("eventstore-bolt"),
	}

	f.mu.Lock()
	f.subs[subscriberName] = sub
	f.mu.Unlock()

	listener.OnSubscribed(sub)
	go sub.run(listener)
	return sub, nil
}

// AckEvent persists the subscriber's cursor so a future SubscribeToAll
// for the same name resumes past this event.
func (f *BoltFacade) AckEvent(sub Subscription, event types.RecordedEvent) error {
	bs, ok := sub.(*boltSubscription)
	if !ok {
		return fmt.Errorf("eventstore: ack on foreign subscription type")
	}
	if err := f.setCursor(bs.name, event.EventNumber); err != nil {
		return err
	}
	bs.mu.Lock()
	bs.cursor = event.EventNumber
	bs.mu.Unlock()
	return nil
}

func (f *BoltFacade) ReadSnapshot(sourceUUID string) (types.SnapshotData, error) {
	var snap types.SnapshotData
	found := false
	err := f.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(sourceUUID))
		if v == nil {
			return nil
		}
		found = true
		var persisted persistedSnapshot
		if err := json.Unmarshal(v, &persisted); err != nil {
			return err
		}
		snap = types.SnapshotData{
			SourceUUID:    persisted.SourceUUID,
			SourceVersion: persisted.SourceVersion,
			SourceType:    persisted.SourceType,
			Data:          persisted.Data,
		}
		return nil
	})
	if err != nil {
		return types.SnapshotData{}, err
	}
	if !found {
		return types.SnapshotData{}, ErrSnapshotNotFound
	}
	return snap, nil
}

type persistedSnapshot struct {
	SourceUUID    string
	SourceVersion uint64
	SourceType    string
	Data          json.RawMessage
}

func (f *BoltFacade) RecordSnapshot(snap types.SnapshotData) error {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("eventstore: marshal snapshot data: %w", err)
	}
	persisted := persistedSnapshot{
		SourceUUID:    snap.SourceUUID,
		SourceVersion: snap.SourceVersion,
		SourceType:    snap.SourceType,
		Data:          data,
	}
	encoded, err := json.Marshal(persisted)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.SourceUUID), encoded)
	})
}

func (f *BoltFacade) DeleteSnapshot(sourceUUID string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(sourceUUID))
	})
}

type boltSubscription struct {
	name   string
	facade *BoltFacade

	mu     sync.Mutex
	cursor uint64

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (s *boltSubscription) Name() string { return s.name }

func (s *boltSubscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *boltSubscription) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.facade.mu.Lock()
		delete(s.facade.subs, s.name)
		s.facade.mu.Unlock()
	})
	return nil
}

func (s *boltSubscription) run(listener Listener) {
	const batchSize = 256
	for {
		s.mu.Lock()
		after := s.cursor
		s.mu.Unlock()

		batch, err := s.facade.readEventsAfter(after, batchSize)
		if err != nil {
			s.logger.Error().Err(err).Str("subscription", s.name).Msg("subscription read failed")
			listener.OnDropped(err)
			return
		}
		if len(batch) > 0 {
			listener.OnEvents(batch)
			s.mu.Lock()
			s.cursor = batch[len(batch)-1].EventNumber
			s.mu.Unlock()
			continue
		}

		select {
		case <-s.wake:
		case <-s.closed:
			return
		}
	}
}
