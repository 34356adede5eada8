package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// epochCommand is the only operation ever replicated through raft for
// this runtime: a leader-epoch bump. Routing decisions, event acks, and
// command dispatch are never replicated here. Raft exists solely to
// answer "which replica gets to run routers right now," not to
// replicate runtime state.
type epochCommand struct {
	Op string `json:"op"` // always "bump_epoch"
}

// epochFSM is a minimal raft.FSM tracking a single monotonic counter.
type epochFSM struct {
	mu    sync.RWMutex
	epoch uint64
}

func newEpochFSM() *epochFSM {
	return &epochFSM{}
}

// Apply implements raft.FSM.
func (f *epochFSM) Apply(l *raft.Log) interface{} {
	var cmd epochCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("cluster: unmarshal log entry: %w", err)
	}
	if cmd.Op != "bump_epoch" {
		return fmt.Errorf("cluster: unknown fsm op %q", cmd.Op)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	return f.epoch
}

// Epoch returns the current epoch value.
func (f *epochFSM) Epoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// Snapshot implements raft.FSM.
func (f *epochFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &epochSnapshot{epoch: f.epoch}, nil
}

// Restore implements raft.FSM.
func (f *epochFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap struct{ Epoch uint64 }
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mu.Lock()
	f.epoch = snap.Epoch
	f.mu.Unlock()
	return nil
}

type epochSnapshot struct {
	epoch uint64
}

func (s *epochSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		b, err := json.Marshal(struct{ Epoch uint64 }{Epoch: s.epoch})
		if err != nil {
			return err
		}
		if _, err := sink.Write(b); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *epochSnapshot) Release() {}
