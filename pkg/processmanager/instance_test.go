package processmanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/procman/pkg/dispatcher"
	"github.com/fluxline/procman/pkg/eventstore"
	"github.com/fluxline/procman/pkg/types"
)

// testModule is a UserModule test double whose Handle/Apply/Error hooks
// are swappable per test.
type testModule struct {
	interestedFn func(eventData interface{}) types.ClassifierResult
	handleFn     func(state interface{}, eventData interface{}) ([]types.Command, error)
	applyFn      func(state interface{}, eventData interface{}) interface{}
	errorFn      func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse
}

func (m *testModule) Name() string             { return "test-module" }
func (m *testModule) InitialState() interface{} { return 0 }
func (m *testModule) Interested(eventData interface{}) types.ClassifierResult {
	if m.interestedFn != nil {
		return m.interestedFn(eventData)
	}
	return types.Start("uuid-1")
}
func (m *testModule) Handle(state interface{}, eventData interface{}) ([]types.Command, error) {
	if m.handleFn != nil {
		return m.handleFn(state, eventData)
	}
	return nil, nil
}
func (m *testModule) Apply(state interface{}, eventData interface{}) interface{} {
	if m.applyFn != nil {
		return m.applyFn(state, eventData)
	}
	return state
}
func (m *testModule) Error(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
	if m.errorFn != nil {
		return m.errorFn(err, cmd, fc)
	}
	return types.ErrorResponse{Kind: types.ErrorStop, StopReason: err}
}

type fakeAcker struct {
	mu     sync.Mutex
	events []types.RecordedEvent
	ackCh  chan types.RecordedEvent
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{ackCh: make(chan types.RecordedEvent, 64)}
}

func (a *fakeAcker) AckEvent(event types.RecordedEvent, instanceUUID string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	a.ackCh <- event
}

func (a *fakeAcker) waitForAck(t *testing.T) types.RecordedEvent {
	t.Helper()
	select {
	case e := <-a.ackCh:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
		return types.RecordedEvent{}
	}
}

func newTestInstance(t *testing.T, module UserModule, disp dispatcher.CommandDispatcher) *Instance {
	t.Helper()
	facade := eventstore.NewMemoryFacade()
	t.Cleanup(facade.Close)
	inst := NewInstance(InstanceConfig{
		ProcessManagerName: "order-fulfillment",
		UUID:               "order-123",
		Module:             module,
		Facade:             facade,
		Dispatcher:         disp,
	})
	return inst
}

func TestInstanceHandleApplyAndAck(t *testing.T) {
	var appliedWith interface{}
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory", Payload: eventData}}, nil
		},
		applyFn: func(state interface{}, eventData interface{}) interface{} {
			appliedWith = eventData
			return state.(int) + 1
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	var dispatched types.Command
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		dispatched = cmd
		return nil
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()

	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acked := acker.waitForAck(t)

	assert.Equal(t, uint64(1), acked.EventNumber)
	assert.Equal(t, "OrderPlaced", dispatched.Payload)
	assert.Equal(t, "OrderPlaced", appliedWith)
	assert.Equal(t, 1, inst.ProcessState())
}

func TestInstanceDedupesAlreadySeenEvent(t *testing.T) {
	applyCount := 0
	module := &testModule{
		applyFn: func(state interface{}, eventData interface{}) interface{} {
			applyCount++
			return state
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()

	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	// Redeliver the same event number: must ack without reapplying.
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	assert.Equal(t, 1, applyCount)
}

func TestInstanceRetryThenSucceed(t *testing.T) {
	attempts := 0
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory"}}, nil
		},
		errorFn: func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
			attempt, _ := fc.Context.(int)
			if attempt < 2 {
				return types.ErrorResponse{Kind: types.ErrorRetry, Context: attempt + 1}
			}
			return types.ErrorResponse{Kind: types.ErrorContinue}
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	assert.Equal(t, 3, attempts)
}

func TestInstanceSkipDiscardPendingStillAcks(t *testing.T) {
	secondCommandDispatched := false
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory"}, {Name: "DispatchShipment"}}, nil
		},
		errorFn: func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
			return types.ErrorResponse{Kind: types.ErrorSkipDiscardPending}
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		return errors.New("fails")
	})
	disp.Register("DispatchShipment", func(cmd types.Command, opts types.DispatchOpts) error {
		secondCommandDispatched = true
		return nil
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	assert.False(t, secondCommandDispatched, "SkipDiscardPending must drop the remaining queue")
}

func TestInstanceSkipContinuePendingDispatchesTail(t *testing.T) {
	secondCommandDispatched := false
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory"}, {Name: "DispatchShipment"}}, nil
		},
		errorFn: func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
			return types.ErrorResponse{Kind: types.ErrorSkipContinuePending}
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		return errors.New("fails")
	})
	disp.Register("DispatchShipment", func(cmd types.Command, opts types.DispatchOpts) error {
		secondCommandDispatched = true
		return nil
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	assert.True(t, secondCommandDispatched, "SkipContinuePending must still dispatch the tail")
}

func TestInstanceStopTerminatesOnDispatchFailure(t *testing.T) {
	stopReason := errors.New("giving up")
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory"}}, nil
		},
		errorFn: func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
			return types.ErrorResponse{Kind: types.ErrorStop, StopReason: stopReason}
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		return errors.New("fails")
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)

	select {
	case err := <-inst.Done():
		assert.ErrorIs(t, err, stopReason)
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not terminate")
	}
}

func TestInstanceHandleErrorTerminatesInstance(t *testing.T) {
	handleErr := errors.New("handle exploded")
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return nil, handleErr
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()

	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)

	select {
	case err := <-inst.Done():
		assert.ErrorIs(t, err, handleErr)
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not terminate")
	}
}

func TestInstanceRehydratesFromSnapshot(t *testing.T) {
	handleCalls := 0
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			handleCalls++
			return nil, nil
		},
		applyFn: func(state interface{}, eventData interface{}) interface{} {
			return state.(int) + 1
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	facade := eventstore.NewMemoryFacade()
	t.Cleanup(facade.Close)
	require.NoError(t, facade.RecordSnapshot(types.SnapshotData{
		SourceUUID:    "order-123",
		SourceVersion: 5,
		SourceType:    "test-module",
		Data:          7,
	}))

	inst := NewInstance(InstanceConfig{
		ProcessManagerName: "order-fulfillment",
		UUID:               "order-123",
		Module:             module,
		Facade:             facade,
		Dispatcher:         disp,
	})
	acker := newFakeAcker()

	// Events at or below the snapshot's source_version are acked without
	// invoking the user module again.
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 5, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)
	assert.Equal(t, 0, handleCalls)
	assert.Equal(t, 7, inst.ProcessState())

	inst.ProcessEvent(types.RecordedEvent{EventNumber: 6, Data: "PaymentCaptured"}, acker)
	acker.waitForAck(t)
	assert.Equal(t, 1, handleCalls)
	assert.Equal(t, 8, inst.ProcessState())

	snap, err := facade.ReadSnapshot("order-123")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), snap.SourceVersion)
}

func TestInstanceRetryDelayElapsesBeforeReattempt(t *testing.T) {
	var attemptTimes []time.Time
	module := &testModule{
		handleFn: func(state interface{}, eventData interface{}) ([]types.Command, error) {
			return []types.Command{{Name: "ReserveInventory"}}, nil
		},
		errorFn: func(err error, cmd types.Command, fc types.FailureContext) types.ErrorResponse {
			return types.ErrorResponse{Kind: types.ErrorRetry, Delay: 10 * time.Millisecond}
		},
	}
	disp := dispatcher.NewInProcessDispatcher()
	disp.Register("ReserveInventory", func(cmd types.Command, opts types.DispatchOpts) error {
		attemptTimes = append(attemptTimes, time.Now())
		if len(attemptTimes) < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	inst := newTestInstance(t, module, disp)
	acker := newFakeAcker()
	inst.ProcessEvent(types.RecordedEvent{EventNumber: 1, Data: "OrderPlaced"}, acker)
	acker.waitForAck(t)

	require.Len(t, attemptTimes, 3)
	for i := 1; i < len(attemptTimes); i++ {
		assert.GreaterOrEqual(t, attemptTimes[i].Sub(attemptTimes[i-1]), 10*time.Millisecond)
	}
}

func TestInstanceStopDeletesSnapshot(t *testing.T) {
	module := &testModule{}
	disp := dispatcher.NewInProcessDispatcher()
	facade := eventstore.NewMemoryFacade()
	t.Cleanup(facade.Close)
	require.NoError(t, facade.RecordSnapshot(types.SnapshotData{SourceUUID: "order-123"}))

	inst := NewInstance(InstanceConfig{
		ProcessManagerName: "order-fulfillment",
		UUID:               "order-123",
		Module:             module,
		Facade:             facade,
		Dispatcher:         disp,
	})
	inst.Stop()

	_, err := facade.ReadSnapshot("order-123")
	assert.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)
}
