package eventstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/procman/pkg/types"
)

func openTestBoltFacade(t *testing.T) *BoltFacade {
	t.Helper()
	f, err := NewBoltFacade(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestBoltFacadeAppendAssignsEventNumber(t *testing.T) {
	f := openTestBoltFacade(t)

	e1, err := f.Append(types.RecordedEvent{StreamID: "order-1", Data: "placed"})
	require.NoError(t, err)
	e2, err := f.Append(types.RecordedEvent{StreamID: "order-1", Data: "captured"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.EventNumber)
	assert.Equal(t, uint64(2), e2.EventNumber)

	var decoded string
	require.NoError(t, json.Unmarshal(e1.Data.(json.RawMessage), &decoded))
	assert.Equal(t, "placed", decoded)
}

func TestBoltFacadeSubscribeReplaysBacklogFromOrigin(t *testing.T) {
	f := openTestBoltFacade(t)

	_, err := f.Append(types.RecordedEvent{StreamID: "order-1"})
	require.NoError(t, err)
	_, err = f.Append(types.RecordedEvent{StreamID: "order-1"})
	require.NoError(t, err)

	listener := newRecordingListener()
	_, err = f.SubscribeToAll("test-sub", types.Origin(), listener)
	require.NoError(t, err)

	listener.waitForCount(t, 2)
	assert.Len(t, listener.snapshot(), 2)
}

func TestBoltFacadeCursorSurvivesResubscribe(t *testing.T) {
	f := openTestBoltFacade(t)

	e1, err := f.Append(types.RecordedEvent{StreamID: "order-1"})
	require.NoError(t, err)

	listener := newRecordingListener()
	sub, err := f.SubscribeToAll("durable-sub", types.Origin(), listener)
	require.NoError(t, err)
	listener.waitForCount(t, 1)

	require.NoError(t, f.AckEvent(sub, e1))
	require.NoError(t, sub.Close())

	_, err = f.Append(types.RecordedEvent{StreamID: "order-1"})
	require.NoError(t, err)

	listener2 := newRecordingListener()
	_, err = f.SubscribeToAll("durable-sub", types.Origin(), listener2)
	require.NoError(t, err)

	listener2.waitForCount(t, 1)
	got := listener2.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].EventNumber, "resubscribe resumes past the acked cursor, not from origin")
}

func TestBoltFacadeSnapshotRoundtrip(t *testing.T) {
	f := openTestBoltFacade(t)

	_, err := f.ReadSnapshot("order-123")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, f.RecordSnapshot(types.SnapshotData{
		SourceUUID: "order-123", SourceVersion: 2, SourceType: "order-fulfillment", Data: "state",
	}))

	got, err := f.ReadSnapshot("order-123")
	require.NoError(t, err)
	assert.Equal(t, "order-123", got.SourceUUID)
	assert.Equal(t, uint64(2), got.SourceVersion)

	require.NoError(t, f.DeleteSnapshot("order-123"))
	_, err = f.ReadSnapshot("order-123")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
