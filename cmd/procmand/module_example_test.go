package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/procman/pkg/types"
)

func mustEncode(t *testing.T, ev orderEvent) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestOrderFulfillmentInterested(t *testing.T) {
	m := orderFulfillmentModule{}

	tests := []struct {
		name       string
		event      orderEvent
		wantAction types.ClassifierAction
	}{
		{"order placed starts", orderEvent{Type: "OrderPlaced", OrderID: "order-1"}, types.ClassifierStart},
		{"payment captured continues", orderEvent{Type: "PaymentCaptured", OrderID: "order-1"}, types.ClassifierContinue},
		{"shipment requested continues", orderEvent{Type: "ShipmentRequested", OrderID: "order-1"}, types.ClassifierContinue},
		{"order completed stops", orderEvent{Type: "OrderCompleted", OrderID: "order-1"}, types.ClassifierStop},
		{"order cancelled stops", orderEvent{Type: "OrderCancelled", OrderID: "order-1"}, types.ClassifierStop},
		{"unrelated event ignored", orderEvent{Type: "WarehouseRestocked", OrderID: "order-1"}, types.ClassifierIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := m.Interested(mustEncode(t, tt.event)).Normalize()
			assert.Equal(t, tt.wantAction, result.Action)
		})
	}
}

func TestOrderFulfillmentHandleProducesExpectedCommands(t *testing.T) {
	m := orderFulfillmentModule{}

	cmds, err := m.Handle(m.InitialState(), mustEncode(t, orderEvent{Type: "OrderPlaced", OrderID: "order-1"}))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "ReserveInventory", cmds[0].Name)

	cmds, err = m.Handle(m.InitialState(), mustEncode(t, orderEvent{Type: "PaymentCaptured", OrderID: "order-1"}))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "DispatchShipment", cmds[0].Name)

	cmds, err = m.Handle(m.InitialState(), mustEncode(t, orderEvent{Type: "ShipmentRequested", OrderID: "order-1"}))
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestOrderFulfillmentApplyFoldsEventTypes(t *testing.T) {
	m := orderFulfillmentModule{}

	state := m.Apply(m.InitialState(), mustEncode(t, orderEvent{Type: "PaymentCaptured", OrderID: "order-1"}))
	st, ok := state.(*orderState)
	require.True(t, ok)
	assert.True(t, st.InventoryReserved)
	assert.False(t, st.ShipmentDispatched)

	state = m.Apply(state, mustEncode(t, orderEvent{Type: "ShipmentRequested", OrderID: "order-1"}))
	st, ok = state.(*orderState)
	require.True(t, ok)
	assert.True(t, st.InventoryReserved)
	assert.True(t, st.ShipmentDispatched)
}

func TestOrderFulfillmentErrorRetriesThenStops(t *testing.T) {
	m := orderFulfillmentModule{}
	cmd := types.Command{Name: "ReserveInventory"}

	resp := m.Error(assertErr, cmd, types.FailureContext{Context: 0})
	assert.Equal(t, types.ErrorRetry, resp.Kind)
	assert.Equal(t, 1, resp.Context)

	resp = m.Error(assertErr, cmd, types.FailureContext{Context: 1})
	assert.Equal(t, types.ErrorRetry, resp.Kind)
	assert.Equal(t, 2, resp.Context)

	resp = m.Error(assertErr, cmd, types.FailureContext{Context: 2})
	assert.Equal(t, types.ErrorStop, resp.Kind)
	assert.Error(t, resp.StopReason)
}

var assertErr = &testError{"dispatch failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
