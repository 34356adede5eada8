package main

import (
	"encoding/json"
	"fmt"

	"github.com/fluxline/procman/pkg/types"
)

// orderFulfillmentModule is a demonstration UserModule: a saga
// that reserves inventory and schedules shipment once an order is
// placed, and stops tracking the order once it completes or is
// cancelled. It exists to give procmand start something runnable out
// of the box; production deployments supply their own UserModule.
type orderFulfillmentModule struct{}

// orderEvent is the minimal envelope every event in this demo carries.
type orderEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

type orderState struct {
	OrderID           string `json:"order_id"`
	InventoryReserved bool   `json:"inventory_reserved"`
	ShipmentDispatched bool  `json:"shipment_dispatched"`
}

func (orderFulfillmentModule) Name() string { return "order-fulfillment" }

func (orderFulfillmentModule) InitialState() interface{} {
	return &orderState{}
}

func (orderFulfillmentModule) Interested(eventData interface{}) types.ClassifierResult {
	ev, ok := decodeOrderEvent(eventData)
	if !ok {
		return types.Ignore()
	}
	switch ev.Type {
	case "OrderPlaced":
		return types.Start(ev.OrderID)
	case "PaymentCaptured", "ShipmentRequested":
		return types.Continue(ev.OrderID)
	case "OrderCompleted", "OrderCancelled":
		return types.Stop(ev.OrderID)
	default:
		return types.Ignore()
	}
}

func (orderFulfillmentModule) Handle(state interface{}, eventData interface{}) ([]types.Command, error) {
	ev, ok := decodeOrderEvent(eventData)
	if !ok {
		return nil, nil
	}
	switch ev.Type {
	case "OrderPlaced":
		return []types.Command{{Name: "ReserveInventory", Payload: ev.OrderID}}, nil
	case "PaymentCaptured":
		return []types.Command{{Name: "DispatchShipment", Payload: ev.OrderID}}, nil
	default:
		return nil, nil
	}
}

func (orderFulfillmentModule) Apply(state interface{}, eventData interface{}) interface{} {
	st, _ := state.(*orderState)
	if st == nil {
		st = &orderState{}
	}
	ev, ok := decodeOrderEvent(eventData)
	if !ok {
		return st
	}
	next := *st
	next.OrderID = ev.OrderID
	switch ev.Type {
	case "PaymentCaptured":
		next.InventoryReserved = true
	case "ShipmentRequested":
		next.ShipmentDispatched = true
	}
	return &next
}

func (orderFulfillmentModule) Error(dispatchErr error, failedCommand types.Command, fc types.FailureContext) types.ErrorResponse {
	attempt, _ := fc.Context.(int)
	if attempt < 2 {
		return types.ErrorResponse{Kind: types.ErrorRetry, Context: attempt + 1}
	}
	return types.ErrorResponse{
		Kind:       types.ErrorStop,
		StopReason: fmt.Errorf("order-fulfillment: giving up on %s after %d retries: %w", failedCommand.Name, attempt, dispatchErr),
	}
}

func decodeOrderEvent(data interface{}) (orderEvent, bool) {
	switch v := data.(type) {
	case orderEvent:
		return v, true
	case json.RawMessage:
		var ev orderEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return orderEvent{}, false
		}
		return ev, true
	case []byte:
		var ev orderEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return orderEvent{}, false
		}
		return ev, true
	default:
		return orderEvent{}, false
	}
}
