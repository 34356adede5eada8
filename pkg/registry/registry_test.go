package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluxline/procman/pkg/types"
)

func TestRegisterAndAll(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("order-fulfillment", "node-1", types.ConsistencyStrong)
	r.Register("billing-projection", "node-1", types.ConsistencyEventual)

	all := r.All()
	assert.Len(t, all, 1, "only strong handlers are listed")
	assert.Equal(t, "order-fulfillment", all[0].HandlerName)
	assert.Equal(t, "node-1", all[0].Holder)
}

func TestHandledVacuousForUnregisteredHandler(t *testing.T) {
	r := New()
	defer r.Stop()

	assert.True(t, r.Handled("order-123", 1, HandledOpts{Only: []string{"never-registered"}}))
}

func TestAckEventAdvancesHighWaterMark(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("order-fulfillment", "node-1", types.ConsistencyStrong)
	assert.False(t, r.Handled("order-123", 3, HandledOpts{}))

	r.AckEvent("order-fulfillment", types.ConsistencyStrong, types.RecordedEvent{
		EventNumber: 10, StreamID: "order-123", StreamVersion: 3,
	})
	assert.True(t, r.Handled("order-123", 3, HandledOpts{}))
	assert.True(t, r.Handled("order-123", 2, HandledOpts{}), "acking a later version covers earlier ones")
	assert.False(t, r.Handled("order-123", 4, HandledOpts{}))
}

func TestAckEventImplicitlyRegisters(t *testing.T) {
	r := New()
	defer r.Stop()

	r.AckEvent("late-registrant", types.ConsistencyStrong, types.RecordedEvent{
		EventNumber: 1, StreamID: "order-123", StreamVersion: 1,
	})
	assert.True(t, r.Handled("order-123", 1, HandledOpts{Only: []string{"late-registrant"}}))
}

func TestHandledExcludeOpt(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("slow-handler", "node-1", types.ConsistencyStrong)
	assert.False(t, r.Handled("order-123", 1, HandledOpts{}))
	assert.True(t, r.Handled("order-123", 1, HandledOpts{Exclude: []string{"slow-handler"}}))
}

func TestWaitForWakesOnAck(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("order-fulfillment", "node-1", types.ConsistencyStrong)

	resultCh := make(chan WaitResult, 1)
	go func() {
		resultCh <- r.WaitFor("order-123", 1, HandledOpts{}, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.AckEvent("order-fulfillment", types.ConsistencyStrong, types.RecordedEvent{
		EventNumber: 1, StreamID: "order-123", StreamVersion: 1,
	})

	select {
	case result := <-resultCh:
		assert.Equal(t, WaitOK, result)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not wake up after ack")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("order-fulfillment", "node-1", types.ConsistencyStrong)
	result := r.WaitFor("order-123", 1, HandledOpts{}, 30*time.Millisecond)
	assert.Equal(t, WaitTimeout, result)
}

func TestPurgeExpiredStreams(t *testing.T) {
	r := New()
	defer r.Stop()

	r.AckEvent("order-fulfillment", types.ConsistencyStrong, types.RecordedEvent{
		EventNumber: 1, StreamID: "order-123", StreamVersion: 1,
	})
	assert.True(t, r.Handled("order-123", 1, HandledOpts{}))

	r.PurgeExpiredStreams(0) // ttl 0 means "everything older than now" purges immediately
	assert.False(t, r.Handled("order-123", 1, HandledOpts{}))
}

func TestReset(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Register("order-fulfillment", "node-1", types.ConsistencyStrong)
	r.Reset()
	assert.Empty(t, r.All())
}
