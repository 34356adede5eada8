package processmanager

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fluxline/procman/pkg/dispatcher"
	"github.com/fluxline/procman/pkg/eventstore"
	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/metrics"
	"github.com/fluxline/procman/pkg/registry"
	"github.com/fluxline/procman/pkg/types"
)

type routerState int

const (
	routerInitializing routerState = iota
	routerRunning
	routerStopping
)

type ackMsg struct {
	eventNumber  uint64
	instanceUUID string
}

type instanceDoneMsg struct {
	uuid string
	err  error
}

// ProcessInstanceHandle names one live instance of a router.
type ProcessInstanceHandle struct {
	UUID     string
	Instance *Instance
}

// RouterConfig configures a single process-manager definition's router.
type RouterConfig struct {
	Name             string
	Module           UserModule
	Dispatcher       dispatcher.CommandDispatcher
	Facade           eventstore.Facade
	Registry         *registry.Registry // nil: this router does not participate in read-your-writes waits
	HolderIdentity   string
	Consistency      types.Consistency
	StartFrom        types.StartFrom
	MaxPendingEvents int // 0 = unbounded
	ParkRetries      bool
}

// Router is the Process Router actor: one goroutine per
// process-manager definition, owning the subscription, the
// pending_events queue, and the instance table. It is both an
// eventstore.Listener (receiving subscription callbacks) and an Acker
// (receiving instance acks), funneling both into the same mailbox-style
// serialized loop used by Instance and registry.Registry.
type Router struct {
	name             string
	module           UserModule
	dispatcher       dispatcher.CommandDispatcher
	facade           eventstore.Facade
	reg              *registry.Registry
	holderIdentity   string
	consistency      types.Consistency
	startFrom        types.StartFrom
	maxPendingEvents int
	supervisor       *InstanceSupervisor
	logger           zerolog.Logger

	state         routerState
	sub           eventstore.Subscription
	lastSeenEvent uint64
	instances     map[string]*Instance
	pendingAcks   map[uint64]map[string]bool
	pendingEvents []types.RecordedEvent
	headDispatched bool
	stopReason    error
	roomWaiters   []chan struct{}

	subscribedCh   chan eventstore.Subscription
	eventsCh       chan []types.RecordedEvent
	droppedCh      chan error
	ackCh          chan ackMsg
	instanceDoneCh chan instanceDoneMsg
	queryCh        chan func()
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// StartRouter creates a router and immediately starts it subscribing
// and draining events.
func StartRouter(cfg RouterConfig) *Router {
	r := &Router{
		name:             cfg.Name,
		module:           cfg.Module,
		dispatcher:       cfg.Dispatcher,
		facade:           cfg.Facade,
		reg:              cfg.Registry,
		holderIdentity:   cfg.HolderIdentity,
		consistency:      cfg.Consistency,
		startFrom:        cfg.StartFrom,
		maxPendingEvents: cfg.MaxPendingEvents,
		supervisor:       NewInstanceSupervisor(cfg.Facade, cfg.Dispatcher, cfg.ParkRetries),
		logger:           log.WithRouter(cfg.Name),
		instances:        make(map[string]*Instance),
		pendingAcks:      make(map[uint64]map[string]bool),
		subscribedCh:     make(chan eventstore.Subscription, 1),
		eventsCh:         make(chan []types.RecordedEvent, 64),
		droppedCh:        make(chan error, 1),
		ackCh:            make(chan ackMsg, 256),
		instanceDoneCh:   make(chan instanceDoneMsg, 16),
		queryCh:          make(chan func(), 16),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	go r.run()
	go r.subscribe()
	return r
}

func (r *Router) subscribe() {
	if _, err := r.facade.SubscribeToAll(r.name, r.startFrom, r); err != nil {
		select {
		case r.droppedCh <- fmt.Errorf("%w: %w", ErrSubscribeFailed, err):
		case <-r.doneCh:
		}
	}
}

// OnSubscribed implements eventstore.Listener.
func (r *Router) OnSubscribed(sub eventstore.Subscription) {
	select {
	case r.subscribedCh <- sub:
	case <-r.doneCh:
	}
}

// OnEvents implements eventstore.Listener. When MaxPendingEvents is
// configured, it blocks the subscription's own delivery goroutine until
// pending_events has drained back under the high-water mark, rather
// than growing pendingEvents without bound.
func (r *Router) OnEvents(batch []types.RecordedEvent) {
	if r.maxPendingEvents > 0 {
		r.waitForRoom()
	}
	select {
	case r.eventsCh <- batch:
	case <-r.doneCh:
	}
}

// waitForRoom blocks the calling (subscription) goroutine until the
// router's pending_events depth is under maxPendingEvents. It never
// touches router state directly: it registers a waiter through queryCh,
// the same cross-goroutine read/write path ProcessInstance uses, and
// run() wakes waiters from drain() once room frees up.
func (r *Router) waitForRoom() {
	for {
		ready := make(chan struct{})
		hasRoom := false
		done := make(chan struct{})
		select {
		case r.queryCh <- func() {
			hasRoom = r.registerRoomWaiter(ready)
			close(done)
		}:
			<-done
		case <-r.doneCh:
			return
		}
		if hasRoom {
			return
		}
		select {
		case <-ready:
		case <-r.doneCh:
			return
		}
	}
}

// registerRoomWaiter must run on the router's own goroutine (via
// queryCh). It reports true if there is already room, otherwise parks
// ch to be closed by wakeRoomWaiters once pending_events drains.
func (r *Router) registerRoomWaiter(ch chan struct{}) bool {
	if len(r.pendingEvents) < r.maxPendingEvents {
		return true
	}
	r.roomWaiters = append(r.roomWaiters, ch)
	metrics.RouterBackpressured.WithLabelValues(r.name).Set(1)
	r.logger.Warn().Int("pending_events", len(r.pendingEvents)).Int("max_pending_events", r.maxPendingEvents).
		Msg("router backpressured: pausing subscription delivery")
	return false
}

// wakeRoomWaiters must run on the router's own goroutine. Called
// whenever pendingEvents shrinks; releases every parked waiter once
// depth is back under the mark.
func (r *Router) wakeRoomWaiters() {
	if len(r.roomWaiters) == 0 {
		return
	}
	if r.maxPendingEvents > 0 && len(r.pendingEvents) >= r.maxPendingEvents {
		return
	}
	for _, ch := range r.roomWaiters {
		close(ch)
	}
	r.roomWaiters = nil
	metrics.RouterBackpressured.WithLabelValues(r.name).Set(0)
}

// OnDropped implements eventstore.Listener.
func (r *Router) OnDropped(err error) {
	select {
	case r.droppedCh <- err:
	case <-r.doneCh:
	}
}

// AckEvent implements Acker: an instance calls this once it has fully
// processed an event.
func (r *Router) AckEvent(event types.RecordedEvent, instanceUUID string) {
	select {
	case r.ackCh <- ackMsg{eventNumber: event.EventNumber, instanceUUID: instanceUUID}:
	case <-r.doneCh:
	}
}

func (r *Router) notifyInstanceDone(uuid string, err error) {
	select {
	case r.instanceDoneCh <- instanceDoneMsg{uuid: uuid, err: err}:
	case <-r.doneCh:
	}
}

// Stop shuts the router down: it terminates every live instance (their
// snapshots are kept) and closes the subscription, then blocks until it
// has. Events still queued in pending_events are not processed.
func (r *Router) Stop() {
	select {
	case r.stopCh <- struct{}{}:
	case <-r.doneCh:
	}
	<-r.doneCh
}

// Done reports when the router has fully stopped.
func (r *Router) Done() <-chan struct{} { return r.doneCh }

// Err returns the router's stop reason; only meaningful after Done is
// closed. Nil means an explicit, orderly Stop.
func (r *Router) Err() error { return r.stopReason }

// ProcessInstance looks up one live instance by process_uuid.
func (r *Router) ProcessInstance(uuid string) (*Instance, bool) {
	var inst *Instance
	var ok bool
	done := make(chan struct{})
	select {
	case r.queryCh <- func() {
		inst, ok = r.instances[uuid]
		close(done)
	}:
		<-done
	case <-r.doneCh:
	}
	return inst, ok
}

// ProcessInstances lists every live instance this router owns.
func (r *Router) ProcessInstances() []ProcessInstanceHandle {
	var out []ProcessInstanceHandle
	done := make(chan struct{})
	select {
	case r.queryCh <- func() {
		for uuid, inst := range r.instances {
			out = append(out, ProcessInstanceHandle{UUID: uuid, Instance: inst})
		}
		close(done)
	}:
		<-done
	case <-r.doneCh:
	}
	return out
}

func (r *Router) run() {
	defer close(r.doneCh)
	for {
		select {
		case sub := <-r.subscribedCh:
			r.sub = sub
			r.state = routerRunning
			if r.reg != nil {
				r.reg.Register(r.name, r.holderIdentity, r.consistency)
			}

		case batch := <-r.eventsCh:
			r.onBatch(batch)

		case ack := <-r.ackCh:
			r.onAck(ack)

		case d := <-r.instanceDoneCh:
			r.onInstanceDone(d)
			if r.state == routerStopping {
				return
			}

		case fn := <-r.queryCh:
			fn()

		case err := <-r.droppedCh:
			r.logger.Error().Err(err).Msg("subscription dropped, stopping router")
			r.stopReason = err
			r.shutdown()
			return

		case <-r.stopCh:
			r.shutdown()
			return
		}
	}
}

func (r *Router) onBatch(batch []types.RecordedEvent) {
	for _, e := range batch {
		if e.EventNumber <= r.lastSeenEvent {
			continue
		}
		r.pendingEvents = append(r.pendingEvents, e)
	}
	metrics.RouterPendingEvents.WithLabelValues(r.name).Set(float64(len(r.pendingEvents)))
	r.drain()
}

func (r *Router) onAck(ack ackMsg) {
	set := r.pendingAcks[ack.eventNumber]
	if set != nil {
		delete(set, ack.instanceUUID)
	}
	r.drain()
}

func (r *Router) onInstanceDone(d instanceDoneMsg) {
	delete(r.instances, d.uuid)
	metrics.InstancesActive.WithLabelValues(r.name).Set(float64(len(r.instances)))
	if d.err != nil {
		r.logger.Error().Err(d.err).Str("process_uuid", d.uuid).Msg("instance exited abnormally, stopping router")
		r.stopReason = d.err
		r.state = routerStopping
		r.shutdown()
		return
	}
	// A normally exited instance can no longer ack; drop it from any
	// pending set so the head does not wait on it forever.
	for _, set := range r.pendingAcks {
		delete(set, d.uuid)
	}
	r.drain()
}

// drain processes pending_events strictly head-of-queue: only the head
// event is ever in flight, so a slow instance addressed by the head
// holds up every event behind it. That is the ordering cost of a
// totally-ordered cursor.
func (r *Router) drain() {
	for len(r.pendingEvents) > 0 {
		head := r.pendingEvents[0]

		// A duplicate can reach the queue when a subscription replays
		// its backlog concurrently with live delivery; never classify an
		// event at or behind the cursor a second time.
		if !r.headDispatched && head.EventNumber <= r.lastSeenEvent {
			r.pendingEvents = r.pendingEvents[1:]
			r.wakeRoomWaiters()
			continue
		}

		if !r.headDispatched {
			timer := metrics.NewTimer()
			r.handleEvent(head)
			r.headDispatched = true
			timer.ObserveDurationVec(metrics.RouterDrainDuration, r.name)
		}

		if len(r.pendingAcks[head.EventNumber]) > 0 {
			return
		}

		delete(r.pendingAcks, head.EventNumber)
		r.pendingEvents = r.pendingEvents[1:]
		r.headDispatched = false
		r.advance(head)
		r.wakeRoomWaiters()
	}
	metrics.RouterPendingEvents.WithLabelValues(r.name).Set(0)
}

// handleEvent classifies one event and either delegates it to one or
// more instances (recording them in pendingAcks) or resolves it
// synchronously (Ignore, Stop).
func (r *Router) handleEvent(e types.RecordedEvent) {
	result := r.module.Interested(e.Data).Normalize()
	switch result.Action {
	case types.ClassifierStart, types.ClassifierContinue:
		set := make(map[string]bool, len(result.UUIDs))
		for _, uuid := range result.UUIDs {
			inst, ok := r.instances[uuid]
			if !ok {
				inst = r.supervisor.StartInstance(r, r.name, r.module, uuid)
				r.instances[uuid] = inst
				metrics.InstancesActive.WithLabelValues(r.name).Set(float64(len(r.instances)))
			}
			inst.ProcessEvent(e, r)
			set[uuid] = true
		}
		r.pendingAcks[e.EventNumber] = set

	case types.ClassifierStop:
		for _, uuid := range result.UUIDs {
			if inst, ok := r.instances[uuid]; ok {
				inst.Stop()
				delete(r.instances, uuid)
			}
		}
		metrics.InstancesActive.WithLabelValues(r.name).Set(float64(len(r.instances)))

	case types.ClassifierIgnore:
		// No delegation: drain treats this head as immediately acked.
	}
}

func (r *Router) advance(e types.RecordedEvent) {
	r.lastSeenEvent = e.EventNumber
	if r.sub != nil {
		if err := r.facade.AckEvent(r.sub, e); err != nil {
			r.logger.Error().Err(err).Msg("facade ack failed")
		}
	}
	if r.reg != nil {
		r.reg.AckEvent(r.name, r.consistency, e)
	}
	metrics.RouterLastSeenEvent.WithLabelValues(r.name).Set(float64(e.EventNumber))
}

// shutdown terminates every live instance synchronously and closes the
// subscription. Instances keep their snapshots: a restarted router
// rehydrates them from where they left off. Must run on the router's
// own goroutine.
func (r *Router) shutdown() {
	for uuid, inst := range r.instances {
		inst.Terminate()
		delete(r.instances, uuid)
	}
	if r.sub != nil {
		_ = r.sub.Close()
	}
	r.logger.Info().Err(r.stopReason).Msg("router stopped")
}
