package processmanager

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/procman/pkg/dispatcher"
	"github.com/fluxline/procman/pkg/eventstore"
	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/metrics"
	"github.com/fluxline/procman/pkg/types"
)

// Acker is how an instance reports that it has fully processed an
// event back to its owning router. Implemented by *Router.
type Acker interface {
	AckEvent(event types.RecordedEvent, instanceUUID string)
}

// InstanceConfig configures a single process manager instance.
type InstanceConfig struct {
	ProcessManagerName string
	UUID               string
	Module             UserModule
	Facade             eventstore.Facade
	Dispatcher         dispatcher.CommandDispatcher
	// ParkRetries, when set, keeps the instance's mailbox free to serve
	// ProcessState reads while a retry delay elapses instead of
	// blocking its goroutine in time.Sleep. Either way the delay never
	// blocks the router or sibling instances.
	ParkRetries bool
}

// Instance is the Process Manager Instance actor: one goroutine
// per process_uuid owning process_state and last_seen_event, fed events
// one at a time through a function mailbox in the shape of the Process
// Router itself (see router.go) and the Subscriptions Registry.
type Instance struct {
	processManagerName string
	uuid               string
	module             UserModule
	facade             eventstore.Facade
	dispatcher         dispatcher.CommandDispatcher
	parkRetries        bool
	logger             zerolog.Logger

	mailbox chan func()
	stopCh  chan struct{}
	doneCh  chan error

	loaded             bool
	pendingWhileLoading []func()

	processState  interface{}
	lastSeenEvent uint64
}

// NewInstance creates and starts an instance, asynchronously loading
// its snapshot (Loading state) before draining any events queued for it
// in the meantime.
func NewInstance(cfg InstanceConfig) *Instance {
	i := &Instance{
		processManagerName: cfg.ProcessManagerName,
		uuid:                cfg.UUID,
		module:              cfg.Module,
		facade:              cfg.Facade,
		dispatcher:          cfg.Dispatcher,
		parkRetries:         cfg.ParkRetries,
		logger:              log.WithInstance(cfg.ProcessManagerName, cfg.UUID),
		mailbox:             make(chan func(), 64),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan error, 1),
		processState:        cfg.Module.InitialState(),
	}
	go i.run()
	go i.loadSnapshot()
	return i
}

// Done reports the instance's terminal reason: nil for a normal
// (Stop or Terminate) exit, non-nil for abnormal termination.
func (i *Instance) Done() <-chan error { return i.doneCh }

// UUID returns the process_uuid this instance was created for.
func (i *Instance) UUID() string { return i.uuid }

func (i *Instance) run() {
	for {
		select {
		case fn := <-i.mailbox:
			fn()
		case <-i.stopCh:
			return
		}
	}
}

// do posts a closure and waits for it to run, unless the instance has
// already stopped.
func (i *Instance) do(fn func()) {
	done := make(chan struct{})
	select {
	case i.mailbox <- func() { fn(); close(done) }:
		<-done
	case <-i.stopCh:
	}
}

func (i *Instance) loadSnapshot() {
	snap, err := i.facade.ReadSnapshot(i.uuid)
	i.do(func() {
		if err == nil {
			i.processState = snap.Data
			i.lastSeenEvent = snap.SourceVersion
		} else if err != eventstore.ErrSnapshotNotFound {
			i.logger.Warn().Err(err).Msg("snapshot read failed, starting from initial state")
		}
		i.loaded = true
		pending := i.pendingWhileLoading
		i.pendingWhileLoading = nil
		for _, fn := range pending {
			fn()
		}
	})
}

// ProcessEvent delivers one event for this instance to handle. It never
// blocks the caller (the router) on the instance's own processing: the
// event is queued if the instance is still Loading, and the eventual
// ack is reported back through acker, asynchronously.
func (i *Instance) ProcessEvent(e types.RecordedEvent, acker Acker) {
	select {
	case i.mailbox <- func() {
		if !i.loaded {
			event := e
			i.pendingWhileLoading = append(i.pendingWhileLoading, func() {
				i.processEventNow(event, acker)
			})
			return
		}
		i.processEventNow(e, acker)
	}:
	case <-i.stopCh:
	}
}

// ProcessState returns a synchronous snapshot of the instance's current
// process_state, for diagnostic/read APIs.
func (i *Instance) ProcessState() interface{} {
	var state interface{}
	i.do(func() { state = i.processState })
	return state
}

// Stop ends this instance's workflow: synchronous, deletes the
// instance's snapshot, and terminates with a normal (nil) reason. Used
// when the classifier declares the correlation finished.
func (i *Instance) Stop() {
	done := make(chan struct{})
	select {
	case i.mailbox <- func() {
		if err := i.facade.DeleteSnapshot(i.uuid); err != nil {
			i.logger.Warn().Err(err).Msg("snapshot delete failed on stop")
		}
		i.finish(nil)
		close(done)
	}:
		<-done
	case <-i.stopCh:
	}
}

// Terminate shuts the instance down without touching its snapshot, so
// a later restart rehydrates from it. Synchronous; normal (nil) reason.
func (i *Instance) Terminate() {
	done := make(chan struct{})
	select {
	case i.mailbox <- func() {
		i.finish(nil)
		close(done)
	}:
		<-done
	case <-i.stopCh:
	}
}

// finish reports the terminal reason and shuts the actor loop down.
// Must run on the instance's own goroutine.
func (i *Instance) finish(reason error) {
	select {
	case i.doneCh <- reason:
	default:
	}
	select {
	case <-i.stopCh:
	default:
		close(i.stopCh)
	}
}

// processEventNow runs the per-event algorithm: handle, dispatch,
// apply, snapshot, ack. Must run on the instance's own goroutine.
func (i *Instance) processEventNow(e types.RecordedEvent, acker Acker) {
	if e.EventNumber != 0 && e.EventNumber <= i.lastSeenEvent {
		acker.AckEvent(e, i.uuid)
		return
	}

	timer := metrics.NewTimer()
	commands, err := i.module.Handle(i.processState, e.Data)
	if err != nil {
		i.logger.Error().Err(err).Msg("handle failed, terminating instance")
		i.finish(err)
		return
	}

	opts := types.DispatchOpts{CausationID: e.EventID, CorrelationID: e.CorrelationID}
	i.stepDispatch(commands, nil, e, opts, func(outcome dispatchOutcome) {
		if outcome.stop {
			i.logger.Error().Err(outcome.reason).Msg("command dispatch stopped, terminating instance")
			i.finish(outcome.reason)
			return
		}

		i.processState = i.module.Apply(i.processState, e.Data)
		i.lastSeenEvent = e.EventNumber
		if err := i.facade.RecordSnapshot(types.SnapshotData{
			SourceUUID:    i.uuid,
			SourceVersion: e.EventNumber,
			SourceType:    i.module.Name(),
			Data:          i.processState,
		}); err != nil {
			i.logger.Error().Err(err).Msg("snapshot persist failed, terminating instance")
			i.finish(err)
			return
		}

		acker.AckEvent(e, i.uuid)
		timer.ObserveDurationVec(metrics.InstanceEventDuration, i.processManagerName)
	})
}

type dispatchOutcome struct {
	stop   bool
	reason error
}

type dispatchComplete func(dispatchOutcome)

// stepDispatch runs the command-dispatch failure policy as a
// resumable step function: on a retry with a positive delay and
// ParkRetries enabled, it schedules its own continuation through the
// instance's mailbox instead of blocking this goroutine, so the
// instance keeps answering ProcessState reads while the delay elapses.
func (i *Instance) stepDispatch(queue []types.Command, ctx interface{}, e types.RecordedEvent, opts types.DispatchOpts, complete dispatchComplete) {
	if len(queue) == 0 {
		complete(dispatchOutcome{})
		return
	}

	cmd := queue[0]
	tail := queue[1:]

	err := i.dispatcher.Dispatch(cmd, opts)
	if err == nil {
		metrics.CommandDispatchTotal.WithLabelValues(i.processManagerName, "success").Inc()
		i.stepDispatch(tail, ctx, e, opts, complete)
		return
	}

	metrics.CommandDispatchTotal.WithLabelValues(i.processManagerName, "failure").Inc()
	prospectiveState := i.module.Apply(i.processState, e.Data)
	fc := types.FailureContext{
		PendingCommands:     tail,
		ProcessManagerState: prospectiveState,
		LastEvent:           e,
		Context:             ctx,
	}
	resp := i.module.Error(err, cmd, fc)

	switch resp.Kind {
	case types.ErrorContinue:
		i.stepDispatch(resp.NewCommands, resp.Context, e, opts, complete)

	case types.ErrorRetry:
		metrics.CommandDispatchRetries.WithLabelValues(i.processManagerName).Inc()
		retryQueue := append([]types.Command{cmd}, tail...)
		if resp.Delay <= 0 {
			i.stepDispatch(retryQueue, resp.Context, e, opts, complete)
			return
		}
		if i.parkRetries {
			time.AfterFunc(resp.Delay, func() {
				i.do(func() { i.stepDispatch(retryQueue, resp.Context, e, opts, complete) })
			})
			return
		}
		time.Sleep(resp.Delay)
		i.stepDispatch(retryQueue, resp.Context, e, opts, complete)

	case types.ErrorSkipDiscardPending:
		// Failed command and its tail are both abandoned; the event is
		// still applied, snapshotted, and acked.
		complete(dispatchOutcome{})

	case types.ErrorSkipContinuePending:
		i.stepDispatch(tail, ctx, e, opts, complete)

	case types.ErrorStop:
		reason := resp.StopReason
		if reason == nil {
			reason = ErrStopUnspecified
		}
		complete(dispatchOutcome{stop: true, reason: reason})

	default:
		complete(dispatchOutcome{stop: true, reason: ErrBadErrorResponse})
	}
}
