/*
Package registry implements the Subscriptions Registry: a process-wide
table mapping handler-name to {consistency level, holder identity,
last-acked position per stream, last-acked global position}, used to
implement read-your-writes ("strong" consistency) waits.

The registry is the single owner of this shared mutable state. Rather
than guard a map with a mutex, one goroutine owns
the state and every operation, including reads, is a closure posted
to that goroutine's mailbox. This keeps register/ack/handled?/purge
trivially serialized without lock juggling, and gives WaitFor a natural
place to park: waiters are just another piece of owned state, each with
its own result channel; every ack re-checks each parked waiter and wakes
those whose predicate now holds.
*/
package registry

import (
	"time"

	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/metrics"
	"github.com/fluxline/procman/pkg/types"
)

// WaitResult is the outcome of WaitFor.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimeout
)

// HandledOpts narrows a Handled/WaitFor predicate.
type HandledOpts struct {
	// Exclude lists handler names to ignore, e.g. so a dispatcher can
	// wait on "every handler but me."
	Exclude []string
	// Only, if non-empty, restricts the predicate to exactly this named
	// subset of handlers. A name in Only that is not a registered
	// strong handler is treated as vacuously satisfied.
	Only []string
}

type streamAck struct {
	version   uint64
	updatedAt time.Time
}

type entry struct {
	handlerName string
	consistency types.Consistency
	holder      string
	perStream   map[string]streamAck
	globalMax   uint64
	updatedAt   time.Time
}

// registryKey lets a handler register under more than one consistency
// level at once; acks for one level never affect the other's view.
type registryKey struct {
	handlerName string
	consistency types.Consistency
}

// HandlerHolder is one row of Registry.All().
type HandlerHolder struct {
	HandlerName string
	Holder      string
}

type waiter struct {
	stream  string
	version uint64
	opts    HandledOpts
	done    chan WaitResult
}

// Registry is the Subscriptions Registry actor.
type Registry struct {
	mailbox chan func()
	stopCh  chan struct{}

	entries map[registryKey]*entry
	waiters map[*waiter]struct{}
}

// New creates and starts a registry actor.
func New() *Registry {
	r := &Registry{
		mailbox: make(chan func(), 64),
		stopCh:  make(chan struct{}),
		entries: make(map[registryKey]*entry),
		waiters: make(map[*waiter]struct{}),
	}
	go r.run()
	return r
}

// Stop shuts down the registry's owning goroutine.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) run() {
	logger := log.WithComponent("registry")
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.stopCh:
			logger.Debug().Msg("registry stopped")
			return
		}
	}
}

// do posts fn to the owning goroutine and blocks until it has run.
func (r *Registry) do(fn func()) {
	done := make(chan struct{})
	r.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Register records a handler under a consistency level. Only handlers
// registered as strong participate in waits and All(); eventual
// handlers are tracked for diagnostics only.
func (r *Registry) Register(handlerName, holder string, consistency types.Consistency) {
	r.do(func() {
		key := registryKey{handlerName, consistency}
		e, ok := r.entries[key]
		if !ok {
			e = &entry{
				handlerName: handlerName,
				consistency: consistency,
				perStream:   make(map[string]streamAck),
			}
			r.entries[key] = e
		}
		e.holder = holder
		e.updatedAt = time.Now()
	})
}

// AckEvent advances a handler's per-stream and global high-water marks.
// Acks are "at least up to" — acking a later version implicitly covers
// all earlier ones. If the handler was never registered at this
// consistency level, AckEvent registers it implicitly with an empty
// holder, so a handler that acks before an explicit Register call still
// participates.
func (r *Registry) AckEvent(handlerName string, consistency types.Consistency, event types.RecordedEvent) {
	r.do(func() {
		key := registryKey{handlerName, consistency}
		e, ok := r.entries[key]
		if !ok {
			e = &entry{
				handlerName: handlerName,
				consistency: consistency,
				perStream:   make(map[string]streamAck),
			}
			r.entries[key] = e
		}

		now := time.Now()
		if cur, exists := e.perStream[event.StreamID]; !exists || event.StreamVersion > cur.version {
			e.perStream[event.StreamID] = streamAck{version: event.StreamVersion, updatedAt: now}
		}
		if event.EventNumber > e.globalMax {
			e.globalMax = event.EventNumber
		}
		e.updatedAt = now

		r.wakeWaitersLocked()
	})
}

// handledLocked evaluates the Handled predicate against current state.
// Must run on the owning goroutine.
func (r *Registry) handledLocked(stream string, version uint64, opts HandledOpts) bool {
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, h := range opts.Exclude {
		excluded[h] = true
	}

	check := func(handlerName string) bool {
		if excluded[handlerName] {
			return true
		}
		key := registryKey{handlerName, types.ConsistencyStrong}
		e, ok := r.entries[key]
		if !ok {
			// Named but not registered: vacuously satisfied.
			return true
		}
		return e.perStream[stream].version >= version
	}

	if len(opts.Only) > 0 {
		for _, h := range opts.Only {
			if !check(h) {
				return false
			}
		}
		return true
	}

	for key := range r.entries {
		if key.consistency != types.ConsistencyStrong {
			continue
		}
		if !check(key.handlerName) {
			return false
		}
	}
	return true
}

// Handled reports whether every relevant strong handler has acked at
// least `version` on `stream`.
func (r *Registry) Handled(stream string, version uint64, opts HandledOpts) bool {
	var result bool
	r.do(func() {
		result = r.handledLocked(stream, version, opts)
	})
	return result
}

// WaitFor blocks until Handled(stream, version, opts) holds or timeout
// elapses. A zero or negative timeout waits forever.
func (r *Registry) WaitFor(stream string, version uint64, opts HandledOpts, timeout time.Duration) WaitResult {
	timer := metrics.NewTimer()
	result := WaitTimeout

	var w *waiter
	r.do(func() {
		if r.handledLocked(stream, version, opts) {
			result = WaitOK
			return
		}
		w = &waiter{stream: stream, version: version, opts: opts, done: make(chan WaitResult, 1)}
		r.waiters[w] = struct{}{}
	})
	if result == WaitOK || w == nil {
		metrics.RegistryWaitDuration.WithLabelValues("ok").Observe(timer.Duration().Seconds())
		return result
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case result = <-w.done:
	case <-timeoutCh:
		result = WaitTimeout
		r.do(func() { delete(r.waiters, w) })
	}

	label := "timeout"
	if result == WaitOK {
		label = "ok"
	}
	metrics.RegistryWaitDuration.WithLabelValues(label).Observe(timer.Duration().Seconds())
	return result
}

// wakeWaitersLocked re-checks every parked waiter and wakes the ones
// whose predicate now holds. Must run on the owning goroutine.
func (r *Registry) wakeWaitersLocked() {
	for w := range r.waiters {
		if r.handledLocked(w.stream, w.version, w.opts) {
			delete(r.waiters, w)
			w.done <- WaitOK
		}
	}
}

// All returns every registered strong handler and its current holder.
func (r *Registry) All() []HandlerHolder {
	var out []HandlerHolder
	r.do(func() {
		for key, e := range r.entries {
			if key.consistency != types.ConsistencyStrong {
				continue
			}
			out = append(out, HandlerHolder{HandlerName: e.handlerName, Holder: e.holder})
		}
	})
	return out
}

// Reset clears all registry state. Test hook.
func (r *Registry) Reset() {
	r.do(func() {
		r.entries = make(map[registryKey]*entry)
		for w := range r.waiters {
			w.done <- WaitTimeout
		}
		r.waiters = make(map[*waiter]struct{})
	})
}

// PurgeExpiredStreams removes per-stream ack entries whose last-updated
// timestamp is older than now-ttl. Global event_number acks are
// unaffected.
func (r *Registry) PurgeExpiredStreams(ttl time.Duration) {
	r.do(func() {
		cutoff := time.Now().Add(-ttl)
		purged := 0
		for _, e := range r.entries {
			for stream, ack := range e.perStream {
				if ack.updatedAt.Before(cutoff) {
					delete(e.perStream, stream)
					purged++
				}
			}
		}
		if purged > 0 {
			metrics.RegistryPurgedStreams.Add(float64(purged))
		}
	})
}
