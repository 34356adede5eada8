// Package dispatcher defines the Command Dispatcher contract
// consumed by process instances, plus a reference in-process
// implementation useful for tests and local wiring.
package dispatcher

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxline/procman/pkg/types"
)

// CommandDispatcher routes one command to whatever aggregate/command
// router owns it and reports success or failure. There is no
// exactly-once delivery: implementations must tolerate being called
// more than once for the same command.
type CommandDispatcher interface {
	Dispatch(cmd types.Command, opts types.DispatchOpts) error
}

// Handler processes one command payload and returns an error to
// simulate a failed dispatch.
type Handler func(cmd types.Command, opts types.DispatchOpts) error

// InProcessDispatcher is a reference CommandDispatcher that routes by
// command name to a registered Handler. It passes the command through
// unchanged and assigns no command id (see NewCommandID). It exists so the
// runtime is runnable and testable without a real command-routing
// layer; production deployments supply their own CommandDispatcher.
type InProcessDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewInProcessDispatcher creates a dispatcher with no registered
// handlers; Dispatch on an unregistered command name falls through to
// the fallback handler if one is set, or returns an error.
func NewInProcessDispatcher() *InProcessDispatcher {
	return &InProcessDispatcher{handlers: make(map[string]Handler)}
}

// Register binds a command name to a handler.
func (d *InProcessDispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// SetFallback sets the handler used for command names with no
// registered handler.
func (d *InProcessDispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Dispatch implements CommandDispatcher.
func (d *InProcessDispatcher) Dispatch(cmd types.Command, opts types.DispatchOpts) error {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name]
	fallback := d.fallback
	d.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return fmt.Errorf("dispatcher: no handler registered for command %q", cmd.Name)
		}
		h = fallback
	}
	return h(cmd, opts)
}

// NewCommandID returns a fresh command identifier, the way the
// reference dispatcher tags commands it can't otherwise correlate.
func NewCommandID() string {
	return uuid.NewString()
}
