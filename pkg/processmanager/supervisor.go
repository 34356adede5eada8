package processmanager

import (
	"github.com/fluxline/procman/pkg/dispatcher"
	"github.com/fluxline/procman/pkg/eventstore"
)

// InstanceSupervisor is a thin factory: it creates instances on demand
// and isolates their failures from one another and from the router. Its
// restart strategy is transient. An instance that exits abnormally is
// never automatically restarted here; the owning router decides what an
// abnormal exit means for itself.
type InstanceSupervisor struct {
	facade      eventstore.Facade
	dispatcher  dispatcher.CommandDispatcher
	parkRetries bool
}

// NewInstanceSupervisor creates a supervisor sharing one facade and
// dispatcher across every instance it spawns.
func NewInstanceSupervisor(facade eventstore.Facade, disp dispatcher.CommandDispatcher, parkRetries bool) *InstanceSupervisor {
	return &InstanceSupervisor{facade: facade, dispatcher: disp, parkRetries: parkRetries}
}

// StartInstance spawns a new instance and arranges for its terminal
// reason to be forwarded to router.notifyInstanceDone, the way a
// supervisor's monitor would observe a child's exit.
func (s *InstanceSupervisor) StartInstance(router *Router, processManagerName string, module UserModule, uuid string) *Instance {
	inst := NewInstance(InstanceConfig{
		ProcessManagerName: processManagerName,
		UUID:               uuid,
		Module:             module,
		Facade:             s.facade,
		Dispatcher:         s.dispatcher,
		ParkRetries:        s.parkRetries,
	})
	go func() {
		err := <-inst.Done()
		router.notifyInstanceDone(uuid, err)
	}()
	return inst
}
