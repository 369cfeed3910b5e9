package module

import (
	"fmt"
	"log/slog"

	"github.com/fleetproto/carserver/internal/wire"
)

// Registry owns every Handler configured for one car: the modules
// listed in its common_modules plus its own specific_modules. It
// satisfies session.ModuleForwarder and session.ModuleAcker by
// structural typing, so the session package never imports this one.
type Registry struct {
	logger   *slog.Logger
	runtimes map[uint16]*Runtime
}

// NewRegistry builds an empty Registry; modules are added with Add.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, runtimes: make(map[uint16]*Runtime)}
}

// Add registers a Handler under moduleID and wraps it in a Runtime.
// emit is called whenever the handler produces a command asynchronously.
func (r *Registry) Add(moduleID uint16, handler Handler, emit func(ModuleID uint16, device wire.DeviceID, payload []byte)) *Runtime {
	rt := NewRuntime(moduleID, handler, emit, r.logger)
	r.runtimes[moduleID] = rt
	return rt
}

// Has reports whether moduleID is registered for this car.
func (r *Registry) Has(moduleID uint16) bool {
	_, ok := r.runtimes[moduleID]
	return ok
}

// DeviceConnected forwards to the owning module's handler.
func (r *Registry) DeviceConnected(moduleID uint16, device wire.DeviceID) {
	if rt, ok := r.runtimes[moduleID]; ok {
		rt.handler.DeviceConnected(device)
	}
}

// DeviceDisconnected forwards to the owning module's handler.
func (r *Registry) DeviceDisconnected(moduleID uint16, reason DisconnectReason, device wire.DeviceID) {
	if rt, ok := r.runtimes[moduleID]; ok {
		rt.handler.DeviceDisconnected(reason, device)
	}
}

// ForwardStatus forwards to the owning module's handler, or returns an
// error sentinel (-1) if moduleID is not registered.
func (r *Registry) ForwardStatus(moduleID uint16, device wire.DeviceID, payload []byte) int {
	rt, ok := r.runtimes[moduleID]
	if !ok {
		return -1
	}
	return rt.handler.ForwardStatus(device, payload)
}

// ForwardErrorMessage forwards to the owning module's handler.
func (r *Registry) ForwardErrorMessage(moduleID uint16, device wire.DeviceID, payload []byte) int {
	rt, ok := r.runtimes[moduleID]
	if !ok {
		return -1
	}
	return rt.handler.ForwardErrorMessage(device, payload)
}

// CommandAck forwards to the owning module's handler.
func (r *Registry) CommandAck(moduleID uint16, device wire.DeviceID, payload []byte) int {
	rt, ok := r.runtimes[moduleID]
	if !ok {
		return -1
	}
	return rt.handler.CommandAck(device, payload)
}

// StartAll starts the command-waiting goroutine for every registered module.
func (r *Registry) StartAll() {
	for _, rt := range r.runtimes {
		rt.Start()
	}
}

// StopAll stops every module's command-waiting goroutine and destroys
// its handler, in no particular order.
func (r *Registry) StopAll(reason DisconnectReason) {
	for _, rt := range r.runtimes {
		rt.Stop()
		rt.handler.Destroy()
	}
}

// DisconnectAllDevices notifies every module of every device it still
// owns, according to the supplied lookup. It does not stop the
// runtimes; StopAll does that.
func (r *Registry) DisconnectAllDevices(reason DisconnectReason, devicesForModule func(moduleID uint16) []wire.DeviceID) {
	for moduleID, rt := range r.runtimes {
		for _, device := range devicesForModule(moduleID) {
			rt.handler.DeviceDisconnected(reason, device)
		}
	}
}

func (r *Registry) String() string {
	return fmt.Sprintf("module.Registry{%d modules}", len(r.runtimes))
}
