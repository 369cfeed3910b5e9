// Package module implements the device-module handler ABI described in
// spec.md §5: one Handler instance per configured module id, loaded
// either from a compiled Go plugin or, in tests, from an in-memory mock.
package module

import (
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// DisconnectReason classifies why device_disconnected was called for a
// device, per spec.md §5.2.
type DisconnectReason int

const (
	// DisconnectTimeout: the device's owning session hit one of its
	// timeouts and is tearing down.
	DisconnectTimeout DisconnectReason = iota
	// DisconnectError: the session is tearing down due to a protocol,
	// resource, or transport error.
	DisconnectError
	// DisconnectShutdown: the process is shutting down cleanly.
	DisconnectShutdown
)

// Handler is the ABI a device-module library implements. A single
// Handler value owns all state for one configured module id; the
// receiver itself plays the role the C ABI calls "handle".
// WaitForCommand and GetCommand are called from the module's own
// Runtime goroutine, so the command pipeline never stalls waiting on a
// module that has nothing to say; the other methods are called from
// the car's session goroutine via the Registry.
type Handler interface {
	// Init prepares the handler with its module-specific configuration
	// (spec.md §6's ModuleConfig.Config), decoded from JSON into a
	// generic map because each module defines its own schema.
	Init(config map[string]any) error

	// DeviceConnected is called the first time a status is seen from device.
	DeviceConnected(device wire.DeviceID)

	// DeviceDisconnected is called for each device still in the Device
	// Table when the session is tearing down.
	DeviceDisconnected(reason DisconnectReason, device wire.DeviceID)

	// ForwardStatus delivers a non-error status payload. A non-zero
	// return indicates the module rejected the payload as invalid.
	ForwardStatus(device wire.DeviceID, payload []byte) int

	// ForwardErrorMessage delivers an error-flagged status payload. A
	// non-zero return indicates the module rejected the payload.
	ForwardErrorMessage(device wire.DeviceID, payload []byte) int

	// WaitForCommand blocks up to timeout for the module to have a
	// command ready, returning the number of commands now queued (0 on
	// timeout, negative on a fatal internal error that ends the module's
	// command-producing life).
	WaitForCommand(timeout time.Duration) int

	// GetCommand pops one ready command. remaining is the number still
	// queued after this one is popped.
	GetCommand() (device wire.DeviceID, payload []byte, remaining int, err error)

	// CommandAck notifies the module that the peer acknowledged a
	// command it produced for device. A non-zero return is logged but
	// does not affect the session.
	CommandAck(device wire.DeviceID, payload []byte) int

	// Destroy releases any resources the handler holds. Called exactly
	// once, after the module's Runtime goroutine has stopped.
	Destroy()
}
