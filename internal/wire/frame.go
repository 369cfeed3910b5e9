// Package wire defines the Fleet Protocol frame types exchanged between
// the car-server engine and a vehicle-resident module gateway, and
// encodes/decodes them in protobuf wire format using
// google.golang.org/protobuf's low-level encoding/protowire primitives.
//
// There is no .proto schema or protoc-generated message type here: the
// wire layout below is hand-authored field-by-field using the same
// tag/varint/length-delimited encoding protoc would produce for an
// equivalent message definition, which keeps frames byte-compatible
// with any protobuf-based peer while avoiding a build-time codegen
// step this environment cannot run. See DESIGN.md for the rationale.
package wire

// ErrorCode is carried on a StatusResponse frame when the status could
// not be forwarded to a module.
type ErrorCode uint32

const (
	// ErrorNone indicates the status was accepted and forwarded.
	ErrorNone ErrorCode = 0
	// ErrorUnknownModule indicates the status named a module id that
	// is not registered for this car (spec.md §4.5).
	ErrorUnknownModule ErrorCode = 1
)

// DeviceID identifies a logical endpoint on the vehicle: the module
// that owns it, its device type, its role within that type, and a
// human-readable name. Priority is mutable metadata used only when a
// module must choose among several candidate devices for a role.
type DeviceID struct {
	ModuleID   uint16
	DeviceType uint32
	Role       string
	Name       string
	Priority   uint32
}

// Key returns the comparable identity of a device, ignoring Priority
// (spec.md §3: "Two devices are considered the same when the first
// four fields match").
func (d DeviceID) Key() DeviceKey {
	return DeviceKey{ModuleID: d.ModuleID, DeviceType: d.DeviceType, Role: d.Role, Name: d.Name}
}

// DeviceKey is the comparable (first four field) identity of a DeviceID,
// suitable as a map key for the Device Table.
type DeviceKey struct {
	ModuleID   uint16
	DeviceType uint32
	Role       string
	Name       string
}

// Connect is published by the engine on entry to the Connecting state.
// It carries the car's identity and the module ids it has registered
// locally, so the peer can validate the handshake against its own
// configuration.
type Connect struct {
	CompanyName string
	CarName     string
	ModuleIDs   []uint16
}

// ConnectResponse is the peer's reply to Connect. SessionID is the
// opaque identifier the peer generates for this connection; every
// subsequent frame in both directions must carry it.
type ConnectResponse struct {
	SessionID string
	Accepted  bool
}

// Status is an inbound frame carrying one device's status payload (or
// an error-type payload when IsError is set).
type Status struct {
	SessionID string
	Counter   uint32
	Device    DeviceID
	IsError   bool
	Payload   []byte
}

// StatusResponse acknowledges a Status frame, echoing its counter and
// device, and carrying an ErrorCode when the status was rejected.
type StatusResponse struct {
	SessionID string
	Counter   uint32
	Device    DeviceID
	Error     ErrorCode
}

// Command is published by the engine when a module produces a command
// for one of its devices.
type Command struct {
	SessionID string
	Counter   uint32
	Device    DeviceID
	Payload   []byte
}

// CommandResponse is the peer's acknowledgement of a Command frame.
type CommandResponse struct {
	SessionID string
	Counter   uint32
	Device    DeviceID
}

// Disconnect is published best-effort by the engine when a session that
// has a negotiated session id ends in Stopped or Error.
type Disconnect struct {
	SessionID string
}
