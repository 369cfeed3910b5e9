package session

import "github.com/fleetproto/carserver/internal/wire"

// DeviceEntry is the Device Table's record for one known device:
// which module owns it, the last status counter accepted from it, and
// whether its most recent status failed module-side validation.
type DeviceEntry struct {
	ModuleID           uint16
	Device             wire.DeviceID
	LastCounter        uint32
	HasCounter         bool
	LastStatusInvalid  bool
}

// DeviceTable tracks every device a session has seen a status from,
// keyed by the device's identity ignoring Priority (spec.md §3). It is
// owned exclusively by the Controller's run loop and is not safe for
// concurrent use.
type DeviceTable struct {
	entries map[wire.DeviceKey]*DeviceEntry
}

// NewDeviceTable returns an empty Device Table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{entries: make(map[wire.DeviceKey]*DeviceEntry)}
}

// Get returns the entry for a device key, if known.
func (t *DeviceTable) Get(key wire.DeviceKey) (*DeviceEntry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// Upsert records device as belonging to moduleID, creating a new entry
// if this is the first status ever seen from it, and returns the entry.
func (t *DeviceTable) Upsert(moduleID uint16, device wire.DeviceID) *DeviceEntry {
	key := device.Key()
	e, ok := t.entries[key]
	if !ok {
		e = &DeviceEntry{ModuleID: moduleID, Device: device}
		t.entries[key] = e
	}
	e.Device = device
	return e
}

// Remove drops a device from the table, e.g. on device_disconnected.
func (t *DeviceTable) Remove(key wire.DeviceKey) {
	delete(t.entries, key)
}

// ForModule returns every device currently attributed to moduleID, in
// no particular order. Used when a module is torn down so its devices
// can be disconnected individually.
func (t *DeviceTable) ForModule(moduleID uint16) []wire.DeviceID {
	var out []wire.DeviceID
	for _, e := range t.entries {
		if e.ModuleID == moduleID {
			out = append(out, e.Device)
		}
	}
	return out
}

// wrapGreater reports whether a is "after" b in a 32-bit cyclic counter
// space, tolerating at most one wrap-around (spec.md §3, §8 scenario 6).
// This is the same signed-difference trick used to compare TCP sequence
// numbers.
func wrapGreater(a, b uint32) bool {
	return int32(a-b) > 0
}
