package session

import (
	"context"
	"testing"

	"github.com/fleetproto/carserver/internal/wire"
)

func TestStatusPipeline_StaleCounterDropped(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{known: map[uint16]bool{2: true}}
	devices := NewDeviceTable()
	var bumped int
	p := NewStatusPipeline(devices, modules, bus, testLogger(), true, func() { bumped++ }, func() {})

	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	if err := p.Handle(context.Background(), "s1", &wire.Status{SessionID: "s1", Counter: 5, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Handle(context.Background(), "s1", &wire.Status{SessionID: "s1", Counter: 3, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bus.statusResps) != 1 {
		t.Fatalf("expected exactly one status-response (stale status dropped silently), got %d", len(bus.statusResps))
	}
	if bumped != 1 {
		t.Fatalf("expected counter bumped once, got %d", bumped)
	}
}

func TestStatusPipeline_InvalidStatusMarksEntry(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{known: map[uint16]bool{2: true}, forwardRC: 1}
	devices := NewDeviceTable()
	p := NewStatusPipeline(devices, modules, bus, testLogger(), false, func() {}, func() {})

	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	if err := p.Handle(context.Background(), "s1", &wire.Status{SessionID: "s1", Counter: 1, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, ok := devices.Get(dev.Key())
	if !ok || !entry.LastStatusInvalid {
		t.Fatalf("expected device entry to be marked invalid, got %+v", entry)
	}
}
