package session

import (
	"context"
	"testing"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

func TestCommandPipeline_EmitAssignsAndIncrementsCounter(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	devices.Upsert(2, dev)

	var counter uint32 = 0xFFFFFFFF
	next := func() uint32 { v := counter; counter++; return v }
	p := NewCommandPipeline(devices, modules, bus, testLogger(), true, 0, next)

	if err := p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev, Payload: []byte{1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev, Payload: []byte{2}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bus.commands) != 2 {
		t.Fatalf("expected 2 commands published, got %d", len(bus.commands))
	}
	if bus.commands[0].Counter != 0xFFFFFFFF {
		t.Fatalf("expected first command counter to be max uint32, got %d", bus.commands[0].Counter)
	}
	if bus.commands[1].Counter != 0 {
		t.Fatalf("expected second command counter to wrap to 0, got %d", bus.commands[1].Counter)
	}
}

func TestCommandPipeline_DiscardsCommandForUnownedDevice(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	devices.Upsert(2, dev)

	p := NewCommandPipeline(devices, modules, bus, testLogger(), true, 0, func() uint32 { return 0 })
	if err := p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 99, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bus.commands) != 0 {
		t.Fatalf("expected command to be discarded, got %d published", len(bus.commands))
	}
}

func TestCommandPipeline_SuppressesCommandAfterInvalidStatus(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	entry := devices.Upsert(2, dev)
	entry.LastStatusInvalid = true

	p := NewCommandPipeline(devices, modules, bus, testLogger(), false, 0, func() uint32 { return 0 })
	if err := p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bus.commands) != 0 {
		t.Fatalf("expected command to be suppressed, got %d published", len(bus.commands))
	}
}

func TestCommandPipeline_AckRejectsOutOfOrder(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	devices.Upsert(2, dev)

	var counter uint32
	p := NewCommandPipeline(devices, modules, bus, testLogger(), true, 0, func() uint32 { v := counter; counter++; return v })
	p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev})

	if err := p.Ack(&wire.CommandResponse{SessionID: "s1", Counter: 99, Device: dev}); err == nil {
		t.Fatal("expected error for mismatched ack")
	}
	if err := p.Ack(&wire.CommandResponse{SessionID: "s1", Counter: 0, Device: dev}); err != nil {
		t.Fatalf("unexpected error on matching ack: %v", err)
	}
	if p.Pending(2) != 0 {
		t.Fatalf("expected no pending commands after ack, got %d", p.Pending(2))
	}
}

func TestCommandPipeline_CheckTimeoutsErrorsPastDeadline(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	devices.Upsert(2, dev)

	p := NewCommandPipeline(devices, modules, bus, testLogger(), true, 5*time.Millisecond, func() uint32 { return 0 })
	if err := p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.CheckTimeouts(time.Now()); err != nil {
		t.Fatalf("expected no timeout immediately after emit, got %v", err)
	}
	if err := p.CheckTimeouts(time.Now().Add(10 * time.Millisecond)); err == nil {
		t.Fatal("expected a timeout error once the deadline has elapsed")
	}

	if err := p.Ack(&wire.CommandResponse{SessionID: "s1", Counter: 0, Device: dev}); err != nil {
		t.Fatalf("unexpected error on ack: %v", err)
	}
	if err := p.CheckTimeouts(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("expected no timeout once the FIFO is empty, got %v", err)
	}
}

func TestCommandPipeline_CheckTimeoutsDisabledWhenZero(t *testing.T) {
	bus := &fakeBus{}
	modules := &fakeModules{}
	devices := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	devices.Upsert(2, dev)

	p := NewCommandPipeline(devices, modules, bus, testLogger(), true, 0, func() uint32 { return 0 })
	p.Emit(context.Background(), "s1", ModuleCommand{ModuleID: 2, Device: dev})

	if err := p.CheckTimeouts(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("expected timeout checks disabled when timeout is zero, got %v", err)
	}
}
