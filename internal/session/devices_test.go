package session

import (
	"testing"

	"github.com/fleetproto/carserver/internal/wire"
)

func TestDeviceTable_UpsertAndGet(t *testing.T) {
	tbl := NewDeviceTable()
	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n", Priority: 1}

	e := tbl.Upsert(2, dev)
	if e.ModuleID != 2 {
		t.Fatalf("expected module id 2, got %d", e.ModuleID)
	}

	got, ok := tbl.Get(dev.Key())
	if !ok || got != e {
		t.Fatalf("expected to find the same entry back")
	}
}

func TestDeviceTable_KeyIgnoresPriority(t *testing.T) {
	tbl := NewDeviceTable()
	a := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n", Priority: 1}
	b := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n", Priority: 9}

	tbl.Upsert(2, a)
	e := tbl.Upsert(2, b)

	if e.Device.Priority != 9 {
		t.Fatalf("expected upsert to refresh priority, got %+v", e.Device)
	}
	if len(tbl.ForModule(2)) != 1 {
		t.Fatalf("expected a single entry for module 2, got %d", len(tbl.ForModule(2)))
	}
}

func TestDeviceTable_ForModuleAndRemove(t *testing.T) {
	tbl := NewDeviceTable()
	a := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "a"}
	b := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "b"}
	c := wire.DeviceID{ModuleID: 3, DeviceType: 1, Role: "r", Name: "c"}
	tbl.Upsert(2, a)
	tbl.Upsert(2, b)
	tbl.Upsert(3, c)

	if len(tbl.ForModule(2)) != 2 {
		t.Fatalf("expected 2 devices for module 2")
	}

	tbl.Remove(a.Key())
	if len(tbl.ForModule(2)) != 1 {
		t.Fatalf("expected 1 device for module 2 after remove")
	}
	if _, ok := tbl.Get(a.Key()); ok {
		t.Fatalf("expected device a to be gone")
	}
}

func TestWrapGreater(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 0, false},
		{0, 0xFFFFFFFF, true},
		{0xFFFFFFFF, 0, false},
	}
	for _, tc := range cases {
		if got := wrapGreater(tc.a, tc.b); got != tc.want {
			t.Errorf("wrapGreater(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
