package module

import (
	"sync"
	"testing"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

func TestRuntime_DrainsCommandsFromHandler(t *testing.T) {
	handler := NewMockHandler()
	var mu sync.Mutex
	var emitted []wire.DeviceID
	emit := func(moduleID uint16, device wire.DeviceID, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, device)
	}

	rt := NewRuntime(2, handler, emit, testLogger())
	rt.Start()
	defer rt.Stop()

	dev := wire.DeviceID{ModuleID: 2, DeviceType: 1, Role: "r", Name: "n"}
	handler.PushCommand(dev, []byte{1})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(emitted)
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected command to be drained and emitted")
}

func TestRuntime_StopIsClean(t *testing.T) {
	handler := NewMockHandler()
	rt := NewRuntime(2, handler, func(uint16, wire.DeviceID, []byte) {}, testLogger())
	rt.Start()
	rt.Stop()
}
