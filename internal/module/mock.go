package module

import (
	"sync"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// pendingMockCommand is one command a MockHandler will hand back from GetCommand.
type pendingMockCommand struct {
	device  wire.DeviceID
	payload []byte
}

// MockHandler is an in-memory Handler used by tests: it records every
// call it receives and lets
// the test push commands for WaitForCommand/GetCommand to drain.
type MockHandler struct {
	mu sync.Mutex

	InitConfig    map[string]any
	Connected     []wire.DeviceID
	Disconnected  []wire.DeviceID
	ForwardedOK   []wire.DeviceID
	ForwardedErr  []wire.DeviceID
	Acked         []wire.DeviceID
	Destroyed     bool
	ForwardRC     int
	AckRC         int

	pending  []pendingMockCommand
	notifyCh chan struct{}
}

// NewMockHandler returns a ready-to-use MockHandler.
func NewMockHandler() *MockHandler {
	return &MockHandler{notifyCh: make(chan struct{}, 1)}
}

func (m *MockHandler) Init(config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitConfig = config
	return nil
}

func (m *MockHandler) DeviceConnected(device wire.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = append(m.Connected, device)
}

func (m *MockHandler) DeviceDisconnected(reason DisconnectReason, device wire.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Disconnected = append(m.Disconnected, device)
}

func (m *MockHandler) ForwardStatus(device wire.DeviceID, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForwardedOK = append(m.ForwardedOK, device)
	return m.ForwardRC
}

func (m *MockHandler) ForwardErrorMessage(device wire.DeviceID, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForwardedErr = append(m.ForwardedErr, device)
	return m.ForwardRC
}

// PushCommand queues a command as if the module's own logic had
// produced it, waking up any in-progress WaitForCommand call.
func (m *MockHandler) PushCommand(device wire.DeviceID, payload []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, pendingMockCommand{device: device, payload: payload})
	m.mu.Unlock()
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *MockHandler) WaitForCommand(timeout time.Duration) int {
	m.mu.Lock()
	n := len(m.pending)
	m.mu.Unlock()
	if n > 0 {
		return n
	}
	select {
	case <-m.notifyCh:
	case <-time.After(timeout):
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MockHandler) GetCommand() (wire.DeviceID, []byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return wire.DeviceID{}, nil, 0, nil
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	return next.device, next.payload, len(m.pending), nil
}

func (m *MockHandler) CommandAck(device wire.DeviceID, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = append(m.Acked, device)
	return m.AckRC
}

func (m *MockHandler) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Destroyed = true
}
