package bus

import (
	"context"
	"sync"

	"github.com/fleetproto/carserver/internal/session"
	"github.com/fleetproto/carserver/internal/wire"
)

// Mock is an in-memory session.Transport used in tests: Publish* calls
// record frames instead of touching a broker, and test code injects
// inbound frames directly onto the sink via its InjectX helpers. This
// is the "second concrete Bus Adapter" a session.Controller can be
// driven through without a live MQTT broker.
type Mock struct {
	sink *session.Queue

	mu               sync.Mutex
	Connects         []*wire.Connect
	StatusResponses  []*wire.StatusResponse
	Commands         []*wire.Command
	Disconnects      []*wire.Disconnect
}

// NewMock builds a Mock transport that feeds sink.
func NewMock(sink *session.Queue) *Mock {
	return &Mock{sink: sink}
}

func (m *Mock) PublishConnect(ctx context.Context, f *wire.Connect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connects = append(m.Connects, f)
	return nil
}

func (m *Mock) PublishStatusResponse(ctx context.Context, f *wire.StatusResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusResponses = append(m.StatusResponses, f)
	return nil
}

func (m *Mock) PublishCommand(ctx context.Context, f *wire.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, f)
	return nil
}

func (m *Mock) PublishDisconnect(ctx context.Context, f *wire.Disconnect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Disconnects = append(m.Disconnects, f)
	return nil
}

// InjectConnectResponse pushes a peer-originated ConnectResponse onto
// the sink, as the Adapter's handleInbound would after decoding one
// off the wire.
func (m *Mock) InjectConnectResponse(ctx context.Context, f *wire.ConnectResponse) error {
	return m.sink.Enqueue(ctx, session.Event{Kind: session.KindConnectResponse, ConnectResponse: f})
}

// InjectStatus pushes a peer-originated Status frame onto the sink.
func (m *Mock) InjectStatus(ctx context.Context, f *wire.Status) error {
	return m.sink.Enqueue(ctx, session.Event{Kind: session.KindStatus, Status: f})
}

// InjectCommandResponse pushes a peer-originated CommandResponse onto the sink.
func (m *Mock) InjectCommandResponse(ctx context.Context, f *wire.CommandResponse) error {
	return m.sink.Enqueue(ctx, session.Event{Kind: session.KindCommandResponse, CommandResponse: f})
}
