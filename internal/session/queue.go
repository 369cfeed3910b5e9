package session

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// Kind discriminates the events a Controller consumes from its Event
// Queue. The queue is the only path by which bus traffic and module
// command production reach the state machine (timeouts are checked on
// a ticker inside Controller.Run itself): exactly one goroutine
// (Controller.Run) ever reads from it, so nothing downstream of the
// queue needs locking.
type Kind int

const (
	KindConnectResponse Kind = iota
	KindStatus
	KindCommandResponse
	KindCommandFromModule
	KindTick
	KindTransportDown
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindConnectResponse:
		return "connect_response"
	case KindStatus:
		return "status"
	case KindCommandResponse:
		return "command_response"
	case KindCommandFromModule:
		return "command_from_module"
	case KindTick:
		return "tick"
	case KindTransportDown:
		return "transport_down"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// ModuleCommand is a command a module handler produced asynchronously
// for one of its devices, on its way to becoming an outbound wire.Command.
type ModuleCommand struct {
	ModuleID uint16
	Device   wire.DeviceID
	Payload  []byte
}

// Event is the single envelope type carried on the Event Queue.
// Exactly one of the pointer/value fields is meaningful, selected by Kind.
type Event struct {
	Kind            Kind
	ConnectResponse *wire.ConnectResponse
	Status          *wire.Status
	CommandResponse *wire.CommandResponse
	ModuleCommand   ModuleCommand
	Err             error
}

// Queue is the bounded, single-consumer Event Queue described in
// spec.md §4.2. Producers (the bus adapter, module runtimes, Stop)
// enqueue events; exactly one consumer (the Controller's run loop) drains
// them in order.
type Queue struct {
	ch chan Event
}

// NewQueue allocates an Event Queue with the given capacity. A capacity
// of zero gives an unbuffered queue; the Supervisor uses a fixed
// capacity of 256.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan Event, capacity)}
}

// Enqueue places ev on the queue, waiting up to the queue's capacity
// allows. If the queue is full and stays full until ctx is done, Enqueue
// returns an error. The callers (the bus adapter and the module
// command path) log that error and drop the event; a full queue does
// not move the session to Error.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event queue full: %w", ctx.Err())
	}
}

// EnqueueTimeout is a convenience wrapper around Enqueue with a relative
// deadline, used by producers that do not already carry a context.
func (q *Queue) EnqueueTimeout(ev Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.Enqueue(ctx, ev)
}

// Events exposes the receive side of the queue to the Controller's run loop.
func (q *Queue) Events() <-chan Event {
	return q.ch
}
