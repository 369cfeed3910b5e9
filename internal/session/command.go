package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// ModuleAcker is the subset of the module Registry the Command pipeline
// needs to notify a module once its command has been acknowledged by
// the peer.
type ModuleAcker interface {
	CommandAck(moduleID uint16, device wire.DeviceID, payload []byte) int
}

type pendingCommand struct {
	counter  uint32
	device   wire.DeviceKey
	payload  []byte
	issuedAt time.Time
}

// CommandPipeline implements the outbound command handling described in
// spec.md §4.6: per-module FIFO ordering of in-flight commands, counter
// assignment, the send_invalid_command suppression rule, and matching
// inbound Command-Responses against the head of the correct FIFO.
type CommandPipeline struct {
	devices            *DeviceTable
	acker              ModuleAcker
	bus                Transport
	logger             *slog.Logger
	sendInvalidCommand bool
	timeout            time.Duration
	nextCounter        func() uint32
	fifos              map[uint16][]pendingCommand
}

// NewCommandPipeline builds a CommandPipeline. nextCounter must return
// the session counter's current value and advance it (spec.md §4.6 step
// "counter_value <- session_counter++"). timeout is the command-response
// deadline applied to the head of every module's FIFO (spec.md §6:
// "timeout ... applies to both status and command-response timers");
// zero disables the check.
func NewCommandPipeline(devices *DeviceTable, acker ModuleAcker, bus Transport, logger *slog.Logger, sendInvalidCommand bool, timeout time.Duration, nextCounter func() uint32) *CommandPipeline {
	return &CommandPipeline{
		devices:            devices,
		acker:              acker,
		bus:                bus,
		logger:             logger,
		sendInvalidCommand: sendInvalidCommand,
		timeout:            timeout,
		nextCounter:        nextCounter,
		fifos:              make(map[uint16][]pendingCommand),
	}
}

// Emit handles a command a module produced for one of its devices.
func (p *CommandPipeline) Emit(ctx context.Context, ourSessionID string, cmd ModuleCommand) error {
	key := cmd.Device.Key()
	entry, known := p.devices.Get(key)
	if !known || entry.ModuleID != cmd.ModuleID {
		p.logger.Warn("discarding command for device not owned by module", "module_id", cmd.ModuleID, "device", cmd.Device.Name)
		return nil
	}

	if entry.LastStatusInvalid && !p.sendInvalidCommand {
		p.logger.Info("suppressing command following invalid status", "module_id", cmd.ModuleID, "device", cmd.Device.Name)
		return nil
	}

	counter := p.nextCounter()
	p.fifos[cmd.ModuleID] = append(p.fifos[cmd.ModuleID], pendingCommand{
		counter:  counter,
		device:   key,
		payload:  cmd.Payload,
		issuedAt: time.Now(),
	})

	return p.bus.PublishCommand(ctx, &wire.Command{
		SessionID: ourSessionID,
		Counter:   counter,
		Device:    cmd.Device,
		Payload:   cmd.Payload,
	})
}

// Ack matches an inbound Command-Response against the head of its
// module's FIFO. A response that does not match the oldest outstanding
// command for that module is a protocol violation: the peer has
// acknowledged out of order, or acknowledged something never sent.
func (p *CommandPipeline) Ack(resp *wire.CommandResponse) error {
	moduleID := resp.Device.ModuleID
	queue := p.fifos[moduleID]
	if len(queue) == 0 {
		return fmt.Errorf("command-response for module %d with no outstanding commands", moduleID)
	}
	head := queue[0]
	if head.counter != resp.Counter || head.device != resp.Device.Key() {
		return fmt.Errorf("command-response out of order for module %d: got counter=%d device=%v, expected counter=%d device=%v",
			moduleID, resp.Counter, resp.Device.Key(), head.counter, head.device)
	}
	p.fifos[moduleID] = queue[1:]
	p.acker.CommandAck(moduleID, resp.Device, head.payload)
	return nil
}

// Pending reports the number of commands awaiting acknowledgement for a
// module, used by tests and diagnostics.
func (p *CommandPipeline) Pending(moduleID uint16) int {
	return len(p.fifos[moduleID])
}

// CheckTimeouts implements spec.md §4.6's command-response timeout: if
// the head of any module's FIFO has been waiting longer than timeout
// for its acknowledgement, that is a session-ending condition. Called
// once per tick from the Controller's dispatch loop, alongside the
// status pipeline's own timeout check (spec.md §4.1's "Tick -> both
// pipelines' timeout checks").
func (p *CommandPipeline) CheckTimeouts(now time.Time) error {
	if p.timeout <= 0 {
		return nil
	}
	for moduleID, queue := range p.fifos {
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		if now.Sub(head.issuedAt) > p.timeout {
			return fmt.Errorf("command-response timeout for module %d: counter=%d device=%v issued %s ago",
				moduleID, head.counter, head.device, now.Sub(head.issuedAt))
		}
	}
	return nil
}
