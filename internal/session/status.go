package session

import (
	"context"
	"log/slog"

	"github.com/fleetproto/carserver/internal/wire"
)

// ModuleForwarder is the subset of the module Registry the Status and
// Command pipelines depend on. Defined here, rather than imported from
// the module package, so session stays free of a dependency on it; the
// module package's Registry satisfies this interface.
type ModuleForwarder interface {
	Has(moduleID uint16) bool
	DeviceConnected(moduleID uint16, device wire.DeviceID)
	ForwardStatus(moduleID uint16, device wire.DeviceID, payload []byte) int
	ForwardErrorMessage(moduleID uint16, device wire.DeviceID, payload []byte) int
}

// Transport is the subset of the bus Adapter the Controller depends on
// to publish outbound frames. Defined here so session has no import of
// the bus package; bus.Adapter satisfies this interface.
type Transport interface {
	PublishConnect(ctx context.Context, f *wire.Connect) error
	PublishStatusResponse(ctx context.Context, f *wire.StatusResponse) error
	PublishCommand(ctx context.Context, f *wire.Command) error
	PublishDisconnect(ctx context.Context, f *wire.Disconnect) error
}

// StatusPipeline implements the inbound Status-frame handling described
// in spec.md §4.5: module validation, stale-counter rejection, dispatch
// to the owning module, and the mandatory Status-Response. The session
// id is checked by the Controller before Handle is called.
type StatusPipeline struct {
	devices            *DeviceTable
	modules            ModuleForwarder
	bus                Transport
	logger             *slog.Logger
	sendInvalidCommand bool
	bumpCounter        func()
	onAccepted         func()
}

// NewStatusPipeline builds a StatusPipeline. bumpCounter is invoked once
// per status actually forwarded to a module (spec.md §3); onAccepted is
// invoked once per status accepted, so the Controller can reset its
// last-status timer.
func NewStatusPipeline(devices *DeviceTable, modules ModuleForwarder, bus Transport, logger *slog.Logger, sendInvalidCommand bool, bumpCounter, onAccepted func()) *StatusPipeline {
	return &StatusPipeline{
		devices:            devices,
		modules:            modules,
		bus:                bus,
		logger:             logger,
		sendInvalidCommand: sendInvalidCommand,
		bumpCounter:        bumpCounter,
		onAccepted:         onAccepted,
	}
}

// Handle processes one inbound Status frame already known to carry the
// session's own session id (the Controller checks that before calling
// in). It returns an error only when publishing the Status-Response
// fails, which the Controller treats as a transport error; everything
// else is handled inline per spec.
func (p *StatusPipeline) Handle(ctx context.Context, ourSessionID string, f *wire.Status) error {
	key := f.Device.Key()

	if !p.modules.Has(f.Device.ModuleID) {
		p.logger.Warn("status from unknown module", "module_id", f.Device.ModuleID, "device", f.Device.Name)
		return p.bus.PublishStatusResponse(ctx, &wire.StatusResponse{
			SessionID: ourSessionID,
			Counter:   f.Counter,
			Device:    f.Device,
			Error:     wire.ErrorUnknownModule,
		})
	}

	entry, known := p.devices.Get(key)
	if known && entry.HasCounter && !wrapGreater(f.Counter, entry.LastCounter) {
		p.logger.Debug("dropping stale status", "device", f.Device.Name, "counter", f.Counter, "last", entry.LastCounter)
		return nil
	}

	if !known {
		entry = p.devices.Upsert(f.Device.ModuleID, f.Device)
		p.modules.DeviceConnected(f.Device.ModuleID, f.Device)
	}
	entry.LastCounter = f.Counter
	entry.HasCounter = true

	var rc int
	if f.IsError {
		rc = p.modules.ForwardErrorMessage(f.Device.ModuleID, f.Device, f.Payload)
	} else {
		rc = p.modules.ForwardStatus(f.Device.ModuleID, f.Device, f.Payload)
	}
	p.bumpCounter()
	entry.LastStatusInvalid = rc != 0
	if rc != 0 {
		p.logger.Warn("module rejected status payload", "module_id", f.Device.ModuleID, "device", f.Device.Name, "rc", rc)
	}

	if err := p.bus.PublishStatusResponse(ctx, &wire.StatusResponse{
		SessionID: ourSessionID,
		Counter:   f.Counter,
		Device:    f.Device,
	}); err != nil {
		return err
	}
	p.onAccepted()
	return nil
}
