package module

import (
	"log/slog"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// pollTimeout bounds each WaitForCommand call, so the Runtime's
// goroutine can observe Stop promptly even while a module has nothing
// to report (mirrors connwatch.Watcher's bounded probe-then-check loop).
const pollTimeout = 2 * time.Second

// Runtime owns the single goroutine that drains a module's
// asynchronously produced commands by calling WaitForCommand/GetCommand
// in a loop and handing each one to emit. Every other Handler method is
// called synchronously from the Controller's own goroutine via the
// Registry, so a module's Handler only ever needs to guard against
// concurrent use between this loop and those direct calls.
type Runtime struct {
	moduleID uint16
	handler  Handler
	emit     func(moduleID uint16, device wire.DeviceID, payload []byte)
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewRuntime builds a Runtime. Call Start to begin draining commands.
func NewRuntime(moduleID uint16, handler Handler, emit func(moduleID uint16, device wire.DeviceID, payload []byte), logger *slog.Logger) *Runtime {
	return &Runtime{
		moduleID: moduleID,
		handler:  handler,
		emit:     emit,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the command-draining goroutine. Safe to call once.
func (rt *Runtime) Start() {
	rt.started = true
	go rt.run()
}

// Stop signals the goroutine to exit and waits for it to do so. If
// Start was never called, Stop returns at once.
func (rt *Runtime) Stop() {
	close(rt.stopCh)
	if rt.started {
		<-rt.doneCh
	}
}

func (rt *Runtime) run() {
	defer close(rt.doneCh)

	for {
		select {
		case <-rt.stopCh:
			return
		default:
		}

		rc := rt.handler.WaitForCommand(pollTimeout)
		switch {
		case rc < 0:
			rt.logger.Error("module command loop terminating after fatal error", "module_id", rt.moduleID, "rc", rc)
			return
		case rc == 0:
			continue
		default:
			rt.drain()
		}
	}
}

func (rt *Runtime) drain() {
	for {
		device, payload, remaining, err := rt.handler.GetCommand()
		if err != nil {
			rt.logger.Warn("module get_command failed", "module_id", rt.moduleID, "error", err)
			return
		}
		rt.emit(rt.moduleID, device, payload)
		if remaining <= 0 {
			return
		}
	}
}
