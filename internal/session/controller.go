// Package session implements the per-car Fleet Protocol session state
// machine: the Event Queue, the Status and Command pipelines, the
// Device Table, and the Controller that ties them together. Exactly
// one goroutine (Controller.Run) owns all session-mutable state; every
// other goroutine in the process communicates with it only by
// enqueuing events, following the single-consumer pattern idiomatic to
// Go session engines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetproto/carserver/internal/wire"
)

// ErrConnectRejected is the cause wrapped into an *Error of kind
// ErrorKindProtocol when the peer rejects the Connect handshake
// (ConnectResponse.Accepted == false). The Supervisor treats this
// specific cause as recoverable: it sleeps
// sleep_duration_after_connection_refused and retries the handshake,
// rather than counting it toward the process exit code the way other
// session errors are.
var ErrConnectRejected = errors.New("connect rejected by peer")

// errStopRequested is returned internally by awaitHandshake and
// awaitInitialization when a Stop arrives before the session reaches
// Running. spec.md §5 describes stop() as level-triggered from any
// thread at any time, not just once Running is reached, so Run treats
// this the same as a Stop observed in the dispatch loop: a clean
// shutdown, not an Error transition.
var errStopRequested = errors.New("stop requested before running")

// Default deadlines applied when Config leaves the corresponding field
// at its zero value (tests construct Config literals directly rather
// than through config.Load, which always supplies a validated value).
const (
	defaultConnectTimeout = 30 * time.Second
	defaultInitTimeout    = 30 * time.Second
	// initTickInterval governs how promptly the Initialized state
	// notices that the initial status burst has settled or that
	// init_timeout has elapsed. It is independent of, and much finer
	// than, the 250 ms tick the dispatch loop uses for the
	// status/command-response timeout checks in Running.
	initTickInterval = 5 * time.Millisecond
)

// State is one position in the Controller's state machine (spec.md §4.1).
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateInitialized
	StateRunning
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config carries the per-car settings the Controller needs that are not
// already embedded in its collaborators.
type Config struct {
	CompanyName        string
	CarName            string
	ModuleIDs          []uint16
	ConnectTimeout     time.Duration
	InitTimeout        time.Duration
	Timeout            time.Duration
	SendInvalidCommand bool
}

// Controller runs one car's Fleet Protocol session end to end: the
// Connect handshake, then dispatch of inbound Status/Command-Response
// frames and outbound module-produced commands, until it is stopped or
// hits a protocol, timeout, resource, or transport error.
type Controller struct {
	cfg     Config
	bus     Transport
	queue   *Queue
	logger  *slog.Logger
	modules ModuleForwarder

	status  *StatusPipeline
	command *CommandPipeline
	devices *DeviceTable

	onRunning func()

	state         State
	sessionID     string
	counter       uint32
	lastStatusAt  time.Time
	stopRequested bool
}

// New builds a Controller. onRunning, if non-nil, is invoked once the
// handshake completes and the Controller enters StateRunning — the
// Supervisor uses it to start the car's module runtimes, which must not
// begin producing commands before a session id exists to tag them with.
func New(cfg Config, bus Transport, queue *Queue, modules ModuleForwarder, acker ModuleAcker, logger *slog.Logger, onRunning func()) *Controller {
	c := &Controller{
		cfg:       cfg,
		bus:       bus,
		queue:     queue,
		logger:    logger,
		modules:   modules,
		devices:   NewDeviceTable(),
		onRunning: onRunning,
		state:     StateUninitialized,
	}
	c.status = NewStatusPipeline(c.devices, modules, bus, logger, cfg.SendInvalidCommand, c.bumpCounterForStatus, c.onStatusAccepted)
	c.command = NewCommandPipeline(c.devices, acker, bus, logger, cfg.SendInvalidCommand, cfg.Timeout, c.nextCounterForCommand)
	return c
}

// State returns the Controller's current state. Safe to call only from
// the Run goroutine or after Run has returned; it exists for tests and
// for the diagnostics server to snapshot under its own synchronization.
func (c *Controller) State() State { return c.state }

// SessionID returns the negotiated session id, valid once State is at
// least StateInitialized.
func (c *Controller) SessionID() string { return c.sessionID }

// DevicesForModule returns every device currently attributed to
// moduleID in the Device Table. The Supervisor calls this during
// teardown to tell each module handler which of its devices are being
// disconnected (spec.md §4.7's device-table-consistency invariant).
func (c *Controller) DevicesForModule(moduleID uint16) []wire.DeviceID {
	return c.devices.ForModule(moduleID)
}

// PendingCommandCounts reports, for every configured module id, how
// many commands are awaiting acknowledgement in that module's FIFO.
// Like State and SessionID, this reads state the Run goroutine owns
// without synchronization; callers outside it (the diagnostics server)
// get a best-effort snapshot, not a consistent one.
func (c *Controller) PendingCommandCounts() map[uint16]int {
	counts := make(map[uint16]int, len(c.cfg.ModuleIDs))
	for _, id := range c.cfg.ModuleIDs {
		counts[id] = c.command.Pending(id)
	}
	return counts
}

func (c *Controller) bumpCounterForStatus() {
	c.counter++
}

func (c *Controller) nextCounterForCommand() uint32 {
	v := c.counter
	c.counter++
	return v
}

func (c *Controller) onStatusAccepted() {
	c.lastStatusAt = time.Now()
}

// Stop requests a graceful shutdown: the run loop will publish a
// best-effort Disconnect and return nil on its next iteration. Safe to
// call from any goroutine; it works by enqueuing a KindStop event.
func (c *Controller) Stop(ctx context.Context) {
	_ = c.queue.Enqueue(ctx, Event{Kind: KindStop})
}

// Run drives the Controller through the Connect handshake and then the
// main event dispatch loop until the session stops or errors. It
// returns nil on a clean shutdown and a non-nil *Error otherwise; on an
// error it logs the cause with the car's identity and the session
// counter, and publishes a best-effort Disconnect.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.disconnect(context.Background())
			c.logger.Error("session error", "company", c.cfg.CompanyName, "car", c.cfg.CarName, "cause", err, "counter", c.counter)
		}
	}()
	c.state = StateConnecting
	if err := c.bus.PublishConnect(ctx, &wire.Connect{
		CompanyName: c.cfg.CompanyName,
		CarName:     c.cfg.CarName,
		ModuleIDs:   c.cfg.ModuleIDs,
	}); err != nil {
		c.state = StateError
		return newError(ErrorKindTransport, err)
	}

	if err := c.awaitHandshake(ctx); err != nil {
		if errors.Is(err, errStopRequested) {
			c.disconnect(ctx)
			c.state = StateStopped
			return nil
		}
		c.state = StateError
		return err
	}

	c.state = StateInitialized
	if err := c.awaitInitialization(ctx); err != nil {
		if errors.Is(err, errStopRequested) {
			c.disconnect(ctx)
			c.state = StateStopped
			return nil
		}
		c.state = StateError
		return err
	}

	c.state = StateRunning
	c.lastStatusAt = time.Now()
	if c.onRunning != nil {
		c.onRunning()
	}
	c.logger.Info("session running", "company", c.cfg.CompanyName, "car", c.cfg.CarName, "session_id", c.sessionID)

	return c.dispatchLoop(ctx)
}

// awaitHandshake implements the Connecting state (spec.md §4.1): it
// waits for the peer's Connect-Response, transitioning to Error if
// none arrives within connect_timeout.
func (c *Controller) awaitHandshake(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return newError(ErrorKindTransport, ctx.Err())
		case <-timer.C:
			return newError(ErrorKindTimeout, fmt.Errorf("no connect-response within %s", timeout))
		case ev := <-c.queue.Events():
			switch ev.Kind {
			case KindConnectResponse:
				if !ev.ConnectResponse.Accepted {
					return newError(ErrorKindProtocol, ErrConnectRejected)
				}
				c.sessionID = ev.ConnectResponse.SessionID
				return nil
			case KindTransportDown:
				return newError(ErrorKindTransport, ev.Err)
			case KindStop:
				return errStopRequested
			default:
				c.logger.Debug("dropping event received before handshake completed", "kind", ev.Kind)
			}
		}
	}
}

// awaitInitialization implements the Initialized state (spec.md §4.1):
// it reads the initial status burst, seeding the Device Table and
// forwarding each status to its module exactly as Running does, until
// the burst settles or init_timeout elapses. The wire protocol carries
// no explicit "burst complete" signal, so settling is detected as one
// full tick passing with a status already seen and no newly-seen
// distinct device since the previous tick; init_timeout is the hard
// cap applied regardless of whether any status ever arrives.
func (c *Controller) awaitInitialization(ctx context.Context) error {
	timeout := c.cfg.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(initTickInterval)
	defer ticker.Stop()

	sawStatus := false
	sawNewDeviceSinceTick := false

	for {
		select {
		case <-ctx.Done():
			return newError(ErrorKindTransport, ctx.Err())

		case now := <-ticker.C:
			if !now.Before(deadline) {
				return nil
			}
			if sawStatus && !sawNewDeviceSinceTick {
				return nil
			}
			sawNewDeviceSinceTick = false

		case ev := <-c.queue.Events():
			switch ev.Kind {
			case KindStatus:
				if ev.Status.SessionID != c.sessionID {
					return newError(ErrorKindProtocol, fmt.Errorf("status carries session id %q, want %q", ev.Status.SessionID, c.sessionID))
				}
				if _, known := c.devices.Get(ev.Status.Device.Key()); !known {
					sawNewDeviceSinceTick = true
				}
				if err := c.status.Handle(ctx, c.sessionID, ev.Status); err != nil {
					return newError(ErrorKindTransport, err)
				}
				sawStatus = true

			case KindTransportDown:
				return newError(ErrorKindTransport, ev.Err)

			case KindStop:
				return errStopRequested

			default:
				c.logger.Debug("dropping event received before initialization completed", "kind", ev.Kind)
			}
		}
	}
}

func (c *Controller) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.disconnect(context.Background())
			c.state = StateStopped
			return nil

		case now := <-ticker.C:
			if c.cfg.Timeout > 0 && now.Sub(c.lastStatusAt) > c.cfg.Timeout {
				err := newError(ErrorKindTimeout, fmt.Errorf("no status received in %s", c.cfg.Timeout))
				c.state = StateError
				return err
			}
			if err := c.command.CheckTimeouts(now); err != nil {
				werr := newError(ErrorKindTimeout, err)
				c.state = StateError
				return werr
			}

		case ev := <-c.queue.Events():
			switch ev.Kind {
			case KindStatus:
				if ev.Status.SessionID != c.sessionID {
					err := newError(ErrorKindProtocol, fmt.Errorf("status carries session id %q, want %q", ev.Status.SessionID, c.sessionID))
					c.state = StateError
					return err
				}
				if err := c.status.Handle(ctx, c.sessionID, ev.Status); err != nil {
					werr := newError(ErrorKindTransport, err)
					c.state = StateError
					return werr
				}

			case KindCommandResponse:
				if ev.CommandResponse.SessionID != c.sessionID {
					err := newError(ErrorKindProtocol, fmt.Errorf("command-response carries session id %q, want %q", ev.CommandResponse.SessionID, c.sessionID))
					c.state = StateError
					return err
				}
				if err := c.command.Ack(ev.CommandResponse); err != nil {
					werr := newError(ErrorKindProtocol, err)
					c.state = StateError
					return werr
				}

			case KindCommandFromModule:
				if err := c.command.Emit(ctx, c.sessionID, ev.ModuleCommand); err != nil {
					werr := newError(ErrorKindTransport, err)
					c.state = StateError
					return werr
				}

			case KindTransportDown:
				err := newError(ErrorKindTransport, ev.Err)
				c.state = StateError
				return err

			case KindStop:
				c.disconnect(ctx)
				c.state = StateStopped
				return nil

			case KindConnectResponse:
				err := newError(ErrorKindProtocol, fmt.Errorf("unexpected connect-response while running"))
				c.state = StateError
				return err
			}
		}
	}
}

func (c *Controller) disconnect(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	if err := c.bus.PublishDisconnect(ctx, &wire.Disconnect{SessionID: c.sessionID}); err != nil {
		c.logger.Warn("best-effort disconnect publish failed", "error", err)
	}
}
