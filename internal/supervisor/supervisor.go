// Package supervisor owns every configured car's session end to end:
// it builds each car's module Registry, Bus Adapter, Event Queue, and
// session Controller from config.Config, runs one goroutine per car,
// and aggregates terminal errors into a process exit code. It is the
// one place that wires the session, module, and bus packages together.
// session and module do not import each other, and none of the three
// imports this package; bus imports session for its Event Queue.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/fleetproto/carserver/internal/audit"
	"github.com/fleetproto/carserver/internal/bus"
	"github.com/fleetproto/carserver/internal/config"
	"github.com/fleetproto/carserver/internal/connwatch"
	"github.com/fleetproto/carserver/internal/diag"
	"github.com/fleetproto/carserver/internal/module"
	"github.com/fleetproto/carserver/internal/obsevents"
	"github.com/fleetproto/carserver/internal/session"
	"github.com/fleetproto/carserver/internal/wire"
)

const eventQueueCapacity = 256

// ModuleLoader resolves a module's lib_path to a Handler. Production
// wiring uses module.LoadPlugin; tests substitute an in-memory loader
// so they never touch the stdlib plugin package.
type ModuleLoader func(libPath string) (module.Handler, error)

// car holds one configured car's wired-together runtime.
type car struct {
	company string
	name    string

	queue      *session.Queue
	registry   *module.Registry
	controller *session.Controller
	adapter    *bus.Adapter
	watcher    *connwatch.Watcher

	mu      sync.Mutex
	lastErr error
}

// Supervisor runs every configured car's session concurrently.
type Supervisor struct {
	logger  *slog.Logger
	events  *obsevents.Bus
	audit   *audit.Store
	watch   *connwatch.Manager
	loader  ModuleLoader
	tlsCfg  bus.TLSConfig
	dataDir string

	mu   sync.RWMutex
	cars map[string]*car
}

// New builds a Supervisor for every car in cfg.Cars, loading each
// configured module's Handler via loader (module.LoadPlugin in
// production) and initializing it with its ModuleConfig.Config. It
// returns an error if any module fails to load or initialize — a
// configuration/resource failure that must stop the process before any
// session starts.
func New(cfg *config.Config, tlsCfg bus.TLSConfig, loader ModuleLoader, auditStore *audit.Store, events *obsevents.Bus, logger *slog.Logger) (*Supervisor, error) {
	if loader == nil {
		loader = module.LoadPlugin
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		logger:  logger,
		events:  events,
		audit:   auditStore,
		watch:   connwatch.NewManager(logger),
		loader:  loader,
		tlsCfg:  tlsCfg,
		dataDir: cfg.DataDir,
		cars:    make(map[string]*car),
	}

	for carName, carCfg := range cfg.Cars {
		c, err := s.buildCar(cfg, carName, carCfg)
		if err != nil {
			return nil, fmt.Errorf("car %q: %w", carName, err)
		}
		s.cars[carName] = c
	}

	return s, nil
}

func (s *Supervisor) buildCar(cfg *config.Config, carName string, carCfg config.CarConfig) (*car, error) {
	clientID, err := bus.LoadOrCreateClientID(cfg.DataDir, carName)
	if err != nil {
		return nil, fmt.Errorf("mqtt client id: %w", err)
	}

	registry := module.NewRegistry(s.logger.With("car", carName))
	queue := session.NewQueue(eventQueueCapacity)

	moduleIDs, err := s.loadModules(registry, queue, carName, cfg.CommonModules, carCfg.SpecificModules)
	if err != nil {
		return nil, err
	}
	sort.Slice(moduleIDs, func(i, j int) bool { return moduleIDs[i] < moduleIDs[j] })

	adapter := bus.NewAdapter(bus.Config{
		CompanyName:    cfg.CompanyName,
		CarName:        carName,
		BrokerAddr:     cfg.MQTTAddress,
		BrokerPort:     cfg.MQTTPort,
		ClientID:       clientID,
		TLS:            s.tlsCfg,
		ConnectTimeout: time.Duration(cfg.MQTTTimeout) * time.Second,
	}, queue, s.logger.With("car", carName))

	sessCfg := session.Config{
		CompanyName:        cfg.CompanyName,
		CarName:            carName,
		ModuleIDs:          moduleIDs,
		ConnectTimeout:     time.Duration(cfg.ConnectTimeout) * time.Second,
		InitTimeout:        time.Duration(cfg.InitTimeout) * time.Second,
		Timeout:            time.Duration(cfg.Timeout) * time.Second,
		SendInvalidCommand: cfg.SendInvalidCommand,
	}

	c := &car{company: cfg.CompanyName, name: carName, queue: queue, registry: registry, adapter: adapter}
	c.controller = session.New(sessCfg, adapter, queue, registry, registry, s.logger.With("car", carName), func() {
		registry.StartAll()
		s.events.Publish(obsevents.Event{Timestamp: time.Now(), Source: obsevents.SourceSession, Kind: obsevents.KindStateChanged,
			Data: map[string]any{"car": carName, "to": session.StateRunning.String()}})
	})

	brokerAddr := fmt.Sprintf("%s:%d", cfg.MQTTAddress, cfg.MQTTPort)
	c.watcher = s.watch.Watch(context.Background(), connwatch.WatcherConfig{
		Name:    fmt.Sprintf("mqtt-broker(%s)", carName),
		Probe:   tcpProbe(brokerAddr),
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  s.logger,
		OnDown: func(err error) {
			s.events.Publish(obsevents.Event{Timestamp: time.Now(), Source: obsevents.SourceBus, Kind: obsevents.KindBusDisconnected,
				Data: map[string]any{"car": carName, "error": err.Error()}})
		},
		OnReady: func() {
			s.events.Publish(obsevents.Event{Timestamp: time.Now(), Source: obsevents.SourceBus, Kind: obsevents.KindBusConnected,
				Data: map[string]any{"car": carName}})
		},
	})

	return c, nil
}

// loadModules loads and initializes every module for one car (the
// union of common_modules and the car's specific_modules) and
// registers each against registry, wiring its asynchronous command
// production back onto the car's Event Queue.
func (s *Supervisor) loadModules(registry *module.Registry, queue *session.Queue, carName string, common, specific map[string]config.ModuleConfig) ([]uint16, error) {
	var ids []uint16

	load := func(set map[string]config.ModuleConfig) error {
		for key, mc := range set {
			var id uint16
			if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
				return fmt.Errorf("module id %q: %w", key, err)
			}

			handler, err := s.loader(mc.LibPath)
			if err != nil {
				return fmt.Errorf("load module %d: %w", id, err)
			}
			if err := handler.Init(mc.Config); err != nil {
				return fmt.Errorf("init module %d: %w", id, err)
			}

			emit := func(moduleID uint16, device wire.DeviceID, payload []byte) {
				ev := session.Event{Kind: session.KindCommandFromModule, ModuleCommand: session.ModuleCommand{
					ModuleID: moduleID, Device: device, Payload: payload,
				}}
				if err := queue.EnqueueTimeout(ev, 5*time.Second); err != nil {
					s.logger.Error("module command dropped: event queue full", "car", carName, "module_id", moduleID, "error", err)
				}
			}

			registry.Add(id, handler, emit)
			s.events.Publish(obsevents.Event{Timestamp: time.Now(), Source: obsevents.SourceModule, Kind: obsevents.KindModuleLoaded,
				Data: map[string]any{"car": carName, "module_id": id, "lib_path": mc.LibPath}})
			ids = append(ids, id)
		}
		return nil
	}

	if err := load(common); err != nil {
		return nil, err
	}
	if err := load(specific); err != nil {
		return nil, err
	}
	return ids, nil
}

func tcpProbe(addr string) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Run starts every car's session and blocks until ctx is cancelled or
// every car's goroutine has returned. It returns the first non-nil
// terminal session error encountered (spec.md §6: process exit code is
// non-zero on any car's unrecoverable error), after every goroutine has
// had a chance to shut down cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	cars := make([]*car, 0, len(s.cars))
	for _, c := range s.cars {
		cars = append(cars, c)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(cars))

	for _, c := range cars {
		wg.Add(1)
		go func(c *car) {
			defer wg.Done()
			errCh <- s.runCar(ctx, c)
		}(c)
	}

	wg.Wait()
	close(errCh)
	s.watch.Stop()

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Supervisor) runCar(ctx context.Context, c *car) error {
	if err := s.audit.Record(ctx, audit.Record{Company: c.company, Car: c.name, Kind: audit.KindSessionStarted}); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}

	for {
		if err := c.adapter.Start(ctx); err != nil {
			c.setErr(err)
			return err
		}

		err := c.controller.Run(ctx)
		if !isConnectRejected(err) {
			reason := disconnectReasonFor(err)
			c.registry.DisconnectAllDevices(reason, c.controller.DevicesForModule)
			c.registry.StopAll(reason)
		}
		_ = c.adapter.Stop(context.Background())

		if err == nil {
			s.recordStop(ctx, c, audit.KindSessionStopped, "")
			return nil
		}

		if ctx.Err() != nil {
			s.recordStop(ctx, c, audit.KindSessionStopped, err.Error())
			return nil
		}

		if isConnectRejected(err) {
			s.logger.Warn("connect rejected by peer; retrying after backoff", "car", c.name)
			s.recordStop(ctx, c, audit.KindSessionError, err.Error())
			select {
			case <-time.After(connectRefusedSleep):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.setErr(err)
		s.recordStop(ctx, c, audit.KindSessionError, err.Error())
		s.events.Publish(obsevents.Event{Timestamp: time.Now(), Source: obsevents.SourceSession, Kind: obsevents.KindStateChanged,
			Data: map[string]any{"car": c.name, "to": session.StateError.String(), "error": err.Error()}})
		return err
	}
}

// connectRefusedSleep is set by the Supervisor constructor's caller
// (cmd/carserver) from config.Config.SleepDurationAfterConnRefused
// before Run is first called.
var connectRefusedSleep = 5 * time.Second

// SetConnectRefusedSleep overrides the delay applied before retrying a
// rejected Connect handshake (config.Config's
// sleep_duration_after_connection_refused).
func SetConnectRefusedSleep(d time.Duration) {
	connectRefusedSleep = d
}

func isConnectRejected(err error) bool {
	serr, ok := err.(*session.Error)
	if !ok {
		return false
	}
	return serr.Kind == session.ErrorKindProtocol && serr.Unwrap() == session.ErrConnectRejected
}

// disconnectReasonFor maps a session's terminal error to the reason code
// passed to each module's device_disconnected calls during teardown
// (spec.md §4.4: "announced, timeout, or error"). A nil error (clean
// Stop()) or a context cancellation is an announced shutdown.
func disconnectReasonFor(err error) module.DisconnectReason {
	serr, ok := err.(*session.Error)
	if !ok {
		return module.DisconnectShutdown
	}
	if errors.Is(err, context.Canceled) {
		return module.DisconnectShutdown
	}
	if serr.Kind == session.ErrorKindTimeout {
		return module.DisconnectTimeout
	}
	return module.DisconnectError
}

func (c *car) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (s *Supervisor) recordStop(ctx context.Context, c *car, kind audit.Kind, detail string) {
	if err := s.audit.Record(ctx, audit.Record{Company: c.company, Car: c.name, SessionID: c.controller.SessionID(), Kind: kind, Detail: detail}); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}

// Snapshot implements diag.SessionSource: a point-in-time view of every
// car's session for the diagnostics server.
func (s *Supervisor) Snapshot() []diag.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]diag.SessionSnapshot, 0, len(s.cars))
	for _, c := range s.cars {
		pending := make(map[string]int)
		for moduleID, n := range c.controller.PendingCommandCounts() {
			pending[fmt.Sprintf("%d", moduleID)] = n
		}
		out = append(out, diag.SessionSnapshot{
			Company:         c.company,
			Car:             c.name,
			State:           c.controller.State().String(),
			SessionID:       c.controller.SessionID(),
			PendingCommands: pending,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Car < out[j].Car })
	return out
}
