package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetproto/carserver/internal/config"
	"github.com/fleetproto/carserver/internal/module"
	"github.com/fleetproto/carserver/internal/obsevents"
	"github.com/fleetproto/carserver/internal/session"
	"github.com/fleetproto/carserver/internal/wire"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testSupervisor(loader ModuleLoader) *Supervisor {
	return &Supervisor{
		logger: testLogger(),
		events: obsevents.New(),
		loader: loader,
		cars:   make(map[string]*car),
	}
}

// failingHandler's Init always fails, to exercise loadModules' error path
// without adding an Init-error field to module.MockHandler that no
// production code needs.
type failingHandler struct{ module.MockHandler }

func (f *failingHandler) Init(map[string]any) error { return errors.New("boom") }

func TestLoadModules_WiresCommonAndSpecific(t *testing.T) {
	var loaded []string
	loader := func(libPath string) (module.Handler, error) {
		loaded = append(loaded, libPath)
		return module.NewMockHandler(), nil
	}

	s := testSupervisor(loader)
	registry := module.NewRegistry(s.logger)
	queue := session.NewQueue(4)

	common := map[string]config.ModuleConfig{"1": {LibPath: "common.so"}}
	specific := map[string]config.ModuleConfig{"2": {LibPath: "specific.so"}}

	ids, err := s.loadModules(registry, queue, "testcar", common, specific)
	if err != nil {
		t.Fatalf("loadModules: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 module ids, got %v", ids)
	}
	if !registry.Has(1) || !registry.Has(2) {
		t.Fatal("expected both module ids registered")
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 libraries loaded, got %v", loaded)
	}
}

func TestLoadModules_PropagatesInitError(t *testing.T) {
	loader := func(libPath string) (module.Handler, error) { return &failingHandler{}, nil }

	s := testSupervisor(loader)
	registry := module.NewRegistry(s.logger)
	queue := session.NewQueue(4)

	_, err := s.loadModules(registry, queue, "testcar", map[string]config.ModuleConfig{"1": {}}, nil)
	if err == nil {
		t.Fatal("expected init error to propagate")
	}
}

func TestLoadModules_RejectsUnparseableModuleID(t *testing.T) {
	loader := func(libPath string) (module.Handler, error) { return module.NewMockHandler(), nil }
	s := testSupervisor(loader)
	registry := module.NewRegistry(s.logger)
	queue := session.NewQueue(4)

	_, err := s.loadModules(registry, queue, "testcar", map[string]config.ModuleConfig{"not-a-number": {}}, nil)
	if err == nil {
		t.Fatal("expected error for unparseable module id")
	}
}

func TestLoadModules_EmitForwardsToQueue(t *testing.T) {
	handler := module.NewMockHandler()
	loader := func(libPath string) (module.Handler, error) { return handler, nil }

	s := testSupervisor(loader)
	registry := module.NewRegistry(s.logger)
	queue := session.NewQueue(4)

	if _, err := s.loadModules(registry, queue, "testcar", map[string]config.ModuleConfig{"1": {}}, nil); err != nil {
		t.Fatalf("loadModules: %v", err)
	}

	registry.StartAll()
	defer registry.StopAll(module.DisconnectShutdown)

	handler.PushCommand(wire.DeviceID{ModuleID: 1, Role: "ignition"}, []byte("payload"))

	select {
	case ev := <-queue.Events():
		if ev.Kind != session.KindCommandFromModule {
			t.Fatalf("expected KindCommandFromModule, got %v", ev.Kind)
		}
		if ev.ModuleCommand.ModuleID != 1 {
			t.Fatalf("expected module id 1, got %d", ev.ModuleCommand.ModuleID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for module command on queue")
	}
}

func TestIsConnectRejected(t *testing.T) {
	rejected := &session.Error{Kind: session.ErrorKindProtocol, Cause: session.ErrConnectRejected}
	if !isConnectRejected(rejected) {
		t.Fatal("expected rejected connect to be recognized")
	}

	other := &session.Error{Kind: session.ErrorKindTimeout, Cause: context.DeadlineExceeded}
	if isConnectRejected(other) {
		t.Fatal("did not expect timeout error to be recognized as connect-rejected")
	}
}

func TestDisconnectReasonFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want module.DisconnectReason
	}{
		{"clean shutdown", nil, module.DisconnectShutdown},
		{"timeout", &session.Error{Kind: session.ErrorKindTimeout, Cause: context.DeadlineExceeded}, module.DisconnectTimeout},
		{"protocol error", &session.Error{Kind: session.ErrorKindProtocol, Cause: errors.New("bad frame")}, module.DisconnectError},
		{"resource error", &session.Error{Kind: session.ErrorKindResource, Cause: errors.New("queue full")}, module.DisconnectError},
		{"transport error", &session.Error{Kind: session.ErrorKindTransport, Cause: errors.New("lost connection")}, module.DisconnectError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := disconnectReasonFor(tc.err); got != tc.want {
				t.Fatalf("disconnectReasonFor(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
