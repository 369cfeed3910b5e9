package wire

import (
	"bytes"
	"testing"
)

func sampleDevice() DeviceID {
	return DeviceID{ModuleID: 2, DeviceType: 7, Role: "button", Name: "A", Priority: 1}
}

func TestConnectRoundTrip(t *testing.T) {
	c := &Connect{CompanyName: "acme", CarName: "v1", ModuleIDs: []uint16{2, 7, 9}}
	got, err := UnmarshalConnect(c.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CompanyName != c.CompanyName || got.CarName != c.CarName {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if len(got.ModuleIDs) != 3 || got.ModuleIDs[0] != 2 || got.ModuleIDs[2] != 9 {
		t.Fatalf("module ids mismatch: %+v", got.ModuleIDs)
	}
}

func TestConnectResponseRoundTrip(t *testing.T) {
	r := &ConnectResponse{SessionID: "s", Accepted: true}
	got, err := UnmarshalConnectResponse(r.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != "s" || !got.Accepted {
		t.Fatalf("got %+v", got)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	s := &Status{SessionID: "s", Counter: 41, Device: sampleDevice(), Payload: []byte{0x01, 0x02}}
	got, err := UnmarshalStatus(s.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != s.SessionID || got.Counter != s.Counter {
		t.Fatalf("got %+v", got)
	}
	if got.Device != s.Device {
		t.Fatalf("device mismatch: %+v vs %+v", got.Device, s.Device)
	}
	if !bytes.Equal(got.Payload, s.Payload) {
		t.Fatalf("payload mismatch: %v vs %v", got.Payload, s.Payload)
	}
}

func TestStatusCounterWrap(t *testing.T) {
	s := &Status{SessionID: "s", Counter: 0xFFFFFFFF, Device: sampleDevice()}
	got, err := UnmarshalStatus(s.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Counter != 0xFFFFFFFF {
		t.Fatalf("expected max uint32 counter, got %d", got.Counter)
	}
}

func TestStatusResponseRoundTrip(t *testing.T) {
	r := &StatusResponse{SessionID: "s", Counter: 3, Device: sampleDevice(), Error: ErrorUnknownModule}
	got, err := UnmarshalStatusResponse(r.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error != ErrorUnknownModule {
		t.Fatalf("expected UNKNOWN_MODULE, got %v", got.Error)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	c := &Command{SessionID: "s", Counter: 1, Device: sampleDevice(), Payload: []byte{0x0A, 0x02}}
	got, err := UnmarshalCommand(c.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got.Payload, c.Payload) || got.Counter != c.Counter {
		t.Fatalf("got %+v", got)
	}
}

func TestCommandResponseRoundTrip(t *testing.T) {
	r := &CommandResponse{SessionID: "s", Counter: 1, Device: sampleDevice()}
	got, err := UnmarshalCommandResponse(r.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Counter != 1 || got.Device != r.Device {
		t.Fatalf("got %+v", got)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	d := &Disconnect{SessionID: "s"}
	got, err := UnmarshalDisconnect(d.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != "s" {
		t.Fatalf("got %+v", got)
	}
}

func TestDeviceKeyIgnoresPriority(t *testing.T) {
	a := DeviceID{ModuleID: 2, DeviceType: 7, Role: "button", Name: "A", Priority: 1}
	b := DeviceID{ModuleID: 2, DeviceType: 7, Role: "button", Name: "A", Priority: 9}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys ignoring priority: %+v vs %+v", a.Key(), b.Key())
	}
}
