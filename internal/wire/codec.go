package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for DeviceID, kept stable across all frame kinds that
// embed a device as a nested length-delimited message.
const (
	fieldDeviceModuleID   protowire.Number = 1
	fieldDeviceType       protowire.Number = 2
	fieldDeviceRole       protowire.Number = 3
	fieldDeviceName       protowire.Number = 4
	fieldDevicePriority   protowire.Number = 5
)

func appendDevice(b []byte, num protowire.Number, d DeviceID) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldDeviceModuleID, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.ModuleID))
	inner = protowire.AppendTag(inner, fieldDeviceType, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.DeviceType))
	inner = protowire.AppendTag(inner, fieldDeviceRole, protowire.BytesType)
	inner = protowire.AppendString(inner, d.Role)
	inner = protowire.AppendTag(inner, fieldDeviceName, protowire.BytesType)
	inner = protowire.AppendString(inner, d.Name)
	inner = protowire.AppendTag(inner, fieldDevicePriority, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.Priority))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func consumeDevice(b []byte) (DeviceID, error) {
	var d DeviceID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("wire: bad device tag: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldDeviceModuleID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, fmt.Errorf("wire: bad module_id: %w", errWireCode(n))
			}
			d.ModuleID = uint16(v)
			b = b[n:]
		case fieldDeviceType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, fmt.Errorf("wire: bad device_type: %w", errWireCode(n))
			}
			d.DeviceType = uint32(v)
			b = b[n:]
		case fieldDeviceRole:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return d, fmt.Errorf("wire: bad role: %w", errWireCode(n))
			}
			d.Role = v
			b = b[n:]
		case fieldDeviceName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return d, fmt.Errorf("wire: bad name: %w", errWireCode(n))
			}
			d.Name = v
			b = b[n:]
		case fieldDevicePriority:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, fmt.Errorf("wire: bad priority: %w", errWireCode(n))
			}
			d.Priority = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("wire: skip unknown device field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return d, nil
}

// Field numbers for the top-level frame kinds. Each frame type owns
// its own number space (there is no shared oneof wrapper — the Bus
// Adapter picks the decoder from the MQTT topic's frame suffix).
const (
	fieldConnectCompany protowire.Number = 1
	fieldConnectCar     protowire.Number = 2
	fieldConnectModules protowire.Number = 3

	fieldConnRespSession  protowire.Number = 1
	fieldConnRespAccepted protowire.Number = 2

	fieldStatusSession protowire.Number = 1
	fieldStatusCounter protowire.Number = 2
	fieldStatusDevice  protowire.Number = 3
	fieldStatusIsError protowire.Number = 4
	fieldStatusPayload protowire.Number = 5

	fieldStatusRespSession protowire.Number = 1
	fieldStatusRespCounter protowire.Number = 2
	fieldStatusRespDevice  protowire.Number = 3
	fieldStatusRespError   protowire.Number = 4

	fieldCommandSession protowire.Number = 1
	fieldCommandCounter protowire.Number = 2
	fieldCommandDevice  protowire.Number = 3
	fieldCommandPayload protowire.Number = 4

	fieldCommandRespSession protowire.Number = 1
	fieldCommandRespCounter protowire.Number = 2
	fieldCommandRespDevice  protowire.Number = 3

	fieldDisconnectSession protowire.Number = 1
)

// Marshal encodes c in protobuf wire format.
func (c *Connect) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldConnectCompany, protowire.BytesType)
	b = protowire.AppendString(b, c.CompanyName)
	b = protowire.AppendTag(b, fieldConnectCar, protowire.BytesType)
	b = protowire.AppendString(b, c.CarName)
	for _, id := range c.ModuleIDs {
		b = protowire.AppendTag(b, fieldConnectModules, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

// UnmarshalConnect decodes a Connect frame.
func UnmarshalConnect(b []byte) (*Connect, error) {
	c := &Connect{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: connect: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldConnectCompany:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect.company_name: %w", errWireCode(n))
			}
			c.CompanyName = v
			b = b[n:]
		case fieldConnectCar:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect.car_name: %w", errWireCode(n))
			}
			c.CarName = v
			b = b[n:]
		case fieldConnectModules:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect.module_ids: %w", errWireCode(n))
			}
			c.ModuleIDs = append(c.ModuleIDs, uint16(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// Marshal encodes r in protobuf wire format.
func (r *ConnectResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldConnRespSession, protowire.BytesType)
	b = protowire.AppendString(b, r.SessionID)
	b = protowire.AppendTag(b, fieldConnRespAccepted, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(r.Accepted))
	return b
}

// UnmarshalConnectResponse decodes a ConnectResponse frame.
func UnmarshalConnectResponse(b []byte) (*ConnectResponse, error) {
	r := &ConnectResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: connect_response: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldConnRespSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect_response.session_id: %w", errWireCode(n))
			}
			r.SessionID = v
			b = b[n:]
		case fieldConnRespAccepted:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect_response.accepted: %w", errWireCode(n))
			}
			r.Accepted = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: connect_response: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

// Marshal encodes s in protobuf wire format.
func (s *Status) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatusSession, protowire.BytesType)
	b = protowire.AppendString(b, s.SessionID)
	b = protowire.AppendTag(b, fieldStatusCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Counter))
	b = appendDevice(b, fieldStatusDevice, s.Device)
	b = protowire.AppendTag(b, fieldStatusIsError, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(s.IsError))
	b = protowire.AppendTag(b, fieldStatusPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Payload)
	return b
}

// UnmarshalStatus decodes a Status frame.
func UnmarshalStatus(b []byte) (*Status, error) {
	s := &Status{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: status: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldStatusSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status.session_id: %w", errWireCode(n))
			}
			s.SessionID = v
			b = b[n:]
		case fieldStatusCounter:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status.counter: %w", errWireCode(n))
			}
			s.Counter = uint32(v)
			b = b[n:]
		case fieldStatusDevice:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status.device: %w", errWireCode(n))
			}
			dev, err := consumeDevice(raw)
			if err != nil {
				return nil, err
			}
			s.Device = dev
			b = b[n:]
		case fieldStatusIsError:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status.is_error: %w", errWireCode(n))
			}
			s.IsError = v != 0
			b = b[n:]
		case fieldStatusPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status.payload: %w", errWireCode(n))
			}
			s.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

// Marshal encodes r in protobuf wire format.
func (r *StatusResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatusRespSession, protowire.BytesType)
	b = protowire.AppendString(b, r.SessionID)
	b = protowire.AppendTag(b, fieldStatusRespCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Counter))
	b = appendDevice(b, fieldStatusRespDevice, r.Device)
	b = protowire.AppendTag(b, fieldStatusRespError, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Error))
	return b
}

// UnmarshalStatusResponse decodes a StatusResponse frame.
func UnmarshalStatusResponse(b []byte) (*StatusResponse, error) {
	r := &StatusResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: status_response: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldStatusRespSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status_response.session_id: %w", errWireCode(n))
			}
			r.SessionID = v
			b = b[n:]
		case fieldStatusRespCounter:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status_response.counter: %w", errWireCode(n))
			}
			r.Counter = uint32(v)
			b = b[n:]
		case fieldStatusRespDevice:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status_response.device: %w", errWireCode(n))
			}
			dev, err := consumeDevice(raw)
			if err != nil {
				return nil, err
			}
			r.Device = dev
			b = b[n:]
		case fieldStatusRespError:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status_response.error: %w", errWireCode(n))
			}
			r.Error = ErrorCode(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: status_response: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

// Marshal encodes c in protobuf wire format.
func (c *Command) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCommandSession, protowire.BytesType)
	b = protowire.AppendString(b, c.SessionID)
	b = protowire.AppendTag(b, fieldCommandCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Counter))
	b = appendDevice(b, fieldCommandDevice, c.Device)
	b = protowire.AppendTag(b, fieldCommandPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Payload)
	return b
}

// UnmarshalCommand decodes a Command frame.
func UnmarshalCommand(b []byte) (*Command, error) {
	c := &Command{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: command: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldCommandSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command.session_id: %w", errWireCode(n))
			}
			c.SessionID = v
			b = b[n:]
		case fieldCommandCounter:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command.counter: %w", errWireCode(n))
			}
			c.Counter = uint32(v)
			b = b[n:]
		case fieldCommandDevice:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command.device: %w", errWireCode(n))
			}
			dev, err := consumeDevice(raw)
			if err != nil {
				return nil, err
			}
			c.Device = dev
			b = b[n:]
		case fieldCommandPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command.payload: %w", errWireCode(n))
			}
			c.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// Marshal encodes r in protobuf wire format.
func (r *CommandResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCommandRespSession, protowire.BytesType)
	b = protowire.AppendString(b, r.SessionID)
	b = protowire.AppendTag(b, fieldCommandRespCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Counter))
	b = appendDevice(b, fieldCommandRespDevice, r.Device)
	return b
}

// UnmarshalCommandResponse decodes a CommandResponse frame.
func UnmarshalCommandResponse(b []byte) (*CommandResponse, error) {
	r := &CommandResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: command_response: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldCommandRespSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command_response.session_id: %w", errWireCode(n))
			}
			r.SessionID = v
			b = b[n:]
		case fieldCommandRespCounter:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command_response.counter: %w", errWireCode(n))
			}
			r.Counter = uint32(v)
			b = b[n:]
		case fieldCommandRespDevice:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command_response.device: %w", errWireCode(n))
			}
			dev, err := consumeDevice(raw)
			if err != nil {
				return nil, err
			}
			r.Device = dev
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: command_response: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

// Marshal encodes d in protobuf wire format.
func (d *Disconnect) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDisconnectSession, protowire.BytesType)
	b = protowire.AppendString(b, d.SessionID)
	return b
}

// UnmarshalDisconnect decodes a Disconnect frame.
func UnmarshalDisconnect(b []byte) (*Disconnect, error) {
	d := &Disconnect{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: disconnect: %w", errWireCode(n))
		}
		b = b[n:]
		switch num {
		case fieldDisconnectSession:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: disconnect.session_id: %w", errWireCode(n))
			}
			d.SessionID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: disconnect: skip unknown field: %w", errWireCode(n))
			}
			b = b[n:]
		}
	}
	return d, nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// errWireCode turns one of protowire's negative consume-error return
// values into an error. protowire itself does not export the
// underlying error codes, so the numeric code is reported as-is for
// diagnostics.
func errWireCode(n int) error {
	return fmt.Errorf("malformed protobuf wire data (code %d)", n)
}
