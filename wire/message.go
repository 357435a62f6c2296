package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload-kind codes recognized at the transport layer, irrespective of
// whatever domain schema a given payload_type otherwise selects. These are
// the only three payload kinds the engine itself interprets; everything else
// is opaque and either routed to a pending reply slot or broadcast as an
// event.
const (
	// PayloadTypeHeartbeat marks a keep-alive frame with no body and no
	// correlation id.
	PayloadTypeHeartbeat uint32 = 51

	// PayloadTypeTransportError marks a generic, unsolicited transport/proxy
	// error. Receiving one terminates the connection (see processor.Processor).
	PayloadTypeTransportError uint32 = 50

	// PayloadTypeApplicationError marks a generic application-level error
	// returned as a correlated response to a specific request. It does not
	// terminate the connection; the facade converts it into a typed failure
	// for the one waiting caller.
	PayloadTypeApplicationError uint32 = 2142
)

// Message is the protobuf envelope carried by every frame:
//
//	message Envelope {
//	  uint32 payload_type = 1;
//	  bytes  payload      = 2;
//	  string client_msg_id = 3; // optional; absent == ""
//	}
//
// payload_type selects the protobuf schema of payload. client_msg_id is the
// correlation id minted by the client and echoed verbatim by the server on
// the matching response; an empty string means "absent" (fire-and-forget or
// an unsolicited server event).
type Message struct {
	PayloadType uint32
	Payload     []byte
	ClientMsgID string
}

// HasCorrelationID reports whether the message carries a non-empty
// correlation id.
func (m *Message) HasCorrelationID() bool {
	return m.ClientMsgID != ""
}

// Marshal serializes the envelope to its protobuf wire form.
func (m *Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PayloadType))

	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)

	if m.ClientMsgID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.ClientMsgID)
	}
	return b
}

// Unmarshal parses a protobuf-encoded envelope. Unknown fields are skipped,
// not rejected, so the wire format may grow new fields without breaking
// older clients.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad payload_type: %w", protowire.ParseError(n))
			}
			m.PayloadType = uint32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad payload: %w", protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad client_msg_id: %w", protowire.ParseError(n))
			}
			m.ClientMsgID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

// Heartbeat builds a heartbeat frame: no payload, no correlation id.
func Heartbeat() *Message {
	return &Message{PayloadType: PayloadTypeHeartbeat}
}
