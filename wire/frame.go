// Package wire implements the length-prefixed protobuf frame protocol used
// on the session's TLS stream, plus the envelope message carried in every
// frame.
//
// It solves TCP's sticky-packet problem with a 4-byte length prefix: the
// receiver reads the length first, then reads exactly that many bytes for
// the body. There is no magic number or version byte — the gateway's wire
// format is fixed and pre-dates this client.
//
// Frame format:
//
//	0          4                    4+N
//	┌──────────┬─────────────────────┐
//	│ N uint32 │  body (N bytes)     │
//	│ big-endian│ serialized Message │
//	└──────────┴─────────────────────┘
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LengthSize is the width in bytes of the frame's length prefix.
const LengthSize = 4

// EncodeFrame writes a complete frame (length prefix + body) to w.
// The caller must serialize writes if multiple goroutines share w; this
// package performs no locking of its own.
func EncodeFrame(w io.Writer, body []byte) error {
	var lenBuf [LengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// DecodeFrame reads one complete frame (length prefix + body) from r.
// maxPacketLen bounds the body length accepted: a declared length above it
// is rejected before any body bytes are read, so a corrupt or hostile
// length prefix cannot force an unbounded allocation.
//
// io.ReadFull blocks until exactly the requested number of bytes has
// arrived (or an error occurs), which is sufficient "cooperative
// backpressure" for a blocking net.Conn: the call simply does not return
// until the frame is complete.
func DecodeFrame(r io.Reader, maxPacketLen uint32) ([]byte, error) {
	var lenBuf [LengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > maxPacketLen {
		return nil, fmt.Errorf("wire: frame body length %d exceeds max packet length %d", bodyLen, maxPacketLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
