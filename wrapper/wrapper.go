// Package wrapper implements the DLMS Wrapper framing for TCP/IP transport.
//
// The Wrapper protocol provides a simple framing mechanism for DLMS messages over TCP/IP,
// as an alternative to HDLC. It has no link level open or close, every APDU travels in one frame.
//
// The wrapper adds a 8-byte header containing:
//   - Version (2 bytes): Always 0x0001
//   - Source WPORT (2 bytes): Logical address of sender
//   - Destination WPORT (2 bytes): Logical address of receiver
//   - Length (2 bytes): Payload length
//
// Usage:
//
//	w := wrapper.New(1, 1)
//	frame, err := w.Encode(apdu)
package wrapper

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	headerLength = 8
	maxPayload   = 65535
)

type Wrapper struct {
	logger      *zap.SugaredLogger
	source      uint16
	destination uint16
}

// New creates wrapper framing with the given WPORT addresses.
func New(source uint16, destination uint16) *Wrapper {
	return &Wrapper{
		source:      source,
		destination: destination,
	}
}

func (w *Wrapper) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

func (w *Wrapper) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
}

func (w *Wrapper) Encode(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, fmt.Errorf("empty apdu")
	}
	if len(apdu) > maxPayload {
		return nil, fmt.Errorf("packet too big: size=%d max=%d", len(apdu), maxPayload)
	}
	buffer := make([]byte, headerLength+len(apdu))
	buffer[0] = 0
	buffer[1] = 1
	buffer[2] = byte(w.source >> 8)
	buffer[3] = byte(w.source)
	buffer[4] = byte(w.destination >> 8)
	buffer[5] = byte(w.destination)
	buffer[6] = byte(len(apdu) >> 8)
	buffer[7] = byte(len(apdu))
	copy(buffer[headerLength:], apdu)
	return buffer, nil
}

// Decode checks a whole received frame and returns its payload.
func (w *Wrapper) Decode(frame []byte) ([]byte, error) {
	if len(frame) < headerLength {
		return nil, fmt.Errorf("too short wrapper frame")
	}
	if frame[0] != 0 || frame[1] != 1 {
		return nil, fmt.Errorf("invalid header version")
	}
	rsrc := uint16(frame[2])<<8 | uint16(frame[3])
	rdest := uint16(frame[4])<<8 | uint16(frame[5])
	if rsrc != w.destination || rdest != w.source {
		w.logf("wrapper address mismatch, src %d dst %d", rsrc, rdest)
		return nil, fmt.Errorf("invalid source or destination")
	}
	l := int(uint16(frame[6])<<8 | uint16(frame[7]))
	if l != len(frame)-headerLength {
		return nil, fmt.Errorf("wrapper length mismatch")
	}
	return frame[headerLength:], nil
}
