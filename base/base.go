package base

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventServicesReady
	EventFrameReceived
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventServicesReady:
		return "services-ready"
	case EventFrameReceived:
		return "frame-received"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered by a Gateway from its own goroutine. Frame is set only for EventFrameReceived
// and always holds one whole link frame.
type Event struct {
	Kind  EventKind
	Frame []byte
}

type EventHandler func(ev Event)

// Gateway is the asynchronous byte transport a session runs on. Send never waits for an answer,
// answers come back through the handler passed to Open.
type Gateway interface {
	Open(ctx context.Context, handler EventHandler) error
	Send(frame []byte) error // whole frame or error, never partial
	Close() error
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
}

// Deframer splits a received byte stream (or a series of notifications) into whole link frames.
type Deframer interface {
	Feed(p []byte) [][]byte // returns completed frames, keeps the tail
	Reset()
}

func LogHex(prefix string, b []byte) string {
	return fmt.Sprintf("%s: %6d %s", prefix, len(b), strings.ToUpper(hex.EncodeToString(b)))
}
