// Package natsbridge is a gateway to a meter bridge behind a NATS broker.
//
// Frames towards the meter are published on <prefix>.<device>.tx, notifications from the meter
// arrive on <prefix>.<device>.rx and link lifecycle on <prefix>.<device>.status with the payloads
// connected, services_ready and disconnected.
package natsbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultPrefix = "dlms"

type Settings struct {
	URL     string
	Prefix  string
	Device  string
	Name    string
	Timeout time.Duration
}

type Bridge struct {
	settings Settings
	deframer base.Deframer
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	nc      *nats.Conn
	owned   bool
	subs    []*nats.Subscription
	handler base.EventHandler
	isopen  bool
}

func New(settings Settings, deframer base.Deframer) *Bridge {
	if settings.Prefix == "" {
		settings.Prefix = DefaultPrefix
	}
	if settings.URL == "" {
		settings.URL = nats.DefaultURL
	}
	if settings.Timeout == 0 {
		settings.Timeout = 5 * time.Second
	}
	return &Bridge{settings: settings, deframer: deframer}
}

// NewWithConn uses an existing connection, Close leaves it open.
func NewWithConn(nc *nats.Conn, settings Settings, deframer base.Deframer) *Bridge {
	b := New(settings, deframer)
	b.nc = nc
	return b
}

func (b *Bridge) logf(format string, v ...any) {
	if b.logger != nil {
		b.logger.Infof(format, v...)
	}
}

func (b *Bridge) dlogf(format string, v ...any) {
	if b.logger != nil {
		b.logger.Debugf(format, v...)
	}
}

func (b *Bridge) SetLogger(logger *zap.SugaredLogger) {
	b.logger = logger
}

func (b *Bridge) subject(suffix string) string {
	return strings.Join([]string{b.settings.Prefix, b.settings.Device, suffix}, ".")
}

func (b *Bridge) Open(ctx context.Context, handler base.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isopen {
		return nil
	}
	if b.settings.Device == "" {
		return fmt.Errorf("device is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc == nil {
		opts := []nats.Option{nats.Timeout(b.settings.Timeout)}
		if b.settings.Name != "" {
			opts = append(opts, nats.Name(b.settings.Name))
		}
		nc, err := nats.Connect(b.settings.URL, opts...)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		b.nc = nc
		b.owned = true
	}

	b.handler = handler
	b.deframer.Reset()
	rx, err := b.nc.Subscribe(b.subject("rx"), b.handleRx)
	if err != nil {
		b.teardown()
		return fmt.Errorf("subscribe rx: %w", err)
	}
	b.subs = append(b.subs, rx)
	st, err := b.nc.Subscribe(b.subject("status"), b.handleStatus)
	if err != nil {
		b.teardown()
		return fmt.Errorf("subscribe status: %w", err)
	}
	b.subs = append(b.subs, st)
	if err := b.nc.FlushWithContext(ctx); err != nil {
		b.teardown()
		return fmt.Errorf("flush: %w", err)
	}
	b.isopen = true
	b.logf("bridge %s attached via %s", b.settings.Device, b.nc.ConnectedUrl())
	return nil
}

func (b *Bridge) handleRx(msg *nats.Msg) {
	b.dlogf("%s", base.LogHex("RX", msg.Data))
	for _, f := range b.deframer.Feed(msg.Data) {
		b.handler(base.Event{Kind: base.EventFrameReceived, Frame: f})
	}
}

func (b *Bridge) handleStatus(msg *nats.Msg) {
	s := strings.TrimSpace(string(msg.Data))
	b.dlogf("bridge status %s", s)
	switch s {
	case "connected":
		b.handler(base.Event{Kind: base.EventConnected})
	case "services_ready":
		b.handler(base.Event{Kind: base.EventServicesReady})
	case "disconnected":
		b.deframer.Reset()
		b.handler(base.Event{Kind: base.EventDisconnected})
	default:
		b.logf("unknown bridge status %q on %s", s, msg.Subject)
	}
}

func (b *Bridge) Send(frame []byte) error {
	b.mu.Lock()
	nc, open := b.nc, b.isopen
	b.mu.Unlock()
	if !open {
		return base.ErrNotOpened
	}
	b.dlogf("%s", base.LogHex("TX", frame))
	if err := nc.Publish(b.subject("tx"), frame); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (b *Bridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isopen
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isopen {
		return nil
	}
	b.isopen = false
	b.teardown()
	b.logf("bridge %s detached", b.settings.Device)
	return nil
}

// teardown expects b.mu held
func (b *Bridge) teardown() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	if b.owned && b.nc != nil {
		b.nc.Close()
		b.nc = nil
		b.owned = false
	}
}
