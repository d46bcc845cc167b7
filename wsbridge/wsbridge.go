// Package wsbridge is a gateway to a BLE bridge reachable over a websocket.
//
// Binary messages carry characteristic notifications (towards the client) and characteristic
// writes (towards the meter). Text messages carry lifecycle events as JSON, {"event":"connected"},
// {"event":"services_ready"} and {"event":"disconnected"}.
package wsbridge

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meterkenshin/dlmslink/base"
	"go.uber.org/zap"
)

const (
	EventConnected     = "connected"
	EventServicesReady = "services_ready"
	EventDisconnected  = "disconnected"
)

type Settings struct {
	URL              string
	Username         string
	Password         string
	SkipVerify       bool
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadyOnConnect   bool // bridge sends no lifecycle events, report ready right after the dial
}

// Message is the JSON shape of a lifecycle text message.
type Message struct {
	Event  string `json:"event"`
	Device string `json:"device,omitempty"`
}

type Bridge struct {
	settings Settings
	deframer base.Deframer
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	wmu    sync.Mutex
	conn   *websocket.Conn
	isopen bool
	done   chan struct{}
}

func New(settings Settings, deframer base.Deframer) *Bridge {
	if settings.HandshakeTimeout == 0 {
		settings.HandshakeTimeout = 10 * time.Second
	}
	if settings.WriteTimeout == 0 {
		settings.WriteTimeout = 5 * time.Second
	}
	return &Bridge{settings: settings, deframer: deframer}
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

func (b *Bridge) Open(ctx context.Context, handler base.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isopen {
		return nil
	}
	u, err := url.Parse(b.settings.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.settings.HandshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: b.settings.SkipVerify}
	}
	headers := http.Header{}
	if b.settings.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(b.settings.Username + ":" + b.settings.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, b.settings.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	b.logf("connected to %s", b.settings.URL)

	b.conn = conn
	b.isopen = true
	b.done = make(chan struct{})
	go b.reader(conn, handler, b.done)
	return nil
}

func (b *Bridge) reader(conn *websocket.Conn, handler base.EventHandler, done chan struct{}) {
	defer close(done)
	defer func() {
		b.mu.Lock()
		b.isopen = false
		b.mu.Unlock()
		handler(base.Event{Kind: base.EventDisconnected})
	}()

	b.deframer.Reset()
	if b.settings.ReadyOnConnect {
		handler(base.Event{Kind: base.EventConnected})
		handler(base.Event{Kind: base.EventServicesReady})
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			b.dlogf("reader stopped: %v", err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			b.dlogf("%s", base.LogHex("RX", data))
			for _, f := range b.deframer.Feed(data) {
				handler(base.Event{Kind: base.EventFrameReceived, Frame: f})
			}
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				b.logf("ignoring text message: %v", err)
				continue
			}
			b.dlogf("bridge event %s", msg.Event)
			switch msg.Event {
			case EventConnected:
				handler(base.Event{Kind: base.EventConnected})
			case EventServicesReady:
				handler(base.Event{Kind: base.EventServicesReady})
			case EventDisconnected:
				b.deframer.Reset()
				handler(base.Event{Kind: base.EventDisconnected})
			default:
				b.logf("unknown bridge event %q", msg.Event)
			}
		}
	}
}

func (b *Bridge) Send(frame []byte) error {
	b.mu.Lock()
	conn, open := b.conn, b.isopen
	b.mu.Unlock()
	if !open {
		return base.ErrNotOpened
	}
	b.dlogf("%s", base.LogHex("TX", frame))

	b.wmu.Lock()
	defer b.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
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
	conn, done := b.conn, b.done
	b.conn = nil
	b.isopen = false
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	b.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.wmu.Unlock()
	err := conn.Close()
	<-done
	b.logf("disconnected from %s", b.settings.URL)
	return err
}
