package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"go.uber.org/zap"
)

type tcp struct {
	hostname string
	port     int
	timeout  time.Duration
	deframer base.Deframer
	logger   *zap.SugaredLogger

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	done          chan struct{}
	totalincoming int64
	totaloutgoing int64
}

// New returns a gateway connecting to hostname:port. Received bytes are split into link frames by deframer,
// hdlc.NewSplitter for HDLC over TCP or wrapper.NewSplitter for the wrapper.
func New(hostname string, port int, timeout time.Duration, deframer base.Deframer) base.Gateway {
	return &tcp{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		deframer: deframer,
	}
}

func (t *tcp) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *tcp) dlogf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Debugf(format, v...)
	}
}

func (t *tcp) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

func (t *tcp) Open(ctx context.Context, handler base.EventHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))

	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		t.logf("Connect to %s failed: %v", address, err)
		return fmt.Errorf("connect failed: %w", err)
	}
	t.logf("Connected to %s", address)

	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	go func(conn net.Conn, done chan struct{}) {
		defer close(done)
		handler(base.Event{Kind: base.EventConnected})
		handler(base.Event{Kind: base.EventServicesReady})
		err := base.Pump(&counter{r: conn, n: &t.totalincoming, mu: &t.mu}, t.deframer, handler, t.dlogf)
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.dlogf("reader stopped: %v", err)
	}(conn, t.done)
	return nil
}

func (t *tcp) Send(frame []byte) error {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	t.mu.Unlock()
	if !connected {
		return base.ErrNotOpened
	}
	t.dlogf("%s", base.LogHex("TX", frame))
	if t.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	n, err := conn.Write(frame)
	t.mu.Lock()
	t.totaloutgoing += int64(n)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (t *tcp) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *tcp) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.connected = false
	in, out := t.totalincoming, t.totaloutgoing
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	t.logf("Disconnected, %d bytes in, %d bytes out", in, out)
	return err
}

type counter struct {
	r  net.Conn
	n  *int64
	mu *sync.Mutex
}

func (c *counter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.mu.Lock()
	*c.n += int64(n)
	c.mu.Unlock()
	return n, err
}
