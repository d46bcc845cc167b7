package dlmsal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meterkenshin/dlmslink/base"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

const (
	defaultResponseTicks     = 300
	defaultTickDuration      = 10 * time.Millisecond
	defaultSessionIterations = 100
	defaultExecuteIterations = 3
	defaultMaxSegments       = 512
	defaultRetryPause        = 10 * time.Millisecond
	defaultBlockCap          = 200
	defaultBlockDelay        = 200 * time.Millisecond
	defaultReadyTicks        = 100
	defaultReadyTick         = 100 * time.Millisecond
	defaultReleaseSettle     = 200 * time.Millisecond
)

// Settings tune the bounded waits, nil fields keep the defaults. ExecuteIterations bounds the send
// attempts of one request, MaxSegments the link segments of one answer.
type Settings struct {
	ResponseTicks     *int
	TickDuration      *time.Duration
	SessionIterations *int
	ExecuteIterations *int
	MaxSegments       *int
	RetryPause        *time.Duration
	BlockCap          *int
	BlockDelay        *time.Duration
	ReadyTicks        *int
	ReadyTick         *time.Duration
	ReleaseSettle     *time.Duration
}

type timing struct {
	responseTicks     int
	tick              time.Duration
	sessionIterations int
	executeIterations int
	maxSegments       int
	retryPause        time.Duration
	blockCap          int
	blockDelay        time.Duration
	readyTicks        int
	readyTick         time.Duration
	releaseSettle     time.Duration
}

func (s *Settings) resolve() timing {
	if s == nil {
		s = &Settings{}
	}
	return timing{
		responseTicks:     ptr.Deref(s.ResponseTicks, defaultResponseTicks),
		tick:              ptr.Deref(s.TickDuration, defaultTickDuration),
		sessionIterations: ptr.Deref(s.SessionIterations, defaultSessionIterations),
		executeIterations: ptr.Deref(s.ExecuteIterations, defaultExecuteIterations),
		maxSegments:       ptr.Deref(s.MaxSegments, defaultMaxSegments),
		retryPause:        ptr.Deref(s.RetryPause, defaultRetryPause),
		blockCap:          ptr.Deref(s.BlockCap, defaultBlockCap),
		blockDelay:        ptr.Deref(s.BlockDelay, defaultBlockDelay),
		readyTicks:        ptr.Deref(s.ReadyTicks, defaultReadyTicks),
		readyTick:         ptr.Deref(s.ReadyTick, defaultReadyTick),
		releaseSettle:     ptr.Deref(s.ReleaseSettle, defaultReleaseSettle),
	}
}

// Client runs one meter session over a gateway. It is not safe for concurrent Execute calls,
// callers serialize access themselves.
type Client struct {
	id      string
	gw      base.Gateway
	codec   Codec
	timing  timing
	logger  *zap.SugaredLogger
	arrival *arrival

	mu    sync.Mutex
	state SessionState
	ready chan struct{}
}

func New(gw base.Gateway, codec Codec, settings *Settings) *Client {
	return &Client{
		id:      uuid.NewString(),
		gw:      gw,
		codec:   codec,
		timing:  settings.resolve(),
		arrival: newArrival(),
		ready:   make(chan struct{}, 1),
		state:   StateIdle,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) SetLogger(logger *zap.SugaredLogger) {
	if logger != nil {
		logger = logger.With("session", c.id)
	}
	c.logger = logger
	c.gw.SetLogger(logger)
	if l, ok := c.codec.(interface{ SetLogger(*zap.SugaredLogger) }); ok {
		l.SetLogger(logger)
	}
}

func (c *Client) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *Client) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s SessionState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.dlogf("session state %v -> %v", old, s)
	}
}

// handle runs on the gateway goroutine
func (c *Client) handle(ev base.Event) {
	switch ev.Kind {
	case base.EventFrameReceived:
		c.arrival.Signal(ev.Frame)
	case base.EventServicesReady:
		select {
		case c.ready <- struct{}{}:
		default:
		}
	case base.EventDisconnected:
		c.logf("link disconnected")
		c.arrival.Abort()
	case base.EventConnected:
		c.dlogf("link connected")
	}
}

// Connect opens the gateway and waits until its services are ready.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.ready:
	default:
	}
	c.arrival.Rearm()
	c.setState(StateIdle)
	if err := c.gw.Open(ctx, c.handle); err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(c.timing.readyTicks) * c.timing.readyTick)
	defer timer.Stop()
	select {
	case <-c.ready:
		c.logf("services ready")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return multierr.Append(fmt.Errorf("%w: services not ready", base.ErrTimeout), c.gw.Close())
}

// send resets the arrival slot first so only an answer to this frame can satisfy the next wait
func (c *Client) send(frame []byte, what string) error {
	c.arrival.Reset()
	c.dlogf("%s", base.LogHex("TX "+what, frame))
	return c.gw.Send(frame)
}

func (c *Client) await(ctx context.Context, what string) ([]byte, bool) {
	f, ok := c.arrival.Await(ctx, c.timing.responseTicks, c.timing.tick)
	if ok {
		c.dlogf("%s", base.LogHex("RX "+what, f))
	}
	return f, ok
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange is one send and bounded wait, used by release where no retry is wanted
func (c *Client) exchange(ctx context.Context, frame []byte, what string) ([]byte, error) {
	if err := c.send(frame, what); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", base.ErrTimeout, what, err)
	}
	f, ok := c.await(ctx, what)
	if !ok {
		return nil, fmt.Errorf("%w: %s", base.ErrTimeout, what)
	}
	return f, nil
}

// Release ends the association and the link. State is Idle afterwards even when the device
// did not answer, incomplete release is reported as protocol failure.
func (c *Client) Release(ctx context.Context) error {
	var errs error
	if c.State() == StateEstablished {
		errs = multierr.Append(errs, c.release(ctx))
	}
	errs = multierr.Append(errs, c.disconnect(ctx))
	c.setState(StateIdle)
	if err := sleep(ctx, c.timing.releaseSettle); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("settle: %w", err))
	}
	if errs != nil {
		return fmt.Errorf("%w: release: %w", base.ErrProtocolFailure, errs)
	}
	return nil
}

func (c *Client) release(ctx context.Context) error {
	rlrq, err := c.codec.EncodeRelease()
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrEncodingFailure, err)
	}
	rlre, err := c.exchange(ctx, rlrq, "RLRQ")
	if err != nil {
		return err
	}
	return c.codec.Released(rlre)
}

func (c *Client) disconnect(ctx context.Context) error {
	disc, err := c.codec.EncodeClose()
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrEncodingFailure, err)
	}
	if disc == nil {
		return nil
	}
	ua, err := c.exchange(ctx, disc, "DISC")
	if err != nil {
		return err
	}
	return c.codec.Closed(ua)
}

// Close releases an established session and closes the gateway.
func (c *Client) Close() error {
	var errs error
	if c.gw.IsOpen() {
		switch c.State() {
		case StateEstablished, StateFailed:
			errs = multierr.Append(errs, c.Release(context.Background()))
		}
	}
	c.setState(StateIdle)
	return multierr.Append(errs, c.gw.Close())
}
