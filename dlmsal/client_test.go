package dlmsal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

// fakegw answers every sent frame from its own goroutine with whatever reply returns
type fakegw struct {
	mu      sync.Mutex
	handler base.EventHandler
	open    bool
	noready bool
	sent    []string
	reply   func(frame string) []string
}

func (g *fakegw) Open(ctx context.Context, handler base.EventHandler) error {
	g.mu.Lock()
	g.handler = handler
	g.open = true
	g.mu.Unlock()
	if !g.noready {
		go func() {
			handler(base.Event{Kind: base.EventConnected})
			handler(base.Event{Kind: base.EventServicesReady})
		}()
	}
	return nil
}

func (g *fakegw) Send(frame []byte) error {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return base.ErrNotOpened
	}
	g.sent = append(g.sent, string(frame))
	h, reply := g.handler, g.reply
	g.mu.Unlock()
	var out []string
	if reply != nil {
		out = reply(string(frame))
	}
	go func() {
		for _, r := range out {
			h(base.Event{Kind: base.EventFrameReceived, Frame: []byte(r)})
		}
	}()
	return nil
}

func (g *fakegw) Close() error {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
	return nil
}

func (g *fakegw) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *fakegw) SetLogger(*zap.SugaredLogger) {}

func (g *fakegw) frames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *fakegw) count(prefix string) int {
	n := 0
	for _, f := range g.frames() {
		if strings.HasPrefix(f, prefix) {
			n++
		}
	}
	return n
}

// textcodec uses readable frames, requests look like "get:<object>:<attribute>[:next]" and
// responses like "blk:<status>:<field>,<field>" or "seg"
type textcodec struct {
	hls bool
}

func (c *textcodec) EncodeOpen() ([]byte, error) { return []byte("open"), nil }

func (c *textcodec) Session(openAck []byte) ([]byte, error) {
	if string(openAck) != "ua" {
		return nil, fmt.Errorf("bad open ack %q", openAck)
	}
	return []byte("aarq"), nil
}

func (c *textcodec) Challenge(sessionAck []byte) ([]byte, error) {
	if string(sessionAck) != "aare" {
		return nil, fmt.Errorf("bad session ack %q", sessionAck)
	}
	if !c.hls {
		return nil, nil
	}
	return []byte("challenge"), nil
}

func (c *textcodec) Confirm(challengeAck []byte) error {
	if string(challengeAck) != "proof" {
		return fmt.Errorf("bad proof %q", challengeAck)
	}
	return nil
}

func (c *textcodec) EncodeRequest(op *PendingOperation) ([]byte, error) {
	if op.ObjectID < 0 {
		return nil, errors.New("unknown object")
	}
	f := fmt.Sprintf("%v:%d:%d", op.Kind, op.ObjectID, op.Attribute)
	if op.Next {
		f += ":next"
	}
	return []byte(f), nil
}

func (c *textcodec) DecodeResponse(op *PendingOperation, raw []byte) (*ResponseBlock, error) {
	s := string(raw)
	if s == "seg" {
		return &ResponseBlock{Segmented: true}, nil
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "blk" {
		return nil, fmt.Errorf("unexpected %q", s)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	fields := []string{}
	if parts[2] != "" {
		fields = strings.Split(parts[2], ",")
	}
	return &ResponseBlock{Fields: fields, Status: status}, nil
}

func (c *textcodec) EncodeAck() ([]byte, error)     { return []byte("rr"), nil }
func (c *textcodec) EncodeRelease() ([]byte, error) { return []byte("rlrq"), nil }
func (c *textcodec) EncodeClose() ([]byte, error)   { return []byte("disc"), nil }

func (c *textcodec) Released(raw []byte) error {
	if string(raw) != "rlre" {
		return fmt.Errorf("bad rlre %q", raw)
	}
	return nil
}

func (c *textcodec) Closed(raw []byte) error {
	if string(raw) != "ua" {
		return fmt.Errorf("bad ua %q", raw)
	}
	return nil
}

// handshake replies, drop names a frame that gets no answer
func handshake(drop string) func(string) []string {
	answers := map[string]string{"open": "ua", "aarq": "aare", "challenge": "proof", "rlrq": "rlre", "disc": "ua"}
	return func(f string) []string {
		if f == drop {
			return nil
		}
		if a, ok := answers[f]; ok {
			return []string{a}
		}
		return nil
	}
}

func quick() *Settings {
	return &Settings{
		ResponseTicks:     ptr.To(20),
		TickDuration:      ptr.To(5 * time.Millisecond),
		RetryPause:        ptr.To(time.Millisecond),
		BlockDelay:        ptr.To(time.Duration(0)),
		ReadyTicks:        ptr.To(10),
		ReadyTick:         ptr.To(10 * time.Millisecond),
		ReleaseSettle:     ptr.To(time.Duration(0)),
		SessionIterations: ptr.To(10),
		ExecuteIterations: ptr.To(5),
	}
}

func established(t *testing.T, reply func(string) []string) (*Client, *fakegw) {
	t.Helper()
	hs := handshake("")
	gw := &fakegw{reply: func(f string) []string {
		if r := hs(f); r != nil {
			return r
		}
		if reply != nil {
			return reply(f)
		}
		return nil
	}}
	c := New(gw, &textcodec{}, quick())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	return c, gw
}

func TestEstablish(t *testing.T) {
	for _, hls := range []bool{false, true} {
		gw := &fakegw{reply: handshake("")}
		c := New(gw, &textcodec{hls: hls}, quick())
		if c.ID() == "" {
			t.Fatalf("no session id")
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := c.Establish(context.Background()); err != nil {
			t.Fatalf("establish (hls %v): %v", hls, err)
		}
		if c.State() != StateEstablished {
			t.Fatalf("state %v", c.State())
		}
		want := "open aarq"
		if hls {
			want += " challenge"
		}
		if got := strings.Join(gw.frames(), " "); got != want {
			t.Fatalf("sent %q, expected %q", got, want)
		}
		// second call is a no-op
		if err := c.Establish(context.Background()); err != nil {
			t.Fatalf("establish again: %v", err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if c.State() != StateIdle || gw.IsOpen() {
			t.Fatalf("not closed")
		}
	}
}

func TestEstablishTimeouts(t *testing.T) {
	for _, drop := range []string{"open", "aarq", "challenge"} {
		gw := &fakegw{reply: handshake(drop)}
		c := New(gw, &textcodec{hls: true}, quick())
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		err := c.Establish(context.Background())
		if !errors.Is(err, base.ErrProtocolFailure) || !errors.Is(err, base.ErrTimeout) {
			t.Fatalf("drop %s: got %v", drop, err)
		}
		if c.State() != StateFailed {
			t.Fatalf("drop %s: state %v", drop, c.State())
		}
		if _, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet}); err != base.ErrNotOpened {
			t.Fatalf("execute on failed session: %v", err)
		}
	}
}

func TestEstablishBadProof(t *testing.T) {
	gw := &fakegw{reply: func(f string) []string {
		if f == "challenge" {
			return []string{"forged"}
		}
		return handshake("")(f)
	}}
	c := New(gw, &textcodec{hls: true}, quick())
	_ = c.Connect(context.Background())
	if err := c.Establish(context.Background()); !errors.Is(err, base.ErrProtocolFailure) {
		t.Fatalf("got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state %v", c.State())
	}
}

func TestConnectNotReady(t *testing.T) {
	gw := &fakegw{noready: true}
	c := New(gw, &textcodec{}, quick())
	if err := c.Connect(context.Background()); !errors.Is(err, base.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if gw.IsOpen() {
		t.Fatalf("gateway left open")
	}
}

func TestExecuteSingleBlock(t *testing.T) {
	c, _ := established(t, func(f string) []string {
		if f == "get:0:2" {
			return []string{"blk:0:230.100,5.000"}
		}
		return nil
	})
	rb, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 0, Attribute: 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rb.Continuation || strings.Join(rb.Fields, "|") != "230.100|5.000" {
		t.Fatalf("unexpected block %+v", rb)
	}
}

func TestExecuteNotEstablished(t *testing.T) {
	c := New(&fakegw{}, &textcodec{}, quick())
	if _, err := c.Execute(context.Background(), &PendingOperation{}); err != base.ErrNotOpened {
		t.Fatalf("got %v", err)
	}
}

func TestExecuteEncodingFailure(t *testing.T) {
	c, gw := established(t, nil)
	before := len(gw.frames())
	if _, err := c.Execute(context.Background(), &PendingOperation{ObjectID: -1}); !errors.Is(err, base.ErrEncodingFailure) {
		t.Fatalf("got %v", err)
	}
	if len(gw.frames()) != before {
		t.Fatalf("frame sent for a request that did not encode")
	}
}

func TestExecuteTimeout(t *testing.T) {
	c, _ := established(t, nil)
	if _, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 1, Attribute: 2}); !errors.Is(err, base.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if c.State() != StateEstablished {
		t.Fatalf("state %v", c.State())
	}
}

func TestExecuteResults(t *testing.T) {
	answers := map[string]string{
		"set:4:2":     "blk:0:set,success (0)",
		"set:1:2":     "blk:0:set,reject (3)",
		"action:88:1": "blk:0:action,success (0)",
		"get:3:2":     "blk:-4:",
		"get:2:3":     "blk:0:",
		"get:2:9":     "garbage",
	}
	c, _ := established(t, func(f string) []string {
		if a, ok := answers[f]; ok {
			return []string{a}
		}
		return nil
	})

	if _, err := c.Execute(context.Background(), &PendingOperation{Kind: KindSet, ObjectID: 4, Attribute: 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := c.Execute(context.Background(), &PendingOperation{Kind: KindAction, ObjectID: 88, Attribute: 1}); err != nil {
		t.Fatalf("action: %v", err)
	}
	_, err := c.Execute(context.Background(), &PendingOperation{Kind: KindSet, ObjectID: 1, Attribute: 2})
	if !errors.Is(err, base.ErrOperationRejected) || !strings.Contains(err.Error(), "reject (3)") {
		t.Fatalf("rejected set: %v", err)
	}
	_, err = c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 3, Attribute: 2})
	var de *DeviceError
	if !errors.As(err, &de) || de.Code != -4 {
		t.Fatalf("device error: %v", err)
	}
	rb, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 2, Attribute: 3})
	if err != nil || rb.Fields == nil || len(rb.Fields) != 0 {
		t.Fatalf("empty get: %v %+v", err, rb)
	}
	if _, err = c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 2, Attribute: 9}); !errors.Is(err, base.ErrDecodeFailure) {
		t.Fatalf("garbage: %v", err)
	}
}

func TestExecuteSegmented(t *testing.T) {
	c, gw := established(t, func(f string) []string {
		switch f {
		case "get:2:2":
			return []string{"seg"}
		case "rr":
			return []string{"blk:0:a,b,c"}
		}
		return nil
	})
	rb, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 2, Attribute: 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Join(rb.Fields, "") != "abc" {
		t.Fatalf("fields %v", rb.Fields)
	}
	if gw.count("rr") != 1 {
		t.Fatalf("expected one RR, sent %v", gw.frames())
	}
}

func TestSegmentCap(t *testing.T) {
	s := quick()
	s.MaxSegments = ptr.To(3)
	gw := &fakegw{reply: func(f string) []string {
		if r := handshake("")(f); r != nil {
			return r
		}
		return []string{"seg"}
	}}
	c := New(gw, &textcodec{}, s)
	_ = c.Connect(context.Background())
	if err := c.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	_, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 2, Attribute: 2})
	if !errors.Is(err, base.ErrDecodeFailure) || errors.Is(err, base.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if gw.count("rr") != 3 || gw.count("get:") != 1 {
		t.Fatalf("sent %v", gw.frames())
	}

	// send retries stay few, segments are bounded on their own
	d := (*Settings)(nil).resolve()
	if d.executeIterations > 9 || d.maxSegments < 512 {
		t.Fatalf("defaults %+v", d)
	}
}

func TestStaleFrameIgnored(t *testing.T) {
	c, gw := established(t, func(f string) []string {
		if f == "get:0:2" {
			return []string{"blk:0:fresh"}
		}
		return nil
	})
	// a late answer to something earlier lands before the next request is sent
	gw.handler(base.Event{Kind: base.EventFrameReceived, Frame: []byte("blk:0:stale")})
	rb, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 0, Attribute: 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rb.Fields[0] != "fresh" {
		t.Fatalf("got %v", rb.Fields)
	}
}

func TestDisconnectAbortsWait(t *testing.T) {
	s := quick()
	s.ResponseTicks = ptr.To(1000) // 5s, the abort has to end the wait long before
	gw := &fakegw{reply: handshake("")}
	c := New(gw, &textcodec{}, s)
	_ = c.Connect(context.Background())
	if err := c.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	gw.mu.Lock()
	gw.reply = nil
	gw.mu.Unlock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		gw.handler(base.Event{Kind: base.EventDisconnected})
	}()
	start := time.Now()
	_, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: 0, Attribute: 2})
	if !errors.Is(err, base.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait was not aborted")
	}
}

// blocks answers a load profile read with n blocks of two fields each
func blocks(n int) func(string) []string {
	var mu sync.Mutex
	sent := 0
	return func(f string) []string {
		if !strings.HasPrefix(f, "get:2:2") {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		sent++
		status := StatusMoreBlocks
		if sent >= n {
			status = 0
		}
		return []string{fmt.Sprintf("blk:%d:r%d.a,r%d.b", status, sent, sent)}
	}
}

func TestReadAll(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		c, gw := established(t, blocks(n))
		res, err := c.ReadAll(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: ObjectLoadProfile, Attribute: 2})
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if res.Blocks != n || len(res.Fields) != 2*n {
			t.Fatalf("n=%d: %d blocks, %d fields", n, res.Blocks, len(res.Fields))
		}
		if res.Fields[0] != "r1.a" || res.Fields[2*n-1] != fmt.Sprintf("r%d.b", n) {
			t.Fatalf("n=%d: order %v", n, res.Fields)
		}
		if got := gw.count("get:2:2"); got != n {
			t.Fatalf("n=%d: %d requests, expected initial plus %d continuations", n, got, n-1)
		}
		if got := gw.count("get:2:2:next"); got != n-1 {
			t.Fatalf("n=%d: %d continuations marked next, expected %d", n, got, n-1)
		}
	}
}

func TestBlockCap(t *testing.T) {
	s := quick()
	s.BlockCap = ptr.To(3)
	gw := &fakegw{reply: func(f string) []string {
		if r := handshake("")(f); r != nil {
			return r
		}
		return []string{"blk:2:x"}
	}}
	c := New(gw, &textcodec{}, s)
	_ = c.Connect(context.Background())
	if err := c.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	res, err := c.ReadAll(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: ObjectEventLog, Attribute: 2})
	if !errors.Is(err, base.ErrTruncated) {
		t.Fatalf("got %v", err)
	}
	if res == nil || res.Blocks != 3 || len(res.Fields) != 3 {
		t.Fatalf("partial result %+v", res)
	}
}

func TestReadAfterTruncation(t *testing.T) {
	s := quick()
	s.BlockCap = ptr.To(2)
	fresh := 0
	gw := &fakegw{reply: func(f string) []string {
		if r := handshake("")(f); r != nil {
			return r
		}
		if f == "get:1:2" {
			fresh++
			if fresh > 1 {
				return []string{"blk:0:entry"}
			}
		}
		return []string{"blk:2:x"}
	}}
	c := New(gw, &textcodec{}, s)
	_ = c.Connect(context.Background())
	if err := c.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if _, err := c.ReadAll(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: ObjectBilling, Attribute: 2}); !errors.Is(err, base.ErrTruncated) {
		t.Fatalf("got %v", err)
	}
	rb, err := c.Execute(context.Background(), &PendingOperation{Kind: KindGet, ObjectID: ObjectBilling, Attribute: 2, Selector: 2, Parameters: "0f01"})
	if err != nil || rb.Continuation || rb.Fields[0] != "entry" {
		t.Fatalf("fresh read %+v %v", rb, err)
	}
	sent := gw.frames()
	if last := sent[len(sent)-1]; last != "get:1:2" {
		t.Fatalf("fresh read sent as %q", last)
	}
}

func TestBlockTransferFailureMidway(t *testing.T) {
	c, _ := established(t, nil)
	calls := 0
	initial := func(context.Context) (*ResponseBlock, error) {
		return &ResponseBlock{Fields: []string{"a"}, Continuation: true}, nil
	}
	next := func(context.Context) (*ResponseBlock, error) {
		calls++
		return nil, base.ErrTimeout
	}
	res, err := c.PerformBlockTransfer(context.Background(), initial, next)
	if res != nil || !errors.Is(err, base.ErrTimeout) || calls != 1 {
		t.Fatalf("got %v %v after %d calls", res, err, calls)
	}
}

func TestRelease(t *testing.T) {
	c, gw := established(t, nil)
	if err := c.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state %v", c.State())
	}
	if gw.count("rlrq") != 1 || gw.count("disc") != 1 {
		t.Fatalf("sent %v", gw.frames())
	}
}

func TestReleaseUnanswered(t *testing.T) {
	c, gw := established(t, nil)
	gw.mu.Lock()
	gw.reply = func(string) []string { return nil }
	gw.mu.Unlock()
	if err := c.Release(context.Background()); !errors.Is(err, base.ErrProtocolFailure) {
		t.Fatalf("got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state %v", c.State())
	}
}

func TestReleaseCancelled(t *testing.T) {
	c, _ := established(t, nil)
	c.timing.releaseSettle = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := c.Release(ctx)
	if !errors.Is(err, base.ErrProtocolFailure) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("settle wait ignored the context")
	}
	if c.State() != StateIdle {
		t.Fatalf("state %v", c.State())
	}
}
