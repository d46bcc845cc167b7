package wsbridge

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/hdlc"
)

var frame = []byte{0x7e, 0xa0, 0x07, 0x03, 0x21, 0x93, 0x0f, 0x01, 0x7e}

// bridge answers every binary write with the same bytes split in two notifications
func bridge(t *testing.T, lifecycle bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		if lifecycle {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"services_ready"}`))
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, data[:4])
			_ = conn.WriteMessage(websocket.BinaryMessage, data[4:])
		}
	}))
}

func wsurl(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func next(t *testing.T, ch chan base.Event) base.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	return base.Event{}
}

func TestBridgeRoundTrip(t *testing.T) {
	for _, lifecycle := range []bool{true, false} {
		srv := bridge(t, lifecycle)

		events := make(chan base.Event, 16)
		b := New(Settings{URL: wsurl(srv), ReadyOnConnect: !lifecycle}, hdlc.NewSplitter())
		if err := b.Open(context.Background(), func(ev base.Event) { events <- ev }); err != nil {
			t.Fatalf("open: %v", err)
		}
		if !b.IsOpen() {
			t.Fatalf("not open")
		}
		if ev := next(t, events); ev.Kind != base.EventConnected {
			t.Fatalf("got %v, expected connected", ev.Kind)
		}
		if ev := next(t, events); ev.Kind != base.EventServicesReady {
			t.Fatalf("got %v, expected services-ready", ev.Kind)
		}
		if err := b.Send(frame); err != nil {
			t.Fatalf("send: %v", err)
		}
		ev := next(t, events)
		if ev.Kind != base.EventFrameReceived || !bytes.Equal(ev.Frame, frame) {
			t.Fatalf("got %v %X", ev.Kind, ev.Frame)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if b.IsOpen() {
			t.Fatalf("still open")
		}
		if err := b.Send(frame); err != base.ErrNotOpened {
			t.Fatalf("send after close: %v", err)
		}
		srv.Close()
	}
}

func TestBridgeBadScheme(t *testing.T) {
	b := New(Settings{URL: "http://localhost:1"}, hdlc.NewSplitter())
	if err := b.Open(context.Background(), func(base.Event) {}); err == nil {
		t.Fatalf("expected error")
	}
}
