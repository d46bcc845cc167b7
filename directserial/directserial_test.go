package directserial

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/hdlc"
	"go.bug.st/serial"
)

type fakeport struct {
	serial.Port
	r       *io.PipeReader
	w       *io.PipeWriter
	written bytes.Buffer
}

func (p *fakeport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakeport) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakeport) Close() error                { return p.r.Close() }

func TestModeMapping(t *testing.T) {
	s := base.DefaultSerialSettings("COM1")
	s.Parity = base.SerialEvenParity
	s.StopBits = base.SerialTwoStopBits
	s.DataBits = base.Serial7DataBits
	m, err := mode(s)
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	if m.BaudRate != 9600 || m.DataBits != 7 || m.Parity != serial.EvenParity || m.StopBits != serial.TwoStopBits {
		t.Fatalf("unexpected mode %+v", m)
	}
	s.Parity = 0
	if _, err := mode(s); err == nil {
		t.Fatalf("expected parity error")
	}
}

func TestOpenSendReceive(t *testing.T) {
	pr, pw := io.Pipe()
	port := &fakeport{r: pr, w: pw}
	ds := New(base.DefaultSerialSettings("/dev/null"), hdlc.NewSplitter())
	ds.open = func(name string, m *serial.Mode) (serial.Port, error) { return port, nil }

	if err := ds.Send([]byte{1}); err != base.ErrNotOpened {
		t.Fatalf("send before open: %v", err)
	}

	events := make(chan base.Event, 8)
	if err := ds.Open(context.Background(), func(ev base.Event) { events <- ev }); err != nil {
		t.Fatalf("open: %v", err)
	}
	frame := []byte{0x7e, 0xa0, 0x07, 0x03, 0x21, 0x93, 0x0f, 0x01, 0x7e}
	if err := ds.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(port.written.Bytes(), frame) {
		t.Fatalf("written %X", port.written.Bytes())
	}
	go func() {
		_, _ = pw.Write(append([]byte{0x00, 0x7e}, frame[1:5]...))
		_, _ = pw.Write(frame[5:])
	}()

	want := []base.EventKind{base.EventConnected, base.EventServicesReady, base.EventFrameReceived}
	for _, k := range want {
		select {
		case ev := <-events:
			if ev.Kind != k {
				t.Fatalf("got %v, expected %v", ev.Kind, k)
			}
			if k == base.EventFrameReceived && !bytes.Equal(ev.Frame, frame) {
				t.Fatalf("got frame %X", ev.Frame)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %v event", k)
		}
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ds.IsOpen() {
		t.Fatalf("still open")
	}
	if ev := <-events; ev.Kind != base.EventDisconnected {
		t.Fatalf("got %v, expected disconnected", ev.Kind)
	}
}
