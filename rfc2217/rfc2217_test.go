package rfc2217

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/wrapper"
)

func TestNegotiation(t *testing.T) {
	s := base.DefaultSerialSettings("")
	s.BaudRate = 300
	s.DataBits = base.Serial7DataBits
	s.Parity = base.SerialEvenParity
	got := negotiation(s)
	expect := []byte{
		IAC, WILL, BINARY_OPTION, IAC, WILL, SGA_OPTION, IAC, WILL, COM_PORT_OPTION,
		IAC, SB, COM_PORT_OPTION, cmdPurge, purgeBoth, IAC, SE,
	}
	expect = append(expect, IAC, SB, COM_PORT_OPTION, cmdSignature)
	expect = append(expect, Signature...)
	expect = append(expect, IAC, SE,
		IAC, SB, COM_PORT_OPTION, cmdBaudRate, 0x00, 0x00, 0x01, 0x2c, IAC, SE,
		IAC, SB, COM_PORT_OPTION, cmdDataSize, 7, IAC, SE,
		IAC, SB, COM_PORT_OPTION, cmdParity, 3, IAC, SE,
		IAC, SB, COM_PORT_OPTION, cmdStopSize, 1, IAC, SE,
		IAC, SB, COM_PORT_OPTION, cmdControl, noFlowControl, IAC, SE,
	)
	if !bytes.Equal(got, expect) {
		t.Fatalf("unexpected negotiation\n got %X\nwant %X", got, expect)
	}
	if !bytes.Equal(escape([]byte{1, IAC, 2}), []byte{1, IAC, IAC, 2}) {
		t.Fatalf("IAC not escaped")
	}
}

func TestCheckLine(t *testing.T) {
	s := base.DefaultSerialSettings("")
	if err := checkline(s); err != nil {
		t.Fatalf("default line rejected: %v", err)
	}
	s.BaudRate = 1234
	if err := checkline(s); err == nil {
		t.Fatalf("odd baud rate accepted")
	}
}

func TestAccessServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	frame := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x10, 0x00, 0x03, 0xc4, 0xff, 0x01}
	settings := Settings{Hostname: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Timeout: time.Second}
	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		hello := make([]byte, len(negotiation(base.DefaultSerialSettings(""))))
		if _, err := io.ReadFull(c, hello); err != nil {
			return
		}
		var out []byte
		out = append(out, IAC, WILL, COM_PORT_OPTION)
		out = append(out, IAC, DO, 1) // echo, refused by the client
		out = append(out, IAC, SB, COM_PORT_OPTION, cmdBaudRate+100, 0x00, 0x00, 0x25, 0x80, IAC, SE)
		out = append(out, IAC, SB, COM_PORT_OPTION, 106, 0x10, IAC, SE)
		out = append(out, frame[:5]...)
		_, _ = c.Write(out)
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Write(escape(frame[5:]))

		back := make([]byte, 3+len(frame)+1)
		if _, err := io.ReadFull(c, back); err != nil {
			return
		}
		received <- back
		_, _ = io.Copy(io.Discard, c)
	}()

	g := New(settings, wrapper.NewSplitter())
	events := make(chan base.Event, 8)
	if err := g.Open(context.Background(), func(ev base.Event) { events <- ev }); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []base.EventKind{base.EventConnected, base.EventServicesReady, base.EventFrameReceived} {
		select {
		case ev := <-events:
			if ev.Kind != k {
				t.Fatalf("got %v, expected %v", ev.Kind, k)
			}
			if k == base.EventFrameReceived && !bytes.Equal(ev.Frame, frame) {
				t.Fatalf("got frame %X", ev.Frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v event", k)
		}
	}
	rep := g.Reported()
	if rep.BaudRate != 9600 || rep.LineState != 0x10 {
		t.Fatalf("unexpected reported state %+v", rep)
	}

	if err := g.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case back := <-received:
		expect := append([]byte{IAC, WONT, 1}, escape(frame)...)
		if !bytes.Equal(back, expect) {
			t.Fatalf("server got %X, expected %X", back, expect)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server got nothing")
	}

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if g.IsOpen() {
		t.Fatalf("still open")
	}
	if err := g.Send(frame); err != base.ErrNotOpened {
		t.Fatalf("send after close: %v", err)
	}
}

func TestRefusedMandatoryOption(t *testing.T) {
	g := New(Settings{}, wrapper.NewSplitter())
	tn := &telnet{src: bufioReader([]byte{'a', IAC, DONT, COM_PORT_OPTION, 'b'}), g: g}
	buf := make([]byte, 8)
	n, err := tn.Read(buf)
	if n != 1 || buf[0] != 'a' {
		t.Fatalf("read %d bytes %X", n, buf[:n])
	}
	if err == nil {
		t.Fatalf("refused COM port option accepted")
	}
}

func bufioReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}
