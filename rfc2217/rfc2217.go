// Package rfc2217 is a gateway to an optical probe attached to a terminal server that exposes
// the serial port with the telnet COM port control option (RFC 2217).
package rfc2217

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"go.uber.org/zap"
)

const (
	COM_PORT_OPTION = 44 // 0x2c
	BINARY_OPTION   = 0
	SGA_OPTION      = 3

	IAC = 255
	SB  = 250 // 0xfa
	SE  = 240 // 0xf0

	WILL = 251 // 0xfb
	WONT = 252 // 0xfc
	DO   = 253 // 0xfd
	DONT = 254 // 0xfe

	Signature = "DLMS-Serial-Client"

	maxSubnegotiation = 1024
	noFlowControl     = 1
	purgeBoth         = 3
)

// client to server commands, the server answers with the command + 100
const (
	cmdSignature = 0
	cmdBaudRate  = 1
	cmdDataSize  = 2
	cmdParity    = 3
	cmdStopSize  = 4
	cmdControl   = 5
	cmdPurge     = 12
)

type Settings struct {
	Hostname string
	Port     int
	Timeout  time.Duration
	Serial   *base.SerialStreamSettings // line parameters requested from the access server
}

// Reported is the line configuration last confirmed by the access server.
type Reported struct {
	BaudRate   int
	DataBits   int
	Parity     int
	StopBits   int
	Control    int
	LineState  byte
	ModemState byte
	Signature  string
}

type Gateway struct {
	settings Settings
	deframer base.Deframer
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	wmu      sync.Mutex
	conn     net.Conn
	isopen   bool
	done     chan struct{}
	reported Reported
}

func New(settings Settings, deframer base.Deframer) *Gateway {
	if settings.Serial == nil {
		settings.Serial = base.DefaultSerialSettings("")
	}
	return &Gateway{settings: settings, deframer: deframer}
}

func (r *Gateway) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *Gateway) dlogf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, v...)
	}
}

func (r *Gateway) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

func checkline(s *base.SerialStreamSettings) error {
	switch s.BaudRate {
	case 300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("unsupported baud rate %d", s.BaudRate)
	}
	switch s.DataBits {
	case base.Serial7DataBits, base.Serial8DataBits:
	default:
		return fmt.Errorf("unsupported data bits %d", s.DataBits)
	}
	switch s.Parity {
	case base.SerialNoParity, base.SerialOddParity, base.SerialEvenParity:
	default:
		return fmt.Errorf("unsupported parity %d", s.Parity)
	}
	switch s.StopBits {
	case base.SerialOneStopBit, base.SerialTwoStopBits, base.SerialOneAndHalfStopBits:
	default:
		return fmt.Errorf("unsupported stop bits %d", s.StopBits)
	}
	return nil
}

func writeOption(src []byte, option byte, intent byte) []byte {
	return append(src, IAC, intent, option)
}

func writeSignature(src []byte) []byte {
	src = append(src, IAC, SB, COM_PORT_OPTION, cmdSignature)
	src = append(src, Signature...)
	return append(src, IAC, SE)
}

func writeSubnegotiation(src []byte, cmd byte, value []byte) []byte {
	src = append(src, IAC, SB, COM_PORT_OPTION, cmd)
	for _, b := range value {
		if b == IAC {
			src = append(src, IAC)
		}
		src = append(src, b)
	}
	return append(src, IAC, SE)
}

// negotiation is what the client sends right after the connect: telnet options, purge,
// signature and the requested line parameters
func negotiation(s *base.SerialStreamSettings) []byte {
	var cmd [4]byte
	b := make([]byte, 0, 128)
	b = writeOption(b, BINARY_OPTION, WILL)
	b = writeOption(b, SGA_OPTION, WILL)
	b = writeOption(b, COM_PORT_OPTION, WILL)
	b = writeSubnegotiation(b, cmdPurge, []byte{purgeBoth})
	b = writeSignature(b)
	binary.BigEndian.PutUint32(cmd[:], uint32(s.BaudRate))
	b = writeSubnegotiation(b, cmdBaudRate, cmd[:])
	b = writeSubnegotiation(b, cmdDataSize, []byte{byte(s.DataBits)})
	b = writeSubnegotiation(b, cmdParity, []byte{byte(s.Parity)})
	b = writeSubnegotiation(b, cmdStopSize, []byte{byte(s.StopBits)})
	return writeSubnegotiation(b, cmdControl, []byte{noFlowControl})
}

// escape doubles every IAC in the payload
func escape(src []byte) []byte {
	out := make([]byte, 0, len(src)+8)
	for _, b := range src {
		if b == IAC {
			out = append(out, IAC)
		}
		out = append(out, b)
	}
	return out
}

func (r *Gateway) Open(ctx context.Context, handler base.EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isopen {
		return nil
	}
	if err := checkline(r.settings.Serial); err != nil {
		return err
	}
	address := net.JoinHostPort(r.settings.Hostname, strconv.Itoa(r.settings.Port))
	d := net.Dialer{Timeout: r.settings.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		r.logf("Connect to %s failed: %v", address, err)
		return fmt.Errorf("connect failed: %w", err)
	}
	r.logf("Connected to %s, negotiating telnet options", address)
	r.wmu.Lock()
	r.conn = conn
	r.wmu.Unlock()
	if err = r.write(negotiation(r.settings.Serial)); err != nil {
		conn.Close()
		r.wmu.Lock()
		r.conn = nil
		r.wmu.Unlock()
		return err
	}

	r.isopen = true
	r.done = make(chan struct{})
	go func(conn net.Conn, done chan struct{}) {
		defer close(done)
		handler(base.Event{Kind: base.EventConnected})
		handler(base.Event{Kind: base.EventServicesReady})
		t := &telnet{src: bufio.NewReader(conn), g: r}
		err := base.Pump(t, r.deframer, handler, r.dlogf)
		r.mu.Lock()
		r.isopen = false
		r.mu.Unlock()
		r.dlogf("reader stopped: %v", err)
	}(conn, r.done)
	return nil
}

func (r *Gateway) write(b []byte) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.conn == nil {
		return base.ErrNotOpened
	}
	if r.settings.Timeout > 0 {
		_ = r.conn.SetWriteDeadline(time.Now().Add(r.settings.Timeout))
	}
	if _, err := r.conn.Write(b); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (r *Gateway) Send(frame []byte) error {
	if !r.IsOpen() {
		return base.ErrNotOpened
	}
	r.dlogf("%s", base.LogHex("TX", frame))
	return r.write(escape(frame))
}

func (r *Gateway) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isopen
}

// Reported returns the line state confirmed by the access server so far.
func (r *Gateway) Reported() Reported {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reported
}

func (r *Gateway) Close() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.isopen = false
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	r.wmu.Lock()
	r.conn = nil
	r.wmu.Unlock()
	r.logf("Disconnected")
	return err
}

// telnet strips commands from the received stream and handles them on the way.
type telnet struct {
	src *bufio.Reader
	g   *Gateway
}

func (t *telnet) Read(p []byte) (n int, err error) {
	for n < len(p) {
		// hand over what we have instead of blocking for more
		if n > 0 && t.src.Buffered() == 0 {
			return n, nil
		}
		b, err := t.src.ReadByte()
		if err != nil {
			return n, err
		}
		if b != IAC {
			p[n] = b
			n++
			continue
		}
		c, err := t.src.ReadByte()
		if err != nil {
			return n, err
		}
		if c == IAC {
			p[n] = IAC
			n++
			continue
		}
		if err = t.command(c); err != nil {
			return n, err
		}
	}
	return n, nil
}

func mandatory(option byte) bool {
	switch option {
	case BINARY_OPTION, SGA_OPTION, COM_PORT_OPTION:
		return true
	}
	return false
}

func (t *telnet) command(cmd byte) error {
	if cmd == SB {
		return t.subnegotiation()
	}
	switch cmd {
	case WILL, WONT, DO, DONT:
	default:
		t.g.logf("unknown/unsupported command: %02x", cmd)
		return nil
	}
	option, err := t.src.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case WILL:
		if !mandatory(option) {
			t.g.logf("other party has intent to do %v", option)
			return t.g.write([]byte{IAC, DONT, option})
		}
	case WONT, DONT:
		if mandatory(option) {
			return fmt.Errorf("other party refused mandatory option %v", option)
		}
		t.g.logf("other party has intent not to do %v", option)
	case DO:
		if !mandatory(option) {
			t.g.logf("other party wants option %v", option)
			return t.g.write([]byte{IAC, WONT, option})
		}
	}
	return nil
}

func (t *telnet) subnegotiation() error {
	buffer := make([]byte, 0, 16)
	riac := false
	for {
		if len(buffer) >= maxSubnegotiation {
			return fmt.Errorf("subnegotiation buffer overflow")
		}
		s, err := t.src.ReadByte()
		if err != nil {
			return err
		}
		if riac {
			switch s {
			case IAC:
				buffer = append(buffer, IAC)
				riac = false
			case SE:
				return t.g.process(buffer)
			default:
				return fmt.Errorf("invalid subnegotiation command")
			}
			continue
		}
		if s == IAC {
			riac = true
		} else {
			buffer = append(buffer, s)
		}
	}
}

func (r *Gateway) process(sub []byte) error {
	if len(sub) < 2 {
		return fmt.Errorf("subnegotiation too short")
	}
	if sub[0] != COM_PORT_OPTION {
		return fmt.Errorf("unsupported subnegotiation option %02x", sub[0])
	}
	sub = sub[1:]
	one := func() (byte, error) {
		if len(sub) != 2 {
			return 0, fmt.Errorf("invalid subnegotiation length for %d", sub[0])
		}
		return sub[1], nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rep := &r.reported
	switch sub[0] {
	case cmdSignature, cmdSignature + 100:
		if len(sub) == 1 { // signature requested
			return r.write(writeSignature(nil))
		}
		rep.Signature = strings.Trim(string(sub[1:]), "\x00 \n\r\t")
		r.logf("signature: %q", rep.Signature)
	case cmdBaudRate + 100:
		if len(sub) != 5 {
			return fmt.Errorf("invalid subnegotiation length for %d", sub[0])
		}
		rep.BaudRate = int(binary.BigEndian.Uint32(sub[1:]))
		r.dlogf("reported baudrate: %d", rep.BaudRate)
	case cmdDataSize + 100:
		v, err := one()
		if err != nil {
			return err
		}
		rep.DataBits = int(v)
	case cmdParity + 100:
		v, err := one()
		if err != nil {
			return err
		}
		rep.Parity = int(v)
	case cmdStopSize + 100:
		v, err := one()
		if err != nil {
			return err
		}
		rep.StopBits = int(v)
	case cmdControl + 100:
		v, err := one()
		if err != nil {
			return err
		}
		rep.Control = int(v)
	case 106: // notify line state
		v, err := one()
		if err != nil {
			return err
		}
		rep.LineState = v
		r.dlogf("reported line state: %02x", v)
	case 107: // notify modem state
		v, err := one()
		if err != nil {
			return err
		}
		rep.ModemState = v
		r.dlogf("reported modem state: %02x", v)
	case 108, 109: // flow control suspend, resume
		r.logf("flow control notification: %d", sub[0])
	case 110, 111, cmdPurge + 100: // line state mask, modem state mask, purge
		r.dlogf("access server notification: %d", sub[0])
	default:
		return fmt.Errorf("unsupported subnegotiation command %02x", sub[0])
	}
	return nil
}
