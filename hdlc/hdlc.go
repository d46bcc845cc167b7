package hdlc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

const (
	maxLength     = 2050
	maxInfoLength = 2000
	minInfoLength = 128
)

const (
	controlSNRM = 0x83
	controlUA   = 0x63
	controlDISC = 0x43
	controlDM   = 0x0f
	controlUI   = 0x03
)

// Link builds and checks HDLC frames for one client/server address pair. It does no I/O, frames
// are handed to whatever gateway carries them. Not safe for concurrent use.
type Link struct {
	logical  uint16
	physical uint16
	client   byte
	logger   *zap.SugaredLogger
	wantrcv  uint
	wantsnd  uint
	maxrcv   uint
	maxsnd   uint
	controlS byte
	controlR byte
}

// Frame is one decoded HDLC frame, control has the poll/final bit cleared.
type Frame struct {
	Control   byte
	Final     bool
	Segmented bool
	Info      []byte
}

func (f *Frame) IsI() bool  { return f.Control&1 == 0 }
func (f *Frame) IsRR() bool { return f.Control&0xf == 1 }
func (f *Frame) IsUA() bool { return f.Control == controlUA }
func (f *Frame) IsDM() bool { return f.Control == controlDM }
func (f *Frame) IsUI() bool { return f.Control == controlUI }

type Settings struct {
	Logical  uint16
	Physical uint16
	Client   byte
	MaxRcv   uint
	MaxSnd   uint
}

func New(settings *Settings) (*Link, error) {
	if settings.Logical > 0x3fff {
		return nil, fmt.Errorf("invalid logical address")
	}
	if settings.Physical > 0x3fff {
		return nil, fmt.Errorf("invalid physical address")
	}
	if settings.Client > 0x7f {
		return nil, fmt.Errorf("invalid client address")
	}
	w := &Link{
		logical:  settings.Logical,  // upper
		physical: settings.Physical, // lower
		client:   settings.Client,
		wantrcv:  clampinfo(settings.MaxRcv),
		wantsnd:  clampinfo(settings.MaxSnd),
	}
	w.maxrcv = minInfoLength
	w.maxsnd = minInfoLength
	return w, nil
}

func clampinfo(v uint) uint {
	if v > maxInfoLength {
		return maxInfoLength
	}
	if v < minInfoLength {
		return minInfoLength
	}
	return v
}

func (w *Link) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
}

func (w *Link) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

// MaxInfo returns the negotiated maximum information field lengths.
func (w *Link) MaxInfo() (rcv uint, snd uint) {
	return w.maxrcv, w.maxsnd
}

// Snrm resets the sequence numbers and returns the SNRM frame asking for the configured info field lengths.
func (w *Link) Snrm() ([]byte, error) {
	w.controlS = 0
	w.controlR = 0
	w.maxrcv = minInfoLength
	w.maxsnd = minInfoLength

	var p []byte
	if w.wantrcv > 0xff || w.wantsnd > 0xff {
		p = []byte{0x81, 0x80, 0x14, 0x05, 0x02, byte(w.wantsnd >> 8), byte(w.wantsnd), 0x06, 0x02, byte(w.wantrcv >> 8), byte(w.wantrcv)}
	} else {
		p = []byte{0x81, 0x80, 0x12, 0x05, 0x01, byte(w.wantsnd), 0x06, 0x01, byte(w.wantrcv)}
	}
	p = append(p, 0x07, 0x04, 0x00, 0x00, 0x00, 0x01, 0x08, 0x04, 0x00, 0x00, 0x00, 0x01)
	return w.EncodeFrame(controlSNRM, p, false)
}

// ParseUA checks the SNRM answer and adopts the negotiated info field lengths.
func (w *Link) ParseUA(frame []byte) error {
	f, err := w.Decode(frame)
	if err != nil {
		return err
	}
	if f.IsDM() {
		return fmt.Errorf("snrm refused, DM received")
	}
	if !f.IsUA() {
		return fmt.Errorf("invalid snrm answer, expected UA, got %x", f.Control)
	}
	w.maxrcv = w.wantrcv
	w.maxsnd = w.wantsnd
	if len(f.Info) == 0 { // no negotiation, stick to defaults
		w.maxrcv = minInfoLength
		w.maxsnd = minInfoLength
	} else if err = w.parsesnrmua(f.Info); err != nil {
		return err
	}
	w.logf("snrm completed, having maxsnd: %v, maxrcv: %v", w.maxsnd, w.maxrcv)
	return nil
}

// parsesnrmua reads the UA parameters: format 0x81, group 0x80, then id/length/value triples.
// The server may only lower what was asked for.
func (w *Link) parsesnrmua(ua []byte) error {
	if len(ua) < 3 || ua[0] != 0x81 || ua[1] != 0x80 || int(ua[2]) != len(ua)-3 {
		return fmt.Errorf("invalid snrm response parameters % x", ua)
	}
	for p := ua[3:]; len(p) > 0; {
		if len(p) < 2 || len(p) < 2+int(p[1]) {
			return fmt.Errorf("truncated snrm response parameter")
		}
		id, v := p[0], p[2:2+int(p[1])]
		p = p[2+len(v):]
		var val uint
		switch len(v) {
		case 1, 2, 4:
			for _, b := range v {
				val = val<<8 | uint(b)
			}
		default:
			return fmt.Errorf("invalid length %d of snrm parameter %d", len(v), id)
		}
		switch id {
		case 5: // server transmit
			w.maxrcv = min(w.maxrcv, val)
		case 6: // server receive
			w.maxsnd = min(w.maxsnd, val)
		case 7, 8: // windows, always 1
		default:
			return fmt.Errorf("unknown snrm response parameter %d", id)
		}
	}
	return nil
}

// Information wraps info into a single I frame. Requests longer than the negotiated size are refused,
// client side segmentation is not done.
func (w *Link) Information(info []byte) ([]byte, error) {
	if len(info) == 0 {
		return nil, fmt.Errorf("empty information field")
	}
	if uint(len(info)) > w.maxsnd {
		return nil, fmt.Errorf("information field too long: %d > %d", len(info), w.maxsnd)
	}
	return w.EncodeFrame(w.nextcontrol(), info, false)
}

// ReceiveReady asks the server for the next segment.
func (w *Link) ReceiveReady() ([]byte, error) {
	return w.EncodeFrame((w.controlR<<5)|1, nil, false)
}

func (w *Link) Disconnect() ([]byte, error) {
	return w.EncodeFrame(controlDISC, nil, false)
}

func (w *Link) nextcontrol() byte {
	r := (w.controlR << 5) | (w.controlS << 1)
	w.controlS = (w.controlS + 1) & 7
	return r
}

// Decode verifies one whole frame (with both 0x7e flags) and tracks the receive sequence number.
func (w *Link) Decode(frame []byte) (*Frame, error) {
	if len(frame) < 2 || frame[0] != 0x7e || frame[len(frame)-1] != 0x7e {
		return nil, fmt.Errorf("frame is not enclosed in 0x7e flags")
	}
	ori := frame[1 : len(frame)-1]
	if len(ori) < 2 || (ori[0]&0xf0) != 0xa0 {
		return nil, fmt.Errorf("invalid frame format field")
	}
	if int(ori[0]&7)<<8|int(ori[1]) != len(ori) {
		return nil, fmt.Errorf("frame length mismatch")
	}
	pck, err := w.parsepacket(ori)
	if err != nil {
		return nil, err
	}
	if pck.IsI() {
		ns := (pck.Control >> 1) & 7
		if ns != w.controlR {
			w.logf("unexpected I frame numbering, got %d, expected %d", ns, w.controlR)
		}
		w.controlR = (ns + 1) & 7
	}
	return pck, nil
}

var fcstab = [...]uint16{
	0x0000, 0x1189, 0x2312, 0x329b, 0x4624, 0x57ad, 0x6536, 0x74bf,
	0x8c48, 0x9dc1, 0xaf5a, 0xbed3, 0xca6c, 0xdbe5, 0xe97e, 0xf8f7,
	0x1081, 0x0108, 0x3393, 0x221a, 0x56a5, 0x472c, 0x75b7, 0x643e,
	0x9cc9, 0x8d40, 0xbfdb, 0xae52, 0xdaed, 0xcb64, 0xf9ff, 0xe876,
	0x2102, 0x308b, 0x0210, 0x1399, 0x6726, 0x76af, 0x4434, 0x55bd,
	0xad4a, 0xbcc3, 0x8e58, 0x9fd1, 0xeb6e, 0xfae7, 0xc87c, 0xd9f5,
	0x3183, 0x200a, 0x1291, 0x0318, 0x77a7, 0x662e, 0x54b5, 0x453c,
	0xbdcb, 0xac42, 0x9ed9, 0x8f50, 0xfbef, 0xea66, 0xd8fd, 0xc974,
	0x4204, 0x538d, 0x6116, 0x709f, 0x0420, 0x15a9, 0x2732, 0x36bb,
	0xce4c, 0xdfc5, 0xed5e, 0xfcd7, 0x8868, 0x99e1, 0xab7a, 0xbaf3,
	0x5285, 0x430c, 0x7197, 0x601e, 0x14a1, 0x0528, 0x37b3, 0x263a,
	0xdecd, 0xcf44, 0xfddf, 0xec56, 0x98e9, 0x8960, 0xbbfb, 0xaa72,
	0x6306, 0x728f, 0x4014, 0x519d, 0x2522, 0x34ab, 0x0630, 0x17b9,
	0xef4e, 0xfec7, 0xcc5c, 0xddd5, 0xa96a, 0xb8e3, 0x8a78, 0x9bf1,
	0x7387, 0x620e, 0x5095, 0x411c, 0x35a3, 0x242a, 0x16b1, 0x0738,
	0xffcf, 0xee46, 0xdcdd, 0xcd54, 0xb9eb, 0xa862, 0x9af9, 0x8b70,
	0x8408, 0x9581, 0xa71a, 0xb693, 0xc22c, 0xd3a5, 0xe13e, 0xf0b7,
	0x0840, 0x19c9, 0x2b52, 0x3adb, 0x4e64, 0x5fed, 0x6d76, 0x7cff,
	0x9489, 0x8500, 0xb79b, 0xa612, 0xd2ad, 0xc324, 0xf1bf, 0xe036,
	0x18c1, 0x0948, 0x3bd3, 0x2a5a, 0x5ee5, 0x4f6c, 0x7df7, 0x6c7e,
	0xa50a, 0xb483, 0x8618, 0x9791, 0xe32e, 0xf2a7, 0xc03c, 0xd1b5,
	0x2942, 0x38cb, 0x0a50, 0x1bd9, 0x6f66, 0x7eef, 0x4c74, 0x5dfd,
	0xb58b, 0xa402, 0x9699, 0x8710, 0xf3af, 0xe226, 0xd0bd, 0xc134,
	0x39c3, 0x284a, 0x1ad1, 0x0b58, 0x7fe7, 0x6e6e, 0x5cf5, 0x4d7c,
	0xc60c, 0xd785, 0xe51e, 0xf497, 0x8028, 0x91a1, 0xa33a, 0xb2b3,
	0x4a44, 0x5bcd, 0x6956, 0x78df, 0x0c60, 0x1de9, 0x2f72, 0x3efb,
	0xd68d, 0xc704, 0xf59f, 0xe416, 0x90a9, 0x8120, 0xb3bb, 0xa232,
	0x5ac5, 0x4b4c, 0x79d7, 0x685e, 0x1ce1, 0x0d68, 0x3ff3, 0x2e7a,
	0xe70e, 0xf687, 0xc41c, 0xd595, 0xa12a, 0xb0a3, 0x8238, 0x93b1,
	0x6b46, 0x7acf, 0x4854, 0x59dd, 0x2d62, 0x3ceb, 0x0e70, 0x1ff9,
	0xf78f, 0xe606, 0xd49d, 0xc514, 0xb1ab, 0xa022, 0x92b9, 0x8330,
	0x7bc7, 0x6a4e, 0x58d5, 0x495c, 0x3de3, 0x2c6a, 0x1ef1, 0x0f78,
}

func crc16(c uint16, d []byte) uint16 {
	for _, b := range d {
		c = fcstab[byte(c)^b] ^ (c >> 8)
	}
	return c
}

// fcs is the HCS/FCS over d, transmitted least significant byte first
func fcs(d []byte) uint16 {
	return crc16(0xffff, d) ^ 0xffff
}

func appendfcs(dst []byte, over []byte) []byte {
	c := fcs(over)
	return append(dst, byte(c), byte(c>>8))
}

// serveraddress reads the 1, 2 or 4 byte server address, its last byte has bit 0 set
func serveraddress(src []byte) (logical uint16, physical uint16, n int, err error) {
	for n < len(src) && n < 4 {
		n++
		if src[n-1]&1 != 0 {
			break
		}
	}
	if n == 0 || src[n-1]&1 == 0 {
		return 0, 0, 0, fmt.Errorf("server address is not terminated")
	}
	switch n {
	case 1:
		return uint16(src[0] >> 1), 0, n, nil
	case 2:
		return uint16(src[0] >> 1), uint16(src[1] >> 1), n, nil
	case 4:
		return uint16(src[0]>>1)<<7 | uint16(src[1]>>1), uint16(src[2]>>1)<<7 | uint16(src[3]>>1), n, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid server address length %d", n)
}

// ori is the frame without flags: format, addresses, control, optional hcs+info, fcs
func (w *Link) parsepacket(ori []byte) (*Frame, error) {
	if len(ori) < 6 {
		return nil, fmt.Errorf("too short packet")
	}
	if ori[2]&1 == 0 || ori[2]>>1 != w.client {
		return nil, fmt.Errorf("frame is not addressed to client %d", w.client)
	}
	logical, physical, n, err := serveraddress(ori[3:])
	if err != nil {
		return nil, err
	}
	if logical != w.logical || physical != w.physical {
		return nil, fmt.Errorf("frame from server %d/%d, expected %d/%d", logical, physical, w.logical, w.physical)
	}
	ctl := 3 + n
	if len(ori) < ctl+3 {
		return nil, fmt.Errorf("too short packet")
	}
	if fcs(ori[:len(ori)-2]) != binary.LittleEndian.Uint16(ori[len(ori)-2:]) {
		return nil, fmt.Errorf("fcs mismatch")
	}
	f := &Frame{
		Segmented: ori[0]&8 != 0,
		Control:   ori[ctl] &^ 0x10,
		Final:     ori[ctl]&0x10 != 0,
	}
	switch len(ori) - ctl - 1 {
	case 2: // fcs only
	case 3:
		return nil, fmt.Errorf("invalid packet length")
	default:
		if fcs(ori[:ctl+1]) != binary.LittleEndian.Uint16(ori[ctl+1:]) {
			return nil, fmt.Errorf("hcs mismatch")
		}
		f.Info = bytes.Clone(ori[ctl+3 : len(ori)-2])
	}
	return f, nil
}

func (w *Link) address() []byte {
	switch {
	case w.logical <= 0x7f && w.physical == 0:
		return []byte{byte(w.logical<<1) | 1}
	case w.logical <= 0x7f && w.physical <= 0x7f:
		return []byte{byte(w.logical << 1), byte(w.physical<<1) | 1}
	}
	return []byte{byte(w.logical>>7) << 1, byte(w.logical << 1), byte(w.physical>>7) << 1, byte(w.physical<<1) | 1}
}

// EncodeFrame builds a raw frame from this end of the link. The poll/final bit is always set, there is
// no windowing.
func (w *Link) EncodeFrame(control byte, info []byte, segmented bool) ([]byte, error) {
	addr := w.address()
	n := 6 + len(addr)
	if len(info) > 0 {
		n += 2 + len(info)
	}
	if n > 0x7ff {
		return nil, fmt.Errorf("frame of %d bytes is too long to encode", n)
	}
	format := 0xa000 | uint16(n)
	if segmented {
		format |= 0x0800
	}
	out := make([]byte, 0, n+2)
	out = append(out, 0x7e, byte(format>>8), byte(format))
	out = append(out, addr...)
	out = append(out, w.client<<1|1, control|0x10)
	if len(info) > 0 {
		out = appendfcs(out, out[1:])
		out = append(out, info...)
	}
	out = appendfcs(out, out[1:])
	return append(out, 0x7e), nil
}
