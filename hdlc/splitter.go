package hdlc

import "bytes"

// Splitter cuts a received byte stream into whole HDLC frames. Garbage between frames is skipped,
// a shared flag between two back to back frames is accepted.
type Splitter struct {
	buf []byte
}

func NewSplitter() *Splitter {
	return &Splitter{buf: make([]byte, 0, maxLength)}
}

func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

func (s *Splitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	start := 0
	for {
		i := bytes.IndexByte(s.buf[start:], 0x7e)
		if i < 0 {
			start = len(s.buf)
			break
		}
		start += i
		b := s.buf[start:]
		if len(b) < 3 {
			break
		}
		if b[1]&0xf0 != 0xa0 { // either double flag or noise
			start++
			continue
		}
		length := int(b[1]&7)<<8 | int(b[2])
		if length < 7 {
			start++
			continue
		}
		if len(b) < length+2 {
			break
		}
		if b[length+1] != 0x7e {
			start++
			continue
		}
		f := make([]byte, length+2)
		copy(f, b)
		out = append(out, f)
		start += length + 1 // closing flag may open the next frame
	}
	s.buf = append(s.buf[:0], s.buf[start:]...)
	return out
}
