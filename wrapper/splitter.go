package wrapper

// Splitter cuts a received byte stream into whole wrapper frames. A frame with a wrong version drops
// the whole buffer, there is no way to resynchronize inside the stream.
type Splitter struct {
	buf []byte
}

func NewSplitter() *Splitter {
	return &Splitter{}
}

func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

func (s *Splitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for len(s.buf) >= headerLength {
		if s.buf[0] != 0 || s.buf[1] != 1 {
			s.buf = s.buf[:0]
			break
		}
		l := headerLength + int(uint16(s.buf[6])<<8|uint16(s.buf[7]))
		if len(s.buf) < l {
			break
		}
		f := make([]byte, l)
		copy(f, s.buf)
		out = append(out, f)
		s.buf = append(s.buf[:0], s.buf[l:]...)
	}
	return out
}
