package dlmsal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/meterkenshin/dlmslink/base"
)

// lengthbytes is the size of a BER/A-XDR length: short form below 128, else 0x8n and n bytes
func lengthbytes(l uint) int {
	if l < 128 {
		return 1
	}
	n := 1
	for ; l > 0; l >>= 8 {
		n++
	}
	return n
}

func encodelength(dst *bytes.Buffer, l uint) {
	n := lengthbytes(l)
	if n == 1 {
		dst.WriteByte(byte(l))
		return
	}
	dst.WriteByte(0x80 | byte(n-1))
	for shift := 8 * (n - 2); shift >= 0; shift -= 8 {
		dst.WriteByte(byte(l >> shift))
	}
}

func encodetag(dst *bytes.Buffer, tag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, uint(len(data)))
	dst.Write(data)
}

// encodetag2 nests data in an inner TLV, e.g. [context] { octet-string }
func encodetag2(dst *bytes.Buffer, tag byte, innertag byte, data []byte) {
	l := uint(len(data))
	dst.WriteByte(tag)
	encodelength(dst, 1+uint(lengthbytes(l))+l)
	encodetag(dst, innertag, data)
}

// decodelength returns the length and the number of bytes it took
func decodelength(src io.Reader, tmp *tmpbuffer) (uint, int, error) {
	if _, err := io.ReadFull(src, tmp[:1]); err != nil {
		return 0, 0, err
	}
	first := tmp[0]
	if first&0x80 == 0 {
		return uint(first), 1, nil
	}
	n := int(first & 0x7f)
	switch {
	case n == 0:
		return 0, 0, fmt.Errorf("indefinite length is not supported")
	case n > 4:
		return 0, 0, fmt.Errorf("length of %d bytes is not supported", n)
	}
	if _, err := io.ReadFull(src, tmp[:n]); err != nil {
		return 0, 0, fmt.Errorf("truncated length: %w", err)
	}
	var l uint
	for _, b := range tmp[:n] {
		l = l<<8 | uint(b)
	}
	return l, n + 1, nil
}

// decodetag splits one BER TLV from the start of src, returns tag, consumed bytes and the value
func decodetag(src []byte, tmp *tmpbuffer) (byte, int, []byte, error) {
	if len(src) < 2 {
		return 0, 0, nil, fmt.Errorf("tag truncated")
	}
	if src[0] == byte(base.TagExceptionResponse) {
		_, desc := decodeException(src)
		return 0, 0, nil, fmt.Errorf("exception received: %s", desc)
	}
	l, n, err := decodelength(bytes.NewReader(src[1:]), tmp)
	if err != nil {
		return 0, 0, nil, err
	}
	end := 1 + n + int(l)
	if len(src) < end {
		return 0, 0, nil, fmt.Errorf("tag %02x needs %d bytes, %d left", src[0], l, len(src)-1-n)
	}
	return src[0], end, src[1+n : end], nil
}
