package dlmsal

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RenderData flattens a value into its leaf strings, appending to dst.
func RenderData(dst []string, d *DlmsData) []string {
	switch v := d.Value.(type) {
	case []DlmsData:
		for i := range v {
			dst = RenderData(dst, &v[i])
		}
		return dst
	case DlmsCompactArray:
		for i := range v.Items {
			dst = RenderData(dst, &v.Items[i])
		}
		return dst
	}
	return append(dst, renderLeaf(d))
}

func renderLeaf(d *DlmsData) string {
	switch v := d.Value.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case []bool:
		var sb strings.Builder
		for _, b := range v {
			if b {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return sb.String()
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32:
		return fmt.Sprintf("%.3f", v)
	case float64:
		return fmt.Sprintf("%.3f", v)
	case string:
		return v
	case []byte:
		if len(v) == 12 {
			dt, _ := NewDlmsDateTimeFromSlice(v)
			return dt.String()
		}
		return strings.ToUpper(hex.EncodeToString(v))
	case DlmsDateTime:
		return v.String()
	case DlmsDate:
		return fmt.Sprintf("%04d/%02d/%02d", v.Year, v.Month, v.Day)
	case DlmsTime:
		return fmt.Sprintf("%02d:%02d:%02d", v.Hour, v.Minute, v.Second)
	}
	return fmt.Sprint(d.Value)
}

func incomplete(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// blockdecoder renders a value that arrives in pieces. Each call to feed renders the top level
// elements completed so far, a partial element waits for the next piece. dataIndex 0 keeps every
// element, n keeps only the n-th one counted over the whole transfer.
type blockdecoder struct {
	buf       []byte
	started   bool
	remaining int
	index     int
	dataIndex int
	tmp       tmpbuffer
}

func newBlockdecoder(dataIndex int) *blockdecoder {
	return &blockdecoder{dataIndex: dataIndex}
}

func (b *blockdecoder) header() (bool, error) {
	if len(b.buf) == 0 {
		return false, nil
	}
	switch dataTag(b.buf[0]) {
	case TagArray, TagStructure:
		rd := bytes.NewReader(b.buf[1:])
		l, c, err := decodelength(rd, &b.tmp)
		if err != nil {
			if incomplete(err) {
				return false, nil
			}
			return false, err
		}
		b.remaining = int(l)
		b.buf = b.buf[1+c:]
	default: // scalar, one element including its tag
		b.remaining = 1
	}
	b.started = true
	return true, nil
}

func (b *blockdecoder) feed(p []byte) ([]string, error) {
	b.buf = append(b.buf, p...)
	fields := []string{}
	if !b.started {
		ok, err := b.header()
		if err != nil || !ok {
			return fields, err
		}
	}
	for b.remaining > 0 && len(b.buf) > 0 {
		rd := bytes.NewReader(b.buf)
		d, _, err := decodeDataTag(rd, &b.tmp)
		if err != nil {
			if incomplete(err) {
				break
			}
			return nil, err
		}
		b.buf = b.buf[len(b.buf)-rd.Len():]
		b.remaining--
		b.index++
		if b.dataIndex == 0 || b.dataIndex == b.index {
			fields = RenderData(fields, &d)
		}
	}
	return fields, nil
}

// finish checks that the last piece completed the value
func (b *blockdecoder) finish() error {
	if !b.started || b.remaining != 0 {
		return fmt.Errorf("incomplete data, %d elements missing", b.remaining)
	}
	if len(b.buf) != 0 {
		return fmt.Errorf("%d bytes left after data", len(b.buf))
	}
	return nil
}

// decodeFields renders one complete value
func decodeFields(src []byte, dataIndex int) ([]string, error) {
	b := newBlockdecoder(dataIndex)
	fields, err := b.feed(src)
	if err != nil {
		return nil, err
	}
	if err = b.finish(); err != nil {
		return nil, err
	}
	return fields, nil
}
