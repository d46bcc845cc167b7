package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"
)

type dataTag uint16

const (
	TagNull               dataTag = 0
	TagArray              dataTag = 1
	TagStructure          dataTag = 2
	TagBoolean            dataTag = 3
	TagBitString          dataTag = 4
	TagDoubleLong         dataTag = 5
	TagDoubleLongUnsigned dataTag = 6
	TagFloatingPoint      dataTag = 7
	TagOctetString        dataTag = 9
	TagVisibleString      dataTag = 10
	TagUTF8String         dataTag = 12
	TagBCD                dataTag = 13
	TagInteger            dataTag = 15
	TagLong               dataTag = 16
	TagUnsigned           dataTag = 17
	TagLongUnsigned       dataTag = 18
	TagCompactArray       dataTag = 19
	TagLong64             dataTag = 20
	TagLong64Unsigned     dataTag = 21
	TagEnum               dataTag = 22
	TagFloat32            dataTag = 23
	TagFloat64            dataTag = 24
	TagDateTime           dataTag = 25
	TagDate               dataTag = 26
	TagTime               dataTag = 27
	TagDontCare           dataTag = 255
)

type tmpbuffer [128]byte

type DlmsData struct {
	Value interface{}
	Tag   dataTag
}

// DlmsCompactArray keeps decoded compact array items, structures are already expanded.
type DlmsCompactArray struct {
	Tag   dataTag
	Types []dataTag
	Items []DlmsData
}

// readfixed reads exactly n bytes into the scratch buffer, a short read keeps io.ErrUnexpectedEOF visible
func readfixed(src io.Reader, tmp *tmpbuffer, n int, what string) ([]byte, error) {
	if _, err := io.ReadFull(src, tmp[:n]); err != nil {
		return nil, fmt.Errorf("too short data for %s: %w", what, err)
	}
	return tmp[:n], nil
}

func decodeDataTag(src io.Reader, tmp *tmpbuffer) (data DlmsData, c int, err error) {
	if _, err = io.ReadFull(src, tmp[:1]); err != nil {
		return
	}
	data, c, err = decodeData(src, dataTag(tmp[0]), tmp)
	return data, c + 1, err
}

func decodeDataArray(src io.Reader, tag dataTag, tmp *tmpbuffer) (DlmsData, int, error) {
	l, c, err := decodelength(src, tmp)
	if err != nil {
		return DlmsData{}, 0, err
	}
	// every element takes at least its tag, a longer count cannot be complete yet
	if r, ok := src.(interface{ Len() int }); ok && uint(r.Len()) < l {
		return DlmsData{}, 0, fmt.Errorf("%d elements announced: %w", l, io.ErrUnexpectedEOF)
	}
	d := make([]DlmsData, l)
	for i := range d {
		var ii int
		d[i], ii, err = decodeDataTag(src, tmp)
		if err != nil {
			return DlmsData{}, 0, err
		}
		c += ii
	}
	return DlmsData{Tag: tag, Value: d}, c, nil
}

func decodeBytes(src io.Reader, tmp *tmpbuffer, what string) ([]byte, int, error) {
	l, c, err := decodelength(src, tmp)
	if err != nil {
		return nil, 0, err
	}
	if r, ok := src.(interface{ Len() int }); ok && uint(r.Len()) < l {
		return nil, 0, fmt.Errorf("too short data for %s: %w", what, io.ErrUnexpectedEOF)
	}
	v := make([]byte, l)
	if _, err = io.ReadFull(src, v); err != nil {
		return nil, 0, fmt.Errorf("too short data for %s: %w", what, err)
	}
	return v, c + int(l), nil
}

func decodeData(src io.Reader, tag dataTag, tmp *tmpbuffer) (DlmsData, int, error) {
	switch tag {
	case TagNull:
		return DlmsData{Tag: tag}, 0, nil
	case TagArray, TagStructure:
		return decodeDataArray(src, tag, tmp)
	case TagBoolean:
		b, err := readfixed(src, tmp, 1, "boolean")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: b[0] != 0}, 1, nil
	case TagBitString:
		l, c, err := decodelength(src, tmp)
		if err != nil {
			return DlmsData{}, 0, err
		}
		raw := make([]byte, (l+7)>>3)
		if _, err = io.ReadFull(src, raw); err != nil {
			return DlmsData{}, 0, fmt.Errorf("too short data for bitstring: %w", err)
		}
		val := make([]bool, l)
		for i := range val {
			val[i] = raw[i>>3]&(0x80>>(i&7)) != 0
		}
		return DlmsData{Tag: tag, Value: val}, c + len(raw), nil
	case TagDoubleLong:
		b, err := readfixed(src, tmp, 4, "double long")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: int32(binary.BigEndian.Uint32(b))}, 4, nil
	case TagDoubleLongUnsigned:
		b, err := readfixed(src, tmp, 4, "double long unsigned")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint32(b)}, 4, nil
	case TagFloatingPoint, TagFloat32:
		b, err := readfixed(src, tmp, 4, "float32")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: math.Float32frombits(binary.BigEndian.Uint32(b))}, 4, nil
	case TagFloat64:
		b, err := readfixed(src, tmp, 8, "float64")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: math.Float64frombits(binary.BigEndian.Uint64(b))}, 8, nil
	case TagOctetString:
		v, c, err := decodeBytes(src, tmp, "octet string")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: v}, c, nil
	case TagVisibleString:
		v, c, err := decodeBytes(src, tmp, "visible string")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: string(v)}, c, nil
	case TagUTF8String:
		v, c, err := decodeBytes(src, tmp, "utf8 string")
		if err != nil {
			return DlmsData{}, 0, err
		}
		if !utf8.Valid(v) {
			return DlmsData{}, 0, fmt.Errorf("byte slice contain invalid UTF-8 runes")
		}
		return DlmsData{Tag: tag, Value: string(v)}, c, nil
	case TagBCD:
		b, err := readfixed(src, tmp, 1, "bcd")
		if err != nil {
			return DlmsData{}, 0, err
		}
		v := int(b[0]&0xf) + 10*(int(b[0]>>4)&7)
		if b[0]&0x80 != 0 {
			v = -v
		}
		return DlmsData{Tag: tag, Value: int8(v)}, 1, nil
	case TagInteger:
		b, err := readfixed(src, tmp, 1, "integer")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: int8(b[0])}, 1, nil
	case TagLong:
		b, err := readfixed(src, tmp, 2, "long")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: int16(binary.BigEndian.Uint16(b))}, 2, nil
	case TagUnsigned, TagEnum:
		b, err := readfixed(src, tmp, 1, "unsigned")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: b[0]}, 1, nil
	case TagLongUnsigned:
		b, err := readfixed(src, tmp, 2, "long unsigned")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint16(b)}, 2, nil
	case TagLong64:
		b, err := readfixed(src, tmp, 8, "long64")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: int64(binary.BigEndian.Uint64(b))}, 8, nil
	case TagLong64Unsigned:
		b, err := readfixed(src, tmp, 8, "long64 unsigned")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint64(b)}, 8, nil
	case TagDateTime:
		b, err := readfixed(src, tmp, 12, "datetime")
		if err != nil {
			return DlmsData{}, 0, err
		}
		v, _ := NewDlmsDateTimeFromSlice(b)
		return DlmsData{Tag: tag, Value: v}, 12, nil
	case TagDate:
		b, err := readfixed(src, tmp, 5, "date")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: DlmsDate{Year: binary.BigEndian.Uint16(b), Month: b[2], Day: b[3], DayOfWeek: b[4]}}, 5, nil
	case TagTime:
		b, err := readfixed(src, tmp, 4, "time")
		if err != nil {
			return DlmsData{}, 0, err
		}
		return DlmsData{Tag: tag, Value: DlmsTime{Hour: b[0], Minute: b[1], Second: b[2], Hundredths: b[3]}}, 4, nil
	case TagCompactArray:
		return decodeCompactArray(src, tmp)
	}
	return DlmsData{}, 0, fmt.Errorf("unknown tag %d", tag)
}

// compact array: type description, byte length of contents, then untagged items
func decodeCompactArray(src io.Reader, tmp *tmpbuffer) (DlmsData, int, error) {
	b, err := readfixed(src, tmp, 1, "compact array")
	if err != nil {
		return DlmsData{}, 0, err
	}
	n := 1
	ca := DlmsCompactArray{Tag: dataTag(b[0])}
	switch ca.Tag {
	case TagNull:
		return DlmsData{}, 0, fmt.Errorf("unable to decode compact array with null tag")
	case TagStructure:
		l, c, err := decodelength(src, tmp)
		if err != nil {
			return DlmsData{}, 0, err
		}
		n += c
		raw := make([]byte, l)
		if _, err = io.ReadFull(src, raw); err != nil {
			return DlmsData{}, 0, fmt.Errorf("too short data for compact array (structure types): %w", err)
		}
		n += int(l)
		allnull := true
		for _, t := range raw {
			ca.Types = append(ca.Types, dataTag(t))
			allnull = allnull && t == 0
		}
		if allnull {
			return DlmsData{}, 0, fmt.Errorf("unable to decode compact array with all null types")
		}
	default:
		ca.Types = []dataTag{ca.Tag}
	}

	l, c, err := decodelength(src, tmp)
	if err != nil {
		return DlmsData{}, 0, fmt.Errorf("too short data for compact array (length): %w", err)
	}
	n += c + int(l)
	contents := make([]byte, l)
	if _, err = io.ReadFull(src, contents); err != nil {
		return DlmsData{}, 0, fmt.Errorf("too short data for compact array: %w", err)
	}
	rd := bytes.NewReader(contents)
	for rd.Len() > 0 {
		if ca.Tag != TagStructure {
			item, _, err := decodeData(rd, ca.Tag, tmp)
			if err != nil {
				return DlmsData{}, 0, err
			}
			ca.Items = append(ca.Items, item)
			continue
		}
		str := make([]DlmsData, len(ca.Types))
		for i, t := range ca.Types {
			if str[i], _, err = decodeData(rd, t, tmp); err != nil {
				return DlmsData{}, 0, err
			}
		}
		ca.Items = append(ca.Items, DlmsData{Tag: TagStructure, Value: str})
	}
	return DlmsData{Tag: TagCompactArray, Value: ca}, n, nil
}

// DecodeData parses exactly one complete tagged value, trailing bytes are an error.
func DecodeData(src []byte) (DlmsData, error) {
	var tmp tmpbuffer
	rd := bytes.NewReader(src)
	d, _, err := decodeDataTag(rd, &tmp)
	if err != nil {
		return d, err
	}
	if rd.Len() != 0 {
		return d, fmt.Errorf("%d bytes left after value", rd.Len())
	}
	return d, nil
}

func EncodeData(d DlmsData) ([]byte, error) {
	var out bytes.Buffer
	if err := encodeData(&out, &d); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encodeData(out *bytes.Buffer, d *DlmsData) error {
	if d == nil {
		return fmt.Errorf("nil data")
	}
	out.WriteByte(byte(d.Tag))
	switch d.Tag {
	case TagNull:
		return nil
	case TagArray, TagStructure:
		return encodeArrayStructure(out, d)
	case TagBoolean, TagInteger, TagUnsigned, TagEnum:
		return encodeInteger(out, d, 1)
	case TagLong, TagLongUnsigned:
		return encodeInteger(out, d, 2)
	case TagDoubleLong, TagDoubleLongUnsigned:
		return encodeInteger(out, d, 4)
	case TagLong64, TagLong64Unsigned:
		return encodeInteger(out, d, 8)
	case TagFloatingPoint, TagFloat32:
		return encodeFloat(out, d, 4)
	case TagFloat64:
		return encodeFloat(out, d, 8)
	case TagOctetString:
		return encodeOctetString(out, d)
	case TagVisibleString, TagUTF8String:
		s, ok := d.Value.(string)
		if !ok {
			return fmt.Errorf("unsupported data type for string: %T", d.Value)
		}
		encodelength(out, uint(len(s)))
		out.WriteString(s)
		return nil
	case TagDateTime:
		switch t := d.Value.(type) {
		case time.Time:
			dt := NewDlmsDateTimeFromTime(t)
			encodedatetime(out, &dt)
		case DlmsDateTime:
			encodedatetime(out, &t)
		default:
			return fmt.Errorf("unsupported data type for date time: %T", d.Value)
		}
		return nil
	}
	return fmt.Errorf("unsupported data tag: %v", d.Tag)
}

func encodeOctetString(out *bytes.Buffer, d *DlmsData) error {
	switch t := d.Value.(type) {
	case []byte:
		encodelength(out, uint(len(t)))
		out.Write(t)
	case DlmsDateTime:
		encodelength(out, 12)
		encodedatetime(out, &t)
	case time.Time:
		dt := NewDlmsDateTimeFromTime(t)
		encodelength(out, 12)
		encodedatetime(out, &dt)
	case DlmsObis:
		encodelength(out, 6)
		out.Write(t.Bytes())
	default:
		return fmt.Errorf("unsupported data type for octet string: %T", d.Value)
	}
	return nil
}

func encodedatetime(out *bytes.Buffer, t *DlmsDateTime) {
	var b [12]byte
	binary.BigEndian.PutUint16(b[0:], t.Date.Year)
	b[2] = t.Date.Month
	b[3] = t.Date.Day
	b[4] = t.Date.DayOfWeek
	b[5] = t.Time.Hour
	b[6] = t.Time.Minute
	b[7] = t.Time.Second
	b[8] = t.Time.Hundredths
	binary.BigEndian.PutUint16(b[9:], uint16(t.Deviation))
	b[11] = t.Status
	out.Write(b[:])
}

func encodeFloat(out *bytes.Buffer, d *DlmsData, l int) error {
	var f float64
	switch t := d.Value.(type) {
	case float32:
		f = float64(t)
	case float64:
		f = t
	default:
		return fmt.Errorf("unsupported data type for float: %T", d.Value)
	}
	if l == 4 {
		return binary.Write(out, binary.BigEndian, float32(f))
	}
	return binary.Write(out, binary.BigEndian, f)
}

func encodeInteger(out *bytes.Buffer, d *DlmsData, l int) error {
	var lr uint64
	switch t := d.Value.(type) {
	case bool:
		if t {
			lr = 1
		}
	case uint:
		lr = uint64(t)
	case uint8:
		lr = uint64(t)
	case uint16:
		lr = uint64(t)
	case uint32:
		lr = uint64(t)
	case uint64:
		lr = t
	case int:
		lr = uint64(int64(t))
	case int8:
		lr = uint64(int64(t))
	case int16:
		lr = uint64(int64(t))
	case int32:
		lr = uint64(int64(t))
	case int64:
		lr = uint64(t)
	default:
		return fmt.Errorf("unsupported data type for number: %T", d.Value)
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], lr)
	out.Write(b[8-l:])
	return nil
}

func encodeArrayStructure(out *bytes.Buffer, d *DlmsData) error {
	if d.Value == nil {
		encodelength(out, 0)
		return nil
	}
	items, ok := d.Value.([]DlmsData)
	if !ok {
		return fmt.Errorf("unsupported data type for array/structure: %T", d.Value)
	}
	encodelength(out, uint(len(items)))
	for i := range items {
		if err := encodeData(out, &items[i]); err != nil {
			return err
		}
	}
	return nil
}
