package dlmsal

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

func TestEncodeData(t *testing.T) {
	table := []struct {
		data   DlmsData
		expect string
	}{
		{DlmsData{Tag: TagNull}, "00"},
		{DlmsData{Tag: TagLongUnsigned, Value: 1}, "120001"},
		{DlmsData{Tag: TagDoubleLongUnsigned, Value: uint32(7)}, "0600000007"},
		{DlmsData{Tag: TagLong, Value: int16(-2)}, "10fffe"},
		{DlmsData{Tag: TagBoolean, Value: true}, "0301"},
		{DlmsData{Tag: TagVisibleString, Value: "ok"}, "0a026f6b"},
		{DlmsData{Tag: TagOctetString, Value: DlmsObis{A: 1, C: 1, D: 8, F: 255}}, "09060100010800ff"},
		{DlmsData{Tag: TagStructure, Value: []DlmsData{
			{Tag: TagDoubleLongUnsigned, Value: uint32(1)},
			{Tag: TagLongUnsigned, Value: uint16(0)},
		}}, "02020600000001120000"},
	}
	for _, tt := range table {
		b, err := EncodeData(tt.data)
		if err != nil {
			t.Fatalf("EncodeData(%+v) failed: %v", tt.data, err)
		}
		if hex.EncodeToString(b) != tt.expect {
			t.Fatalf("EncodeData(%+v) = %x, expected %s", tt.data, b, tt.expect)
		}
	}
	if _, err := EncodeData(DlmsData{Tag: TagLongUnsigned, Value: "x"}); err == nil {
		t.Fatalf("string accepted as number")
	}
}

func TestEncodeDateTime(t *testing.T) {
	ts := time.Date(2024, 10, 19, 12, 30, 5, 0, time.UTC)
	b, err := EncodeData(DlmsData{Tag: TagOctetString, Value: ts})
	if err != nil {
		t.Fatalf("EncodeData failed: %v", err)
	}
	if !bytes.Equal(b, []byte{0x09, 0x0c, 0x07, 0xe8, 0x0a, 0x13, 0x06, 0x0c, 0x1e, 0x05, 0x00, 0x00, 0x00, 0x00}) {
		t.Fatalf("unexpected date time %X", b)
	}
	dt, err := NewDlmsDateTimeFromSlice(b[2:])
	if err != nil {
		t.Fatalf("NewDlmsDateTimeFromSlice failed: %v", err)
	}
	back, err := dt.ToTime()
	if err != nil || !back.Equal(ts) {
		t.Fatalf("ToTime = %v %v", back, err)
	}
}

func TestDecodeData(t *testing.T) {
	raw, _ := hex.DecodeString("01020202090c07e80a13060c1e00ff800000" + "06000003e8" + "0202090c07e80a13060d0000ff800000" + "06000007d0")
	d, err := DecodeData(raw)
	if err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	fields := RenderData(nil, &d)
	expect := "2024/10/19 12:30:00|1000|2024/10/19 13:00:00|2000"
	if strings.Join(fields, "|") != expect {
		t.Fatalf("got %v", fields)
	}

	for _, bad := range []string{"", "12", "1200", "120001ff", "0105", "09ff"} {
		b, _ := hex.DecodeString(bad)
		if _, err := DecodeData(b); err == nil {
			t.Fatalf("DecodeData(%s) accepted", bad)
		}
	}
}

func TestRenderLeaves(t *testing.T) {
	table := []struct {
		data   DlmsData
		expect string
	}{
		{DlmsData{Tag: TagNull}, ""},
		{DlmsData{Tag: TagBoolean, Value: false}, "false"},
		{DlmsData{Tag: TagBitString, Value: []bool{true, false, true}}, "101"},
		{DlmsData{Tag: TagFloat32, Value: float32(229.5)}, "229.500"},
		{DlmsData{Tag: TagDoubleLong, Value: int32(-17)}, "-17"},
		{DlmsData{Tag: TagOctetString, Value: []byte{0xde, 0xad}}, "DEAD"},
		{DlmsData{Tag: TagUTF8String, Value: "Zähler"}, "Zähler"},
	}
	for _, tt := range table {
		if got := RenderData(nil, &tt.data); len(got) != 1 || got[0] != tt.expect {
			t.Fatalf("RenderData(%+v) = %q, expected %q", tt.data, got, tt.expect)
		}
	}
}

func TestBlockDecoderPieces(t *testing.T) {
	raw, _ := hex.DecodeString("0103" + "0202120001120002" + "0202120003120004" + "0202120005120006")
	for step := 1; step <= len(raw); step++ {
		b := newBlockdecoder(0)
		var all []string
		for i := 0; i < len(raw); i += step {
			e := min(i+step, len(raw))
			f, err := b.feed(raw[i:e])
			if err != nil {
				t.Fatalf("step %d: feed failed: %v", step, err)
			}
			all = append(all, f...)
		}
		if err := b.finish(); err != nil {
			t.Fatalf("step %d: finish failed: %v", step, err)
		}
		if strings.Join(all, ",") != "1,2,3,4,5,6" {
			t.Fatalf("step %d: got %v", step, all)
		}
	}

	b := newBlockdecoder(0)
	if _, err := b.feed(raw[:5]); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if err := b.finish(); err == nil {
		t.Fatalf("incomplete value accepted")
	}
}

func TestDecodeFieldsDataIndex(t *testing.T) {
	raw, _ := hex.DecodeString("0203" + "120001" + "0a026f6b" + "1103")
	for idx, expect := range map[int]string{0: "1,ok,3", 1: "1", 2: "ok", 3: "3", 4: ""} {
		f, err := decodeFields(raw, idx)
		if err != nil {
			t.Fatalf("decodeFields(%d) failed: %v", idx, err)
		}
		if strings.Join(f, ",") != expect {
			t.Fatalf("decodeFields(%d) = %v, expected %s", idx, f, expect)
		}
	}
	f, err := decodeFields([]byte{0x01, 0x00}, 0)
	if err != nil || f == nil || len(f) != 0 {
		t.Fatalf("empty array: %v %v", f, err)
	}
}

func TestObis(t *testing.T) {
	table := []struct {
		in     string
		expect DlmsObis
		ok     bool
	}{
		{"1-0:99.1.0.255", DlmsObis{A: 1, B: 0, C: 99, D: 1, E: 0, F: 255}, true},
		{"0.0.40.0.0.255", DlmsObis{C: 40, F: 255}, true},
		{"1-0:300.1.0.255", DlmsObis{}, false},
		{"1.8", DlmsObis{}, false},
		{"1:0-1.8.0.255", DlmsObis{}, false},
		{"1-0:1..8.0.255", DlmsObis{}, false},
	}
	for _, tt := range table {
		o, err := NewDlmsObisFromString(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: unexpected error %v", tt.in, err)
		}
		if tt.ok && o != tt.expect {
			t.Fatalf("%s: got %v", tt.in, o)
		}
	}
	if s := (DlmsObis{A: 1, C: 1, D: 8, F: 255}).String(); s != "1-0:1.8.0.255" {
		t.Fatalf("String() = %s", s)
	}
}

func TestLength(t *testing.T) {
	table := []struct {
		l      uint
		expect string
	}{
		{5, "05"},
		{127, "7f"},
		{200, "81c8"},
		{300, "82012c"},
		{70000, "83011170"},
	}
	var tmp tmpbuffer
	for _, tt := range table {
		var b bytes.Buffer
		encodelength(&b, tt.l)
		if hex.EncodeToString(b.Bytes()) != tt.expect {
			t.Fatalf("encodelength(%d) = %x, expected %s", tt.l, b.Bytes(), tt.expect)
		}
		l, n, err := decodelength(bytes.NewReader(b.Bytes()), &tmp)
		if err != nil || l != tt.l || n != b.Len() {
			t.Fatalf("decodelength(%s) = %d %d %v", tt.expect, l, n, err)
		}
	}
	if _, _, err := decodelength(bytes.NewReader([]byte{0x80}), &tmp); err == nil {
		t.Fatalf("indefinite length accepted")
	}
}
