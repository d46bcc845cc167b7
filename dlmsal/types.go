package dlmsal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// service choices following the GET/SET/ACTION request and response tags
type GetRequestTag byte

const (
	TagGetRequestNormal GetRequestTag = 0x1
	TagGetRequestNext   GetRequestTag = 0x2
)

type GetResponseTag byte

const (
	TagGetResponseNormal        GetResponseTag = 0x1
	TagGetResponseWithDataBlock GetResponseTag = 0x2
)

type SetRequestTag byte

const TagSetRequestNormal SetRequestTag = 0x1

type SetResponseTag byte

const TagSetResponseNormal SetResponseTag = 0x1

type ActionRequestTag byte

const TagActionRequestNormal ActionRequestTag = 0x1

type ActionResponseTag byte

const TagActionResponseNormal ActionResponseTag = 0x1

// DlmsDateTime is the 12 byte COSEM date-time. 0xff fields and DateTimeInvalidDeviation mean
// "not specified".
type DlmsDateTime struct {
	Date      DlmsDate
	Time      DlmsTime
	Deviation int16
	Status    byte
}

const DateTimeInvalidDeviation int16 = -32768

type DlmsDate struct {
	Year      uint16
	Month     byte
	Day       byte
	DayOfWeek byte
}

type DlmsTime struct {
	Hour       byte
	Minute     byte
	Second     byte
	Hundredths byte
}

// String renders the calendar part only, the way meter tables print timestamps.
func (t *DlmsDateTime) String() string {
	return fmt.Sprintf("%04d/%02d/%02d %02d:%02d:%02d",
		t.Date.Year, t.Date.Month, t.Date.Day, t.Time.Hour, t.Time.Minute, t.Time.Second)
}

// ToTime converts to time.Time, an unspecified deviation is read as UTC.
func (t *DlmsDateTime) ToTime() (time.Time, error) {
	d, c := t.Date, t.Time
	if d.Year == 0xffff || d.Month == 0xff || d.Day == 0xff || c.Hour == 0xff || c.Minute == 0xff {
		return time.Time{}, fmt.Errorf("date-time %s is not fully specified", t)
	}
	var ns, sec int
	if c.Hundredths != 0xff {
		ns = int(c.Hundredths) * int(10*time.Millisecond)
	}
	if c.Second != 0xff {
		sec = int(c.Second)
	}
	zone := time.UTC
	if t.Deviation != DateTimeInvalidDeviation && t.Deviation != 0 {
		zone = time.FixedZone("", int(t.Deviation)*60)
	}
	return time.Date(int(d.Year), time.Month(d.Month), int(d.Day), int(c.Hour), int(c.Minute), sec, ns, zone), nil
}

// NewDlmsDateTimeFromTime fills every field from src, Monday is day 1 and Sunday day 7.
func NewDlmsDateTimeFromTime(src time.Time) DlmsDateTime {
	wd := byte(src.Weekday())
	if wd == 0 {
		wd = 7
	}
	_, off := src.Zone()
	return DlmsDateTime{
		Date:      DlmsDate{Year: uint16(src.Year()), Month: byte(src.Month()), Day: byte(src.Day()), DayOfWeek: wd},
		Time:      DlmsTime{Hour: byte(src.Hour()), Minute: byte(src.Minute()), Second: byte(src.Second()), Hundredths: byte(src.Nanosecond() / int(10*time.Millisecond))},
		Deviation: int16(off / 60),
	}
}

func NewDlmsDateTimeFromSlice(src []byte) (DlmsDateTime, error) {
	if len(src) < 12 {
		return DlmsDateTime{}, fmt.Errorf("date-time needs 12 bytes, got %d", len(src))
	}
	return DlmsDateTime{
		Date:      DlmsDate{Year: uint16(src[0])<<8 | uint16(src[1]), Month: src[2], Day: src[3], DayOfWeek: src[4]},
		Time:      DlmsTime{Hour: src[5], Minute: src[6], Second: src[7], Hundredths: src[8]},
		Deviation: int16(uint16(src[9])<<8 | uint16(src[10])),
		Status:    src[11],
	}, nil
}

// DlmsObis is a logical name, A-B:C.D.E.F
type DlmsObis struct {
	A, B, C, D, E, F byte
}

func (o DlmsObis) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d.%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

func (o DlmsObis) Bytes() []byte {
	return []byte{o.A, o.B, o.C, o.D, o.E, o.F}
}

// NewDlmsObisFromString accepts "A-B:C.D.E.F" and the all dotted "A.B.C.D.E.F" form.
func NewDlmsObisFromString(src string) (ob DlmsObis, err error) {
	parts := strings.Split(strings.NewReplacer("-", ".", ":", ".").Replace(src), ".")
	dotted := strings.Count(src, ".") == 5
	if len(parts) != 6 || (!dotted && (!strings.Contains(src, "-") || strings.Index(src, ":") < strings.Index(src, "-"))) {
		return ob, fmt.Errorf("invalid obis format: %s", src)
	}
	var v [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return ob, fmt.Errorf("invalid obis group %q in %s", p, src)
		}
		v[i] = byte(n)
	}
	return DlmsObis{A: v[0], B: v[1], C: v[2], D: v[3], E: v[4], F: v[5]}, nil
}
