package meterops

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/dlmsal"
)

// fakesession answers from fields in order, the first more answers carry Continuation
type fakesession struct {
	ops    []dlmsal.PendingOperation
	fields [][]string
	more   int
	err    error
}

func (f *fakesession) next() []string {
	if len(f.fields) == 0 {
		return []string{}
	}
	r := f.fields[0]
	f.fields = f.fields[1:]
	return r
}

func (f *fakesession) Execute(ctx context.Context, op *dlmsal.PendingOperation) (*dlmsal.ResponseBlock, error) {
	f.ops = append(f.ops, *op)
	if f.err != nil {
		return nil, f.err
	}
	rb := &dlmsal.ResponseBlock{Fields: f.next()}
	if f.more > 0 {
		f.more--
		rb.Continuation = true
	}
	return rb, nil
}

func (f *fakesession) ReadAll(ctx context.Context, op *dlmsal.PendingOperation) (*dlmsal.AccumulatedResult, error) {
	res := &dlmsal.AccumulatedResult{}
	for {
		rb, err := f.Execute(ctx, op)
		if err != nil {
			return nil, err
		}
		res.Fields = append(res.Fields, rb.Fields...)
		res.Blocks++
		if !rb.Continuation {
			return res, nil
		}
		op = &dlmsal.PendingOperation{Kind: op.Kind, ObjectID: op.ObjectID, Attribute: op.Attribute, Next: true}
	}
}

func TestClockParameter(t *testing.T) {
	p, err := ClockParameter(time.Date(2024, 10, 19, 12, 30, 6, 0, time.Local))
	if err != nil {
		t.Fatalf("ClockParameter failed: %v", err)
	}
	if p != "090c07e80a13ff0c1e06ff800000" {
		t.Fatalf("got %s", p)
	}
}

func TestSetClock(t *testing.T) {
	s := &fakesession{fields: [][]string{{"set", dlmsal.SuccessMarker}}}
	m := New(s)
	if err := m.SetClock(context.Background(), time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)); err != nil {
		t.Fatalf("SetClock failed: %v", err)
	}
	op := s.ops[0]
	if op.Kind != dlmsal.KindSet || op.ObjectID != dlmsal.ObjectClock || op.Attribute != 2 {
		t.Fatalf("unexpected operation %+v", op)
	}
	// the extra second rolls over into the new year
	if op.Parameters != "090c07e90101ff000000ff800000" {
		t.Fatalf("unexpected clock %s", op.Parameters)
	}
}

func TestDemandReset(t *testing.T) {
	s := &fakesession{}
	if err := New(s).DemandReset(context.Background()); err != nil {
		t.Fatalf("DemandReset failed: %v", err)
	}
	op := s.ops[0]
	if op.Kind != dlmsal.KindAction || op.ObjectID != dlmsal.ObjectDemandReset || op.Attribute != 1 || op.Parameters != "120001" {
		t.Fatalf("unexpected operation %+v", op)
	}

	s = &fakesession{err: base.ErrOperationRejected}
	if err := New(s).DemandReset(context.Background()); !errors.Is(err, base.ErrOperationRejected) {
		t.Fatalf("got %v", err)
	}
}

func TestLatestBilling(t *testing.T) {
	s := &fakesession{fields: [][]string{
		{"12"},
		{"2024/10/01 00:00:00", "2024/09/30 23:59:59", "123456", "789", "0", "0", "4500", "1200", "22950", "0"},
	}}
	r, err := New(s).LatestBilling(context.Background())
	if err != nil {
		t.Fatalf("LatestBilling failed: %v", err)
	}
	if s.ops[0].Attribute != 7 || s.ops[0].Selector != 0 {
		t.Fatalf("unexpected count operation %+v", s.ops[0])
	}
	if s.ops[1].Selector != 2 || s.ops[1].Parameters != "0204060000000c060000000c120001120000" {
		t.Fatalf("unexpected entry operation %+v", s.ops[1])
	}
	if r.Imp != 123.456 || r.ImpMaxDemand != 4.5 || r.MinVolt != 229.5 || r.FixedDate != "2024/09/30 23:59:59" {
		t.Fatalf("unexpected reading %+v", r)
	}
}

func TestBillingRecordInBlocks(t *testing.T) {
	s := &fakesession{more: 1, fields: [][]string{
		{"2024/10/01 00:00:00", "2024/09/30 23:59:59", "123456", "789"},
		{"0", "0", "4500", "1200", "22950", "0"},
	}}
	fields, err := New(s).BillingRecord(context.Background(), 3)
	if err != nil {
		t.Fatalf("BillingRecord failed: %v", err)
	}
	if len(fields) != 10 || fields[9] != "0" || fields[8] != "22950" {
		t.Fatalf("incomplete entry %v", fields)
	}
	if len(s.ops) != 2 || s.ops[0].Selector != 2 || s.ops[0].Next || !s.ops[1].Next {
		t.Fatalf("unexpected operations %+v", s.ops)
	}
	if _, err = ParseReading(fields); err != nil {
		t.Fatalf("ParseReading failed: %v", err)
	}
}

func TestBillingCountErrors(t *testing.T) {
	for _, fields := range [][]string{{}, {"x"}} {
		s := &fakesession{fields: [][]string{fields}}
		if _, err := New(s).BillingCount(context.Background()); !errors.Is(err, base.ErrDecodeFailure) {
			t.Fatalf("%v: got %v", fields, err)
		}
	}
	if _, err := New(&fakesession{}).BillingRecord(context.Background(), 0); !errors.Is(err, base.ErrEncodingFailure) {
		t.Fatalf("entry 0 accepted: %v", err)
	}
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	s := &fakesession{}
	m := New(s)
	for _, read := range []func(context.Context) (*dlmsal.AccumulatedResult, error){m.BillingData, m.LoadProfile, m.EventLog} {
		if _, err := read(ctx); err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}
	if _, err := m.Get(ctx, dlmsal.ObjectInstant, 3); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	expect := []struct{ object, attr int }{
		{dlmsal.ObjectBilling, 2}, {dlmsal.ObjectLoadProfile, 2}, {dlmsal.ObjectEventLog, 2}, {dlmsal.ObjectInstant, 3},
	}
	for i, e := range expect {
		if s.ops[i].ObjectID != e.object || s.ops[i].Attribute != e.attr || s.ops[i].Kind != dlmsal.KindGet {
			t.Fatalf("op %d: %+v", i, s.ops[i])
		}
	}
}

func TestParseBillingRecords(t *testing.T) {
	row := func(clock string) []string {
		return []string{clock, "1000", "2000", "3000", "-1000", "5500", "0", "23000", "1", "0"}
	}
	var fields []string
	fields = append(fields, "2024/10/19 08:00:00")
	fields = append(fields, row("2024/09/01 00:00:00")...)
	fields = append(fields, row("2024/10/01 00:00:00")...)
	fields = append(fields, "2024/11/01 00:00:00", "1")

	recs := ParseBillingRecords(fields)
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[1]
	if r.Clock != "2024/10/01 00:00:00" || r.Imp != 1 || r.Net != -1 || r.MaxImp != 5.5 || r.MinVolt != 230 || r.Alert != "1" {
		t.Fatalf("unexpected record %+v", r)
	}

	// without a capture timestamp the first field is a record clock
	recs = ParseBillingRecords(row("2024/09/01 00:00:00"))
	if len(recs) != 1 || recs[0].Clock != "2024/09/01 00:00:00" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if recs := ParseBillingRecords(nil); len(recs) != 0 {
		t.Fatalf("records from nothing: %+v", recs)
	}
	blank := row("x")
	blank[1] = ""
	if recs := ParseBillingRecords(blank); recs[0].Imp != 0 {
		t.Fatalf("blank register not zero: %+v", recs[0])
	}
}

func TestParseReadingShort(t *testing.T) {
	if _, err := ParseReading(strings.Split("a,b,c", ",")); !errors.Is(err, base.ErrDecodeFailure) {
		t.Fatalf("got %v", err)
	}
}
