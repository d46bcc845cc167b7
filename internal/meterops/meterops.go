// Package meterops maps the meter reading workflows onto DLMS primitives: clock setting,
// demand reset, billing snapshots and the profile tables read by block transfer.
package meterops

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/dlmsal"
	"go.uber.org/zap"
)

const (
	clockAttribute        = 2
	bufferAttribute       = 2
	entriesInUseAttribute = 7
	demandResetMethod     = 1
	demandResetArgument   = "120001" // long-unsigned 1
	entrySelector         = 2
)

// Session is the part of dlmsal.Client the operations need.
type Session interface {
	Execute(ctx context.Context, op *dlmsal.PendingOperation) (*dlmsal.ResponseBlock, error)
	ReadAll(ctx context.Context, op *dlmsal.PendingOperation) (*dlmsal.AccumulatedResult, error)
}

type Meter struct {
	session Session
	logger  *zap.SugaredLogger
}

func New(session Session) *Meter {
	return &Meter{session: session}
}

func (m *Meter) SetLogger(logger *zap.SugaredLogger) {
	m.logger = logger
}

func (m *Meter) logf(format string, v ...any) {
	if m.logger != nil {
		m.logger.Infof(format, v...)
	}
}

// ClockParameter encodes t as a clock value with unspecified day of week, hundredths and deviation.
func ClockParameter(t time.Time) (string, error) {
	dt := dlmsal.DlmsDateTime{
		Date:      dlmsal.DlmsDate{Year: uint16(t.Year()), Month: byte(t.Month()), Day: byte(t.Day()), DayOfWeek: 0xff},
		Time:      dlmsal.DlmsTime{Hour: byte(t.Hour()), Minute: byte(t.Minute()), Second: byte(t.Second()), Hundredths: 0xff},
		Deviation: dlmsal.DateTimeInvalidDeviation,
	}
	b, err := dlmsal.EncodeData(dlmsal.DlmsData{Tag: dlmsal.TagOctetString, Value: dt})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EntryParameter selects the single buffer entry n (1-based) with all columns.
func EntryParameter(n int) string {
	return fmt.Sprintf("020406%08x06%08x120001120000", uint32(n), uint32(n))
}

// SetClock writes now plus one second, the meter applies it on the next tick.
func (m *Meter) SetClock(ctx context.Context, now time.Time) error {
	p, err := ClockParameter(now.Add(time.Second))
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrEncodingFailure, err)
	}
	m.logf("Setting clock to %s", now.Add(time.Second).Format("2006/01/02 15:04:05"))
	_, err = m.session.Execute(ctx, &dlmsal.PendingOperation{
		Kind:       dlmsal.KindSet,
		ObjectID:   dlmsal.ObjectClock,
		Attribute:  clockAttribute,
		Parameters: p,
	})
	return err
}

func (m *Meter) DemandReset(ctx context.Context) error {
	m.logf("Demand reset")
	_, err := m.session.Execute(ctx, &dlmsal.PendingOperation{
		Kind:       dlmsal.KindAction,
		ObjectID:   dlmsal.ObjectDemandReset,
		Attribute:  demandResetMethod,
		Parameters: demandResetArgument,
	})
	return err
}

// BillingCount reads the number of billing entries in use.
func (m *Meter) BillingCount(ctx context.Context) (int, error) {
	rb, err := m.session.Execute(ctx, &dlmsal.PendingOperation{
		Kind:      dlmsal.KindGet,
		ObjectID:  dlmsal.ObjectBilling,
		Attribute: entriesInUseAttribute,
	})
	if err != nil {
		return 0, err
	}
	if len(rb.Fields) == 0 {
		return 0, fmt.Errorf("%w: empty billing count", base.ErrDecodeFailure)
	}
	n, err := strconv.Atoi(rb.Fields[0])
	if err != nil {
		return 0, fmt.Errorf("%w: billing count %q", base.ErrDecodeFailure, rb.Fields[0])
	}
	return n, nil
}

// BillingRecord reads billing entry n through selective access, an entry the meter splits into
// data blocks is collected completely.
func (m *Meter) BillingRecord(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: billing entry %d", base.ErrEncodingFailure, n)
	}
	res, err := m.session.ReadAll(ctx, &dlmsal.PendingOperation{
		Kind:       dlmsal.KindGet,
		ObjectID:   dlmsal.ObjectBilling,
		Attribute:  bufferAttribute,
		Selector:   entrySelector,
		Parameters: EntryParameter(n),
	})
	if err != nil {
		return nil, err
	}
	return res.Fields, nil
}

// LatestBilling reads the entry count and then the newest billing entry.
func (m *Meter) LatestBilling(ctx context.Context) (*Reading, error) {
	n, err := m.BillingCount(ctx)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	fields, err := m.BillingRecord(ctx, n)
	if err != nil {
		return nil, err
	}
	return ParseReading(fields)
}

func (m *Meter) buffer(ctx context.Context, object int, name string) (*dlmsal.AccumulatedResult, error) {
	m.logf("Reading %s", name)
	res, err := m.session.ReadAll(ctx, &dlmsal.PendingOperation{
		Kind:      dlmsal.KindGet,
		ObjectID:  object,
		Attribute: bufferAttribute,
	})
	if res != nil {
		m.logf("%s: %d fields in %d blocks", name, len(res.Fields), res.Blocks)
	}
	return res, err
}

func (m *Meter) BillingData(ctx context.Context) (*dlmsal.AccumulatedResult, error) {
	return m.buffer(ctx, dlmsal.ObjectBilling, "billing data")
}

func (m *Meter) LoadProfile(ctx context.Context) (*dlmsal.AccumulatedResult, error) {
	return m.buffer(ctx, dlmsal.ObjectLoadProfile, "load profile")
}

func (m *Meter) EventLog(ctx context.Context) (*dlmsal.AccumulatedResult, error) {
	return m.buffer(ctx, dlmsal.ObjectEventLog, "event log")
}

// Get reads any attribute, following block transfers.
func (m *Meter) Get(ctx context.Context, object int, attribute int) (*dlmsal.AccumulatedResult, error) {
	return m.session.ReadAll(ctx, &dlmsal.PendingOperation{
		Kind:      dlmsal.KindGet,
		ObjectID:  object,
		Attribute: attribute,
	})
}

const (
	energyScale  = 1000
	voltageScale = 100
	recordStride = 10
)

// Record is one row of the billing buffer. Energy in kWh, demand in kW.
type Record struct {
	Clock   string  `json:"clock" yaml:"clock" cbor:"clock"`
	Imp     float64 `json:"imp" yaml:"imp" cbor:"imp"`
	Exp     float64 `json:"exp" yaml:"exp" cbor:"exp"`
	Abs     float64 `json:"abs" yaml:"abs" cbor:"abs"`
	Net     float64 `json:"net" yaml:"net" cbor:"net"`
	MaxImp  float64 `json:"max_imp" yaml:"max_imp" cbor:"max_imp"`
	MaxExp  float64 `json:"max_exp" yaml:"max_exp" cbor:"max_exp"`
	MinVolt float64 `json:"min_volt" yaml:"min_volt" cbor:"min_volt"`
	Alert   string  `json:"alert" yaml:"alert" cbor:"alert"`
}

// Reading is a single billing entry read by selective access.
type Reading struct {
	ReadDate     string  `json:"read_date" yaml:"read_date" cbor:"read_date"`
	FixedDate    string  `json:"fixed_date" yaml:"fixed_date" cbor:"fixed_date"`
	Imp          float64 `json:"imp" yaml:"imp" cbor:"imp"`
	Exp          float64 `json:"exp" yaml:"exp" cbor:"exp"`
	ImpMaxDemand float64 `json:"imp_max_demand" yaml:"imp_max_demand" cbor:"imp_max_demand"`
	ExpMaxDemand float64 `json:"exp_max_demand" yaml:"exp_max_demand" cbor:"exp_max_demand"`
	MinVolt      float64 `json:"min_volt" yaml:"min_volt" cbor:"min_volt"`
	Alert        string  `json:"alert" yaml:"alert" cbor:"alert"`
}

// unparsable values read as zero, meters report blanks for unused registers
func scaled(s string, div float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v / div
}

func istimestamp(s string) bool {
	return strings.Contains(s, "/")
}

// ParseBillingRecords groups a billing buffer into records of ten fields. A leading capture
// timestamp that does not belong to any record is dropped, an incomplete tail is ignored.
func ParseBillingRecords(fields []string) []Record {
	if len(fields)%recordStride == 1 && istimestamp(fields[0]) {
		fields = fields[1:]
	}
	out := make([]Record, 0, len(fields)/recordStride)
	for i := 0; i+recordStride <= len(fields); i += recordStride {
		f := fields[i : i+recordStride]
		out = append(out, Record{
			Clock:   f[0],
			Imp:     scaled(f[1], energyScale),
			Exp:     scaled(f[2], energyScale),
			Abs:     scaled(f[3], energyScale),
			Net:     scaled(f[4], energyScale),
			MaxImp:  scaled(f[5], energyScale),
			MaxExp:  scaled(f[6], energyScale),
			MinVolt: scaled(f[7], voltageScale),
			Alert:   f[8],
		})
	}
	return out
}

// ParseReading decodes the fields of one billing entry.
func ParseReading(fields []string) (*Reading, error) {
	if len(fields) < recordStride {
		return nil, fmt.Errorf("%w: billing entry has %d fields", base.ErrDecodeFailure, len(fields))
	}
	return &Reading{
		ReadDate:     fields[0],
		FixedDate:    fields[1],
		Imp:          scaled(fields[2], energyScale),
		Exp:          scaled(fields[3], energyScale),
		ImpMaxDemand: scaled(fields[6], energyScale),
		ExpMaxDemand: scaled(fields[7], energyScale),
		MinVolt:      scaled(fields[8], voltageScale),
		Alert:        fields[9],
	}, nil
}
