package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meterkenshin/dlmslink/dlmsal"
	"github.com/meterkenshin/dlmslink/internal/meterops"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// operation runs against an established session and returns what gets printed, nil prints nothing.
type operation func(ctx context.Context, m *meterops.Meter) (any, error)

type tableResult struct {
	Object    string   `json:"object" yaml:"object" cbor:"object"`
	Attribute int      `json:"attribute" yaml:"attribute" cbor:"attribute"`
	Blocks    int      `json:"blocks" yaml:"blocks" cbor:"blocks"`
	Fields    []string `json:"fields" yaml:"fields" cbor:"fields"`
}

type billingResult struct {
	Blocks  int               `json:"blocks" yaml:"blocks" cbor:"blocks"`
	Records []meterops.Record `json:"records" yaml:"records" cbor:"records"`
}

type countResult struct {
	Count int `json:"count" yaml:"count" cbor:"count"`
}

type doneResult struct {
	Operation string `json:"operation" yaml:"operation" cbor:"operation"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty" cbor:"value,omitempty"`
}

var objectNames = map[string]int{
	"instant":      dlmsal.ObjectInstant,
	"billing":      dlmsal.ObjectBilling,
	"load-profile": dlmsal.ObjectLoadProfile,
	"event-log":    dlmsal.ObjectEventLog,
	"clock":        dlmsal.ObjectClock,
	"demand-reset": dlmsal.ObjectDemandReset,
}

func parseObject(s string) (int, error) {
	if id, ok := objectNames[strings.ToLower(s)]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown object %q", s)
	}
	return id, nil
}

func newLogger(verbose bool, level zapcore.Level) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func table(object string, attribute int, res *dlmsal.AccumulatedResult) any {
	if res == nil {
		return nil
	}
	return &tableResult{Object: object, Attribute: attribute, Blocks: res.Blocks, Fields: res.Fields}
}

// run opens the session, runs op, releases and closes. A partial result is still printed
// before its error is returned.
func (o *options) run(cmd *cobra.Command, op operation) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logger, err := newLogger(o.verbose, cfg.Level())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	secret, err := o.secret(cfg)
	if err != nil {
		return err
	}
	cs, err := cfg.CodecSettings(secret)
	if err != nil {
		return err
	}
	codec, err := dlmsal.NewCodec(cs)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	client := dlmsal.New(gw, codec, settings)
	client.SetLogger(log)
	defer func() { err = multierr.Append(err, client.Close()) }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log.Infof("Connecting via %s", describe(cfg))
	if err = client.Connect(ctx); err != nil {
		return err
	}
	if err = client.Establish(ctx); err != nil {
		return err
	}

	m := meterops.New(client)
	m.SetLogger(log.With("session", client.ID()))
	res, operr := op(ctx, m)
	if operr == nil {
		if rerr := client.Release(ctx); rerr != nil {
			log.Warnf("Release failed: %v", rerr)
		}
	}
	if res != nil {
		if err = writeResult(cmd.OutOrStdout(), o.output, res); err != nil {
			return multierr.Append(operr, err)
		}
	}
	return operr
}

func sessionCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Establish and release an association",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				return &doneResult{Operation: "session", Value: "established"}, nil
			})
		},
	}
}

func getCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <object> <attribute>",
		Short: "Read an attribute, following block transfers",
		Long: `Read one attribute. The object is a registry id or one of the names
instant, billing, load-profile, event-log, clock, demand-reset.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			object, err := parseObject(args[0])
			if err != nil {
				return err
			}
			attr, err := strconv.Atoi(args[1])
			if err != nil || attr < 1 {
				return fmt.Errorf("invalid attribute %q", args[1])
			}
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				res, err := m.Get(ctx, object, attr)
				return table(args[0], attr, res), err
			})
		},
	}
}

func billingCommand(o *options) *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Read the billing buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				if latest {
					r, err := m.LatestBilling(ctx)
					if err != nil {
						return nil, err
					}
					return r, nil
				}
				res, err := m.BillingData(ctx)
				if res == nil {
					return nil, err
				}
				return &billingResult{Blocks: res.Blocks, Records: meterops.ParseBillingRecords(res.Fields)}, err
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "Read only the newest entry by selective access")
	return cmd
}

func billingCountCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "billing-count",
		Short: "Read the number of billing entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				n, err := m.BillingCount(ctx)
				if err != nil {
					return nil, err
				}
				return &countResult{Count: n}, nil
			})
		},
	}
}

func loadProfileCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "load-profile",
		Short: "Read the load profile buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				res, err := m.LoadProfile(ctx)
				return table("load-profile", 2, res), err
			})
		},
	}
}

func eventLogCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "event-log",
		Short: "Read the power quality event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				res, err := m.EventLog(ctx)
				return table("event-log", 2, res), err
			})
		},
	}
}

func setClockCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set-clock",
		Short: "Set the meter clock to the local time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				now := time.Now()
				if err := m.SetClock(ctx, now); err != nil {
					return nil, err
				}
				return &doneResult{Operation: "set-clock", Value: now.Add(time.Second).Format("2006/01/02 15:04:05")}, nil
			})
		},
	}
}

func demandResetCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "demand-reset",
		Short: "Reset the maximum demand registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, m *meterops.Meter) (any, error) {
				if err := m.DemandReset(ctx); err != nil {
					return nil, err
				}
				return &doneResult{Operation: "demand-reset"}, nil
			})
		},
	}
}
