package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/meterkenshin/dlmslink/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

type options struct {
	configPath string
	verbose    bool
	output     string

	// transport overrides
	port   string
	baud   int
	url    string
	nats   string
	device string

	stdin  *os.File
	prompt func() (string, error)
}

func NewRootCommand() *cobra.Command {
	o := &options{stdin: os.Stdin}
	root := &cobra.Command{
		Use:   "dlmsctl",
		Short: "DLMS/COSEM meter client",
		Long: `dlmsctl - reads and configures DLMS/COSEM electricity meters.

Every command opens the transport, establishes an association, runs one
operation, releases the association and closes the transport.

Transports:
  Serial optical probe: --port /dev/ttyUSB0 [--baud 9600]
  TCP:                  --url tcp://host:4059
  Terminal server:      --url rfc2217://host:port [--baud 9600]
  BLE websocket bridge: --url ws://bridge/meter
  NATS BLE bridge:      --nats nats://host:4222 --device <id>

The association password is taken from the config file, from the variable
named by auth.password_env, or prompted interactively.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.prompt = func() (string, error) { return readPassword(o.stdin, root.ErrOrStderr()) }

	f := root.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Config file (.yaml, .yml or .toml)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Development logging with frame dumps")
	f.StringVarP(&o.output, "output", "o", "json", "Output format: json, yaml or cbor")
	f.StringVarP(&o.port, "port", "p", "", "Serial port device")
	f.IntVarP(&o.baud, "baud", "b", 0, "Baud rate (serial only)")
	f.StringVarP(&o.url, "url", "u", "", "Bridge URL (ws://, wss://), tcp://host:port or rfc2217://host:port")
	f.StringVar(&o.nats, "nats", "", "NATS server URL of the BLE bridge")
	f.StringVar(&o.device, "device", "", "Device id on the NATS bridge")

	root.AddCommand(
		sessionCommand(o),
		getCommand(o),
		billingCommand(o),
		billingCountCommand(o),
		loadProfileCommand(o),
		eventLogCommand(o),
		setClockCommand(o),
		demandResetCommand(o),
	)
	return root
}

// Execute runs dlmsctl with the process arguments, ctx cancels a running session.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := o.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := encoder(io.Discard, o.output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply lays the command line transport flags over the file configuration.
func (o *options) apply(cfg *config.Config) error {
	t := &cfg.Transport
	if o.port != "" {
		t.Kind = config.TransportSerial
		t.Port = o.port
	}
	if o.baud > 0 {
		t.Baud = o.baud
	}
	if o.url != "" {
		u, err := url.Parse(o.url)
		if err != nil {
			return fmt.Errorf("parse --url: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
			t.Kind = config.TransportWebsocket
			t.URL = o.url
		case "tcp", "rfc2217":
			t.Kind = config.TransportTCP
			if u.Scheme == "rfc2217" {
				t.Kind = config.TransportRFC2217
			}
			t.Host = u.Hostname()
			if p := u.Port(); p != "" {
				n, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("parse --url port: %w", err)
				}
				t.TCPPort = n
			}
		default:
			return fmt.Errorf("unsupported --url scheme %q", u.Scheme)
		}
	}
	if o.nats != "" {
		t.Kind = config.TransportNATS
		t.NATSURL = o.nats
	}
	if o.device != "" {
		t.Device = o.device
	}
	return nil
}

func describe(cfg *config.Config) string {
	t := &cfg.Transport
	switch t.Kind {
	case config.TransportSerial:
		return fmt.Sprintf("serial %s @ %d", t.Port, t.Baud)
	case config.TransportTCP:
		return "tcp " + net.JoinHostPort(t.Host, strconv.Itoa(t.TCPPort))
	case config.TransportRFC2217:
		return fmt.Sprintf("rfc2217 %s @ %d", net.JoinHostPort(t.Host, strconv.Itoa(t.TCPPort)), t.Baud)
	case config.TransportWebsocket:
		return "websocket " + t.URL
	case config.TransportNATS:
		return fmt.Sprintf("nats %s device %s", t.NATSURL, t.Device)
	}
	return t.Kind
}
