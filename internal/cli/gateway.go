package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/directserial"
	"github.com/meterkenshin/dlmslink/dlmsal"
	"github.com/meterkenshin/dlmslink/hdlc"
	"github.com/meterkenshin/dlmslink/internal/config"
	"github.com/meterkenshin/dlmslink/natsbridge"
	"github.com/meterkenshin/dlmslink/rfc2217"
	"github.com/meterkenshin/dlmslink/tcp"
	"github.com/meterkenshin/dlmslink/wrapper"
	"github.com/meterkenshin/dlmslink/wsbridge"
	"golang.org/x/term"
)

func newDeframer(cfg *config.Config) base.Deframer {
	if dlmsal.Framing(cfg.Link.Framing) == dlmsal.FramingWrapper {
		return wrapper.NewSplitter()
	}
	return hdlc.NewSplitter()
}

func newGateway(cfg *config.Config) (base.Gateway, error) {
	t := &cfg.Transport
	df := newDeframer(cfg)
	switch t.Kind {
	case config.TransportSerial:
		s, err := cfg.SerialSettings()
		if err != nil {
			return nil, err
		}
		return directserial.New(s, df), nil
	case config.TransportTCP:
		d, err := cfg.ConnectTimeout()
		if err != nil {
			return nil, err
		}
		return tcp.New(t.Host, t.TCPPort, d, df), nil
	case config.TransportRFC2217:
		d, err := cfg.ConnectTimeout()
		if err != nil {
			return nil, err
		}
		s, err := cfg.SerialSettings()
		if err != nil {
			return nil, err
		}
		return rfc2217.New(rfc2217.Settings{Hostname: t.Host, Port: t.TCPPort, Timeout: d, Serial: s}, df), nil
	case config.TransportWebsocket:
		return wsbridge.New(wsbridge.Settings{
			URL:            t.URL,
			Username:       t.Username,
			Password:       cfg.BridgePassword(),
			SkipVerify:     t.SkipVerify,
			ReadyOnConnect: t.ReadyOnConnect,
		}, df), nil
	case config.TransportNATS:
		return natsbridge.New(natsbridge.Settings{
			URL:    t.NATSURL,
			Prefix: t.Prefix,
			Device: t.Device,
			Name:   "dlmsctl",
		}, df), nil
	}
	return nil, fmt.Errorf("unknown transport %q", t.Kind)
}

// secret returns the association password, prompting when the mechanism needs one and
// none is configured.
func (o *options) secret(cfg *config.Config) ([]byte, error) {
	if cfg.Mechanism() == base.AuthenticationNone {
		return nil, nil
	}
	if s, ok := cfg.Secret(); ok {
		return []byte(s), nil
	}
	s, err := o.prompt()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func readPassword(stdin *os.File, stderr io.Writer) (string, error) {
	fmt.Fprint(stderr, "Meter password: ")
	defer fmt.Fprintln(stderr)

	fd := int(stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	// piped input
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
