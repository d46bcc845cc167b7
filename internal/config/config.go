package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/meterkenshin/dlmslink/base"
	"github.com/meterkenshin/dlmslink/ciphering"
	"github.com/meterkenshin/dlmslink/dlmsal"
	"github.com/meterkenshin/dlmslink/hdlc"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
	TransportRFC2217   = "rfc2217"
)

type Transport struct {
	Kind string `yaml:"kind" toml:"kind"`

	// serial
	Port     string `yaml:"port" toml:"port"`
	Baud     int    `yaml:"baud" toml:"baud"`
	DataBits int    `yaml:"data_bits" toml:"data_bits"`
	Parity   string `yaml:"parity" toml:"parity"`
	StopBits string `yaml:"stop_bits" toml:"stop_bits"`

	// tcp, rfc2217
	Host    string `yaml:"host" toml:"host"`
	TCPPort int    `yaml:"tcp_port" toml:"tcp_port"`
	Timeout string `yaml:"timeout" toml:"timeout"`

	// websocket bridge
	URL            string `yaml:"url" toml:"url"`
	Username       string `yaml:"username" toml:"username"`
	Password       string `yaml:"password" toml:"password"`
	PasswordEnv    string `yaml:"password_env" toml:"password_env"`
	SkipVerify     bool   `yaml:"skip_verify" toml:"skip_verify"`
	ReadyOnConnect bool   `yaml:"ready_on_connect" toml:"ready_on_connect"`

	// nats bridge
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Prefix  string `yaml:"prefix" toml:"prefix"`
	Device  string `yaml:"device" toml:"device"`
}

type Link struct {
	Framing            string `yaml:"framing" toml:"framing"`
	Logical            int    `yaml:"logical" toml:"logical"`
	Physical           int    `yaml:"physical" toml:"physical"`
	Client             int    `yaml:"client" toml:"client"`
	MaxInfo            int    `yaml:"max_info" toml:"max_info"`
	WrapperSource      int    `yaml:"wrapper_source" toml:"wrapper_source"`
	WrapperDestination int    `yaml:"wrapper_destination" toml:"wrapper_destination"`
	NormalPriority     bool   `yaml:"normal_priority" toml:"normal_priority"`
	EmptyRLRQ          bool   `yaml:"empty_rlrq" toml:"empty_rlrq"`
}

// Auth holds the association credentials. Keys and titles are hex strings.
type Auth struct {
	Mechanism         string `yaml:"mechanism" toml:"mechanism"`
	Password          string `yaml:"password" toml:"password"`
	PasswordEnv       string `yaml:"password_env" toml:"password_env"`
	ClientTitle       string `yaml:"client_title" toml:"client_title"`
	EncryptionKey     string `yaml:"encryption_key" toml:"encryption_key"`
	AuthenticationKey string `yaml:"authentication_key" toml:"authentication_key"`
}

// Timing knobs are optional, unset ones keep the session defaults.
type Timing struct {
	ResponseTicks     *int    `yaml:"response_ticks" toml:"response_ticks"`
	Tick              *string `yaml:"tick" toml:"tick"`
	SessionIterations *int    `yaml:"session_iterations" toml:"session_iterations"`
	ExecuteIterations *int    `yaml:"execute_iterations" toml:"execute_iterations"`
	MaxSegments       *int    `yaml:"max_segments" toml:"max_segments"`
	BlockCap          *int    `yaml:"block_cap" toml:"block_cap"`
	BlockDelay        *string `yaml:"block_delay" toml:"block_delay"`
	ReadyTicks        *int    `yaml:"ready_ticks" toml:"ready_ticks"`
	ReadyTick         *string `yaml:"ready_tick" toml:"ready_tick"`
	ReleaseSettle     *string `yaml:"release_settle" toml:"release_settle"`
}

// Object overrides or adds one registry entry.
type Object struct {
	ID    int    `yaml:"id" toml:"id"`
	Class int    `yaml:"class" toml:"class"`
	Obis  string `yaml:"obis" toml:"obis"`
}

type Log struct {
	Level string `yaml:"level" toml:"level"`
}

type Config struct {
	Transport Transport `yaml:"transport" toml:"transport"`
	Link      Link      `yaml:"link" toml:"link"`
	Auth      Auth      `yaml:"auth" toml:"auth"`
	Timing    Timing    `yaml:"timing" toml:"timing"`
	Objects   []Object  `yaml:"objects" toml:"objects"`
	Log       Log       `yaml:"log" toml:"log"`
}

// Default is an optical probe on the first USB serial adapter talking to a public client.
func Default() *Config {
	return &Config{
		Transport: Transport{
			Kind:     TransportSerial,
			Port:     "/dev/ttyUSB0",
			Baud:     9600,
			DataBits: 8,
			Parity:   "none",
			StopBits: "1",
			TCPPort:  4059,
			Timeout:  "10s",
			NATSURL:  "nats://127.0.0.1:4222",
			Prefix:   "dlms",
		},
		Link: Link{
			Framing:            string(dlmsal.FramingHDLC),
			Logical:            1,
			Client:             16,
			MaxInfo:            128,
			WrapperSource:      16,
			WrapperDestination: 1,
		},
		Auth: Auth{Mechanism: "none"},
		Log:  Log{Level: "info"},
	}
}

// Load reads a YAML or TOML file, chosen by extension, on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if u := meta.Undecoded(); len(u) > 0 {
			keys := make([]string, 0, len(u))
			for _, k := range u {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	default:
		return nil, fmt.Errorf("load config %s: unsupported extension", path)
	}
	return cfg, nil
}

func duration(name string, s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*s))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	return &d, nil
}

func count(name string, v *int, least int) error {
	if v != nil && *v < least {
		return fmt.Errorf("%s must be at least %d", name, least)
	}
	return nil
}

func decodehex(name string, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return b, nil
}

// Validate reports every invalid field, not just the first one.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, v ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, v...))
	}

	t := &c.Transport
	switch t.Kind {
	case TransportSerial:
		if t.Port == "" {
			add("transport.port is required for serial")
		}
		if _, err := c.SerialSettings(); err != nil {
			errs = multierr.Append(errs, err)
		}
	case TransportTCP, TransportRFC2217:
		if t.Host == "" {
			add("transport.host is required for %s", t.Kind)
		}
		if t.TCPPort <= 0 || t.TCPPort > 0xffff {
			add("transport.tcp_port %d out of range", t.TCPPort)
		}
		if _, err := c.ConnectTimeout(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if t.Kind == TransportRFC2217 {
			if _, err := c.SerialSettings(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	case TransportWebsocket:
		if t.URL == "" {
			add("transport.url is required for websocket")
		}
	case TransportNATS:
		if t.Device == "" {
			add("transport.device is required for nats")
		}
	default:
		add("unknown transport.kind %q", t.Kind)
	}

	l := &c.Link
	switch dlmsal.Framing(l.Framing) {
	case dlmsal.FramingHDLC, dlmsal.FramingWrapper:
	default:
		add("unknown link.framing %q", l.Framing)
	}
	if l.Logical < 0 || l.Logical > 0x3fff {
		add("link.logical %d out of range", l.Logical)
	}
	if l.Physical < 0 || l.Physical > 0x3fff {
		add("link.physical %d out of range", l.Physical)
	}
	if l.Client < 0 || l.Client > 0x7f {
		add("link.client %d out of range", l.Client)
	}
	if l.MaxInfo < 0 {
		add("link.max_info must not be negative")
	}
	if l.WrapperSource < 0 || l.WrapperSource > 0xffff {
		add("link.wrapper_source %d out of range", l.WrapperSource)
	}
	if l.WrapperDestination < 0 || l.WrapperDestination > 0xffff {
		add("link.wrapper_destination %d out of range", l.WrapperDestination)
	}

	if _, err := base.ParseAuthentication(c.Auth.Mechanism); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("auth.mechanism: %w", err))
	}
	for name, v := range map[string]string{
		"auth.client_title":       c.Auth.ClientTitle,
		"auth.encryption_key":     c.Auth.EncryptionKey,
		"auth.authentication_key": c.Auth.AuthenticationKey,
	} {
		if _, err := decodehex(name, v); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if _, err := c.Settings(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.Registry(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errs
}

// SerialSettings returns the line parameters, used by the serial and rfc2217 transports.
func (c *Config) SerialSettings() (*base.SerialStreamSettings, error) {
	t := &c.Transport
	s := base.DefaultSerialSettings(t.Port)
	var errs error
	if t.Baud > 0 {
		s.BaudRate = t.Baud
	} else {
		errs = multierr.Append(errs, fmt.Errorf("transport.baud %d out of range", t.Baud))
	}
	switch t.DataBits {
	case 7:
		s.DataBits = base.Serial7DataBits
	case 8:
		s.DataBits = base.Serial8DataBits
	default:
		errs = multierr.Append(errs, fmt.Errorf("transport.data_bits %d unsupported", t.DataBits))
	}
	switch strings.ToLower(t.Parity) {
	case "none", "":
		s.Parity = base.SerialNoParity
	case "odd":
		s.Parity = base.SerialOddParity
	case "even":
		s.Parity = base.SerialEvenParity
	default:
		errs = multierr.Append(errs, fmt.Errorf("transport.parity %q unsupported", t.Parity))
	}
	switch t.StopBits {
	case "1", "":
		s.StopBits = base.SerialOneStopBit
	case "1.5":
		s.StopBits = base.SerialOneAndHalfStopBits
	case "2":
		s.StopBits = base.SerialTwoStopBits
	default:
		errs = multierr.Append(errs, fmt.Errorf("transport.stop_bits %q unsupported", t.StopBits))
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

func (c *Config) ConnectTimeout() (time.Duration, error) {
	d, err := duration("transport.timeout", &c.Transport.Timeout)
	if err != nil {
		return 0, err
	}
	return *d, nil
}

// Settings converts the timing knobs, unset ones stay nil.
func (c *Config) Settings() (*dlmsal.Settings, error) {
	t := &c.Timing
	s := &dlmsal.Settings{
		ResponseTicks:     t.ResponseTicks,
		SessionIterations: t.SessionIterations,
		ExecuteIterations: t.ExecuteIterations,
		MaxSegments:       t.MaxSegments,
		BlockCap:          t.BlockCap,
		ReadyTicks:        t.ReadyTicks,
	}
	errs := multierr.Combine(
		count("timing.response_ticks", t.ResponseTicks, 1),
		count("timing.session_iterations", t.SessionIterations, 1),
		count("timing.execute_iterations", t.ExecuteIterations, 1),
		count("timing.max_segments", t.MaxSegments, 1),
		count("timing.block_cap", t.BlockCap, 1),
		count("timing.ready_ticks", t.ReadyTicks, 1),
	)
	for _, d := range []struct {
		name string
		src  *string
		dst  **time.Duration
	}{
		{"timing.tick", t.Tick, &s.TickDuration},
		{"timing.block_delay", t.BlockDelay, &s.BlockDelay},
		{"timing.ready_tick", t.ReadyTick, &s.ReadyTick},
		{"timing.release_settle", t.ReleaseSettle, &s.ReleaseSettle},
	} {
		v, err := duration(d.name, d.src)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		*d.dst = v
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

// Registry returns the default object registry with the configured overrides applied.
func (c *Config) Registry() (dlmsal.Registry, error) {
	extra := dlmsal.Registry{}
	var errs error
	for i, o := range c.Objects {
		ob, err := dlmsal.NewDlmsObisFromString(o.Obis)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("objects[%d]: %w", i, err))
			continue
		}
		if o.Class <= 0 || o.Class > 0xffff {
			errs = multierr.Append(errs, fmt.Errorf("objects[%d]: class %d out of range", i, o.Class))
			continue
		}
		extra[o.ID] = dlmsal.CosemObject{ClassId: uint16(o.Class), Obis: ob}
	}
	if errs != nil {
		return nil, errs
	}
	return dlmsal.DefaultRegistry().With(extra), nil
}

// Mechanism is the parsed auth.mechanism, AuthenticationNone when invalid.
func (c *Config) Mechanism() base.Authentication {
	m, _ := base.ParseAuthentication(c.Auth.Mechanism)
	return m
}

// Secret returns the association password from the file or from auth.password_env.
func (c *Config) Secret() (string, bool) {
	if c.Auth.Password != "" {
		return c.Auth.Password, true
	}
	if c.Auth.PasswordEnv != "" {
		if v, ok := os.LookupEnv(c.Auth.PasswordEnv); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// BridgePassword returns the websocket bridge password from the file or from transport.password_env.
func (c *Config) BridgePassword() string {
	if c.Transport.Password != "" {
		return c.Transport.Password
	}
	if c.Transport.PasswordEnv != "" {
		return os.Getenv(c.Transport.PasswordEnv)
	}
	return ""
}

// CodecSettings builds the LN codec settings, password is the association secret.
func (c *Config) CodecSettings(password []byte) (*dlmsal.CodecSettings, error) {
	mech, err := base.ParseAuthentication(c.Auth.Mechanism)
	if err != nil {
		return nil, err
	}
	title, err := decodehex("auth.client_title", c.Auth.ClientTitle)
	if err != nil {
		return nil, err
	}
	ek, err := decodehex("auth.encryption_key", c.Auth.EncryptionKey)
	if err != nil {
		return nil, err
	}
	ak, err := decodehex("auth.authentication_key", c.Auth.AuthenticationKey)
	if err != nil {
		return nil, err
	}
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	l := &c.Link
	info := uint(max(l.MaxInfo, 0))
	return &dlmsal.CodecSettings{
		Framing: dlmsal.Framing(l.Framing),
		HDLC: hdlc.Settings{
			Logical:  uint16(l.Logical),
			Physical: uint16(l.Physical),
			Client:   byte(l.Client),
			MaxRcv:   info,
			MaxSnd:   info,
		},
		WrapperSource:      uint16(l.WrapperSource),
		WrapperDestination: uint16(l.WrapperDestination),
		Auth: ciphering.Settings{
			Mechanism:         mech,
			Password:          password,
			ClientTitle:       title,
			EncryptionKey:     ek,
			AuthenticationKey: ak,
		},
		NormalPriority: l.NormalPriority,
		EmptyRLRQ:      l.EmptyRLRQ,
		Objects:        reg,
	}, nil
}

func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
