// Package directserial is a gateway over a local serial port, usually an optical probe.
package directserial

import (
	"context"
	"fmt"
	"sync"

	"github.com/meterkenshin/dlmslink/base"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

type DirectSerial struct {
	settings *base.SerialStreamSettings
	deframer base.Deframer
	logger   *zap.SugaredLogger
	open     func(name string, mode *serial.Mode) (serial.Port, error)

	mu     sync.Mutex
	port   serial.Port
	isopen bool
	done   chan struct{}
}

func New(settings *base.SerialStreamSettings, deframer base.Deframer) *DirectSerial {
	return &DirectSerial{
		settings: settings,
		deframer: deframer,
		open:     serial.Open,
	}
}

func (r *DirectSerial) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *DirectSerial) dlogf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, v...)
	}
}

func (r *DirectSerial) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

func mode(s *base.SerialStreamSettings) (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: s.BaudRate, DataBits: int(s.DataBits)}
	switch s.Parity {
	case base.SerialNoParity:
		m.Parity = serial.NoParity
	case base.SerialOddParity:
		m.Parity = serial.OddParity
	case base.SerialEvenParity:
		m.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity %v", s.Parity)
	}
	switch s.StopBits {
	case base.SerialOneStopBit:
		m.StopBits = serial.OneStopBit
	case base.SerialOneAndHalfStopBits:
		m.StopBits = serial.OnePointFiveStopBits
	case base.SerialTwoStopBits:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %v", s.StopBits)
	}
	return m, nil
}

// Open opens the port and starts the reader. Connected and ServicesReady follow immediately,
// a serial line has nothing else to wait for.
func (r *DirectSerial) Open(ctx context.Context, handler base.EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isopen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := mode(r.settings)
	if err != nil {
		return err
	}
	port, err := r.open(r.settings.Port, m)
	if err != nil {
		r.logf("open %s failed: %v", r.settings.Port, err)
		return fmt.Errorf("open %s failed: %w", r.settings.Port, err)
	}
	r.logf("opened %s at %d baud", r.settings.Port, r.settings.BaudRate)
	r.port = port
	r.isopen = true
	r.done = make(chan struct{})

	go func(port serial.Port, done chan struct{}) {
		defer close(done)
		handler(base.Event{Kind: base.EventConnected})
		handler(base.Event{Kind: base.EventServicesReady})
		err := base.Pump(port, r.deframer, handler, r.dlogf)
		r.mu.Lock()
		r.isopen = false
		r.mu.Unlock()
		r.dlogf("reader stopped: %v", err)
	}(port, r.done)
	return nil
}

func (r *DirectSerial) Send(frame []byte) error {
	r.mu.Lock()
	port, open := r.port, r.isopen
	r.mu.Unlock()
	if !open {
		return base.ErrNotOpened
	}
	r.dlogf("%s", base.LogHex("TX", frame))
	for len(frame) > 0 {
		n, err := port.Write(frame)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

func (r *DirectSerial) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isopen
}

// Close closes the port and waits for the reader to finish.
func (r *DirectSerial) Close() error {
	r.mu.Lock()
	port, done := r.port, r.done
	r.port = nil
	r.isopen = false
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	r.logf("closed %s", r.settings.Port)
	return err
}
