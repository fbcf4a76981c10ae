package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaud is the serial speed used when none is configured.
	DefaultBaud = 9600

	defaultSerialTimeout   = time.Second
	defaultSerialQueueSize = 64
)

// ErrWriteTimeout marks a serial write that did not complete in time.
var ErrWriteTimeout = errors.New("sink: serial write timed out")

// SerialOption configures a [Serial] sink.
type SerialOption func(*Serial)

// WithWriteTimeout bounds each line write. Default: 1s.
func WithWriteTimeout(d time.Duration) SerialOption {
	return func(s *Serial) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithQueueSize sets how many lines may wait for the port. Default: 64.
func WithQueueSize(n int) SerialOption {
	return func(s *Serial) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Serial writes each final caption as one "text\r\n" line to a serial port,
// without handshake.
//
// Write only enqueues; a background writer drains the queue. A failed or
// timed-out write marks the sink degraded, and queued and later lines are
// discarded until [Serial.Reset].
type Serial struct {
	name      string
	timeout   time.Duration
	queueSize int
	reopen    func() (io.WriteCloser, error)

	queue chan []byte
	done  chan struct{}

	mu       sync.Mutex
	port     io.WriteCloser
	degraded error
	closed   bool
}

var (
	_ Sink     = (*Serial)(nil)
	_ Degrader = (*Serial)(nil)
)

// OpenSerial opens portName at baud (8N1) and returns a sink writing to it.
// [Serial.Reset] reopens the port.
func OpenSerial(portName string, baud int, opts ...SerialOption) (*Serial, error) {
	if portName == "" {
		return nil, errors.New("sink: serial port name is required")
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (io.WriteCloser, error) {
		p, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("sink: open serial port %s: %w", portName, err)
		}
		return p, nil
	}
	port, err := open()
	if err != nil {
		return nil, err
	}
	s := NewSerial(port, opts...)
	s.name = portName
	s.reopen = open
	slog.Info("sink: serial port opened", "port", portName, "baud", baud)
	return s, nil
}

// NewSerial returns a sink writing lines to port. It takes ownership of port.
func NewSerial(port io.WriteCloser, opts ...SerialOption) *Serial {
	s := &Serial{
		timeout:   defaultSerialTimeout,
		queueSize: defaultSerialQueueSize,
		port:      port,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan []byte, s.queueSize)
	go s.run()
	return s
}

// Name implements [Sink].
func (s *Serial) Name() string { return "serial" }

// Write implements [Sink]. It never blocks: a full queue drops the line and
// returns [ErrQueueFull]. Partial entries are ignored.
func (s *Serial) Write(_ context.Context, e Entry) error {
	if !e.Final {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.degraded != nil:
		return fmt.Errorf("%w: %w", ErrDegraded, s.degraded)
	}
	select {
	case s.queue <- []byte(e.Text + "\r\n"):
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Serial) run() {
	defer close(s.done)
	for line := range s.queue {
		s.mu.Lock()
		port, skip := s.port, s.degraded != nil
		s.mu.Unlock()
		if skip || port == nil {
			continue
		}
		if err := s.writeLine(port, line); err != nil {
			s.degrade(err)
		}
	}
}

// writeLine writes line, giving up after the configured timeout. A write that
// times out keeps running in the background until the port returns.
func (s *Serial) writeLine(port io.Writer, line []byte) error {
	result := make(chan error, 1)
	go func() {
		_, err := port.Write(line)
		result <- err
	}()
	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case err := <-result:
		return err
	case <-t.C:
		return ErrWriteTimeout
	}
}

func (s *Serial) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded == nil {
		s.degraded = err
		slog.Warn("sink: serial output degraded", "port", s.name, "err", err)
	}
}

// Degraded implements [Degrader].
func (s *Serial) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded != nil
}

// Reset resumes writing after a failure. A sink opened with [OpenSerial]
// reopens its port first; if that fails it stays degraded.
func (s *Serial) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.reopen != nil {
		if s.port != nil {
			_ = s.port.Close()
			s.port = nil
		}
		port, err := s.reopen()
		if err != nil {
			s.degraded = err
			return err
		}
		s.port = port
	}
	s.degraded = nil
	slog.Info("sink: serial output reset", "port", s.name)
	return nil
}

// Close stops accepting lines, waits for queued lines to be written or
// discarded, and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("sink: close serial port: %w", err)
	}
	return nil
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name         string
	Product      string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// ListPorts enumerates the serial ports of this machine, with USB details
// where the platform provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				Product:      d.Product,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
			})
		}
		return out, nil
	}
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("sink: list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}
