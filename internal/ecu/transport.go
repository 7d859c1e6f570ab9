package ecu

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is a byte pipe to an ECU. Read must return promptly with
// (0, nil) when nothing is pending so the controller never blocks.
type Transport interface {
	io.ReadWriteCloser
}

// inputResetter is implemented by transports that can drop unread input.
type inputResetter interface {
	ResetInputBuffer() error
}

// Opener opens the transport for cfg.
type Opener func(cfg ConnectionConfig) (Transport, error)

// serialReadPoll bounds how long a Read waits for the first byte.
const serialReadPoll = time.Millisecond

var errPortEmpty = errors.New("serial port is empty")

// SerialTransport is a Transport over a local serial port.
type SerialTransport struct {
	name string

	mu   sync.Mutex
	port serial.Port
}

// OpenSerial opens name at 8N1 and the given baud rate.
func OpenSerial(name string, baud int, settle time.Duration) (*SerialTransport, error) {
	if name == "" {
		return nil, errPortEmpty
	}
	if baud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baud)
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	if err := port.SetReadTimeout(serialReadPoll); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}
	if settle > 0 {
		// Boards that reset on open need time before they answer.
		time.Sleep(settle)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset serial input: %w", err)
	}
	return &SerialTransport{name: name, port: port}, nil
}

func (t *SerialTransport) Name() string { return t.name }

func (t *SerialTransport) Read(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(p)
	if errors.Is(err, io.EOF) {
		// Some drivers report EOF on timeout.
		return n, nil
	}
	return n, err
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (t *SerialTransport) ResetInputBuffer() error {
	port, err := t.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) current() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}
	return t.port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// IsSimPort reports whether port selects the built-in simulator.
func IsSimPort(port string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(port)), "sim")
}

// OpenTransport is the default Opener: "sim" ports get a SimTransport,
// everything else is opened as a serial device.
func OpenTransport(cfg ConnectionConfig) (Transport, error) {
	if IsSimPort(cfg.Port) {
		opts, err := ParseSimOptions(cfg.Port)
		if err != nil {
			return nil, err
		}
		return NewSimTransport(cfg.Protocol, opts)
	}
	return OpenSerial(cfg.Port, cfg.Baud, cfg.OpenDelay)
}
