package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialPortNone is offered next to the detected ports to edit without hardware
const SerialPortNone = "None (offline)"

var ErrNoUSBSerial = errors.New("no USB serial ports found")

// Config selects the serial port
type Config struct {
	Port     string
	BaudRate int
	// Channels is announced with NUM_SERVOS after connecting
	Channels int
}

// Serial writes commands to a serial port. Writes are serialized so commands from playback and
// previews never interleave within a line
type Serial struct {
	mu        sync.Mutex
	rw        io.ReadWriteCloser
	connected atomic.Bool
	logger    logrus.FieldLogger
}

var _ Conn = &Serial{}

// GetSerialPorts lists USB serial ports
func GetSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	ports = slices.DeleteFunc(ports, func(p string) bool {
		lower := strings.ToLower(p)
		return !strings.Contains(lower, "usb") && !strings.Contains(lower, "ttyacm")
	})
	if len(ports) == 0 {
		return nil, ErrNoUSBSerial
	}
	return ports, nil
}

// Dial opens the configured port. SerialPortNone and an empty port give an Offline connection
func Dial(cfg Config, logger logrus.FieldLogger) (Conn, error) {
	if cfg.Port == "" || cfg.Port == SerialPortNone {
		logger.Info("no serial port selected, editing offline")
		return Offline{}, nil
	}
	return Open(cfg, logger)
}

// Open connects to a serial port and announces the channel count
func Open(cfg Config, logger logrus.FieldLogger) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = servomotion.DefaultBaudRate
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening serial port %q: %w", cfg.Port, err)
	}

	err = port.ResetInputBuffer()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("error resetting input buffer: %w", err)
	}

	return New(port, cfg.Channels, logger.WithFields(logrus.Fields{
		"port": cfg.Port,
		"baud": cfg.BaudRate,
	}))
}

// New uses an already open stream as the connection. It is used by Open and by tests
func New(rw io.ReadWriteCloser, channels int, logger logrus.FieldLogger) (*Serial, error) {
	s := &Serial{rw: rw, logger: logger.WithField("component", "connection")}
	s.connected.Store(true)

	if channels > 0 && !s.Send(protocol.NumServos{N: channels}) {
		s.Close()
		return nil, errors.New("error announcing channel count")
	}

	s.logger.Info("connected")
	return s, nil
}

// Send implements Conn. A failed write marks the connection as disconnected
func (s *Serial) Send(cmd protocol.Command) bool {
	if !s.connected.Load() {
		s.logger.WithField("command", cmd.String()).Warn("not connected")
		return false
	}

	line := cmd.String() + string(servomotion.LineTerminator)

	s.mu.Lock()
	_, err := io.WriteString(s.rw, line)
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithField("command", cmd.String()).Error("error sending command")
		s.connected.Store(false)
		return false
	}

	s.logger.WithField("command", cmd.String()).Debug("sent")
	return true
}

// IsConnected implements Conn
func (s *Serial) IsConnected() bool {
	return s.connected.Load()
}

// Listen reads lines printed by the device and passes them to handle until the connection is
// closed or fails
func (s *Serial) Listen(handle func(string)) error {
	scanner := bufio.NewScanner(s.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		handle(line)
	}

	err := scanner.Err()
	if err != nil && s.connected.Load() {
		return fmt.Errorf("error reading from device: %w", err)
	}
	return nil
}

// Close disconnects and closes the port
func (s *Serial) Close() error {
	if !s.connected.Swap(false) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.rw.Close()
	if err != nil {
		return fmt.Errorf("error closing serial port: %w", err)
	}
	s.logger.Info("disconnected")
	return nil
}
