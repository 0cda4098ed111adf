package main

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/calvinmclean/servomotion/config"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/device"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/calvinmclean/servomotion/report"
	"github.com/sirupsen/logrus"
)

// session wires one editing session: store, event bus, playback driver and editor
type session struct {
	cfg    *config.Config
	bus    *events.Bus
	editor *editor.Editor
	logger logrus.FieldLogger

	mu     sync.Mutex
	conn   connection.Conn
	dryRun bool
}

func newSession(cfg *config.Config, dryRun bool, logger logrus.FieldLogger) (*session, error) {
	playbackOpts, err := cfg.PlaybackOptions()
	if err != nil {
		return nil, err
	}
	editorOpts, err := cfg.EditorOptions()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	driver := playback.New(connection.Offline{}, bus, playbackOpts, logger)
	store := keyframe.NewStore(cfg.Channels()...)

	s := &session{
		cfg:    cfg,
		bus:    bus,
		editor: editor.New(store, driver, nil, bus, editorOpts, logger),
		logger: logger,
		conn:   connection.Offline{},
		dryRun: dryRun,
	}
	s.editor.SetReporter(report.New(cfg.Report.Addr))
	return s, nil
}

// connect replaces the session's connection with one using cfg's serial settings
func (s *session) connect(cfg *config.Config) (connection.Conn, error) {
	var (
		conn connection.Conn
		err  error
	)
	if s.dryRun {
		conn, err = dialMockDevice(cfg, s.logger)
	} else {
		conn, err = connection.Dial(cfg.ConnectionConfig(), s.logger)
	}
	if err != nil {
		return nil, err
	}

	if serial, ok := conn.(*connection.Serial); ok {
		go s.listen(serial)
	}

	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()
	closeConn(prev)

	s.editor.SetConn(conn)
	return conn, nil
}

// listen logs what the device prints
func (s *session) listen(serial *connection.Serial) {
	logger := s.logger.WithField("component", "device")
	err := serial.Listen(func(line string) {
		if strings.HasPrefix(line, "error") {
			logger.WithField("line", line).Warn("device reported an error")
			return
		}
		logger.WithField("line", line).Debug("device output")
	})
	if err != nil {
		logger.WithError(err).Error("stopped reading from device")
	}
}

func (s *session) Close() {
	s.editor.Close()
	s.bus.Close()

	s.mu.Lock()
	closeConn(s.conn)
	s.conn = connection.Offline{}
	s.mu.Unlock()
}

func closeConn(conn connection.Conn) {
	if c, ok := conn.(io.Closer); ok {
		c.Close()
	}
}

// logServo stands in for a servo output on the simulated device
type logServo struct {
	index  int
	logger logrus.FieldLogger
}

func (s logServo) SetAngle(angle int) error {
	s.logger.WithFields(logrus.Fields{
		"channel": s.index,
		"angle":   angle,
	}).Debug("servo moved")
	return nil
}

func logServos(logger logrus.FieldLogger) []device.Servo {
	logger = logger.WithField("component", "mock-device")
	servos := make([]device.Servo, config.MaxServos)
	for i := range servos {
		servos[i] = logServo{index: i, logger: logger}
	}
	return servos
}

// runMockDevice runs a simulated device on rw until it is closed. Loaded curves advance every
// interval while no input arrives
func runMockDevice(rw io.ReadWriter, cfg *config.Config, interval time.Duration, logger logrus.FieldLogger) error {
	d := device.New(logServos(logger), device.Config{
		Units: cfg.UnitsValue(),
		Out:   rw,
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				d.Update(now)
			}
		}
	}()

	return d.Run(blockingReader{bufio.NewReader(rw)})
}

// blockingReader ends the device loop on any read error. Its reads block, so the device's
// idle handling is replaced by the ticker
type blockingReader struct {
	r *bufio.Reader
}

func (b blockingReader) ReadByte() (byte, error) {
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, io.EOF
	}
	return c, nil
}

// dialMockDevice connects to a simulated device running in this process
func dialMockDevice(cfg *config.Config, logger logrus.FieldLogger) (*connection.Serial, error) {
	host, dev := net.Pipe()
	go func() {
		defer dev.Close()
		err := runMockDevice(dev, cfg, 10*time.Millisecond, logger)
		if err != nil {
			logger.WithError(err).Error("mock device stopped")
		}
	}()

	conn, err := connection.New(host, cfg.ConnectionConfig().Channels, logger.WithField("port", "dry-run"))
	if err != nil {
		host.Close()
		return nil, err
	}
	return conn, nil
}
