// Package device interprets the serial protocol the way the servo microcontroller does. It is
// used by the TinyGo firmware and by the mock device for dry runs, so it avoids anything that
// does not build for microcontrollers
package device

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/calvinmclean/servomotion/sequence"
)

// maxLine bounds a single command line. LOAD_SEQ lines grow with the number of keyframes
const maxLine = 16 * 1024

// pwmPeriod and pwmResolution convert SP pulse widths, which count 12-bit ticks of a 50Hz
// period, to microseconds
const (
	pwmPeriod     = 20000
	pwmResolution = servomotion.MaxPulseWidth + 1
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrNotLoaded      = errors.New("no sequence loaded")
	ErrLineTooLong    = errors.New("line too long")
	ErrWrite          = errors.New("error writing reply")
)

// Servo is one output. tinygo.org/x/drivers/servo.Servo satisfies it
type Servo interface {
	SetAngle(angle int) error
}

// microsecondServo is implemented by outputs that accept a pulse width directly
type microsecondServo interface {
	SetMicroseconds(microseconds int16)
}

// Config sets up a Device
type Config struct {
	// Units decides how curve values are written to the outputs
	Units servomotion.Units
	// Now is the device clock. Defaults to time.Now
	Now func() time.Time
	// Out receives replies and errors. Defaults to io.Discard
	Out io.Writer
}

// Device holds the loaded curves and drives the servo outputs
type Device struct {
	mu sync.Mutex

	servos []Servo
	units  servomotion.Units
	now    func() time.Time
	out    io.Writer

	outMu  sync.Mutex
	outErr error

	count     int
	positions []int
	curves    map[int][]keyframe.Keyframe
	playing   map[int]time.Time
	stepped   bool
}

// New creates a Device with one channel per servo
func New(servos []Servo, cfg Config) *Device {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}

	return &Device{
		servos:    servos,
		units:     cfg.Units,
		now:       cfg.Now,
		out:       cfg.Out,
		count:     len(servos),
		positions: make([]int, len(servos)),
		curves:    map[int][]keyframe.Keyframe{},
		playing:   map[int]time.Time{},
	}
}

// Run reads newline terminated commands from r until it returns io.EOF. Any other read error
// means no input is available yet, and the loaded curves are advanced instead. Run stops with
// ErrWrite once a reply cannot be written and clears it, so it can be called again
func (d *Device) Run(r io.ByteReader) error {
	line := make([]byte, 0, 64)
	overflow := false

	for {
		if err := d.takeErr(); err != nil {
			return err
		}

		b, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			d.Update(d.now())
			continue
		}

		switch {
		case b == '\n':
			if overflow {
				d.reply("error: " + ErrLineTooLong.Error())
			} else {
				d.HandleLine(string(line))
			}
			line = line[:0]
			overflow = false
		case len(line) >= maxLine:
			overflow = true
		default:
			line = append(line, b)
		}
	}
}

// HandleLine parses and applies one command line. Errors are written to the output
func (d *Device) HandleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	cmd, err := protocol.Parse(line)
	if err == nil {
		err = d.Handle(cmd)
	}
	if err != nil {
		d.reply("error: " + err.Error())
	}
}

// Handle applies one command
func (d *Device) Handle(cmd protocol.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	switch c := cmd.(type) {
	case protocol.NumServos:
		if c.N < 0 || c.N > len(d.servos) {
			d.count = len(d.servos)
			return fmt.Errorf("%w: %d servos requested, %d available", ErrInvalidChannel, c.N, len(d.servos))
		}
		d.count = c.N
		d.replyf("READY:%d", d.count)
	case protocol.SetAngle:
		if err := d.check(c.Index); err != nil {
			return err
		}
		delete(d.playing, c.Index)
		return d.writeAngle(c.Index, c.Angle)
	case protocol.SetPulse:
		if err := d.check(c.Index); err != nil {
			return err
		}
		delete(d.playing, c.Index)
		return d.writePulse(c.Index, c.Pulse)
	case protocol.MasterAngle:
		clear(d.playing)
		var errs []error
		for i := range d.count {
			errs = append(errs, d.writeAngle(i, c.Angle))
		}
		return errors.Join(errs...)
	case protocol.LoadSequence:
		if err := d.check(c.Index); err != nil {
			return err
		}
		kfs := sequence.FromWire(c.Keyframes)
		if err := keyframe.Validate(kfs); err != nil {
			return fmt.Errorf("error loading channel %d: %w", c.Index, err)
		}
		d.curves[c.Index] = keyframe.EnsureHandles(kfs)
		d.replyf("LOADED:%d:%d", c.Index, len(kfs))
	case protocol.ClearAll:
		clear(d.curves)
		clear(d.playing)
	case protocol.PlayServo:
		if err := d.check(c.Index); err != nil {
			return err
		}
		if len(d.curves[c.Index]) == 0 {
			return fmt.Errorf("%w: channel %d", ErrNotLoaded, c.Index)
		}
		d.playing[c.Index] = now
		d.advance(now)
	case protocol.PlayLoaded:
		if len(d.curves) == 0 {
			return ErrNotLoaded
		}
		for i := range d.curves {
			d.playing[i] = now
		}
		d.advance(now)
	case protocol.Stop:
		clear(d.playing)
		d.stepped = false
	case protocol.PlayStart:
		clear(d.playing)
		d.stepped = true
	case protocol.PlayEnd:
		d.stepped = false
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd)
	}
	return nil
}

// Update moves every playing channel to its curve value at now. Channels stop once their curve
// has ended
func (d *Device) Update(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance(now)
}

func (d *Device) advance(now time.Time) {
	for i, start := range d.playing {
		kfs := d.curves[i]
		ms := float64(now.Sub(start)) / float64(time.Millisecond)

		v, ok := bezier.ValueAt(kfs, ms)
		if !ok {
			delete(d.playing, i)
			continue
		}

		value := int(math.Round(v))
		if value != d.positions[i] {
			var err error
			if d.units == servomotion.UnitsPulse {
				err = d.writePulse(i, value)
			} else {
				err = d.writeAngle(i, value)
			}
			if err != nil {
				d.replyf("error: channel %d: %v", i, err)
			}
		}

		if ms >= float64(keyframe.Duration(kfs)) {
			delete(d.playing, i)
		}
	}
}

func (d *Device) check(index int) error {
	if index < 0 || index >= d.count {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, index)
	}
	return nil
}

func (d *Device) writeAngle(i, angle int) error {
	angle = min(max(angle, servomotion.DefaultAngleMin), servomotion.DefaultAngleMax)
	d.positions[i] = angle
	return d.servos[i].SetAngle(angle)
}

func (d *Device) writePulse(i, pulse int) error {
	pulse = min(max(pulse, 0), servomotion.MaxPulseWidth)
	d.positions[i] = pulse

	if s, ok := d.servos[i].(microsecondServo); ok {
		s.SetMicroseconds(int16(pulse * pwmPeriod / pwmResolution))
		return nil
	}

	// outputs without pulse control get the angle the pulse range maps to
	angle := (pulse - servomotion.DefaultPulseMin) * servomotion.DefaultAngleMax /
		(servomotion.DefaultPulseMax - servomotion.DefaultPulseMin)
	angle = min(max(angle, servomotion.DefaultAngleMin), servomotion.DefaultAngleMax)
	return d.servos[i].SetAngle(angle)
}

func (d *Device) reply(s string) {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	if d.outErr != nil {
		return
	}
	_, err := io.WriteString(d.out, s+string(servomotion.LineTerminator))
	if err != nil {
		d.outErr = fmt.Errorf("%w %q: %w", ErrWrite, s, err)
	}
}

// Err returns the first reply write error. Later replies are dropped once it is set
func (d *Device) Err() error {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	return d.outErr
}

func (d *Device) takeErr() error {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	err := d.outErr
	d.outErr = nil
	return err
}

func (d *Device) replyf(format string, args ...any) {
	d.reply(fmt.Sprintf(format, args...))
}

// Positions returns the last value written to each channel
func (d *Device) Positions() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.positions[:d.count])
}

// Playing lists the channels currently following a curve
func (d *Device) Playing() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]int, 0, len(d.playing))
	for i := range d.playing {
		result = append(result, i)
	}
	slices.Sort(result)
	return result
}

// Stepped is true between P:start and P:end
func (d *Device) Stepped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepped
}

// Loaded returns a copy of the curve loaded on a channel
func (d *Device) Loaded(index int) []keyframe.Keyframe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return keyframe.CloneAll(d.curves[index])
}
