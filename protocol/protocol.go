package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/sequence"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedCommand = errors.New("malformed command")
)

const separator = ":"

// Command is a single line sent to the microcontroller. String returns the line without the
// terminator
type Command interface {
	String() string
	command()
}

// NumServos declares how many channels the host drives
type NumServos struct{ N int }

// SetPulse moves one channel to a PWM pulse width
type SetPulse struct{ Index, Pulse int }

// SetAngle moves one channel to an angle in degrees
type SetAngle struct{ Index, Angle int }

// MasterAngle moves every channel to one angle
type MasterAngle struct{ Angle int }

// LoadSequence stores a channel's keyframe curve on the device
type LoadSequence struct {
	Index     int
	Keyframes []sequence.WireKeyframe
}

// PlayServo plays the loaded curve of one channel
type PlayServo struct{ Index int }

// PlayLoaded plays every loaded curve at once
type PlayLoaded struct{}

// Stop halts playback on the device
type Stop struct{}

// ClearAll forgets every loaded curve
type ClearAll struct{}

// PlayStart and PlayEnd bracket a host driven step sequence
type (
	PlayStart struct{}
	PlayEnd   struct{}
)

func (NumServos) command()    {}
func (SetPulse) command()     {}
func (SetAngle) command()     {}
func (MasterAngle) command()  {}
func (LoadSequence) command() {}
func (PlayServo) command()    {}
func (PlayLoaded) command()   {}
func (Stop) command()         {}
func (ClearAll) command()     {}
func (PlayStart) command()    {}
func (PlayEnd) command()      {}

func (c NumServos) String() string   { return fmt.Sprintf("NUM_SERVOS:%d", c.N) }
func (c SetPulse) String() string    { return fmt.Sprintf("SP:%d:%d", c.Index, c.Pulse) }
func (c SetAngle) String() string    { return fmt.Sprintf("SA:%d:%d", c.Index, c.Angle) }
func (c MasterAngle) String() string { return fmt.Sprintf("MA:%d", c.Angle) }
func (c PlayServo) String() string   { return fmt.Sprintf("PLAY_SERVO:%d", c.Index) }
func (PlayLoaded) String() string    { return "PLAY_LOADED" }
func (Stop) String() string          { return "STOP" }
func (ClearAll) String() string      { return "CLEAR_ALL" }
func (PlayStart) String() string     { return "P:start" }
func (PlayEnd) String() string       { return "P:end" }

func (c LoadSequence) String() string {
	return fmt.Sprintf("LOAD_SEQ:%d:%s", c.Index, sequence.FormatWire(c.Keyframes))
}

// SetPosition builds the immediate position command for the configured units
func SetPosition(units servomotion.Units, index, value int) Command {
	if units == servomotion.UnitsPulse {
		return SetPulse{Index: index, Pulse: value}
	}
	return SetAngle{Index: index, Angle: value}
}

// Description documents a command for help output
type Description struct {
	Format      string
	Description string
}

// Descriptions lists every command the device understands
var Descriptions = []Description{
	{"NUM_SERVOS:<n>", "Declare the number of channels. Sent once after connecting."},
	{"SP:<index>:<pulse>", "Move one channel to a pulse width."},
	{"SA:<index>:<angle>", "Move one channel to an angle in degrees."},
	{"MA:<angle>", "Move every channel to one angle."},
	{"LOAD_SEQ:<index>:<keyframes>", "Load a channel's curve. Keyframes are time,value,in_dt,in_dv,out_dt,out_dv separated by ';'."},
	{"PLAY_SERVO:<index>", "Play one loaded channel."},
	{"PLAY_LOADED", "Play every loaded channel together."},
	{"STOP", "Stop playback."},
	{"CLEAR_ALL", "Forget every loaded curve."},
	{"P:start", "Begin a host driven step sequence."},
	{"P:end", "End a host driven step sequence."},
}

func malformed(line, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrMalformedCommand, line, reason)
}

func ints(line string, fields []string, n int) ([]int, error) {
	if len(fields) != n {
		return nil, malformed(line, fmt.Sprintf("expected %d arguments, got %d", n, len(fields)))
	}
	result := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, malformed(line, err.Error())
		}
		result[i] = v
	}
	return result, nil
}

// Parse reads one command line. Surrounding whitespace and the line terminator are ignored
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)

	switch line {
	case "PLAY_LOADED":
		return PlayLoaded{}, nil
	case "STOP":
		return Stop{}, nil
	case "CLEAR_ALL":
		return ClearAll{}, nil
	case "P:start":
		return PlayStart{}, nil
	case "P:end":
		return PlayEnd{}, nil
	}

	name, rest, ok := strings.Cut(line, separator)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}

	switch name {
	case "NUM_SERVOS":
		v, err := ints(line, strings.Split(rest, separator), 1)
		if err != nil {
			return nil, err
		}
		return NumServos{N: v[0]}, nil
	case "SP":
		v, err := ints(line, strings.Split(rest, separator), 2)
		if err != nil {
			return nil, err
		}
		return SetPulse{Index: v[0], Pulse: v[1]}, nil
	case "SA":
		v, err := ints(line, strings.Split(rest, separator), 2)
		if err != nil {
			return nil, err
		}
		return SetAngle{Index: v[0], Angle: v[1]}, nil
	case "MA":
		v, err := ints(line, strings.Split(rest, separator), 1)
		if err != nil {
			return nil, err
		}
		return MasterAngle{Angle: v[0]}, nil
	case "PLAY_SERVO":
		v, err := ints(line, strings.Split(rest, separator), 1)
		if err != nil {
			return nil, err
		}
		return PlayServo{Index: v[0]}, nil
	case "LOAD_SEQ":
		index, payload, ok := strings.Cut(rest, separator)
		if !ok {
			return nil, malformed(line, "missing keyframes")
		}
		v, err := ints(line, []string{index}, 1)
		if err != nil {
			return nil, err
		}
		kfs, err := sequence.DecodeWire(payload)
		if err != nil {
			return nil, malformed(line, err.Error())
		}
		return LoadSequence{Index: v[0], Keyframes: kfs}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
}
