package servomotion

const (
	// LineTerminator ends every command sent to the microcontroller
	LineTerminator = '\n'

	DefaultBaudRate = 115200

	DefaultAngleMin = 0
	DefaultAngleMax = 180

	DefaultPulseMin = 150
	DefaultPulseMax = 600

	// MaxPulseWidth is the largest count the PCA9685 PWM driver accepts
	MaxPulseWidth = 4095
)

// PlaybackState is the state of the playback state machine
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateLoading
	StatePlaying
	StateCompleted
	StateStopped
	StateError
)

func (s PlaybackState) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StatePlaying:
		return "Playing"
	case StateCompleted:
		return "Completed"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		fallthrough
	case StateIdle:
		return "Idle"
	}
}

// Active is true while playback owns the connection
func (s PlaybackState) Active() bool {
	return s == StateLoading || s == StatePlaying
}

// Terminal is true for the outcomes a playback run can end with
func (s PlaybackState) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// Units selects how channel values are sent to the device. Older boards take
// degrees (SA) and newer PCA9685 boards take pulse widths (SP)
type Units int

const (
	UnitsAngle Units = iota
	UnitsPulse
)

func (u Units) String() string {
	switch u {
	case UnitsPulse:
		return "pulse"
	default:
		fallthrough
	case UnitsAngle:
		return "angle"
	}
}

// ParseUnits reads the config representation of Units
func ParseUnits(s string) (Units, bool) {
	switch s {
	case "", "angle":
		return UnitsAngle, true
	case "pulse":
		return UnitsPulse, true
	}
	return UnitsAngle, false
}

// DefaultBounds returns the value range used when a channel does not configure one
func (u Units) DefaultBounds() (int, int) {
	if u == UnitsPulse {
		return DefaultPulseMin, DefaultPulseMax
	}
	return DefaultAngleMin, DefaultAngleMax
}
