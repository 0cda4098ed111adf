package playback

import (
	"fmt"
	"time"

	"github.com/calvinmclean/servomotion"
)

// Mode chooses who interpolates the motion
type Mode int

const (
	// ModeLoaded uploads every curve with LOAD_SEQ and lets the device interpolate
	ModeLoaded Mode = iota
	// ModeStepped has the host send a position command at each keyframe, bracketed by P:start and
	// P:end
	ModeStepped
)

func (m Mode) String() string {
	switch m {
	case ModeStepped:
		return "stepped"
	default:
		return "loaded"
	}
}

// ParseMode reads a mode name from configuration
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "loaded":
		return ModeLoaded, nil
	case "stepped":
		return ModeStepped, nil
	default:
		return ModeLoaded, fmt.Errorf("unknown playback mode %q", s)
	}
}

// Options configures a Driver
type Options struct {
	// HandshakeDelay follows STOP and CLEAR_ALL
	HandshakeDelay time.Duration `yaml:"handshake_delay"`
	// LoadDelay separates LOAD_SEQ commands so the device's receive buffer is not overrun
	LoadDelay time.Duration `yaml:"load_delay"`
	// TriggerDelay is waited after the last LOAD_SEQ before playback is triggered
	TriggerDelay time.Duration `yaml:"trigger_delay"`
	// TickInterval is how often progress is reconciled against the clock
	TickInterval time.Duration `yaml:"tick_interval"`
	// CommandInterval separates position commands in stepped mode
	CommandInterval time.Duration `yaml:"command_interval"`

	// SingleChannelTrigger uses PLAY_SERVO instead of PLAY_LOADED when one channel is played
	SingleChannelTrigger bool `yaml:"single_channel_trigger"`

	Mode  Mode              `yaml:"-"`
	Units servomotion.Units `yaml:"-"`
	Clock Clock             `yaml:"-"`
}

// DefaultOptions returns the timings the firmware is tuned for
func DefaultOptions() Options {
	return Options{
		HandshakeDelay:       200 * time.Millisecond,
		LoadDelay:            150 * time.Millisecond,
		TriggerDelay:         200 * time.Millisecond,
		TickInterval:         50 * time.Millisecond,
		CommandInterval:      5 * time.Millisecond,
		SingleChannelTrigger: true,
		Mode:                 ModeLoaded,
		Units:                servomotion.UnitsAngle,
	}
}

// Clock is the time source of a Driver
type Clock interface {
	Now() time.Time
	After(time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
