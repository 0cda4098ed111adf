package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// MaxServos is the number of outputs the PWM driver board has
	MaxServos = 25

	DefaultPath = "servomotion.yaml"

	EnvSerialPort = "SERVO_SERIAL_PORT"
	EnvBaudRate   = "SERVO_BAUD_RATE"
	EnvLogLevel   = "SERVO_LOG_LEVEL"
	EnvReportAddr = "SERVO_REPORT_ADDR"
)

var (
	ErrInvalidConfig    = errors.New("invalid config")
	ErrUnknownComponent = errors.New("unknown component")
)

// Component is a configured servo. ID is stable across renames and index changes
type Component struct {
	ID      uuid.UUID `yaml:"id"`
	Name    string    `yaml:"name"`
	Index   int       `yaml:"index"`
	Min     int       `yaml:"min"`
	Max     int       `yaml:"max"`
	Default int       `yaml:"default"`
	Group   string    `yaml:"group,omitempty"`
}

// Channel converts the component for the keyframe store, starting at its default position
func (c Component) Channel() keyframe.Channel {
	return keyframe.Channel{
		Index:    c.Index,
		Name:     c.Name,
		Min:      c.Min,
		Max:      c.Max,
		Position: c.Default,
		Default:  c.Default,
	}
}

type Serial struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type Playback struct {
	playback.Options `yaml:",inline"`
	Mode             string `yaml:"mode"`
}

type Editor struct {
	editor.Options `yaml:",inline"`
	Overshoot      string `yaml:"overshoot"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Report struct {
	Addr string `yaml:"addr"`
}

// Config is the application configuration file
type Config struct {
	Serial     Serial      `yaml:"serial"`
	Units      string      `yaml:"units"`
	Components []Component `yaml:"components"`
	Playback   Playback    `yaml:"playback"`
	Editor     Editor      `yaml:"editor"`
	Report     Report      `yaml:"report"`
	Log        Log         `yaml:"log"`
}

// Default has four angle servos, one per firmware output
func Default() *Config {
	c := &Config{
		Serial: Serial{BaudRate: servomotion.DefaultBaudRate},
		Units:  servomotion.UnitsAngle.String(),
		Playback: Playback{
			Options: playback.DefaultOptions(),
			Mode:    playback.ModeLoaded.String(),
		},
		Editor: Editor{
			Options:   editor.DefaultOptions(),
			Overshoot: bezier.OvershootAllow.String(),
		},
		Log: Log{Level: logrus.InfoLevel.String(), Format: "text"},
	}

	for i := range 4 {
		c.Components = append(c.Components, Component{
			ID:      uuid.New(),
			Name:    fmt.Sprintf("servo_%d", i),
			Index:   i,
			Min:     servomotion.DefaultAngleMin,
			Max:     servomotion.DefaultAngleMax,
			Default: (servomotion.DefaultAngleMin + servomotion.DefaultAngleMax) / 2,
		})
	}
	return c
}

// Load reads the file at path over the defaults and applies environment overrides. A missing
// file is not an error
func Load(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("error reading config: %w", err)
	default:
		// components in the file replace the default table
		c.Components = nil
		err = yaml.Unmarshal(data, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	for i := range c.Components {
		if c.Components[i].ID == uuid.Nil {
			c.Components[i].ID = uuid.New()
		}
	}

	err = c.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSerialPort); ok {
		c.Serial.Port = v
	}
	if v, ok := lookup(EnvBaudRate); ok {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvBaudRate, err)
		}
		c.Serial.BaudRate = baud
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvReportAddr); ok {
		c.Report.Addr = v
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the whole configuration and reports the first problem
func (c *Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return invalid("baud rate must be positive")
	}

	units, ok := servomotion.ParseUnits(c.Units)
	if !ok {
		return invalid("units must be %q or %q", servomotion.UnitsAngle, servomotion.UnitsPulse)
	}
	lo, hi := 0, servomotion.MaxPulseWidth
	if units == servomotion.UnitsAngle {
		lo, hi = servomotion.DefaultAngleMin, servomotion.DefaultAngleMax
	}

	if len(c.Components) == 0 {
		return invalid("no components configured")
	}
	if len(c.Components) > MaxServos {
		return invalid("at most %d components are supported", MaxServos)
	}

	ids := map[uuid.UUID]bool{}
	names := map[string]bool{}
	indexes := map[int]bool{}
	for _, comp := range c.Components {
		switch {
		case strings.TrimSpace(comp.Name) == "":
			return invalid("component %d has no name", comp.Index)
		case names[comp.Name]:
			return invalid("component name %q is used twice", comp.Name)
		case ids[comp.ID]:
			return invalid("component id %s is used twice", comp.ID)
		case comp.Index < 0 || comp.Index >= MaxServos:
			return invalid("%s: index must be between 0 and %d", comp.Name, MaxServos-1)
		case indexes[comp.Index]:
			return invalid("%s: index %d is used twice", comp.Name, comp.Index)
		case comp.Min >= comp.Max:
			return invalid("%s: minimum must be less than maximum", comp.Name)
		case comp.Min < lo || comp.Max > hi:
			return invalid("%s: range must be within %d and %d", comp.Name, lo, hi)
		case comp.Default < comp.Min || comp.Default > comp.Max:
			return invalid("%s: default %d outside range [%d, %d]", comp.Name, comp.Default, comp.Min, comp.Max)
		}
		ids[comp.ID] = true
		names[comp.Name] = true
		indexes[comp.Index] = true
	}

	_, err := playback.ParseMode(c.Playback.Mode)
	if err != nil {
		return invalid("%v", err)
	}
	if c.Playback.TickInterval <= 0 {
		return invalid("playback tick interval must be positive")
	}
	_, err = bezier.ParseOvershootPolicy(c.Editor.Overshoot)
	if err != nil {
		return invalid("%v", err)
	}
	if c.Editor.RecordDelay <= 0 {
		return invalid("record delay must be positive")
	}
	if c.Editor.MaxDuration < 0 {
		return invalid("maximum duration cannot be negative")
	}

	_, err = logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return invalid("%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log format must be text or json")
	}
	return nil
}

// UnitsValue returns the parsed units. Validate must have passed
func (c *Config) UnitsValue() servomotion.Units {
	u, _ := servomotion.ParseUnits(c.Units)
	return u
}

// Bounds returns the value range of the component on a channel index
func (c *Config) Bounds(index int) (int, int, error) {
	comp, err := c.ComponentByIndex(index)
	if err != nil {
		return 0, 0, err
	}
	return comp.Min, comp.Max, nil
}

// Component finds a component by its ID
func (c *Config) Component(id uuid.UUID) (Component, error) {
	i := slices.IndexFunc(c.Components, func(comp Component) bool { return comp.ID == id })
	if i < 0 {
		return Component{}, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	return c.Components[i], nil
}

// ComponentByIndex finds the component on a channel index
func (c *Config) ComponentByIndex(index int) (Component, error) {
	i := slices.IndexFunc(c.Components, func(comp Component) bool { return comp.Index == index })
	if i < 0 {
		return Component{}, fmt.Errorf("%w: index %d", ErrUnknownComponent, index)
	}
	return c.Components[i], nil
}

// Rename changes a component's display name. Nothing else about the component changes
func (c *Config) Rename(id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name cannot be empty")
	}

	i := slices.IndexFunc(c.Components, func(comp Component) bool { return comp.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	for j, comp := range c.Components {
		if j != i && comp.Name == name {
			return invalid("component name %q is used twice", name)
		}
	}

	c.Components[i].Name = name
	return nil
}

// SwapIndices exchanges the channel indexes of the components on a and b
func (c *Config) SwapIndices(a, b int) error {
	ia := slices.IndexFunc(c.Components, func(comp Component) bool { return comp.Index == a })
	if ia < 0 {
		return fmt.Errorf("%w: index %d", ErrUnknownComponent, a)
	}
	ib := slices.IndexFunc(c.Components, func(comp Component) bool { return comp.Index == b })
	if ib < 0 {
		return fmt.Errorf("%w: index %d", ErrUnknownComponent, b)
	}

	c.Components[ia].Index, c.Components[ib].Index = b, a
	return nil
}

// Channels returns every component as a keyframe channel ordered by index
func (c *Config) Channels() []keyframe.Channel {
	result := make([]keyframe.Channel, 0, len(c.Components))
	for _, comp := range c.Components {
		result = append(result, comp.Channel())
	}
	slices.SortFunc(result, func(a, b keyframe.Channel) int { return a.Index - b.Index })
	return result
}

// ConnectionConfig returns the serial settings. Enough channels are announced to reach the
// highest component index
func (c *Config) ConnectionConfig() connection.Config {
	channels := 0
	for _, comp := range c.Components {
		channels = max(channels, comp.Index+1)
	}
	return connection.Config{
		Port:     c.Serial.Port,
		BaudRate: c.Serial.BaudRate,
		Channels: channels,
	}
}

// PlaybackOptions returns the driver options
func (c *Config) PlaybackOptions() (playback.Options, error) {
	opts := c.Playback.Options
	mode, err := playback.ParseMode(c.Playback.Mode)
	if err != nil {
		return playback.Options{}, err
	}
	opts.Mode = mode
	opts.Units = c.UnitsValue()
	return opts, nil
}

// EditorOptions returns the editor options
func (c *Config) EditorOptions() (editor.Options, error) {
	opts := c.Editor.Options
	policy, err := bezier.ParseOvershootPolicy(c.Editor.Overshoot)
	if err != nil {
		return editor.Options{}, err
	}
	opts.Overshoot = policy
	opts.Units = c.UnitsValue()
	return opts, nil
}

// Logger builds a logger from the log settings
func (l Log) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	switch l.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
