package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Len(t, c.Components, 4)

	ids := map[uuid.UUID]bool{}
	for i, comp := range c.Components {
		assert.Equal(t, i, comp.Index)
		assert.NotEqual(t, uuid.Nil, comp.ID)
		ids[comp.ID] = true
	}
	assert.Len(t, ids, 4)

	channels := c.Channels()
	assert.Equal(t, 90, channels[0].Position)
	assert.Equal(t, 180, channels[0].Max)
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Components, 4)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial:
  port: /dev/ttyUSB0
units: pulse
components:
  - name: head_1
    index: 0
    min: 150
    max: 600
    default: 375
    group: head
  - name: left_hand_1
    index: 5
    min: 200
    max: 500
    default: 300
playback:
  handshake_delay: 100ms
  tick_interval: 20ms
  mode: stepped
editor:
  record_delay_ms: 250
  max_duration_ms: 60000
  overshoot: clamp
log:
  level: debug
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", c.Serial.Port)
	assert.Equal(t, servomotion.DefaultBaudRate, c.Serial.BaudRate)
	assert.Equal(t, servomotion.UnitsPulse, c.UnitsValue())
	require.Len(t, c.Components, 2)
	assert.NotEqual(t, uuid.Nil, c.Components[0].ID)
	assert.Equal(t, "head", c.Components[0].Group)

	lo, hi, err := c.Bounds(5)
	require.NoError(t, err)
	assert.Equal(t, 200, lo)
	assert.Equal(t, 500, hi)

	_, _, err = c.Bounds(1)
	assert.ErrorIs(t, err, ErrUnknownComponent)

	opts, err := c.PlaybackOptions()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, opts.HandshakeDelay)
	assert.Equal(t, 150*time.Millisecond, opts.LoadDelay)
	assert.Equal(t, 20*time.Millisecond, opts.TickInterval)
	assert.Equal(t, playback.ModeStepped, opts.Mode)
	assert.Equal(t, servomotion.UnitsPulse, opts.Units)

	editorOpts, err := c.EditorOptions()
	require.NoError(t, err)
	assert.Equal(t, 250, editorOpts.RecordDelay)
	assert.Equal(t, 500, editorOpts.AddSpacing)
	assert.Equal(t, 60000, editorOpts.MaxDuration)
	assert.Equal(t, bezier.OvershootClamp, editorOpts.Overshoot)

	conn := c.ConnectionConfig()
	assert.Equal(t, 6, conn.Channels)
	assert.Equal(t, "/dev/ttyUSB0", conn.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("components: [\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	c := Default()
	c.Report.Addr = "http://localhost:8080"
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvSerialPort: "/dev/ttyACM1",
		EnvBaudRate:   "9600",
		EnvLogLevel:   "warn",
		EnvReportAddr: "http://reports",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	require.NoError(t, c.ApplyEnv(lookup))
	assert.Equal(t, "/dev/ttyACM1", c.Serial.Port)
	assert.Equal(t, 9600, c.Serial.BaudRate)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "http://reports", c.Report.Addr)

	env[EnvBaudRate] = "fast"
	assert.ErrorIs(t, Default().ApplyEnv(lookup), ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Config)
		expected string
	}{
		{"BaudRate", func(c *Config) { c.Serial.BaudRate = 0 }, "baud rate"},
		{"Units", func(c *Config) { c.Units = "steps" }, "units"},
		{"NoComponents", func(c *Config) { c.Components = nil }, "no components"},
		{"EmptyName", func(c *Config) { c.Components[0].Name = " " }, "has no name"},
		{"DuplicateName", func(c *Config) { c.Components[1].Name = c.Components[0].Name }, "used twice"},
		{"DuplicateID", func(c *Config) { c.Components[1].ID = c.Components[0].ID }, "used twice"},
		{"DuplicateIndex", func(c *Config) { c.Components[1].Index = 0 }, "index 0 is used twice"},
		{"IndexRange", func(c *Config) { c.Components[0].Index = MaxServos }, "index must be between"},
		{"MinMax", func(c *Config) { c.Components[0].Min = 180 }, "minimum must be less than maximum"},
		{"AngleRange", func(c *Config) { c.Components[0].Max = 270 }, "range must be within 0 and 180"},
		{"PulseRange", func(c *Config) {
			c.Units = "pulse"
			c.Components[0].Max = 5000
		}, "range must be within 0 and 4095"},
		{"Default", func(c *Config) { c.Components[0].Default = 200 }, "default 200 outside range"},
		{"Mode", func(c *Config) { c.Playback.Mode = "jog" }, "playback mode"},
		{"Tick", func(c *Config) { c.Playback.TickInterval = 0 }, "tick interval"},
		{"Overshoot", func(c *Config) { c.Editor.Overshoot = "wrap" }, "overshoot"},
		{"RecordDelay", func(c *Config) { c.Editor.RecordDelay = 0 }, "record delay"},
		{"MaxDuration", func(c *Config) { c.Editor.MaxDuration = -1 }, "maximum duration"},
		{"LogLevel", func(c *Config) { c.Log.Level = "loud" }, "not a valid logrus Level"},
		{"LogFormat", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)

			err := c.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.expected)
		})
	}
}

func TestRename(t *testing.T) {
	c := Default()
	before := c.Components[2]

	require.NoError(t, c.Rename(before.ID, "  jaw "))

	after, err := c.Component(before.ID)
	require.NoError(t, err)
	assert.Equal(t, "jaw", after.Name)
	after.Name = before.Name
	assert.Equal(t, before, after)

	byIndex, err := c.ComponentByIndex(before.Index)
	require.NoError(t, err)
	assert.Equal(t, "jaw", byIndex.Name)

	assert.ErrorIs(t, c.Rename(before.ID, c.Components[0].Name), ErrInvalidConfig)
	assert.ErrorIs(t, c.Rename(before.ID, ""), ErrInvalidConfig)
	assert.ErrorIs(t, c.Rename(uuid.New(), "x"), ErrUnknownComponent)
}

func TestSwapIndices(t *testing.T) {
	c := Default()
	first, third := c.Components[0], c.Components[2]

	require.NoError(t, c.SwapIndices(0, 2))
	require.NoError(t, c.Validate())

	moved, err := c.Component(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Index)
	assert.Equal(t, first.Name, moved.Name)

	moved, err = c.Component(third.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Index)

	assert.ErrorIs(t, c.SwapIndices(0, 9), ErrUnknownComponent)
}

func TestLogger(t *testing.T) {
	logger, err := Log{Level: "debug", Format: "json"}.Logger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = Log{Level: "info", Format: "text"}.Logger()
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = Log{Level: "loud"}.Logger()
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Default().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 10)
	logger, _ := test.NewNullLogger()

	done := make(chan error)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c }, logger)
	}()

	c := Default()
	c.Serial.Port = "/dev/ttyUSB3"

	deadline := time.After(10 * time.Second)
	for received := false; !received; {
		require.NoError(t, c.Save(path))

		select {
		case got := <-reloaded:
			assert.Equal(t, "/dev/ttyUSB3", got.Serial.Port)
			received = true
		case <-time.After(time.Second):
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}

	cancel()
	require.NoError(t, <-done)
}
