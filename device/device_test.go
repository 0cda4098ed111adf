package device

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServo struct {
	angles []int
	err    error
}

func (s *fakeServo) SetAngle(angle int) error {
	s.angles = append(s.angles, angle)
	return s.err
}

type pulseServo struct {
	fakeServo
	micros []int16
}

func (s *pulseServo) SetMicroseconds(us int16) {
	s.micros = append(s.micros, us)
}

func parse(t *testing.T, line string) protocol.Command {
	t.Helper()
	cmd, err := protocol.Parse(line)
	require.NoError(t, err)
	return cmd
}

type testClock struct {
	now  time.Time
	step time.Duration
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestDevice(n int, units servomotion.Units) (*Device, []*fakeServo, *bytes.Buffer, *testClock) {
	servos := make([]*fakeServo, n)
	outputs := make([]Servo, n)
	for i := range servos {
		servos[i] = &fakeServo{}
		outputs[i] = servos[i]
	}

	out := &bytes.Buffer{}
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := New(outputs, Config{Units: units, Now: clock.Now, Out: out})
	return d, servos, out, clock
}

func TestPlayServoFollowsCurve(t *testing.T) {
	d, servos, out, clock := newTestDevice(2, servomotion.UnitsAngle)

	d.HandleLine("LOAD_SEQ:0:0,10,,,165,0;500,150,-165,0,,")
	assert.Equal(t, "LOADED:0:2\n", out.String())
	require.Len(t, d.Loaded(0), 2)

	d.HandleLine("PLAY_SERVO:0")
	start := clock.now
	assert.Equal(t, []int{0}, d.Playing())
	assert.Equal(t, []int{10}, servos[0].angles)

	d.Update(start.Add(250 * time.Millisecond))
	assert.Equal(t, 80, d.Positions()[0])

	d.Update(start.Add(500 * time.Millisecond))
	assert.Equal(t, 150, d.Positions()[0])
	assert.Empty(t, d.Playing())
	assert.Empty(t, servos[1].angles)
}

func TestPlayLoadedStartsEveryCurve(t *testing.T) {
	d, _, _, clock := newTestDevice(3, servomotion.UnitsAngle)

	d.HandleLine("LOAD_SEQ:0:0,10,,,165,0;500,20,-165,0,,")
	d.HandleLine("LOAD_SEQ:2:0,30,,,330,0;1000,40,-330,0,,")
	d.HandleLine("PLAY_LOADED")
	start := clock.now

	assert.Equal(t, []int{0, 2}, d.Playing())
	assert.Equal(t, []int{10, 0, 30}, d.Positions())

	d.Update(start.Add(600 * time.Millisecond))
	assert.Equal(t, []int{2}, d.Playing())

	d.HandleLine("STOP")
	assert.Empty(t, d.Playing())

	d.HandleLine("CLEAR_ALL")
	assert.Empty(t, d.Loaded(0))
	assert.ErrorIs(t, d.Handle(parse(t, "PLAY_LOADED")), ErrNotLoaded)
}

func TestSteppedBracket(t *testing.T) {
	d, servos, _, _ := newTestDevice(2, servomotion.UnitsAngle)

	d.HandleLine("P:start")
	assert.True(t, d.Stepped())

	d.HandleLine("SA:1:45")
	d.HandleLine("SA:1:200")
	assert.Equal(t, []int{45, 180}, servos[1].angles)

	d.HandleLine("P:end")
	assert.False(t, d.Stepped())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"InvalidChannel", "SA:9:10", "invalid channel"},
		{"NotLoaded", "PLAY_SERVO:0", "no sequence loaded"},
		{"Unknown", "JUMP", "unknown command"},
		{"Malformed", "SA:1", "malformed command"},
		{"TooManyServos", "NUM_SERVOS:5", "5 servos requested"},
		{"BadSequence", "LOAD_SEQ:0:500,10,,,,;0,20,,,,", "error loading channel 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, out, _ := newTestDevice(2, servomotion.UnitsAngle)
			d.HandleLine(tt.line)
			assert.True(t, strings.HasPrefix(out.String(), "error: "), out.String())
			assert.Contains(t, out.String(), tt.expected)
		})
	}

	t.Run("ServoFailure", func(t *testing.T) {
		d, servos, _, _ := newTestDevice(1, servomotion.UnitsAngle)
		servos[0].err = errors.New("pwm")
		assert.Error(t, d.Handle(parse(t, "SA:0:10")))
	})
}

func TestNumServos(t *testing.T) {
	d, _, out, _ := newTestDevice(4, servomotion.UnitsAngle)

	d.HandleLine("NUM_SERVOS:2")
	assert.Equal(t, "READY:2\n", out.String())
	assert.Len(t, d.Positions(), 2)

	err := d.Handle(parse(t, "SA:2:10"))
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestPulseUnits(t *testing.T) {
	t.Run("Microseconds", func(t *testing.T) {
		s := &pulseServo{}
		d := New([]Servo{s}, Config{Units: servomotion.UnitsPulse})

		require.NoError(t, d.Handle(parse(t, "SP:0:300")))
		assert.Equal(t, []int16{1464}, s.micros)
		assert.Empty(t, s.angles)
		assert.Equal(t, []int{300}, d.Positions())
	})

	t.Run("AngleOnly", func(t *testing.T) {
		s := &fakeServo{}
		d := New([]Servo{s}, Config{Units: servomotion.UnitsPulse})

		require.NoError(t, d.Handle(parse(t, "SP:0:375")))
		require.NoError(t, d.Handle(parse(t, "SP:0:100")))
		assert.Equal(t, []int{90, 0}, s.angles)
	})
}

func TestRun(t *testing.T) {
	d, _, out, _ := newTestDevice(2, servomotion.UnitsAngle)

	err := d.Run(bytes.NewBufferString("NUM_SERVOS:2\nSA:1:30\r\n\nMA:200\nbad"))
	require.NoError(t, err)

	assert.Equal(t, []int{180, 180}, d.Positions())
	assert.Equal(t, "READY:2\n", out.String())
}

var errEmpty = errors.New("no data")

// idleReader returns its data, then reports no data idle times before io.EOF
type idleReader struct {
	data []byte
	idle int
}

func (r *idleReader) ReadByte() (byte, error) {
	if len(r.data) > 0 {
		b := r.data[0]
		r.data = r.data[1:]
		return b, nil
	}
	if r.idle > 0 {
		r.idle--
		return 0, errEmpty
	}
	return 0, io.EOF
}

func TestRunUpdatesWhileIdle(t *testing.T) {
	d, servos, _, clock := newTestDevice(1, servomotion.UnitsAngle)
	clock.step = 100 * time.Millisecond

	err := d.Run(&idleReader{
		data: []byte("LOAD_SEQ:0:0,10,,,165,0;500,150,-165,0,,\nPLAY_LOADED\n"),
		idle: 10,
	})
	require.NoError(t, err)

	assert.Empty(t, d.Playing())
	assert.Equal(t, 150, d.Positions()[0])
	assert.Greater(t, len(servos[0].angles), 2)
	assert.IsIncreasing(t, servos[0].angles)
}

func TestRunLineTooLong(t *testing.T) {
	d, _, out, _ := newTestDevice(1, servomotion.UnitsAngle)

	long := strings.Repeat("x", maxLine+10)
	require.NoError(t, d.Run(bytes.NewBufferString(long+"\nSA:0:5\n")))

	assert.Contains(t, out.String(), ErrLineTooLong.Error())
	assert.Equal(t, []int{5}, d.Positions())
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("port closed")
}

func TestRunStopsOnWriteError(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		writes int
	}{
		{"Reply", "NUM_SERVOS:1\nSA:0:5\nNUM_SERVOS:1\n", 1},
		{"ErrorReply", "bad\nSA:0:5\n", 1},
		{"LineTooLong", strings.Repeat("x", maxLine+1) + "\nSA:0:5\n", 1},
		{"NoReplies", "SA:0:5\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &failingWriter{}
			d := New([]Servo{&fakeServo{}}, Config{Units: servomotion.UnitsAngle, Out: w})

			err := d.Run(bytes.NewBufferString(tt.input))
			assert.Equal(t, tt.writes, w.writes)
			if tt.writes == 0 {
				require.NoError(t, err)
				assert.Equal(t, []int{5}, d.Positions())
				return
			}

			require.ErrorIs(t, err, ErrWrite)
			assert.Contains(t, err.Error(), "port closed")
			assert.Equal(t, []int{0}, d.Positions())
			assert.NoError(t, d.Err())
		})
	}
}

func TestHandleLineKeepsWriteError(t *testing.T) {
	w := &failingWriter{}
	d := New([]Servo{&fakeServo{}}, Config{Out: w})

	d.HandleLine("NUM_SERVOS:1")
	d.HandleLine("bad")

	require.ErrorIs(t, d.Err(), ErrWrite)
	assert.Contains(t, d.Err().Error(), "READY:1")
	assert.Equal(t, 1, w.writes)
}
