package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calvinmclean/servomotion/protocol"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu       sync.Mutex
	written  bytes.Buffer
	input    io.Reader
	writeErr error
	closed   bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.input == nil {
		return 0, io.EOF
	}
	return f.input.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func testLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestNewAnnouncesChannels(t *testing.T) {
	port := &fakePort{}
	s, err := New(port, 4, testLogger())
	require.NoError(t, err)
	assert.True(t, s.IsConnected())
	assert.Equal(t, "NUM_SERVOS:4\n", port.String())
}

func TestNewAnnounceFailure(t *testing.T) {
	port := &fakePort{writeErr: errors.New("unplugged")}
	_, err := New(port, 4, testLogger())
	assert.Error(t, err)
	assert.True(t, port.closed)
}

func TestSerialSend(t *testing.T) {
	port := &fakePort{}
	s, err := New(port, 0, testLogger())
	require.NoError(t, err)

	assert.True(t, s.Send(protocol.SetAngle{Index: 1, Angle: 45}))
	assert.True(t, s.Send(protocol.PlayLoaded{}))
	assert.Equal(t, "SA:1:45\nPLAY_LOADED\n", port.String())
}

func TestSerialSendFailureDisconnects(t *testing.T) {
	logger, hook := test.NewNullLogger()
	port := &fakePort{}
	s, err := New(port, 0, logger)
	require.NoError(t, err)

	port.writeErr = errors.New("broken pipe")
	assert.False(t, s.Send(protocol.Stop{}))
	assert.False(t, s.IsConnected())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	port.writeErr = nil
	assert.False(t, s.Send(protocol.Stop{}))
	assert.Equal(t, "", port.String())
}

func TestSerialConcurrentSendsDoNotInterleave(t *testing.T) {
	port := &fakePort{}
	s, err := New(port, 0, testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				s.Send(protocol.SetPulse{Index: i, Pulse: 150 + j})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(port.String()), "\n")
	require.Len(t, lines, 500)
	for _, line := range lines {
		_, err := protocol.Parse(line)
		assert.NoError(t, err)
	}
}

func TestSerialListen(t *testing.T) {
	port := &fakePort{input: strings.NewReader("ready\n\n  playing  \r\ndone\n")}
	s, err := New(port, 0, testLogger())
	require.NoError(t, err)

	var lines []string
	err = s.Listen(func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, []string{"ready", "playing", "done"}, lines)
}

func TestSerialClose(t *testing.T) {
	port := &fakePort{}
	s, err := New(port, 0, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	assert.False(t, s.IsConnected())
	assert.False(t, s.Send(protocol.Stop{}))

	// closing twice is fine
	require.NoError(t, s.Close())
}

func TestDialOffline(t *testing.T) {
	for _, port := range []string{"", SerialPortNone} {
		conn, err := Dial(Config{Port: port}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, Offline{}, conn)
		assert.False(t, conn.IsConnected())
		assert.False(t, conn.Send(protocol.Stop{}))
	}
}

func TestSendBatch(t *testing.T) {
	cmds := []protocol.Command{protocol.Stop{}, protocol.ClearAll{}, protocol.PlayLoaded{}}

	t.Run("All", func(t *testing.T) {
		r := NewRecorder()
		start := time.Now()
		n := SendBatch(context.Background(), r, cmds, 10*time.Millisecond)
		assert.Equal(t, 3, n)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		assert.Equal(t, []string{"STOP", "CLEAR_ALL", "PLAY_LOADED"}, r.Lines())
	})

	t.Run("StopsOnFailure", func(t *testing.T) {
		r := NewRecorder()
		r.OnSend = func(c protocol.Command) bool { return c != protocol.ClearAll{} }
		n := SendBatch(context.Background(), r, cmds, 0)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"STOP"}, r.Lines())
	})

	t.Run("Cancelled", func(t *testing.T) {
		r := NewRecorder()
		ctx, cancel := context.WithCancel(context.Background())
		r.OnSend = func(protocol.Command) bool {
			cancel()
			return true
		}
		n := SendBatch(ctx, r, cmds, time.Second)
		assert.Equal(t, 1, n)
	})
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	assert.True(t, r.IsConnected())
	assert.True(t, r.Send(protocol.MasterAngle{Angle: 90}))

	r.SetConnected(false)
	assert.False(t, r.Send(protocol.Stop{}))
	assert.Equal(t, []protocol.Command{protocol.MasterAngle{Angle: 90}}, r.Commands())
	require.Len(t, r.Sent(), 1)
	assert.False(t, r.Sent()[0].At.IsZero())

	r.Reset()
	assert.Empty(t, r.Commands())
}
