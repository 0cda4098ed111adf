package connection

import (
	"sync"
	"time"

	"github.com/calvinmclean/servomotion/protocol"
)

// Sent is a command captured by a Recorder
type Sent struct {
	Command protocol.Command
	At      time.Time
}

// Recorder is an in-memory Conn for dry runs and tests. OnSend runs before a command is recorded
// and can reject it by returning false
type Recorder struct {
	mu        sync.Mutex
	sent      []Sent
	connected bool

	OnSend func(protocol.Command) bool
}

var _ Conn = &Recorder{}

// NewRecorder creates a connected Recorder
func NewRecorder() *Recorder {
	return &Recorder{connected: true}
}

// Send implements Conn
func (r *Recorder) Send(cmd protocol.Command) bool {
	r.mu.Lock()
	connected, onSend := r.connected, r.OnSend
	r.mu.Unlock()

	if !connected {
		return false
	}
	if onSend != nil && !onSend(cmd) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Command: cmd, At: time.Now()})
	return true
}

// IsConnected implements Conn
func (r *Recorder) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// SetConnected changes the connection state
func (r *Recorder) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
}

// Sent returns a copy of every recorded command
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Sent, len(r.sent))
	copy(result, r.sent)
	return result
}

// Commands returns the recorded commands in order
func (r *Recorder) Commands() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]protocol.Command, len(r.sent))
	for i, s := range r.sent {
		result[i] = s.Command
	}
	return result
}

// Lines returns the recorded commands as wire lines
func (r *Recorder) Lines() []string {
	cmds := r.Commands()
	result := make([]string, len(cmds))
	for i, c := range cmds {
		result[i] = c.String()
	}
	return result
}

// Reset forgets recorded commands
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
