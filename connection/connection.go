package connection

import (
	"context"
	"time"

	"github.com/calvinmclean/servomotion/protocol"
)

// Conn is the link to the microcontroller. Send reports whether the command was written and never
// returns an error, so callers can log and keep editing offline
type Conn interface {
	Send(protocol.Command) bool
	IsConnected() bool
}

// Offline is used when no serial port is selected
type Offline struct{}

var _ Conn = Offline{}

// Send implements Conn
func (Offline) Send(protocol.Command) bool { return false }

// IsConnected implements Conn
func (Offline) IsConnected() bool { return false }

// SendBatch sends commands with interval between them and stops at the first failure or when ctx
// is done. It returns how many commands were sent
func SendBatch(ctx context.Context, conn Conn, cmds []protocol.Command, interval time.Duration) int {
	for i, cmd := range cmds {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return i
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil || !conn.Send(cmd) {
			return i
		}
	}
	return len(cmds)
}
