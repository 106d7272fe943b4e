// Package realtime holds the single shared real-time connection and the
// event bus that consumers subscribe through.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/chatsync/internal/domain"
)

// Connection-level event names. They are produced locally by the Registry,
// never read off the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	eventAck = "ack"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrRateLimited is returned by Emit when the send rate is exceeded.
	ErrRateLimited = errors.New("realtime: send rate exceeded")
	// ErrAborted is returned to pending Connect callers when Disconnect cancels the attempt.
	ErrAborted = errors.New("realtime: connection attempt aborted")
	// ErrConnectTimeout is returned when the transport neither connects nor fails in time.
	ErrConnectTimeout = errors.New("realtime: connection attempt timed out")
	// ErrClosedByClient is carried by the disconnect event that follows Disconnect.
	ErrClosedByClient = errors.New("realtime: io client disconnect")
)

// Frame is the JSON envelope exchanged with the messaging service.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ack_id,omitempty"`
}

// Conn is one established transport connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) (Frame, error)
	// Write sends a frame. Safe for concurrent use.
	Write(ctx context.Context, f Frame) error
	// Close tears the connection down.
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, creds domain.Credentials) (Conn, error)
}

// Event is delivered to listeners.
type Event struct {
	Name string
	Data json.RawMessage
	// Err is set for connect_error and disconnect events.
	Err error
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.Name, err)
	}
	return nil
}

// Listener wraps an event callback. Listeners are compared by pointer, so
// registering the same *Listener twice delivers each event once.
type Listener struct {
	fn func(Event)
}

// NewListener creates a listener for fn.
func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}
