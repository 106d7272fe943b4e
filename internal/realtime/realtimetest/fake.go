// Package realtimetest provides an in-memory transport for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
)

var errClosed = errors.New("realtimetest: connection closed")

// Conn is an in-memory realtime.Conn.
type Conn struct {
	inbound   chan realtime.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []realtime.Frame
}

// NewConn creates an open fake connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan realtime.Frame, 64),
		closed:  make(chan struct{}),
	}
}

// Read returns the next pushed frame.
func (c *Conn) Read(ctx context.Context) (realtime.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return realtime.Frame{}, errClosed
	case <-ctx.Done():
		return realtime.Frame{}, ctx.Err()
	}
}

// Write records f.
func (c *Conn) Write(_ context.Context, f realtime.Frame) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers an inbound frame built from event and payload.
func (c *Conn) Push(event string, payload interface{}, ackID *int64) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.inbound <- realtime.Frame{Event: event, Data: data, AckID: ackID}
}

// PushRaw delivers an inbound frame with raw data.
func (c *Conn) PushRaw(event string, data []byte) {
	c.inbound <- realtime.Frame{Event: event, Data: data}
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []realtime.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Frame, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenEvents returns the frames written with the given event name.
func (c *Conn) WrittenEvents(event string) []realtime.Frame {
	var out []realtime.Frame
	for _, f := range c.Written() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Dialer is a scriptable realtime.Dialer.
type Dialer struct {
	// Gate, when non-nil, blocks every Dial until a value is received or ctx ends.
	Gate chan struct{}

	mu      sync.Mutex
	errs    []error
	conns   []*Conn
	creds   []domain.Credentials
	attempt atomic.Int64
}

// FailNext queues errors returned by the next Dial calls, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Dial opens a fake connection.
func (d *Dialer) Dial(ctx context.Context, creds domain.Credentials) (realtime.Conn, error) {
	d.attempt.Add(1)
	d.mu.Lock()
	d.creds = append(d.creds, creds)
	d.mu.Unlock()

	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Attempts returns the number of Dial calls.
func (d *Dialer) Attempts() int {
	return int(d.attempt.Load())
}

// Last returns the most recently opened connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// LastCredentials returns the credentials passed to the latest Dial.
func (d *Dialer) LastCredentials() domain.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.creds) == 0 {
		return domain.Credentials{}
	}
	return d.creds[len(d.creds)-1]
}
