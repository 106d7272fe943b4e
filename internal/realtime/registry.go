package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Options configures a Registry.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	SendRate       rate.Limit
	SendBurst      int
}

// DefaultOptions returns default registry options.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendRate:       5,
		SendBurst:      10,
	}
}

// Handle is a point-in-time view of the shared connection.
type Handle struct {
	ID         string
	Connected  bool
	Connecting bool
}

// Registry owns at most one live connection. It never connects on its own;
// Connect must be requested explicitly.
type Registry struct {
	dialer  Dialer
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	flight  singleflight.Group

	mu         sync.RWMutex
	conn       Conn
	handleID   string
	connected  bool
	connecting bool
	cancelDial context.CancelFunc
	// dialGen names the current attempt. Disconnect bumps it so later
	// callers start a fresh dial instead of joining the aborted one.
	dialGen uint64

	listenersMu sync.RWMutex
	listeners   map[string][]*Listener
}

// NewRegistry creates a registry that dials through dialer.
func NewRegistry(dialer Dialer, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendRate <= 0 {
		opts.SendRate = def.SendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = def.SendBurst
	}
	return &Registry{
		dialer:    dialer,
		opts:      opts,
		logger:    logger,
		limiter:   rate.NewLimiter(opts.SendRate, opts.SendBurst),
		listeners: make(map[string][]*Listener),
	}
}

// Handle returns the current state of the shared connection.
func (r *Registry) Handle() Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Handle{ID: r.handleID, Connected: r.connected, Connecting: r.connecting}
}

// IsConnected reports whether the transport is connected.
func (r *Registry) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// IsConnecting reports whether a connection attempt is in flight.
func (r *Registry) IsConnecting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connecting
}

// Connect establishes the connection. It returns immediately when already
// connected, and concurrent callers share a single in-flight attempt and its
// outcome. ctx only bounds how long this caller waits.
func (r *Registry) Connect(ctx context.Context, creds domain.Credentials) error {
	if r.IsConnected() {
		return nil
	}

	r.mu.RLock()
	gen := r.dialGen
	r.mu.RUnlock()

	ch := r.flight.DoChan("connect-"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return nil, r.dial(gen, creds)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) dial(gen uint64, creds domain.Credentials) error {
	r.mu.Lock()
	if gen != r.dialGen {
		r.mu.Unlock()
		return ErrAborted
	}
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ConnectTimeout)
	defer cancel()
	r.connecting = true
	r.cancelDial = cancel
	r.mu.Unlock()

	r.logger.Info("Connecting to messaging service", "user_id", creds.UserID)
	conn, err := r.dialer.Dial(ctx, creds)

	r.mu.Lock()
	stale := gen != r.dialGen
	if !stale {
		r.connecting = false
		r.cancelDial = nil
	}
	if err == nil && (stale || ctx.Err() != nil) {
		// Disconnect raced a successful handshake.
		_ = conn.Close()
		err = context.Canceled
	}
	if err != nil {
		r.mu.Unlock()
		switch {
		case stale || errors.Is(ctx.Err(), context.Canceled):
			err = ErrAborted
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = ErrConnectTimeout
		}
		r.logger.Warn("Connection attempt failed", "user_id", creds.UserID, "error", err)
		if !stale {
			r.dispatch(Event{Name: EventConnectError, Err: err})
		}
		return err
	}
	r.conn = conn
	r.connected = true
	r.handleID = uuid.NewString()
	handleID := r.handleID
	r.mu.Unlock()

	r.logger.Info("Connected to messaging service", "user_id", creds.UserID, "handle_id", handleID)
	go r.readLoop(conn)
	r.dispatch(Event{Name: EventConnect})
	return nil
}

// Disconnect tears down the transport and aborts any pending attempt.
// Calling it while disconnected is a no-op.
func (r *Registry) Disconnect() {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancelDial
	if cancel != nil {
		r.dialGen++
	}
	r.conn = nil
	r.connected = false
	r.connecting = false
	r.cancelDial = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Debug("Failed to close connection", "error", err)
		}
		r.logger.Info("Disconnected from messaging service")
	}
}

// Emit sends an event without waiting for a reply. When not connected or
// over the send rate the event is dropped with a warning, and the returned
// error says why.
func (r *Registry) Emit(event string, payload interface{}) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn == nil {
		r.logger.Warn("Emit while disconnected, dropping", "event", event)
		return ErrNotConnected
	}
	if !r.limiter.Allow() {
		r.logger.Warn("Emit rate limit exceeded, dropping", "event", event)
		return ErrRateLimited
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("Failed to encode emit payload", "event", event, "error", err)
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return r.write(conn, Frame{Event: event, Data: data})
}

// On subscribes l to event. Registering the same listener twice is a no-op.
func (r *Registry) On(event string, l *Listener) {
	if l == nil {
		return
	}
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for _, existing := range r.listeners[event] {
		if existing == l {
			return
		}
	}
	r.listeners[event] = append(r.listeners[event], l)
}

// Off unsubscribes l from event.
func (r *Registry) Off(event string, l *Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	ls := r.listeners[event]
	for i, existing := range ls {
		if existing == l {
			r.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(r.listeners[event]) == 0 {
		delete(r.listeners, event)
	}
}

func (r *Registry) readLoop(conn Conn) {
	for {
		f, err := conn.Read(context.Background())
		if err != nil {
			r.dropped(conn, err)
			return
		}
		r.deliver(conn, f)
	}
}

// dropped flips state when conn stops reading and tells subscribers.
func (r *Registry) dropped(conn Conn, err error) {
	r.mu.Lock()
	current := r.conn == conn
	if current {
		r.conn = nil
		r.connected = false
	}
	r.mu.Unlock()

	if !current {
		err = ErrClosedByClient
	} else {
		r.logger.Warn("Connection lost", "error", err)
		_ = conn.Close()
	}
	r.dispatch(Event{Name: EventDisconnect, Err: err})
}

func (r *Registry) deliver(conn Conn, f Frame) {
	if f.AckID != nil {
		// The service waits on this ack, so it goes out no matter how the listeners fare.
		defer func() { _ = r.write(conn, Frame{Event: eventAck, AckID: f.AckID}) }()
	}
	r.dispatch(Event{Name: f.Event, Data: f.Data})
}

func (r *Registry) dispatch(ev Event) {
	r.listenersMu.RLock()
	ls := make([]*Listener, len(r.listeners[ev.Name]))
	copy(ls, r.listeners[ev.Name])
	r.listenersMu.RUnlock()

	for _, l := range ls {
		r.invoke(l, ev)
	}
}

func (r *Registry) invoke(l *Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event listener panicked", "event", ev.Name, "panic", rec)
		}
	}()
	l.fn(ev)
}

func (r *Registry) write(conn Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, f); err != nil {
		r.logger.Warn("Failed to write frame", "event", f.Event, "error", err)
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}
