// Package lifecycle decides when the shared real-time connection should be
// open, driven by session changes, visibility and connection failures.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatsync/internal/domain"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/state"
)

// State of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateScheduling
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduling:
		return "scheduling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Indicator texts.
const (
	IndicatorConnected    = "connected"
	IndicatorReconnecting = "Disconnected — reconnecting"
	IndicatorSignedOut    = "signed out"
)

var errMissingCredentials = errors.New("lifecycle: stored credentials incomplete")

// Fingerprint is the part of the session that decides whether to connect.
type Fingerprint struct {
	IsAuthenticated bool
	UserID          string
	HasAccessToken  bool
}

// FingerprintOf extracts the fingerprint of a session snapshot.
func FingerprintOf(sess state.Session) Fingerprint {
	return Fingerprint{
		IsAuthenticated: sess.IsAuthenticated,
		UserID:          sess.UserID,
		HasAccessToken:  sess.HasAccessToken,
	}
}

func (f Fingerprint) complete() bool {
	return f.IsAuthenticated && f.UserID != "" && f.HasAccessToken
}

// Connector is the connection registry as seen by the manager.
type Connector interface {
	Connect(ctx context.Context, creds domain.Credentials) error
	Disconnect()
	IsConnected() bool
	IsConnecting() bool
	On(event string, l *realtime.Listener)
	Off(event string, l *realtime.Listener)
}

// CredentialSource supplies the credentials used to dial.
type CredentialSource interface {
	Load() domain.Credentials
}

// Options configures the manager timers.
type Options struct {
	Debounce       time.Duration
	RetryDelay     time.Duration
	SettleDelay    time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the default timers.
func DefaultOptions() Options {
	return Options{
		Debounce:       100 * time.Millisecond,
		RetryDelay:     3 * time.Second,
		SettleDelay:    200 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}
}

// Status is a point-in-time view of the manager.
type Status struct {
	State        string `json:"state"`
	Ready        bool   `json:"ready"`
	Indicator    string `json:"indicator"`
	UserID       string `json:"user_id,omitempty"`
	Visible      bool   `json:"visible"`
	RetryPending bool   `json:"retry_pending"`
}

// Manager is the only component that connects or disconnects the registry.
// Failures never leave the manager as errors; they show up in State and Ready.
type Manager struct {
	conn   Connector
	creds  CredentialSource
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	current    Fingerprint
	stored     *Fingerprint
	activeUser string
	visible    bool
	retryUsed  bool
	closed     bool
	gen        uint64
	debounce   *time.Timer
	retry      *time.Timer
	settle     *time.Timer
	unbind     func()

	ready        atomic.Bool
	onDisconnect *realtime.Listener
}

// New creates a manager for conn. Call Bind or Observe to start it.
func New(conn Connector, creds CredentialSource, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	m := &Manager{
		conn:    conn,
		creds:   creds,
		opts:    opts,
		logger:  logger,
		visible: true,
	}
	m.onDisconnect = realtime.NewListener(m.handleDisconnect)
	conn.On(realtime.EventDisconnect, m.onDisconnect)
	return m
}

// Bind observes the current session of st and every later publish.
func (m *Manager) Bind(st *state.Store) {
	unsubscribe := st.Subscribe(m.Observe)
	m.mu.Lock()
	prev := m.unbind
	m.unbind = unsubscribe
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
	m.Observe(st.Session())
}

// Observe feeds a session snapshot into the state machine.
func (m *Manager) Observe(sess state.Session) {
	fp := FingerprintOf(sess)

	m.mu.Lock()
	disconnect := m.observeLocked(fp)
	m.mu.Unlock()

	// The transport close handshake can be slow, so it runs off the lock.
	if disconnect {
		m.conn.Disconnect()
	}
}

func (m *Manager) observeLocked(fp Fingerprint) (disconnect bool) {
	if m.closed {
		return false
	}
	m.current = fp

	if !fp.IsAuthenticated {
		return m.signOutLocked()
	}
	if !fp.complete() {
		return false
	}
	if m.stored != nil && *m.stored == fp {
		return false
	}
	m.retryUsed = false
	m.storeLocked(fp)
	return false
}

// SetVisible records a visibility change. Becoming visible while signed in
// and not connected re-arms the fingerprint after the settle delay.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = visible
	if !visible || m.closed || !m.current.complete() {
		return
	}
	if m.state == StateConnecting || m.conn.IsConnected() || m.conn.IsConnecting() {
		return
	}

	stopTimer(m.settle)
	gen := m.gen
	m.settle = time.AfterFunc(m.opts.SettleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen {
			return
		}
		if m.conn.IsConnected() || m.conn.IsConnecting() {
			return
		}
		m.logger.Info("Visible again, re-arming connection")
		m.retryUsed = false
		m.rearmLocked()
	})
}

// Recheck starts a new connection cycle with a fresh retry budget.
func (m *Manager) Recheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.current.complete() {
		return
	}
	if m.conn.IsConnected() && m.activeUser == m.current.UserID {
		m.setStateLocked(StateConnected)
		return
	}
	m.retryUsed = false
	m.rearmLocked()
}

// Close cancels every timer and disconnects, whatever the session state.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimersLocked()
	m.gen++
	m.stored = nil
	m.activeUser = ""
	m.setStateLocked(StateIdle)
	unbind := m.unbind
	m.unbind = nil
	m.mu.Unlock()

	m.conn.Disconnect()
	if unbind != nil {
		unbind()
	}
	m.conn.Off(realtime.EventDisconnect, m.onDisconnect)
}

// Ready reports whether the connection is established.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Indicator returns the user-facing connection indicator.
func (m *Manager) Indicator() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indicatorLocked()
}

// Status returns a snapshot for reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.state.String(),
		Ready:        m.ready.Load(),
		Indicator:    m.indicatorLocked(),
		UserID:       m.current.UserID,
		Visible:      m.visible,
		RetryPending: m.retry != nil,
	}
}

func (m *Manager) indicatorLocked() string {
	switch {
	case !m.current.IsAuthenticated:
		return IndicatorSignedOut
	case m.state == StateConnected:
		return IndicatorConnected
	default:
		return IndicatorReconnecting
	}
}

// storeLocked records fp and (re)starts the debounce timer.
func (m *Manager) storeLocked(fp Fingerprint) {
	m.stopTimersLocked()
	m.gen++
	m.stored = &fp
	if m.state != StateConnected {
		m.setStateLocked(StateScheduling)
	}
	gen := m.gen
	m.debounce = time.AfterFunc(m.opts.Debounce, func() { m.fire(gen) })
	m.logger.Debug("Connection scheduled", "user_id", fp.UserID, "debounce", m.opts.Debounce)
}

// rearmLocked forgets the stored fingerprint and re-evaluates the current one.
func (m *Manager) rearmLocked() {
	m.stored = nil
	if m.current.complete() {
		m.storeLocked(m.current)
	}
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.stored == nil {
		return
	}
	target := m.stored.UserID

	drop := m.activeUser != "" && m.activeUser != target && (m.conn.IsConnected() || m.conn.IsConnecting())
	if drop {
		m.logger.Info("User changed, dropping connection", "from", m.activeUser, "to", target)
	}
	m.activeUser = target

	if !drop && m.conn.IsConnected() {
		m.setStateLocked(StateConnected)
		return
	}
	// Joins the registry's in-flight attempt when one is already running.
	m.setStateLocked(StateConnecting)
	go m.attempt(gen, drop)
}

// attempt connects for cycle gen, first dropping the previous user's
// connection when drop is set.
func (m *Manager) attempt(gen uint64, drop bool) {
	if drop {
		m.conn.Disconnect()
	}
	creds := m.creds.Load()
	var err error
	if !creds.IsAuthenticated() {
		err = errMissingCredentials
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		err = m.conn.Connect(ctx, creds)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = realtime.ErrConnectTimeout
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}
	if err != nil {
		m.failLocked(err)
		return
	}
	m.retryUsed = false
	m.setStateLocked(StateConnected)
	m.logger.Info("Connection ready", "user_id", creds.UserID)
}

// failLocked moves to idle and schedules the single retry if it is unused.
func (m *Manager) failLocked(err error) {
	m.setStateLocked(StateIdle)
	if m.retryUsed {
		m.logger.Warn("Connection failed, staying disconnected", "error", err)
		return
	}
	m.retryUsed = true
	m.logger.Warn("Connection failed, retry scheduled", "error", err, "retry_in", m.opts.RetryDelay)

	stopTimer(m.retry)
	gen := m.gen
	m.retry = time.AfterFunc(m.opts.RetryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen {
			return
		}
		m.retry = nil
		m.rearmLocked()
	})
}

func (m *Manager) handleDisconnect(ev realtime.Event) {
	if errors.Is(ev.Err, realtime.ErrClosedByClient) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateConnected {
		return
	}
	m.failLocked(ev.Err)
}

// signOutLocked resets the machine to idle. It reports whether the caller
// must disconnect once m.mu is released.
func (m *Manager) signOutLocked() bool {
	active := m.state == StateConnecting || m.state == StateConnected ||
		m.conn.IsConnected() || m.conn.IsConnecting()

	m.stopTimersLocked()
	m.gen++
	m.stored = nil
	m.activeUser = ""
	m.retryUsed = false
	if active {
		m.logger.Info("Signed out, disconnecting")
	}
	m.setStateLocked(StateIdle)
	return active
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.ready.Store(s == StateConnected)
}

func (m *Manager) stopTimersLocked() {
	stopTimer(m.debounce)
	stopTimer(m.retry)
	stopTimer(m.settle)
	m.debounce, m.retry, m.settle = nil, nil, nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
