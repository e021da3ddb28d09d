// Package wsclient is the client side of the realtime channel: one
// resilient websocket per session with reconnection backoff, an offline
// emit queue and multiplexed event listeners.
//
// State machine:
//
//	disconnected -> connecting -> connected
//	connecting | connected -> error -> (backoff) -> connecting
//	connected -> disconnected (Close)
//
// Rooms joined before a reconnect are not joined again automatically;
// callers re-emit join_group once Ready fires.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-meetup/internal/apperr"
	"go-meetup/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrNoCredential      = errors.New("wsclient: no credential available")
	ErrRetriesExhausted  = errors.New("wsclient: reconnect attempts exhausted, call Reconnect")
	errConnectionDropped = errors.New("connection dropped")
)

// TokenSource returns the current bearer credential, if any.
type TokenSource func() (string, bool)

type Config struct {
	URL              string
	Token            TokenSource
	HandshakeTimeout time.Duration // default 10s
	WriteWait        time.Duration // default 10s
	BaseDelay        time.Duration // first backoff delay, default 500ms
	MaxDelay         time.Duration // backoff cap, default 8s
	MaxAttempts      int           // consecutive failures before giving up, default 5
	ListenerBuffer   int           // per-subscription buffer, default 64
	// DisconnectWhenIdle closes the connection when the last listener is
	// disposed.
	DisconnectWhenIdle bool
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = 64
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Manager owns one duplex connection. All state lives behind mu. Each live
// connection has one reader and one writer goroutine; neither does socket
// I/O while holding mu.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int // bumped for every dial and on Close; stale goroutines compare it
	attempts   int
	lastErr    error
	retry      *time.Timer
	queue      []event.Envelope // unsent emits, oldest first
	wake       chan struct{}    // signals the current writer that queue grew
	stop       chan struct{}    // closed when the current connection is torn down
	ready      chan struct{}
	readyFired bool
	listeners  map[event.Type]*listenerSet
}

func New(cfg Config, log *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:       log,
		ready:     make(chan struct{}),
		listeners: make(map[event.Type]*listenerSet),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that put the manager into the error state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Ready returns a channel closed on the next (or current) transition to
// connected. A new channel is handed out after the connection is lost.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// WaitReady blocks until connected or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts a connection attempt without blocking. It is a no-op when
// already connected or connecting.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnected, StateConnecting:
		return nil
	case StateError:
		if m.attempts >= m.cfg.MaxAttempts {
			return ErrRetriesExhausted
		}
		// a retry is already scheduled
		return nil
	}
	return m.startLocked()
}

// Reconnect resets the attempt budget and connects again; it is the way out
// of a persistent error state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRetryLocked()
	m.attempts = 0
	if m.state == StateConnected || m.state == StateConnecting {
		return nil
	}
	return m.startLocked()
}

// Close tears the connection down cleanly. Queued emits are kept and sent
// after the next Connect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.stopRetryLocked()
	if m.conn != nil {
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	m.dropConnLocked()
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateDisconnected)
}

// Emit queues an event for the writer. While disconnected the queue is
// held and flushed in FIFO order once connected; nothing is deduplicated.
func (m *Manager) Emit(name event.Type, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return apperr.E(apperr.Validation, "wsclient.emit", err)
	}
	env := event.Envelope{Type: name, Payload: payload}
	if _, err := event.DecodeEnvelope(env); err != nil {
		return apperr.E(apperr.Validation, "wsclient.emit", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, env)
	if m.state == StateConnected {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Queued reports how many emits are waiting for a connection.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) startLocked() error {
	token, ok := "", false
	if m.cfg.Token != nil {
		token, ok = m.cfg.Token()
	}
	if !ok || token == "" {
		m.setStateLocked(StateDisconnected)
		return ErrNoCredential
	}
	m.generation++
	m.setStateLocked(StateConnecting)
	go m.dial(m.generation, token)
	return nil
}

func (m *Manager) dial(gen int, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		// Closed or superseded while dialing.
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		kind := apperr.Connection
		if errors.Is(err, context.DeadlineExceeded) {
			kind = apperr.Timeout
		}
		m.failLocked(apperr.E(kind, "wsclient.connect", err))
		return
	}

	m.conn = conn
	m.wake = make(chan struct{}, 1)
	m.stop = make(chan struct{})
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.log.Debug("connected", zap.String("url", m.cfg.URL), zap.Int("queued", len(m.queue)))
	// Anything queued while offline goes out before later emits.
	m.wake <- struct{}{}
	go m.readLoop(gen, conn)
	go m.writeLoop(gen, conn, m.wake, m.stop)
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.generation && m.state == StateConnected {
				m.failLocked(apperr.E(apperr.Connection, "wsclient.read", errConnectionDropped))
			}
			m.mu.Unlock()
			return
		}
		evt, err := event.Decode(data)
		if err != nil {
			m.log.Warn("dropping invalid frame", zap.Error(err))
			continue
		}
		m.dispatch(evt)
	}
}

// writeLoop drains the emit queue onto conn, in order, until the connection
// is torn down or a write fails.
func (m *Manager) writeLoop(gen int, conn *websocket.Conn, wake, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}

		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, env := range batch {
			if err := m.write(conn, env); err != nil {
				m.mu.Lock()
				// Unsent events keep their place ahead of newer emits.
				m.queue = append(append([]event.Envelope(nil), batch[i:]...), m.queue...)
				if gen == m.generation && m.state == StateConnected {
					m.failLocked(apperr.E(apperr.Connection, "wsclient.write", err))
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) dropConnLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// failLocked moves to the error state and schedules a reconnect unless the
// attempt budget is spent.
func (m *Manager) failLocked(err error) {
	m.dropConnLocked()
	m.lastErr = err
	m.attempts++
	m.setStateLocked(StateError)

	if m.attempts >= m.cfg.MaxAttempts {
		m.log.Warn("giving up reconnecting", zap.Int("attempts", m.attempts), zap.Error(err))
		return
	}
	delay := m.cfg.Backoff(m.attempts)
	gen := m.generation
	m.log.Info("connection failed, retrying",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.state != StateError {
			return
		}
		if err := m.startLocked(); err != nil {
			m.log.Warn("reconnect aborted", zap.Error(err))
		}
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if s == StateConnected && !m.readyFired {
		close(m.ready)
		m.readyFired = true
	}
	if s != StateConnected && m.readyFired {
		m.ready = make(chan struct{})
		m.readyFired = false
	}
	m.state = s
}
