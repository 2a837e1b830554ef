// Package conn owns the client's single logical WebSocket connection: the
// connect/disconnect lifecycle, reconnection with exponential backoff, and
// routing of inbound frames to the event dispatcher.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reactchat/client/internal/dispatch"
	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/protocol"
	"github.com/reactchat/client/internal/trace"
)

const (
	// DefaultBaseReconnectDelay is the first reconnect backoff step.
	DefaultBaseReconnectDelay = time.Second

	// DefaultMaxReconnectAttempts is the reconnect ceiling. Once reached,
	// only an explicit Connect recovers the connection.
	DefaultMaxReconnectAttempts = 5

	// DefaultConnectRaceTimeout bounds how long Connect waits for an
	// in-flight dial before force-closing it and starting over.
	DefaultConnectRaceTimeout = 500 * time.Millisecond

	// DefaultPingPeriod is the protocol keepalive interval while open.
	DefaultPingPeriod = 30 * time.Second

	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// How often Connect re-checks a socket stuck in teardown.
	closingPollInterval = 20 * time.Millisecond
)

// Control events that may legitimately arrive with no registered handler.
// Anything else unrouted is reported.
var expectedUnhandled = map[protocol.EventType]bool{
	protocol.EventConnected:       true,
	protocol.EventSessionCreated:  true,
	protocol.EventSessionSwitched: true,
	protocol.EventSessionDeleted:  true,
	protocol.EventPong:            true,
}

// Config configures a Manager. Zero values take the defaults above.
type Config struct {
	URL                  string
	Dialer               *websocket.Dialer
	Logger               *slog.Logger
	Recorder             *trace.Recorder
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	ConnectRaceTimeout   time.Duration
	PingPeriod           time.Duration
}

// Manager owns one logical socket at a time. All inbound frames are decoded
// and dispatched serially by the connection's reader goroutine, so downstream
// handlers never see two frames concurrently.
type Manager struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	recorder   *trace.Recorder

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	gen           int // attempt generation; a stale dial discards itself
	attemptDone   chan struct{}
	attemptCancel context.CancelFunc
	closingDone   chan struct{}
	localClose    bool

	reconnectAllowed bool
	attempts         int
	reconnectTimer   *time.Timer

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	connectHooks    hookList[func()]
	disconnectHooks hookList[func(err error)]
	exhaustedHooks  hookList[func()]
}

// NewManager creates a Manager routing inbound frames to the dispatcher.
func NewManager(cfg Config, dispatcher *dispatch.Dispatcher) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = DefaultBaseReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ConnectRaceTimeout <= 0 {
		cfg.ConnectRaceTimeout = DefaultConnectRaceTimeout
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = DefaultPingPeriod
	}

	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		state:      StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection if one is not already open or in
// flight. It is idempotent and asynchronous: readiness is observed through
// OnConnect handlers. Calling Connect re-enables reconnection after an
// explicit Disconnect or after the reconnect ceiling was reached.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.reconnectAllowed = true
	m.attempts = 0
	m.cancelReconnectTimerLocked()

	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return
	case StateConnecting:
		done := m.attemptDone
		gen := m.gen
		m.mu.Unlock()
		go m.raceStaleAttempt(done, gen)
		return
	case StateClosing:
		done := m.closingDone
		m.mu.Unlock()
		go func() {
			if done != nil {
				<-done
			}
			m.resumeAttempt()
		}()
		return
	}
	m.mu.Unlock()
	m.beginAttempt()
}

// Disconnect performs a normal close and disables reconnection until the
// next explicit Connect. Any scheduled reconnect is cancelled so no retry
// fires after an intentional shutdown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.reconnectAllowed = false
	m.attempts = 0
	m.cancelReconnectTimerLocked()

	switch m.state {
	case StateConnecting:
		// Abort the in-flight attempt.
		m.gen++
		if m.attemptCancel != nil {
			m.attemptCancel()
			m.attemptCancel = nil
		}
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	case StateOpen:
		m.state = StateClosing
		m.localClose = true
		c := m.conn
		m.mu.Unlock()

		m.writeMu.Lock()
		c.SetWriteDeadline(time.Now().Add(writeWait))
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		m.writeMu.Unlock()
		c.Close()
		// The reader goroutine finishes the teardown and fires the
		// disconnect handlers.
		return
	default:
		m.mu.Unlock()
	}
}

// Send encodes and transmits a frame. When the transport is not OPEN the
// frame is dropped: a warning is logged and model.ErrNotConnected returned.
// Frames are never queued for later delivery.
func (m *Manager) Send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("dropping outbound frame, transport unavailable",
			"frame_type", string(f.Type),
			"state", state.String())
		return model.ErrNotConnected
	}
	c := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("failed to write frame",
			"frame_type", string(f.Type),
			"error", err)
		return fmt.Errorf("failed to send frame: %w", err)
	}

	m.recorder.Record(trace.DirectionOutbound, data)
	return nil
}

// OnMessage registers a handler for one inbound event type. The returned
// function unsubscribes it.
func (m *Manager) OnMessage(eventType protocol.EventType, fn dispatch.Handler) func() {
	return m.dispatcher.Subscribe(eventType, fn)
}

// OnConnect registers a handler invoked after each successful open.
func (m *Manager) OnConnect(fn func()) func() {
	return m.connectHooks.add(fn)
}

// OnDisconnect registers a handler invoked when the connection closes. The
// error is nil for a normal, locally initiated close.
func (m *Manager) OnDisconnect(fn func(err error)) func() {
	return m.disconnectHooks.add(fn)
}

// OnReconnectExhausted registers a handler invoked once the reconnect
// ceiling is reached. The manager stays disconnected until Connect is
// called again.
func (m *Manager) OnReconnectExhausted(fn func()) func() {
	return m.exhaustedHooks.add(fn)
}

// ReconnectDelay returns the backoff delay for a 1-based attempt number:
// base * 2^(attempt-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// resumeAttempt continues a deferred connect unless an explicit Disconnect
// intervened while it was parked.
func (m *Manager) resumeAttempt() {
	m.mu.Lock()
	allowed := m.reconnectAllowed
	m.mu.Unlock()
	if allowed {
		m.beginAttempt()
	}
}

// beginAttempt starts a dial unless a connection is already open or in
// flight. A socket still in teardown is re-checked shortly, never busy-waited.
func (m *Manager) beginAttempt() {
	m.mu.Lock()
	switch m.state {
	case StateOpen, StateConnecting:
		m.mu.Unlock()
		return
	case StateClosing:
		m.mu.Unlock()
		time.AfterFunc(closingPollInterval, m.resumeAttempt)
		return
	}

	m.state = StateConnecting
	m.gen++
	gen := m.gen
	done := make(chan struct{})
	m.attemptDone = done
	ctx, cancel := context.WithCancel(context.Background())
	m.attemptCancel = cancel
	m.mu.Unlock()

	go m.dial(ctx, gen, done)
}

// raceStaleAttempt implements the Connect contract while CONNECTING: wait a
// bounded time for the in-flight attempt, then force-close it and start a
// fresh one, keeping at most one attempt in flight.
func (m *Manager) raceStaleAttempt(done chan struct{}, gen int) {
	select {
	case <-done:
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state != StateOpen {
			m.resumeAttempt()
		}
	case <-time.After(m.cfg.ConnectRaceTimeout):
		m.mu.Lock()
		if m.state == StateConnecting && m.gen == gen {
			m.logger.Warn("connect attempt stalled, forcing a new one",
				"timeout", m.cfg.ConnectRaceTimeout)
			m.gen++
			if m.attemptCancel != nil {
				m.attemptCancel()
				m.attemptCancel = nil
			}
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		<-done
		m.resumeAttempt()
	}
}

func (m *Manager) dial(ctx context.Context, gen int, done chan struct{}) {
	defer close(done)

	c, _, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, nil)

	m.mu.Lock()
	if m.gen != gen {
		// Superseded by a newer attempt or an explicit Disconnect.
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	m.attemptCancel = nil

	if err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.logger.Warn("connection attempt failed",
			"url", m.cfg.URL,
			"error", err)
		m.scheduleReconnect()
		return
	}

	m.conn = c
	m.state = StateOpen
	m.attempts = 0
	m.localClose = false
	closing := make(chan struct{})
	m.closingDone = closing
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.URL)
	m.connectHooks.fire(m.logger, func(fn func()) { fn() })

	go m.readLoop(c, gen, closing)
	go m.pingLoop(gen, closing)
}

// readLoop reads and routes frames until the socket dies, then finishes the
// teardown. Frames are dispatched one at a time in arrival order.
func (m *Manager) readLoop(c *websocket.Conn, gen int, closing chan struct{}) {
	defer close(closing)

	var readErr error
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		m.recorder.Record(trace.DirectionInbound, data)

		frame, err := protocol.Decode(data)
		if err != nil {
			// A malformed frame is discarded; the connection survives.
			m.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		m.route(frame)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		c.Close()
		return
	}
	local := m.localClose
	m.localClose = false
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	c.Close()

	normal := local || websocket.IsCloseError(readErr, websocket.CloseNormalClosure)
	if normal {
		m.logger.Info("connection closed")
		m.disconnectHooks.fire(m.logger, func(fn func(error)) { fn(nil) })
		return
	}

	m.logger.Warn("connection lost", "error", readErr)
	m.disconnectHooks.fire(m.logger, func(fn func(error)) { fn(readErr) })
	m.scheduleReconnect()
}

// pingLoop sends protocol-level keepalives while the connection is open.
func (m *Manager) pingLoop(gen int, closing chan struct{}) {
	if m.cfg.PingPeriod < 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closing:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := m.gen != gen || m.state != StateOpen
			m.mu.Unlock()
			if stale {
				return
			}
			m.Send(&protocol.Frame{Type: protocol.CommandPing})
		}
	}
}

func (m *Manager) route(f *protocol.Frame) {
	if m.dispatcher.Publish(f) > 0 {
		return
	}
	if expectedUnhandled[f.Type] {
		return
	}
	m.logger.Warn("no handler for inbound event", "event_type", string(f.Type))
}

// scheduleReconnect arms the backoff timer after an abnormal close or a
// failed dial. It is a no-op after an explicit Disconnect.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.reconnectAllowed {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted",
			"attempts", m.cfg.MaxReconnectAttempts)
		m.exhaustedHooks.fire(m.logger, func(fn func()) { fn() })
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := ReconnectDelay(m.cfg.BaseReconnectDelay, attempt)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		allowed := m.reconnectAllowed
		m.mu.Unlock()
		if allowed {
			m.beginAttempt()
		}
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"delay", delay)
}

func (m *Manager) cancelReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}
