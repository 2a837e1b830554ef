// Package client composes the connection manager, dispatcher, reconciler,
// session registry and transcript archive into the single object an
// application embeds. One Client means one logical connection.
package client

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/reactchat/client/internal/archive"
	"github.com/reactchat/client/internal/conn"
	"github.com/reactchat/client/internal/dispatch"
	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/protocol"
	"github.com/reactchat/client/internal/reconcile"
	"github.com/reactchat/client/internal/session"
	"github.com/reactchat/client/internal/trace"
)

// Status is the connection status surfaced to the presentation layer.
type Status string

const (
	StatusConnected          Status = "connected"
	StatusDisconnected       Status = "disconnected"
	StatusReconnectExhausted Status = "reconnect_exhausted"
)

// Config configures a Client.
type Config struct {
	ServerURL string
	Logger    *slog.Logger
	Archive   *archive.Store  // optional transcript archive
	Recorder  *trace.Recorder // optional frame tracing

	// Optional overrides for the connection manager; zero values keep the
	// conn package defaults.
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	ConnectRaceTimeout   time.Duration
	PingPeriod           time.Duration
}

// Client is the composition root for one backend connection.
type Client struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	manager    *conn.Manager
	registry   *session.Registry
	reconciler *reconcile.Reconciler
	archive    *archive.Store

	mu        sync.Mutex
	onUpdate  []func()
	onError   []func(sessionID, message string)
	onStatus  []func(Status)
	bootstrap bool // default session created for this connection epoch
}

// New wires up a Client. Handlers are registered in dependency order: the
// reconciler first, then the archive writer and refresh notifications, so a
// frame is fully reconciled before anything downstream observes it.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dispatcher := dispatch.New(logger)
	registry := session.NewRegistry()
	reconciler := reconcile.New(registry, logger)

	manager := conn.NewManager(conn.Config{
		URL:                  cfg.ServerURL,
		Logger:               logger,
		Recorder:             cfg.Recorder,
		BaseReconnectDelay:   cfg.BaseReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ConnectRaceTimeout:   cfg.ConnectRaceTimeout,
		PingPeriod:           cfg.PingPeriod,
	}, dispatcher)

	c := &Client{
		logger:     logger,
		dispatcher: dispatcher,
		manager:    manager,
		registry:   registry,
		reconciler: reconciler,
		archive:    cfg.Archive,
	}

	reconciler.Attach(dispatcher)
	reconciler.SetErrorHandler(c.fireError)

	c.restoreFromArchive()

	c.subscribeSessionAcks()
	c.subscribeArchiver()
	c.subscribeRefresh()

	manager.OnConnect(c.handleConnect)
	manager.OnDisconnect(c.handleDisconnect)
	manager.OnReconnectExhausted(func() {
		c.fireStatus(StatusReconnectExhausted)
	})

	return c
}

// Connect opens the backend connection.
func (c *Client) Connect() { c.manager.Connect() }

// Disconnect closes the connection and disables reconnection.
func (c *Client) Disconnect() { c.manager.Disconnect() }

// ConnState returns the transport state.
func (c *Client) ConnState() conn.State { return c.manager.State() }

// Registry exposes the session registry for snapshot reads.
func (c *Client) Registry() *session.Registry { return c.registry }

// Messages returns a snapshot of a session's sequence.
func (c *Client) Messages(sessionID string) ([]model.Message, error) {
	return c.registry.Messages(sessionID)
}

// SendMessage appends a user message to the active session and transmits it.
// The local append happens before transmission and is never rolled back: if
// the transport is down the message stays visible and an error is returned.
func (c *Client) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return model.ErrEmptyContent
	}

	sessionID := c.registry.ActiveID()
	if sessionID == "" {
		sess, err := c.CreateSession("")
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}

	c.reconciler.AppendUserMessage(sessionID, content)
	c.fireUpdate()

	return c.manager.Send(&protocol.Frame{
		Type:      protocol.CommandMessage,
		SessionID: sessionID,
		Content:   content,
	})
}

// CreateSession creates a session locally, makes it active and announces it
// to the backend. A send failure leaves the local session intact; the
// backend learns about it with the first message.
func (c *Client) CreateSession(name string) (model.Session, error) {
	sess, err := c.registry.Create("", name)
	if err != nil {
		return model.Session{}, err
	}
	c.registry.Switch(sess.ID)
	c.fireUpdate()

	if err := c.manager.Send(&protocol.Frame{
		Type:      protocol.CommandCreateSession,
		SessionID: sess.ID,
	}); err != nil {
		c.logger.Warn("session created locally only",
			"session_id", sess.ID,
			"error", err)
	}
	return sess, nil
}

// SwitchSession activates a session and requests its history.
func (c *Client) SwitchSession(sessionID string) error {
	if err := c.registry.Switch(sessionID); err != nil {
		return err
	}
	c.fireUpdate()

	if err := c.manager.Send(&protocol.Frame{
		Type:      protocol.CommandSwitchSession,
		SessionID: sessionID,
	}); err != nil {
		return err
	}
	return c.LoadHistory(sessionID)
}

// DeleteSession removes a session everywhere: registry, archive, backend.
func (c *Client) DeleteSession(sessionID string) error {
	if err := c.registry.Delete(sessionID); err != nil {
		return err
	}
	if c.archive != nil {
		if err := c.archive.DeleteSession(context.Background(), sessionID); err != nil &&
			err != model.ErrSessionNotFound {
			c.logger.Warn("failed to delete archived transcript",
				"session_id", sessionID,
				"error", err)
		}
	}
	c.fireUpdate()

	return c.manager.Send(&protocol.Frame{
		Type:      protocol.CommandDeleteSession,
		SessionID: sessionID,
	})
}

// LoadHistory asks the backend for a session's stored history.
func (c *Client) LoadHistory(sessionID string) error {
	return c.manager.Send(&protocol.Frame{
		Type:      protocol.CommandLoadHistory,
		SessionID: sessionID,
	})
}

// RequestSessions asks the backend for its session list.
func (c *Client) RequestSessions() error {
	return c.manager.Send(&protocol.Frame{Type: protocol.CommandListSessions})
}

// OnUpdate registers a callback fired after any state change the
// presentation layer should re-render for.
func (c *Client) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, fn)
}

// OnError registers a callback for backend error events.
func (c *Client) OnError(fn func(sessionID, message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnStatusChange registers a callback for connection status transitions.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// handleConnect runs after every successful open: the default session is
// created on the first one, then the backend's session list is requested.
func (c *Client) handleConnect() {
	c.mu.Lock()
	first := !c.bootstrap
	c.bootstrap = true
	c.mu.Unlock()

	if first && c.registry.ActiveID() == "" {
		if _, err := c.CreateSession("New Chat"); err != nil {
			c.logger.Warn("failed to create default session", "error", err)
		}
	}
	if err := c.RequestSessions(); err != nil {
		c.logger.Warn("failed to request session list", "error", err)
	}
	c.fireStatus(StatusConnected)
	c.fireUpdate()
}

func (c *Client) handleDisconnect(err error) {
	c.fireStatus(StatusDisconnected)
	c.fireUpdate()
}

// restoreFromArchive seeds the registry with archived transcripts so past
// conversations are readable before a connection exists. A later
// history_loaded for the same session replaces the restored sequence.
func (c *Client) restoreFromArchive() {
	if c.archive == nil {
		return
	}
	sessions, err := c.archive.Sessions(context.Background())
	if err != nil {
		c.logger.Warn("failed to list archived sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		msgs, err := c.archive.LoadTranscript(context.Background(), sess.ID)
		if err != nil {
			c.logger.Warn("failed to restore archived transcript",
				"session_id", sess.ID,
				"error", err)
			continue
		}
		c.registry.Apply(sess.ID, func([]model.Message) []model.Message {
			return msgs
		})
		// Adopt after Apply so the archived timestamps win over the
		// restore's own activity.
		c.registry.Adopt(sess)
	}
	if len(sessions) > 0 {
		c.logger.Info("restored archived sessions", "count", len(sessions))
	}
}

// subscribeSessionAcks keeps the registry aligned with backend session acks
// and the bulk session listing.
func (c *Client) subscribeSessionAcks() {
	c.dispatcher.Subscribe(protocol.EventSessionCreated, func(f *protocol.Frame) {
		if f.SessionID != "" {
			c.registry.Ensure(f.SessionID)
		}
	})
	c.dispatcher.Subscribe(protocol.EventSessionSwitched, func(f *protocol.Frame) {
		if f.SessionID == "" {
			return
		}
		c.registry.Ensure(f.SessionID)
		c.registry.Switch(f.SessionID)
	})
	c.dispatcher.Subscribe(protocol.EventSessionDeleted, func(f *protocol.Frame) {
		if f.SessionID != "" {
			c.registry.Delete(f.SessionID)
		}
	})
	c.dispatcher.Subscribe(protocol.EventSessionsList, func(f *protocol.Frame) {
		for _, info := range f.Sessions {
			meta := model.Session{ID: info.ID, Name: info.Name}
			if info.CreatedAt > 0 {
				meta.CreatedAt = time.UnixMilli(info.CreatedAt)
			}
			if info.LastMessageAt > 0 {
				t := time.UnixMilli(info.LastMessageAt)
				meta.LastMessageAt = &t
			}
			c.registry.Adopt(meta)
		}
	})
}

// subscribeArchiver persists a transcript snapshot when a turn completes and
// when history is (re)loaded. Registered after the reconciler, so the
// snapshot always reflects the event just applied.
func (c *Client) subscribeArchiver() {
	if c.archive == nil {
		return
	}
	save := func(f *protocol.Frame) {
		sessionID := f.SessionID
		if sessionID == "" {
			sessionID = c.registry.ActiveID()
		}
		if sessionID == "" {
			return
		}
		sess, ok := c.registry.Get(sessionID)
		if !ok {
			return
		}
		msgs, err := c.registry.Messages(sessionID)
		if err != nil {
			return
		}
		if err := c.archive.SaveTranscript(context.Background(), sess, msgs); err != nil {
			c.logger.Warn("failed to archive transcript",
				"session_id", sessionID,
				"error", err)
		}
	}
	c.dispatcher.Subscribe(protocol.EventComplete, save)
	c.dispatcher.Subscribe(protocol.EventHistoryLoaded, save)
}

// subscribeRefresh fires the update callbacks after every reconciled event.
// These subscribers are registered last so they observe settled state.
func (c *Client) subscribeRefresh() {
	refresh := func(*protocol.Frame) { c.fireUpdate() }
	for _, t := range []protocol.EventType{
		protocol.EventHistoryLoaded,
		protocol.EventTextDelta,
		protocol.EventThink,
		protocol.EventToolCall,
		protocol.EventToolOutput,
		protocol.EventComplete,
		protocol.EventError,
		protocol.EventSessionsList,
	} {
		c.dispatcher.Subscribe(t, refresh)
	}
}

func (c *Client) fireUpdate() {
	c.mu.Lock()
	callbacks := make([]func(), len(c.onUpdate))
	copy(callbacks, c.onUpdate)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (c *Client) fireError(sessionID, message string) {
	c.mu.Lock()
	callbacks := make([]func(string, string), len(c.onError))
	copy(callbacks, c.onError)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(sessionID, message)
	}
}

func (c *Client) fireStatus(status Status) {
	c.mu.Lock()
	callbacks := make([]func(Status), len(c.onStatus))
	copy(callbacks, c.onStatus)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(status)
	}
}
