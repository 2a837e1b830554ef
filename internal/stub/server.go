// Package stub implements a protocol-complete development backend: one
// WebSocket endpoint speaking the agent wire protocol with scripted replies
// and an in-memory session store. It backs the integration tests and the
// stubagent binary.
package stub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reactchat/client/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type stubSession struct {
	ID            string
	Name          string
	CreatedAt     time.Time
	LastMessageAt time.Time
	History       []protocol.HistoryEntry
}

// Server is the stub agent backend.
type Server struct {
	script Script
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*stubSession
}

// NewServer creates a stub backend. Nil script uses EchoScript, nil logger
// slog.Default().
func NewServer(script Script, logger *slog.Logger) *Server {
	if script == nil {
		script = EchoScript{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		script:   script,
		logger:   logger,
		sessions: make(map[string]*stubSession),
	}
}

// Routes builds the gin engine: /health for liveness, /ws for the protocol.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", s.handleWS)

	return r
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.writeFrame(ws, &protocol.Frame{
		Type:    protocol.EventConnected,
		Message: "connection established",
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.writeError(ws, "invalid frame: "+err.Error())
			continue
		}
		s.handleFrame(ws, frame)
	}
}

func (s *Server) handleFrame(ws *websocket.Conn, f *protocol.Frame) {
	switch f.Type {
	case protocol.CommandMessage:
		s.handleMessage(ws, f)
	case protocol.CommandCreateSession:
		s.handleCreateSession(ws, f)
	case protocol.CommandSwitchSession:
		s.handleSwitchSession(ws, f)
	case protocol.CommandDeleteSession:
		s.handleDeleteSession(ws, f)
	case protocol.CommandListSessions:
		s.handleListSessions(ws)
	case protocol.CommandLoadHistory:
		s.handleLoadHistory(ws, f)
	case protocol.CommandPing:
		s.writeFrame(ws, &protocol.Frame{Type: protocol.EventPong})
	default:
		s.writeError(ws, "unknown message type: "+string(f.Type))
	}
}

func (s *Server) handleMessage(ws *websocket.Conn, f *protocol.Frame) {
	if f.SessionID == "" {
		s.writeError(ws, "missing session_id")
		return
	}
	if f.Content == "" {
		s.writeError(ws, "message content is empty")
		return
	}

	sess := s.ensureSession(f.SessionID)
	s.appendHistory(sess, protocol.HistoryEntry{
		ID:        "msg_" + uuid.New().String(),
		Role:      "user",
		Content:   jsonString(f.Content),
		Timestamp: time.Now().UnixMilli(),
	})

	var answer string
	for _, out := range s.script.Respond(f.SessionID, f.Content) {
		frame := out
		s.writeFrame(ws, &frame)

		switch frame.Type {
		case protocol.EventTextDelta:
			answer += frame.Content
		case protocol.EventToolCall:
			s.appendHistory(sess, protocol.HistoryEntry{
				ID:        "tool_call_" + uuid.New().String(),
				Type:      "tool_call",
				Role:      "assistant",
				ToolName:  frame.Name,
				ToolArgs:  frame.Arguments,
				Status:    "completed",
				Timestamp: time.Now().UnixMilli(),
			})
		case protocol.EventToolOutput:
			s.appendHistory(sess, protocol.HistoryEntry{
				ID:         "tool_output_" + uuid.New().String(),
				Type:       "tool_output",
				Role:       "assistant",
				ToolName:   frame.Name,
				ToolOutput: frame.Output,
				Status:     "completed",
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	}

	if answer != "" {
		s.appendHistory(sess, protocol.HistoryEntry{
			ID:        "msg_" + uuid.New().String(),
			Role:      "assistant",
			Content:   jsonString(answer),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (s *Server) handleCreateSession(ws *websocket.Conn, f *protocol.Frame) {
	id := f.SessionID
	if id == "" {
		id = "web_session_" + uuid.New().String()[:8]
	}
	s.ensureSession(id)
	s.writeFrame(ws, &protocol.Frame{
		Type:      protocol.EventSessionCreated,
		SessionID: id,
	})
}

func (s *Server) handleSwitchSession(ws *websocket.Conn, f *protocol.Frame) {
	if f.SessionID == "" {
		s.writeError(ws, "missing session_id")
		return
	}
	s.ensureSession(f.SessionID)
	s.writeFrame(ws, &protocol.Frame{
		Type:      protocol.EventSessionSwitched,
		SessionID: f.SessionID,
	})
}

func (s *Server) handleDeleteSession(ws *websocket.Conn, f *protocol.Frame) {
	if f.SessionID == "" {
		s.writeError(ws, "missing session_id")
		return
	}
	s.mu.Lock()
	delete(s.sessions, f.SessionID)
	s.mu.Unlock()

	s.writeFrame(ws, &protocol.Frame{
		Type:      protocol.EventSessionDeleted,
		SessionID: f.SessionID,
	})
}

func (s *Server) handleListSessions(ws *websocket.Conn) {
	s.mu.Lock()
	infos := make([]protocol.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := protocol.SessionInfo{
			ID:        sess.ID,
			Name:      sess.Name,
			CreatedAt: sess.CreatedAt.UnixMilli(),
		}
		if !sess.LastMessageAt.IsZero() {
			info.LastMessageAt = sess.LastMessageAt.UnixMilli()
		}
		infos = append(infos, info)
	}
	s.mu.Unlock()

	s.writeFrame(ws, &protocol.Frame{
		Type:     protocol.EventSessionsList,
		Sessions: infos,
	})
}

func (s *Server) handleLoadHistory(ws *websocket.Conn, f *protocol.Frame) {
	if f.SessionID == "" {
		s.writeError(ws, "missing session_id")
		return
	}
	sess := s.ensureSession(f.SessionID)

	s.mu.Lock()
	history := make([]protocol.HistoryEntry, len(sess.History))
	copy(history, sess.History)
	s.mu.Unlock()

	s.writeFrame(ws, &protocol.Frame{
		Type:      protocol.EventHistoryLoaded,
		SessionID: f.SessionID,
		Messages:  history,
	})
}

// SeedHistory installs raw history entries for a session, for tests that
// need particular normalization inputs.
func (s *Server) SeedHistory(sessionID string, entries []protocol.HistoryEntry) {
	sess := s.ensureSession(sessionID)
	s.mu.Lock()
	sess.History = append([]protocol.HistoryEntry(nil), entries...)
	s.mu.Unlock()
}

func (s *Server) ensureSession(id string) *stubSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess := &stubSession{
		ID:        id,
		Name:      "Session " + id,
		CreatedAt: time.Now(),
	}
	s.sessions[id] = sess
	return sess
}

func (s *Server) appendHistory(sess *stubSession, entry protocol.HistoryEntry) {
	s.mu.Lock()
	sess.History = append(sess.History, entry)
	sess.LastMessageAt = time.Now()
	s.mu.Unlock()
}

func (s *Server) writeFrame(ws *websocket.Conn, f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		s.logger.Warn("failed to encode frame", "error", err)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("failed to write frame", "error", err)
	}
}

func (s *Server) writeError(ws *websocket.Conn, message string) {
	s.writeFrame(ws, &protocol.Frame{
		Type:    protocol.EventError,
		Message: message,
	})
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
