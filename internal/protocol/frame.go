// Package protocol defines the JSON wire frames exchanged with the agent
// backend over the persistent WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType is the discriminator routing a frame to its handlers.
type EventType string

const (
	// Server -> client event types.
	EventConnected       EventType = "connected"
	EventSessionCreated  EventType = "session_created"
	EventSessionSwitched EventType = "session_switched"
	EventSessionDeleted  EventType = "session_deleted"
	EventSessionsList    EventType = "sessions_list"
	EventHistoryLoaded   EventType = "history_loaded"
	EventTextDelta       EventType = "text_delta"
	EventThink           EventType = "think"
	EventToolCall        EventType = "tool_call"
	EventToolOutput      EventType = "tool_output"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
	EventPong            EventType = "pong"

	// Client -> server command types.
	CommandMessage       EventType = "message"
	CommandCreateSession EventType = "create_session"
	CommandSwitchSession EventType = "switch_session"
	CommandDeleteSession EventType = "delete_session"
	CommandListSessions  EventType = "list_sessions"
	CommandLoadHistory   EventType = "load_history"
	CommandPing          EventType = "ping"
)

// Frame is one discrete JSON message on the wire. It is a superset of every
// event and command shape; unused fields are omitted when encoding.
type Frame struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Message   string          `json:"message,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Sessions  []SessionInfo   `json:"sessions,omitempty"`
	Messages  []HistoryEntry  `json:"messages,omitempty"`
}

// SessionInfo is one entry of a sessions_list event.
type SessionInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
}

// HistoryEntry is one raw entry of a history_loaded event. Content is kept
// raw because the backend may emit a plain string, a JSON-encoded string, an
// object or an array of content parts.
type HistoryEntry struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolArgs   json.RawMessage `json:"toolArgs,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	Status     string          `json:"status,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Decode parses a raw frame. A frame without a type is rejected so malformed
// input never reaches the dispatcher.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	return &f, nil
}

// Encode serializes a frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}
