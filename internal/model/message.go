// Package model defines the conversation data model shared by the
// connection, reconciliation and presentation layers.
package model

import (
	"encoding/json"
	"time"
)

// Kind classifies a message in a session's display sequence.
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindThink      Kind = "think"
	KindToolCall   Kind = "tool_call"
	KindToolOutput Kind = "tool_output"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// Fallback tool names used when the backend omits one.
const (
	ToolNameUnknown = "unknown"
	ToolNameResult  = "result"
)

// Message is one entry in a session's message sequence. Position in the
// sequence is authoritative for ordering; Timestamp is display metadata only.
type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolArgs   json.RawMessage `json:"toolArgs,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	Status     ToolStatus      `json:"status,omitempty"`
}

// IsToolCall reports whether the message is a tool invocation.
func (m *Message) IsToolCall() bool {
	return m.Kind == KindToolCall
}

// PendingToolCall reports whether the message is a tool call still awaiting
// its output. An unset status counts as pending.
func (m *Message) PendingToolCall() bool {
	return m.Kind == KindToolCall && (m.Status == ToolStatusPending || m.Status == "")
}
