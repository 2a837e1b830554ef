// Package reconcile turns the inbound event stream into ordered,
// display-ready message sequences. It is the only writer of the session
// registry's sequences besides explicit session commands.
package reconcile

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/reactchat/client/internal/dispatch"
	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/protocol"
	"github.com/reactchat/client/internal/session"
)

// ErrorHandler receives backend error events. They are surfaced to the
// presentation layer and never mutate a message sequence.
type ErrorHandler func(sessionID, message string)

// Reconciler applies inbound events to the correct session's sequence.
// Events arrive serially from the connection's reader goroutine, so each
// event is fully applied before the next one is seen.
type Reconciler struct {
	registry *session.Registry
	logger   *slog.Logger
	onError  ErrorHandler
}

// New creates a Reconciler over the registry. A nil logger falls back to
// slog.Default().
func New(registry *session.Registry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{registry: registry, logger: logger}
}

// SetErrorHandler installs the sink for backend error events.
func (rc *Reconciler) SetErrorHandler(fn ErrorHandler) {
	rc.onError = fn
}

// Attach subscribes the reconciler to every event type it handles and
// returns a detach function.
func (rc *Reconciler) Attach(d *dispatch.Dispatcher) func() {
	unsubs := []func(){
		d.Subscribe(protocol.EventHistoryLoaded, func(f *protocol.Frame) {
			rc.HandleHistoryLoaded(rc.sessionFor(f), f.Messages)
		}),
		d.Subscribe(protocol.EventTextDelta, func(f *protocol.Frame) {
			rc.HandleTextDelta(rc.sessionFor(f), f.Content)
		}),
		d.Subscribe(protocol.EventThink, func(f *protocol.Frame) {
			rc.HandleThink(rc.sessionFor(f), f.Content)
		}),
		d.Subscribe(protocol.EventToolCall, func(f *protocol.Frame) {
			rc.HandleToolCall(rc.sessionFor(f), f.Name, f.Arguments)
		}),
		d.Subscribe(protocol.EventToolOutput, func(f *protocol.Frame) {
			rc.HandleToolOutput(rc.sessionFor(f), f.Name, f.Output)
		}),
		d.Subscribe(protocol.EventComplete, func(f *protocol.Frame) {
			rc.HandleComplete(rc.sessionFor(f))
		}),
		d.Subscribe(protocol.EventError, func(f *protocol.Frame) {
			rc.HandleError(rc.sessionFor(f), f.Message)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// sessionFor resolves the target session. Stream events from the backend
// omit session_id; they apply to the active session.
func (rc *Reconciler) sessionFor(f *protocol.Frame) string {
	if f.SessionID != "" {
		return f.SessionID
	}
	return rc.registry.ActiveID()
}

// HandleHistoryLoaded replaces the session's sequence with the normalized,
// deduplicated history.
func (rc *Reconciler) HandleHistoryLoaded(sessionID string, entries []protocol.HistoryEntry) {
	if sessionID == "" {
		rc.logger.Warn("history_loaded without a target session")
		return
	}
	msgs := normalizeHistory(entries)
	rc.registry.Apply(sessionID, func([]model.Message) []model.Message {
		return msgs
	})
	rc.logger.Info("history loaded",
		"session_id", sessionID,
		"messages", len(msgs))
}

// HandleTextDelta accumulates a streamed fragment. Only the sequence's last
// message is inspected: a trailing assistant message absorbs the fragment,
// anything else starts a fresh assistant message.
func (rc *Reconciler) HandleTextDelta(sessionID, content string) {
	if sessionID == "" {
		rc.logger.Warn("text_delta without a target session")
		return
	}
	rc.registry.Apply(sessionID, func(msgs []model.Message) []model.Message {
		if n := len(msgs); n > 0 && msgs[n-1].Kind == model.KindAssistant {
			msgs[n-1].Content += content
			return msgs
		}
		return append(msgs, model.Message{
			ID:        newMessageID(model.KindAssistant),
			Kind:      model.KindAssistant,
			Content:   content,
			Timestamp: time.Now(),
		})
	})
}

// HandleThink appends a reasoning note. Think messages are never merged.
func (rc *Reconciler) HandleThink(sessionID, content string) {
	if sessionID == "" {
		rc.logger.Warn("think without a target session")
		return
	}
	rc.registry.Apply(sessionID, func(msgs []model.Message) []model.Message {
		return append(msgs, model.Message{
			ID:        newMessageID(model.KindThink),
			Kind:      model.KindThink,
			Content:   content,
			Timestamp: time.Now(),
		})
	})
}

// HandleToolCall appends a pending tool invocation.
func (rc *Reconciler) HandleToolCall(sessionID, name string, args json.RawMessage) {
	if sessionID == "" {
		rc.logger.Warn("tool_call without a target session", "tool", name)
		return
	}
	if name == "" {
		name = model.ToolNameUnknown
	}
	rc.registry.Apply(sessionID, func(msgs []model.Message) []model.Message {
		return append(msgs, model.Message{
			ID:        newMessageID(model.KindToolCall),
			Kind:      model.KindToolCall,
			Timestamp: time.Now(),
			ToolName:  name,
			ToolArgs:  args,
			Status:    model.ToolStatusPending,
		})
	})
}

// HandleToolOutput pairs an output with its call: the sequence is searched
// backward for the nearest pending (or status-less) tool call, falling back
// to the nearest call not yet completed. The matched call is completed and
// the output inserted immediately after it, preserving causal read order even
// when other messages arrived while the call was outstanding. An unmatched
// output is appended at the end and reported.
func (rc *Reconciler) HandleToolOutput(sessionID, name string, output json.RawMessage) {
	if sessionID == "" {
		rc.logger.Warn("tool_output without a target session", "tool", name)
		return
	}
	if name == "" {
		name = model.ToolNameResult
	}
	outMsg := model.Message{
		ID:         newMessageID(model.KindToolOutput),
		Kind:       model.KindToolOutput,
		Timestamp:  time.Now(),
		ToolName:   name,
		ToolOutput: output,
	}

	rc.registry.Apply(sessionID, func(msgs []model.Message) []model.Message {
		idx := matchToolCall(msgs)
		if idx < 0 {
			rc.logger.Warn("tool output without a matching call",
				"session_id", sessionID,
				"tool", name)
			return append(msgs, outMsg)
		}
		msgs[idx].Status = model.ToolStatusCompleted

		out := make([]model.Message, 0, len(msgs)+1)
		out = append(out, msgs[:idx+1]...)
		out = append(out, outMsg)
		out = append(out, msgs[idx+1:]...)
		return out
	})
}

// HandleComplete ends the session's current turn.
func (rc *Reconciler) HandleComplete(sessionID string) {
	if sessionID == "" {
		return
	}
	rc.registry.SetGenerating(sessionID, false)
}

// HandleError surfaces a backend error without touching the sequence.
func (rc *Reconciler) HandleError(sessionID, message string) {
	rc.logger.Warn("backend error",
		"session_id", sessionID,
		"message", message)
	if sessionID != "" {
		rc.registry.SetGenerating(sessionID, false)
	}
	if rc.onError != nil {
		rc.onError(sessionID, message)
	}
}

// AppendUserMessage records a locally originated user message before it is
// transmitted. It is never rewritten by later events.
func (rc *Reconciler) AppendUserMessage(sessionID, content string) model.Message {
	msg := model.Message{
		ID:        newMessageID(model.KindUser),
		Kind:      model.KindUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	rc.registry.Apply(sessionID, func(msgs []model.Message) []model.Message {
		return append(msgs, msg)
	})
	rc.registry.SetGenerating(sessionID, true)
	return msg
}

// matchToolCall finds the call a fresh output belongs to: nearest-from-end
// pending or status-less call first, then nearest call not completed.
func matchToolCall(msgs []model.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].PendingToolCall() {
			return i
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsToolCall() && msgs[i].Status != model.ToolStatusCompleted {
			return i
		}
	}
	return -1
}
