package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/protocol"
)

// reservedIDs are placeholder values a broken producer can leak. They are
// never accepted as message ids.
var reservedIDs = map[string]bool{
	"":          true,
	"undefined": true,
	"null":      true,
}

// normalizeHistory converts raw history entries into display messages:
// content is flattened, kinds resolved, every entry gets a usable id, and
// repeated ids keep only their first occurrence.
func normalizeHistory(entries []protocol.HistoryEntry) []model.Message {
	out := make([]model.Message, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		msg := normalizeEntry(entry)
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	return out
}

func normalizeEntry(entry protocol.HistoryEntry) model.Message {
	kind := entryKind(entry)

	msg := model.Message{
		ID:      normalizeID(entry.ID, kind),
		Kind:    kind,
		Content: normalizeContent(entry.Content),
	}
	if entry.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(entry.Timestamp)
	}

	switch kind {
	case model.KindToolCall:
		msg.ToolName = entry.ToolName
		if msg.ToolName == "" {
			msg.ToolName = model.ToolNameUnknown
		}
		msg.ToolArgs = entry.ToolArgs
		msg.Status = model.ToolStatus(entry.Status)
		if msg.Status != model.ToolStatusPending && msg.Status != model.ToolStatusError {
			// Historical calls have already run.
			msg.Status = model.ToolStatusCompleted
		}
	case model.KindToolOutput:
		msg.ToolName = entry.ToolName
		if msg.ToolName == "" {
			msg.ToolName = model.ToolNameResult
		}
		msg.ToolOutput = entry.ToolOutput
	}
	return msg
}

// entryKind resolves the message kind: an explicit type field wins,
// otherwise the role maps user→user, assistant→assistant, default assistant.
func entryKind(entry protocol.HistoryEntry) model.Kind {
	switch entry.Type {
	case "user":
		return model.KindUser
	case "assistant":
		return model.KindAssistant
	case "think":
		return model.KindThink
	case "tool_call", "function_call", "tool_call_item":
		return model.KindToolCall
	case "tool_output", "function_call_output", "tool_call_output_item":
		return model.KindToolOutput
	}
	if entry.Role == "user" {
		return model.KindUser
	}
	return model.KindAssistant
}

// normalizeID keeps the original id only when it is a real value; reserved
// placeholders get a fresh synthetic id.
func normalizeID(id string, kind model.Kind) string {
	if !reservedIDs[id] {
		return id
	}
	return newMessageID(kind)
}

func newMessageID(kind model.Kind) string {
	prefix := "msg"
	switch kind {
	case model.KindToolCall:
		prefix = "tool_call"
	case model.KindToolOutput:
		prefix = "tool_output"
	case model.KindThink:
		prefix = "think"
	}
	return prefix + "_" + uuid.New().String()
}

// normalizeContent flattens the polymorphic content field. The backend may
// send a plain string, a string wrapping JSON, an object, or an array of
// content parts.
func normalizeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, ok := decodeEmbedded(s); ok {
			return flattenContent(v)
		}
		return s
	}

	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return flattenContent(v)
	}
	return string(raw)
}

// decodeEmbedded detects a JSON-encoded structure inside a string value.
func decodeEmbedded(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case []any, map[string]any:
		return v, true
	}
	return nil, false
}

// flattenContent extracts text from a decoded content structure. Arrays
// concatenate their parts' text with newlines; objects prefer text, then
// content, then a stringified fallback.
func flattenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, part := range val {
			if isEmptyPart(part) {
				continue
			}
			parts = append(parts, flattenPart(part))
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		return flattenPart(val)
	default:
		return stringifyJSON(val)
	}
}

func flattenPart(part any) string {
	m, ok := part.(map[string]any)
	if !ok {
		return stringifyJSON(part)
	}
	if text, ok := m["text"]; ok {
		return stringifyValue(text)
	}
	if content, ok := m["content"]; ok {
		return stringifyValue(content)
	}
	return stringifyJSON(m)
}

func stringifyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return stringifyJSON(v)
}

func stringifyJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func isEmptyPart(part any) bool {
	switch val := part.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}
