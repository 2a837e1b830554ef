package stub

import (
	"encoding/json"
	"strings"

	"github.com/reactchat/client/internal/protocol"
)

// Script produces the event stream the stub backend emits for one user
// message, in emission order.
type Script interface {
	Respond(sessionID, content string) []protocol.Frame
}

// EchoScript is the default script: a think note, one echo tool round trip,
// the answer streamed as word deltas, then the completion marker. It
// exercises every stream event type the client reconciles.
type EchoScript struct{}

func (EchoScript) Respond(sessionID, content string) []protocol.Frame {
	args, _ := json.Marshal(map[string]string{"text": content})
	output, _ := json.Marshal(map[string]string{"echoed": content})

	frames := []protocol.Frame{
		{Type: protocol.EventThink, Content: "Echoing the user message."},
		{Type: protocol.EventToolCall, Name: "echo", Arguments: args},
		{Type: protocol.EventToolOutput, Name: "echo", Output: output},
	}

	answer := "You said: " + content
	words := strings.Split(answer, " ")
	for i, word := range words {
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		frames = append(frames, protocol.Frame{
			Type:    protocol.EventTextDelta,
			Content: delta,
		})
	}

	return append(frames, protocol.Frame{Type: protocol.EventComplete})
}

// ScriptFunc adapts a function to the Script interface.
type ScriptFunc func(sessionID, content string) []protocol.Frame

func (f ScriptFunc) Respond(sessionID, content string) []protocol.Frame {
	return f(sessionID, content)
}
