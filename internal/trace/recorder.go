package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Direction marks which way a frame crossed the socket.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// Record is one traced frame. On the wire (and in trace files) it is the
// compact triple [offset_seconds, direction, payload].
type Record struct {
	Offset    float64
	Direction string
	Payload   json.RawMessage
}

// MarshalJSON encodes the record as [offset, direction, payload].
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Offset, r.Direction, r.Payload})
}

// UnmarshalJSON decodes the [offset, direction, payload] triple.
func (r *Record) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("trace record must have 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &r.Offset); err != nil {
		return fmt.Errorf("invalid trace offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &r.Direction); err != nil {
		return fmt.Errorf("invalid trace direction: %w", err)
	}
	r.Payload = append(json.RawMessage(nil), arr[2]...)
	return nil
}

// Recorder captures frames as timed records. Every record lands in the tail
// ring; when a writer is configured each record is also appended to it as one
// JSON line. A nil Recorder is valid and records nothing.
type Recorder struct {
	mu    sync.Mutex
	w     io.Writer
	ring  *Ring
	start time.Time
}

// DefaultTailSize is the number of recent frames kept in memory.
const DefaultTailSize = 256

// NewRecorder creates a Recorder. The writer may be nil for an in-memory
// tail only. tailSize below 1 uses DefaultTailSize.
func NewRecorder(w io.Writer, tailSize int) *Recorder {
	if tailSize < 1 {
		tailSize = DefaultTailSize
	}
	return &Recorder{
		w:     w,
		ring:  NewRing(tailSize),
		start: time.Now(),
	}
}

// Record captures one frame payload. Write failures are swallowed: tracing
// must never interfere with the connection.
func (t *Recorder) Record(direction string, payload []byte) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		Offset:    time.Since(t.start).Seconds(),
		Direction: direction,
		Payload:   append(json.RawMessage(nil), payload...),
	}
	t.ring.Append(rec)

	if t.w == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	t.w.Write(append(line, '\n'))
}

// Tail returns the most recent records, oldest first.
func (t *Recorder) Tail() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Snapshot()
}
