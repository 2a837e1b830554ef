// Package trace records the frames crossing the WebSocket boundary for
// diagnostics: an optional JSONL stream plus a bounded in-memory tail that
// can be dumped after a protocol anomaly.
package trace

import "sync"

// Ring is a thread-safe circular buffer holding the most recent trace
// records. When full, the oldest record is overwritten.
type Ring struct {
	mu       sync.RWMutex
	records  []Record
	next     int
	wrapped  bool
	capacity int
}

// NewRing creates a Ring with the given capacity. A capacity below 1
// defaults to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Append adds a record, overwriting the oldest when the ring is full.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next++
	if r.next == r.capacity {
		r.next = 0
		r.wrapped = true
	}
}

// Snapshot returns the buffered records oldest-first. The returned slice is
// a copy and safe to use without the lock.
func (r *Ring) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.wrapped {
		out := make([]Record, r.next)
		copy(out, r.records[:r.next])
		return out
	}

	out := make([]Record, 0, r.capacity)
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.wrapped {
		return r.capacity
	}
	return r.next
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return r.capacity
}
