// Package dispatch implements the typed event bus that decouples the
// connection manager from the reconciliation layer. Subscribers register per
// event type and are invoked in registration order.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/reactchat/client/internal/protocol"
)

// Handler consumes one dispatched frame. Handlers run synchronously on the
// publishing goroutine; a panic is recovered and logged without affecting
// the remaining handlers.
type Handler func(frame *protocol.Frame)

type subscription struct {
	fn     Handler
	active bool
}

// Dispatcher fans frames out to type-keyed subscribers.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[protocol.EventType][]*subscription
	logger *slog.Logger
}

// New creates a Dispatcher. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:   make(map[protocol.EventType][]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Both may be called during dispatch.
func (d *Dispatcher) Subscribe(eventType protocol.EventType, fn Handler) func() {
	sub := &subscription{fn: fn, active: true}

	d.mu.Lock()
	d.subs[eventType] = append(d.subs[eventType], sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !sub.active {
			return
		}
		sub.active = false
		list := d.subs[eventType]
		for i, s := range list {
			if s == sub {
				d.subs[eventType] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish invokes every current subscriber for the frame's type and returns
// how many handlers ran. Dispatch iterates over a snapshot, so handlers may
// subscribe or unsubscribe freely while it runs.
func (d *Dispatcher) Publish(frame *protocol.Frame) int {
	d.mu.Lock()
	list := d.subs[frame.Type]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	d.mu.Unlock()

	invoked := 0
	for _, sub := range snapshot {
		d.mu.Lock()
		active := sub.active
		d.mu.Unlock()
		if !active {
			continue
		}
		d.invoke(sub.fn, frame)
		invoked++
	}
	return invoked
}

// SubscriberCount returns the number of handlers registered for a type.
func (d *Dispatcher) SubscriberCount(eventType protocol.EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[eventType])
}

func (d *Dispatcher) invoke(fn Handler, frame *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event_type", string(frame.Type),
				"panic", r)
		}
	}()
	fn(frame)
}
