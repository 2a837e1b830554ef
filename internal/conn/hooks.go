package conn

import (
	"log/slog"
	"sync"
)

// hookList holds lifecycle handlers in registration order. A failing handler
// is isolated so the rest still run.
type hookList[T any] struct {
	mu    sync.Mutex
	hooks []*hookEntry[T]
}

type hookEntry[T any] struct {
	fn     T
	active bool
}

func (l *hookList[T]) add(fn T) func() {
	entry := &hookEntry[T]{fn: fn, active: true}

	l.mu.Lock()
	l.hooks = append(l.hooks, entry)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !entry.active {
			return
		}
		entry.active = false
		for i, e := range l.hooks {
			if e == entry {
				l.hooks = append(l.hooks[:i], l.hooks[i+1:]...)
				break
			}
		}
	}
}

func (l *hookList[T]) fire(logger *slog.Logger, call func(T)) {
	l.mu.Lock()
	snapshot := make([]*hookEntry[T], len(l.hooks))
	copy(snapshot, l.hooks)
	l.mu.Unlock()

	for _, entry := range snapshot {
		l.mu.Lock()
		active := entry.active
		l.mu.Unlock()
		if !active {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("lifecycle handler panicked", "panic", r)
				}
			}()
			call(entry.fn)
		}()
	}
}
